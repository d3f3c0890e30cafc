package clients

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func peerID(s string) [20]byte {
	var id [20]byte
	copy(id[:], s)
	return id
}

func TestForID(t *testing.T) {
	tests := []struct {
		id   string
		want string
	}{
		{"-TR4050-abcdefghijkl", "Transmission 4.0.5"},
		{"-qB4210-abcdefghijkl", "qBittorrent 4.2.1"},
		{"-UT3550-abcdefghijkl", "µTorrent 3.5.5"},
		{"-XX1000-abcdefghijkl", "XX 1"},
		{"S581B-----abcdefghij", "Shad0w 5.8.1"},
		{"M4-3-6--abcdefghijkl", "BitTorrent 4.3.6"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ForID(peerID(tt.id)), "peer id %q", tt.id)
	}
}

func TestForIDUnknownStaysPrintable(t *testing.T) {
	id := peerID("\x00\x01garbage-peer-id\xff\xfe")
	got := ForID(id)
	assert.NotEmpty(t, got)
	for _, r := range got {
		assert.True(t, r >= 0x20 && r < 0x7f, "non-printable byte leaked into %q", got)
	}
}
