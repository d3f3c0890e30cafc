// Package clients maps a peer-id to a human-readable client name.
package clients

import (
	"fmt"
	"strings"
)

// azureus-style two-letter codes, the common subset seen in the wild
var azStyle = map[string]string{
	"AZ": "Azureus",
	"BC": "BitComet",
	"DE": "Deluge",
	"KT": "KTorrent",
	"LT": "libtorrent (Rasterbar)",
	"lt": "libTorrent (rTorrent)",
	"qB": "qBittorrent",
	"TR": "Transmission",
	"UT": "µTorrent",
	"UW": "µTorrent Web",
	"WW": "WebTorrent",
}

// ForID identifies a client from its 20-byte peer id. Unknown ids
// come back as their first eight bytes, with non-printable bytes shown
// as '?', rather than an empty string so peer listings stay
// distinguishable.
func ForID(peerID [20]byte) string {
	// azureus style: -XXvvvv-
	if peerID[0] == '-' && peerID[7] == '-' {
		code := string(peerID[1:3])
		version := formatVersion(peerID[3:7])
		if name, ok := azStyle[code]; ok {
			return name + " " + version
		}
		return fmt.Sprintf("%s %s", code, version)
	}

	// shadow style: one letter + version
	if peerID[0] == 'S' {
		return "Shad0w " + formatVersion(peerID[1:4])
	}

	// mainline style: M4-3-6--
	if peerID[0] == 'M' {
		if v := string(peerID[1:8]); strings.Count(v, "-") >= 2 {
			return "BitTorrent " + strings.TrimRight(strings.ReplaceAll(v, "-", "."), ".")
		}
	}

	printable := make([]byte, 0, 8)
	for _, c := range peerID[:8] {
		if c >= 0x20 && c < 0x7f {
			printable = append(printable, c)
		} else {
			printable = append(printable, '?')
		}
	}
	return string(printable)
}

func formatVersion(digits []byte) string {
	parts := make([]string, 0, len(digits))
	for _, d := range digits {
		switch {
		case d >= '0' && d <= '9':
			parts = append(parts, string(d))
		case d >= 'A' && d <= 'Z':
			// some clients encode 10+ as letters
			parts = append(parts, fmt.Sprintf("%d", d-'A'+10))
		}
	}
	for len(parts) > 0 && parts[len(parts)-1] == "0" {
		parts = parts[:len(parts)-1]
	}
	if len(parts) == 0 {
		return "0"
	}
	return strings.Join(parts, ".")
}
