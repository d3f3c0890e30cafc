package peer

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestActiveRequests(t *testing.T) {
	e := newEnv(t)
	s := e.addRunningSwarm(1, 4)

	p1 := addOutgoingConn(s, addrV4("10.0.0.1", 6881), &fakeMessenger{})
	p2 := addOutgoingConn(s, addrV4("10.0.0.2", 6881), &fakeMessenger{})

	r := newActiveRequests()
	assert.True(t, r.add(42, p1, 100))
	assert.False(t, r.add(42, p1, 101), "duplicate adds are rejected")
	assert.True(t, r.add(42, p2, 110))
	assert.True(t, r.add(7, p1, 120))

	assert.Equal(t, 3, r.size())
	assert.Equal(t, 2, r.countForBlock(42))
	assert.Equal(t, 2, r.countForPeer(p1))
	assert.True(t, r.has(42, p1))
	assert.False(t, r.has(7, p2))

	// the two indexes agree
	holders := r.removeBlock(42)
	assert.Len(t, holders, 2)
	assert.False(t, r.has(42, p1))
	assert.False(t, r.has(42, p2))
	assert.Equal(t, 1, r.countForPeer(p1))

	blocks := r.removePeer(p1)
	assert.Equal(t, []int{7}, blocks)
	assert.Equal(t, 0, r.size())
}

func TestActiveRequestsSentBefore(t *testing.T) {
	e := newEnv(t)
	s := e.addRunningSwarm(1, 4)
	p := addOutgoingConn(s, addrV4("10.0.0.1", 6881), &fakeMessenger{})

	r := newActiveRequests()
	r.add(1, p, 100)
	r.add(2, p, 200)
	r.add(3, p, 300)

	stale := r.sentBefore(200)
	assert.Len(t, stale, 1)
	assert.Equal(t, 1, stale[0].block)
}
