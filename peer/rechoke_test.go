package peer

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/fredo-47/transmission/torrent"
	"github.com/fredo-47/transmission/wire"
)

type mockMessenger struct {
	mock.Mock
}

func (m *mockMessenger) Pulse() { m.Called() }

func (m *mockMessenger) SendChoke() error {
	return m.Called().Error(0)
}

func (m *mockMessenger) SendUnchoke() error {
	return m.Called().Error(0)
}

func (m *mockMessenger) SendInterested() error {
	return m.Called().Error(0)
}

func (m *mockMessenger) SendNotInterested() error {
	return m.Called().Error(0)
}

func (m *mockMessenger) SendHave(piece int) error {
	return m.Called(piece).Error(0)
}

func (m *mockMessenger) SendCancel(piece int, offset, length int64) error {
	return m.Called(piece, offset, length).Error(0)
}

func (m *mockMessenger) SendPort(port uint16) error {
	return m.Called(port).Error(0)
}

func (m *mockMessenger) Close() error {
	return m.Called().Error(0)
}

func TestRechokeSendsTransitions(t *testing.T) {
	e := newEnv(t)
	e.cfg.UploadSlotsPerTorrent = 1
	s := e.addRunningSwarm(1, 4)
	now := e.now()

	fast := &mockMessenger{}
	fast.On("SendUnchoke").Return(nil)
	slow := &mockMessenger{}

	cFast := addOutgoingConn(s, addrV4("10.0.0.1", 6881), fast)
	cFast.peerInterested = true
	cFast.rates[torrent.Down].Add(now, 1000)

	cSlow := addOutgoingConn(s, addrV4("10.0.0.2", 6881), slow)
	cSlow.peerInterested = false

	e.mgr.rechokeUploads(s)

	assert.False(t, cFast.PeerIsChoked())
	fast.AssertExpectations(t)
	// cSlow was already choked: no message goes out
	slow.AssertNotCalled(t, "SendChoke")
}

// Twenty interested peers, four slots: exactly four are unchoked by
// rate, plus a single optimistic unchoke.
func TestRechokeCap(t *testing.T) {
	e := newEnv(t)
	e.cfg.UploadSlotsPerTorrent = 4
	s := e.addRunningSwarm(1, 4)
	now := e.now()

	peers := make([]*Conn, 20)
	for i := range peers {
		c := addOutgoingConn(s, addrV4(fmt.Sprintf("10.0.0.%d", i+1), 6881), &fakeMessenger{})
		c.peerInterested = true
		// peer i uploads to us at (i+1) KiB/s worth of window data
		c.rates[torrent.Down].Add(now, int64((i+1)*1024*10))
		peers[i] = c
	}

	e.mgr.rechokeUploads(s)

	unchoked := 0
	for _, c := range peers {
		if !c.PeerIsChoked() {
			unchoked++
		}
	}
	require.NotNil(t, s.optimistic)
	assert.Equal(t, 5, unchoked, "4 slots plus the optimistic unchoke")

	// the four fastest all hold slots
	for _, c := range peers[16:] {
		assert.False(t, c.PeerIsChoked(), "fast peer should be unchoked")
	}
}

func TestOptimisticUnchokeImmunity(t *testing.T) {
	e := newEnv(t)
	e.cfg.UploadSlotsPerTorrent = 1
	s := e.addRunningSwarm(1, 4)
	now := e.now()

	for i := 0; i < 8; i++ {
		c := addOutgoingConn(s, addrV4(fmt.Sprintf("10.0.1.%d", i+1), 6881), &fakeMessenger{})
		c.peerInterested = true
		c.rates[torrent.Down].Add(now, int64((i+1)*1000))
	}

	e.mgr.rechokeUploads(s)
	require.NotNil(t, s.optimistic)
	chosen := s.optimistic

	for i := 0; i < optimisticUnchokeMultiplier; i++ {
		e.mgr.rechokeUploads(s)
		assert.Same(t, chosen, s.optimistic, "optimistic peer is immune while the countdown runs")
		assert.False(t, chosen.PeerIsChoked())
	}
}

func TestRechokeChokesSeedsAndSaturated(t *testing.T) {
	e := newEnv(t)
	s := e.addRunningSwarm(1, 4)
	now := e.now()

	seed := addOutgoingConn(s, addrV4("10.0.0.1", 6881), &fakeMessenger{})
	seed.setHaveAll()
	seed.peerInterested = true
	seed.clientChoking = false // pretend it held a slot

	leech := addOutgoingConn(s, addrV4("10.0.0.2", 6881), &fakeMessenger{})
	leech.peerInterested = true

	// saturate the upload direction
	s.tor.Bandwidth().SetLimit(torrent.Up, true, 10)
	s.tor.Bandwidth().Notify(torrent.Up, now, 100000)

	e.mgr.rechokeUploads(s)

	assert.True(t, seed.PeerIsChoked(), "seeds are always choked")
	assert.True(t, leech.PeerIsChoked(), "no new slots while saturated")
	assert.Nil(t, s.optimistic, "no optimistic unchoke while saturated")
}

func TestUpdateInterest(t *testing.T) {
	e := newEnv(t)
	s := e.addRunningSwarm(1, 4)

	hasWanted := &fakeMessenger{}
	hasNothing := &fakeMessenger{}
	isSeed := &fakeMessenger{}

	c1 := addOutgoingConn(s, addrV4("10.0.0.1", 6881), hasWanted)
	s.OnPeerEvent(c1, wire.Event{Type: wire.GotHave, Piece: 2})

	addOutgoingConn(s, addrV4("10.0.0.2", 6881), hasNothing)

	c3 := addOutgoingConn(s, addrV4("10.0.0.3", 6881), isSeed)
	s.OnPeerEvent(c3, wire.Event{Type: wire.GotHaveAll})

	e.mgr.updateInterest(s)

	assert.Equal(t, 1, hasWanted.interested)
	assert.Zero(t, hasNothing.interested)
	assert.Equal(t, 1, isSeed.interested, "seeds are always interesting")
}
