package peer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fredo-47/transmission/wire"
)

// An incoming peer reports its listen port: the record migrates from
// the incoming pool to the connectable pool under the listen address.
func TestListenPortDiscovery(t *testing.T) {
	e := newEnv(t)
	s := e.addRunningSwarm(1, 4)

	sock := addrV4("1.2.3.4", 51413)
	c := addIncomingConn(s, sock, &fakeMessenger{})
	require.Contains(t, s.incomingPool, sock)

	s.OnPeerEvent(c, wire.Event{Type: wire.GotPort, Port: 6881})

	listen := addrV4("1.2.3.4", 6881)
	assert.NotContains(t, s.incomingPool, sock)
	require.Contains(t, s.connectablePool, listen)
	assert.Same(t, c.info, s.connectablePool[listen])
	assert.Equal(t, uint16(6881), c.info.ListenPort())

	known, connectable := c.info.IsConnectable()
	assert.True(t, known)
	assert.True(t, connectable)
}

// The reported endpoint collides with a connected peer: the more
// useful one survives, the loser is purged and buried.
func TestListenPortDuplicateConnection(t *testing.T) {
	e := newEnv(t)
	s := e.addRunningSwarm(1, 4)
	now := e.now()

	listen := addrV4("1.2.3.4", 6881)
	older := addOutgoingConn(s, listen, &fakeMessenger{})
	older.info.failureCount = 2
	older.info.SetLatestPieceDataTime(now - 100)

	sock := addrV4("1.2.3.4", 40000)
	newer := addIncomingConn(s, sock, &fakeMessenger{})
	newer.info.SetLatestPieceDataTime(now - 10)

	s.OnPeerEvent(newer, wire.Event{Type: wire.GotPort, Port: 6881})

	assert.True(t, older.doPurge, "losing connection is marked for purge")
	assert.Contains(t, s.graveyardPool, listen, "loser's record is buried")
	assert.Same(t, newer.info, s.connectablePool[listen], "winner owns the endpoint")
	assert.Equal(t, 2, newer.info.ConnectionFailureCount(), "winner absorbed the loser's counters")

	// the next reconnect pulse actually closes the loser
	e.mgr.reconnectPulse()
	assert.Equal(t, 1, len(s.peers))
	assert.NotContains(t, s.graveyardPool, listen, "burial ends when the connection closes")
}

// The incoming newcomer can also lose the collision: it is merged
// into the established record and buried, never left in the incoming
// pool.
func TestListenPortDuplicateConnectionIncomingLoses(t *testing.T) {
	e := newEnv(t)
	s := e.addRunningSwarm(1, 4)
	now := e.now()

	listen := addrV4("1.2.3.4", 6881)
	established := addOutgoingConn(s, listen, &fakeMessenger{})
	established.info.SetLatestPieceDataTime(now - 10)

	sock := addrV4("1.2.3.4", 40000)
	newcomer := addIncomingConn(s, sock, &fakeMessenger{})
	newcomer.info.SetLatestPieceDataTime(now - 100)
	newcomer.info.pexFlags = 0x04

	s.OnPeerEvent(newcomer, wire.Event{Type: wire.GotPort, Port: 6881})

	assert.True(t, newcomer.doPurge, "newcomer loses and is marked for purge")
	assert.False(t, established.doPurge)
	assert.Same(t, established.info, s.connectablePool[listen], "established record keeps the endpoint")
	assert.Equal(t, byte(0x04), established.info.PexFlags(), "winner absorbed the loser's flags")

	assert.NotContains(t, s.incomingPool, sock, "loser does not linger in the incoming pool")
	buried := newcomer.info.ListenSocketAddr()
	assert.Contains(t, s.graveyardPool, buried)

	e.mgr.reconnectPulse()
	assert.Equal(t, 1, len(s.peers))
	assert.NotContains(t, s.graveyardPool, buried, "burial ends when the connection closes")
}

// When the colliding record is not connected it is simply merged away.
func TestListenPortMergesIdleRecord(t *testing.T) {
	e := newEnv(t)
	s := e.addRunningSwarm(1, 4)

	listen := addrV4("1.2.3.4", 6881)
	idle := s.ensureInfoExists(listen, 0, FromDHT, true)
	idle.failureCount = 4

	sock := addrV4("1.2.3.4", 40000)
	c := addIncomingConn(s, sock, &fakeMessenger{})

	s.OnPeerEvent(c, wire.Event{Type: wire.GotPort, Port: 6881})

	assert.Same(t, c.info, s.connectablePool[listen])
	assert.Equal(t, 4, c.info.ConnectionFailureCount())
	assert.Equal(t, FromIncoming, c.info.FromBest(), "incoming outranks dht as a source")
	assert.Empty(t, s.graveyardPool)
}

func TestStrikePolicyBansAtThreshold(t *testing.T) {
	e := newEnv(t)
	s := e.addRunningSwarm(1, 8)
	c := addOutgoingConn(s, addrV4("10.0.0.1", 6881), &fakeMessenger{})

	// the peer contributed blocks to pieces 0..4, all of which fail
	for piece := 0; piece < maxBadPiecesPerPeer; piece++ {
		c.blame.Set(piece, true)
		s.onGotBadPiece(piece)
	}

	assert.True(t, c.info.IsBanned())
	assert.True(t, c.doPurge)

	e.mgr.reconnectPulse()
	assert.Zero(t, s.stats.PeerCount, "banned peer is disconnected by the next pulse")
}

func TestSwarmStatsInvariant(t *testing.T) {
	e := newEnv(t)
	s := e.addRunningSwarm(1, 4)

	c1 := addOutgoingConn(s, addrV4("10.0.0.1", 6881), &fakeMessenger{})
	addIncomingConn(s, addrV4("10.0.0.2", 50000), &fakeMessenger{})

	assert.Equal(t, len(s.peers), s.stats.PeerCount)
	fromSum := 0
	for _, n := range s.stats.PeerFromCount {
		fromSum += n
	}
	assert.Equal(t, s.stats.PeerCount, fromSum)
	assert.Equal(t, 2, e.sess.PeerCount())

	s.removePeer(c1)
	assert.Equal(t, len(s.peers), s.stats.PeerCount)
	assert.Equal(t, 1, e.sess.PeerCount())
}

func TestEndgame(t *testing.T) {
	e := newEnv(t)
	s := e.addRunningSwarm(1, 1) // 16 blocks, 256 KiB left
	p := addOutgoingConn(s, addrV4("10.0.0.1", 6881), &fakeMessenger{})

	s.updateEndgame()
	assert.False(t, s.IsEndgame())

	now := e.now()
	for b := 0; b < 16; b++ {
		s.requests.add(b, p, now)
	}
	s.updateEndgame()
	assert.True(t, s.IsEndgame(), "requested bytes cover everything left")
}

// A delivered block cancels the other copies in flight, excluding the
// peer that delivered.
func TestGotBlockCancelsDuplicates(t *testing.T) {
	e := newEnv(t)
	s := e.addRunningSwarm(1, 4)

	m1 := &fakeMessenger{}
	m2 := &fakeMessenger{}
	p1 := addOutgoingConn(s, addrV4("10.0.0.1", 6881), m1)
	p2 := addOutgoingConn(s, addrV4("10.0.0.2", 6881), m2)

	now := e.now()
	s.requests.add(3, p1, now)
	s.requests.add(3, p2, now)

	// block 3 is piece 0, offset 3*16KiB
	s.OnPeerEvent(p1, wire.Event{Type: wire.GotBlock, Piece: 0, Offset: 3 * 16 * 1024})

	assert.Zero(t, s.requests.size())
	assert.Empty(t, m1.cancels, "the deliverer is not told to cancel")
	assert.Len(t, m2.cancels, 1)
	assert.True(t, s.tor.HasBlock(3))
	assert.True(t, p1.blame.Get(0), "blame is recorded for the piece")
}

func TestProtocolFaultMarksPurge(t *testing.T) {
	e := newEnv(t)
	s := e.addRunningSwarm(1, 4)
	c := addOutgoingConn(s, addrV4("10.0.0.1", 6881), &fakeMessenger{})

	s.OnPeerEvent(c, wire.Event{Type: wire.Error, Err: wire.ErrOutOfRange})
	assert.True(t, c.doPurge)

	c.doPurge = false
	s.OnPeerEvent(c, wire.Event{Type: wire.Error, Err: assert.AnError})
	assert.False(t, c.doPurge, "unknown errors are only logged")
}

func TestTorrentDoomedDestroysSwarm(t *testing.T) {
	e := newEnv(t)
	s := e.addRunningSwarm(1, 4)
	addOutgoingConn(s, addrV4("10.0.0.1", 6881), &fakeMessenger{})
	s.outgoingHandshakes[addrV4("10.0.0.2", 6881)] = nil

	tor := s.tor
	delete(s.outgoingHandshakes, addrV4("10.0.0.2", 6881))
	tor.Doom()

	assert.False(t, s.isRunning)
	assert.Empty(t, s.peers)
	assert.Nil(t, e.mgr.SwarmFor(tor))
}
