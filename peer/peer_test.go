package peer

import (
	"errors"
	"fmt"
	"net/netip"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/fredo-47/transmission/blocklist"
	"github.com/fredo-47/transmission/config"
	"github.com/fredo-47/transmission/torrent"
	"github.com/fredo-47/transmission/wire"
)

// fakeMessenger records what the swarm sends without a real socket.
type fakeMessenger struct {
	chokes        int
	unchokes      int
	interested    int
	notInterested int
	haves         []int
	cancels       [][3]int64 // piece, offset, length
	ports         []uint16
	pulses        int
	closed        bool
}

func (f *fakeMessenger) Pulse()                { f.pulses++ }
func (f *fakeMessenger) SendChoke() error      { f.chokes++; return nil }
func (f *fakeMessenger) SendUnchoke() error    { f.unchokes++; return nil }
func (f *fakeMessenger) SendInterested() error { f.interested++; return nil }
func (f *fakeMessenger) SendNotInterested() error {
	f.notInterested++
	return nil
}
func (f *fakeMessenger) SendHave(piece int) error {
	f.haves = append(f.haves, piece)
	return nil
}
func (f *fakeMessenger) SendCancel(piece int, offset, length int64) error {
	f.cancels = append(f.cancels, [3]int64{int64(piece), offset, length})
	return nil
}
func (f *fakeMessenger) SendPort(port uint16) error {
	f.ports = append(f.ports, port)
	return nil
}
func (f *fakeMessenger) Close() error { f.closed = true; return nil }

type fakeTransport struct {
	dialed       []netip.AddrPort
	failNext     bool
	limitReached bool
}

func (f *fakeTransport) Dial(addr netip.AddrPort, infoHash [20]byte, clientIsSeed, utp bool) (*PeerIO, error) {
	if f.failNext {
		return nil, errors.New("dial failed")
	}
	f.dialed = append(f.dialed, addr)
	return NewPeerIO(addr, false, utp, infoHash, &fakeMessenger{}, nil), nil
}

func (f *fakeTransport) LimitReached() bool { return f.limitReached }

type env struct {
	cfg       *config.Settings
	clk       *clock.Mock
	bl        *blocklist.Blocklist
	transport *fakeTransport
	sess      *Session
	mgr       *Manager
}

func newEnv(t *testing.T) *env {
	t.Helper()
	cfg := config.Default()
	clk := clock.NewMock()
	clk.Set(time.Unix(1700000000, 0))
	bl := blocklist.New()
	transport := &fakeTransport{}
	sess := NewSession(cfg, clk, zap.NewNop(), bl, transport)
	mgr := NewManager(sess)
	mgr.SeedRand(42)
	return &env{cfg: cfg, clk: clk, bl: bl, transport: transport, sess: sess, mgr: mgr}
}

func (e *env) now() int64 { return e.clk.Now().Unix() }

// newTorrent makes a torrent with 256 KiB pieces (16 blocks each).
func (e *env) newTorrent(id, pieces int) *torrent.Torrent {
	hash := [20]byte{byte(id), 0xfe}
	const pieceSize = 256 * 1024
	return torrent.New(id, hash, fmt.Sprintf("test-%d", id), int64(pieces)*pieceSize, pieceSize, e.cfg, e.sess.TopBandwidth(), e.clk)
}

func (e *env) addRunningSwarm(id, pieces int) *Swarm {
	s := e.mgr.AddTorrent(e.newTorrent(id, pieces))
	s.tor.Start()
	return s
}

func addrV4(host string, port uint16) netip.AddrPort {
	return netip.AddrPortFrom(netip.MustParseAddr(host), port)
}

// addOutgoingConn wires a live outgoing peer into the swarm the way a
// finished handshake would.
func addOutgoingConn(s *Swarm, addr netip.AddrPort, msgr wire.Messenger) *Conn {
	info := s.ensureInfoExists(addr, 0, FromTracker, true)
	io := NewPeerIO(addr, false, false, s.tor.InfoHash(), msgr, nil)
	c := newConn(s, info, io, "fake 1.0")
	s.addPeer(c)
	return c
}

// addIncomingConn wires a live incoming peer whose listen port is
// still unknown.
func addIncomingConn(s *Swarm, sockAddr netip.AddrPort, msgr wire.Messenger) *Conn {
	info := s.ensureInfoExists(sockAddr, 0, FromIncoming, false)
	io := NewPeerIO(sockAddr, true, false, s.tor.InfoHash(), msgr, nil)
	c := newConn(s, info, io, "fake 1.0")
	s.addPeer(c)
	return c
}
