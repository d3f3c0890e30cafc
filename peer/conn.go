package peer

import (
	"net/netip"

	bitmap "github.com/boljen/go-bitmap"

	"github.com/fredo-47/transmission/torrent"
	"github.com/fredo-47/transmission/wire"
)

// recent-activity counters (blocks, cancels) look back this far
const cancelHistorySecs = 60

// Transfer is the interface shared by wire peers and webseeds: the
// small set of operations the swarm schedules against.
type Transfer interface {
	Pulse()
	Has(piece int) bool
	IsTransferring(now int64, dir torrent.Direction) bool
	DisplayName() string
}

// PeerIO owns one transport connection (TCP or uTP). It is created by
// the transport layer and handed through the handshake to a Conn.
type PeerIO struct {
	sockAddr  netip.AddrPort
	incoming  bool
	utp       bool
	encrypted bool
	infoHash  [20]byte

	msgr    wire.Messenger
	closeFn func()
}

// NewPeerIO is used by the transport layer (and tests) to wrap a
// fresh connection.
func NewPeerIO(sockAddr netip.AddrPort, incoming, utp bool, infoHash [20]byte, msgr wire.Messenger, closeFn func()) *PeerIO {
	return &PeerIO{
		sockAddr: sockAddr,
		incoming: incoming,
		utp:      utp,
		infoHash: infoHash,
		msgr:     msgr,
		closeFn:  closeFn,
	}
}

func (io *PeerIO) SocketAddr() netip.AddrPort { return io.sockAddr }
func (io *PeerIO) IsIncoming() bool           { return io.incoming }
func (io *PeerIO) IsUTP() bool                { return io.utp }
func (io *PeerIO) IsEncrypted() bool          { return io.encrypted }
func (io *PeerIO) TorrentHash() [20]byte      { return io.infoHash }
func (io *PeerIO) SetEncrypted()              { io.encrypted = true }
func (io *PeerIO) Messenger() wire.Messenger  { return io.msgr }

func (io *PeerIO) Close() {
	if io.closeFn != nil {
		io.closeFn()
	}
	if io.msgr != nil {
		io.msgr.Close()
	}
}

// recentCounter counts events over a trailing window.
type recentCounter struct {
	times []int64
}

func (c *recentCounter) add(now int64) {
	c.times = append(c.times, now)
}

func (c *recentCounter) count(now int64, windowSecs int64) int {
	// prune as we count; the slice stays tiny in practice
	kept := c.times[:0]
	for _, t := range c.times {
		if now-t < windowSecs {
			kept = append(kept, t)
		}
	}
	c.times = kept
	return len(kept)
}

// Conn is a live wire-level peer: the connection state the choke and
// reconnect logic schedules, plus the blame/strike bookkeeping for
// corrupt pieces. The durable identity lives in its PeerInfo.
type Conn struct {
	swarm *Swarm
	info  *PeerInfo
	io    *PeerIO

	client string // agent name decoded from the peer id

	// peer's piece set
	have      bitmap.Bitmap
	haveCount int
	haveAll   bool

	// which pieces this peer sent blocks for
	blame bitmap.Bitmap

	strikes int
	doPurge bool

	peerInterested   bool
	clientInterested bool
	peerChoking      bool
	clientChoking    bool

	rates [2]torrent.SpeedMeter

	blocksToPeer    recentCounter
	blocksToClient  recentCounter
	cancelsToPeer   recentCounter
	cancelsToClient recentCounter

	// requests the peer has queued on us; maintained by the driver
	activeReqsFromPeer int
}

func newConn(s *Swarm, info *PeerInfo, io *PeerIO, client string) *Conn {
	return &Conn{
		swarm:        s,
		info:         info,
		io:           io,
		client:       client,
		have:         bitmap.New(s.tor.PieceCount()),
		blame:        bitmap.New(s.tor.PieceCount()),
		peerChoking:  true,
		clientChoking: true,
	}
}

func (c *Conn) PeerInfo() *PeerInfo          { return c.info }
func (c *Conn) SocketAddr() netip.AddrPort   { return c.io.SocketAddr() }
func (c *Conn) IsIncoming() bool             { return c.io.IsIncoming() }
func (c *Conn) IsUTP() bool                  { return c.io.IsUTP() }
func (c *Conn) IsEncrypted() bool            { return c.io.IsEncrypted() }
func (c *Conn) Client() string               { return c.client }
func (c *Conn) DisplayName() string {
	return c.io.SocketAddr().String()
}

func (c *Conn) Pulse() { c.io.Messenger().Pulse() }

// --- piece set

func (c *Conn) Has(piece int) bool {
	return c.haveAll || c.have.Get(piece)
}

func (c *Conn) IsSeed() bool {
	return c.haveAll || c.haveCount >= c.swarm.tor.PieceCount()
}

func (c *Conn) PercentDone() float64 {
	if n := c.swarm.tor.PieceCount(); n > 0 {
		if c.haveAll {
			return 1
		}
		return float64(c.haveCount) / float64(n)
	}
	return 0
}

func (c *Conn) setHave(piece int) {
	if !c.have.Get(piece) {
		c.have.Set(piece, true)
		c.haveCount++
	}
}

func (c *Conn) setHaveAll() {
	c.haveAll = true
	c.haveCount = c.swarm.tor.PieceCount()
}

func (c *Conn) setHaveNone() {
	c.haveAll = false
	c.haveCount = 0
	c.have = bitmap.New(c.swarm.tor.PieceCount())
}

func (c *Conn) setBitfield(raw []byte) {
	c.haveAll = false
	c.haveCount = 0
	c.have = bitmap.New(c.swarm.tor.PieceCount())
	for i := 0; i < c.swarm.tor.PieceCount(); i++ {
		if bitmap.Get(raw, i) {
			c.have.Set(i, true)
			c.haveCount++
		}
	}
}

// --- choke / interest

func (c *Conn) PeerIsInterested() bool { return c.peerInterested }
func (c *Conn) PeerIsChoked() bool     { return c.clientChoking }
func (c *Conn) ClientIsInterested() bool { return c.clientInterested }
func (c *Conn) ClientIsChoked() bool     { return c.peerChoking }

// SetChoke chokes or unchokes the peer, sending the transition on the
// wire.
func (c *Conn) SetChoke(choked bool) {
	if c.clientChoking == choked {
		return
	}
	c.clientChoking = choked
	if choked {
		_ = c.io.Messenger().SendChoke()
	} else {
		_ = c.io.Messenger().SendUnchoke()
	}
}

// SetInterested flips our interest flag, sending the transition.
func (c *Conn) SetInterested(interested bool) {
	if c.clientInterested == interested {
		return
	}
	c.clientInterested = interested
	if interested {
		_ = c.io.Messenger().SendInterested()
	} else {
		_ = c.io.Messenger().SendNotInterested()
	}
}

// --- activity

// IsActive reports whether piece data could be flowing in dir.
func (c *Conn) IsActive(dir torrent.Direction) bool {
	if dir == torrent.Up {
		return c.peerInterested && !c.clientChoking
	}
	return c.clientInterested && !c.peerChoking
}

func (c *Conn) IsTransferring(now int64, dir torrent.Direction) bool {
	return c.rates[dir].RateBps(now) > 0
}

// PieceSpeedBps is the piece-data rate in dir over the rate window.
func (c *Conn) PieceSpeedBps(now int64, dir torrent.Direction) int64 {
	return c.rates[dir].RateBps(now)
}

func (c *Conn) notifyPieceData(now int64, dir torrent.Direction, n int64) {
	c.rates[dir].Add(now, n)
}

// CancelBlockRequest tells the peer to forget a request we made.
func (c *Conn) CancelBlockRequest(block int) {
	piece, offset, length := c.swarm.tor.BlockToPieceOffset(block)
	_ = c.io.Messenger().SendCancel(piece, offset, length)
}

func (c *Conn) close() {
	c.io.Close()
}
