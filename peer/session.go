package peer

import (
	"net/netip"
	"sync"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/fredo-47/transmission/blocklist"
	"github.com/fredo-47/transmission/config"
	"github.com/fredo-47/transmission/torrent"
)

// Transport creates outgoing sockets. It is the only place the peer
// manager touches the network.
type Transport interface {
	// Dial opens an outgoing connection; utp selects the transport.
	Dial(addr netip.AddrPort, infoHash [20]byte, clientIsSeed bool, utp bool) (*PeerIO, error)
	// LimitReached reports whether the process is out of sockets.
	LimitReached() bool
}

// Session is everything torrents share: settings, the torrent table,
// the blocklist, the transport and the top of the bandwidth tree. One
// lock serializes the whole peer subsystem; timer callbacks and public
// API entrypoints acquire it on entry.
type Session struct {
	mu sync.Mutex

	cfg       *config.Settings
	clk       clock.Clock
	log       *zap.Logger
	blocklist *blocklist.Blocklist
	transport Transport

	top *torrent.Bandwidth

	torrents       []*torrent.Torrent
	torrentsByID   map[int]*torrent.Torrent
	torrentsByHash map[[20]byte]*torrent.Torrent

	uploaded   int64
	downloaded int64

	// live wire peers across every swarm
	peerCount int
}

func NewSession(cfg *config.Settings, clk clock.Clock, log *zap.Logger, bl *blocklist.Blocklist, transport Transport) *Session {
	top := torrent.NewBandwidth(nil)
	top.SetLimit(torrent.Up, cfg.SpeedLimitedUp, cfg.SpeedLimitUp)
	top.SetLimit(torrent.Down, cfg.SpeedLimitedDown, cfg.SpeedLimitDown)
	return &Session{
		cfg:            cfg,
		clk:            clk,
		log:            log,
		blocklist:      bl,
		transport:      transport,
		top:            top,
		torrentsByID:   make(map[int]*torrent.Torrent),
		torrentsByHash: make(map[[20]byte]*torrent.Torrent),
	}
}

func (s *Session) lock()   { s.mu.Lock() }
func (s *Session) unlock() { s.mu.Unlock() }

func (s *Session) Settings() *config.Settings   { return s.cfg }
func (s *Session) Clock() clock.Clock           { return s.clk }
func (s *Session) Logger() *zap.Logger          { return s.log }
func (s *Session) Blocklist() *blocklist.Blocklist { return s.blocklist }
func (s *Session) TopBandwidth() *torrent.Bandwidth { return s.top }

func (s *Session) now() int64     { return s.clk.Now().Unix() }
func (s *Session) nowMsec() int64 { return s.clk.Now().UnixMilli() }

// RegisterTorrent adds a torrent to the session table. Iteration
// order is registration order, which keeps pulse processing
// deterministic.
func (s *Session) RegisterTorrent(t *torrent.Torrent) {
	s.torrents = append(s.torrents, t)
	s.torrentsByID[t.ID()] = t
	s.torrentsByHash[t.InfoHash()] = t
}

func (s *Session) UnregisterTorrent(t *torrent.Torrent) {
	for i, other := range s.torrents {
		if other == t {
			s.torrents = append(s.torrents[:i], s.torrents[i+1:]...)
			break
		}
	}
	delete(s.torrentsByID, t.ID())
	delete(s.torrentsByHash, t.InfoHash())
}

func (s *Session) Torrents() []*torrent.Torrent       { return s.torrents }
func (s *Session) TorrentByID(id int) *torrent.Torrent { return s.torrentsByID[id] }
func (s *Session) TorrentByHash(hash [20]byte) *torrent.Torrent {
	return s.torrentsByHash[hash]
}

func (s *Session) PeerLimit() int             { return s.cfg.PeerLimitGlobal }
func (s *Session) UploadSlotsPerTorrent() int { return s.cfg.UploadSlotsPerTorrent }

func (s *Session) AllowsTCP() bool { return s.cfg.AllowsTCP }
func (s *Session) AllowsUTP() bool { return s.cfg.AllowsUTP }
func (s *Session) AllowsDHT() bool { return s.cfg.AllowsDHT }
func (s *Session) AllowsPEX() bool { return s.cfg.AllowsPEX }

func (s *Session) EncryptionMode() config.EncryptionMode { return s.cfg.Encryption }

func (s *Session) AddUploaded(n int64)   { s.uploaded += n }
func (s *Session) AddDownloaded(n int64) { s.downloaded += n }
func (s *Session) Uploaded() int64       { return s.uploaded }
func (s *Session) Downloaded() int64     { return s.downloaded }

// PeerCount is the number of live wire peers session-wide.
func (s *Session) PeerCount() int { return s.peerCount }

// AddressIsBlocked is the session-level blocklist query.
func (s *Session) AddressIsBlocked(addr netip.Addr) bool {
	return s.blocklist.Contains(addr)
}

// --- torrent queue

func (s *Session) QueueEnabled(dir torrent.Direction) bool {
	if dir == torrent.Up {
		return s.cfg.QueueEnabledUp
	}
	return s.cfg.QueueEnabledDown
}

func (s *Session) queueSize(dir torrent.Direction) int {
	if dir == torrent.Up {
		return s.cfg.QueueSizeUp
	}
	return s.cfg.QueueSizeDown
}

// CountQueueFreeSlots is how many more torrents may run in dir.
func (s *Session) CountQueueFreeSlots(dir torrent.Direction) int {
	running := 0
	for _, t := range s.torrents {
		if t.IsRunning() && t.QueueDirection() == dir {
			running++
		}
	}
	if free := s.queueSize(dir) - running; free > 0 {
		return free
	}
	return 0
}

// NextQueuedTorrents returns up to n torrents waiting in dir's queue,
// in table order.
func (s *Session) NextQueuedTorrents(dir torrent.Direction, n int) []*torrent.Torrent {
	var next []*torrent.Torrent
	for _, t := range s.torrents {
		if len(next) >= n {
			break
		}
		if t.IsQueued() && t.QueueDirection() == dir {
			next = append(next, t)
		}
	}
	return next
}
