package peer

import (
	"net/netip"

	"go.uber.org/zap"

	"github.com/fredo-47/transmission/handshake"
	"github.com/fredo-47/transmission/torrent"
	"github.com/fredo-47/transmission/wire"
)

const (
	// bad pieces a peer may contribute to before we ban them
	maxBadPiecesPerPeer = 5

	// how long requests may linger before the refill pulse cancels them
	requestTTLSecs = 90
)

// SwarmStats are the running counters every mutation keeps current.
type SwarmStats struct {
	PeerCount          int
	PeerFromCount      [fromMax]int
	ActivePeerCount    [2]int // indexed by torrent.Direction
	ActiveWebseedCount int
}

// Swarm is the per-torrent population of peers: live connections, the
// three PeerInfo pools, in-flight handshakes, outstanding block
// requests and webseeds.
type Swarm struct {
	manager *Manager
	tor     *torrent.Torrent
	log     *zap.Logger

	isRunning bool

	peers    []*Conn
	webseeds []*Webseed

	// PeerInfo pointers handed to connections stay valid for the
	// swarm's lifetime; the maps only hold pointers.
	connectablePool map[netip.AddrPort]*PeerInfo // keyed by listen address
	incomingPool    map[netip.AddrPort]*PeerInfo // keyed by socket address
	graveyardPool   map[netip.AddrPort]*PeerInfo // collision losers, kept for their counters

	outgoingHandshakes map[netip.AddrPort]*handshake.Handshake

	requests activeRequests

	stats SwarmStats

	optimistic             *Conn
	optimisticUnchokeScaler uint8

	lastCancel int64

	poolIsAllSeeds *bool // cached; nil = dirty
	isEndgame      bool

	unobserve []func()
}

func newSwarm(m *Manager, tor *torrent.Torrent) *Swarm {
	s := &Swarm{
		manager:            m,
		tor:                tor,
		log:                m.session.Logger().Named("swarm").With(zap.String("torrent", tor.Name())),
		connectablePool:    make(map[netip.AddrPort]*PeerInfo),
		incomingPool:       make(map[netip.AddrPort]*PeerInfo),
		graveyardPool:      make(map[netip.AddrPort]*PeerInfo),
		outgoingHandshakes: make(map[netip.AddrPort]*handshake.Handshake),
		requests:           newActiveRequests(),
	}

	s.unobserve = []func(){
		tor.OnStarted(s.onTorrentStarted),
		tor.OnStopped(s.onTorrentStopped),
		tor.OnDoomed(s.onTorrentDoomed),
		tor.OnDone(s.onTorrentDone),
		tor.OnGotMetainfo(s.onGotMetainfo),
		tor.OnPieceCompleted(s.onPieceCompleted),
		tor.OnGotBadPiece(s.onGotBadPiece),
		tor.OnAllSeeds(s.onAllSeeds),
	}

	s.rebuildWebseeds()
	return s
}

func (s *Swarm) Torrent() *torrent.Torrent { return s.tor }
func (s *Swarm) IsRunning() bool           { return s.isRunning }
func (s *Swarm) PeerCount() int            { return len(s.peers) }

// Stats returns the counters with the derived activity fields
// refreshed.
func (s *Swarm) Stats() SwarmStats {
	now := s.manager.session.now()
	for dir := torrent.Up; dir <= torrent.Down; dir++ {
		n := 0
		for _, c := range s.peers {
			if c.IsActive(dir) {
				n++
			}
		}
		s.stats.ActivePeerCount[dir] = n
	}
	s.stats.ActiveWebseedCount = s.countActiveWebseeds(now)
	return s.stats
}

func (s *Swarm) countActiveWebseeds(now int64) int {
	if !s.tor.IsRunning() || s.tor.IsDone() {
		return 0
	}
	n := 0
	for _, w := range s.webseeds {
		if w.IsTransferring(now, torrent.Down) {
			n++
		}
	}
	return n
}

func (s *Swarm) rebuildWebseeds() {
	s.webseeds = s.webseeds[:0]
	for i := 0; i < s.tor.WebseedCount(); i++ {
		s.webseeds = append(s.webseeds, newWebseed(s, s.tor.Webseed(i)))
	}
	s.stats.ActiveWebseedCount = 0
}

// --- lifecycle observers

func (s *Swarm) onTorrentStarted() {
	s.isRunning = true
	s.manager.rechokeSoon()
}

func (s *Swarm) onTorrentStopped() {
	s.stop()
}

func (s *Swarm) onTorrentDoomed() {
	s.stop()
	for _, fn := range s.unobserve {
		fn()
	}
	s.manager.dropSwarm(s)
}

func (s *Swarm) onTorrentDone() {
	for _, c := range s.peers {
		c.SetInterested(false)
	}
}

func (s *Swarm) onGotMetainfo() {
	// the webseed list may have changed
	s.rebuildWebseeds()

	for _, c := range s.peers {
		if c.IsSeed() {
			s.markPeerAsSeed(c.info)
		}
	}
}

func (s *Swarm) onPieceCompleted(piece int) {
	for _, c := range s.peers {
		_ = c.io.Messenger().SendHave(piece)
	}
}

func (s *Swarm) onGotBadPiece(piece int) {
	for _, c := range s.peers {
		if c.blame.Get(piece) {
			s.log.Debug("peer contributed to corrupt piece",
				zap.String("peer", c.DisplayName()),
				zap.Int("piece", piece),
				zap.Int("strikes", c.strikes+1))
			s.addStrike(c)
		}
	}
}

func (s *Swarm) onAllSeeds() {
	for _, info := range s.connectablePool {
		s.markPeerAsSeed(info)
	}
	s.markAllSeedsFlagDirty()
}

// --- peers

func (s *Swarm) stop() {
	s.isRunning = false
	s.removeAllPeers()
	for _, h := range s.outgoingHandshakes {
		h.Abort()
	}
	s.outgoingHandshakes = make(map[netip.AddrPort]*handshake.Handshake)
}

func (s *Swarm) addPeer(c *Conn) {
	s.peers = append(s.peers, c)
	c.info.setConnected(true)
	s.stats.PeerCount++
	s.stats.PeerFromCount[c.info.fromFirst]++
	s.manager.session.peerCount++
}

func (s *Swarm) removePeer(c *Conn) {
	info := c.info
	sockAddr := c.SocketAddr()
	listenAddr := info.ListenSocketAddr()
	wasIncoming := c.IsIncoming()

	s.requests.removePeer(c)

	for i, other := range s.peers {
		if other == c {
			s.peers = append(s.peers[:i], s.peers[i+1:]...)
			break
		}
	}
	if s.optimistic == c {
		s.optimistic = nil
	}

	s.stats.PeerCount--
	s.stats.PeerFromCount[info.fromFirst]--
	s.manager.session.peerCount--
	info.setConnected(false)

	c.close()

	if wasIncoming && info.listenPort == 0 {
		delete(s.incomingPool, sockAddr)
	}
	delete(s.graveyardPool, listenAddr)
}

func (s *Swarm) removeAllPeers() {
	tmp := make([]*Conn, len(s.peers))
	copy(tmp, s.peers)
	for _, c := range tmp {
		s.removePeer(c)
	}
}

// --- request bookkeeping

// cancelOldRequests drops requests older than the TTL, telling the
// wire peers that held them.
func (s *Swarm) cancelOldRequests() {
	now := s.manager.session.now()
	oldest := now - requestTTLSecs

	for _, req := range s.requests.sentBefore(oldest) {
		s.maybeSendCancelRequest(req.t, req.block, nil)
		s.requests.remove(req.block, req.t)
	}
	s.lastCancel = now
}

// cancelAllRequestsForBlock cancels every outstanding request for a
// block; the peer that just delivered it is excluded.
func (s *Swarm) cancelAllRequestsForBlock(block int, noNotify Transfer) {
	for _, t := range s.requests.removeBlock(block) {
		s.maybeSendCancelRequest(t, block, noNotify)
	}
}

func (s *Swarm) maybeSendCancelRequest(t Transfer, block int, muted Transfer) {
	c, ok := t.(*Conn)
	if !ok || c == muted {
		return
	}
	c.cancelsToPeer.add(s.manager.session.now())
	c.CancelBlockRequest(block)
}

// updateEndgame refreshes the cached endgame flag: we are in endgame
// once the bytes on the wire cover everything still missing.
func (s *Swarm) updateEndgame() {
	s.isEndgame = int64(s.requests.size())*torrent.BlockSize >= s.tor.LeftUntilDone()
}

func (s *Swarm) IsEndgame() bool { return s.isEndgame }

// --- strikes

func (s *Swarm) addStrike(c *Conn) {
	c.strikes++
	if c.strikes >= maxBadPiecesPerPeer {
		c.info.Ban()
		c.doPurge = true
		s.log.Debug("banning peer", zap.String("peer", c.DisplayName()))
	}
}

// --- pools

func (s *Swarm) markAllSeedsFlagDirty() { s.poolIsAllSeeds = nil }

// isAllSeeds reports whether every connectable peer we know is a seed,
// caching the scan until the pool changes.
func (s *Swarm) isAllSeeds() bool {
	if s.poolIsAllSeeds == nil {
		all := true
		for _, info := range s.connectablePool {
			if !info.seed {
				all = false
				break
			}
		}
		s.poolIsAllSeeds = &all
	}
	return *s.poolIsAllSeeds
}

func (s *Swarm) markPeerAsSeed(info *PeerInfo) {
	info.SetSeed()
	s.markAllSeedsFlagDirty()
}

// existingPeerInfo finds the connectable-pool record for a listen
// address, or nil.
func (s *Swarm) existingPeerInfo(addr netip.AddrPort) *PeerInfo {
	return s.connectablePool[addr]
}

// ensureInfoExists returns the pool record for addr, creating it if
// needed. Connectable peers key by listen address, incoming peers by
// socket address.
func (s *Swarm) ensureInfoExists(addr netip.AddrPort, flags byte, from From, connectable bool) *PeerInfo {
	pool := s.connectablePool
	if !connectable {
		pool = s.incomingPool
	}

	info, ok := pool[addr]
	if !ok {
		if connectable {
			info = newPeerInfo(addr, flags, from)
		} else {
			info = newIncomingPeerInfo(addr.Addr(), flags, from)
		}
		pool[addr] = info
	} else {
		info.FoundAt(from)
		info.SetPexFlags(flags)
	}

	s.markAllSeedsFlagDirty()
	return info
}

// peerIsInUse reports whether we are connected to, or dialing, the
// peer behind info.
func (s *Swarm) peerIsInUse(info *PeerInfo) bool {
	if info.connected {
		return true
	}
	_, dialing := s.outgoingHandshakes[info.ListenSocketAddr()]
	return dialing
}

// --- listen-port discovery

// onGotPort migrates a peer's record to the connectable pool once its
// listening port becomes known (or changes). wasConnectable says which
// pool currently holds it.
func (s *Swarm) onGotPort(c *Conn, port uint16, wasConnectable bool) {
	info := c.info
	key := netip.AddrPortFrom(info.listenAddr, port)

	if that, ok := s.connectablePool[key]; ok && that != info {
		// another record already claims this endpoint
		if that.connected && s.resolveDuplicateConnection(c, that, wasConnectable) {
			return
		}
		info.Merge(that)
		delete(s.connectablePool, that.ListenSocketAddr())
	} else if !wasConnectable {
		info.SetConnectable(true)
	}

	if wasConnectable {
		delete(s.connectablePool, info.ListenSocketAddr())
	} else {
		delete(s.incomingPool, c.SocketAddr())
	}
	info.listenPort = port
	s.connectablePool[key] = info

	s.markAllSeedsFlagDirty()
}

// resolveDuplicateConnection picks the better of two live connections
// to the same host:port. Returns true when this peer lost and has been
// absorbed into the other record.
func (s *Swarm) resolveDuplicateConnection(c *Conn, that *PeerInfo, wasConnectable bool) bool {
	info := c.info

	if compareByUsefulness(info, that) < 0 {
		// we win: purge the other connection and bury its record
		for _, other := range s.peers {
			if other.info == that {
				other.doPurge = true
				break
			}
		}
		delete(s.connectablePool, that.ListenSocketAddr())
		s.graveyardPool[that.ListenSocketAddr()] = that
		return false
	}

	that.Merge(info)
	c.doPurge = true
	if wasConnectable {
		delete(s.connectablePool, info.ListenSocketAddr())
	} else {
		delete(s.incomingPool, c.SocketAddr())
	}
	// the loser is buried either way; removePeer digs it back out when
	// the purged connection finally closes
	s.graveyardPool[info.ListenSocketAddr()] = info
	s.markAllSeedsFlagDirty()
	return true
}

// --- wire events

// OnPeerEvent is the wire driver's callback for one peer connection.
// The session lock is held by the caller.
func (s *Swarm) OnPeerEvent(c *Conn, ev wire.Event) {
	now := s.manager.session.now()

	switch ev.Type {
	case wire.SentPieceData:
		s.tor.AddUploaded(now, ev.Length)
		s.tor.Bandwidth().Notify(torrent.Up, now, ev.Length)
		s.manager.session.AddUploaded(ev.Length)
		c.notifyPieceData(now, torrent.Up, ev.Length)
		c.info.SetLatestPieceDataTime(now)

	case wire.GotPieceData:
		s.tor.AddDownloaded(now, ev.Length)
		s.tor.Bandwidth().Notify(torrent.Down, now, ev.Length)
		s.manager.session.AddDownloaded(ev.Length)
		c.notifyPieceData(now, torrent.Down, ev.Length)
		c.info.SetLatestPieceDataTime(now)

	case wire.GotHave:
		c.setHave(ev.Piece)
		if c.IsSeed() {
			s.markPeerAsSeed(c.info)
		}

	case wire.GotHaveAll:
		c.setHaveAll()
		s.markPeerAsSeed(c.info)

	case wire.GotHaveNone:
		c.setHaveNone()

	case wire.GotBitfield:
		c.setBitfield(ev.Bitfield)
		if c.IsSeed() {
			s.markPeerAsSeed(c.info)
		}

	case wire.GotChoke:
		c.peerChoking = true
		s.requests.removePeer(c)

	case wire.GotPort:
		if ev.Port == 0 {
			// nothing to learn
		} else if c.info.listenPort == 0 {
			s.onGotPort(c, ev.Port, false)
		} else if c.info.listenPort != ev.Port {
			s.onGotPort(c, ev.Port, true)
		}

	case wire.GotSuggest, wire.GotAllowedFast:
		// not currently supported

	case wire.GotReject:
		block := s.tor.PieceOffsetToBlock(ev.Piece, ev.Offset)
		s.requests.remove(block, c)

	case wire.GotBlock:
		block := s.tor.PieceOffsetToBlock(ev.Piece, ev.Offset)
		c.blame.Set(ev.Piece, true)
		c.blocksToClient.add(now)
		s.cancelAllRequestsForBlock(block, c)
		s.tor.GotBlock(block)

	case wire.Error:
		if wire.IsProtocolFault(ev.Err) {
			c.doPurge = true
			s.log.Debug("purging peer after protocol fault",
				zap.String("peer", c.DisplayName()), zap.Error(ev.Err))
		} else {
			s.log.Debug("unhandled peer error",
				zap.String("peer", c.DisplayName()), zap.Error(ev.Err))
		}
	}
}

// OnWebseedEvent is the webseed client's callback.
func (s *Swarm) OnWebseedEvent(w *Webseed, ev wire.Event) {
	now := s.manager.session.now()

	switch ev.Type {
	case wire.GotPieceData:
		s.tor.AddDownloaded(now, ev.Length)
		s.tor.Bandwidth().Notify(torrent.Down, now, ev.Length)
		s.manager.session.AddDownloaded(ev.Length)
		w.notifyPieceData(now, ev.Length)

	case wire.GotBlock:
		block := s.tor.PieceOffsetToBlock(ev.Piece, ev.Offset)
		s.cancelAllRequestsForBlock(block, w)
		s.tor.GotBlock(block)

	case wire.GotReject:
		block := s.tor.PieceOffsetToBlock(ev.Piece, ev.Offset)
		s.requests.remove(block, w)

	case wire.Error:
		s.log.Debug("webseed error", zap.String("url", w.url), zap.Error(ev.Err))
	}
}
