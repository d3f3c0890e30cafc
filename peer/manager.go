package peer

import (
	"math/rand"
	"net/netip"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/fredo-47/transmission/clients"
	"github.com/fredo-47/transmission/handshake"
	"github.com/fredo-47/transmission/pex"
	"github.com/fredo-47/transmission/torrent"
	"github.com/fredo-47/transmission/wishlist"
)

const (
	bandwidthPeriodMsec = 500

	rechokePeriod      = 10 * time.Second
	rechokeSoonPeriod  = 100 * time.Millisecond
	refillUpkeepPeriod = 10 * time.Second
)

// Family selects an address family for GetPeers.
type Family int

const (
	V4 Family = iota
	V6
)

// ListMode selects which peers GetPeers returns.
type ListMode int

const (
	// PeersConnected lists peers we have a live connection to.
	PeersConnected ListMode = iota
	// PeersInteresting lists pool peers worth telling others about.
	PeersInteresting
)

// Manager is the process-wide peer manager: one Swarm per torrent,
// the incoming handshake table, the outbound candidate cache and the
// three periodic pulses.
type Manager struct {
	session *Session
	log     *zap.Logger

	swarms       map[int]*Swarm
	swarmsByHash map[[20]byte]*Swarm

	incomingHandshakes map[netip.AddrPort]*handshake.Handshake

	// cached between pulses; see makeNewPeerConnections
	candidates []outboundCandidate

	rng *rand.Rand

	rechokeTimer *clock.Timer

	unobserveBlocklist func()

	quit chan struct{}
	done chan struct{}
}

func NewManager(session *Session) *Manager {
	m := &Manager{
		session:            session,
		log:                session.Logger().Named("peermgr"),
		swarms:             make(map[int]*Swarm),
		swarmsByHash:       make(map[[20]byte]*Swarm),
		incomingHandshakes: make(map[netip.AddrPort]*handshake.Handshake),
		rng:                rand.New(rand.NewSource(session.Clock().Now().UnixNano())),
	}
	m.unobserveBlocklist = session.Blocklist().OnChanged(m.onBlocklistChanged)
	return m
}

// SeedRand fixes the salt/optimistic-unchoke randomness, for tests and
// reproducible runs.
func (m *Manager) SeedRand(seed int64) {
	m.rng = rand.New(rand.NewSource(seed))
}

// Start launches the pulse loop. All pulse work runs on one goroutine
// and takes the session lock, like every public entrypoint.
func (m *Manager) Start() {
	clk := m.session.Clock()
	m.quit = make(chan struct{})
	m.done = make(chan struct{})

	bandwidthTicker := clk.Ticker(bandwidthPeriodMsec * time.Millisecond)
	refillTicker := clk.Ticker(refillUpkeepPeriod)
	m.rechokeTimer = clk.Timer(rechokePeriod)

	go func() {
		defer bandwidthTicker.Stop()
		defer refillTicker.Stop()
		defer m.rechokeTimer.Stop()

		for {
			select {
			case <-m.quit:
				close(m.done)
				return
			case <-bandwidthTicker.C:
				m.session.lock()
				m.bandwidthPulse()
				m.session.unlock()
			case <-m.rechokeTimer.C:
				m.session.lock()
				m.rechokePulse()
				m.session.unlock()
				m.rechokeTimer.Reset(rechokePeriod)
			case <-refillTicker.C:
				m.session.lock()
				m.refillUpkeep()
				m.session.unlock()
			}
		}
	}()
}

// Close stops the pulses and abandons the in-flight incoming
// handshakes. Outgoing handshakes belong to the swarms and are left
// to them.
func (m *Manager) Close() {
	if m.quit != nil {
		close(m.quit)
		<-m.done
		m.quit = nil
	}

	m.session.lock()
	defer m.session.unlock()
	for _, h := range m.incomingHandshakes {
		h.Abort()
	}
	m.incomingHandshakes = make(map[netip.AddrPort]*handshake.Handshake)
	m.unobserveBlocklist()
}

// rechokeSoon accelerates the next rechoke after swarm state changes
// that deserve a prompt re-evaluation.
func (m *Manager) rechokeSoon() {
	if m.rechokeTimer != nil {
		m.rechokeTimer.Reset(rechokeSoonPeriod)
	}
}

func (m *Manager) onBlocklistChanged() {
	// the blocklisted answers are memoized per peer; drop them all
	for _, s := range m.swarms {
		for _, info := range s.connectablePool {
			info.SetBlocklistedDirty()
		}
		for _, info := range s.incomingPool {
			info.SetBlocklistedDirty()
		}
		for _, info := range s.graveyardPool {
			info.SetBlocklistedDirty()
		}
	}
}

// --- pulses

// bandwidthPulse drives every peer connection, hands out bandwidth,
// does torrent upkeep, promotes queued torrents and runs the
// reconnect logic.
func (m *Manager) bandwidthPulse() {
	for _, s := range m.swarmsInOrder() {
		for _, c := range s.peers {
			c.Pulse()
		}
		for _, w := range s.webseeds {
			w.Pulse()
		}
	}

	m.session.TopBandwidth().Allocate(bandwidthPeriodMsec)

	for _, tor := range m.session.Torrents() {
		tor.DoIdleWork()
	}

	m.queuePulse(torrent.Up)
	m.queuePulse(torrent.Down)

	m.reconnectPulse()
}

func (m *Manager) queuePulse(dir torrent.Direction) {
	if !m.session.QueueEnabled(dir) {
		return
	}
	n := m.session.CountQueueFreeSlots(dir)
	for _, tor := range m.session.NextQueuedTorrents(dir, n) {
		tor.Start()
	}
}

// refillUpkeep cancels requests that have been in flight too long.
func (m *Manager) refillUpkeep() {
	for _, s := range m.swarmsInOrder() {
		s.cancelOldRequests()
	}
}

// swarmsInOrder iterates swarms in torrent-table order so pulse work
// is deterministic.
func (m *Manager) swarmsInOrder() []*Swarm {
	out := make([]*Swarm, 0, len(m.swarms))
	for _, tor := range m.session.Torrents() {
		if s := m.swarms[tor.ID()]; s != nil {
			out = append(out, s)
		}
	}
	return out
}

// --- torrents

// AddTorrent creates the torrent's swarm. The swarm lives until the
// torrent is doomed.
func (m *Manager) AddTorrent(tor *torrent.Torrent) *Swarm {
	m.session.lock()
	defer m.session.unlock()

	m.session.RegisterTorrent(tor)
	s := newSwarm(m, tor)
	m.swarms[tor.ID()] = s
	m.swarmsByHash[tor.InfoHash()] = s
	return s
}

func (m *Manager) dropSwarm(s *Swarm) {
	delete(m.swarms, s.tor.ID())
	delete(m.swarmsByHash, s.tor.InfoHash())
	m.session.UnregisterTorrent(s.tor)
}

// SwarmFor returns the torrent's swarm, or nil.
func (m *Manager) SwarmFor(tor *torrent.Torrent) *Swarm {
	m.session.lock()
	defer m.session.unlock()
	return m.swarms[tor.ID()]
}

// --- incoming connections

// AddIncoming enrolls a handshake for a connection somebody opened to
// us, or closes it on the spot.
func (m *Manager) AddIncoming(io *PeerIO) {
	m.session.lock()
	defer m.session.unlock()

	addr := io.SocketAddr()
	switch {
	case m.session.AddressIsBlocked(addr.Addr()):
		m.log.Debug("blocklisted address tried to connect", zap.Stringer("addr", addr))
		io.Close()
	case m.incomingHandshakes[addr] != nil:
		io.Close()
	default:
		m.incomingHandshakes[addr] = handshake.New(io, m.session.EncryptionMode(), m.onHandshakeDone)
	}
}

// --- handshake completion

func (m *Manager) onHandshakeDone(res handshake.Result) bool {
	m.session.lock()
	defer m.session.unlock()

	s := m.swarmsByHash[res.InfoHash]

	if res.IsIncoming {
		delete(m.incomingHandshakes, res.SockAddr)
	} else if s != nil {
		delete(s.outgoingHandshakes, res.SockAddr)
	}

	if !res.OK || s == nil || !s.isRunning {
		if s != nil {
			if info := s.existingPeerInfo(res.SockAddr); info != nil && !info.connected {
				info.OnConnectionFailed()
				if !res.ReadAnything {
					// never got a byte out of them: unreachable
					info.SetConnectable(false)
				}
			}
		}
		return false
	}

	var info *PeerInfo
	if res.IsIncoming {
		info = s.ensureInfoExists(res.SockAddr, 0, FromIncoming, false)
	} else {
		// outgoing connections always start from a pool entry
		info = s.existingPeerInfo(res.SockAddr)
		if info == nil {
			return false
		}
		info.SetConnectable(true)
	}

	if res.IsUTP {
		info.SetUTPSupported(true)
	}

	switch {
	case info.IsBanned():
		s.log.Debug("banned peer tried to reconnect", zap.String("peer", info.DisplayName()))
	case len(s.peers) >= s.tor.PeerLimit():
		// too many peers already
	case info.connected:
		// already connected to this peer
	default:
		client := ""
		if res.PeerID != nil {
			client = clients.ForID(*res.PeerID)
		}
		io, ok := res.IO.(*PeerIO)
		if !ok {
			return false
		}
		s.addPeer(newConn(s, info, io, client))
		return true
	}

	return false
}

// SetUTPFailed records that a uTP dial to addr went nowhere, so the
// next attempt uses TCP.
func (m *Manager) SetUTPFailed(infoHash [20]byte, addr netip.AddrPort) {
	m.session.lock()
	defer m.session.unlock()

	if s := m.swarmsByHash[infoHash]; s != nil {
		if info := s.existingPeerInfo(addr); info != nil {
			info.SetUTPSupported(false)
		}
	}
}

// --- PEX import / export

// AddPex folds exchanged addresses into the connectable pool and
// returns how many were used.
func (m *Manager) AddPex(tor *torrent.Torrent, from From, peers []pex.Pex) int {
	m.session.lock()
	defer m.session.unlock()

	s := m.swarms[tor.ID()]
	if s == nil {
		return 0
	}

	used := 0
	for _, p := range peers {
		if !p.IsValid() || from == FromIncoming {
			continue
		}
		if m.session.AddressIsBlocked(p.Addr) {
			continue
		}
		// PEX entries that aren't flagged connectable aren't worth
		// storing: we only keep dialable addresses
		if from == FromPEX && p.Flags&pex.FlagConnectable == 0 {
			continue
		}
		s.ensureInfoExists(p.AddrPort(), p.Flags, from, true)
		used++
	}
	return used
}

func isPeerInteresting(s *Swarm, info *PeerInfo) bool {
	if s.tor.IsDone() && info.IsSeed() {
		return false
	}
	if s.peerIsInUse(info) {
		return true
	}
	if info.IsBlocklisted(s.manager.session.Blocklist()) {
		return false
	}
	if info.IsBanned() {
		return false
	}
	return true
}

func matchesFamily(addr netip.Addr, family Family) bool {
	if family == V4 {
		return addr.Unmap().Is4()
	}
	return !addr.Unmap().Is4()
}

// GetPeers lists peer addresses for announces and PEX export: at most
// max of the given family, picked by usefulness, sorted by address for
// stable output.
func (m *Manager) GetPeers(tor *torrent.Torrent, family Family, mode ListMode, max int) []pex.Pex {
	m.session.lock()
	defer m.session.unlock()

	s := m.swarms[tor.ID()]
	if s == nil {
		return nil
	}

	var infos []*PeerInfo
	if mode == PeersConnected {
		for _, c := range s.peers {
			info := c.info
			if info.listenPort != 0 && matchesFamily(info.listenAddr, family) {
				infos = append(infos, info)
			}
		}
	} else {
		for _, info := range s.connectablePool {
			if matchesFamily(info.listenAddr, family) && isPeerInteresting(s, info) {
				infos = append(infos, info)
			}
		}
	}

	sortInfosByUsefulness(infos)
	if len(infos) > max {
		infos = infos[:max]
	}

	out := make([]pex.Pex, 0, len(infos))
	for _, info := range infos {
		out = append(out, pex.Pex{Addr: info.listenAddr, Port: info.listenPort, Flags: info.pexFlags})
	}
	pex.Sort(out)
	return out
}

// --- requests

type wishlistMediator struct {
	s *Swarm
	t Transfer
}

func (w wishlistMediator) ClientCanRequestBlock(block int) bool {
	return !w.s.tor.HasBlock(block) && !w.s.requests.has(block, w.t)
}

func (w wishlistMediator) ClientCanRequestPiece(piece int) bool {
	return w.s.tor.PieceIsWanted(piece) && w.t.Has(piece)
}

func (w wishlistMediator) IsEndgame() bool { return w.s.IsEndgame() }

func (w wishlistMediator) ActiveRequestCount(block int) int {
	return w.s.requests.countForBlock(block)
}

func (w wishlistMediator) MissingBlocks(piece int) int {
	return w.s.tor.MissingBlocksInPiece(piece)
}

func (w wishlistMediator) BlockSpan(piece int) wishlist.BlockSpan {
	begin, end := w.s.tor.BlockSpanForPiece(piece)
	return wishlist.BlockSpan{Begin: begin, End: end}
}

func (w wishlistMediator) PieceCount() int { return w.s.tor.PieceCount() }

func (w wishlistMediator) PiecePriority(piece int) int {
	return int(w.s.tor.PiecePriority(piece))
}

func (w wishlistMediator) IsSequentialDownload() bool { return w.s.tor.IsSequential() }

// GetNextRequests asks the wishlist what to request from a peer next.
func (m *Manager) GetNextRequests(tor *torrent.Torrent, t Transfer, numwant int) []wishlist.BlockSpan {
	m.session.lock()
	defer m.session.unlock()

	s := m.swarms[tor.ID()]
	if s == nil {
		return nil
	}
	s.updateEndgame()
	return wishlist.Next(wishlistMediator{s: s, t: t}, numwant)
}

// ClientSentRequests records freshly sent block requests.
func (m *Manager) ClientSentRequests(tor *torrent.Torrent, t Transfer, spans ...wishlist.BlockSpan) {
	m.session.lock()
	defer m.session.unlock()

	s := m.swarms[tor.ID()]
	if s == nil {
		return
	}
	now := m.session.now()
	for _, span := range spans {
		for block := span.Begin; block < span.End; block++ {
			s.requests.add(block, t, now)
		}
	}
}

// DidPeerRequest reports whether a request for block is outstanding
// to this peer.
func (m *Manager) DidPeerRequest(tor *torrent.Torrent, t Transfer, block int) bool {
	m.session.lock()
	defer m.session.unlock()

	s := m.swarms[tor.ID()]
	return s != nil && s.requests.has(block, t)
}

// CountActiveRequestsToPeer is how many of our requests this peer is
// sitting on.
func (m *Manager) CountActiveRequestsToPeer(tor *torrent.Torrent, t Transfer) int {
	m.session.lock()
	defer m.session.unlock()

	s := m.swarms[tor.ID()]
	if s == nil {
		return 0
	}
	return s.requests.countForPeer(t)
}

// --- availability

// PieceAvailability is -1 when we already have the piece (or are a
// seed), otherwise the number of connected peers that have it.
func (m *Manager) PieceAvailability(tor *torrent.Torrent, piece int) int {
	m.session.lock()
	defer m.session.unlock()
	return m.pieceAvailability(tor, piece)
}

func (m *Manager) pieceAvailability(tor *torrent.Torrent, piece int) int {
	if !tor.HasMetainfo() {
		return 0
	}
	if tor.IsSeed() || tor.HasPiece(piece) {
		return -1
	}
	s := m.swarms[tor.ID()]
	if s == nil {
		return 0
	}
	n := 0
	for _, c := range s.peers {
		if c.Has(piece) {
			n++
		}
	}
	return n
}

// TorrentAvailability samples piece availability into len(tab)
// buckets for display.
func (m *Manager) TorrentAvailability(tor *torrent.Torrent, tab []int) {
	m.session.lock()
	defer m.session.unlock()

	if len(tab) == 0 {
		return
	}
	interval := float64(tor.PieceCount()) / float64(len(tab))
	for i := range tab {
		piece := int(float64(i) * interval)
		tab[i] = m.pieceAvailability(tor, piece)
	}
}

// GetDesiredAvailable counts the bytes we still want that connected
// peers could give us.
func (m *Manager) GetDesiredAvailable(tor *torrent.Torrent) int64 {
	m.session.lock()
	defer m.session.unlock()

	if !tor.IsRunning() || tor.IsStopping() || tor.IsDone() || !tor.HasMetainfo() {
		return 0
	}
	s := m.swarms[tor.ID()]
	if s == nil || len(s.peers) == 0 {
		return 0
	}

	var desired int64
	for piece := 0; piece < tor.PieceCount(); piece++ {
		if !tor.PieceIsWanted(piece) {
			continue
		}
		for _, c := range s.peers {
			if c.Has(piece) {
				desired += tor.MissingBytesInPiece(piece)
				break
			}
		}
	}
	return desired
}

// SwarmStatsFor snapshots the swarm's counters.
func (m *Manager) SwarmStatsFor(tor *torrent.Torrent) SwarmStats {
	m.session.lock()
	defer m.session.unlock()

	if s := m.swarms[tor.ID()]; s != nil {
		return s.Stats()
	}
	return SwarmStats{}
}

// Webseeds returns the swarm's webseed handles.
func (m *Manager) Webseeds(tor *torrent.Torrent) []*Webseed {
	m.session.lock()
	defer m.session.unlock()

	if s := m.swarms[tor.ID()]; s != nil {
		return append([]*Webseed(nil), s.webseeds...)
	}
	return nil
}
