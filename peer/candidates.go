package peer

import (
	"net/netip"
	"sort"

	"github.com/fredo-47/transmission/handshake"
	"github.com/fredo-47/transmission/torrent"
)

const (
	// outbound dial throttle, an arbitrary number to avoid
	// overloading routers
	maxConnectionsPerSecond = 18
	maxConnectionsPerPulse  = maxConnectionsPerSecond * bandwidthPeriodMsec / 1000

	// the candidate list is cached across this many bandwidth pulses
	outboundCandidatesTTLPulses = 4

	outboundCandidateListCapacity = maxConnectionsPerPulse * outboundCandidatesTTLPulses

	// leave 5% of the session's peer slots for incoming connections
	incomingSlotReserve = 0.95
)

// outboundCandidate survives torrent removal between pulses, so it
// carries resilient keys rather than pointers.
type outboundCandidate struct {
	torrentID int
	addr      netip.AddrPort
}

// isPeerCandidate decides whether an idle pool entry is worth dialing
// right now.
func isPeerCandidate(tor *torrent.Torrent, s *Swarm, info *PeerInfo, now int64) bool {
	// have we already tried and failed to connect?
	if known, connectable := info.IsConnectable(); known && !connectable {
		return false
	}

	// not if we're both seeds
	if tor.IsDone() && info.IsSeed() {
		return false
	}

	// not if we've already got a connection to them
	if s.peerIsInUse(info) {
		return false
	}

	// not if we just tried them
	if !info.ReconnectIntervalPassed(now) {
		return false
	}

	if info.IsBlocklisted(s.manager.session.Blocklist()) {
		return false
	}

	if info.IsBanned() {
		return false
	}

	return true
}

func addValToKey(key uint64, width uint, val uint64) uint64 {
	return key<<width | val
}

// candidateScore packs the dial-ordering criteria into one 64-bit key;
// smaller is better.
func candidateScore(tor *torrent.Torrent, info *PeerInfo, salt uint8, now int64) uint64 {
	var score uint64

	// prefer peers we've connected to, or never tried, over failures
	var failed uint64
	if info.ConnectionFailureCount() != 0 {
		failed = 1
	}
	score = addValToKey(score, 1, failed)

	// prefer the one we attempted least recently, to cycle through all
	score = addValToKey(score, 32, uint64(uint32(info.ConnectionAttemptTime())))

	// prefer peers belonging to higher-priority torrents
	var pri uint64
	switch tor.Priority() {
	case torrent.High:
		pri = 0
	case torrent.Normal:
		pri = 1
	case torrent.Low:
		pri = 2
	}
	score = addValToKey(score, 4, pri)

	// prefer recently-started torrents
	var started uint64
	if !tor.WasRecentlyStarted(now) {
		started = 1
	}
	score = addValToKey(score, 1, started)

	// prefer torrents we're still downloading
	var done uint64
	if tor.IsDone() {
		done = 1
	}
	score = addValToKey(score, 1, done)

	// prefer peers known to be connectable
	var conn uint64 = 1
	if known, connectable := info.IsConnectable(); known && connectable {
		conn = 0
	}
	score = addValToKey(score, 1, conn)

	// prefer seeds: they score 0 here and sort ahead of leechers
	// (isPeerCandidate already drops seeds once we are done)
	var seed uint64 = 1
	if info.IsSeed() {
		seed = 0
	}
	score = addValToKey(score, 1, seed)

	// prefer more trusted discovery sources
	score = addValToKey(score, 4, uint64(info.FromBest()))

	score = addValToKey(score, 8, uint64(salt))

	return score
}

type scoredCandidate struct {
	score uint64
	torID int
	addr  netip.AddrPort
}

// getPeerCandidates builds a fresh candidate list across all running
// swarms, best candidates at the END for cheap popping.
func (m *Manager) getPeerCandidates() []outboundCandidate {
	now := m.session.now()

	// leave headroom for incoming connections
	if maxCandidates := int(float64(m.session.PeerLimit()) * incomingSlotReserve); maxCandidates <= m.session.peerCount {
		return nil
	}

	salter := newSaltShaker(m.rng)
	var candidates []scoredCandidate
	for _, tor := range m.session.Torrents() {
		s := m.swarms[tor.ID()]
		if s == nil || !s.isRunning {
			continue
		}

		// if everyone in the swarm is a seed and pex is off, there is
		// nobody new to meet
		seeding := tor.IsDone()
		if seeding && s.isAllSeeds() && !tor.AllowsPex() {
			continue
		}

		// enough peers in this torrent already?
		if tor.PeerLimit() <= len(s.peers) {
			continue
		}

		// enough speed in this torrent already?
		if seeding && tor.Bandwidth().IsMaxedOut(torrent.Up, now) {
			continue
		}

		for _, info := range s.connectablePool {
			if isPeerCandidate(tor, s, info, now) {
				candidates = append(candidates, scoredCandidate{
					score: candidateScore(tor, info, salter.next(), now),
					torID: tor.ID(),
					addr:  info.ListenSocketAddr(),
				})
			}
		}
	}

	sort.Slice(candidates, func(i, j int) bool { return candidates[i].score < candidates[j].score })
	if len(candidates) > outboundCandidateListCapacity {
		candidates = candidates[:outboundCandidateListCapacity]
	}

	// best at the end
	out := make([]outboundCandidate, 0, len(candidates))
	for i := len(candidates) - 1; i >= 0; i-- {
		out = append(out, outboundCandidate{torrentID: candidates[i].torID, addr: candidates[i].addr})
	}
	return out
}

// initiateConnection dials one pool entry, uTP when both ends allow
// it, and enrolls the handshake.
func (m *Manager) initiateConnection(s *Swarm, info *PeerInfo) {
	now := m.session.now()
	known, supported := info.SupportsUTP()
	utp := m.session.AllowsUTP() && (!known || supported)

	if m.session.transport.LimitReached() || (!utp && !m.session.AllowsTCP()) {
		return
	}

	io, err := m.session.transport.Dial(info.ListenSocketAddr(), s.tor.InfoHash(), s.tor.IsSeed(), utp)
	if err != nil || io == nil {
		info.SetConnectable(false)
		info.OnConnectionFailed()
	} else {
		s.outgoingHandshakes[info.ListenSocketAddr()] = handshake.New(io, m.session.EncryptionMode(), m.onHandshakeDone)
	}

	info.SetConnectionAttemptTime(now)
}

// makeNewPeerConnections pops up to one pulse's worth of dials off the
// cached candidate list, rebuilding it when it runs dry.
func (m *Manager) makeNewPeerConnections() {
	if len(m.candidates) == 0 {
		m.candidates = m.getPeerCandidates()
	}

	n := len(m.candidates)
	thisPass := n
	if thisPass > maxConnectionsPerPulse {
		thisPass = maxConnectionsPerPulse
	}

	for i := 0; i < thisPass; i++ {
		cand := m.candidates[n-1-i]

		// keys are resilient: the torrent or the pool entry may have
		// vanished since the list was built
		tor := m.session.TorrentByID(cand.torrentID)
		if tor == nil {
			continue
		}
		s := m.swarms[tor.ID()]
		if s == nil {
			continue
		}
		if info := s.existingPeerInfo(cand.addr); info != nil {
			m.initiateConnection(s, info)
		}
	}

	m.candidates = m.candidates[:n-thisPass]
}
