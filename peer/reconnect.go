package peer

import (
	"sort"

	"go.uber.org/zap"
)

const (
	// when many peers are available, keep idle ones this long
	minUploadIdleSecs = 60

	// when few peers are available, keep idle ones this long
	maxUploadIdleSecs = 60 * 5

	// once both sides are seeds, linger only long enough for PEX
	seedToSeedGraceSecs = 30
)

// shouldPeerBeClosed decides whether one peer has outlived its
// usefulness.
func shouldPeerBeClosed(s *Swarm, c *Conn, peerCount int, now int64) bool {
	if c.doPurge {
		return true
	}

	tor := s.tor
	info := c.info

	// both seeds: nothing left to trade except PEX gossip
	if tor.IsDone() && c.IsSeed() {
		if !tor.AllowsPex() {
			return true
		}
		idle, _ := info.IdleSecs(now)
		return idle >= seedToSeedGraceSecs
	}

	// idle too long, on a sliding scale: a crowded swarm can afford to
	// be strict, a thin one cannot
	relaxIfFewerThan := int(float64(tor.PeerLimit())*0.9 + 0.5)
	strictness := 1.0
	if peerCount < relaxIfFewerThan {
		strictness = float64(peerCount) / float64(relaxIfFewerThan)
	}
	limit := maxUploadIdleSecs - int64(float64(maxUploadIdleSecs-minUploadIdleSecs)*strictness)
	if idle, ok := info.IdleSecs(now); ok && idle > limit {
		return true
	}

	return false
}

// comparePeerByMostActive orders peers most-worth-keeping first:
// purge-marked peers are always worst, then fresher piece data wins.
func comparePeerByMostActive(a, b *Conn) bool {
	if a.doPurge != b.doPurge {
		return !a.doPurge
	}
	return compareByUsefulness(a.info, b.info) < 0
}

func (s *Swarm) closeBadPeers(now int64) {
	peerCount := len(s.peers)
	var bad []*Conn
	for _, c := range s.peers {
		if shouldPeerBeClosed(s, c, peerCount, now) {
			bad = append(bad, c)
		}
	}
	for _, c := range bad {
		s.log.Debug("removing bad peer", zap.String("peer", c.DisplayName()))
		s.removePeer(c)
	}
}

// enforceSwarmPeerLimit closes the least active peers until the swarm
// is back under max.
func enforceSwarmPeerLimit(s *Swarm, max int) {
	if len(s.peers) <= max {
		return
	}
	sorted := make([]*Conn, len(s.peers))
	copy(sorted, s.peers)
	sort.SliceStable(sorted, func(i, j int) bool { return comparePeerByMostActive(sorted[i], sorted[j]) })
	for _, c := range sorted[max:] {
		c.swarm.removePeer(c)
	}
}

// enforceSessionPeerLimit does the same across every swarm at once.
func (m *Manager) enforceSessionPeerLimit() {
	max := m.session.PeerLimit()
	if m.session.peerCount <= max {
		return
	}

	var peers []*Conn
	for _, tor := range m.session.Torrents() {
		if s := m.swarms[tor.ID()]; s != nil {
			peers = append(peers, s.peers...)
		}
	}
	sort.SliceStable(peers, func(i, j int) bool { return comparePeerByMostActive(peers[i], peers[j]) })
	for _, c := range peers[max:] {
		c.swarm.removePeer(c)
	}
}

// reconnectPulse closes peers that should go, enforces the peer caps,
// then dials new candidates.
func (m *Manager) reconnectPulse() {
	now := m.session.now()

	// remove crappy peers
	for _, tor := range m.session.Torrents() {
		s := m.swarms[tor.ID()]
		if s == nil {
			continue
		}
		if !s.isRunning {
			s.removeAllPeers()
		} else {
			s.closeBadPeers(now)
		}
	}

	// if we're over the per-torrent peer limits, cull some peers
	for _, tor := range m.session.Torrents() {
		if tor.IsRunning() {
			if s := m.swarms[tor.ID()]; s != nil {
				enforceSwarmPeerLimit(s, tor.PeerLimit())
			}
		}
	}

	// if we're over the per-session peer limit, cull some more
	m.enforceSessionPeerLimit()

	m.makeNewPeerConnections()
}
