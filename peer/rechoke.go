package peer

import (
	"sort"

	bitmap "github.com/boljen/go-bitmap"

	"github.com/fredo-47/transmission/torrent"
)

// an optimistically unchoked peer is immune from rechoking for this
// many rechoke pulses
const optimisticUnchokeMultiplier = 4

type chokeData struct {
	c            *Conn
	rate         int64
	salt         uint8
	isInterested bool
	wasChoked    bool
	isChoked     bool
}

// less orders candidates for an unchoke slot: faster first, then
// already-unchoked (stability), then salt.
func (a chokeData) less(b chokeData) bool {
	if a.rate != b.rate {
		return a.rate > b.rate
	}
	if a.wasChoked != b.wasChoked {
		return !a.wasChoked
	}
	return a.salt < b.salt
}

// rechokeRate picks the metric peers compete on: upload rate once we
// are done, both directions on a private torrent (the window to share
// may be short), download rate otherwise.
func rechokeRate(tor *torrent.Torrent, c *Conn, now int64) int64 {
	if tor.IsDone() {
		return c.PieceSpeedBps(now, torrent.Up)
	}
	if tor.IsPrivate() {
		return c.PieceSpeedBps(now, torrent.Up) + c.PieceSpeedBps(now, torrent.Down)
	}
	return c.PieceSpeedBps(now, torrent.Down)
}

// rechokeUploads recomputes choke state for every peer in the swarm.
func (m *Manager) rechokeUploads(s *Swarm) {
	now := m.session.now()
	chokeAll := !s.tor.ClientCanUpload()
	isMaxedOut := s.tor.Bandwidth().IsMaxedOut(torrent.Up, now)

	if s.optimisticUnchokeScaler > 0 {
		s.optimisticUnchokeScaler--
	} else {
		s.optimistic = nil
	}

	salter := newSaltShaker(m.rng)
	ranked := make([]chokeData, 0, len(s.peers))
	for _, c := range s.peers {
		switch {
		case c.IsSeed():
			// seeds have nothing to download from us
			c.SetChoke(true)
		case chokeAll:
			c.SetChoke(true)
		case c == s.optimistic:
			// immune while its countdown runs
		default:
			ranked = append(ranked, chokeData{
				c:            c,
				rate:         rechokeRate(s.tor, c, now),
				salt:         salter.next(),
				isInterested: c.PeerIsInterested(),
				wasChoked:    c.PeerIsChoked(),
				isChoked:     true,
			})
		}
	}

	sort.Slice(ranked, func(i, j int) bool { return ranked[i].less(ranked[j]) })

	// Unchoke the fastest peers until enough interested ones hold a
	// slot. When upload bandwidth is maxed out, no new slots open but
	// peers that already had one keep it.
	checked := 0
	unchokedInterested := 0
	for i := range ranked {
		if unchokedInterested >= m.session.UploadSlotsPerTorrent() {
			break
		}
		if isMaxedOut {
			ranked[i].isChoked = ranked[i].wasChoked
		} else {
			ranked[i].isChoked = false
		}
		checked++
		if ranked[i].isInterested {
			unchokedInterested++
		}
	}

	// optimistic unchoke: give one random interested peer below the
	// cutoff a chance to prove itself
	if s.optimistic == nil && !isMaxedOut && checked < len(ranked) {
		var pool []*chokeData
		for i := checked; i < len(ranked); i++ {
			if ranked[i].isInterested {
				pool = append(pool, &ranked[i])
			}
		}
		if len(pool) > 0 {
			cd := pool[m.rng.Intn(len(pool))]
			cd.isChoked = false
			s.optimistic = cd.c
			s.optimisticUnchokeScaler = optimisticUnchokeMultiplier
		}
	}

	for i := range ranked {
		ranked[i].c.SetChoke(ranked[i].isChoked)
	}
}

// updateInterest recomputes which peers we tell we're interested in.
func (m *Manager) updateInterest(s *Swarm) {
	tor := s.tor
	if tor.IsDone() || !tor.ClientCanDownload() {
		return
	}
	if len(s.peers) == 0 {
		return
	}

	n := tor.PieceCount()
	interesting := bitmap.New(n)
	for i := 0; i < n; i++ {
		interesting.Set(i, tor.PieceIsWanted(i) && !tor.HasPiece(i))
	}

	for _, c := range s.peers {
		c.SetInterested(peerIsInteresting(n, interesting, c))
	}
}

func peerIsInteresting(pieceCount int, interesting bitmap.Bitmap, c *Conn) bool {
	if c.IsSeed() {
		return true
	}
	for i := 0; i < pieceCount; i++ {
		if interesting.Get(i) && c.Has(i) {
			return true
		}
	}
	return false
}

// rechokePulse runs the seed-limit check and the choke algorithm for
// every running torrent.
func (m *Manager) rechokePulse() {
	for _, tor := range m.session.Torrents() {
		if tor.IsRunning() {
			// possibly stop torrents that have seeded enough
			tor.CheckSeedLimit()
		}
		if tor.IsRunning() {
			if s := m.swarms[tor.ID()]; s != nil && s.stats.PeerCount > 0 {
				m.rechokeUploads(s)
				m.updateInterest(s)
			}
		}
	}
}
