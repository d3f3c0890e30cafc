package peer

import (
	"github.com/fredo-47/transmission/torrent"
)

// PeerStat is a display snapshot of one live peer. Rates are KiB/s.
type PeerStat struct {
	Addr     string
	Port     uint16
	Client   string
	From     From
	Progress float64

	IsUTP       bool
	IsEncrypted bool
	IsIncoming  bool

	RateToPeerKiBps   float64
	RateToClientKiBps float64

	PeerIsChoked       bool
	PeerIsInterested   bool
	ClientIsChoked     bool
	ClientIsInterested bool

	IsDownloadingFrom bool
	IsUploadingTo     bool
	IsSeed            bool
	IsOptimistic      bool

	BlocksToPeer    int
	BlocksToClient  int
	CancelsToPeer   int
	CancelsToClient int

	ActiveReqsToPeer   int
	ActiveReqsToClient int

	FlagStr string
}

func toKiBps(bps int64) float64 { return float64(bps) / 1024 }

func peerStat(s *Swarm, c *Conn, now int64) PeerStat {
	st := PeerStat{
		Addr:     c.SocketAddr().Addr().String(),
		Port:     c.SocketAddr().Port(),
		Client:   c.client,
		From:     c.info.fromFirst,
		Progress: c.PercentDone(),

		IsUTP:       c.IsUTP(),
		IsEncrypted: c.IsEncrypted(),
		IsIncoming:  c.IsIncoming(),

		RateToPeerKiBps:   toKiBps(c.PieceSpeedBps(now, torrent.Up)),
		RateToClientKiBps: toKiBps(c.PieceSpeedBps(now, torrent.Down)),

		PeerIsChoked:       c.PeerIsChoked(),
		PeerIsInterested:   c.PeerIsInterested(),
		ClientIsChoked:     c.ClientIsChoked(),
		ClientIsInterested: c.ClientIsInterested(),

		IsDownloadingFrom: c.IsActive(torrent.Down),
		IsUploadingTo:     c.IsActive(torrent.Up),
		IsSeed:            c.IsSeed(),
		IsOptimistic:      s.optimistic == c,

		BlocksToPeer:    c.blocksToPeer.count(now, cancelHistorySecs),
		BlocksToClient:  c.blocksToClient.count(now, cancelHistorySecs),
		CancelsToPeer:   c.cancelsToPeer.count(now, cancelHistorySecs),
		CancelsToClient: c.cancelsToClient.count(now, cancelHistorySecs),

		ActiveReqsToPeer:   s.requests.countForPeer(c),
		ActiveReqsToClient: c.activeReqsFromPeer,
	}
	st.FlagStr = flagStr(st)
	return st
}

// flagStr is the classic one-letter peer flag summary.
func flagStr(st PeerStat) string {
	var flags []byte
	if st.IsUTP {
		flags = append(flags, 'T')
	}
	if st.IsOptimistic {
		flags = append(flags, 'O')
	}
	if st.IsDownloadingFrom {
		flags = append(flags, 'D')
	} else if st.ClientIsInterested {
		flags = append(flags, 'd')
	}
	if st.IsUploadingTo {
		flags = append(flags, 'U')
	} else if st.PeerIsInterested {
		flags = append(flags, 'u')
	}
	if !st.ClientIsChoked && !st.ClientIsInterested {
		flags = append(flags, 'K')
	}
	if !st.PeerIsChoked && !st.PeerIsInterested {
		flags = append(flags, '?')
	}
	if st.IsEncrypted {
		flags = append(flags, 'E')
	}
	switch st.From {
	case FromDHT:
		flags = append(flags, 'H')
	case FromPEX:
		flags = append(flags, 'X')
	}
	if st.IsIncoming {
		flags = append(flags, 'I')
	}
	return string(flags)
}

// PeerStats snapshots every live peer of a torrent.
func (m *Manager) PeerStats(tor *torrent.Torrent) []PeerStat {
	m.session.lock()
	defer m.session.unlock()

	s := m.swarms[tor.ID()]
	if s == nil {
		return nil
	}
	now := m.session.now()
	out := make([]PeerStat, 0, len(s.peers))
	for _, c := range s.peers {
		out = append(out, peerStat(s, c, now))
	}
	return out
}
