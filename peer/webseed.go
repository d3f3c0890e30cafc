package peer

import (
	"github.com/fredo-47/transmission/torrent"
)

// Webseed is the swarm-side handle for one HTTP piece source. The
// fetcher itself lives in the webseed client collaborator; the swarm
// only needs a Transfer it can schedule and account against.
type Webseed struct {
	swarm *Swarm
	url   string

	rate torrent.SpeedMeter
}

func newWebseed(s *Swarm, url string) *Webseed {
	return &Webseed{swarm: s, url: url}
}

func (w *Webseed) URL() string         { return w.url }
func (w *Webseed) DisplayName() string { return w.url }

// Pulse does nothing here: the webseed client collaborator runs the
// fetch, and the piece data it produces arrives through the swarm's
// webseed event callback.
func (w *Webseed) Pulse() {}

// Has is true for every piece: a webseed serves the full content.
func (w *Webseed) Has(piece int) bool { return true }

func (w *Webseed) IsTransferring(now int64, dir torrent.Direction) bool {
	if dir != torrent.Down {
		return false
	}
	return w.rate.RateBps(now) > 0
}

func (w *Webseed) notifyPieceData(now int64, n int64) {
	w.rate.Add(now, n)
}
