// Package wishlist decides which blocks to request next. It sees the
// torrent only through the Mediator so the policy stays testable and
// the peer manager only ever consumes its output.
package wishlist

import "sort"

// BlockSpan is a half-open range [Begin, End) of block indexes.
type BlockSpan struct {
	Begin int
	End   int
}

// Mediator is the torrent/swarm surface the picker consults.
type Mediator interface {
	ClientCanRequestBlock(block int) bool
	ClientCanRequestPiece(piece int) bool
	IsEndgame() bool
	ActiveRequestCount(block int) int
	MissingBlocks(piece int) int
	BlockSpan(piece int) BlockSpan
	PieceCount() int
	PiecePriority(piece int) int
	IsSequentialDownload() bool
}

// In endgame a block may be requested from this many peers at once.
const endgameDuplicateLimit = 2

type candidate struct {
	piece    int
	priority int
	salt     uint32
}

// pieceSalt scatters pieces deterministically so non-sequential
// downloads spread their requests across the torrent instead of
// marching through it front to back.
func pieceSalt(piece int) uint32 {
	return uint32(piece) * 2654435761 // Knuth's multiplicative hash
}

// Next returns up to numwant blocks to request, coalesced into spans.
// Pieces are visited by descending priority; within one priority tier
// sequential mode walks ascending piece index, otherwise the salt
// decides.
func Next(m Mediator, numwant int) []BlockSpan {
	if numwant == 0 {
		return nil
	}

	sequential := m.IsSequentialDownload()
	candidates := make([]candidate, 0, m.PieceCount())
	for piece := 0; piece < m.PieceCount(); piece++ {
		if !m.ClientCanRequestPiece(piece) || m.MissingBlocks(piece) == 0 {
			continue
		}
		c := candidate{piece: piece, priority: m.PiecePriority(piece)}
		if !sequential {
			c.salt = pieceSalt(piece)
		}
		candidates = append(candidates, c)
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].priority != candidates[j].priority {
			return candidates[i].priority > candidates[j].priority
		}
		if candidates[i].salt != candidates[j].salt {
			return candidates[i].salt < candidates[j].salt
		}
		return candidates[i].piece < candidates[j].piece
	})

	endgame := m.IsEndgame()
	blocks := make([]int, 0, numwant)
	for _, c := range candidates {
		span := m.BlockSpan(c.piece)
		for b := span.Begin; b < span.End && len(blocks) < numwant; b++ {
			if !m.ClientCanRequestBlock(b) {
				continue
			}
			if active := m.ActiveRequestCount(b); active > 0 {
				// duplicate requests only make sense near the finish line
				if !endgame || active >= endgameDuplicateLimit {
					continue
				}
			}
			blocks = append(blocks, b)
		}
		if len(blocks) >= numwant {
			break
		}
	}

	return coalesce(blocks)
}

func coalesce(blocks []int) []BlockSpan {
	var spans []BlockSpan
	for _, b := range blocks {
		if n := len(spans); n > 0 && spans[n-1].End == b {
			spans[n-1].End = b + 1
			continue
		}
		spans = append(spans, BlockSpan{Begin: b, End: b + 1})
	}
	return spans
}
