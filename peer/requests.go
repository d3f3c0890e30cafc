package peer

import (
	mapset "github.com/deckarep/golang-set"
)

type requestKey struct {
	block int
	t     Transfer
}

// activeRequests is the bidirectional block↔peer index of outstanding
// block requests, each tagged with its send time. It backs duplicate
// suppression, endgame detection and stale-request cancellation.
type activeRequests struct {
	byBlock map[int]mapset.Set      // block -> set of Transfer
	byPeer  map[Transfer]mapset.Set // Transfer -> set of block
	sentAt  map[requestKey]int64
}

func newActiveRequests() activeRequests {
	return activeRequests{
		byBlock: make(map[int]mapset.Set),
		byPeer:  make(map[Transfer]mapset.Set),
		sentAt:  make(map[requestKey]int64),
	}
}

func (r *activeRequests) add(block int, t Transfer, when int64) bool {
	key := requestKey{block, t}
	if _, ok := r.sentAt[key]; ok {
		return false
	}
	r.sentAt[key] = when

	s, ok := r.byBlock[block]
	if !ok {
		s = mapset.NewThreadUnsafeSet()
		r.byBlock[block] = s
	}
	s.Add(t)

	s, ok = r.byPeer[t]
	if !ok {
		s = mapset.NewThreadUnsafeSet()
		r.byPeer[t] = s
	}
	s.Add(block)
	return true
}

func (r *activeRequests) has(block int, t Transfer) bool {
	_, ok := r.sentAt[requestKey{block, t}]
	return ok
}

// count of all outstanding requests
func (r *activeRequests) size() int { return len(r.sentAt) }

func (r *activeRequests) countForBlock(block int) int {
	if s, ok := r.byBlock[block]; ok {
		return s.Cardinality()
	}
	return 0
}

func (r *activeRequests) countForPeer(t Transfer) int {
	if s, ok := r.byPeer[t]; ok {
		return s.Cardinality()
	}
	return 0
}

func (r *activeRequests) remove(block int, t Transfer) bool {
	key := requestKey{block, t}
	if _, ok := r.sentAt[key]; !ok {
		return false
	}
	delete(r.sentAt, key)

	if s, ok := r.byBlock[block]; ok {
		s.Remove(t)
		if s.Cardinality() == 0 {
			delete(r.byBlock, block)
		}
	}
	if s, ok := r.byPeer[t]; ok {
		s.Remove(block)
		if s.Cardinality() == 0 {
			delete(r.byPeer, t)
		}
	}
	return true
}

// removeBlock drops every request for block, returning who held them.
func (r *activeRequests) removeBlock(block int) []Transfer {
	s, ok := r.byBlock[block]
	if !ok {
		return nil
	}
	holders := make([]Transfer, 0, s.Cardinality())
	for _, v := range s.ToSlice() {
		holders = append(holders, v.(Transfer))
	}
	for _, t := range holders {
		r.remove(block, t)
	}
	return holders
}

// removePeer drops every request held by t, returning the blocks.
func (r *activeRequests) removePeer(t Transfer) []int {
	s, ok := r.byPeer[t]
	if !ok {
		return nil
	}
	blocks := make([]int, 0, s.Cardinality())
	for _, v := range s.ToSlice() {
		blocks = append(blocks, v.(int))
	}
	for _, block := range blocks {
		r.remove(block, t)
	}
	return blocks
}

type sentRequest struct {
	block int
	t     Transfer
}

// sentBefore returns the requests sent strictly before cutoff.
func (r *activeRequests) sentBefore(cutoff int64) []sentRequest {
	var stale []sentRequest
	for key, when := range r.sentAt {
		if when < cutoff {
			stale = append(stale, sentRequest{block: key.block, t: key.t})
		}
	}
	return stale
}
