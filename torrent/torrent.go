package torrent

import (
	"github.com/benbjohnson/clock"
	bitmap "github.com/boljen/go-bitmap"

	"github.com/fredo-47/transmission/config"
)

// BlockSize is the transfer unit used for requests; the last block of
// the last piece may be shorter.
const BlockSize = 16 * 1024

// Priority of a torrent or of a single piece.
type Priority int

const (
	Low Priority = iota - 1
	Normal
	High
)

// Torrent is the per-torrent model the peer manager schedules around:
// piece/block geometry, what we have, what we want, lifecycle state and
// bandwidth accounting. The wire driver and disk layer mutate it only
// through the methods here.
type Torrent struct {
	id        int
	infoHash  [20]byte
	name      string
	pieceSize int64
	totalSize int64

	pieceCount int
	blockCount int

	blocks bitmap.Bitmap // blocks we have
	pieces bitmap.Bitmap // pieces we have (all blocks present)

	wanted     bitmap.Bitmap // piece_is_wanted
	priorities []Priority    // per piece
	sequential bool

	priority  Priority
	private   bool
	peerLimit int
	webseeds  []string

	running   bool
	stopping  bool
	queued    bool
	hasMeta   bool
	startDate int64

	leftUntilDone int64
	uploadedCur   int64
	downloadedCur int64
	corruptCur    int64
	dateActive    int64
	dirty         bool

	bandwidth *Bandwidth
	cfg       *config.Settings
	clk       clock.Clock

	started        Signal[struct{}]
	stopped        Signal[struct{}]
	doomed         Signal[struct{}]
	done           Signal[struct{}]
	gotMetainfo    Signal[struct{}]
	pieceCompleted Signal[int]
	gotBadPiece    Signal[int]
	allSeeds       Signal[struct{}]
}

// New builds a torrent model. totalSize and pieceSize define the
// geometry; the torrent starts with no blocks and every piece wanted.
func New(id int, infoHash [20]byte, name string, totalSize, pieceSize int64, cfg *config.Settings, top *Bandwidth, clk clock.Clock) *Torrent {
	pieceCount := int((totalSize + pieceSize - 1) / pieceSize)
	blockCount := int((totalSize + BlockSize - 1) / BlockSize)

	t := &Torrent{
		id:            id,
		infoHash:      infoHash,
		name:          name,
		pieceSize:     pieceSize,
		totalSize:     totalSize,
		pieceCount:    pieceCount,
		blockCount:    blockCount,
		blocks:        bitmap.New(blockCount),
		pieces:        bitmap.New(pieceCount),
		wanted:        bitmap.New(pieceCount),
		priorities:    make([]Priority, pieceCount),
		peerLimit:     cfg.PeerLimitPerTorrent,
		leftUntilDone: totalSize,
		bandwidth:     NewBandwidth(top),
		cfg:           cfg,
		clk:           clk,
	}
	for i := 0; i < pieceCount; i++ {
		t.wanted.Set(i, true)
	}
	return t
}

func (t *Torrent) ID() int             { return t.id }
func (t *Torrent) InfoHash() [20]byte  { return t.infoHash }
func (t *Torrent) Name() string        { return t.name }
func (t *Torrent) PieceCount() int     { return t.pieceCount }
func (t *Torrent) BlockCount() int     { return t.blockCount }
func (t *Torrent) TotalSize() int64    { return t.totalSize }
func (t *Torrent) Bandwidth() *Bandwidth {
	return t.bandwidth
}

// PieceSize returns the byte length of piece i.
func (t *Torrent) PieceSize(i int) int64 {
	if i+1 == t.pieceCount {
		if rem := t.totalSize % t.pieceSize; rem != 0 {
			return rem
		}
	}
	return t.pieceSize
}

// BlockLength returns the byte length of block b.
func (t *Torrent) BlockLength(b int) int64 {
	if b+1 == t.blockCount {
		if rem := t.totalSize % BlockSize; rem != 0 {
			return rem
		}
	}
	return BlockSize
}

// BlockSpanForPiece returns the half-open block range [begin, end) of
// piece i.
func (t *Torrent) BlockSpanForPiece(i int) (begin, end int) {
	begin = int(int64(i) * t.pieceSize / BlockSize)
	last := int64(i)*t.pieceSize + t.PieceSize(i) - 1
	end = int(last/BlockSize) + 1
	return begin, end
}

// BlockToPieceOffset converts block b into its piece index, the byte
// offset within that piece, and the block's length.
func (t *Torrent) BlockToPieceOffset(b int) (piece int, offset int64, length int64) {
	abs := int64(b) * BlockSize
	piece = int(abs / t.pieceSize)
	offset = abs % t.pieceSize
	return piece, offset, t.BlockLength(b)
}

// PieceOffsetToBlock is the inverse of BlockToPieceOffset.
func (t *Torrent) PieceOffsetToBlock(piece int, offset int64) int {
	return int((int64(piece)*t.pieceSize + offset) / BlockSize)
}

func (t *Torrent) HasPiece(i int) bool { return t.pieces.Get(i) }
func (t *Torrent) HasBlock(b int) bool { return t.blocks.Get(b) }

func (t *Torrent) PieceIsWanted(i int) bool   { return t.wanted.Get(i) }
func (t *Torrent) PiecePriority(i int) Priority {
	return t.priorities[i]
}

func (t *Torrent) SetPieceWanted(i int, wanted bool) {
	if t.wanted.Get(i) == wanted {
		return
	}
	t.wanted.Set(i, wanted)
	delta := t.missingBytesInPiece(i)
	if wanted {
		t.leftUntilDone += delta
	} else {
		t.leftUntilDone -= delta
	}
}

func (t *Torrent) SetPiecePriority(i int, p Priority) { t.priorities[i] = p }

func (t *Torrent) SetSequential(seq bool) { t.sequential = seq }
func (t *Torrent) IsSequential() bool     { return t.sequential }

func (t *Torrent) SetPrivate(private bool) { t.private = private }
func (t *Torrent) IsPrivate() bool         { return t.private }

func (t *Torrent) SetPriority(p Priority) { t.priority = p }
func (t *Torrent) Priority() Priority     { return t.priority }

func (t *Torrent) SetPeerLimit(n int) { t.peerLimit = n }
func (t *Torrent) PeerLimit() int     { return t.peerLimit }

// AllowsPex is false for private torrents and when the session turns
// peer exchange off.
func (t *Torrent) AllowsPex() bool { return !t.private && t.cfg.AllowsPEX }
func (t *Torrent) AllowsDHT() bool { return !t.private && t.cfg.AllowsDHT }

func (t *Torrent) IsRunning() bool  { return t.running }
func (t *Torrent) IsStopping() bool { return t.stopping }
func (t *Torrent) IsQueued() bool   { return t.queued }
func (t *Torrent) HasMetainfo() bool { return t.hasMeta }

// QueueDirection is the queue a waiting torrent sits in: incomplete
// torrents wait on the download queue, finished ones on the seed queue.
func (t *Torrent) QueueDirection() Direction {
	if t.IsDone() {
		return Up
	}
	return Down
}

func (t *Torrent) IsDone() bool { return t.leftUntilDone == 0 }

// IsSeed reports whether every piece is present, wanted or not.
func (t *Torrent) IsSeed() bool {
	for i := 0; i < t.pieceCount; i++ {
		if !t.pieces.Get(i) {
			return false
		}
	}
	return true
}

func (t *Torrent) LeftUntilDone() int64 { return t.leftUntilDone }

func (t *Torrent) StartDate() int64 { return t.startDate }

// WasRecentlyStarted reports whether the torrent started in the last
// two minutes; such torrents get connection priority.
func (t *Torrent) WasRecentlyStarted(now int64) bool {
	return t.running && now-t.startDate < 120
}

func (t *Torrent) ClientCanUpload() bool   { return t.bandwidth.CanTransfer(Up) }
func (t *Torrent) ClientCanDownload() bool { return t.bandwidth.CanTransfer(Down) }

// --- metainfo & webseeds

func (t *Torrent) SetMetainfo(webseeds []string) {
	t.hasMeta = true
	t.webseeds = append([]string(nil), webseeds...)
	t.gotMetainfo.Emit(struct{}{})
}

func (t *Torrent) WebseedCount() int      { return len(t.webseeds) }
func (t *Torrent) Webseed(i int) string   { return t.webseeds[i] }

// --- transfer accounting

func (t *Torrent) AddUploaded(now int64, n int64) {
	t.uploadedCur += n
	t.dateActive = now
	t.dirty = true
}

func (t *Torrent) AddDownloaded(now int64, n int64) {
	t.downloadedCur += n
	t.dateActive = now
	t.dirty = true
}

func (t *Torrent) Uploaded() int64   { return t.uploadedCur }
func (t *Torrent) Downloaded() int64 { return t.downloadedCur }

// --- blocks & pieces

func (t *Torrent) missingBytesInPiece(i int) int64 {
	var missing int64
	begin, end := t.BlockSpanForPiece(i)
	for b := begin; b < end; b++ {
		if !t.blocks.Get(b) {
			missing += t.BlockLength(b)
		}
	}
	return missing
}

// MissingBytesInPiece returns how many bytes of piece i we still need.
func (t *Torrent) MissingBytesInPiece(i int) int64 { return t.missingBytesInPiece(i) }

// MissingBlocksInPiece returns how many blocks of piece i we lack.
func (t *Torrent) MissingBlocksInPiece(i int) int {
	n := 0
	begin, end := t.BlockSpanForPiece(i)
	for b := begin; b < end; b++ {
		if !t.blocks.Get(b) {
			n++
		}
	}
	return n
}

// GotBlock records a verified block arrival. When it completes a piece
// the piece-completed signal fires, and when the last wanted piece
// lands the done signal fires.
func (t *Torrent) GotBlock(b int) {
	if t.blocks.Get(b) {
		return
	}
	t.blocks.Set(b, true)
	piece, _, length := t.BlockToPieceOffset(b)
	if t.wanted.Get(piece) {
		t.leftUntilDone -= length
	}
	if t.MissingBlocksInPiece(piece) == 0 {
		t.pieces.Set(piece, true)
		t.pieceCompleted.Emit(piece)
	}
	if t.leftUntilDone == 0 {
		t.done.Emit(struct{}{})
	}
}

// GotBadPiece drops a piece that failed hash verification, restoring
// its blocks to the wanted count and firing the bad-piece signal so
// the swarm can assign strikes.
func (t *Torrent) GotBadPiece(piece int) {
	begin, end := t.BlockSpanForPiece(piece)
	for b := begin; b < end; b++ {
		if t.blocks.Get(b) {
			t.blocks.Set(b, false)
			if t.wanted.Get(piece) {
				t.leftUntilDone += t.BlockLength(b)
			}
		}
	}
	t.pieces.Set(piece, false)
	t.corruptCur += t.PieceSize(piece)
	t.gotBadPiece.Emit(piece)
}

// --- lifecycle

func (t *Torrent) Start() {
	if t.running {
		return
	}
	t.running = true
	t.queued = false
	t.stopping = false
	t.startDate = t.clk.Now().Unix()
	t.started.Emit(struct{}{})
}

// Enqueue parks the torrent in its queue until the next promotion.
func (t *Torrent) Enqueue() {
	if t.running {
		return
	}
	t.queued = true
}

func (t *Torrent) Stop() {
	if !t.running {
		t.queued = false
		return
	}
	t.running = false
	t.stopping = false
	t.stopped.Emit(struct{}{})
}

// Doom tears the torrent down for good; the swarm destroys itself in
// response.
func (t *Torrent) Doom() {
	t.Stop()
	t.doomed.Emit(struct{}{})
}

// MarkAllSeeds is raised by the announcer when the tracker reports the
// whole swarm is seeds.
func (t *Torrent) MarkAllSeeds() {
	t.allSeeds.Emit(struct{}{})
}

// CheckSeedLimit stops a finished torrent once its share ratio passes
// the configured limit.
func (t *Torrent) CheckSeedLimit() {
	if !t.running || !t.IsDone() || !t.cfg.SeedRatioLimited {
		return
	}
	if t.downloadedCur == 0 {
		return
	}
	ratio := float64(t.uploadedCur) / float64(t.downloadedCur)
	if ratio >= t.cfg.SeedRatioLimit {
		t.Stop()
	}
}

// DoIdleWork is the torrent's slot in the bandwidth pulse.
func (t *Torrent) DoIdleWork() {
	if t.dirty {
		// resume-file persistence is the disk layer's problem; we
		// only clear the flag once per pulse
		t.dirty = false
	}
}

// --- lifecycle observers

func (t *Torrent) OnStarted(fn func()) func()     { return t.started.Observe(func(struct{}) { fn() }) }
func (t *Torrent) OnStopped(fn func()) func()     { return t.stopped.Observe(func(struct{}) { fn() }) }
func (t *Torrent) OnDoomed(fn func()) func()      { return t.doomed.Observe(func(struct{}) { fn() }) }
func (t *Torrent) OnDone(fn func()) func()        { return t.done.Observe(func(struct{}) { fn() }) }
func (t *Torrent) OnGotMetainfo(fn func()) func() { return t.gotMetainfo.Observe(func(struct{}) { fn() }) }
func (t *Torrent) OnAllSeeds(fn func()) func()    { return t.allSeeds.Observe(func(struct{}) { fn() }) }

func (t *Torrent) OnPieceCompleted(fn func(piece int)) func() { return t.pieceCompleted.Observe(fn) }
func (t *Torrent) OnGotBadPiece(fn func(piece int)) func()    { return t.gotBadPiece.Observe(fn) }
