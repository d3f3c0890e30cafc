package torrent

import (
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fredo-47/transmission/config"
)

func newTestTorrent(t *testing.T, totalSize, pieceSize int64) *Torrent {
	t.Helper()
	clk := clock.NewMock()
	clk.Set(time.Unix(1700000000, 0))
	return New(1, [20]byte{1}, "test", totalSize, pieceSize, config.Default(), NewBandwidth(nil), clk)
}

func TestGeometry(t *testing.T) {
	// 2.5 pieces of 256 KiB: a short last piece and a short last block
	tor := newTestTorrent(t, 256*1024*2+100, 256*1024)

	assert.Equal(t, 3, tor.PieceCount())
	assert.Equal(t, 33, tor.BlockCount())
	assert.Equal(t, int64(256*1024), tor.PieceSize(0))
	assert.Equal(t, int64(100), tor.PieceSize(2))
	assert.Equal(t, int64(100), tor.BlockLength(32))

	begin, end := tor.BlockSpanForPiece(1)
	assert.Equal(t, 16, begin)
	assert.Equal(t, 32, end)

	begin, end = tor.BlockSpanForPiece(2)
	assert.Equal(t, 32, begin)
	assert.Equal(t, 33, end)

	piece, offset, length := tor.BlockToPieceOffset(17)
	assert.Equal(t, 1, piece)
	assert.Equal(t, int64(16*1024), offset)
	assert.Equal(t, int64(16*1024), length)
	assert.Equal(t, 17, tor.PieceOffsetToBlock(1, 16*1024))
}

func TestGotBlockSignals(t *testing.T) {
	tor := newTestTorrent(t, 2*256*1024, 256*1024)

	var completed []int
	doneFired := false
	tor.OnPieceCompleted(func(piece int) { completed = append(completed, piece) })
	tor.OnDone(func() { doneFired = true })

	for b := 0; b < 16; b++ {
		tor.GotBlock(b)
	}
	assert.Equal(t, []int{0}, completed)
	assert.True(t, tor.HasPiece(0))
	assert.False(t, doneFired)
	assert.Equal(t, int64(256*1024), tor.LeftUntilDone())

	for b := 16; b < 32; b++ {
		tor.GotBlock(b)
	}
	assert.Equal(t, []int{0, 1}, completed)
	assert.True(t, doneFired)
	assert.True(t, tor.IsDone())
	assert.True(t, tor.IsSeed())

	// duplicate arrivals change nothing
	tor.GotBlock(3)
	assert.Equal(t, []int{0, 1}, completed)
}

func TestGotBadPieceRestoresWork(t *testing.T) {
	tor := newTestTorrent(t, 2*256*1024, 256*1024)

	var bad []int
	tor.OnGotBadPiece(func(piece int) { bad = append(bad, piece) })

	for b := 0; b < 16; b++ {
		tor.GotBlock(b)
	}
	require.True(t, tor.HasPiece(0))

	tor.GotBadPiece(0)
	assert.Equal(t, []int{0}, bad)
	assert.False(t, tor.HasPiece(0))
	assert.False(t, tor.HasBlock(3))
	assert.Equal(t, int64(2*256*1024), tor.LeftUntilDone())
}

func TestUnwantedPiecesDontCount(t *testing.T) {
	tor := newTestTorrent(t, 2*256*1024, 256*1024)

	tor.SetPieceWanted(1, false)
	assert.Equal(t, int64(256*1024), tor.LeftUntilDone())

	for b := 0; b < 16; b++ {
		tor.GotBlock(b)
	}
	assert.True(t, tor.IsDone())
	assert.False(t, tor.IsSeed(), "done but not seed: piece 1 is unwanted and missing")

	tor.SetPieceWanted(1, true)
	assert.False(t, tor.IsDone())
}

func TestLifecycleSignals(t *testing.T) {
	tor := newTestTorrent(t, 256*1024, 256*1024)

	var events []string
	tor.OnStarted(func() { events = append(events, "started") })
	tor.OnStopped(func() { events = append(events, "stopped") })
	tor.OnDoomed(func() { events = append(events, "doomed") })

	tor.Start()
	assert.True(t, tor.IsRunning())
	tor.Start() // no duplicate signal
	tor.Doom()

	assert.Equal(t, []string{"started", "stopped", "doomed"}, events)
	assert.False(t, tor.IsRunning())
}

func TestCheckSeedLimit(t *testing.T) {
	cfg := config.Default()
	cfg.SeedRatioLimited = true
	cfg.SeedRatioLimit = 2.0
	clk := clock.NewMock()
	tor := New(1, [20]byte{1}, "test", 16*1024, 256*1024, cfg, NewBandwidth(nil), clk)

	tor.Start()
	tor.GotBlock(0)
	require.True(t, tor.IsDone())

	now := clk.Now().Unix()
	tor.AddDownloaded(now, 1000)
	tor.AddUploaded(now, 1500)
	tor.CheckSeedLimit()
	assert.True(t, tor.IsRunning(), "ratio 1.5 is under the limit")

	tor.AddUploaded(now, 500)
	tor.CheckSeedLimit()
	assert.False(t, tor.IsRunning(), "ratio 2.0 stops the torrent")
}

func TestSpeedMeterAndLimits(t *testing.T) {
	top := NewBandwidth(nil)
	tor := NewBandwidth(top)

	now := int64(1000)
	tor.Notify(Down, now, 50*1024*10)
	assert.Equal(t, int64(50*1024), tor.RateBps(Down, now))
	assert.Equal(t, int64(50*1024), top.RateBps(Down, now), "usage propagates to the parent")

	// stale samples age out of the window
	assert.Zero(t, tor.RateBps(Down, now+20))

	tor.SetLimit(Down, true, 10*1024)
	assert.True(t, tor.IsMaxedOut(Down, now))
	assert.False(t, tor.IsMaxedOut(Up, now))

	tor.SetLimit(Up, true, 0)
	assert.False(t, tor.CanTransfer(Up), "a zero limit shuts the direction off")
	assert.True(t, tor.CanTransfer(Down))
}
