package fluid

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func newLoadEngine(t *testing.T) *MemEngine {
	t.Helper()
	opt := DefaultMemEngineOptions()
	opt.CacheSize = 0
	engine, err := NewMemEngine(opt, nil)
	require.NoError(t, err)
	return engine
}

func loaderOptions(t, k, z int) FluidOptions {
	opt := DefaultOptions()
	opt.SizeRatio = t
	opt.LowerLevelRunMax = k
	opt.LargestLevelRunMax = z
	opt.BufferSize = 1 << 20
	opt.EntrySize = 1 << 10
	return opt
}

func nonEmptyLevels(counts []int) int {
	n := 0
	for _, c := range counts {
		if c > 0 {
			n++
		}
	}
	return n
}

func TestBulkLoadEntriesSingleLevel(t *testing.T) {
	// 1024 entries of 1 KiB fill exactly one buffer: one level, one file.
	engine := newLoadEngine(t)
	opt := loaderOptions(2, 1, 1)
	loader := NewBulkLoader(engine, opt, NewSequentialKeySource(0), nil, nil)
	engine.SubscribeFlush(loader)

	require.NoError(t, loader.BulkLoadEntries(1024))
	require.Equal(t, 0, loader.CompactionsLeft())

	snap := TakeSnapshot(engine)
	require.Equal(t, []int{1, 0, 0, 0, 0, 0, 0}, snap.LiveRunCounts())
	counts := engine.LevelEntryCounts()
	require.Equal(t, 1024, counts[0])
	require.Equal(t, 1, nonEmptyLevels(counts))
	require.Len(t, loader.Keys(), 1024)
}

func TestBulkLoadEntriesFourLevels(t *testing.T) {
	// 10000 entries over a 1 MiB buffer at T=2 estimate to four levels,
	// proportionally filled with one run each.
	engine := newLoadEngine(t)
	opt := loaderOptions(2, 1, 1)
	loader := NewBulkLoader(engine, opt, NewSequentialKeySource(0), nil, nil)
	engine.SubscribeFlush(loader)

	require.NoError(t, loader.BulkLoadEntries(10000))
	require.Equal(t, 0, loader.CompactionsLeft())

	counts := engine.LevelEntryCounts()
	require.Equal(t, 4, nonEmptyLevels(counts))
	runs := TakeSnapshot(engine).LiveRunCounts()
	for level := 0; level < 4; level++ {
		require.Equal(t, 1, runs[level], "level %d", level)
		require.Positive(t, counts[level], "level %d", level)
	}
	// Proportional fill: each level holds its capacity scaled by N/N_full.
	require.Equal(t, 666, counts[0])
	require.Equal(t, 1333, counts[1])
	require.Equal(t, 2666, counts[2])
	require.Equal(t, 5333, counts[3])
}

func TestBulkLoadLevelsRespectsRunBounds(t *testing.T) {
	// T=4, K=2, Z=1, three filled levels: 64512 entries total, at most two
	// runs per non-terminal level and one on the terminal level.
	engine := newLoadEngine(t)
	opt := loaderOptions(4, 2, 1)
	loader := NewBulkLoader(engine, opt, NewSequentialKeySource(0), nil, nil)
	engine.SubscribeFlush(loader)

	require.NoError(t, loader.BulkLoadLevels(3))
	require.Equal(t, 0, loader.CompactionsLeft())

	counts := engine.LevelEntryCounts()
	total := 0
	for _, c := range counts {
		total += c
	}
	require.Equal(t, 64512, total)

	runs := TakeSnapshot(engine).LiveRunCounts()
	require.LessOrEqual(t, runs[0], 2)
	require.LessOrEqual(t, runs[1], 2)
	require.LessOrEqual(t, runs[2], 1)
	require.Equal(t, 3, nonEmptyLevels(counts))
}

func TestBulkLoadFixedPolicyFileSizes(t *testing.T) {
	// Under the fixed policy every SSTable lands at or under the fixed
	// size, including the intra-level rewrite of level 1.
	engine := newLoadEngine(t)
	opt := loaderOptions(2, 1, 1)
	opt.FileSizePolicyOpt = FileSizeFixed
	opt.FixedFileSize = 256 << 10
	loader := NewBulkLoader(engine, opt, NewSequentialKeySource(0), nil, nil)
	engine.SubscribeFlush(loader)

	require.NoError(t, loader.BulkLoadLevels(2))

	limit := uint64(float64(opt.FixedFileSize) * 1.05)
	for level := 0; level < 7; level++ {
		for _, size := range engine.FileSizes(level) {
			require.LessOrEqual(t, size, limit, "level %d", level)
		}
	}
}

func TestBulkLoadBufferPolicy(t *testing.T) {
	engine := newLoadEngine(t)
	opt := loaderOptions(2, 1, 1)
	opt.FileSizePolicyOpt = FileSizeBuffer
	loader := NewBulkLoader(engine, opt, NewSequentialKeySource(0), nil, nil)
	engine.SubscribeFlush(loader)

	require.NoError(t, loader.BulkLoadLevels(2))
	require.Equal(t, 0, loader.CompactionsLeft())

	counts := engine.LevelEntryCounts()
	require.Equal(t, 2, nonEmptyLevels(counts))
	// Level 1's files are sized to the buffer.
	for _, size := range engine.FileSizes(1) {
		require.LessOrEqual(t, size, opt.BufferSize)
	}
}

func TestBulkLoadAbortsOnWriteFailures(t *testing.T) {
	engine := newLoadEngine(t)
	opt := loaderOptions(2, 1, 1)
	loader := NewBulkLoader(engine, opt, NewSequentialKeySource(0), nil, nil)

	// Fail enough batches to push the failure rate past 10% of the
	// planned 1024 writes.
	engine.FailNextWrites(2)
	err := loader.BulkLoadEntries(1024)
	require.ErrorIs(t, err, ErrTooManyWriteFailures)
}

func TestBulkLoadStopAfterLevelFilled(t *testing.T) {
	// The deepest level alone reaches the entry target, so level 1 is
	// never filled.
	engine := newLoadEngine(t)
	opt := loaderOptions(2, 1, 1)
	loader := NewBulkLoader(engine, opt, NewSequentialKeySource(0), nil, nil)
	loader.StopAfterLevelFilled = true

	require.NoError(t, loader.bulkLoad([]uint64{1024, 2048}, 2, 2048))
	counts := engine.LevelEntryCounts()
	require.Equal(t, 1, nonEmptyLevels(counts))
	require.Zero(t, counts[0])
	require.Equal(t, 2048, counts[1])
}

func TestBulkLoadPickerIsInert(t *testing.T) {
	engine := newLoadEngine(t)
	opt := loaderOptions(2, 1, 1)
	loader := NewBulkLoader(engine, opt, NewSequentialKeySource(0), nil, nil)

	task, err := loader.PickCompaction(0)
	require.NoError(t, err)
	require.Nil(t, task)

	// Flush events during loading trigger nothing.
	loader.OnFlushCompleted(FlushInfo{CFName: "default", TriggeredWritesSlowdown: true})
	require.Equal(t, 0, loader.CompactionsLeft())
}
