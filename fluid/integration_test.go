package fluid

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

// Drives the full write -> flush -> listener -> picker -> scheduler loop
// against the in-memory engine and checks the steady-state shape.
func TestFlushDrivenCompactionMaintainsRunBounds(t *testing.T) {
	opt := DefaultOptions()
	opt.SizeRatio = 2
	opt.LowerLevelRunMax = 1
	opt.LargestLevelRunMax = 1
	opt.BufferSize = 4 << 10
	opt.EntrySize = 64

	engineOpt := DefaultMemEngineOptions()
	engineOpt.WriteBufferSize = opt.BufferSize
	engineOpt.CacheSize = 0
	engineOpt.SlowdownTrigger = 4
	engine, err := NewMemEngine(engineOpt, nil)
	require.NoError(t, err)

	c := NewFluidCompactor(engine, opt, nil, nil)
	engine.SubscribeFlush(c)

	src := NewSequentialKeySource(0)
	for i := 0; i < 1200; i++ {
		key, value := src.KVPair(int(opt.EntrySize))
		require.True(t, engine.Put(key, value, WriteOptions{}).OK())
	}

	// Quiesce: drain in-flight work, then sweep until nothing is due.
	engine.WaitBackground()
	c.WaitForCompactions()
	for {
		scheduled, err := c.RequiresCompaction()
		require.NoError(t, err)
		if !scheduled {
			break
		}
		engine.WaitBackground()
		c.WaitForCompactions()
	}

	require.Equal(t, 0, c.CompactionsLeft())

	snap := TakeSnapshot(engine)
	largest, err := snap.LargestOccupiedLevel()
	require.NoError(t, err)
	runs := snap.LiveRunCounts()
	for level := 0; level <= largest; level++ {
		bound := opt.LowerLevelRunMax
		if level == largest {
			bound = opt.LargestLevelRunMax
		}
		require.LessOrEqual(t, runs[level], bound, "level %d has %d runs", level, runs[level])
	}

	// No data lost along the way.
	for i := 0; i < 1200; i += 97 {
		_, ok := engine.Get(fmt.Sprintf("%09d", i))
		require.True(t, ok, "key %d missing", i)
	}
}

// A retryable transient failure mid-stream resolves without disturbing the
// in-flight accounting.
func TestFlushDrivenCompactionSurvivesTransientFailure(t *testing.T) {
	opt := DefaultOptions()
	opt.BufferSize = 4 << 10
	opt.EntrySize = 64

	engineOpt := DefaultMemEngineOptions()
	engineOpt.WriteBufferSize = opt.BufferSize
	engineOpt.CacheSize = 0
	engineOpt.SlowdownTrigger = 1 // every flush marks tasks retryable
	engine, err := NewMemEngine(engineOpt, nil)
	require.NoError(t, err)

	c := NewFluidCompactor(engine, opt, nil, nil)
	engine.SubscribeFlush(c)
	engine.SetCompactionFailScript([]Status{StatusOf(StatusAborted, nil)})

	src := NewSequentialKeySource(0)
	for i := 0; i < 500; i++ {
		key, value := src.KVPair(int(opt.EntrySize))
		require.True(t, engine.Put(key, value, WriteOptions{}).OK())
	}

	engine.WaitBackground()
	c.WaitForCompactions()
	require.Equal(t, 0, c.CompactionsLeft())
}
