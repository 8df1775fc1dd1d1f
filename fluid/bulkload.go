package fluid

import (
	"math"
	"strconv"

	"github.com/dustin/go-humanize"
	"go.uber.org/zap"
)

// bulkLoadBatchSize is the number of entries per write batch during load.
const bulkLoadBatchSize = 100

// writeFailureAbortRate aborts the load once this fraction of planned
// writes has failed.
const writeFailureAbortRate = 0.10

// BulkLoader populates a freshly created tree to a target number of entries
// or levels with the per-level run counts and sizes the tuning dictates.
// It must run against an engine with automatic compactions disabled: during
// the load the picker is inert and flush events are ignored, so the only
// compactions are the ones the loader schedules itself.
type BulkLoader struct {
	scheduler
	opt FluidOptions
	src KeySource

	// StopAfterLevelFilled terminates the fill loop once the cumulative
	// entry count reaches the target, even mid-shape.
	StopAfterLevelFilled bool

	keys          []string
	plannedWrites uint64
	writeFailures uint64
}

// NewBulkLoader creates a loader writing keys from src. metrics may be nil.
func NewBulkLoader(engine Engine, opt FluidOptions, src KeySource, lg *zap.Logger, metrics *Collectors) *BulkLoader {
	return &BulkLoader{
		scheduler: newScheduler(engine, lg, metrics),
		opt:       opt,
		src:       src,
	}
}

// PickCompaction implements Compactor. The loader never volunteers
// compactions; it schedules them explicitly per level.
func (b *BulkLoader) PickCompaction(int) (*CompactionTask, error) { return nil, nil }

// OnFlushCompleted implements FlushSubscriber as a no-op so that flushes
// issued during loading trigger nothing.
func (b *BulkLoader) OnFlushCompleted(FlushInfo) {}

// ScheduleCompaction implements Compactor.
func (b *BulkLoader) ScheduleCompaction(task *CompactionTask) { b.schedule(task) }

// Keys returns every key written by the loader, in write order.
func (b *BulkLoader) Keys() []string { return b.keys }

// BulkLoadEntries loads the tree with numEntries entries, shaped as a
// proportionally filled tree of the estimated depth.
func (b *BulkLoader) BulkLoadEntries(numEntries uint64) error {
	b.lg.Info("bulk loading", zap.Uint64("entries", numEntries))

	t := float64(b.opt.SizeRatio)
	e := b.opt.EntrySize
	buf := b.opt.BufferSize
	levels := EstimateLevels(numEntries, t, e, buf)
	b.lg.Debug("estimated levels", zap.Uint64("levels", levels))

	caps := b.capacityPlan(levels)
	full := CalculateFullTree(t, e, buf, levels)
	percentFull := float64(numEntries) / float64(full)
	b.lg.Debug("tree fill", zap.Float64("percent_full", percentFull))
	for i := range caps {
		caps[i] = uint64(float64(caps[i]) * percentFull)
	}
	b.lg.Debug("entries per level", zap.Uint64s("capacity", caps))

	return b.bulkLoad(caps, levels, numEntries)
}

// BulkLoadLevels loads the tree with numLevels completely filled levels.
func (b *BulkLoader) BulkLoadLevels(numLevels uint64) error {
	b.lg.Info("bulk loading", zap.Uint64("levels", numLevels))

	caps := b.capacityPlan(numLevels)
	b.lg.Debug("entries per level", zap.Uint64s("capacity", caps))

	return b.bulkLoad(caps, numLevels, math.MaxUint64)
}

// capacityPlan returns per-level entry capacities for a full tree:
// cap[0] = (B/E)*(T-1), cap[i] = cap[i-1]*T.
func (b *BulkLoader) capacityPlan(levels uint64) []uint64 {
	entriesInBuffer := b.opt.BufferSize / b.opt.EntrySize
	b.lg.Debug("buffer capacity", zap.Uint64("entries", entriesInBuffer))

	caps := make([]uint64, levels)
	if levels == 0 {
		return caps
	}
	caps[0] = entriesInBuffer * uint64(b.opt.SizeRatio-1)
	for i := uint64(1); i < levels; i++ {
		caps[i] = caps[i-1] * uint64(b.opt.SizeRatio)
	}
	return caps
}

// bulkLoad fills levels bottom-up. Each level is fully landed, including
// its terminal compaction, before the next one starts.
func (b *BulkLoader) bulkLoad(caps []uint64, numLevels, maxEntries uint64) error {
	b.plannedWrites = 0
	for _, c := range caps {
		b.plannedWrites += c
	}

	var loaded uint64
	for level := numLevels; level >= 1; level-- {
		idx := level - 1
		if caps[idx] == 0 {
			continue
		}
		b.lg.Debug("bulk loading level",
			zap.Uint64("level", level), zap.Uint64("entries", caps[idx]))

		runs := uint64(b.opt.LowerLevelRunMax)
		if level == numLevels {
			runs = uint64(b.opt.LargestLevelRunMax)
		}
		if err := b.loadLevel(level, caps[idx], runs); err != nil {
			return err
		}

		loaded += caps[idx]
		if b.StopAfterLevelFilled && loaded >= maxEntries {
			b.lg.Debug("reached max entries, stopping bulk load")
			break
		}
	}

	b.WaitForCompactions()
	return nil
}

// loadLevel writes the level's runs, flushing each as one L0 file, then
// compacts the landed files down to their destination level. Level 1 under
// the increasing or buffer policy stays on level 0: that is already the
// destination for a one-level tree.
func (b *BulkLoader) loadLevel(level, capacity, runs uint64) error {
	entriesPerRun := capacity / runs
	for run := uint64(0); run < runs; run++ {
		b.lg.Debug("loading run",
			zap.Uint64("run", run),
			zap.Uint64("level", level),
			zap.Uint64("entries", entriesPerRun),
			zap.String("run_size", humanize.IBytes(entriesPerRun*b.opt.EntrySize)))
		if err := b.loadRun(entriesPerRun); err != nil {
			return err
		}
	}

	b.metaMu.Lock()
	snap := TakeSnapshot(b.engine)
	inputs, _ := snap.LiveFiles(0)
	b.metaMu.Unlock()

	var limit uint64
	switch b.opt.FileSizePolicyOpt {
	case FileSizeIncreasing:
		// 5% allowance per output file for metadata.
		limit = uint64(1.05 * float64(entriesPerRun*b.opt.EntrySize))
		if level == 1 {
			return nil
		}
	case FileSizeBuffer:
		if level == 1 {
			return nil
		}
		limit = b.opt.BufferSize
	default:
		limit = b.opt.FixedFileSize
	}

	task := &CompactionTask{
		Compactor:   b,
		InputFiles:  inputs,
		OriginLevel: 0,
		OutputLevel: int(level - 1),
		Options:     CompactionOptions{OutputFileSizeLimit: limit},
		RetryOnFail: true,
	}
	b.ScheduleCompaction(task)
	b.WaitForCompactions()
	return nil
}

// loadRun writes entries key-value pairs in batches and flushes them as a
// single SSTable. The memtable is sized well past the run so the flush is
// the only one.
func (b *BulkLoader) loadRun(entries uint64) error {
	if entries == 0 {
		return nil
	}

	bufferSize := 8 * b.opt.EntrySize * entries
	if st := b.engine.SetOption("write_buffer_size", strconv.FormatUint(bufferSize, 10)); !st.OK() {
		b.lg.Warn("set write_buffer_size failed", zap.String("status", st.String()))
	}

	wopts := WriteOptions{DisableWAL: true, LowPriority: true}
	for written := uint64(0); written < entries; {
		n := uint64(bulkLoadBatchSize)
		if entries-written < n {
			n = entries - written
		}
		batch := &WriteBatch{}
		for i := uint64(0); i < n; i++ {
			key, value := b.src.KVPair(int(b.opt.EntrySize))
			batch.Put(key, value)
			b.keys = append(b.keys, key)
		}
		if st := b.engine.Write(batch, wopts); !st.OK() {
			b.lg.Error("bulk load write failed", zap.String("status", st.String()))
			b.writeFailures += n
			if float64(b.writeFailures) > writeFailureAbortRate*float64(b.plannedWrites) {
				return ErrTooManyWriteFailures
			}
		} else if b.metrics != nil {
			b.metrics.BulkLoadEntries.Add(float64(n))
		}
		written += n
	}

	b.lg.Debug("flushing run", zap.Uint64("entries", entries))
	if st := b.engine.Flush(true); !st.OK() {
		b.lg.Warn("flush failed", zap.String("status", st.String()))
	}
	return nil
}
