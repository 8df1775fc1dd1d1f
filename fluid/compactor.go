package fluid

import (
	"math"
	"sync"

	"go.uber.org/zap"
)

// CompactionTask describes one compaction to run against the engine.
// Immutable once created. The Compactor back-reference is non-owning: the
// compactor outlives every task it issues (the bulk loader waits for its
// tasks to drain and the flush listener lives as long as the engine).
type CompactionTask struct {
	Compactor   Compactor
	InputFiles  []string
	OriginLevel int
	OutputLevel int
	Options     CompactionOptions
	RetryOnFail bool
	IsRetry     bool
}

// Compactor picks and schedules compaction tasks. FluidCompactor implements
// the steady-state policy; BulkLoader overrides picking to load a tree shape
// explicitly.
type Compactor interface {
	// PickCompaction decides whether a compaction is due on the given level
	// and constructs the task. Returns (nil, nil) when nothing is due.
	PickCompaction(levelIdx int) (*CompactionTask, error)

	// ScheduleCompaction submits the task for asynchronous execution.
	ScheduleCompaction(task *CompactionTask)
}

// scheduler owns the in-flight accounting and the background execution of
// tasks. Shared by FluidCompactor and BulkLoader.
type scheduler struct {
	engine  Engine
	lg      *zap.Logger
	metrics *Collectors

	// metaMu serializes the snapshot-and-pick critical section so two
	// concurrent picks cannot both claim a file as input.
	metaMu sync.Mutex

	mu       sync.Mutex
	condOnce sync.Once
	cond     *sync.Cond
	left     int
}

func newScheduler(engine Engine, lg *zap.Logger, metrics *Collectors) scheduler {
	if lg == nil {
		lg = zap.NewNop()
	}
	return scheduler{engine: engine, lg: lg, metrics: metrics}
}

// condVar lazily binds cond to this instance's own mu. Deferring the bind
// until first use (rather than in newScheduler) ensures cond.L points at
// the scheduler's final, address-stable home, since newScheduler returns
// scheduler by value and is always embedded by value in its callers.
func (s *scheduler) condVar() *sync.Cond {
	s.condOnce.Do(func() { s.cond = sync.NewCond(&s.mu) })
	return s.cond
}

// schedule submits the task to the engine's background executor. A fresh
// task takes an in-flight slot; a retry inherits the slot of the task it
// replaces.
func (s *scheduler) schedule(task *CompactionTask) {
	if !task.IsRetry {
		s.mu.Lock()
		s.left++
		s.mu.Unlock()
		s.metrics.incScheduled()
	}
	s.engine.ScheduleBackground(func() { s.runTask(task) })
}

func (s *scheduler) runTask(task *CompactionTask) {
	_, status := s.engine.CompactFiles(task.Options, task.InputFiles, task.OutputLevel, -1)

	switch {
	case status.OK():
		s.lg.Debug("compact files finished",
			zap.Int("origin_level", task.OriginLevel),
			zap.Int("output_level", task.OutputLevel),
			zap.Int("input_files", len(task.InputFiles)))
		s.finish(true)

	case status.Fatal() || !task.RetryOnFail:
		s.lg.Warn("compact files failed",
			zap.Int("origin_level", task.OriginLevel),
			zap.Int("output_level", task.OutputLevel),
			zap.Int("input_files", len(task.InputFiles)),
			zap.String("status", status.String()))
		s.finish(false)

	default:
		// Transient failure with retry_on_fail: re-run the same inputs,
		// unless a concurrent compaction has already absorbed them.
		s.lg.Warn("compact files did not finish, retrying",
			zap.Int("origin_level", task.OriginLevel),
			zap.Int("output_level", task.OutputLevel),
			zap.String("status", status.String()))
		if !s.inputsStillLive(task) {
			s.lg.Debug("compaction inputs absorbed, dropping retry",
				zap.Int("origin_level", task.OriginLevel))
			s.finish(true)
			return
		}
		retry := *task
		retry.IsRetry = true
		s.metrics.incRetry()
		task.Compactor.ScheduleCompaction(&retry)
	}
}

// inputsStillLive reports whether every input file is still present on the
// origin level and not claimed by another compaction.
func (s *scheduler) inputsStillLive(task *CompactionTask) bool {
	s.metaMu.Lock()
	defer s.metaMu.Unlock()

	snap := TakeSnapshot(s.engine)
	names, _ := snap.LiveFiles(task.OriginLevel)
	live := make(map[string]bool, len(names))
	for _, n := range names {
		live[n] = true
	}
	for _, in := range task.InputFiles {
		if !live[in] {
			return false
		}
	}
	return true
}

func (s *scheduler) finish(ok bool) {
	s.metrics.incCompleted(ok)
	cond := s.condVar()
	s.mu.Lock()
	s.left--
	cond.Broadcast()
	s.mu.Unlock()
}

// CompactionsLeft returns the number of submitted-but-not-completed tasks.
func (s *scheduler) CompactionsLeft() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.left
}

// WaitForCompactions blocks until every scheduled task has reached terminal
// completion.
func (s *scheduler) WaitForCompactions() {
	cond := s.condVar()
	s.mu.Lock()
	for s.left > 0 {
		cond.Wait()
	}
	s.mu.Unlock()
}

// FluidCompactor maintains the Fluid LSM shape: at most K sorted runs on
// every non-terminal level and at most Z on the terminal level, with
// per-level capacity T^i * (T-1) * B.
type FluidCompactor struct {
	scheduler
	opt FluidOptions
}

// NewFluidCompactor creates the steady-state compaction policy over the
// given engine. metrics may be nil.
func NewFluidCompactor(engine Engine, opt FluidOptions, lg *zap.Logger, metrics *Collectors) *FluidCompactor {
	return &FluidCompactor{
		scheduler: newScheduler(engine, lg, metrics),
		opt:       opt,
	}
}

// Options returns the tuning this compactor runs with.
func (c *FluidCompactor) Options() FluidOptions { return c.opt }

// PickCompaction implements Compactor.
func (c *FluidCompactor) PickCompaction(levelIdx int) (*CompactionTask, error) {
	c.metaMu.Lock()
	defer c.metaMu.Unlock()

	snap := TakeSnapshot(c.engine)
	largest, err := snap.LargestOccupiedLevel()
	if err != nil {
		return nil, err
	}

	inputs, levelSize := snap.LiveFiles(levelIdx)
	liveRuns := len(inputs)
	if liveRuns == 0 {
		return nil, nil
	}

	t := float64(c.opt.SizeRatio)
	if c.opt.FileSizePolicyOpt == FileSizeIncreasing {
		lowerDue := levelIdx < largest && liveRuns > c.opt.LowerLevelRunMax
		lastDue := levelIdx == largest && liveRuns > c.opt.LargestLevelRunMax
		if !lowerDue && !lastDue {
			return nil, nil
		}
	} else {
		capacity := uint64(math.Pow(t, float64(levelIdx)) * (t - 1) * float64(c.opt.BufferSize))
		if levelSize <= capacity {
			return nil, nil
		}
	}

	task := &CompactionTask{
		Compactor:   c,
		InputFiles:  inputs,
		OriginLevel: levelIdx,
		OutputLevel: levelIdx + 1,
		Options: CompactionOptions{
			OutputFileSizeLimit: c.outputFileSizeLimit(levelIdx, largest),
		},
	}
	c.lg.Debug("created compaction task",
		zap.Int("origin_level", levelIdx),
		zap.Int("output_level", levelIdx+1),
		zap.Int("input_files", liveRuns))
	return task, nil
}

// outputFileSizeLimit derives the per-task output file cap from the file
// size policy. Under the increasing policy the target level's capacity is
// divided across its permitted runs, with a 5% allowance for metadata.
func (c *FluidCompactor) outputFileSizeLimit(levelIdx, largest int) uint64 {
	switch c.opt.FileSizePolicyOpt {
	case FileSizeIncreasing:
		t := float64(c.opt.SizeRatio)
		capacity := uint64((t - 1) * math.Pow(t, float64(levelIdx+1)) * float64(c.opt.BufferSize))
		divisor := uint64(c.opt.LowerLevelRunMax)
		if levelIdx == largest {
			divisor = uint64(c.opt.LargestLevelRunMax)
		}
		return uint64(float64(capacity/divisor) * 1.05)
	case FileSizeBuffer:
		return c.opt.BufferSize
	default:
		return c.opt.FixedFileSize
	}
}

// ScheduleCompaction implements Compactor.
func (c *FluidCompactor) ScheduleCompaction(task *CompactionTask) {
	c.schedule(task)
}

// OnFlushCompleted sweeps levels from the largest occupied down to 0 and
// schedules any due compactions. Top-down ordering lets a compaction at
// level i find room at level i+1 already drained. Tasks triggered by a
// flush that slowed writes are marked retryable: the engine is under
// pressure and transient failures are likely recoverable.
func (c *FluidCompactor) OnFlushCompleted(info FlushInfo) {
	snap := TakeSnapshot(c.engine)
	largest, err := snap.LargestOccupiedLevel()
	if err != nil {
		return
	}
	if c.metrics != nil {
		c.metrics.ObserveSnapshot(snap)
	}

	for levelIdx := largest; levelIdx >= 0; levelIdx-- {
		task, err := c.PickCompaction(levelIdx)
		if err != nil || task == nil {
			continue
		}
		task.RetryOnFail = info.TriggeredWritesSlowdown
		c.ScheduleCompaction(task)
	}
}

// RequiresCompaction sweeps every occupied level top-down and schedules any
// due compactions, reporting whether anything was scheduled. With no level
// over budget it schedules nothing.
func (c *FluidCompactor) RequiresCompaction() (bool, error) {
	snap := TakeSnapshot(c.engine)
	largest, err := snap.LargestOccupiedLevel()
	if err != nil {
		return false, err
	}

	scheduled := false
	for levelIdx := largest; levelIdx >= 0; levelIdx-- {
		task, err := c.PickCompaction(levelIdx)
		if err != nil || task == nil {
			continue
		}
		c.ScheduleCompaction(task)
		scheduled = true
	}
	return scheduled, nil
}
