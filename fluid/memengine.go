package fluid

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"sync"

	"github.com/bits-and-blooms/bloom/v3"
	"github.com/dgraph-io/ristretto"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// MemEngineOptions configures the in-memory reference engine.
type MemEngineOptions struct {
	NumLevels       int     // LSM tree depth (default 7)
	WriteBufferSize uint64  // memtable flush threshold in bytes (default 64 MiB)
	BitsPerElement  float64 // bloom filter bits per key (default 10)
	SlowdownTrigger int     // L0 file count that flags a write slowdown (default 8)
	CacheSize       int64   // read cache budget in bytes, 0 disables (default 32 MiB)
	AutoFlush       bool    // flush automatically when the memtable fills
}

// DefaultMemEngineOptions returns sensible defaults for tests and demos.
func DefaultMemEngineOptions() MemEngineOptions {
	return MemEngineOptions{
		NumLevels:       7,
		WriteBufferSize: 64 << 20,
		BitsPerElement:  10,
		SlowdownTrigger: 8,
		CacheSize:       32 << 20,
		AutoFlush:       true,
	}
}

// memFile is one in-memory SSTable: its entries plus a bloom filter sized
// by the configured bits per element.
type memFile struct {
	name           string
	seq            int
	size           uint64
	beingCompacted bool
	data           map[string]string
	filter         *bloom.BloomFilter
}

// MemEngine is an in-memory implementation of the Engine contract. It keeps
// a skiplist memtable, per-level file lists with being-compacted flags, a
// goroutine-backed executor and a ristretto read cache. It exists to test
// and demonstrate the controller; it implements no durability.
type MemEngine struct {
	opt MemEngineOptions
	lg  *zap.Logger

	mu              sync.Mutex
	mem             *memtable
	memBytes        uint64
	writeBufferSize uint64
	levels          [][]*memFile
	nextFile        int
	nextSeq         int
	subs            []FlushSubscriber
	failScript      []Status
	failWrites      int

	cache *ristretto.Cache
	wg    sync.WaitGroup
}

// NewMemEngine creates an empty tree.
func NewMemEngine(opt MemEngineOptions, lg *zap.Logger) (*MemEngine, error) {
	if lg == nil {
		lg = zap.NewNop()
	}
	if opt.NumLevels <= 0 {
		opt.NumLevels = 7
	}
	if opt.WriteBufferSize == 0 {
		opt.WriteBufferSize = 64 << 20
	}
	if opt.BitsPerElement <= 0 {
		opt.BitsPerElement = 10
	}
	if opt.SlowdownTrigger <= 0 {
		opt.SlowdownTrigger = 8
	}

	e := &MemEngine{
		opt:             opt,
		lg:              lg,
		mem:             newMemtable(),
		writeBufferSize: opt.WriteBufferSize,
		levels:          make([][]*memFile, opt.NumLevels),
	}
	if opt.CacheSize > 0 {
		cache, err := ristretto.NewCache(&ristretto.Config{
			NumCounters: opt.CacheSize / 64,
			MaxCost:     opt.CacheSize,
			BufferItems: 64,
		})
		if err != nil {
			return nil, errors.Wrap(err, "create read cache")
		}
		e.cache = cache
	}
	return e, nil
}

// LevelMetadata implements Engine.
func (e *MemEngine) LevelMetadata() []LevelMeta {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]LevelMeta, len(e.levels))
	for i, lvl := range e.levels {
		files := make([]FileMetadata, len(lvl))
		for j, f := range lvl {
			files[j] = FileMetadata{Name: f.name, Size: f.size, BeingCompacted: f.beingCompacted}
		}
		out[i] = LevelMeta{Files: files}
	}
	return out
}

// Put implements Engine.
func (e *MemEngine) Put(key, value string, opts WriteOptions) Status {
	batch := &WriteBatch{}
	batch.Put(key, value)
	return e.Write(batch, opts)
}

// Write implements Engine.
func (e *MemEngine) Write(batch *WriteBatch, _ WriteOptions) Status {
	e.mu.Lock()
	if e.failWrites > 0 {
		e.failWrites--
		e.mu.Unlock()
		return StatusOf(StatusError, errors.New("injected write failure"))
	}
	for _, p := range batch.Pairs() {
		if old, ok := e.mem.get(p.Key); ok {
			e.memBytes -= uint64(len(p.Key) + len(old))
		}
		e.mem.set(p.Key, p.Value)
		e.memBytes += uint64(len(p.Key) + len(p.Value))
		if e.cache != nil {
			e.cache.Del(p.Key)
		}
	}
	var info *FlushInfo
	if e.opt.AutoFlush && e.memBytes >= e.writeBufferSize {
		info = e.flushLocked()
	}
	e.mu.Unlock()

	if info != nil {
		e.notify(*info)
	}
	return Status{}
}

// Flush implements Engine. The in-memory flush is synchronous regardless
// of wait.
func (e *MemEngine) Flush(_ bool) Status {
	e.mu.Lock()
	info := e.flushLocked()
	e.mu.Unlock()

	if info != nil {
		e.notify(*info)
	}
	return Status{}
}

// flushLocked turns the memtable into one L0 file. Returns nil when there
// is nothing to flush.
func (e *MemEngine) flushLocked() *FlushInfo {
	if e.mem.len() == 0 {
		return nil
	}
	data := e.mem.drain()
	e.memBytes = 0

	f := e.newFileLocked(data)
	e.levels[0] = append(e.levels[0], f)

	live := 0
	for _, fl := range e.levels[0] {
		if !fl.beingCompacted {
			live++
		}
	}
	return &FlushInfo{
		CFName:                  "default",
		TriggeredWritesSlowdown: live >= e.opt.SlowdownTrigger,
	}
}

func (e *MemEngine) newFileLocked(data map[string]string) *memFile {
	var size uint64
	for k, v := range data {
		size += uint64(len(k) + len(v))
	}
	// m/n = h bits per element gives a false positive rate of ~0.6185^h.
	fpRate := math.Pow(0.6185, e.opt.BitsPerElement)
	filter := bloom.NewWithEstimates(uint(len(data)), fpRate)
	for k := range data {
		filter.AddString(k)
	}

	f := &memFile{
		name:   fmt.Sprintf("%06d.sst", e.nextFile),
		seq:    e.nextSeq,
		size:   size,
		data:   data,
		filter: filter,
	}
	e.nextFile++
	e.nextSeq++
	return f
}

func (e *MemEngine) notify(info FlushInfo) {
	e.mu.Lock()
	subs := make([]FlushSubscriber, len(e.subs))
	copy(subs, e.subs)
	e.mu.Unlock()

	for _, s := range subs {
		s.OnFlushCompleted(info)
	}
}

// CompactFiles implements Engine. Inputs are merged newest-last and the
// output is split at opts.OutputFileSizeLimit. outputLevel may equal the
// inputs' level (an intra-level rewrite).
func (e *MemEngine) CompactFiles(opts CompactionOptions, inputFileNames []string, outputLevel int, _ int) ([]string, Status) {
	e.mu.Lock()
	if len(e.failScript) > 0 {
		st := e.failScript[0]
		e.failScript = e.failScript[1:]
		if !st.OK() {
			e.mu.Unlock()
			return nil, st
		}
	}

	if outputLevel < 0 || outputLevel >= len(e.levels) {
		e.mu.Unlock()
		return nil, StatusOf(StatusInvalidArgument, errors.Errorf("output level %d out of range", outputLevel))
	}
	if len(inputFileNames) == 0 {
		e.mu.Unlock()
		return nil, StatusOf(StatusInvalidArgument, errors.New("no input files"))
	}

	inputs := make([]*memFile, 0, len(inputFileNames))
	for _, name := range inputFileNames {
		f := e.findLocked(name)
		if f == nil || f.beingCompacted {
			e.mu.Unlock()
			return nil, StatusOf(StatusInvalidArgument, errors.Errorf("input file %s unavailable", name))
		}
		inputs = append(inputs, f)
	}
	for _, f := range inputs {
		f.beingCompacted = true
	}
	e.mu.Unlock()

	// Merge outside the lock so pickers observe the being-compacted window.
	sort.Slice(inputs, func(i, j int) bool { return inputs[i].seq < inputs[j].seq })
	merged := make(map[string]string)
	for _, f := range inputs {
		for k, v := range f.data {
			merged[k] = v
		}
	}
	keys := make([]string, 0, len(merged))
	for k := range merged {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	limit := opts.OutputFileSizeLimit
	if limit == 0 {
		limit = math.MaxUint64
	}

	e.mu.Lock()
	e.removeLocked(inputs)

	var names []string
	current := make(map[string]string)
	var currentSize uint64
	cut := func() {
		if len(current) == 0 {
			return
		}
		f := e.newFileLocked(current)
		e.levels[outputLevel] = append(e.levels[outputLevel], f)
		names = append(names, f.name)
		current = make(map[string]string)
		currentSize = 0
	}
	for _, k := range keys {
		entry := uint64(len(k) + len(merged[k]))
		if currentSize+entry > limit && len(current) > 0 {
			cut()
		}
		current[k] = merged[k]
		currentSize += entry
	}
	cut()
	e.mu.Unlock()

	return names, Status{}
}

func (e *MemEngine) findLocked(name string) *memFile {
	for _, lvl := range e.levels {
		for _, f := range lvl {
			if f.name == name {
				return f
			}
		}
	}
	return nil
}

func (e *MemEngine) removeLocked(files []*memFile) {
	gone := make(map[*memFile]bool, len(files))
	for _, f := range files {
		gone[f] = true
	}
	for i, lvl := range e.levels {
		kept := lvl[:0]
		for _, f := range lvl {
			if !gone[f] {
				kept = append(kept, f)
			}
		}
		e.levels[i] = kept
	}
}

// ScheduleBackground implements Engine.
func (e *MemEngine) ScheduleBackground(fn func()) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		fn()
	}()
}

// WaitBackground blocks until every scheduled background task has run.
func (e *MemEngine) WaitBackground() { e.wg.Wait() }

// SetOption implements Engine.
func (e *MemEngine) SetOption(name, value string) Status {
	switch name {
	case "write_buffer_size":
		size, err := strconv.ParseUint(value, 10, 64)
		if err != nil || size == 0 {
			return StatusOf(StatusInvalidArgument, errors.Errorf("bad write_buffer_size %q", value))
		}
		e.mu.Lock()
		e.writeBufferSize = size
		e.mu.Unlock()
		return Status{}
	default:
		return StatusOf(StatusNotSupported, errors.Errorf("unknown option %q", name))
	}
}

// SubscribeFlush implements Engine.
func (e *MemEngine) SubscribeFlush(sub FlushSubscriber) {
	e.mu.Lock()
	e.subs = append(e.subs, sub)
	e.mu.Unlock()
}

// Get returns the newest value for key: the memtable first, then the read
// cache, then files newest first with a bloom filter prefilter.
func (e *MemEngine) Get(key string) (string, bool) {
	e.mu.Lock()
	if v, ok := e.mem.get(key); ok {
		e.mu.Unlock()
		return v, true
	}
	e.mu.Unlock()

	if e.cache != nil {
		if v, ok := e.cache.Get(key); ok {
			return v.(string), true
		}
	}

	e.mu.Lock()
	var best *memFile
	for _, lvl := range e.levels {
		for _, f := range lvl {
			if best != nil && f.seq < best.seq {
				continue
			}
			if !f.filter.TestString(key) {
				continue
			}
			if _, ok := f.data[key]; ok {
				best = f
			}
		}
	}
	var value string
	found := best != nil
	if found {
		value = best.data[key]
	}
	e.mu.Unlock()

	if found && e.cache != nil {
		e.cache.Set(key, value, int64(len(value)))
	}
	return value, found
}

// RangeScan counts the distinct keys in [lower, upper).
func (e *MemEngine) RangeScan(lower, upper string) int {
	e.mu.Lock()
	defer e.mu.Unlock()

	seen := make(map[string]bool)
	for _, k := range e.mem.keys() {
		if k >= lower && k < upper {
			seen[k] = true
		}
	}
	for _, lvl := range e.levels {
		for _, f := range lvl {
			for k := range f.data {
				if k >= lower && k < upper {
					seen[k] = true
				}
			}
		}
	}
	return len(seen)
}

// SetCompactionFailScript injects per-call statuses for the next
// CompactFiles invocations. Test hook.
func (e *MemEngine) SetCompactionFailScript(script []Status) {
	e.mu.Lock()
	e.failScript = append([]Status(nil), script...)
	e.mu.Unlock()
}

// FailNextWrites makes the next n Write calls fail. Test hook.
func (e *MemEngine) FailNextWrites(n int) {
	e.mu.Lock()
	e.failWrites = n
	e.mu.Unlock()
}

// LevelEntryCounts returns the number of entries stored per level.
func (e *MemEngine) LevelEntryCounts() []int {
	e.mu.Lock()
	defer e.mu.Unlock()

	counts := make([]int, len(e.levels))
	for i, lvl := range e.levels {
		for _, f := range lvl {
			counts[i] += len(f.data)
		}
	}
	return counts
}

// FileSizes returns the sizes of every file on the given level.
func (e *MemEngine) FileSizes(level int) []uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()

	if level < 0 || level >= len(e.levels) {
		return nil
	}
	sizes := make([]uint64, len(e.levels[level]))
	for i, f := range e.levels[level] {
		sizes[i] = f.size
	}
	return sizes
}
