package fluid

import (
	"bufio"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/pkg/errors"
	"github.com/zhangyunhao116/fastrand"
	"go.uber.org/zap"
	"gopkg.in/yaml.v2"
)

// ExistingKeysFileName is the text log of every key known to be present,
// one decimal key per line, kept at the DB path.
const ExistingKeysFileName = "existing_keys.data"

// QueryEngine extends the controller's engine contract with the read
// operations the workload runner measures.
type QueryEngine interface {
	Engine
	Get(key string) (string, bool)
	RangeScan(lower, upper string) int
}

// WorkloadSpec describes one timed benchmark run.
type WorkloadSpec struct {
	EmptyReads    int    `yaml:"empty_reads"`
	NonEmptyReads int    `yaml:"non_empty_reads"`
	RangeReads    int    `yaml:"range_reads"`
	KeyHop        int    `yaml:"key_hop"`
	Writes        int    `yaml:"writes"`
	PrimeReads    int    `yaml:"prime_reads"`
	Distribution  string `yaml:"distribution"`
	Seed          int64  `yaml:"seed"`
}

// LoadWorkloadSpec reads a YAML workload description.
func LoadWorkloadSpec(path string) (WorkloadSpec, error) {
	var spec WorkloadSpec
	data, err := os.ReadFile(path)
	if err != nil {
		return spec, errors.Wrapf(err, "read workload %s", path)
	}
	if err := yaml.Unmarshal(data, &spec); err != nil {
		return spec, errors.Wrapf(err, "parse workload %s", path)
	}
	if spec.KeyHop <= 0 {
		spec.KeyHop = 10
	}
	return spec, nil
}

// PhaseResult reports one timed workload phase.
type PhaseResult struct {
	Name        string  `json:"name"`
	Ops         int     `json:"ops"`
	DurationSec float64 `json:"durationSec"`
}

// RunnerReport aggregates a full workload run.
type RunnerReport struct {
	Phases        []PhaseResult `json:"phases"`
	WriteFailures int           `json:"writeFailures"`
	NumEntries    uint64        `json:"numEntries"`
}

// Runner executes timed workloads against an engine, maintaining the
// existing-keys log across write phases.
type Runner struct {
	engine QueryEngine
	opt    *FluidOptions
	src    KeySource
	dbPath string
	lg     *zap.Logger

	existing []string
}

// NewRunner creates a runner. opt is mutated as writes grow the tree.
func NewRunner(engine QueryEngine, opt *FluidOptions, src KeySource, dbPath string, lg *zap.Logger) *Runner {
	if lg == nil {
		lg = zap.NewNop()
	}
	return &Runner{engine: engine, opt: opt, src: src, dbPath: dbPath, lg: lg}
}

// LoadExistingKeys reads and sorts the existing-keys log at dbPath.
func LoadExistingKeys(dbPath string) ([]string, error) {
	f, err := os.Open(filepath.Join(dbPath, ExistingKeysFileName))
	if err != nil {
		return nil, errors.Wrap(err, "open existing keys")
	}
	defer f.Close()

	var keys []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		if line := scanner.Text(); line != "" {
			keys = append(keys, line)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrap(err, "read existing keys")
	}
	sort.Strings(keys)
	return keys, nil
}

// AppendExistingKeys appends keys to the existing-keys log at dbPath.
func AppendExistingKeys(dbPath string, keys []string) error {
	f, err := os.OpenFile(filepath.Join(dbPath, ExistingKeysFileName),
		os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return errors.Wrap(err, "open existing keys")
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	for _, k := range keys {
		if _, err := w.WriteString(k + "\n"); err != nil {
			return errors.Wrap(err, "append existing keys")
		}
	}
	return w.Flush()
}

// Run executes the workload phases in order: prime, empty reads,
// non-empty reads, range reads, writes. Newly written keys are appended
// to the existing-keys log after the write phase.
func (r *Runner) Run(spec WorkloadSpec) (RunnerReport, error) {
	var report RunnerReport

	if spec.NonEmptyReads > 0 || spec.RangeReads > 0 || spec.PrimeReads > 0 {
		keys, err := LoadExistingKeys(r.dbPath)
		if err != nil {
			return report, err
		}
		if len(keys) == 0 {
			return report, ErrEmptyDatabase
		}
		r.existing = keys
	}

	if spec.PrimeReads > 0 {
		r.lg.Info("priming database", zap.Int("reads", spec.PrimeReads))
		for i := 0; i < spec.PrimeReads; i++ {
			r.engine.Get(r.randomExistingKey())
		}
	}

	if spec.EmptyReads > 0 {
		report.Phases = append(report.Phases, r.runEmptyReads(spec.EmptyReads))
	}
	if spec.NonEmptyReads > 0 {
		report.Phases = append(report.Phases, r.runNonEmptyReads(spec.NonEmptyReads))
	}
	if spec.RangeReads > 0 {
		report.Phases = append(report.Phases, r.runRangeReads(spec.RangeReads, spec.KeyHop))
	}
	if spec.Writes > 0 {
		phase, written, failures, err := r.runWrites(spec.Writes)
		if err != nil {
			return report, err
		}
		report.Phases = append(report.Phases, phase)
		report.WriteFailures = failures
		if err := AppendExistingKeys(r.dbPath, written); err != nil {
			return report, err
		}
		r.opt.NumEntries += uint64(len(written))
	}

	report.NumEntries = r.opt.NumEntries
	return report, nil
}

func (r *Runner) randomExistingKey() string {
	return r.existing[fastrand.Uint32n(uint32(len(r.existing)))]
}

func (r *Runner) runEmptyReads(n int) PhaseResult {
	r.lg.Info("running empty reads", zap.Int("reads", n))
	start := time.Now()
	for i := 0; i < n; i++ {
		r.engine.Get(r.src.EmptyReadKey())
	}
	return PhaseResult{Name: "empty_reads", Ops: n, DurationSec: time.Since(start).Seconds()}
}

func (r *Runner) runNonEmptyReads(n int) PhaseResult {
	r.lg.Info("running non-empty reads", zap.Int("reads", n))
	start := time.Now()
	for i := 0; i < n; i++ {
		r.engine.Get(r.randomExistingKey())
	}
	return PhaseResult{Name: "non_empty_reads", Ops: n, DurationSec: time.Since(start).Seconds()}
}

func (r *Runner) runRangeReads(n, keyHop int) PhaseResult {
	r.lg.Info("running range reads", zap.Int("reads", n), zap.Int("key_hop", keyHop))
	if keyHop >= len(r.existing) {
		keyHop = len(r.existing) - 1
	}
	start := time.Now()
	for i := 0; i < n; i++ {
		idx := int(fastrand.Uint32n(uint32(len(r.existing) - keyHop)))
		r.engine.RangeScan(r.existing[idx], r.existing[idx+keyHop])
	}
	return PhaseResult{Name: "range_reads", Ops: n, DurationSec: time.Since(start).Seconds()}
}

func (r *Runner) runWrites(n int) (PhaseResult, []string, int, error) {
	r.lg.Info("running writes", zap.Int("writes", n))
	written := make([]string, 0, n)
	failures := 0
	wopts := WriteOptions{}

	start := time.Now()
	for i := 0; i < n; i++ {
		key, value := r.src.KVPair(int(r.opt.EntrySize))
		if st := r.engine.Put(key, value, wopts); !st.OK() {
			failures++
			if float64(failures) > writeFailureAbortRate*float64(n) {
				return PhaseResult{}, written, failures, ErrTooManyWriteFailures
			}
			continue
		}
		written = append(written, key)
	}
	phase := PhaseResult{Name: "writes", Ops: n, DurationSec: time.Since(start).Seconds()}
	return phase, written, failures, nil
}
