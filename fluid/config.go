package fluid

import (
	"encoding/json"
	"fmt"
	"math"
	"os"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// ConfigFileName is the tuning document persisted at the DB path.
const ConfigFileName = "fluid_config.json"

// BulkLoadMode selects how a fresh tree is populated.
// Serialized as an integer: ENTRIES=0, LEVELS=1.
type BulkLoadMode int

const (
	BulkLoadEntries BulkLoadMode = iota // load to a target entry count
	BulkLoadLevels                      // load to a target number of filled levels
)

// String returns the string representation of BulkLoadMode
func (m BulkLoadMode) String() string {
	switch m {
	case BulkLoadEntries:
		return "entries"
	case BulkLoadLevels:
		return "levels"
	default:
		return fmt.Sprintf("unknown(%d)", int(m))
	}
}

// ParseBulkLoadMode parses a string into BulkLoadMode
func ParseBulkLoadMode(s string) (BulkLoadMode, error) {
	switch s {
	case "entries":
		return BulkLoadEntries, nil
	case "levels":
		return BulkLoadLevels, nil
	default:
		return BulkLoadEntries, fmt.Errorf("invalid bulk load mode: %s (must be 'entries' or 'levels')", s)
	}
}

// FileSizePolicy selects how compaction output file sizes are derived.
// Serialized as an integer: INCREASING=0, FIXED=1, BUFFER=2.
type FileSizePolicy int

const (
	FileSizeIncreasing FileSizePolicy = iota // file size grows with the level capacity
	FileSizeFixed                            // every file capped at FixedFileSize
	FileSizeBuffer                           // every file sized to the write buffer
)

// String returns the string representation of FileSizePolicy
func (p FileSizePolicy) String() string {
	switch p {
	case FileSizeIncreasing:
		return "increasing"
	case FileSizeFixed:
		return "fixed"
	case FileSizeBuffer:
		return "buffer"
	default:
		return fmt.Sprintf("unknown(%d)", int(p))
	}
}

// ParseFileSizePolicy parses a string into FileSizePolicy
func ParseFileSizePolicy(s string) (FileSizePolicy, error) {
	switch s {
	case "increasing":
		return FileSizeIncreasing, nil
	case "fixed":
		return FileSizeFixed, nil
	case "buffer":
		return FileSizeBuffer, nil
	default:
		return FileSizeIncreasing, fmt.Errorf("invalid file size policy: %s (must be 'increasing', 'fixed' or 'buffer')", s)
	}
}

// FluidOptions holds the Fluid LSM tuning parameters. Immutable after
// construction except for NumEntries and Levels, which grow as the tree
// is loaded and written to.
type FluidOptions struct {
	SizeRatio          int            `json:"size_ratio"`            // T
	LowerLevelRunMax   int            `json:"lower_level_run_max"`   // K
	LargestLevelRunMax int            `json:"largest_level_run_max"` // Z
	BufferSize         uint64         `json:"buffer_size"`           // B, bytes
	EntrySize          uint64         `json:"entry_size"`            // E, bytes
	BitsPerElement     float64        `json:"bits_per_element"`      // h, bloom bits per entry
	BulkLoadOpt        BulkLoadMode   `json:"bulk_load_opt"`
	NumEntries         uint64         `json:"num_entries"`
	Levels             uint64         `json:"levels"`
	FixedFileSize      uint64         `json:"fixed_file_size"`
	FileSizePolicyOpt  FileSizePolicy `json:"file_size_policy_opt"`
}

// DefaultOptions returns the default Fluid tuning.
func DefaultOptions() FluidOptions {
	return FluidOptions{
		SizeRatio:          2,
		LowerLevelRunMax:   1,
		LargestLevelRunMax: 1,
		BufferSize:         1 << 20, // 1 MiB
		EntrySize:          8 << 10, // 8 KiB
		BitsPerElement:     5.0,
		BulkLoadOpt:        BulkLoadEntries,
		FixedFileSize:      math.MaxUint64,
		FileSizePolicyOpt:  FileSizeIncreasing,
	}
}

// LoadOptions reads the tuning document at path, falling back to defaults
// with a warning when the file is absent or unreadable.
func LoadOptions(path string, lg *zap.Logger) FluidOptions {
	if lg == nil {
		lg = zap.NewNop()
	}
	opt := DefaultOptions()
	if err := opt.ReadConfig(path); err != nil {
		lg.Warn("unable to read fluid config, using defaults",
			zap.String("path", path), zap.Error(err))
		return DefaultOptions()
	}
	return opt
}

// ReadConfig loads the options from a persisted JSON document.
func (o *FluidOptions) ReadConfig(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return errors.Wrapf(ErrConfigMissing, "%s: %v", path, err)
	}
	if err := json.Unmarshal(data, o); err != nil {
		return errors.Wrapf(ErrConfigMissing, "%s: %v", path, err)
	}
	return nil
}

// WriteConfig persists the options as pretty-printed JSON.
func (o *FluidOptions) WriteConfig(path string) error {
	data, err := json.MarshalIndent(o, "", "    ")
	if err != nil {
		return errors.Wrap(err, "marshal fluid config")
	}
	data = append(data, '\n')
	if err := os.WriteFile(path, data, 0644); err != nil {
		return errors.Wrapf(err, "write fluid config %s", path)
	}
	return nil
}

// Validate checks if tuning values are reasonable
func (o *FluidOptions) Validate() error {
	if o.SizeRatio < 2 {
		return errors.New("size_ratio must be >= 2")
	}
	if o.LowerLevelRunMax < 1 {
		return errors.New("lower_level_run_max must be >= 1")
	}
	if o.LargestLevelRunMax < 1 {
		return errors.New("largest_level_run_max must be >= 1")
	}
	if o.BufferSize == 0 {
		return errors.New("buffer_size must be > 0")
	}
	if o.EntrySize < 32 {
		return errors.New("entry_size must be >= 32")
	}
	if o.BitsPerElement <= 0 {
		return errors.New("bits_per_element must be > 0")
	}
	if o.FileSizePolicyOpt == FileSizeFixed && o.FixedFileSize == 0 {
		return errors.New("fixed_file_size must be > 0 under the fixed policy")
	}
	return nil
}

// EstimateLevels estimates the number of levels needed to hold N entries
// of size E with buffer B and size ratio T. A tree whose data fits in the
// buffer needs a single level.
func EstimateLevels(n uint64, t float64, e, b uint64) uint64 {
	if n*e < b {
		return 1
	}
	ratio := math.Log(float64(n*e)/float64(b)+1) / math.Log(t)
	// The ratio is exactly integral for a full tree; keep log rounding noise
	// from pushing the ceiling one level up.
	return uint64(math.Ceil(ratio - 1e-9))
}

// CalculateFullTree returns the number of entries in a completely full
// tree of L levels with the given tuning.
func CalculateFullTree(t float64, e, b uint64, l uint64) uint64 {
	entriesInBuffer := b / e
	var full uint64
	for level := uint64(1); level <= l; level++ {
		full += uint64(float64(entriesInBuffer) * (t - 1) * math.Pow(t, float64(level-1)))
	}
	return full
}
