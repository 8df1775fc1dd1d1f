package fluid

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDefaultOptions(t *testing.T) {
	opt := DefaultOptions()
	require.Equal(t, 2, opt.SizeRatio)
	require.Equal(t, 1, opt.LowerLevelRunMax)
	require.Equal(t, 1, opt.LargestLevelRunMax)
	require.Equal(t, uint64(1<<20), opt.BufferSize)
	require.Equal(t, uint64(8<<10), opt.EntrySize)
	require.Equal(t, 5.0, opt.BitsPerElement)
	require.Equal(t, FileSizeIncreasing, opt.FileSizePolicyOpt)
	require.NoError(t, opt.Validate())
}

func TestConfigRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ConfigFileName)

	opt := DefaultOptions()
	opt.SizeRatio = 4
	opt.LowerLevelRunMax = 2
	opt.NumEntries = 64512
	opt.Levels = 3
	opt.FileSizePolicyOpt = FileSizeBuffer
	require.NoError(t, opt.WriteConfig(path))

	var loaded FluidOptions
	require.NoError(t, loaded.ReadConfig(path))
	require.Equal(t, opt, loaded)

	// The persisted document carries the exact key set with integer enums
	// and 4-space indentation.
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	doc := string(data)
	for _, key := range []string{
		"size_ratio", "lower_level_run_max", "largest_level_run_max",
		"buffer_size", "entry_size", "bits_per_element", "bulk_load_opt",
		"num_entries", "levels", "fixed_file_size", "file_size_policy_opt",
	} {
		require.Contains(t, doc, `"`+key+`"`)
	}
	require.Contains(t, doc, `"file_size_policy_opt": 2`)
	require.Contains(t, doc, "\n    \"size_ratio\"")
}

func TestLoadOptionsMissingFileFallsBack(t *testing.T) {
	opt := LoadOptions(filepath.Join(t.TempDir(), "nope.json"), nil)
	require.Equal(t, DefaultOptions(), opt)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*FluidOptions)
		ok     bool
	}{
		{"defaults", func(*FluidOptions) {}, true},
		{"size ratio too small", func(o *FluidOptions) { o.SizeRatio = 1 }, false},
		{"zero K", func(o *FluidOptions) { o.LowerLevelRunMax = 0 }, false},
		{"zero Z", func(o *FluidOptions) { o.LargestLevelRunMax = 0 }, false},
		{"zero buffer", func(o *FluidOptions) { o.BufferSize = 0 }, false},
		{"tiny entry", func(o *FluidOptions) { o.EntrySize = 16 }, false},
		{"fixed policy without size", func(o *FluidOptions) {
			o.FileSizePolicyOpt = FileSizeFixed
			o.FixedFileSize = 0
		}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opt := DefaultOptions()
			tt.mutate(&opt)
			err := opt.Validate()
			if tt.ok {
				require.NoError(t, err)
			} else {
				require.Error(t, err)
			}
		})
	}
}

func TestEstimateLevels(t *testing.T) {
	const kib = uint64(1 << 10)
	const mib = uint64(1 << 20)

	// Data that fits in the buffer needs one level.
	require.Equal(t, uint64(1), EstimateLevels(1024, 2, kib, mib))
	require.Equal(t, uint64(1), EstimateLevels(100, 2, kib, mib))

	// 10000 entries of 1 KiB over a 1 MiB buffer with T=2:
	// ceil(log2(10000/1024 + 1)) = 4.
	require.Equal(t, uint64(4), EstimateLevels(10000, 2, kib, mib))
}

func TestCalculateFullTree(t *testing.T) {
	const kib = uint64(1 << 10)
	const mib = uint64(1 << 20)

	// T=4, B/E=1024, L=3: 1024*(3 + 12 + 48) = 64512.
	require.Equal(t, uint64(64512), CalculateFullTree(4, kib, mib, 3))

	// T=2, L=4: 1024*(1+2+4+8) = 15360.
	require.Equal(t, uint64(15360), CalculateFullTree(2, kib, mib, 4))
}

func TestEstimateLevelsRoundTrip(t *testing.T) {
	const kib = uint64(1 << 10)
	const mib = uint64(1 << 20)

	for ratio := 2; ratio <= 5; ratio++ {
		for levels := uint64(1); levels <= 6; levels++ {
			full := CalculateFullTree(float64(ratio), kib, mib, levels)
			got := EstimateLevels(full, float64(ratio), kib, mib)
			require.Equal(t, levels, got, "T=%d L=%d full=%d", ratio, levels, full)
		}
	}
}

func TestEnumParsing(t *testing.T) {
	p, err := ParseFileSizePolicy("buffer")
	require.NoError(t, err)
	require.Equal(t, FileSizeBuffer, p)
	_, err = ParseFileSizePolicy("bogus")
	require.Error(t, err)
	require.True(t, strings.Contains(err.Error(), "bogus"))

	m, err := ParseBulkLoadMode("levels")
	require.NoError(t, err)
	require.Equal(t, BulkLoadLevels, m)
	_, err = ParseBulkLoadMode("bogus")
	require.Error(t, err)
}
