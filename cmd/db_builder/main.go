package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"github.com/dustin/go-humanize"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/miretskiy/fluidstone/fluid"
)

func main() {
	dbPath := flag.String("db-path", "./db", "Path for the tuning config and key log")
	numEntries := flag.Uint64("N", 1_000_000, "Target number of entries (entries mode)")
	numLevels := flag.Uint64("L", 0, "Target number of filled levels (levels mode, takes precedence when > 0)")
	sizeRatio := flag.Int("T", 2, "Size ratio between levels")
	lowerRunMax := flag.Int("K", 1, "Max sorted runs per non-terminal level")
	largestRunMax := flag.Int("Z", 1, "Max sorted runs on the terminal level")
	bufferSize := flag.Uint64("B", 1<<20, "Buffer size in bytes")
	entrySize := flag.Uint64("E", 8<<10, "Entry size in bytes")
	bitsPerElement := flag.Float64("bits", 5.0, "Bloom filter bits per element")
	policy := flag.String("policy", "increasing", "File size policy: increasing, fixed or buffer")
	fixedFileSize := flag.Uint64("fixed-file-size", 0, "File size cap under the fixed policy")
	keyFile := flag.String("key-file", "", "Optional binary key file (little-endian int32 stream)")
	seed := flag.Int64("seed", 0, "Key source seed")
	earlyStop := flag.Bool("early-stop", false, "Stop filling once the entry target is reached")
	verbose := flag.Bool("verbose", false, "Enable debug logging")
	flag.Parse()

	lg := newLogger(*verbose)
	defer lg.Sync()
	lg.Info("welcome to db_builder", zap.String("db_path", *dbPath))

	opt := fluid.DefaultOptions()
	opt.SizeRatio = *sizeRatio
	opt.LowerLevelRunMax = *lowerRunMax
	opt.LargestLevelRunMax = *largestRunMax
	opt.BufferSize = *bufferSize
	opt.EntrySize = *entrySize
	opt.BitsPerElement = *bitsPerElement

	policyOpt, err := fluid.ParseFileSizePolicy(*policy)
	if err != nil {
		fatal(lg, err)
	}
	opt.FileSizePolicyOpt = policyOpt
	if policyOpt == fluid.FileSizeFixed {
		opt.FixedFileSize = *fixedFileSize
	}

	if *numLevels > 0 {
		opt.BulkLoadOpt = fluid.BulkLoadLevels
		opt.Levels = *numLevels
		opt.NumEntries = fluid.CalculateFullTree(float64(opt.SizeRatio), opt.EntrySize, opt.BufferSize, *numLevels)
	} else {
		opt.BulkLoadOpt = fluid.BulkLoadEntries
		opt.NumEntries = *numEntries
		opt.Levels = fluid.EstimateLevels(*numEntries, float64(opt.SizeRatio), opt.EntrySize, opt.BufferSize)
	}
	if err := opt.Validate(); err != nil {
		fatal(lg, err)
	}

	var src fluid.KeySource
	if *keyFile != "" {
		fileSrc, err := fluid.NewKeyFileSource(*keyFile, 0, int(2*opt.NumEntries), *seed, fluid.KeyDistUniform)
		if err != nil {
			fatal(lg, err)
		}
		src = fileSrc
	} else {
		src = fluid.NewRandomKeySource()
	}

	engineOpt := fluid.DefaultMemEngineOptions()
	engineOpt.WriteBufferSize = opt.BufferSize
	engineOpt.BitsPerElement = opt.BitsPerElement
	engineOpt.AutoFlush = false // the loader flushes explicitly
	engineOpt.NumLevels = int(opt.Levels) + 3
	engine, err := fluid.NewMemEngine(engineOpt, lg)
	if err != nil {
		fatal(lg, err)
	}

	loader := fluid.NewBulkLoader(engine, opt, src, lg, nil)
	loader.StopAfterLevelFilled = *earlyStop
	engine.SubscribeFlush(loader)

	if opt.BulkLoadOpt == fluid.BulkLoadLevels {
		err = loader.BulkLoadLevels(opt.Levels)
	} else {
		err = loader.BulkLoadEntries(opt.NumEntries)
	}
	if err != nil {
		fatal(lg, err)
	}

	lg.Info("bulk load complete",
		zap.Int("keys", len(loader.Keys())),
		zap.String("data", humanize.IBytes(uint64(len(loader.Keys()))*opt.EntrySize)))
	logLevels(lg, engine)

	if err := os.MkdirAll(*dbPath, 0755); err != nil {
		fatal(lg, err)
	}
	if err := os.Remove(filepath.Join(*dbPath, fluid.ExistingKeysFileName)); err != nil && !os.IsNotExist(err) {
		fatal(lg, err)
	}
	if err := fluid.AppendExistingKeys(*dbPath, loader.Keys()); err != nil {
		fatal(lg, err)
	}
	if err := opt.WriteConfig(filepath.Join(*dbPath, fluid.ConfigFileName)); err != nil {
		fatal(lg, err)
	}
	lg.Info("wrote tuning config", zap.String("path", filepath.Join(*dbPath, fluid.ConfigFileName)))
}

func logLevels(lg *zap.Logger, engine *fluid.MemEngine) {
	snap := fluid.TakeSnapshot(engine)
	for idx, level := range snap.Levels {
		if len(level.Files) == 0 {
			continue
		}
		var size uint64
		for _, f := range level.Files {
			size += f.Size
		}
		lg.Debug("level state",
			zap.Int("level", idx),
			zap.Int("files", len(level.Files)),
			zap.String("size", humanize.IBytes(size)))
	}
}

func newLogger(verbose bool) *zap.Logger {
	cfg := zap.NewDevelopmentConfig()
	if !verbose {
		cfg.Level = zap.NewAtomicLevelAt(zapcore.InfoLevel)
	}
	lg, err := cfg.Build()
	if err != nil {
		fmt.Fprintf(os.Stderr, "cannot build logger: %v\n", err)
		os.Exit(1)
	}
	return lg
}

func fatal(lg *zap.Logger, err error) {
	lg.Error("db_builder failed", zap.Error(err))
	lg.Sync()
	os.Exit(1)
}
