package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/miretskiy/fluidstone/fluid"
)

func main() {
	dbPath := flag.String("db-path", "./db", "Path holding fluid_config.json and the key log")
	workloadFile := flag.String("workload", "", "Path to YAML workload description")
	outputFile := flag.String("output", "", "Path to output JSON file (prints to stdout if not specified)")
	keyFile := flag.String("key-file", "", "Optional binary key file for the write phase")
	keyFileOffset := flag.Int("key-file-offset", 0, "First key index to use from the key file")
	verbose := flag.Bool("verbose", false, "Enable debug logging")
	flag.Parse()

	if *workloadFile == "" {
		fmt.Fprintf(os.Stderr, "Usage: %s -db-path <dir> -workload <workload.yaml> [-output <report.json>]\n", os.Args[0])
		os.Exit(1)
	}

	lg := newLogger(*verbose)
	defer lg.Sync()

	opt := fluid.LoadOptions(filepath.Join(*dbPath, fluid.ConfigFileName), lg)
	spec, err := fluid.LoadWorkloadSpec(*workloadFile)
	if err != nil {
		fatal(lg, err)
	}

	dist := fluid.KeyDistUniform
	if spec.Distribution != "" {
		if dist, err = fluid.ParseKeyDistribution(spec.Distribution); err != nil {
			fatal(lg, err)
		}
	}

	var src fluid.KeySource
	if *keyFile != "" {
		fileSrc, err := fluid.NewKeyFileSource(*keyFile, *keyFileOffset, spec.Writes+spec.EmptyReads, spec.Seed, dist)
		if err != nil {
			fatal(lg, err)
		}
		src = fileSrc
	} else {
		src = fluid.NewRandomKeySource()
	}

	engine, compactor, err := primeEngine(*dbPath, opt, lg)
	if err != nil {
		fatal(lg, err)
	}

	runner := fluid.NewRunner(engine, &opt, src, *dbPath, lg)

	start := time.Now()
	report, err := runner.Run(spec)
	if err != nil {
		fatal(lg, err)
	}
	elapsed := time.Since(start)

	// Settle any compactions the write phase triggered before reporting.
	engine.WaitBackground()
	compactor.WaitForCompactions()
	lg.Info("workload complete", zap.Duration("elapsed", elapsed))

	if err := opt.WriteConfig(filepath.Join(*dbPath, fluid.ConfigFileName)); err != nil {
		fatal(lg, err)
	}

	results := map[string]interface{}{
		"config":     opt,
		"workload":   spec,
		"realTime":   elapsed.Seconds(),
		"report":     report,
		"levelState": levelState(engine),
	}
	output, err := json.MarshalIndent(results, "", "  ")
	if err != nil {
		fatal(lg, err)
	}
	if *outputFile != "" {
		if err := os.WriteFile(*outputFile, output, 0644); err != nil {
			fatal(lg, err)
		}
		lg.Info("results written", zap.String("path", *outputFile))
	} else {
		fmt.Println(string(output))
	}
}

// primeEngine rebuilds the volatile reference engine from the persisted key
// log, then hooks up the steady-state compactor so the write phase drives
// real compactions.
func primeEngine(dbPath string, opt fluid.FluidOptions, lg *zap.Logger) (*fluid.MemEngine, *fluid.FluidCompactor, error) {
	engineOpt := fluid.DefaultMemEngineOptions()
	engineOpt.WriteBufferSize = opt.BufferSize
	engineOpt.BitsPerElement = opt.BitsPerElement
	engineOpt.NumLevels = int(opt.Levels) + 3
	engine, err := fluid.NewMemEngine(engineOpt, lg)
	if err != nil {
		return nil, nil, err
	}

	keys, err := fluid.LoadExistingKeys(dbPath)
	if err == nil && len(keys) > 0 {
		lg.Info("priming engine from key log", zap.Int("keys", len(keys)))
		value := ""
		if int(opt.EntrySize) > 10 {
			value = fmt.Sprintf("%0*d", int(opt.EntrySize)-10, 0)
		}
		batch := &fluid.WriteBatch{}
		for _, k := range keys {
			batch.Put(k, value)
			if batch.Len() >= 1000 {
				engine.Write(batch, fluid.WriteOptions{DisableWAL: true})
				batch = &fluid.WriteBatch{}
			}
		}
		engine.Write(batch, fluid.WriteOptions{DisableWAL: true})
		engine.Flush(true)
	} else if err != nil {
		lg.Warn("no key log found, starting empty", zap.Error(err))
	}

	compactor := fluid.NewFluidCompactor(engine, opt, lg, nil)
	engine.SubscribeFlush(compactor)
	return engine, compactor, nil
}

func levelState(engine *fluid.MemEngine) []map[string]interface{} {
	snap := fluid.TakeSnapshot(engine)
	out := make([]map[string]interface{}, 0, len(snap.Levels))
	for idx, level := range snap.Levels {
		var size uint64
		for _, f := range level.Files {
			size += f.Size
		}
		out = append(out, map[string]interface{}{
			"level":     idx,
			"fileCount": len(level.Files),
			"sizeBytes": size,
		})
	}
	return out
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
	lg.Error("db_runner failed", zap.Error(err))
	lg.Sync()
	os.Exit(1)
}
