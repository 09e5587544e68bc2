package main

import (
	"context"
	"os"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"

	"github.com/benbjohnson/rop"
	"github.com/benbjohnson/rop/loader"
	"github.com/benbjohnson/rop/x86"
)

var (
	rawFlag = &cli.BoolFlag{
		Name:  "raw",
		Usage: "treat the input as raw machine code instead of an ELF image",
	}
	modeFlag = &cli.IntFlag{
		Name:  "mode",
		Usage: "processor mode for raw input (32 or 64)",
	}
	baseFlag = &cli.Uint64Flag{
		Name:  "base",
		Usage: "load address for raw input",
	}
	workersFlag = &cli.IntFlag{
		Name:  "workers",
		Usage: "number of analysis workers",
	}
)

var loadFlags = []cli.Flag{rawFlag, modeFlag, baseFlag, workersFlag}

// loadConfig reads the configuration file and applies command line overrides.
func loadConfig(ctx *cli.Context) (*Config, error) {
	config, err := ReadConfigFile(ctx.String(configFlag.Name))
	if err != nil {
		return nil, err
	}
	if ctx.IsSet(modeFlag.Name) {
		config.Mode = ctx.Int(modeFlag.Name)
	}
	if ctx.IsSet(baseFlag.Name) {
		config.Base = ctx.Uint64(baseFlag.Name)
	}
	if ctx.IsSet(workersFlag.Name) {
		config.Workers = ctx.Int(workersFlag.Name)
	}
	return config, config.Validate()
}

// openFile loads the input binary named by the first argument.
func openFile(ctx *cli.Context, config *Config) (*loader.File, error) {
	if ctx.NArg() == 0 {
		return nil, errors.New("input file required")
	}
	path := ctx.Args().First()

	if !ctx.Bool(rawFlag.Name) {
		return loader.Open(path)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	f := loader.Raw(data, config.Base, config.Mode)
	f.Path = path
	return f, nil
}

// buildDatabase scans every executable segment of f and analyzes the
// candidates into a new database.
func buildDatabase(ctx context.Context, config *Config, f *loader.File) (*rop.Database, error) {
	cands, err := x86.NewScanner(f.Mode).Scan(ctx, f.Executable())
	if err != nil {
		return nil, err
	}

	db, err := analyzeCandidates(ctx, config, x86.NewTranslator(f.Mode), cands)
	if err != nil {
		return nil, err
	}
	logrus.WithFields(logrus.Fields{
		"path":       f.Path,
		"candidates": len(cands),
		"gadgets":    db.Len(),
	}).Debug("[load] done")
	return db, nil
}

// analyzeCandidates extracts cands into a new database. An interrupted
// analysis keeps the gadgets extracted so far.
func analyzeCandidates(ctx context.Context, config *Config, tr *x86.Translator, cands []rop.Candidate) (*rop.Database, error) {
	db := rop.NewDatabase(tr.Arch())
	db.BucketCap = config.BucketCap

	a := rop.NewAnalyzer(db, tr)
	if config.Workers > 0 {
		a.Workers = config.Workers
	}
	report, err := a.Analyze(ctx, cands)
	if errors.Is(err, context.Canceled) {
		logrus.Warnf("[load] analysis stopped, continuing with partial database: %s", report)
	} else if err != nil {
		return nil, err
	}
	logrus.Debugf("[load] %s", report)
	return db, nil
}
