package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/fatih/color"
	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"

	"github.com/benbjohnson/rop"
	"github.com/benbjohnson/rop/z3"
)

var (
	badBytesFlag = &cli.StringSliceFlag{
		Name:    "bad-bytes",
		Aliases: []string{"b"},
		Usage:   "hex bytes that must not appear in the chain, e.g. 00,0a",
	}
	keepFlag = &cli.StringSliceFlag{
		Name:    "keep",
		Aliases: []string{"k"},
		Usage:   "registers the chain must not modify",
	}
	budgetFlag = &cli.IntFlag{
		Name:  "budget",
		Usage: "maximum chain length in words",
	}
	maxDepthFlag = &cli.IntFlag{
		Name:  "max-depth",
		Usage: "maximum search recursion depth",
	}
	formatFlag = &cli.StringFlag{
		Name:    "format",
		Aliases: []string{"f"},
		Usage:   "output format: console, python or raw",
	}
	countFlag = &cli.IntFlag{
		Name:  "n",
		Usage: "number of chains to print",
		Value: 1,
	}
	oracleFlag = &cli.BoolFlag{
		Name:  "oracle",
		Usage: "verify expression matches with the z3 solver",
	}
	optimizeFlag = &cli.BoolFlag{
		Name:  "optimize",
		Usage: "search for the shortest chain",
	}
	retOnlyFlag = &cli.BoolFlag{
		Name:  "ret-only",
		Usage: "only use gadgets ending in a plain return",
	}
	safeMemFlag = &cli.BoolFlag{
		Name:  "safe-mem",
		Usage: "reject gadgets accessing memory outside the stack",
	}

	chainCommand = &cli.Command{
		Action:    buildChain,
		Name:      "chain",
		Usage:     "Build a chain realizing a query",
		ArgsUsage: "<file> <query>",
		Flags: append([]cli.Flag{
			badBytesFlag,
			keepFlag,
			budgetFlag,
			maxDepthFlag,
			formatFlag,
			countFlag,
			oracleFlag,
			optimizeFlag,
			retOnlyFlag,
			safeMemFlag,
		}, loadFlags...),
		Description: `
The chain command analyzes a binary and searches for a chain of gadgets
that leaves the machine in the state described by the query.

Queries assign a register or a memory word:

	rop chain ./a.out 'rax = 0x3b'
	rop chain ./a.out 'rdi = rsi + 8'
	rop chain ./a.out 'mem(rdi + 8) = rax'`,
	}
)

func buildChain(ctx *cli.Context) error {
	if ctx.NArg() < 2 {
		return errors.New("usage: rop chain <file> <query>")
	}

	config, err := loadConfig(ctx)
	if err != nil {
		return err
	}
	applyChainFlags(ctx, config)
	if err := config.Validate(); err != nil {
		return err
	}

	format, err := rop.ParseFormat(config.Format)
	if err != nil {
		return err
	}

	f, err := openFile(ctx, config)
	if err != nil {
		return err
	}
	db, err := buildDatabase(ctx.Context, config, f)
	if err != nil {
		return err
	}
	arch := db.Arch()

	q, err := rop.ParseQuery(arch, strings.Join(ctx.Args().Slice()[1:], " "))
	if err != nil {
		return err
	}

	constraints, err := config.Constraints(arch, ctx.Bool(retOnlyFlag.Name), ctx.Bool(safeMemFlag.Name))
	if err != nil {
		return err
	}

	var oracle rop.Oracle
	if config.Oracle {
		o := z3.NewOracle()
		defer o.Close()
		oracle = o
	}
	prover := rop.NewProver(oracle)
	prover.Timeout = config.Timeout

	engine := rop.NewEngine(db, prover)
	engine.MaxDepth = config.MaxDepth
	engine.Hard = config.Oracle

	var chains []*rop.Chain
	var candidates []*rop.Gadget
	if ctx.Bool(optimizeFlag.Name) {
		if c := engine.OptimizeLen(q, constraints, config.Budget); c != nil {
			chains = append(chains, c)
		}
	} else {
		result := engine.Search(q, constraints, config.Budget, ctx.Int(countFlag.Name))
		chains, candidates = result.Chains, result.Candidates
	}

	if len(chains) == 0 {
		fmt.Fprintln(os.Stderr, color.RedString("no chain found for %s", q.Format(arch)))
		for _, g := range candidates {
			fmt.Fprintf(os.Stderr, "  candidate 0x%x %s\n", g.Addr(), g.Asm)
		}
		return nil
	}

	for i, c := range chains {
		text, err := c.Text(arch, format, constraints.BadBytes)
		if err != nil {
			return err
		}
		if i > 0 {
			fmt.Fprintln(os.Stdout)
		}
		fmt.Fprint(os.Stdout, text)
	}
	return nil
}

// applyChainFlags overrides config values with flags set on the command line.
func applyChainFlags(ctx *cli.Context, config *Config) {
	if ctx.IsSet(badBytesFlag.Name) {
		config.BadBytes = ctx.StringSlice(badBytesFlag.Name)
	}
	if ctx.IsSet(keepFlag.Name) {
		config.Keep = ctx.StringSlice(keepFlag.Name)
	}
	if ctx.IsSet(budgetFlag.Name) {
		config.Budget = ctx.Int(budgetFlag.Name)
	}
	if ctx.IsSet(maxDepthFlag.Name) {
		config.MaxDepth = ctx.Int(maxDepthFlag.Name)
	}
	if ctx.IsSet(formatFlag.Name) {
		config.Format = ctx.String(formatFlag.Name)
	}
	if ctx.IsSet(oracleFlag.Name) {
		config.Oracle = ctx.Bool(oracleFlag.Name)
	}
}
