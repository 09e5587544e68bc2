package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/olekukonko/tablewriter"
	"github.com/urfave/cli/v2"

	"github.com/benbjohnson/rop"
)

var (
	filterFlag = &cli.StringFlag{
		Name:  "filter",
		Usage: "only list gadgets whose assembly contains this text",
	}
	dumpFlag = &cli.BoolFlag{
		Name:  "dump",
		Usage: "print the dependencies of every gadget",
	}

	gadgetsCommand = &cli.Command{
		Action:    listGadgets,
		Name:      "gadgets",
		Usage:     "List the gadgets of a binary",
		ArgsUsage: "<file>",
		Flags:     append([]cli.Flag{filterFlag, dumpFlag}, loadFlags...),
		Description: `
The gadgets command scans the executable segments of a binary for
instruction sequences ending in a return, an indirect jump or call, or a
system call, and prints every gadget that could be analyzed.`,
	}
)

func listGadgets(ctx *cli.Context) error {
	config, err := loadConfig(ctx)
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

	filter := strings.ToLower(ctx.String(filterFlag.Name))
	var gadgets []*rop.Gadget
	for _, g := range db.Gadgets() {
		if filter == "" || strings.Contains(g.Asm, filter) {
			gadgets = append(gadgets, g)
		}
	}

	if ctx.Bool(dumpFlag.Name) {
		for _, g := range gadgets {
			fmt.Fprintln(os.Stdout, g.Dump(arch))
		}
		return nil
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"Address", "Instructions", "Stack", "Return", "Occurrences"})
	table.SetAutoWrapText(false)
	for _, g := range gadgets {
		delta := "?"
		if g.HasStackDelta {
			delta = fmt.Sprint(g.StackDelta)
		}
		table.Append([]string{
			fmt.Sprintf("0x%0*x", int(arch.WordBytes()*2), g.Addr()),
			g.Asm,
			delta,
			g.RetKind.String(),
			fmt.Sprint(len(g.Addrs)),
		})
	}
	table.SetFooter([]string{"", "", "", "Total", fmt.Sprint(len(gadgets))})
	table.Render()
	return nil
}
