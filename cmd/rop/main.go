package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"

	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
)

var (
	configFlag = &cli.StringFlag{
		Name:    "config",
		Aliases: []string{"c"},
		Usage:   "YAML file holding search defaults",
	}
	verboseFlag = &cli.BoolFlag{
		Name:    "verbose",
		Aliases: []string{"v"},
		Usage:   "enable debug logging",
	}
)

func main() {
	app := &cli.App{
		Name:  "rop",
		Usage: "find gadgets and compose return-oriented chains",
		Flags: []cli.Flag{configFlag, verboseFlag},
		Before: func(ctx *cli.Context) error {
			logrus.SetFormatter(&logrus.TextFormatter{DisableTimestamp: true})
			logrus.SetLevel(logrus.WarnLevel)
			if ctx.Bool(verboseFlag.Name) {
				logrus.SetLevel(logrus.DebugLevel)
			}
			return nil
		},
		Commands: []*cli.Command{
			gadgetsCommand,
			chainCommand,
		},
	}

	// The first interrupt stops analysis. Later ones exit as usual.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	go func() {
		<-ctx.Done()
		stop()
	}()

	if err := app.RunContext(ctx, os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
