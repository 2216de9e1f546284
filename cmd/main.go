package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v2"
)

func main() {
	app := &cli.App{
		Name:  "nandkit",
		Usage: "Read, program, clone and back up raw NAND flash chips",
		Flags: globalFlags,
		Commands: []*cli.Command{
			infoCommand,
			scanCommand,
			dumpCommand,
			programCommand,
			eraseCommand,
			cloneCommand,
			backupCommand,
			restoreCommand,
			backupsCommand,
			pruneCommand,
			wearCommand,
			bbtCommand,
			serveCommand,
			unpackCommand,
		},
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := app.RunContext(ctx, os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "fatal error: %s\n", err)
		os.Exit(1)
	}
}
