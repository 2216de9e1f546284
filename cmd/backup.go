package main

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/rs/zerolog"
	"github.com/urfave/cli/v2"

	"github.com/dargueta/nandkit"
	"github.com/dargueta/nandkit/config"
	"github.com/dargueta/nandkit/tracker"
	"github.com/dargueta/nandkit/utilities/compression"
)

func openStore(cfg config.Config, log zerolog.Logger) (*tracker.Store, error) {
	algorithm, err := compression.ParseAlgorithm(cfg.Compression)
	if err != nil {
		return nil, err
	}
	return tracker.Open(cfg.BackupDir, tracker.WithCompression(algorithm), tracker.WithLogger(log))
}

// backupReader reads good blocks through ECC and reports bad blocks as erased,
// so a block going bad doesn't break the chain of backups.
func backupReader(d *device) nandkit.BlockReader {
	read := d.CorrectedReader()
	erased := bytes.Repeat([]byte{nandkit.ErasedByte}, int(d.Geometry().BlockSize()))
	return func(ctx context.Context, block nandkit.BlockID) ([]byte, error) {
		if d.Table().IsBad(block) {
			return erased, nil
		}
		return read(ctx, block)
	}
}

var backupCommand = &cli.Command{
	Name:  "backup",
	Usage: "Back up the chip, storing only blocks changed since a parent backup",
	Flags: []cli.Flag{
		&cli.StringFlag{Name: "parent", Usage: "`ID` of the backup this one builds on"},
		&cli.StringFlag{Name: "compression", Usage: "none, rle8, zstd or lz4"},
	},
	Action: func(c *cli.Context) error {
		return withDevice(c, func(cfg config.Config, d *device, log zerolog.Logger) error {
			store, err := openStore(cfg, log)
			if err != nil {
				return err
			}
			manifest, err := store.Backup(c.Context, c.String("parent"), tracker.Source{
				ChipID:   d.ID(),
				Geometry: d.Geometry(),
				Read:     backupReader(d),
			})
			if err != nil {
				return err
			}
			fmt.Printf("backup %s: %d blocks stored\n", manifest.ID, len(manifest.OwnBlocks()))
			return nil
		})
	},
}

var restoreCommand = &cli.Command{
	Name:      "restore",
	Usage:     "Write a backup back to the chip",
	ArgsUsage: "ID",
	Flags:     programmingFlags,
	Action: func(c *cli.Context) error {
		if c.NArg() != 1 {
			return cli.ShowSubcommandHelp(c)
		}
		return withDevice(c, func(cfg config.Config, d *device, log zerolog.Logger) error {
			store, err := openStore(cfg, log)
			if err != nil {
				return err
			}
			opts, err := programmerOptions(cfg)
			if err != nil {
				return err
			}
			p, err := d.Programmer(opts...)
			if err != nil {
				return err
			}

			g := d.Geometry()
			sink := func(ctx context.Context, block nandkit.BlockID, data []byte) error {
				if d.Table().IsBad(block) {
					log.Warn().Uint32("block", block).Msg("not restoring a bad block")
					return nil
				}
				pages := make([][]byte, 0, g.PagesPerBlock)
				for start := 0; start < len(data); start += int(g.PageSize) {
					pages = append(pages, data[start:start+int(g.PageSize)])
				}
				_, err := p.ProgramBlock(ctx, block, pages)
				return err
			}
			if err := store.Restore(c.Context, c.Args().First(), sink); err != nil {
				return err
			}
			fmt.Printf("restored %s\n", c.Args().First())
			return nil
		})
	},
}

var backupsCommand = &cli.Command{
	Name:  "backups",
	Usage: "List backups",
	Action: func(c *cli.Context) error {
		cfg, log, err := setup(c)
		if err != nil {
			return err
		}
		store, err := openStore(cfg, log)
		if err != nil {
			return err
		}
		manifests, err := store.List()
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tPARENT\tCREATED\tCHIP\tBLOCKS\tCOMPRESSION")
		for _, m := range manifests {
			parent := m.ParentID
			if parent == "" {
				parent = "-"
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\n",
				m.ID, parent, m.CreatedAt.Format("2006-01-02 15:04:05"), m.ChipID, len(m.OwnBlocks()), m.Compression)
		}
		return w.Flush()
	},
}

var pruneCommand = &cli.Command{
	Name:      "prune",
	Usage:     "Delete a backup and every backup built on it",
	ArgsUsage: "ID",
	Action: func(c *cli.Context) error {
		if c.NArg() != 1 {
			return cli.ShowSubcommandHelp(c)
		}
		cfg, log, err := setup(c)
		if err != nil {
			return err
		}
		store, err := openStore(cfg, log)
		if err != nil {
			return err
		}
		removed, err := store.Prune(c.Args().First())
		if err != nil {
			return err
		}
		for _, id := range removed {
			fmt.Printf("removed %s\n", id)
		}
		return nil
	},
}
