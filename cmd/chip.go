package main

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/rs/zerolog"
	"github.com/urfave/cli/v2"

	"github.com/dargueta/nandkit"
	"github.com/dargueta/nandkit/bbt"
	"github.com/dargueta/nandkit/config"
	"github.com/dargueta/nandkit/ecc"
	"github.com/dargueta/nandkit/errors"
	"github.com/dargueta/nandkit/geometry"
	"github.com/dargueta/nandkit/imagecache"
	"github.com/dargueta/nandkit/job"
	"github.com/dargueta/nandkit/programmer"
	"github.com/dargueta/nandkit/protocol"
	"github.com/dargueta/nandkit/utilities/compression"
)

var programmingFlags = []cli.Flag{
	&cli.StringFlag{Name: "ecc", Usage: "ECC scheme: hamming or bchN"},
	&cli.BoolFlag{Name: "verify", Usage: "read back and check every page"},
	&cli.BoolFlag{Name: "skip-blank", Usage: "don't program pages that are all 0xFF"},
}

// withDevice opens the configured chip, runs `action` and saves the chip's
// tables no matter how the action ended.
func withDevice(
	c *cli.Context,
	action func(cfg config.Config, d *device, log zerolog.Logger) error,
) (err error) {
	cfg, log, err := setup(c)
	if err != nil {
		return err
	}
	d, err := openDevice(c.Context, cfg, primaryTarget(cfg), log)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := d.Close(); err == nil {
			err = closeErr
		}
	}()
	return action(cfg, d, log)
}

func programmerOptions(cfg config.Config) ([]programmer.Option, error) {
	scheme, err := ecc.ParseScheme(cfg.Scheme)
	if err != nil {
		return nil, err
	}
	return []programmer.Option{
		programmer.Scheme(scheme),
		programmer.Verify(cfg.Verify),
		programmer.SkipBlankPages(cfg.SkipBlankPages),
	}, nil
}

func reportResult(what string, result job.Result) error {
	switch result.Status {
	case job.Completed:
		fmt.Printf("%s: done\n", what)
	case job.CompletedWithSkippedBlocks:
		fmt.Printf("%s: done, skipped %d blocks: %v\n", what, len(result.Skipped), result.Skipped)
	default:
		return fmt.Errorf("%s failed: %w", what, result.Err)
	}
	return nil
}

////////////////////////////////////////////////////////////////////////////////

var infoCommand = &cli.Command{
	Name:  "info",
	Usage: "Identify the chip and summarize its health",
	Action: func(c *cli.Context) error {
		return withDevice(c, func(cfg config.Config, d *device, log zerolog.Logger) error {
			id := d.ID()
			chip := d.Chip()
			stats := d.Ledger().Stats()

			fmt.Printf("ID:           %X\n", id)
			if len(id) > 0 {
				fmt.Printf("Manufacturer: %s\n", geometry.Manufacturer(id[0]))
			}
			fmt.Printf("Chip:         %s (%s)\n", chip, chip.Slug)
			fmt.Printf("Geometry:     %s\n", d.Geometry())
			fmt.Printf("Capacity:     %d bytes\n", d.Geometry().Capacity())
			fmt.Printf("Bad blocks:   %d\n", d.Table().Count())
			fmt.Printf("Erases:       min %d, max %d, average %.1f\n",
				stats.MinEraseCount, stats.MaxEraseCount, stats.AverageEraseCount)
			fmt.Printf("Life left:    %.1f%% of %d cycles\n", stats.RemainingLifePercent, stats.Endurance)

			if d.client != nil {
				status, err := d.client.Status(c.Context)
				if err != nil {
					return err
				}
				fmt.Printf("Device:       busy=%t bad blocks=%d\n", status.Busy, status.BadBlocks)
			}
			return nil
		})
	},
}

var scanCommand = &cli.Command{
	Name:  "scan",
	Usage: "Rebuild the bad block table from the chip's factory markers",
	Flags: []cli.Flag{
		&cli.BoolFlag{Name: "fresh", Usage: "forget blocks marked bad at runtime"},
	},
	Action: func(c *cli.Context) error {
		return withDevice(c, func(cfg config.Config, d *device, log zerolog.Logger) error {
			into := d.Table()
			if c.Bool("fresh") {
				into = bbt.New(d.Geometry().TotalBlocks)
			}
			scanner := bbt.NewScanner(d.Geometry(), d.Transport().ReadPage, into)
			result := runJob(c, "scan", scanner)
			if result.Status == job.Failed {
				return reportResult("scan", result)
			}
			if c.Bool("fresh") {
				if err := d.Adopt(into, nil); err != nil {
					return err
				}
			}
			fmt.Printf("%d bad blocks\n", into.Count())
			return nil
		})
	},
}

var dumpCommand = &cli.Command{
	Name:      "dump",
	Usage:     "Read the whole chip, through ECC, into a file",
	ArgsUsage: "OUTPUT",
	Flags: []cli.Flag{
		&cli.StringFlag{Name: "compression", Usage: "none, rle8, zstd or lz4"},
	},
	Action: func(c *cli.Context) error {
		if c.NArg() != 1 {
			return cli.ShowSubcommandHelp(c)
		}
		return withDevice(c, func(cfg config.Config, d *device, log zerolog.Logger) error {
			algorithm, err := compression.ParseAlgorithm(cfg.Compression)
			if err != nil {
				return err
			}
			image, err := dumpChip(c, d, log)
			if err != nil {
				return err
			}
			packed, err := compression.Compress(algorithm, image)
			if err != nil {
				return err
			}
			if err := os.WriteFile(c.Args().First(), packed, 0o644); err != nil {
				return err
			}
			fmt.Printf("wrote %d bytes (%d uncompressed)\n", len(packed), len(image))
			return nil
		})
	},
}

// dumpChip reads every block with a progress bar. See [dumpBlocks].
func dumpChip(c *cli.Context, d *device, log zerolog.Logger) ([]byte, error) {
	g := d.Geometry()
	bar := newProgressBar(c, "dump", g.TotalBlocks)
	image, marked, err := dumpBlocks(
		c.Context,
		g,
		d.Table(),
		d.CorrectedReader(),
		log,
		func(done uint32) { bar.update(g.TotalBlocks, done) },
	)
	bar.finish(err == nil)
	if len(marked) > 0 {
		fmt.Printf("marked %d uncorrectable blocks bad: %v\n", len(marked), marked)
	}
	return image, err
}

// dumpBlocks reads every block. Bad blocks come out erased. A block that can't
// be corrected is marked bad in `table` and also comes out erased; those blocks
// are returned in the order they were found.
func dumpBlocks(
	ctx context.Context,
	g nandkit.Geometry,
	table *bbt.Table,
	read nandkit.BlockReader,
	log zerolog.Logger,
	onBlock func(done uint32),
) ([]byte, []nandkit.BlockID, error) {
	image := make([]byte, 0, g.Capacity())
	erased := bytes.Repeat([]byte{nandkit.ErasedByte}, int(g.BlockSize()))
	var marked []nandkit.BlockID

	for block := nandkit.BlockID(0); block < g.TotalBlocks; block++ {
		if err := ctx.Err(); err != nil {
			return nil, marked, err
		}
		if table.IsBad(block) {
			image = append(image, erased...)
			onBlock(block + 1)
			continue
		}

		data, err := read(ctx, block)
		switch {
		case err == nil:
			image = append(image, data...)
		case errors.Is(err, errors.ErrUncorrectable):
			if _, markErr := table.Mark(block, bbt.UncorrectableEcc); markErr != nil {
				return nil, marked, markErr
			}
			log.Warn().Uint32("block", block).Err(err).Msg("uncorrectable block marked bad")
			marked = append(marked, block)
			image = append(image, erased...)
		default:
			return nil, marked, err
		}
		onBlock(block + 1)
	}
	return image, marked, nil
}

var programCommand = &cli.Command{
	Name:      "program",
	Usage:     "Write an image to the whole chip, skipping bad blocks",
	ArgsUsage: "IMAGE",
	Flags: append([]cli.Flag{
		&cli.StringFlag{Name: "compression", Usage: "how IMAGE is compressed: none, rle8, zstd or lz4"},
		&cli.BoolFlag{Name: "on-device", Usage: "upload the image and let the executor program it"},
	}, programmingFlags...),
	Action: func(c *cli.Context) error {
		if c.NArg() != 1 {
			return cli.ShowSubcommandHelp(c)
		}
		return withDevice(c, func(cfg config.Config, d *device, log zerolog.Logger) error {
			image, err := loadImage(c.Args().First(), c.String("compression"), d.Geometry())
			if err != nil {
				return err
			}
			if c.Bool("on-device") {
				return programOnDevice(c, cfg, d, image)
			}

			opts, err := programmerOptions(cfg)
			if err != nil {
				return err
			}
			p, err := d.Programmer(opts...)
			if err != nil {
				return err
			}
			return reportResult("program", runJob(c, "program", p.FullChipProgram(image.BlockReader())))
		})
	},
}

// loadImage reads an image file, decompressing it if asked to, and checks
// that it fits the chip. A short image is padded with erased blocks.
func loadImage(path, algorithmName string, g nandkit.Geometry) (*imagecache.Cache, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if algorithmName != "" {
		algorithm, err := compression.ParseAlgorithm(algorithmName)
		if err != nil {
			return nil, err
		}
		if raw, err = compression.Decompress(algorithm, raw); err != nil {
			return nil, err
		}
	}
	if uint64(len(raw)) > g.Capacity() {
		return nil, errors.Errorf(
			errors.ENOSPC, "image is %d bytes, the chip holds %d", len(raw), g.Capacity())
	}

	image := imagecache.NewErased(g.BlockSize(), g.TotalBlocks)
	if _, err := image.WriteAt(raw, 0); err != nil {
		return nil, err
	}
	return image, nil
}

func imageReader(image *imagecache.Cache) io.Reader {
	return io.NewSectionReader(image, 0, image.Size())
}

// programOnDevice hands the host's tables to the executor, uploads the image,
// runs the program job there and takes the updated tables back.
func programOnDevice(c *cli.Context, cfg config.Config, d *device, image *imagecache.Cache) error {
	if d.client == nil {
		return errors.ErrNotSupported.WithMessage("--on-device needs --device")
	}
	scheme, err := ecc.ParseScheme(cfg.Scheme)
	if err != nil {
		return err
	}

	ctx := c.Context
	if err := d.client.WriteBBT(ctx, d.Table()); err != nil {
		return err
	}
	if err := d.client.WriteWear(ctx, d.Ledger()); err != nil {
		return err
	}
	if _, err := d.client.StageImage(ctx, imageReader(image)); err != nil {
		return err
	}
	id, err := d.client.StartProgram(ctx, protocol.ProgramRequest{
		Verify:         cfg.Verify,
		SkipBlankPages: cfg.SkipBlankPages,
		Scheme:         scheme,
	})
	if err != nil {
		return err
	}

	final, jobErr := waitRemoteJob(c, d.client, "program", protocol.ProgramJob, id)
	if err := pullTables(context.WithoutCancel(ctx), d); err != nil {
		return err
	}
	if jobErr != nil {
		return fmt.Errorf("program failed: %w", jobErr)
	}
	return reportResult("program", job.Result{Status: final.Status, Skipped: final.Skipped})
}

func pullTables(ctx context.Context, d *device) error {
	table, err := d.client.ReadBBT(ctx)
	if err != nil {
		return err
	}
	ledger, err := d.client.ReadWear(ctx, table)
	if err != nil {
		return err
	}
	return d.Adopt(table, ledger)
}

var eraseCommand = &cli.Command{
	Name:      "erase",
	Usage:     "Erase and verify blocks; every good block if none are given",
	ArgsUsage: "[BLOCK...]",
	Action: func(c *cli.Context) error {
		return withDevice(c, func(cfg config.Config, d *device, log zerolog.Logger) error {
			blocks, err := parseBlocks(c.Args().Slice(), d.Geometry())
			if err != nil {
				return err
			}
			if len(blocks) == 0 {
				table := d.Table()
				for block := nandkit.BlockID(0); block < d.Geometry().TotalBlocks; block++ {
					if !table.IsBad(block) {
						blocks = append(blocks, block)
					}
				}
			}

			p, err := d.Programmer()
			if err != nil {
				return err
			}
			bar := newProgressBar(c, "erase", uint32(len(blocks)))
			var failed []nandkit.BlockID
			for i, block := range blocks {
				if err := c.Context.Err(); err != nil {
					bar.finish(false)
					return err
				}
				_, err := p.EraseWithVerify(c.Context, block)
				switch {
				case err == nil:
				case errors.IsRecoverable(err):
					log.Warn().Uint32("block", block).Err(err).Msg("block went bad")
					failed = append(failed, block)
				default:
					bar.finish(false)
					return err
				}
				bar.update(uint32(len(blocks)), uint32(i+1))
			}
			bar.finish(true)
			fmt.Printf("erased %d blocks, %d failed: %v\n", len(blocks)-len(failed), len(failed), failed)
			return nil
		})
	},
}

func parseBlocks(args []string, g nandkit.Geometry) ([]nandkit.BlockID, error) {
	blocks := make([]nandkit.BlockID, 0, len(args))
	for _, arg := range args {
		value, err := strconv.ParseUint(arg, 0, 32)
		if err != nil {
			return nil, errors.ErrInvalidArgument.WithMessage(fmt.Sprintf("%q is not a block number", arg))
		}
		if err := g.CheckBlock(nandkit.BlockID(value)); err != nil {
			return nil, err
		}
		blocks = append(blocks, nandkit.BlockID(value))
	}
	return blocks, nil
}

var wearCommand = &cli.Command{
	Name:  "wear",
	Usage: "Show erase statistics",
	Flags: []cli.Flag{
		&cli.IntFlag{Name: "top", Value: 5, Usage: "how many of the hottest and coldest blocks to list"},
	},
	Action: func(c *cli.Context) error {
		if c.Int("top") < 0 {
			return errors.ErrInvalidArgument.WithMessage(
				fmt.Sprintf("--top must not be negative, got %d", c.Int("top")))
		}
		return withDevice(c, func(cfg config.Config, d *device, log zerolog.Logger) error {
			ledger := d.Ledger()
			stats := ledger.Stats()
			fmt.Printf("tracked %d of %d blocks, endurance %d\n", stats.TrackedBlocks, stats.TotalBlocks, stats.Endurance)
			fmt.Printf("erases: min %d, max %d, average %.1f\n",
				stats.MinEraseCount, stats.MaxEraseCount, stats.AverageEraseCount)
			fmt.Printf("remaining life %.1f%%, %d blocks past endurance\n",
				stats.RemainingLifePercent, stats.OverEndurance)

			fmt.Println("hottest:")
			for _, record := range ledger.Hottest(c.Int("top")) {
				fmt.Printf("  block %6d: %d erases, %d programs\n", record.Block, record.EraseCount, record.ProgramCount)
			}
			fmt.Println("coldest:")
			for _, record := range ledger.Coldest(c.Int("top")) {
				fmt.Printf("  block %6d: %d erases, %d programs\n", record.Block, record.EraseCount, record.ProgramCount)
			}
			return nil
		})
	},
}

var bbtCommand = &cli.Command{
	Name:  "bbt",
	Usage: "Show or edit the bad block table",
	Subcommands: []*cli.Command{
		{
			Name:  "list",
			Usage: "List bad blocks",
			Action: func(c *cli.Context) error {
				return withDevice(c, func(cfg config.Config, d *device, log zerolog.Logger) error {
					table := d.Table()
					for _, entry := range table.Entries() {
						line := fmt.Sprintf("%6d  %-18s  #%d", entry.Block, entry.Reason, entry.DetectedAt)
						if entry.Replacement != 0 {
							line += fmt.Sprintf("  -> %d", entry.Replacement)
						}
						fmt.Println(line)
					}
					fmt.Printf("%d bad blocks\n", table.Count())
					if table.Spares() > 0 {
						fmt.Printf("%d of %d spare blocks free\n", table.AvailableSpares(), table.Spares())
					}
					return nil
				})
			},
		},
		{
			Name:      "mark",
			Usage:     "Mark blocks bad",
			ArgsUsage: "BLOCK...",
			Flags: []cli.Flag{
				&cli.StringFlag{Name: "reason", Value: bbt.UserMarked.String()},
			},
			Action: func(c *cli.Context) error {
				reason, err := bbt.ParseReason(c.String("reason"))
				if err != nil {
					return err
				}
				return withDevice(c, func(cfg config.Config, d *device, log zerolog.Logger) error {
					blocks, err := parseBlocks(c.Args().Slice(), d.Geometry())
					if err != nil {
						return err
					}
					for _, block := range blocks {
						if _, err := d.Table().Mark(block, reason); err != nil {
							return err
						}
					}
					return nil
				})
			},
		},
		{
			Name:      "clear",
			Usage:     "Remove blocks from the table",
			ArgsUsage: "BLOCK...",
			Action: func(c *cli.Context) error {
				return withDevice(c, func(cfg config.Config, d *device, log zerolog.Logger) error {
					blocks, err := parseBlocks(c.Args().Slice(), d.Geometry())
					if err != nil {
						return err
					}
					for _, block := range blocks {
						if !d.Table().Clear(block) {
							log.Info().Uint32("block", block).Msg("block wasn't marked")
						}
					}
					return nil
				})
			},
		},
	},
}
