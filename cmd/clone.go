package main

import (
	"fmt"

	"github.com/rs/zerolog"
	"github.com/urfave/cli/v2"

	"github.com/dargueta/nandkit/cloner"
	"github.com/dargueta/nandkit/config"
	"github.com/dargueta/nandkit/ecc"
	"github.com/dargueta/nandkit/job"
)

var cloneCommand = &cli.Command{
	Name:  "clone",
	Usage: "Copy the chip onto another one",
	Flags: []cli.Flag{
		&cli.StringFlag{Name: "to-device", Usage: "executor `HOST:PORT` of the destination"},
		&cli.StringFlag{Name: "to-image", Usage: "raw image `FILE` of the destination"},
		&cli.StringFlag{Name: "to-chip", Usage: "chip `SLUG` of the destination"},
		&cli.StringFlag{Name: "mode", Usage: "exact, skip-bad or wear-aware"},
		&cli.StringFlag{Name: "ecc", Usage: "ECC scheme written to the destination"},
		&cli.BoolFlag{Name: "verify", Usage: "read back every destination page"},
	},
	Action: func(c *cli.Context) error {
		return withDevice(c, func(cfg config.Config, source *device, log zerolog.Logger) (err error) {
			mode, err := cloner.ParseMode(cfg.CloneMode)
			if err != nil {
				return err
			}
			scheme, err := ecc.ParseScheme(cfg.Scheme)
			if err != nil {
				return err
			}

			where := target{device: c.String("to-device"), image: c.String("to-image"), chip: c.String("to-chip")}
			dest, err := openDevice(c.Context, cfg, where, log.With().Str("side", "destination").Logger())
			if err != nil {
				return fmt.Errorf("opening destination: %w", err)
			}
			defer func() {
				if closeErr := dest.Close(); err == nil {
					err = closeErr
				}
			}()

			cl, err := cloner.New(
				source.Endpoint(),
				dest.Endpoint(),
				mode,
				cloner.Verify(cfg.Verify),
				cloner.Scheme(scheme),
				cloner.Store(dest.State()),
				cloner.Logger(log),
			)
			if err != nil {
				return err
			}

			result := runJob(c, "clone", cl)
			if err := dest.Adopt(cl.DestinationTable(), cl.DestinationLedger()); err != nil {
				return err
			}
			if mapping := cl.Mapping(); mapping != nil && result.Status != job.Failed {
				fmt.Printf("mapping %s: %d blocks\n", mapping.ID, mapping.Len())
			}
			return reportResult("clone", result)
		})
	},
}
