package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/rs/zerolog"
	"github.com/urfave/cli/v2"

	"github.com/dargueta/nandkit/config"
	"github.com/dargueta/nandkit/geometry"
	"github.com/dargueta/nandkit/protocol"
	"github.com/dargueta/nandkit/session"
	"github.com/dargueta/nandkit/sim"
	"github.com/dargueta/nandkit/state"
)

const defaultSimulatedChip = "k9f1g08u0d"

var serveCommand = &cli.Command{
	Name:  "serve",
	Usage: "Run an executor for a simulated chip and accept hosts over TCP",
	Flags: []cli.Flag{
		&cli.StringFlag{Name: "listen", Usage: "`ADDRESS` to listen on"},
		&cli.StringFlag{Name: "clone-image", Usage: "raw image `FILE` to attach as the clone target"},
		&cli.DurationFlag{Name: "keepalive", Value: 250 * time.Millisecond, Usage: "interval between in-progress frames"},
		&cli.UintSliceFlag{Name: "factory-bad", Usage: "blocks of a new in-memory chip that carry factory bad markers"},
	},
	Action: func(c *cli.Context) (err error) {
		cfg, log, err := setup(c)
		if err != nil {
			return err
		}
		if cfg.Device != "" {
			return fmt.Errorf("serve simulates a chip; use --image or nothing instead of --device")
		}
		if cfg.Chip == "" {
			cfg.Chip = defaultSimulatedChip
		}

		d, err := openServedChip(c, cfg, log)
		if err != nil {
			return err
		}
		defer func() {
			if closeErr := d.Close(); err == nil {
				err = closeErr
			}
		}()

		opts := []protocol.ExecutorOption{
			protocol.KeepaliveInterval(c.Duration("keepalive")),
			protocol.ExecutorLogger(log),
		}
		if path := c.String("clone-image"); path != "" {
			cloneTarget, err := openDevice(
				c.Context, cfg, target{image: path, chip: cfg.Chip}, log.With().Str("side", "clone-target").Logger())
			if err != nil {
				return fmt.Errorf("opening clone target: %w", err)
			}
			defer cloneTarget.Close()
			opts = append(opts, protocol.CloneTarget(cloneTarget.Endpoint()))
		}

		executor, err := protocol.NewExecutor(d.Transport(), d.Geometry(), d.Table(), d.Ledger(), opts...)
		if err != nil {
			return err
		}
		defer func() {
			executor.Close()
			// Hosts may have replaced the tables wholesale.
			if adoptErr := d.Adopt(executor.Table(), executor.Ledger()); err == nil {
				err = adoptErr
			}
		}()

		if path := c.String("config"); path != "" && config.FileExists(path) {
			watcher := config.NewLevelWatcher(path, log, zerolog.SetGlobalLevel)
			go func() {
				if err := watcher.Run(c.Context); err != nil {
					log.Warn().Err(err).Msg("config reload disabled")
				}
			}()
		}

		return acceptHosts(c.Context, cfg.Listen, executor, log)
	},
}

func openServedChip(c *cli.Context, cfg config.Config, log zerolog.Logger) (*device, error) {
	if cfg.Image != "" {
		return openDevice(c.Context, cfg, primaryTarget(cfg), log)
	}

	chip, err := geometry.BySlug(cfg.Chip)
	if err != nil {
		return nil, err
	}
	var simOpts []sim.Option
	for _, block := range c.UintSlice("factory-bad") {
		simOpts = append(simOpts, sim.WithFactoryBadBlocks(uint32(block)))
	}
	simulated, err := sim.New(chip.Geometry(), chip.IDBytes(), simOpts...)
	if err != nil {
		return nil, err
	}
	s, err := session.Open(
		c.Context,
		simulated,
		state.NewFileRepository(cfg.StateDir),
		append(sessionOptions(cfg, log), session.WithChip(chip))...,
	)
	if err != nil {
		return nil, err
	}
	return &device{Session: s}, nil
}

// acceptHosts serves one host at a time until ctx ends.
func acceptHosts(ctx context.Context, address string, executor *protocol.Executor, log zerolog.Logger) error {
	listener, err := net.Listen("tcp", address)
	if err != nil {
		return err
	}
	stop := context.AfterFunc(ctx, func() { listener.Close() })
	defer stop()
	defer listener.Close()

	log.Info().Stringer("address", listener.Addr()).Msg("listening")
	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}

		hostLog := log.With().Stringer("host", conn.RemoteAddr()).Logger()
		hostLog.Info().Msg("host connected")
		err = executor.Serve(ctx, conn)
		conn.Close()
		switch {
		case err == nil, errors.Is(err, context.Canceled), errors.Is(err, io.ErrClosedPipe):
			hostLog.Info().Msg("host disconnected")
		default:
			hostLog.Warn().Err(err).Msg("host dropped")
		}
		if ctx.Err() != nil {
			return nil
		}
	}
}
