package main

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"

	"github.com/rs/zerolog"

	"github.com/dargueta/nandkit"
	"github.com/dargueta/nandkit/config"
	"github.com/dargueta/nandkit/errors"
	"github.com/dargueta/nandkit/geometry"
	"github.com/dargueta/nandkit/protocol"
	"github.com/dargueta/nandkit/session"
	"github.com/dargueta/nandkit/sim"
	"github.com/dargueta/nandkit/state"
)

// device is an open chip, either behind an executor or simulated on an image
// file.
type device struct {
	*session.Session
	// client is nil for image files.
	client  *protocol.Client
	closers []io.Closer
}

func (d *device) Close() error {
	err := d.Session.Close()
	for i := len(d.closers) - 1; i >= 0; i-- {
		if closeErr := d.closers[i].Close(); err == nil {
			err = closeErr
		}
	}
	return err
}

type target struct {
	device string
	image  string
	chip   string
}

func primaryTarget(cfg config.Config) target {
	return target{device: cfg.Device, image: cfg.Image, chip: cfg.Chip}
}

// sessionOptions gives the session options every command shares.
func sessionOptions(cfg config.Config, log zerolog.Logger) []session.Option {
	opts := []session.Option{session.Logger(log)}
	if cfg.SparePercent > 0 {
		opts = append(opts, session.SparePercent(cfg.SparePercent))
	}
	return opts
}

func openDevice(ctx context.Context, cfg config.Config, where target, log zerolog.Logger) (*device, error) {
	repo := state.NewFileRepository(cfg.StateDir)
	opts := sessionOptions(cfg, log)

	var chip *geometry.Chip
	if where.chip != "" {
		found, err := geometry.BySlug(where.chip)
		if err != nil {
			return nil, err
		}
		chip = &found
		opts = append(opts, session.WithChip(found))
	}

	switch {
	case where.device != "":
		return dialDevice(ctx, cfg, where.device, repo, chip, opts, log)
	case where.image != "":
		if chip == nil {
			return nil, errors.ErrInvalidArgument.WithMessage("an image needs --chip to know its geometry")
		}
		return openImage(ctx, where.image, *chip, repo, opts)
	}
	return nil, errors.ErrInvalidArgument.WithMessage("either --device or --image is required")
}

func dialChannel(address string, cfg config.Config) (io.ReadWriteCloser, error) {
	conn, err := net.Dial("tcp", address)
	if err != nil {
		return nil, errors.ErrDisconnected.Wrap(err)
	}
	if cfg.UploadRate > 0 || cfg.DownloadRate > 0 {
		return protocol.LimitChannel(conn, cfg.UploadRate, cfg.DownloadRate), nil
	}
	return conn, nil
}

func dialDevice(
	ctx context.Context,
	cfg config.Config,
	address string,
	repo *state.FileRepository,
	chip *geometry.Chip,
	opts []session.Option,
	log zerolog.Logger,
) (*device, error) {
	channel, err := dialChannel(address, cfg)
	if err != nil {
		return nil, err
	}
	client := protocol.NewClient(
		channel,
		protocol.Timeout(cfg.Timeout),
		protocol.Retries(cfg.Retries),
		protocol.ChunkSize(cfg.ChunkSize),
		protocol.ClientLogger(log),
	)

	if chip == nil {
		// The executor knows its chip's geometry even when the table doesn't.
		g, err := client.Geometry(ctx)
		if err != nil {
			client.Close()
			return nil, err
		}
		endurance := uint32(session.DefaultEndurance)
		if id, err := client.ReadID(ctx); err == nil {
			if known, err := geometry.Lookup(id); err == nil && known.Geometry() == g {
				endurance = known.Endurance
			}
		}
		opts = append(opts, session.WithGeometry(g, endurance))
	}

	s, err := session.Open(ctx, client, repo, opts...)
	if err != nil {
		client.Close()
		return nil, err
	}
	return &device{Session: s, client: client, closers: []io.Closer{client}}, nil
}

func openImage(
	ctx context.Context,
	path string,
	chip geometry.Chip,
	repo *state.FileRepository,
	opts []session.Option,
) (*device, error) {
	g := chip.Geometry()
	file, created, err := openImageFile(path, g)
	if err != nil {
		return nil, err
	}

	var simOpts []sim.Option
	if created {
		simOpts = append(simOpts, sim.WithFormat())
	}
	simulated, err := sim.NewOnStream(g, chip.IDBytes(), file, simOpts...)
	if err != nil {
		file.Close()
		return nil, err
	}

	s, err := session.Open(ctx, simulated, repo, opts...)
	if err != nil {
		file.Close()
		return nil, err
	}
	return &device{Session: s, closers: []io.Closer{file}}, nil
}

// openImageFile opens a raw image, creating it at the right size if it
// doesn't exist yet.
func openImageFile(path string, g nandkit.Geometry) (*os.File, bool, error) {
	size := int64(g.TotalPages()) * int64(g.RawPageSize())

	file, err := os.OpenFile(path, os.O_RDWR, 0)
	if err == nil {
		info, err := file.Stat()
		if err != nil {
			file.Close()
			return nil, false, err
		}
		if info.Size() != size {
			file.Close()
			return nil, false, errors.Errorf(
				errors.EGEOMETRY, "%s is %d bytes, a %s chip image is %d", path, info.Size(), g, size)
		}
		return file, false, nil
	}
	if !os.IsNotExist(err) {
		return nil, false, err
	}

	file, err = os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return nil, false, err
	}
	if err := file.Truncate(size); err != nil {
		file.Close()
		return nil, false, fmt.Errorf("sizing %s: %w", path, err)
	}
	return file, true, nil
}
