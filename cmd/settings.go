package main

import (
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/urfave/cli/v2"

	"github.com/dargueta/nandkit/config"
)

var globalFlags = []cli.Flag{
	&cli.StringFlag{Name: "config", Usage: "TOML configuration `FILE`", Value: config.DefaultConfigPath()},
	&cli.StringFlag{Name: "log-level", Usage: "trace, debug, info, warn or error"},
	&cli.StringFlag{Name: "state-dir", Usage: "where saved tables live"},
	&cli.StringFlag{Name: "backup-dir", Usage: "where backups live"},
	&cli.StringFlag{Name: "device", Aliases: []string{"d"}, Usage: "executor `HOST:PORT`"},
	&cli.StringFlag{Name: "image", Aliases: []string{"i"}, Usage: "raw chip image `FILE` to work on instead of a device"},
	&cli.StringFlag{Name: "chip", Usage: "chip `SLUG` to assume instead of identifying it"},
	&cli.DurationFlag{Name: "timeout", Usage: "per-command timeout"},
	&cli.IntFlag{Name: "retries", Usage: "retries per command on checksum errors and timeouts"},
	&cli.IntFlag{Name: "chunk-size", Usage: "bytes per frame when uploading images"},
	&cli.Int64Flag{Name: "upload-rate", Usage: "cap on bytes per second sent to the device"},
	&cli.Int64Flag{Name: "download-rate", Usage: "cap on bytes per second received from the device"},
	&cli.IntFlag{Name: "spare-percent", Usage: "share of the chip kept aside to replace blocks that go bad"},
	&cli.BoolFlag{Name: "quiet", Aliases: []string{"q"}, Usage: "no progress bars"},
}

// loadConfig resolves the effective configuration: defaults, then the config
// file, then the environment, then any flag set on the command line.
func loadConfig(c *cli.Context) (config.Config, error) {
	cfg := config.DefaultConfig()
	changed := map[string]bool{}

	texts := map[string]*string{
		"log-level":   &cfg.LogLevel,
		"state-dir":   &cfg.StateDir,
		"backup-dir":  &cfg.BackupDir,
		"device":      &cfg.Device,
		"image":       &cfg.Image,
		"chip":        &cfg.Chip,
		"ecc":         &cfg.Scheme,
		"mode":        &cfg.CloneMode,
		"compression": &cfg.Compression,
		"listen":      &cfg.Listen,
	}
	for name, dst := range texts {
		if c.IsSet(name) {
			*dst = c.String(name)
			changed[name] = true
		}
	}
	ints := map[string]*int{
		"retries":       &cfg.Retries,
		"chunk-size":    &cfg.ChunkSize,
		"spare-percent": &cfg.SparePercent,
	}
	for name, dst := range ints {
		if c.IsSet(name) {
			*dst = c.Int(name)
			changed[name] = true
		}
	}
	rates := map[string]*int64{"upload-rate": &cfg.UploadRate, "download-rate": &cfg.DownloadRate}
	for name, dst := range rates {
		if c.IsSet(name) {
			*dst = c.Int64(name)
			changed[name] = true
		}
	}
	bools := map[string]*bool{"verify": &cfg.Verify, "skip-blank": &cfg.SkipBlankPages}
	for name, dst := range bools {
		if c.IsSet(name) {
			*dst = c.Bool(name)
			changed[name] = true
		}
	}
	if c.IsSet("timeout") {
		cfg.Timeout = c.Duration("timeout")
		changed["timeout"] = true
	}

	path := c.String("config")
	if path != "" && (c.IsSet("config") || config.FileExists(path)) {
		fc, err := config.LoadFileConfig(path)
		if err != nil {
			return cfg, err
		}
		if err := config.ApplyFileConfig(&cfg, fc, changed); err != nil {
			return cfg, err
		}
	}
	if err := config.ApplyEnvConfig(&cfg, changed); err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}

// newLogger builds the console logger. The level is applied globally so the
// serve command can change it on reload.
func newLogger(cfg config.Config) zerolog.Logger {
	level, err := cfg.Level()
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		With().
		Timestamp().
		Logger()
}

// setup is the common preamble of every command that touches a chip.
func setup(c *cli.Context) (config.Config, zerolog.Logger, error) {
	cfg, err := loadConfig(c)
	if err != nil {
		return cfg, zerolog.Nop(), err
	}
	return cfg, newLogger(cfg), nil
}
