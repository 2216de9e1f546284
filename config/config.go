// Package config holds the settings of the nandkit tool. Values come from
// defaults, then a TOML file, then NANDKIT_* environment variables, then
// command-line flags, each overriding the one before.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/dargueta/nandkit/cloner"
	"github.com/dargueta/nandkit/ecc"
	"github.com/dargueta/nandkit/utilities/compression"
)

type Config struct {
	// StateDir holds saved tables and clone mappings, one directory per chip.
	StateDir string
	// BackupDir holds the backup store.
	BackupDir string
	LogLevel  string

	// Device is the host:port of an executor. Mutually exclusive with Image.
	Device string
	// Image is a raw chip image used through a simulated chip.
	Image string
	// Chip is the slug of the chip geometry to assume for Image.
	Chip string

	Timeout   time.Duration
	Retries   int
	ChunkSize int
	// UploadRate and DownloadRate cap the channel in bytes per second; zero
	// means unlimited.
	UploadRate   int64
	DownloadRate int64

	Scheme         string
	Verify         bool
	SkipBlankPages bool
	CloneMode      string
	Compression    string

	// Listen is the address the serve command accepts connections on.
	Listen string

	// SparePercent is the share of the chip set aside to replace blocks that
	// go bad. Zero keeps whatever reserve the saved table has.
	SparePercent int
}

// DefaultConfig returns a Config with default values.
func DefaultConfig() Config {
	return Config{
		StateDir:       defaultDir("state"),
		BackupDir:      defaultDir("backups"),
		LogLevel:       "info",
		Timeout:        2 * time.Second,
		Retries:        4,
		ChunkSize:      4096,
		Scheme:         ecc.BCH(8).String(),
		Verify:         true,
		SkipBlankPages: true,
		CloneMode:      cloner.SkipBad.String(),
		Compression:    string(compression.Zstd),
		Listen:         "127.0.0.1:7450",
	}
}

func defaultDir(name string) string {
	if h, err := os.UserHomeDir(); err == nil {
		return filepath.Join(h, ".nandkit", name)
	}
	return filepath.Join(".nandkit", name)
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.Device != "" && c.Image != "" {
		return fmt.Errorf("device and image are mutually exclusive")
	}
	if c.StateDir == "" {
		return fmt.Errorf("state-dir is required")
	}
	if c.Timeout <= 0 {
		return fmt.Errorf("timeout must be positive")
	}
	if c.Retries < 0 {
		return fmt.Errorf("retries can't be negative")
	}
	if c.ChunkSize <= 0 {
		return fmt.Errorf("chunk size must be positive")
	}
	if c.SparePercent < 0 || c.SparePercent > 50 {
		return fmt.Errorf("spare percentage must be between 0 and 50, got %d", c.SparePercent)
	}
	if _, err := c.Level(); err != nil {
		return err
	}
	if _, err := ecc.ParseScheme(c.Scheme); err != nil {
		return err
	}
	if _, err := cloner.ParseMode(c.CloneMode); err != nil {
		return err
	}
	if _, err := compression.ParseAlgorithm(c.Compression); err != nil {
		return err
	}
	return nil
}

// Level parses LogLevel.
func (c *Config) Level() (zerolog.Level, error) {
	level, err := zerolog.ParseLevel(c.LogLevel)
	if err != nil {
		return zerolog.NoLevel, fmt.Errorf("invalid log level %q: %w", c.LogLevel, err)
	}
	return level, nil
}

// configSetter applies values only where the corresponding flag wasn't set
// explicitly.
type configSetter struct {
	changed map[string]bool
}

func newConfigSetter(changed map[string]bool) *configSetter {
	return &configSetter{changed: changed}
}

func (s *configSetter) setString(flag, value string, dst *string) {
	if value == "" || s.changed[flag] {
		return
	}
	*dst = value
}

func (s *configSetter) setInt(flag string, value int, dst *int) {
	if value <= 0 || s.changed[flag] {
		return
	}
	*dst = value
}

// setInt64 accepts zero, which for rates means "unlimited".
func (s *configSetter) setInt64(flag string, value *int64, dst *int64) {
	if value == nil || *value < 0 || s.changed[flag] {
		return
	}
	*dst = *value
}

func (s *configSetter) setBool(flag string, value *bool, dst *bool) {
	if value == nil || s.changed[flag] {
		return
	}
	*dst = *value
}

func (s *configSetter) setDuration(flag, value string, dst *time.Duration) error {
	if value == "" || s.changed[flag] {
		return nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return fmt.Errorf("parse %s: %w", flag, err)
	}
	*dst = d
	return nil
}

func (s *configSetter) setIntFromString(flag, value string, dst *int) error {
	if value == "" || s.changed[flag] {
		return nil
	}
	i, err := strconv.Atoi(value)
	if err != nil {
		return fmt.Errorf("parse %s: %w", flag, err)
	}
	s.setInt(flag, i, dst)
	return nil
}

func (s *configSetter) setInt64FromString(flag, value string, dst *int64) error {
	if value == "" || s.changed[flag] {
		return nil
	}
	i, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return fmt.Errorf("parse %s: %w", flag, err)
	}
	s.setInt64(flag, &i, dst)
	return nil
}

func (s *configSetter) setBoolFromString(flag, value string, dst *bool) error {
	if value == "" || s.changed[flag] {
		return nil
	}
	b, err := strconv.ParseBool(value)
	if err != nil {
		return fmt.Errorf("parse %s: %w", flag, err)
	}
	*dst = b
	return nil
}
