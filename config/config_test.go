package config_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dargueta/nandkit/config"
)

func writeFile(t *testing.T, path, content string) {
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
}

func TestDefaultConfig__IsValid(t *testing.T) {
	cfg := config.DefaultConfig()
	require.NoError(t, cfg.Validate())

	level, err := cfg.Level()
	require.NoError(t, err)
	assert.Equal(t, zerolog.InfoLevel, level)
}

func TestLoadFileConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	writeFile(t, path, `
state_dir = "/var/lib/nandkit"
log_level = "debug"
timeout = "750ms"
retries = 9
upload_rate = 0
verify = false
ecc = "hamming"
spare_percent = 3
`)

	fc, err := config.LoadFileConfig(path)
	require.NoError(t, err)

	cfg := config.DefaultConfig()
	cfg.UploadRate = 1000
	require.NoError(t, config.ApplyFileConfig(&cfg, fc, map[string]bool{}))
	assert.Equal(t, "/var/lib/nandkit", cfg.StateDir)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, 750*time.Millisecond, cfg.Timeout)
	assert.Equal(t, 9, cfg.Retries)
	assert.Zero(t, cfg.UploadRate, "an explicit zero rate means unlimited")
	assert.False(t, cfg.Verify)
	assert.True(t, cfg.SkipBlankPages, "unset values keep their defaults")
	assert.Equal(t, "hamming", cfg.Scheme)
	assert.Equal(t, 3, cfg.SparePercent)
	assert.NoError(t, cfg.Validate())
}

func TestLoadFileConfig__Errors(t *testing.T) {
	dir := t.TempDir()
	_, err := config.LoadFileConfig(filepath.Join(dir, "missing.toml"))
	assert.ErrorIs(t, err, os.ErrNotExist)

	path := filepath.Join(dir, "broken.toml")
	writeFile(t, path, "state_dir = [")
	_, err = config.LoadFileConfig(path)
	assert.Error(t, err)

	cfg := config.DefaultConfig()
	err = config.ApplyFileConfig(&cfg, config.FileConfig{Timeout: "soon"}, nil)
	assert.ErrorContains(t, err, "timeout")
}

func TestPrecedence__FlagsOverEnvOverFile(t *testing.T) {
	t.Setenv("NANDKIT_RETRIES", "7")
	t.Setenv("NANDKIT_LOG_LEVEL", "warn")
	t.Setenv("NANDKIT_CHIP", "k9f2g08u0c")
	t.Setenv("NANDKIT_SPARE_PERCENT", "5")

	fc := config.FileConfig{
		Retries:      3,
		LogLevel:     "debug",
		Chip:         "w29n01hv",
		Listen:       "0.0.0.0:9000",
		SparePercent: 2,
	}

	cfg := config.DefaultConfig()
	// The caller has already applied --chip from the command line.
	cfg.Chip = "tc58nvg0s3e"
	changed := map[string]bool{"chip": true}

	require.NoError(t, config.ApplyFileConfig(&cfg, fc, changed))
	require.NoError(t, config.ApplyEnvConfig(&cfg, changed))

	assert.Equal(t, 7, cfg.Retries, "environment beats file")
	assert.Equal(t, "warn", cfg.LogLevel, "environment beats file")
	assert.Equal(t, "tc58nvg0s3e", cfg.Chip, "flags beat everything")
	assert.Equal(t, "0.0.0.0:9000", cfg.Listen, "file beats defaults")
	assert.Equal(t, 5, cfg.SparePercent, "environment beats file")
}

func TestApplyEnvConfig__InvalidValues(t *testing.T) {
	cfg := config.DefaultConfig()
	t.Setenv("NANDKIT_VERIFY", "perhaps")
	assert.ErrorContains(t, config.ApplyEnvConfig(&cfg, nil), "verify")

	t.Setenv("NANDKIT_VERIFY", "")
	t.Setenv("NANDKIT_UPLOAD_RATE", "fast")
	assert.ErrorContains(t, config.ApplyEnvConfig(&cfg, nil), "upload-rate")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*config.Config)
	}{
		{"device and image", func(c *config.Config) { c.Device = "host:1"; c.Image = "x.bin" }},
		{"no state dir", func(c *config.Config) { c.StateDir = "" }},
		{"zero timeout", func(c *config.Config) { c.Timeout = 0 }},
		{"negative retries", func(c *config.Config) { c.Retries = -1 }},
		{"bad level", func(c *config.Config) { c.LogLevel = "loud" }},
		{"bad scheme", func(c *config.Config) { c.Scheme = "reed-solomon" }},
		{"bad mode", func(c *config.Config) { c.CloneMode = "sideways" }},
		{"negative spares", func(c *config.Config) { c.SparePercent = -1 }},
		{"too many spares", func(c *config.Config) { c.SparePercent = 51 }},
		{"bad compression", func(c *config.Config) { c.Compression = "zip" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.DefaultConfig()
			tt.modify(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestLevelWatcher__ReloadsOnWrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	writeFile(t, path, `log_level = "info"`)

	levels := make(chan zerolog.Level, 4)
	watcher := config.NewLevelWatcher(path, zerolog.Nop(), func(level zerolog.Level) {
		levels <- level
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- watcher.Run(ctx) }()
	defer func() {
		cancel()
		assert.NoError(t, <-done)
	}()

	// Give the watcher time to register before changing the file.
	require.Eventually(t, func() bool {
		writeFile(t, path, `log_level = "trace"`)
		select {
		case level := <-levels:
			return level == zerolog.TraceLevel
		case <-time.After(300 * time.Millisecond):
			return false
		}
	}, 5*time.Second, 10*time.Millisecond)
}
