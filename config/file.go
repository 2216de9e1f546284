package config

import (
	"os"
	"path/filepath"

	toml "github.com/pelletier/go-toml/v2"
)

// FileConfig mirrors Config with strings for durations and pointers where
// zero is a meaningful value.
type FileConfig struct {
	StateDir       string `toml:"state_dir"`
	BackupDir      string `toml:"backup_dir"`
	LogLevel       string `toml:"log_level"`
	Device         string `toml:"device"`
	Image          string `toml:"image"`
	Chip           string `toml:"chip"`
	Timeout        string `toml:"timeout"`
	Retries        int    `toml:"retries"`
	ChunkSize      int    `toml:"chunk_size"`
	UploadRate     *int64 `toml:"upload_rate"`
	DownloadRate   *int64 `toml:"download_rate"`
	Scheme         string `toml:"ecc"`
	Verify         *bool  `toml:"verify"`
	SkipBlankPages *bool  `toml:"skip_blank_pages"`
	CloneMode      string `toml:"clone_mode"`
	Compression    string `toml:"compression"`
	Listen         string `toml:"listen"`
	SparePercent   int    `toml:"spare_percent"`
}

// LoadFileConfig reads and parses a TOML config file.
func LoadFileConfig(path string) (FileConfig, error) {
	var fc FileConfig
	b, err := os.ReadFile(path)
	if err != nil {
		return fc, err
	}
	if err := toml.Unmarshal(b, &fc); err != nil {
		return fc, err
	}
	return fc, nil
}

// DefaultConfigPath returns ~/.nandkit/config.toml, or "" if there's no home
// directory.
func DefaultConfigPath() string {
	if h, err := os.UserHomeDir(); err == nil {
		return filepath.Join(h, ".nandkit", "config.toml")
	}
	return ""
}

// FileExists checks if a file exists at the given path.
func FileExists(p string) bool {
	_, err := os.Stat(p)
	return err == nil
}

// ApplyFileConfig copies the values set in `fc` into `cfg`, skipping any
// whose flag is in `changed`.
func ApplyFileConfig(cfg *Config, fc FileConfig, changed map[string]bool) error {
	s := newConfigSetter(changed)

	s.setString("state-dir", fc.StateDir, &cfg.StateDir)
	s.setString("backup-dir", fc.BackupDir, &cfg.BackupDir)
	s.setString("log-level", fc.LogLevel, &cfg.LogLevel)
	s.setString("device", fc.Device, &cfg.Device)
	s.setString("image", fc.Image, &cfg.Image)
	s.setString("chip", fc.Chip, &cfg.Chip)
	s.setString("ecc", fc.Scheme, &cfg.Scheme)
	s.setString("mode", fc.CloneMode, &cfg.CloneMode)
	s.setString("compression", fc.Compression, &cfg.Compression)
	s.setString("listen", fc.Listen, &cfg.Listen)

	if err := s.setDuration("timeout", fc.Timeout, &cfg.Timeout); err != nil {
		return err
	}

	s.setInt("retries", fc.Retries, &cfg.Retries)
	s.setInt("chunk-size", fc.ChunkSize, &cfg.ChunkSize)
	s.setInt("spare-percent", fc.SparePercent, &cfg.SparePercent)
	s.setInt64("upload-rate", fc.UploadRate, &cfg.UploadRate)
	s.setInt64("download-rate", fc.DownloadRate, &cfg.DownloadRate)

	s.setBool("verify", fc.Verify, &cfg.Verify)
	s.setBool("skip-blank", fc.SkipBlankPages, &cfg.SkipBlankPages)
	return nil
}
