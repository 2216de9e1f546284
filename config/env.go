package config

import "os"

// ApplyEnvConfig applies configuration from NANDKIT_* environment variables,
// skipping any whose flag is in `changed`.
func ApplyEnvConfig(cfg *Config, changed map[string]bool) error {
	s := newConfigSetter(changed)

	s.setString("state-dir", os.Getenv("NANDKIT_STATE_DIR"), &cfg.StateDir)
	s.setString("backup-dir", os.Getenv("NANDKIT_BACKUP_DIR"), &cfg.BackupDir)
	s.setString("log-level", os.Getenv("NANDKIT_LOG_LEVEL"), &cfg.LogLevel)
	s.setString("device", os.Getenv("NANDKIT_DEVICE"), &cfg.Device)
	s.setString("image", os.Getenv("NANDKIT_IMAGE"), &cfg.Image)
	s.setString("chip", os.Getenv("NANDKIT_CHIP"), &cfg.Chip)
	s.setString("ecc", os.Getenv("NANDKIT_ECC"), &cfg.Scheme)
	s.setString("mode", os.Getenv("NANDKIT_CLONE_MODE"), &cfg.CloneMode)
	s.setString("compression", os.Getenv("NANDKIT_COMPRESSION"), &cfg.Compression)
	s.setString("listen", os.Getenv("NANDKIT_LISTEN"), &cfg.Listen)

	if err := s.setDuration("timeout", os.Getenv("NANDKIT_TIMEOUT"), &cfg.Timeout); err != nil {
		return err
	}
	if err := s.setIntFromString("retries", os.Getenv("NANDKIT_RETRIES"), &cfg.Retries); err != nil {
		return err
	}
	if err := s.setIntFromString("chunk-size", os.Getenv("NANDKIT_CHUNK_SIZE"), &cfg.ChunkSize); err != nil {
		return err
	}
	if err := s.setIntFromString("spare-percent", os.Getenv("NANDKIT_SPARE_PERCENT"), &cfg.SparePercent); err != nil {
		return err
	}
	if err := s.setInt64FromString("upload-rate", os.Getenv("NANDKIT_UPLOAD_RATE"), &cfg.UploadRate); err != nil {
		return err
	}
	if err := s.setInt64FromString("download-rate", os.Getenv("NANDKIT_DOWNLOAD_RATE"), &cfg.DownloadRate); err != nil {
		return err
	}
	if err := s.setBoolFromString("verify", os.Getenv("NANDKIT_VERIFY"), &cfg.Verify); err != nil {
		return err
	}
	return s.setBoolFromString("skip-blank", os.Getenv("NANDKIT_SKIP_BLANK"), &cfg.SkipBlankPages)
}
