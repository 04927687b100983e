package history

import (
	"time"

	"codeberg.org/mutker/avrlink/internal/errors"
)

const (
	defaultDirPerm   = 0o755
	defaultDBPath    = "/var/lib/avrlink/history.db"
	defaultBackupDir = "/var/lib/avrlink/backups"

	DefaultBatchSize    = 100
	DefaultBatchTimeout = 5 * time.Second
)

type Config struct {
	Enabled      bool
	DBPath       string
	BackupDir    string
	BatchSize    int
	BatchTimeout time.Duration
	// MaxBuffered bounds the records held between flushes. Zero means
	// ten batches.
	MaxBuffered int
}

func DefaultConfig() Config {
	return Config{
		DBPath:       defaultDBPath,
		BackupDir:    defaultBackupDir,
		BatchSize:    DefaultBatchSize,
		BatchTimeout: DefaultBatchTimeout,
	}
}

func (c Config) Validate() error {
	errFactory := errors.New()

	// Only validate storage settings if history is enabled
	if !c.Enabled {
		return nil
	}
	if c.DBPath == "" {
		return errFactory.New(ErrInvalidDBPath)
	}
	if c.BatchSize <= 0 {
		return errFactory.WithData(ErrInvalidConfig, "history.batch_size must be positive")
	}
	if c.BatchTimeout <= 0 {
		return errFactory.WithData(ErrInvalidConfig, "history.batch_timeout must be positive")
	}
	if c.MaxBuffered < 0 {
		return errFactory.WithData(ErrInvalidConfig, "history.max_buffered must not be negative")
	}
	return nil
}

func (c Config) maxBuffered() int {
	if c.MaxBuffered > 0 {
		return c.MaxBuffered
	}
	return c.BatchSize * 10
}
