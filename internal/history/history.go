// Package history keeps a local SQLite log of every accepted telemetry
// record.
package history

import (
	"context"

	"codeberg.org/mutker/avrlink/internal/errors"
	"codeberg.org/mutker/avrlink/internal/logger"
	"codeberg.org/mutker/avrlink/internal/telemetry"
)

type noopRecorder struct{}

// New returns a Recorder for cfg. A disabled history yields a no-op
// recorder whose Recent reports ErrDisabled.
func New(cfg Config, log logger.Logger) (Recorder, error) {
	errFactory := errors.New()

	if err := cfg.Validate(); err != nil {
		return nil, errFactory.Wrap(ErrInvalidConfig, err)
	}

	if !cfg.Enabled {
		log.Debug().Msg("Telemetry history disabled, using no-op recorder")
		return noopRecorder{}, nil
	}

	return NewRepository(cfg, log)
}

func (noopRecorder) Record(*telemetry.Record) {}

func (noopRecorder) Recent(context.Context, telemetry.ChannelID, int) ([]Entry, error) {
	return nil, errors.New().New(ErrDisabled)
}

func (noopRecorder) Dropped() uint64 { return 0 }
func (noopRecorder) Close() error   { return nil }

// IsDisabled reports whether err came from a disabled history.
func IsDisabled(err error) bool {
	return errors.HasCode(err, ErrDisabled)
}
