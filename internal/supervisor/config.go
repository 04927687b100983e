package supervisor

import (
	"fmt"
	"time"

	"codeberg.org/mutker/avrlink/internal/errors"
	"codeberg.org/mutker/avrlink/internal/transport"
)

type BackoffConfig struct {
	Initial    time.Duration
	Max        time.Duration
	Multiplier float64
	// Jitter is the largest fraction by which a delay may be shortened.
	Jitter float64
}

type Config struct {
	Backoff BackoffConfig
	// OutboxSize bounds the queued commands per transport.
	OutboxSize int
	// DegradedAfter is the run of consecutive decode failures after which
	// a live connection is reported as degraded. Zero disables it.
	DegradedAfter int
	CloseGrace    time.Duration
	SendTimeout   time.Duration
}

func DefaultConfig() Config {
	return Config{
		Backoff: BackoffConfig{
			Initial:    500 * time.Millisecond,
			Max:        30 * time.Second,
			Multiplier: 2,
			Jitter:     0.2,
		},
		OutboxSize:    transport.DefaultOutboxSize,
		DegradedAfter: 10,
		CloseGrace:    transport.DefaultCloseGrace,
		SendTimeout:   5 * time.Second,
	}
}

func (c Config) Validate() error {
	errFactory := errors.New()

	switch {
	case c.Backoff.Initial <= 0:
		return errFactory.WithData(errors.ErrInvalidConfig, "backoff.initial must be positive")
	case c.Backoff.Max < c.Backoff.Initial:
		return errFactory.WithData(errors.ErrInvalidConfig, "backoff.max must not be below backoff.initial")
	case c.Backoff.Multiplier < 1:
		return errFactory.WithData(errors.ErrInvalidConfig, "backoff.multiplier must be at least 1")
	case c.Backoff.Jitter < 0 || c.Backoff.Jitter >= 1:
		return errFactory.WithData(errors.ErrInvalidConfig, fmt.Sprintf("backoff.jitter %g outside [0, 1)", c.Backoff.Jitter))
	case c.OutboxSize <= 0:
		return errFactory.WithData(errors.ErrInvalidConfig, "supervisor.outbox_size must be positive")
	case c.DegradedAfter < 0:
		return errFactory.WithData(errors.ErrInvalidConfig, "supervisor.degraded_after must not be negative")
	case c.CloseGrace <= 0:
		return errFactory.WithData(errors.ErrInvalidConfig, "supervisor.close_grace must be positive")
	case c.SendTimeout <= 0:
		return errFactory.WithData(errors.ErrInvalidConfig, "supervisor.send_timeout must be positive")
	}

	return nil
}
