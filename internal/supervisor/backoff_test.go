package supervisor

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBackoffExponentialCapped(t *testing.T) {
	b := NewBackoff(BackoffConfig{Initial: 100 * time.Millisecond, Max: time.Second, Multiplier: 2})

	assert.Equal(t, 100*time.Millisecond, b.Delay(0))
	assert.Equal(t, 200*time.Millisecond, b.Delay(1))
	assert.Equal(t, 800*time.Millisecond, b.Delay(3))
	assert.Equal(t, time.Second, b.Delay(4))
	assert.Equal(t, time.Second, b.Delay(5000), "overflow clamps to the cap")
	assert.Equal(t, 100*time.Millisecond, b.Delay(-1))
}

func TestBackoffJitterOnlyShortens(t *testing.T) {
	b := NewBackoff(BackoffConfig{Initial: time.Second, Max: 10 * time.Second, Multiplier: 3, Jitter: 0.5})

	b.rand = func() float64 { return 0 }
	assert.Equal(t, 9*time.Second, b.Delay(2))

	b.rand = func() float64 { return 1 }
	assert.Equal(t, 5*time.Second, b.Delay(10))

	b = NewBackoff(BackoffConfig{Initial: time.Second, Max: 10 * time.Second, Multiplier: 3, Jitter: 0.5})
	for attempt := 0; attempt < 20; attempt++ {
		d := b.Delay(attempt)
		assert.LessOrEqual(t, d, 10*time.Second)
		assert.Greater(t, d, time.Duration(0))
	}
}

func TestConfigValidate(t *testing.T) {
	assert.NoError(t, DefaultConfig().Validate())

	for name, modify := range map[string]func(*Config){
		"initial":    func(c *Config) { c.Backoff.Initial = 0 },
		"max":        func(c *Config) { c.Backoff.Max = c.Backoff.Initial / 2 },
		"multiplier": func(c *Config) { c.Backoff.Multiplier = 0.5 },
		"jitter":     func(c *Config) { c.Backoff.Jitter = 1 },
		"outbox":     func(c *Config) { c.OutboxSize = 0 },
		"degraded":   func(c *Config) { c.DegradedAfter = -1 },
		"grace":      func(c *Config) { c.CloseGrace = 0 },
		"send":       func(c *Config) { c.SendTimeout = 0 },
	} {
		t.Run(name, func(t *testing.T) {
			cfg := DefaultConfig()
			modify(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
