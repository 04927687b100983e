package supervisor

import (
	"math"
	"math/rand/v2"
	"time"
)

// Backoff computes reconnect delays: Initial * Multiplier^attempt, capped
// at Max, then shortened by up to Jitter so the cap still holds.
type Backoff struct {
	cfg  BackoffConfig
	rand func() float64
}

func NewBackoff(cfg BackoffConfig) Backoff {
	return Backoff{cfg: cfg, rand: rand.Float64}
}

// Delay returns the wait before reconnect attempt n, counting from zero.
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}

	d := float64(b.cfg.Initial) * math.Pow(b.cfg.Multiplier, float64(attempt))
	if math.IsInf(d, 0) || math.IsNaN(d) || d > float64(b.cfg.Max) {
		d = float64(b.cfg.Max)
	}
	if b.cfg.Jitter > 0 {
		d *= 1 - b.cfg.Jitter*b.rand()
	}

	return time.Duration(d)
}
