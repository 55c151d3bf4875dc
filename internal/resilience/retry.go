package resilience

import (
	"context"
	"math"
	"math/rand"
	"time"
)

// Policy configures the per-call retry loop.
type Policy struct {
	// MaxAttempts counts the first attempt.
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Factor       float64
	// Jitter scales every delay by a random factor in [0.5, 1.5).
	Jitter bool
}

func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:  3,
		InitialDelay: 200 * time.Millisecond,
		MaxDelay:     5 * time.Second,
		Factor:       2.0,
		Jitter:       true,
	}
}

func (p Policy) normalized() Policy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 1
	}
	if p.InitialDelay <= 0 {
		p.InitialDelay = 100 * time.Millisecond
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = 10 * time.Second
	}
	if p.MaxDelay < p.InitialDelay {
		p.MaxDelay = p.InitialDelay
	}
	if p.Factor <= 0 {
		p.Factor = 2.0
	}
	return p
}

// Backoff is the delay after the given failed attempt (1-based).
func (p Policy) Backoff(attempt int) time.Duration {
	p = p.normalized()
	if attempt <= 0 {
		attempt = 1
	}
	delay := float64(p.InitialDelay) * math.Pow(p.Factor, float64(attempt-1))
	if delay > float64(p.MaxDelay) {
		delay = float64(p.MaxDelay)
	}
	if p.Jitter {
		delay *= 0.5 + rand.Float64() // #nosec G404 -- jitter does not require cryptographic randomness
	}
	return time.Duration(delay)
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
