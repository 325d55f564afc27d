package queue

import (
	"context"
	"math"
	"math/rand"
	"sync"
	"time"
)

// BackoffConfig drives per-job retry scheduling.
type BackoffConfig struct {
	Base       time.Duration
	Cap        time.Duration
	Multiplier float64
	// JitterFrac is multiplicative: delay *= 1 + uniform(0, JitterFrac).
	// Additive-only jitter would still herd many jobs onto the same base
	// delay after a correlated failure.
	JitterFrac float64
}

// NextRetryDelay computes the delay before retry number attempts.
// min(base * multiplier^(attempts-1), cap) * (1 + uniform(0, jitter)).
func (c BackoffConfig) NextRetryDelay(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	d := float64(c.Base) * math.Pow(c.Multiplier, float64(attempts-1))
	if d > float64(c.Cap) {
		d = float64(c.Cap)
	}
	return time.Duration(d * (1 + rand.Float64()*c.JitterFrac))
}

// BatchBackoff throttles the whole pipeline when recent batches fail at a
// high rate for a correlated reason (platform outage, DB trouble). It is an
// explicit value with its own mutex, never package state, so orchestrator
// instances don't share it accidentally and tests can seed any condition.
type BatchBackoff struct {
	Threshold    float64
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64

	mu             sync.Mutex
	consecutiveBad int
	delay          time.Duration
}

func NewBatchBackoff(threshold float64, initial, max time.Duration) *BatchBackoff {
	return &BatchBackoff{
		Threshold:    threshold,
		InitialDelay: initial,
		MaxDelay:     max,
		Multiplier:   2.0,
	}
}

// Observe records one batch outcome. failed counts failed + limit_exceeded
// jobs. At or above the threshold the shared delay grows exponentially;
// below it the bad-batch counter decays, resetting the delay at zero.
func (b *BatchBackoff) Observe(total, failed int) {
	if total == 0 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	rate := float64(failed) / float64(total)
	if rate >= b.Threshold {
		b.consecutiveBad++
		d := float64(b.InitialDelay) * math.Pow(b.Multiplier, float64(b.consecutiveBad-1))
		if d > float64(b.MaxDelay) {
			d = float64(b.MaxDelay)
		}
		b.delay = time.Duration(d)
		return
	}
	if b.consecutiveBad > 0 {
		b.consecutiveBad--
		if b.consecutiveBad == 0 {
			b.delay = 0
		}
	}
}

// Delay returns the current shared delay.
func (b *BatchBackoff) Delay() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.delay
}

// Wait sleeps the current delay at the start of a batch pass, aborting early
// on context cancellation.
func (b *BatchBackoff) Wait(ctx context.Context) error {
	d := b.Delay()
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
