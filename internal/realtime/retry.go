package realtime

import (
	"math"
	"math/rand"
	"time"
)

// Retryer decides how long to wait before the next reconnect attempt.
type Retryer interface {
	// NextDelay returns the delay before retry number attempt (0-based) and
	// whether to retry at all.
	NextDelay(attempt int, lastErr error) (time.Duration, bool)
}

// ExponentialBackoff grows the delay by Multiplier per attempt, capped at
// MaxDelay. MaxRetries of 0 retries forever.
type ExponentialBackoff struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	MaxRetries   int
	// JitterFactor spreads each delay by up to ±JitterFactor of itself.
	JitterFactor float64
}

// NewExponentialBackoff returns the default reconnect policy.
func NewExponentialBackoff() *ExponentialBackoff {
	return &ExponentialBackoff{
		InitialDelay: 500 * time.Millisecond,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
		JitterFactor: 0.2,
	}
}

// NextDelay implements Retryer.
func (b *ExponentialBackoff) NextDelay(attempt int, _ error) (time.Duration, bool) {
	if b.MaxRetries > 0 && attempt >= b.MaxRetries {
		return 0, false
	}

	delay := float64(b.InitialDelay) * math.Pow(b.Multiplier, float64(attempt))
	if b.MaxDelay > 0 && delay > float64(b.MaxDelay) {
		delay = float64(b.MaxDelay)
	}

	if b.JitterFactor > 0 {
		//nolint:gosec // jitter only
		delay += delay * b.JitterFactor * (2*rand.Float64() - 1)
		if delay < 0 {
			delay = float64(b.InitialDelay)
		}
	}
	return time.Duration(delay), true
}

// FixedDelay retries every Delay, at most MaxRetries times (0 = forever).
type FixedDelay struct {
	Delay      time.Duration
	MaxRetries int
}

// NextDelay implements Retryer.
func (f FixedDelay) NextDelay(attempt int, _ error) (time.Duration, bool) {
	if f.MaxRetries > 0 && attempt >= f.MaxRetries {
		return 0, false
	}
	return f.Delay, true
}
