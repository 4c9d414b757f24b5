package ledger

import (
	"context"
	"math/rand"
	"time"
)

// Backoff is an exponential retry schedule with jitter.
type Backoff struct {
	Initial time.Duration
	Max     time.Duration
	// MaxAttempts bounds the number of retries. Zero retries forever.
	MaxAttempts int

	current  time.Duration
	attempts int
}

// DefaultBackoff returns the schedule used when nothing is configured.
func DefaultBackoff() Backoff {
	return Backoff{Initial: time.Second, Max: 30 * time.Second}
}

// Next returns the delay before the next retry and false once attempts are exhausted.
func (b *Backoff) Next() (time.Duration, bool) {
	if b.MaxAttempts > 0 && b.attempts >= b.MaxAttempts {
		return 0, false
	}
	b.attempts++
	if b.current == 0 {
		b.current = b.Initial
	} else {
		b.current *= 2
	}
	if b.Max > 0 && b.current > b.Max {
		b.current = b.Max
	}
	jitter := time.Duration(rand.Float64() * float64(b.current) * 0.1)
	return b.current + jitter, true
}

// Reset starts the schedule over after a success.
func (b *Backoff) Reset() {
	b.current = 0
	b.attempts = 0
}

// Attempts returns the number of retries handed out since the last Reset.
func (b *Backoff) Attempts() int {
	return b.attempts
}

// Retry calls fn until it succeeds, returns a non-transient error, the
// schedule is exhausted, or ctx is done. onRetry, if set, is called before
// each wait.
func Retry(ctx context.Context, b Backoff, fn func(context.Context) error, onRetry func(err error, wait time.Duration)) error {
	for {
		err := fn(ctx)
		if err == nil || !IsTransient(err) {
			return err
		}
		wait, ok := b.Next()
		if !ok {
			return err
		}
		if onRetry != nil {
			onRetry(err, wait)
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}
