// Package retry provides the reusable retry and polling policies used by
// navigation checks, file detection, file renames and outbound deliveries.
package retry

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math"
	"math/big"
	"time"
)

// Policy retries an operation a bounded number of times with a backoff
// schedule. The zero value performs a single attempt.
type Policy struct {
	// MaxAttempts is the total number of attempts, including the first.
	MaxAttempts int
	// Delays is the backoff before attempt n+1; the last delay repeats.
	Delays []time.Duration
	// MaxDelay caps exponential growth when Delays is empty.
	MaxDelay time.Duration
	// BaseDelay seeds exponential backoff when Delays is empty.
	BaseDelay time.Duration
	// Jitter halves the delay and adds a random share of the other half.
	Jitter bool
}

// Fixed returns a policy with attempts tries and a constant delay.
func Fixed(attempts int, delay time.Duration) Policy {
	return Policy{MaxAttempts: attempts, Delays: []time.Duration{delay}}
}

// NewExponential builds a jittered exponential policy.
func NewExponential(attempts int, base, maxDelay time.Duration) Policy {
	return Policy{
		MaxAttempts: attempts,
		BaseDelay:   base,
		MaxDelay:    maxDelay,
		Jitter:      true,
	}
}

type permanentError struct {
	err error
}

func (e permanentError) Error() string { return e.err.Error() }
func (e permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var p permanentError
	return errors.As(err, &p)
}

// ShouldRetry decides whether the error is retryable after attempt (1-based).
func (p Policy) ShouldRetry(err error, attempt int) bool {
	if err == nil {
		return false
	}
	if attempt >= p.attempts() {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	return !IsPermanent(err)
}

// Backoff returns the wait duration after attempt (1-based).
func (p Policy) Backoff(attempt int) time.Duration {
	var delay time.Duration
	switch {
	case len(p.Delays) > 0:
		idx := attempt - 1
		if idx < 0 {
			idx = 0
		}
		if idx >= len(p.Delays) {
			idx = len(p.Delays) - 1
		}
		delay = p.Delays[idx]
	case p.BaseDelay > 0:
		grown := float64(p.BaseDelay) * math.Pow(2, float64(attempt-1))
		if p.MaxDelay > 0 && grown > float64(p.MaxDelay) {
			grown = float64(p.MaxDelay)
		}
		delay = time.Duration(grown)
	}
	if !p.Jitter || delay <= 0 {
		return delay
	}
	return delay/2 + randomJitter(delay/2)
}

// Do calls fn until it succeeds, the policy is exhausted, or ctx ends. The
// last error is returned wrapped with the attempt count.
func (p Policy) Do(ctx context.Context, fn func(ctx context.Context, attempt int) error) error {
	var err error
	for attempt := 1; ; attempt++ {
		err = fn(ctx, attempt)
		if err == nil {
			return nil
		}
		if !p.ShouldRetry(err, attempt) {
			if attempt > 1 {
				return fmt.Errorf("after %d attempts: %w", attempt, err)
			}
			return err
		}
		if sleepErr := Sleep(ctx, p.Backoff(attempt)); sleepErr != nil {
			return fmt.Errorf("retry wait: %w (last error: %v)", sleepErr, err)
		}
	}
}

func (p Policy) attempts() int {
	if p.MaxAttempts <= 0 {
		return 1
	}
	return p.MaxAttempts
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("sleep canceled: %w", ctx.Err())
	}
}

func randomJitter(limit time.Duration) time.Duration {
	if limit <= 0 {
		return 0
	}
	n, err := rand.Int(rand.Reader, big.NewInt(int64(limit)))
	if err != nil {
		return limit / 2
	}
	return time.Duration(n.Int64())
}
