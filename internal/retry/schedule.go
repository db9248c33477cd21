package retry

import (
	"context"
	"time"
)

// Schedule lists check offsets measured from the moment polling starts, for
// example 0, 300ms, 800ms, 1.5s for a progressive backoff.
type Schedule []time.Duration

// Progressive builds a schedule from explicit offsets.
func Progressive(offsets ...time.Duration) Schedule {
	return append(Schedule(nil), offsets...)
}

// Steps waits initial, then checks every step for up to extra more.
func Steps(initial, step, extra time.Duration) Schedule {
	s := Schedule{initial}
	if step <= 0 {
		return s
	}
	for off := step; off <= extra; off += step {
		s = append(s, initial+off)
	}
	return s
}

// Every checks immediately and then every interval until timeout.
func Every(interval, timeout time.Duration) Schedule {
	if interval <= 0 {
		return Schedule{0}
	}
	s := Schedule{0}
	for off := interval; off < timeout; off += interval {
		s = append(s, off)
	}
	if timeout > 0 {
		s = append(s, timeout)
	}
	return s
}

// Span is the offset of the final check.
func (s Schedule) Span() time.Duration {
	if len(s) == 0 {
		return 0
	}
	return s[len(s)-1]
}

// Poll evaluates cond at each offset until it returns true or an error. It
// returns false with a nil error once the schedule is exhausted.
func (s Schedule) Poll(ctx context.Context, cond func(ctx context.Context) (bool, error)) (bool, error) {
	start := time.Now()
	for _, off := range s {
		if wait := off - time.Since(start); wait > 0 {
			if err := Sleep(ctx, wait); err != nil {
				return false, err
			}
		}
		ok, err := cond(ctx)
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}
	}
	return false, nil
}
