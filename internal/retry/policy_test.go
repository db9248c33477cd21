package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPolicyShouldRetry(t *testing.T) {
	t.Parallel()

	p := Fixed(3, time.Millisecond)
	assert.False(t, p.ShouldRetry(nil, 1))
	assert.True(t, p.ShouldRetry(errors.New("boom"), 1))
	assert.False(t, p.ShouldRetry(errors.New("boom"), 3))
	assert.False(t, p.ShouldRetry(context.Canceled, 1))
	assert.False(t, p.ShouldRetry(Permanent(errors.New("bad request")), 1))
}

func TestPolicyBackoffSchedule(t *testing.T) {
	t.Parallel()

	p := Policy{MaxAttempts: 5, Delays: []time.Duration{100 * time.Millisecond, 300 * time.Millisecond}}
	assert.Equal(t, 100*time.Millisecond, p.Backoff(1))
	assert.Equal(t, 300*time.Millisecond, p.Backoff(2))
	assert.Equal(t, 300*time.Millisecond, p.Backoff(4))

	exp := Policy{MaxAttempts: 5, BaseDelay: 100 * time.Millisecond, MaxDelay: 250 * time.Millisecond}
	assert.Equal(t, 100*time.Millisecond, exp.Backoff(1))
	assert.Equal(t, 200*time.Millisecond, exp.Backoff(2))
	assert.Equal(t, 250*time.Millisecond, exp.Backoff(3))
}

func TestPolicyBackoffJitterBounds(t *testing.T) {
	t.Parallel()

	p := NewExponential(3, 200*time.Millisecond, time.Second)
	for i := 0; i < 20; i++ {
		d := p.Backoff(1)
		require.GreaterOrEqual(t, d, 100*time.Millisecond)
		require.Less(t, d, 200*time.Millisecond)
	}
}

func TestPolicyDoRetriesUntilSuccess(t *testing.T) {
	t.Parallel()

	calls := 0
	err := Fixed(3, time.Millisecond).Do(context.Background(), func(context.Context, int) error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestPolicyDoStopsOnPermanent(t *testing.T) {
	t.Parallel()

	calls := 0
	sentinel := errors.New("rejected")
	err := Fixed(5, time.Millisecond).Do(context.Background(), func(context.Context, int) error {
		calls++
		return Permanent(sentinel)
	})
	require.ErrorIs(t, err, sentinel)
	assert.Equal(t, 1, calls)
}

func TestPolicyDoExhausts(t *testing.T) {
	t.Parallel()

	calls := 0
	err := Fixed(2, time.Millisecond).Do(context.Background(), func(context.Context, int) error {
		calls++
		return errors.New("still failing")
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "after 2 attempts")
	assert.Equal(t, 2, calls)
}

func TestSleepHonoursContext(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := Sleep(ctx, time.Minute)
	require.ErrorIs(t, err, context.Canceled)
}
