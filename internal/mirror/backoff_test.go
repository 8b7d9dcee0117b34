package mirror

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRetrierDelayBounds(t *testing.T) {
	for _, sample := range []float64{0, 0.25, 0.5, 0.999999} {
		r := &Retrier{Rand: func() float64 { return sample }}
		for attempt := 1; attempt <= 40; attempt++ {
			delay := r.Delay(attempt)
			assert.GreaterOrEqual(t, delay, time.Second, "attempt %d sample %v", attempt, sample)
			assert.LessOrEqual(t, delay, 600*time.Second, "attempt %d sample %v", attempt, sample)
		}
	}
}

func TestBaseDelayNonDecreasing(t *testing.T) {
	previous := 0.0
	for attempt := 1; attempt <= 64; attempt++ {
		base := BaseDelay(attempt)
		assert.GreaterOrEqual(t, base, previous, "attempt %d", attempt)
		assert.GreaterOrEqual(t, base, 1.0)
		assert.LessOrEqual(t, base, 600.0)
		previous = base
	}
	assert.Equal(t, 4.0, BaseDelay(1))
	assert.Equal(t, 8.0, BaseDelay(2))
	assert.Equal(t, 512.0, BaseDelay(8))
	assert.Equal(t, 600.0, BaseDelay(9))
}

func TestRetrierDelayJitterRange(t *testing.T) {
	low := &Retrier{Unit: time.Millisecond, Rand: func() float64 { return 0 }}
	high := &Retrier{Unit: time.Millisecond, Rand: func() float64 { return 1 }}
	mid := &Retrier{Unit: time.Millisecond, Rand: func() float64 { return 0.5 }}

	// attempt 1: 2^2 = 4 units, jitter within +-2 units.
	assert.Equal(t, 2*time.Millisecond, low.Delay(1))
	assert.Equal(t, 6*time.Millisecond, high.Delay(1))
	assert.Equal(t, 4*time.Millisecond, mid.Delay(1))
}

func TestRetrierDelaySaturatesAtCeiling(t *testing.T) {
	// From attempt 9 on 2^(n+1) exceeds the ceiling by more than any jitter.
	for _, sample := range []float64{0, 0.5, 0.999999} {
		r := &Retrier{Rand: func() float64 { return sample }}
		for attempt := 9; attempt <= 12; attempt++ {
			assert.Equal(t, 600*time.Second, r.Delay(attempt), "attempt %d sample %v", attempt, sample)
		}
	}
	// attempt 8: 512 units, jitter within +-9.
	low := &Retrier{Rand: func() float64 { return 0 }}
	assert.Equal(t, 503*time.Second, low.Delay(8))
}

func TestSleep(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, Sleep(ctx, time.Hour), context.Canceled)
	assert.ErrorIs(t, Sleep(ctx, 0), context.Canceled)
	assert.NoError(t, Sleep(context.Background(), 0))
	assert.NoError(t, Sleep(context.Background(), time.Millisecond))
}

func TestRetrierDoRetriesUntilSuccess(t *testing.T) {
	waits := &waitRecorder{}
	r := &Retrier{MaxAttempts: 5, Rand: func() float64 { return 0.5 }, Wait: waits.Wait, Log: zerolog.Nop()}
	calls := 0
	err := r.Do(context.Background(), "health check", func(context.Context) error {
		calls++
		if calls < 3 {
			return connRefused("db:5432")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
	assert.Equal(t, []time.Duration{4 * time.Second, 8 * time.Second}, waits.recorded())
}

func TestRetrierDoGivesUpAfterMaxAttempts(t *testing.T) {
	waits := &waitRecorder{}
	r := &Retrier{MaxAttempts: 3, Wait: waits.Wait, Log: zerolog.Nop()}
	calls := 0
	err := r.Do(context.Background(), "health check", func(context.Context) error {
		calls++
		return connRefused("db:5432")
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrConnRefused)
	assert.Contains(t, err.Error(), "health check failed after 3 attempts")
	assert.Equal(t, 3, calls)
	assert.Len(t, waits.recorded(), 2)
}

func TestRetrierDoStopsOnPermanentError(t *testing.T) {
	waits := &waitRecorder{}
	r := &Retrier{MaxAttempts: 5, Wait: waits.Wait, Log: zerolog.Nop()}
	cause := errors.New("authentication failed")
	calls := 0
	err := r.Do(context.Background(), "health check", func(context.Context) error {
		calls++
		return Permanent(cause)
	})
	assert.Equal(t, cause, err)
	assert.Equal(t, 1, calls)
	assert.Empty(t, waits.recorded())
	assert.Nil(t, Permanent(nil))
}

func TestRetrierDoInterruptedDuringWait(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	r := &Retrier{MaxAttempts: 5, Unit: time.Hour, Log: zerolog.Nop()}
	calls := 0
	done := make(chan error, 1)
	go func() {
		done <- r.Do(ctx, "health check", func(context.Context) error {
			calls++
			return connRefused("db:5432")
		})
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
		assert.Equal(t, 1, calls)
	case <-time.After(2 * time.Second):
		t.Fatal("Do did not return after cancellation")
	}
}

func TestRetrierDefaults(t *testing.T) {
	waits := &waitRecorder{}
	r := &Retrier{Wait: waits.Wait, Log: zerolog.Nop()}
	calls := 0
	err := r.Do(context.Background(), "health check", func(context.Context) error {
		calls++
		return errors.New("down")
	})
	require.Error(t, err)
	assert.Equal(t, DefaultMaxAttempts, calls)
	for _, delay := range waits.recorded() {
		assert.GreaterOrEqual(t, delay, time.Second)
	}
}
