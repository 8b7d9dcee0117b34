package mirror

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/rs/zerolog"
)

const (
	DefaultMaxAttempts = 10
	minBackoffUnits    = 1
	maxBackoffUnits    = 600
	// 2^(n+1) passes maxBackoffUnits well before this exponent.
	maxBackoffExponent = 16
)

// Retrier runs an operation up to MaxAttempts times. After failed attempt n
// it waits clamp(2^(n+1) + U(-(n+1), n+1), 1, 600) units before retrying.
type Retrier struct {
	MaxAttempts int
	// Unit scales the delay formula; zero means one second.
	Unit time.Duration
	// Rand returns a sample in [0, 1); zero means math/rand.
	Rand func() float64
	// Wait blocks for d or until ctx is done; zero means a timer.
	Wait func(ctx context.Context, d time.Duration) error
	Log  zerolog.Logger
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent wraps err so that Retrier.Do returns it without retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

func (r *Retrier) Do(ctx context.Context, name string, op func(ctx context.Context) error) error {
	maxAttempts := r.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		lastErr = op(ctx)
		if lastErr == nil {
			return nil
		}
		var permanent *permanentError
		if errors.As(lastErr, &permanent) {
			return permanent.err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if attempt == maxAttempts {
			break
		}
		delay := r.Delay(attempt)
		r.Log.Warn().
			Err(lastErr).
			Str("operation", name).
			Int("attempt", attempt).
			Int("max_attempts", maxAttempts).
			Dur("delay", delay).
			Msg("attempt failed, backing off")
		if err := r.wait(ctx, delay); err != nil {
			return err
		}
	}
	return fmt.Errorf("%s failed after %d attempts: %w", name, maxAttempts, lastErr)
}

// Delay computes the jittered wait after failed attempt n (1-indexed). The
// jitter is applied to the raw power of two and the sum is clamped once.
func (r *Retrier) Delay(attempt int) time.Duration {
	exponent := backoffExponent(attempt)
	jitter := (r.sample()*2 - 1) * float64(exponent)
	units := clampUnits(math.Pow(2, float64(exponent)) + jitter)
	return time.Duration(units * float64(r.unit()))
}

// BaseDelay is the un-jittered delay after attempt n, in units.
func BaseDelay(attempt int) float64 {
	return clampUnits(math.Pow(2, float64(backoffExponent(attempt))))
}

func backoffExponent(attempt int) int {
	return min(max(attempt, 1)+1, maxBackoffExponent)
}

func clampUnits(units float64) float64 {
	if units < minBackoffUnits {
		return minBackoffUnits
	}
	if units > maxBackoffUnits {
		return maxBackoffUnits
	}
	return units
}

func (r *Retrier) unit() time.Duration {
	if r.Unit <= 0 {
		return time.Second
	}
	return r.Unit
}

func (r *Retrier) sample() float64 {
	if r.Rand != nil {
		return r.Rand()
	}
	//nolint:gosec // jitter, not security sensitive
	return rand.Float64()
}

func (r *Retrier) wait(ctx context.Context, delay time.Duration) error {
	if r.Wait != nil {
		return r.Wait(ctx, delay)
	}
	return Sleep(ctx, delay)
}

// Sleep blocks for delay or until ctx is done, whichever comes first, and
// reports ctx.Err() in the latter case.
func Sleep(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
