// Package retry re-runs calls to remote dependencies after transient
// failures, waiting an exponentially growing, jittered delay in between.
package retry

import (
	"context"
	"errors"
	"math"
	"math/rand/v2"
	"time"

	"go.uber.org/zap"

	"github.com/knowledge-engine/backend/pkg/apperrors"
)

// Policy describes how often and how patiently an operation is retried.
type Policy struct {
	Name        string
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Multiplier  float64
	Jitter      float64

	// Retryable decides whether a failed attempt is tried again. Nil means
	// IsTransient.
	Retryable func(error) bool
	// OnRetry is called before each wait, with the attempt that just failed.
	OnRetry func(name string, attempt int, err error)
	Logger  *zap.Logger
}

func DefaultPolicy(name string) Policy {
	return Policy{
		Name:        name,
		MaxAttempts: 3,
		BaseDelay:   100 * time.Millisecond,
		MaxDelay:    10 * time.Second,
		Multiplier:  2,
		Jitter:      0.1,
	}
}

func (p Policy) normalized() Policy {
	d := DefaultPolicy(p.Name)
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = d.MaxAttempts
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = d.BaseDelay
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = d.MaxDelay
	}
	if p.Multiplier < 1 {
		p.Multiplier = d.Multiplier
	}
	if p.Retryable == nil {
		p.Retryable = IsTransient
	}
	if p.Logger == nil {
		p.Logger = zap.NewNop()
	}
	return p
}

// Backoff returns the un-jittered wait after the given failed attempt
// (1-based), capped at MaxDelay.
func (p Policy) Backoff(attempt int) time.Duration {
	p = p.normalized()
	d := float64(p.BaseDelay) * math.Pow(p.Multiplier, float64(attempt-1))
	return time.Duration(min(d, float64(p.MaxDelay)))
}

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err so that no further attempt is made.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsTransient reports whether err is worth another attempt. Cancellation,
// caller mistakes, missing records and Permanent errors are not.
func IsTransient(err error) bool {
	var perm *permanentError
	switch {
	case errors.As(err, &perm):
		return false
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return false
	case apperrors.IsValidation(err), apperrors.IsNotFound(err):
		return false
	}
	return true
}

// Do runs op until it succeeds, fails with a non-retryable error, the
// attempts run out or ctx ends. The last error is returned unwrapped from
// any Permanent marker.
func Do(ctx context.Context, p Policy, op func(ctx context.Context) error) error {
	p = p.normalized()

	var err error
	for attempt := 1; ; attempt++ {
		if cerr := ctx.Err(); cerr != nil {
			return cerr
		}

		if err = op(ctx); err == nil {
			if attempt > 1 {
				p.Logger.Debug("Dependency call recovered",
					zap.String("operation", p.Name),
					zap.Int("attempt", attempt),
				)
			}
			return nil
		}

		if !p.Retryable(err) || attempt >= p.MaxAttempts {
			break
		}

		wait := jitter(p.Backoff(attempt), p.Jitter)
		p.Logger.Warn("Dependency call failed, retrying",
			zap.String("operation", p.Name),
			zap.Int("attempt", attempt),
			zap.Duration("wait", wait),
			zap.Error(err),
		)
		if p.OnRetry != nil {
			p.OnRetry(p.Name, attempt, err)
		}

		if serr := sleep(ctx, wait); serr != nil {
			return serr
		}
	}

	var perm *permanentError
	if errors.As(err, &perm) {
		return perm.err
	}
	return err
}

// DoValue is Do for operations that produce a value.
func DoValue[T any](ctx context.Context, p Policy, op func(ctx context.Context) (T, error)) (T, error) {
	var out T
	err := Do(ctx, p, func(ctx context.Context) error {
		v, err := op(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}

func jitter(d time.Duration, fraction float64) time.Duration {
	if fraction <= 0 || d <= 0 {
		return d
	}
	spread := float64(d) * fraction
	return time.Duration(float64(d) - spread + rand.Float64()*2*spread)
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
