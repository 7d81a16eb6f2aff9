// Package circuitbreaker stops calling a dependency that keeps failing and
// lets a few probe calls through once a cool-down has passed.
package circuitbreaker

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/knowledge-engine/backend/pkg/apperrors"
)

var (
	ErrOpen          = errors.New("circuit breaker is open")
	ErrProbeInFlight = errors.New("circuit breaker is probing, call rejected")
)

type State int

const (
	StateClosed State = iota
	StateHalfOpen
	StateOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateHalfOpen:
		return "half-open"
	case StateOpen:
		return "open"
	}
	return "unknown"
}

type Settings struct {
	// FailureThreshold consecutive failures open the breaker.
	FailureThreshold int
	// Cooldown is how long the breaker stays open before probing.
	Cooldown time.Duration
	// Probes is the number of concurrent calls admitted while half-open.
	Probes int
	// RecoveryThreshold consecutive probe successes close the breaker.
	RecoveryThreshold int
	// ResetInterval clears the failure streak of a closed breaker. Zero
	// keeps the streak until the next success.
	ResetInterval time.Duration

	// Counts decides which errors count against the dependency. Nil means
	// every error except caller mistakes, missing records and cancellation.
	Counts        func(error) bool
	OnStateChange func(name string, from, to State)
	Logger        *zap.Logger
	Now           func() time.Time
}

type Breaker struct {
	name string
	set  Settings

	mu          sync.Mutex
	state       State
	failures    int
	successes   int
	inFlight    int
	openedAt    time.Time
	streakStart time.Time
}

func New(name string, s Settings) *Breaker {
	if s.FailureThreshold <= 0 {
		s.FailureThreshold = 5
	}
	if s.Cooldown <= 0 {
		s.Cooldown = 30 * time.Second
	}
	if s.Probes <= 0 {
		s.Probes = 1
	}
	if s.RecoveryThreshold <= 0 {
		s.RecoveryThreshold = 2
	}
	if s.Counts == nil {
		s.Counts = countsAgainstDependency
	}
	if s.Logger == nil {
		s.Logger = zap.NewNop()
	}
	if s.Now == nil {
		s.Now = time.Now
	}
	return &Breaker{name: name, set: s}
}

func countsAgainstDependency(err error) bool {
	if errors.Is(err, context.Canceled) {
		return false
	}
	return !apperrors.IsValidation(err) && !apperrors.IsNotFound(err)
}

func (b *Breaker) Name() string { return b.name }

func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.advance(b.set.Now())
	return b.state
}

// Do runs fn unless the breaker rejects the call. Rejections are dependency
// errors wrapping ErrOpen or ErrProbeInFlight.
func (b *Breaker) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	probing, err := b.admit()
	if err != nil {
		return apperrors.Dependency(b.name, err)
	}

	ok := false
	defer func() { b.record(probing, ok) }()

	err = fn(ctx)
	ok = err == nil || !b.set.Counts(err)
	return err
}

func (b *Breaker) admit() (probing bool, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.advance(b.set.Now())
	switch b.state {
	case StateOpen:
		return false, ErrOpen
	case StateHalfOpen:
		if b.inFlight >= b.set.Probes {
			return false, ErrProbeInFlight
		}
		b.inFlight++
		return true, nil
	}
	return false, nil
}

func (b *Breaker) record(probing, ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.set.Now()
	if probing {
		b.inFlight--
		if b.state != StateHalfOpen {
			return
		}
		if !ok {
			b.transition(StateOpen, now)
			return
		}
		b.successes++
		if b.successes >= b.set.RecoveryThreshold {
			b.transition(StateClosed, now)
		}
		return
	}

	if b.state != StateClosed {
		return
	}
	if ok {
		b.failures = 0
		return
	}
	if b.failures == 0 {
		b.streakStart = now
	}
	b.failures++
	if b.failures >= b.set.FailureThreshold {
		b.transition(StateOpen, now)
	}
}

// advance applies the time-based transitions. Callers hold mu.
func (b *Breaker) advance(now time.Time) {
	switch b.state {
	case StateOpen:
		if !now.Before(b.openedAt.Add(b.set.Cooldown)) {
			b.transition(StateHalfOpen, now)
		}
	case StateClosed:
		if b.set.ResetInterval > 0 && b.failures > 0 && now.Sub(b.streakStart) > b.set.ResetInterval {
			b.failures = 0
		}
	}
}

func (b *Breaker) transition(to State, now time.Time) {
	from := b.state
	if from == to {
		return
	}
	streak := b.failures

	b.state = to
	b.failures, b.successes = 0, 0
	if to == StateOpen {
		b.openedAt = now
	}

	b.set.Logger.Info("Circuit breaker state changed",
		zap.String("name", b.name),
		zap.String("from", from.String()),
		zap.String("to", to.String()),
		zap.Int("failures", streak),
	)
	if b.set.OnStateChange != nil {
		b.set.OnStateChange(b.name, from, to)
	}
}
