// Package breaker protects calls to the upstream model provider with a three
// state circuit breaker. One Breaker instance guards one dependency for the
// process lifetime; its state is never persisted.
package breaker

import (
	"context"
	"errors"
	"sync"
	"time"

	"wabot/internal/audit"
)

// State is the breaker's position in its state machine.
type State int

const (
	// StateClosed is normal operation: calls pass through.
	StateClosed State = iota
	// StateOpen rejects calls without invoking the wrapped function.
	StateOpen
	// StateHalfOpen admits probe calls to test whether the upstream recovered.
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// Config holds breaker thresholds.
type Config struct {
	// Name identifies the protected dependency in audit events and stats.
	Name string
	// FailureThreshold is the consecutive-failure count that opens the circuit.
	FailureThreshold int
	// SuccessThreshold is the half-open success count that closes it again.
	SuccessThreshold int
	// ResetTimeout is how long an open circuit rejects before probing.
	ResetTimeout time.Duration
}

// Stats is a point-in-time snapshot for introspection.
type Stats struct {
	State         State
	FailureCount  int
	SuccessCount  int
	NextAttemptAt time.Time // Zero unless the circuit is open
}

// Breaker wraps an unreliable dependency. Safe for concurrent use. While
// half-open, overlapping probes are all admitted; successes accumulate across
// them rather than being serialized to one probe at a time.
type Breaker struct {
	config Config
	sink   audit.Sink

	mu            sync.Mutex
	state         State
	failureCount  int
	successCount  int
	nextAttemptAt time.Time

	// now allows tests to control the clock.
	now func() time.Time
}

// New creates a closed breaker. Zero or negative thresholds fall back to
// conservative defaults. A nil sink disables audit emission.
func New(config Config, sink audit.Sink) *Breaker {
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = 5
	}
	if config.SuccessThreshold <= 0 {
		config.SuccessThreshold = 1
	}
	if config.ResetTimeout <= 0 {
		config.ResetTimeout = 30 * time.Second
	}
	if config.Name == "" {
		config.Name = "upstream"
	}

	return &Breaker{
		config: config,
		sink:   sink,
		state:  StateClosed,
		now:    time.Now,
	}
}

// Do runs fn under the breaker's admission and bookkeeping rules. It returns
// fn's error on failure, a *OpenError without invoking fn while the circuit
// rejects, and nil on success.
func (b *Breaker) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := b.beforeCall(); err != nil {
		return err
	}

	err := fn(ctx)
	b.afterCall(err)
	return err
}

// Execute runs fn through the breaker and returns its result. It exists
// because methods cannot introduce type parameters.
func Execute[T any](ctx context.Context, b *Breaker, fn func(ctx context.Context) (T, error)) (T, error) {
	var result T
	err := b.Do(ctx, func(ctx context.Context) error {
		var innerErr error
		result, innerErr = fn(ctx)
		return innerErr
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return result, nil
}

// beforeCall applies the admission guard and the lazy OPEN -> HALF_OPEN
// transition. The transition happens on the next call after the reset
// timeout, not on a timer.
func (b *Breaker) beforeCall() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateOpen {
		if b.now().Before(b.nextAttemptAt) {
			return &OpenError{Service: b.config.Name, RetryAt: b.nextAttemptAt}
		}
		b.state = StateHalfOpen
		b.successCount = 0
	}
	return nil
}

func (b *Breaker) afterCall(err error) {
	if err != nil {
		b.onFailure()
		return
	}
	b.onSuccess()
}

func (b *Breaker) onSuccess() {
	b.mu.Lock()

	var event *audit.Event
	switch b.state {
	case StateClosed:
		b.failureCount = 0
	case StateHalfOpen:
		b.successCount++
		if b.successCount >= b.config.SuccessThreshold {
			b.state = StateClosed
			b.failureCount = 0
			b.successCount = 0
			event = b.transitionEventLocked(audit.KindBreakerClosed)
		}
	}

	b.mu.Unlock()
	b.emit(event)
}

func (b *Breaker) onFailure() {
	b.mu.Lock()

	var event *audit.Event
	switch b.state {
	case StateClosed:
		b.failureCount++
		if b.failureCount >= b.config.FailureThreshold {
			b.state = StateOpen
			b.nextAttemptAt = b.now().Add(b.config.ResetTimeout)
			event = b.transitionEventLocked(audit.KindBreakerOpened)
		}
	case StateHalfOpen:
		// A single probe failure reopens the circuit regardless of counters.
		b.state = StateOpen
		b.successCount = 0
		b.nextAttemptAt = b.now().Add(b.config.ResetTimeout)
		event = b.transitionEventLocked(audit.KindBreakerOpened)
	}

	b.mu.Unlock()
	b.emit(event)
}

func (b *Breaker) transitionEventLocked(kind audit.Kind) *audit.Event {
	event := audit.NewEvent(kind)
	event.Service = b.config.Name
	event.Fields["state"] = b.state.String()
	event.Fields["failure_count"] = b.failureCount
	return &event
}

// emit sends the transition event outside the breaker's lock. Emission is
// fire-and-forget: a sink fault never reaches the caller or the state machine.
func (b *Breaker) emit(event *audit.Event) {
	if event == nil || b.sink == nil {
		return
	}
	defer func() {
		_ = recover()
	}()
	b.sink.Record(context.Background(), *event)
}

// State returns the current state, applying the lazy half-open transition so
// callers observe OPEN only while the circuit actually rejects.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateOpen && !b.now().Before(b.nextAttemptAt) {
		return StateHalfOpen
	}
	return b.state
}

// IsOpen reports whether the breaker currently rejects calls.
func (b *Breaker) IsOpen() bool {
	return b.State() == StateOpen
}

// IsClosed reports whether the breaker is in normal operation.
func (b *Breaker) IsClosed() bool {
	return b.State() == StateClosed
}

// Name returns the configured name of the protected dependency.
func (b *Breaker) Name() string {
	return b.config.Name
}

// Stats returns a single consistent snapshot of the state machine. It applies
// the same lazy open to half-open view as State: once the reset timeout has
// passed, the snapshot reports HalfOpen and no probe deadline.
func (b *Breaker) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()

	stats := Stats{
		State:        b.state,
		FailureCount: b.failureCount,
		SuccessCount: b.successCount,
	}
	if b.state == StateOpen {
		if !b.now().Before(b.nextAttemptAt) {
			stats.State = StateHalfOpen
		} else {
			stats.NextAttemptAt = b.nextAttemptAt
		}
	}
	return stats
}

// Reset forces the breaker closed with zeroed counters.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = StateClosed
	b.failureCount = 0
	b.successCount = 0
	b.nextAttemptAt = b.now()
}

// SetClock overrides the breaker's time source for tests.
func (b *Breaker) SetClock(now func() time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.now = now
}

// IsOpenError reports whether err is a breaker rejection.
func IsOpenError(err error) bool {
	var openErr *OpenError
	return errors.As(err, &openErr)
}
