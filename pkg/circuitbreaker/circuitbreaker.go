// Copyright 2025 Certen Protocol
//
// Circuit breaker: a three-state failure guard with timed recovery. Mutex
// guarded, synchronous, no background goroutines. State transition
// listeners fire synchronously on the mutating call, before it returns;
// this breaker has no internal timer of its own.

package circuitbreaker

import (
	"errors"
	"log"
	"sync"
	"time"
)

// State is one of the three states a breaker can be in.
type State string

const (
	Closed   State = "closed"
	Open     State = "open"
	HalfOpen State = "half_open"
)

// ErrCircuitOpen is returned by Execute when the breaker's current state
// forbids the call from running.
var ErrCircuitOpen = errors.New("circuitbreaker: circuit is open")

// Config configures a Breaker's thresholds.
type Config struct {
	FailureThreshold    int
	ResetTimeout        time.Duration
	HalfOpenMaxAttempts int
	Logger              *log.Logger
}

// DefaultConfig returns reasonable defaults.
func DefaultConfig() Config {
	return Config{
		FailureThreshold:    5,
		ResetTimeout:        30 * time.Second,
		HalfOpenMaxAttempts: 1,
	}
}

// Listener is notified of every real state transition (self-transitions are
// suppressed: a listener never sees CLOSED→CLOSED).
type Listener func(from, to State)

// Breaker is a mutex-guarded, logically synchronous state machine over
// {CLOSED, OPEN, HALF_OPEN}. The OPEN→HALF_OPEN transition is lazy: it is
// only evaluated when Execute or State is next called.
type Breaker struct {
	mu sync.Mutex

	cfg Config
	now func() time.Time

	state             State
	failureCount      int
	lastFailureAt     time.Time
	halfOpenAttempts  int
	halfOpenSuccesses int

	listeners []Listener
	logger    *log.Logger
}

// New creates a breaker starting in the CLOSED state. now defaults to
// time.Now when nil, allowing deterministic tests to inject a clock.
func New(cfg Config, now func() time.Time) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = DefaultConfig().FailureThreshold
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = DefaultConfig().ResetTimeout
	}
	if cfg.HalfOpenMaxAttempts <= 0 {
		cfg.HalfOpenMaxAttempts = DefaultConfig().HalfOpenMaxAttempts
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.New(log.Writer(), "[CircuitBreaker] ", log.LstdFlags)
	}
	if now == nil {
		now = time.Now
	}
	return &Breaker{
		cfg:    cfg,
		now:    now,
		state:  Closed,
		logger: logger,
	}
}

// OnStateChange registers a listener fired synchronously on every real
// transition, before the triggering call returns.
func (b *Breaker) OnStateChange(l Listener) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.listeners = append(b.listeners, l)
}

// State returns the breaker's current state, lazily advancing OPEN to
// HALF_OPEN if the reset timeout has elapsed.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.maybeRecoverLocked()
	return b.state
}

// Execute runs fn if the current state permits it, recording the outcome.
// It returns fn's own error on failure, or ErrCircuitOpen if the breaker
// refuses to run fn at all.
func (b *Breaker) Execute(fn func() error) error {
	if err := b.allow(); err != nil {
		return err
	}
	err := fn()
	if err != nil {
		b.recordFailure()
		return err
	}
	b.recordSuccess()
	return nil
}

// allow reports whether a call may proceed right now, advancing OPEN to
// HALF_OPEN lazily and counting this as one HALF_OPEN attempt if so.
func (b *Breaker) allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.maybeRecoverLocked()

	switch b.state {
	case Open:
		return ErrCircuitOpen
	case HalfOpen:
		if b.halfOpenAttempts >= b.cfg.HalfOpenMaxAttempts {
			return ErrCircuitOpen
		}
		b.halfOpenAttempts++
		return nil
	default: // Closed
		return nil
	}
}

func (b *Breaker) maybeRecoverLocked() {
	if b.state == Open && b.now().Sub(b.lastFailureAt) >= b.cfg.ResetTimeout {
		b.transitionLocked(HalfOpen)
		b.halfOpenAttempts = 0
		b.halfOpenSuccesses = 0
	}
}

// recordSuccess records a successful attempt.
func (b *Breaker) recordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case HalfOpen:
		// The first successful attempt in HALF_OPEN closes the breaker.
		b.resetLocked()
		b.transitionLocked(Closed)
	case Closed:
		b.failureCount = 0
	}
}

// recordFailure records a failed attempt.
func (b *Breaker) recordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.lastFailureAt = b.now()

	switch b.state {
	case HalfOpen:
		b.resetLocked()
		b.transitionLocked(Open)
	case Closed:
		b.failureCount++
		if b.failureCount >= b.cfg.FailureThreshold {
			b.transitionLocked(Open)
		}
	}
}

func (b *Breaker) resetLocked() {
	b.failureCount = 0
	b.halfOpenAttempts = 0
	b.halfOpenSuccesses = 0
}

// ForceReset returns unconditionally to CLOSED.
func (b *Breaker) ForceReset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.resetLocked()
	b.transitionLocked(Closed)
}

// transitionLocked fires listeners synchronously for a real transition;
// self-transitions are suppressed. Caller must hold b.mu.
func (b *Breaker) transitionLocked(to State) {
	from := b.state
	if from == to {
		return
	}
	b.state = to
	b.logger.Printf("state transition: %s -> %s", from, to)
	for _, l := range b.listeners {
		l(from, to)
	}
}

// FailureCount returns the current consecutive-failure count (CLOSED state only is meaningful).
func (b *Breaker) FailureCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failureCount
}
