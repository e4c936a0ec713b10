// Package resilience isolates consistently failing media providers behind
// per-(provider, tool) circuit breakers.
package resilience

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"
)

type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

const (
	DefaultFailureThreshold = 5
	DefaultCallTimeout      = 2 * time.Minute
	DefaultResetTimeout     = 5 * time.Minute
)

// OpenError is returned without invoking the wrapped call when the breaker
// is open and the cool-down has not elapsed.
type OpenError struct {
	Key         string
	NextAttempt time.Time
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("circuit breaker open for %s until %s", e.Key, e.NextAttempt.Format(time.RFC3339))
}

// TimeoutError marks a call that exceeded the breaker's per-call deadline.
// Timeouts count as failures toward the trip threshold.
type TimeoutError struct {
	Key     string
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("call to %s timed out after %s", e.Key, e.Timeout)
}

type Config struct {
	FailureThreshold int
	CallTimeout      time.Duration
	ResetTimeout     time.Duration
}

func (c Config) withDefaults() Config {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = DefaultFailureThreshold
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = DefaultCallTimeout
	}
	if c.ResetTimeout <= 0 {
		c.ResetTimeout = DefaultResetTimeout
	}
	return c
}

// Stats is a point-in-time snapshot, exposed for status reporting.
type Stats struct {
	State       State
	Failures    int
	LastFailure time.Time
	NextAttempt time.Time
	Successes   uint64
	Rejections  uint64
}

// Breaker tracks failures for one (provider, tool) pair. Lifetime is the
// process; state is never persisted.
type Breaker struct {
	key string
	cfg Config

	mu          sync.Mutex
	state       State
	failures    int
	lastFailure time.Time
	nextAttempt time.Time
	successes   uint64
	rejections  uint64

	now func() time.Time
}

func NewBreaker(key string, cfg Config) *Breaker {
	return &Breaker{key: key, cfg: cfg.withDefaults(), state: StateClosed, now: time.Now}
}

// Execute runs fn through the breaker. An open breaker rejects immediately
// with *OpenError; otherwise fn races the per-call timeout and the outcome
// feeds the state machine.
func (b *Breaker) Execute(ctx context.Context, fn func(ctx context.Context) (any, error)) (any, error) {
	if err := b.allow(); err != nil {
		return nil, err
	}

	callCtx, cancel := context.WithTimeout(ctx, b.cfg.CallTimeout)
	defer cancel()

	type outcome struct {
		value any
		err   error
	}
	done := make(chan outcome, 1)
	go func() {
		value, err := fn(callCtx)
		done <- outcome{value: value, err: err}
	}()

	select {
	case <-callCtx.Done():
		err := callCtx.Err()
		if err == context.Canceled {
			// Caller abandoned the run; says nothing about provider health.
			return nil, err
		}
		if err == context.DeadlineExceeded {
			err = &TimeoutError{Key: b.key, Timeout: b.cfg.CallTimeout}
		}
		b.onFailure()
		return nil, err
	case out := <-done:
		if out.err != nil {
			b.onFailure()
			return nil, out.err
		}
		b.onSuccess()
		return out.value, nil
	}
}

// allow checks admission and performs the open -> half-open transition when
// the cool-down has elapsed.
func (b *Breaker) allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateOpen {
		if b.now().Before(b.nextAttempt) {
			b.rejections++
			return &OpenError{Key: b.key, NextAttempt: b.nextAttempt}
		}
		b.state = StateHalfOpen
		log.Printf("[breaker] %s probing (half-open)", b.key)
	}
	return nil
}

func (b *Breaker) onSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.successes++
	switch b.state {
	case StateHalfOpen:
		b.state = StateClosed
		b.failures = 0
		log.Printf("[breaker] %s recovered (closed)", b.key)
	case StateClosed:
		// Gradual recovery: one success forgives one failure.
		if b.failures > 0 {
			b.failures--
		}
	}
}

func (b *Breaker) onFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures++
	b.lastFailure = b.now()

	switch b.state {
	case StateHalfOpen:
		b.state = StateOpen
		b.nextAttempt = b.now().Add(b.cfg.ResetTimeout)
		log.Printf("[breaker] %s probe failed, reopened until %s", b.key, b.nextAttempt.Format(time.RFC3339))
	case StateClosed:
		if b.failures >= b.cfg.FailureThreshold {
			b.state = StateOpen
			b.nextAttempt = b.now().Add(b.cfg.ResetTimeout)
			log.Printf("[breaker] %s tripped after %d failures, open until %s",
				b.key, b.failures, b.nextAttempt.Format(time.RFC3339))
		}
	}
}

// IsOpen reports whether a call would currently be rejected. Unlike Execute
// it does not transition the breaker: the probe transition happens only when
// a caller actually attempts the call.
func (b *Breaker) IsOpen() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state == StateOpen && b.now().Before(b.nextAttempt)
}

func (b *Breaker) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Stats{
		State:       b.state,
		Failures:    b.failures,
		LastFailure: b.lastFailure,
		NextAttempt: b.nextAttempt,
		Successes:   b.successes,
		Rejections:  b.rejections,
	}
}

// Registry caches breakers per (provider, tool) key for the process lifetime.
type Registry struct {
	cfg Config

	mu       sync.Mutex
	breakers map[string]*Breaker
}

func NewRegistry(cfg Config) *Registry {
	return &Registry{cfg: cfg.withDefaults(), breakers: make(map[string]*Breaker)}
}

// Get returns the breaker for the pair, creating it lazily.
func (r *Registry) Get(provider, tool string) *Breaker {
	key := provider + "/" + tool
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.breakers[key]
	if !ok {
		b = NewBreaker(key, r.cfg)
		r.breakers[key] = b
	}
	return b
}

// Snapshot returns stats for every breaker created so far.
func (r *Registry) Snapshot() map[string]Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]Stats, len(r.breakers))
	for key, b := range r.breakers {
		out[key] = b.Stats()
	}
	return out
}
