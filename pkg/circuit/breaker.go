// Package circuit provides a circuit breaker for calls to blockchain daemons
// and other remote dependencies of the engine.
package circuit

import (
	"context"
	"sync"
	"time"

	"github.com/bardlex/gompcore/pkg/errors"
)

// State is the breaker position.
type State int

const (
	StateClosed State = iota
	StateOpen
	// StateHalfOpen lets calls through until SuccessRequired succeed or one
	// fails.
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
	}
	return "unknown"
}

// Config holds circuit breaker configuration.
type Config struct {
	Name string
	// MaxFailures within ResetTimeout opens a closed breaker.
	MaxFailures     int
	SuccessRequired int
	// Timeout is how long an open breaker rejects calls.
	Timeout      time.Duration
	ResetTimeout time.Duration

	// OnStateChange is called with the breaker lock released.
	OnStateChange func(name string, from, to State)
}

// DefaultConfig returns the configuration used for daemon RPC.
func DefaultConfig() *Config {
	return &Config{
		Name:            "default",
		MaxFailures:     5,
		SuccessRequired: 3,
		Timeout:         30 * time.Second,
		ResetTimeout:    60 * time.Second,
	}
}

// Breaker rejects calls to a dependency after repeated failures.
type Breaker struct {
	cfg *Config
	now func() time.Time

	mu          sync.Mutex
	state       State
	failures    int
	successes   int
	openedAt    time.Time
	windowStart time.Time
}

func New(cfg *Config) *Breaker {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	b := &Breaker{cfg: cfg, now: time.Now}
	b.windowStart = b.now()
	return b
}

// Execute runs fn unless the circuit is open or ctx is already done.
func (b *Breaker) Execute(ctx context.Context, fn func() error) error {
	_, err := ExecuteWithResult(ctx, b, func() (struct{}, error) {
		return struct{}{}, fn()
	})
	return err
}

// ExecuteWithResult is Execute for functions returning a value.
func ExecuteWithResult[T any](ctx context.Context, b *Breaker, fn func() (T, error)) (T, error) {
	var zero T
	if err := ctx.Err(); err != nil {
		return zero, err
	}
	if err := b.admit(); err != nil {
		return zero, err
	}

	res, err := fn()
	b.record(err)
	return res, err
}

// State returns the current position without advancing an expired open
// breaker to half-open.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *Breaker) admit() error {
	b.mu.Lock()
	from := b.state
	now := b.now()

	switch b.state {
	case StateOpen:
		if now.Sub(b.openedAt) <= b.cfg.Timeout {
			b.mu.Unlock()
			return errors.New(errors.ErrorTypeInternal, "circuit_breaker", "circuit breaker is open").
				WithContext("breaker", b.cfg.Name)
		}
		b.state = StateHalfOpen
		b.successes = 0
	case StateClosed:
		if now.Sub(b.windowStart) > b.cfg.ResetTimeout {
			b.failures = 0
			b.windowStart = now
		}
	}

	to := b.state
	b.mu.Unlock()
	b.notify(from, to)
	return nil
}

func (b *Breaker) record(err error) {
	b.mu.Lock()
	from := b.state

	switch {
	case err != nil:
		b.failures++
		if b.state == StateHalfOpen || b.failures >= b.cfg.MaxFailures {
			b.state = StateOpen
			b.openedAt = b.now()
			b.successes = 0
		}
	case b.state == StateHalfOpen:
		b.successes++
		if b.successes >= b.cfg.SuccessRequired {
			b.state = StateClosed
			b.failures = 0
			b.successes = 0
			b.windowStart = b.now()
		}
	}

	to := b.state
	b.mu.Unlock()
	b.notify(from, to)
}

func (b *Breaker) notify(from, to State) {
	if from != to && b.cfg.OnStateChange != nil {
		b.cfg.OnStateChange(b.cfg.Name, from, to)
	}
}
