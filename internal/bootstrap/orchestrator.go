// Package bootstrap drives the gateway's start-up retry state machine.
//
// The orchestrator waits a grace period, then repeatedly asks a BuildFunc for
// a brand-new candidate until one succeeds or the attempt budget runs out:
//
//	Waiting -> Attempting(1) -> Attempting(2) -> ... -> Serving | Aborted
//
// Attempts are strictly sequential. A failed candidate is never seen again;
// the BuildFunc is responsible for releasing anything it allocated before
// returning its error.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// ErrAborted is returned by Run once every attempt has failed.
var ErrAborted = errors.New("bootstrap aborted")

type State int

const (
	StateWaiting State = iota
	StateAttempting
	StateServing
	StateAborted
)

func (s State) String() string {
	switch s {
	case StateWaiting:
		return "waiting"
	case StateAttempting:
		return "attempting"
	case StateServing:
		return "serving"
	case StateAborted:
		return "aborted"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

type Outcome int

const (
	OutcomePending Outcome = iota
	OutcomeSucceeded
	OutcomeFailed
)

func (o Outcome) String() string {
	switch o {
	case OutcomePending:
		return "pending"
	case OutcomeSucceeded:
		return "succeeded"
	case OutcomeFailed:
		return "failed"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// Attempt records one iteration of the retry loop. It is superseded by the
// next attempt.
type Attempt struct {
	Number    int
	StartedAt time.Time
	Outcome   Outcome
	Err       error
}

// Config holds the retry policy. All durations and MaxAttempts must be
// positive; InitialDelay may be zero.
type Config struct {
	InitialDelay time.Duration
	MaxAttempts  int
	BaseDelay    time.Duration
	MaxDelay     time.Duration
}

func (c Config) Validate() error {
	switch {
	case c.InitialDelay < 0:
		return errors.New("initial delay must not be negative")
	case c.MaxAttempts < 1:
		return errors.New("max attempts must be at least 1")
	case c.BaseDelay <= 0 || c.MaxDelay <= 0:
		return errors.New("backoff delays must be positive")
	}
	return nil
}

// Backoff is the wait after failed attempt n: linear growth, capped.
func (c Config) Backoff(n int) time.Duration {
	if n < 1 {
		n = 1
	}
	d := c.BaseDelay * time.Duration(n)
	if d > c.MaxDelay || d < 0 {
		return c.MaxDelay
	}
	return d
}

// BuildFunc constructs and binds one fresh candidate for attempt n.
type BuildFunc[T any] func(ctx context.Context, attempt int) (T, error)

// Sleeper blocks for d or until ctx is done.
type Sleeper func(ctx context.Context, d time.Duration) error

// Sleep is the real-time Sleeper.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Observer is told about every state change and every finished attempt.
type Observer func(state State, attempt Attempt)

type settings struct {
	sleep     Sleeper
	now       func() time.Time
	logger    *slog.Logger
	observers []Observer
}

type Option func(*settings)

func WithSleeper(s Sleeper) Option {
	return func(st *settings) { st.sleep = s }
}

func WithClock(now func() time.Time) Option {
	return func(st *settings) { st.now = now }
}

func WithLogger(l *slog.Logger) Option {
	return func(st *settings) { st.logger = l }
}

func WithObserver(o Observer) Option {
	return func(st *settings) { st.observers = append(st.observers, o) }
}

// Orchestrator runs the retry loop once per process.
type Orchestrator[T any] struct {
	cfg   Config
	build BuildFunc[T]
	settings

	mu      sync.Mutex
	state   State
	current Attempt
	running bool
}

func New[T any](cfg Config, build BuildFunc[T], opts ...Option) *Orchestrator[T] {
	st := settings{
		sleep:  Sleep,
		now:    time.Now,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(&st)
	}
	return &Orchestrator[T]{cfg: cfg, build: build, settings: st}
}

// State returns the current state.
func (o *Orchestrator[T]) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// Attempt returns the most recent attempt; Number is zero before the first.
func (o *Orchestrator[T]) Attempt() Attempt {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.current
}

// Run executes the state machine. It returns the first candidate that builds
// successfully, an error wrapping ErrAborted once MaxAttempts have failed, or
// ctx's error if ctx ends while waiting. An attempt already in flight is
// never cancelled.
func (o *Orchestrator[T]) Run(ctx context.Context) (T, error) {
	var zero T
	if err := o.cfg.Validate(); err != nil {
		return zero, fmt.Errorf("bootstrap config: %w", err)
	}

	o.mu.Lock()
	if o.running {
		o.mu.Unlock()
		return zero, errors.New("bootstrap: orchestrator already ran")
	}
	o.running = true
	o.mu.Unlock()

	o.record(StateWaiting, Attempt{})
	o.logger.Info("waiting for subgraphs before first attempt",
		slog.Duration("delay", o.cfg.InitialDelay))
	if err := o.sleep(ctx, o.cfg.InitialDelay); err != nil {
		return zero, err
	}

	attemptCtx := context.WithoutCancel(ctx)

	for n := 1; ; n++ {
		attempt := Attempt{Number: n, StartedAt: o.now(), Outcome: OutcomePending}
		o.record(StateAttempting, attempt)
		o.logger.Info("starting gateway",
			slog.Int("attempt", n),
			slog.Int("max_attempts", o.cfg.MaxAttempts))

		candidate, err := o.build(attemptCtx, n)
		if err == nil {
			attempt.Outcome = OutcomeSucceeded
			o.record(StateServing, attempt)
			o.logger.Info("gateway attempt succeeded", slog.Int("attempt", n))
			return candidate, nil
		}

		attempt.Outcome = OutcomeFailed
		attempt.Err = err
		o.logger.Error("gateway attempt failed",
			slog.Int("attempt", n),
			slog.String("error", err.Error()))

		if n >= o.cfg.MaxAttempts {
			o.record(StateAborted, attempt)
			o.logger.Error("all retry attempts exhausted", slog.Int("attempts", n))
			return zero, fmt.Errorf("%w after %d attempts: %w", ErrAborted, n, err)
		}
		o.record(StateAttempting, attempt)

		delay := o.cfg.Backoff(n)
		o.logger.Info("retrying gateway start", slog.Duration("delay", delay))
		if err := o.sleep(ctx, delay); err != nil {
			return zero, err
		}
	}
}

func (o *Orchestrator[T]) record(state State, attempt Attempt) {
	o.mu.Lock()
	o.state = state
	o.current = attempt
	observers := o.observers
	o.mu.Unlock()

	for _, obs := range observers {
		obs(state, attempt)
	}
}
