// Package lifecycle provides the stop/start state machine shared by long-running
// assets: STOPPED -> STARTING -> STARTED -> STOPPING -> STOPPED, with optional
// automatic restart when the underlying work ends on its own.
package lifecycle

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// State is a lifecycle state.
type State string

const (
	Stopped  State = "STOPPED"
	Starting State = "STARTING"
	Started  State = "STARTED"
	Stopping State = "STOPPING"
)

// Event drives the lifecycle machine.
type Event string

const (
	EventStart   Event = "start"
	EventStarted Event = "started"
	EventFailed  Event = "failed"
	EventStop    Event = "stop"
	EventStopped Event = "stopped"
)

// Reason tells OnStop why the work is stopping.
type Reason string

const (
	ReasonManual  Reason = "manual"
	ReasonStale   Reason = "stale"
	ReasonExited  Reason = "exited"
	ReasonRestart Reason = "restart"
)

var transitions = []Transition[State, Event]{
	{From: Stopped, Event: EventStart, To: Starting},
	{From: Starting, Event: EventStarted, To: Started},
	{From: Starting, Event: EventFailed, To: Stopped},
	{From: Started, Event: EventStop, To: Stopping},
	{From: Stopping, Event: EventStopped, To: Stopped},
}

// Hooks are the side effects run inside transitions.
type Hooks struct {
	OnStart func(ctx context.Context) error
	OnStop  func(ctx context.Context, reason Reason) error
}

// Option configures a Runner.
type Option func(*Runner)

// WithMaxRestarts allows n automatic restarts after unexpected ends.
// Zero (the default) turns an unexpected end into a stop.
func WithMaxRestarts(n int) Option {
	return func(r *Runner) { r.maxRestarts = n }
}

// WithLogger sets the logger used for restart decisions.
func WithLogger(log *slog.Logger) Option {
	return func(r *Runner) { r.log = log }
}

// Runner serializes Start, Stop and Ended so hooks never overlap.
type Runner struct {
	op          sync.Mutex
	fsm         *Machine[State, Event]
	hooks       Hooks
	maxRestarts int
	restarts    int
	log         *slog.Logger
}

// NewRunner returns a Runner in the Stopped state.
func NewRunner(hooks Hooks, opts ...Option) *Runner {
	m, err := NewMachine(Stopped, transitions)
	if err != nil {
		panic(err)
	}
	r := &Runner{fsm: m, hooks: hooks, log: slog.Default()}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// State returns the current lifecycle state.
func (r *Runner) State() State {
	return r.fsm.State()
}

// Start runs OnStart. Starting an already started runner is a no-op.
func (r *Runner) Start(ctx context.Context) error {
	r.op.Lock()
	defer r.op.Unlock()

	if r.fsm.State() == Started {
		return nil
	}
	r.restarts = 0
	return r.startLocked(ctx)
}

// Stop runs OnStop with reason. Stopping a runner that is not started is a no-op.
func (r *Runner) Stop(ctx context.Context, reason Reason) error {
	r.op.Lock()
	defer r.op.Unlock()
	return r.stopLocked(ctx, reason)
}

// Ended reports that the underlying work finished without being asked to.
// Depending on the restart budget the runner restarts or stops with ReasonExited.
// Ended after a planned Stop is ignored.
func (r *Runner) Ended(ctx context.Context, cause error) {
	r.op.Lock()
	defer r.op.Unlock()

	if r.fsm.State() != Started {
		return
	}
	if r.restarts < r.maxRestarts {
		r.restarts++
		r.log.Warn("work ended unexpectedly, restarting",
			slog.Int("attempt", r.restarts),
			slog.Any("cause", cause))
		if err := r.stopLocked(ctx, ReasonRestart); err != nil {
			r.log.Warn("stop before restart failed", slog.String("error", err.Error()))
		}
		if err := r.startLocked(ctx); err != nil {
			r.log.Error("restart failed", slog.String("error", err.Error()))
		}
		return
	}
	r.log.Warn("work ended unexpectedly", slog.Any("cause", cause))
	if err := r.stopLocked(ctx, ReasonExited); err != nil {
		r.log.Warn("stop after unexpected end failed", slog.String("error", err.Error()))
	}
}

func (r *Runner) startLocked(ctx context.Context) error {
	if _, err := r.fsm.Fire(EventStart); err != nil {
		return err
	}
	if r.hooks.OnStart != nil {
		if err := r.hooks.OnStart(ctx); err != nil {
			_, _ = r.fsm.Fire(EventFailed)
			return fmt.Errorf("start: %w", err)
		}
	}
	_, err := r.fsm.Fire(EventStarted)
	return err
}

func (r *Runner) stopLocked(ctx context.Context, reason Reason) error {
	if r.fsm.State() != Started {
		return nil
	}
	if _, err := r.fsm.Fire(EventStop); err != nil {
		return err
	}
	var stopErr error
	if r.hooks.OnStop != nil {
		stopErr = r.hooks.OnStop(ctx, reason)
	}
	if _, err := r.fsm.Fire(EventStopped); err != nil {
		return err
	}
	if stopErr != nil {
		return fmt.Errorf("stop: %w", stopErr)
	}
	return nil
}
