package lifecycle

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

type recorder struct {
	starts   int
	stops    []Reason
	startErr error
	observed []State
	runner   *Runner
}

func (rec *recorder) hooks() Hooks {
	return Hooks{
		OnStart: func(ctx context.Context) error {
			rec.starts++
			if rec.runner != nil {
				rec.observed = append(rec.observed, rec.runner.State())
			}
			return rec.startErr
		},
		OnStop: func(ctx context.Context, reason Reason) error {
			rec.stops = append(rec.stops, reason)
			if rec.runner != nil {
				rec.observed = append(rec.observed, rec.runner.State())
			}
			return nil
		},
	}
}

func TestMachine_rejects_unknown_and_duplicate_edges(t *testing.T) {
	_, err := NewMachine(Stopped, []Transition[State, Event]{
		{From: Stopped, Event: EventStart, To: Starting},
		{From: Stopped, Event: EventStart, To: Started},
	})
	require.Error(t, err)

	m, err := NewMachine(Stopped, transitions)
	require.NoError(t, err)
	_, err = m.Fire(EventStop)
	require.ErrorIs(t, err, ErrInvalidTransition)
	require.Equal(t, Stopped, m.State())
}

func TestRunner_start_stop_passes_through_intermediate_states(t *testing.T) {
	rec := &recorder{}
	r := NewRunner(rec.hooks())
	rec.runner = r

	require.NoError(t, r.Start(context.Background()))
	require.Equal(t, Started, r.State())
	require.NoError(t, r.Stop(context.Background(), ReasonManual))
	require.Equal(t, Stopped, r.State())

	require.Equal(t, []State{Starting, Stopping}, rec.observed)
	require.Equal(t, []Reason{ReasonManual}, rec.stops)
}

func TestRunner_start_and_stop_are_idempotent(t *testing.T) {
	rec := &recorder{}
	r := NewRunner(rec.hooks())

	require.NoError(t, r.Stop(context.Background(), ReasonManual))
	require.Empty(t, rec.stops)

	require.NoError(t, r.Start(context.Background()))
	require.NoError(t, r.Start(context.Background()))
	require.Equal(t, 1, rec.starts)

	require.NoError(t, r.Stop(context.Background(), ReasonManual))
	require.NoError(t, r.Stop(context.Background(), ReasonManual))
	require.Len(t, rec.stops, 1)
}

func TestRunner_failed_start_returns_to_stopped(t *testing.T) {
	rec := &recorder{startErr: errors.New("boom")}
	r := NewRunner(rec.hooks())

	err := r.Start(context.Background())
	require.Error(t, err)
	require.Equal(t, Stopped, r.State())
}

func TestRunner_Ended_without_budget_stops(t *testing.T) {
	rec := &recorder{}
	r := NewRunner(rec.hooks())
	require.NoError(t, r.Start(context.Background()))

	r.Ended(context.Background(), errors.New("exit status 1"))

	require.Equal(t, Stopped, r.State())
	require.Equal(t, []Reason{ReasonExited}, rec.stops)
}

func TestRunner_Ended_restarts_within_budget(t *testing.T) {
	rec := &recorder{}
	r := NewRunner(rec.hooks(), WithMaxRestarts(1))
	require.NoError(t, r.Start(context.Background()))

	r.Ended(context.Background(), nil)
	require.Equal(t, Started, r.State())
	require.Equal(t, 2, rec.starts)

	r.Ended(context.Background(), nil)
	require.Equal(t, Stopped, r.State())
	require.Equal(t, []Reason{ReasonRestart, ReasonExited}, rec.stops)
}

func TestRunner_Ended_after_planned_stop_is_ignored(t *testing.T) {
	rec := &recorder{}
	r := NewRunner(rec.hooks())
	require.NoError(t, r.Start(context.Background()))
	require.NoError(t, r.Stop(context.Background(), ReasonManual))

	r.Ended(context.Background(), nil)
	require.Equal(t, []Reason{ReasonManual}, rec.stops)
}
