package pipeline

import (
	"context"
	"errors"
	"time"
)

// StageEvent describes one finished stage execution and the transition the
// executor took afterwards.
type StageEvent struct {
	RunID    string
	Chain    string
	Stage    string
	Step     int // 0-based count of stage executions in the run
	Outcome  Outcome
	Err      error
	Next     string
	Duration time.Duration
}

// Observer provides pre/post hooks for a run and each stage so callers can log,
// export metrics, or persist run state. BeforeRun is called before the first
// stage (or the resumed stage). AfterStage is called after the transition for
// that stage has been resolved. AfterRun is called once the run ends, with the
// error Run is about to return.
//
// An error from BeforeRun or BeforeStage aborts the run. Errors from AfterStage
// and AfterRun are reported but never mask a stage error.
type Observer interface {
	BeforeRun(ctx context.Context, runID, chain string, state *State) error
	AfterRun(ctx context.Context, report *Report, runErr error) error
	BeforeStage(ctx context.Context, runID, stage string, step int, state *State) error
	AfterStage(ctx context.Context, ev StageEvent, state *State) error
}

// Checkpointer is implemented by observers that persist resumable state.
// Checkpoint is called after every transition, including the final one.
type Checkpointer interface {
	Checkpoint(ctx context.Context, cp Checkpoint) error
}

// NopObserver implements Observer with no-op methods. Embed it to implement
// only the hooks you need.
type NopObserver struct{}

func (NopObserver) BeforeRun(context.Context, string, string, *State) error {
	return nil
}

func (NopObserver) AfterRun(context.Context, *Report, error) error {
	return nil
}

func (NopObserver) BeforeStage(context.Context, string, string, int, *State) error {
	return nil
}

func (NopObserver) AfterStage(context.Context, StageEvent, *State) error {
	return nil
}

// MultiObserver fans every hook out to each observer in order. Checkpoints are
// forwarded to the members that implement Checkpointer. Nil members are skipped.
func MultiObserver(observers ...Observer) Observer {
	list := make(multiObserver, 0, len(observers))
	for _, o := range observers {
		if o != nil {
			list = append(list, o)
		}
	}
	return list
}

type multiObserver []Observer

// BeforeRun calls every member even after one fails, since Run pairs a
// failed BeforeRun with AfterRun on all of them.
func (m multiObserver) BeforeRun(ctx context.Context, runID, chain string, state *State) error {
	var errs []error
	for _, o := range m {
		if err := o.BeforeRun(ctx, runID, chain, state); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m multiObserver) AfterRun(ctx context.Context, report *Report, runErr error) error {
	var errs []error
	for _, o := range m {
		if err := o.AfterRun(ctx, report, runErr); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m multiObserver) BeforeStage(ctx context.Context, runID, stage string, step int, state *State) error {
	for _, o := range m {
		if err := o.BeforeStage(ctx, runID, stage, step, state); err != nil {
			return err
		}
	}
	return nil
}

func (m multiObserver) AfterStage(ctx context.Context, ev StageEvent, state *State) error {
	var errs []error
	for _, o := range m {
		if err := o.AfterStage(ctx, ev, state); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m multiObserver) Checkpoint(ctx context.Context, cp Checkpoint) error {
	var errs []error
	for _, o := range m {
		if c, ok := o.(Checkpointer); ok {
			if err := c.Checkpoint(ctx, cp); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

// TraceObserver records stage events in memory. Useful in tests and for
// printing a run's path.
type TraceObserver struct {
	NopObserver
	Events []StageEvent
}

// AfterStage implements Observer.
func (t *TraceObserver) AfterStage(_ context.Context, ev StageEvent, _ *State) error {
	t.Events = append(t.Events, ev)
	return nil
}

// Stages returns the executed stage names in order.
func (t *TraceObserver) Stages() []string {
	out := make([]string, len(t.Events))
	for i, e := range t.Events {
		out[i] = e.Stage
	}
	return out
}
