package pipeline

import (
	"context"
	"fmt"
	"runtime/debug"
)

// Outcome is the routing signal a stage hands back to the executor.
type Outcome int

const (
	// Success routes through the stage's on_done transition.
	Success Outcome = iota
	// Failure routes through the stage's on_error transition.
	Failure
)

func (o Outcome) String() string {
	switch o {
	case Success:
		return "success"
	case Failure:
		return "failure"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// Result is what a stage's Run returns: either Done() or Failed(err).
// The executor branches on Outcome only; Err is carried for reporting.
type Result struct {
	Outcome Outcome
	Err     error
}

// Done returns a successful Result.
func Done() Result { return Result{Outcome: Success} }

// Failed returns a failed Result carrying err. A nil err is replaced with a
// generic error so failures are always explained.
func Failed(err error) Result {
	if err == nil {
		err = fmt.Errorf("stage failed")
	}
	return Result{Outcome: Failure, Err: err}
}

// ResultOf maps err to Done() when nil and Failed(err) otherwise.
func ResultOf(err error) Result {
	if err != nil {
		return Failed(err)
	}
	return Done()
}

// OK reports whether the result is a success.
func (r Result) OK() bool { return r.Outcome == Success }

// Stage is a unit of work in a chain. Run reads and writes the shared State
// and reports success or failure; it must not panic across the stage boundary
// (the executor recovers panics and treats them as failures anyway).
type Stage interface {
	Run(ctx context.Context, state *State) Result
}

// DoneHook is implemented by stages that need to act after a successful Run,
// before the executor follows the stage's on_done route.
type DoneHook interface {
	OnDone(ctx context.Context, state *State)
}

// ErrorHook is implemented by stages that need to act after a failed Run
// (cleanup, recording the error in State), before the executor follows the
// stage's on_error route.
type ErrorHook interface {
	OnError(ctx context.Context, state *State, err error)
}

// StageFunc adapts an error-returning function to Stage.
type StageFunc func(ctx context.Context, state *State) error

// Run implements Stage.
func (f StageFunc) Run(ctx context.Context, state *State) Result {
	return ResultOf(f(ctx, state))
}

// Hooked wraps a Stage with done/error callbacks. Either callback may be nil.
type Hooked struct {
	Stage Stage
	Done  func(ctx context.Context, state *State)
	Error func(ctx context.Context, state *State, err error)
}

// Run implements Stage.
func (h *Hooked) Run(ctx context.Context, state *State) Result {
	return h.Stage.Run(ctx, state)
}

// OnDone implements DoneHook.
func (h *Hooked) OnDone(ctx context.Context, state *State) {
	if h.Done != nil {
		h.Done(ctx, state)
	}
	if inner, ok := h.Stage.(DoneHook); ok {
		inner.OnDone(ctx, state)
	}
}

// OnError implements ErrorHook.
func (h *Hooked) OnError(ctx context.Context, state *State, err error) {
	if h.Error != nil {
		h.Error(ctx, state, err)
	}
	if inner, ok := h.Stage.(ErrorHook); ok {
		inner.OnError(ctx, state, err)
	}
}

// PanicError is the failure reported for a stage that panicked.
type PanicError struct {
	Stage string
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("stage %q panicked: %v", e.Stage, e.Value)
}

// runSafely invokes stage.Run, converting a panic into a failed Result.
func runSafely(ctx context.Context, name string, stage Stage, state *State) (res Result) {
	defer func() {
		if r := recover(); r != nil {
			res = Failed(&PanicError{Stage: name, Value: r, Stack: debug.Stack()})
		}
	}()
	return stage.Run(ctx, state)
}
