package pipeline

import "errors"

var (
	// ErrAborted is returned by Run when the chain reaches the Abort terminal.
	// The last stage error, if any, is wrapped alongside it.
	ErrAborted = errors.New("pipeline: chain aborted")

	// ErrMaxSteps is returned when a run exceeds Chain.MaxSteps stage executions.
	ErrMaxSteps = errors.New("pipeline: max steps exceeded")

	// ErrMaxLoops is returned when a route is taken more often than its Limit.
	ErrMaxLoops = errors.New("pipeline: route limit exceeded")

	// ErrUnmapped is returned when a (stage, outcome) pair has no route.
	ErrUnmapped = errors.New("pipeline: unmapped transition")

	// ErrUnknownStage is returned when a route or start references a stage
	// that is not part of the chain.
	ErrUnknownStage = errors.New("pipeline: unknown stage")

	// ErrUnreachable is returned by validation when a stage cannot be reached from the start stage.
	ErrUnreachable = errors.New("pipeline: unreachable stage")

	// ErrTerminated is returned by Machine.Step after the run has reached a terminal.
	ErrTerminated = errors.New("pipeline: run already terminated")

	// ErrNotCached is returned by Gate.Load when the artifact does not exist.
	ErrNotCached = errors.New("pipeline: artifact not cached")

	// ErrKeyType is returned when a context value does not have the type its key declares.
	ErrKeyType = errors.New("pipeline: context value has wrong type")

	// ErrMissingKey is returned when a required context value is absent.
	ErrMissingKey = errors.New("pipeline: context key not set")
)
