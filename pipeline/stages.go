// Package pipeline: standard stages for common chain patterns.

package pipeline

import (
	"context"
	"fmt"
	"time"
)

// Noop returns a stage that always succeeds without touching the state.
// Useful as a placeholder or as an explicit join point in a table.
func Noop() Stage {
	return StageFunc(func(ctx context.Context, state *State) error { return nil })
}

// Tap returns a stage that calls fn(ctx, state) and succeeds.
// Use for logging or side effects that cannot fail.
func Tap(fn func(context.Context, *State)) Stage {
	return StageFunc(func(ctx context.Context, state *State) error {
		fn(ctx, state)
		return nil
	})
}

// Require returns a stage that fails unless every key is set.
func Require(keys ...string) Stage {
	return StageFunc(func(ctx context.Context, state *State) error {
		for _, k := range keys {
			if !state.Has(k) {
				return fmt.Errorf("require: %w: %q", ErrMissingKey, k)
			}
		}
		return nil
	})
}

// Set returns a stage that stores value under key and succeeds.
func Set(key string, value any) Stage {
	return StageFunc(func(ctx context.Context, state *State) error {
		state.Set(key, value)
		return nil
	})
}

// Fail returns a stage that always fails with err.
func Fail(err error) Stage {
	return StageFunc(func(ctx context.Context, state *State) error {
		if err == nil {
			return fmt.Errorf("fail")
		}
		return err
	})
}

// Validate returns a stage that succeeds only if predicate holds for the
// value of key. A missing value or a value of another type is a failure.
func Validate[T any](key Key[T], predicate func(T) bool, errMsg string) Stage {
	return StageFunc(func(ctx context.Context, state *State) error {
		v, err := key.Get(state)
		if err != nil {
			return fmt.Errorf("validate: %w", err)
		}
		if !predicate(v) {
			if errMsg == "" {
				errMsg = "validation failed"
			}
			return fmt.Errorf("validate %q: %s", key.Name(), errMsg)
		}
		return nil
	})
}

// WithTimeout wraps inner so it runs with a context deadline of now+timeout.
// If inner does not honour the deadline itself, its result is still used;
// stages that block on I/O should pass ctx down.
func WithTimeout(inner Stage, timeout time.Duration) Stage {
	return &timeoutStage{inner: inner, timeout: timeout}
}

type timeoutStage struct {
	inner   Stage
	timeout time.Duration
}

func (t *timeoutStage) Run(ctx context.Context, state *State) Result {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()
	res := t.inner.Run(ctx, state)
	if res.OK() && ctx.Err() != nil {
		return Failed(fmt.Errorf("timeout after %s: %w", t.timeout, ctx.Err()))
	}
	return res
}

func (t *timeoutStage) OnDone(ctx context.Context, state *State) {
	if h, ok := t.inner.(DoneHook); ok {
		h.OnDone(ctx, state)
	}
}

func (t *timeoutStage) OnError(ctx context.Context, state *State, err error) {
	if h, ok := t.inner.(ErrorHook); ok {
		h.OnError(ctx, state, err)
	}
}
