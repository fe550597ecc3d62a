package pipeline

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNoop(t *testing.T) {
	s := NewState(map[string]any{"a": 1})
	res := Noop().Run(context.Background(), s)
	assert.True(t, res.OK())
	assert.Equal(t, 1, s.Len())
}

func TestTap(t *testing.T) {
	var seen string
	res := Tap(func(ctx context.Context, s *State) {
		seen, _ = InFileKey.Lookup(s)
	}).Run(context.Background(), NewState(map[string]any{"in_file": "a.mp4"}))
	assert.True(t, res.OK())
	assert.Equal(t, "a.mp4", seen)
}

func TestRequire(t *testing.T) {
	s := NewState(map[string]any{"in_file": "a.mp4"})
	assert.True(t, Require("in_file").Run(context.Background(), s).OK())

	res := Require("in_file", "cache_dir").Run(context.Background(), s)
	assert.False(t, res.OK())
	assert.ErrorIs(t, res.Err, ErrMissingKey)
	assert.Contains(t, res.Err.Error(), "cache_dir")
}

func TestSet(t *testing.T) {
	s := NewState(nil)
	require.True(t, Set("mode", "fast").Run(context.Background(), s).OK())
	v, err := s.String("mode")
	require.NoError(t, err)
	assert.Equal(t, "fast", v)
}

func TestFail(t *testing.T) {
	errBoom := errors.New("boom")
	res := Fail(errBoom).Run(context.Background(), NewState(nil))
	assert.ErrorIs(t, res.Err, errBoom)
	assert.Equal(t, Failure, res.Outcome)

	res = Fail(nil).Run(context.Background(), NewState(nil))
	assert.Error(t, res.Err)
}

func TestValidate(t *testing.T) {
	score := NewKey[int]("score")
	stage := Validate(score, func(v int) bool { return v >= 50 }, "score too low")

	s := NewState(nil)
	score.Set(s, 80)
	assert.True(t, stage.Run(context.Background(), s).OK())

	score.Set(s, 10)
	res := stage.Run(context.Background(), s)
	require.False(t, res.OK())
	assert.Contains(t, res.Err.Error(), "score too low")

	res = stage.Run(context.Background(), NewState(nil))
	assert.ErrorIs(t, res.Err, ErrMissingKey)
}

func TestWithTimeout(t *testing.T) {
	slow := StageFunc(func(ctx context.Context, s *State) error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Second):
			return nil
		}
	})
	res := WithTimeout(slow, 10*time.Millisecond).Run(context.Background(), NewState(nil))
	assert.False(t, res.OK())
	assert.ErrorIs(t, res.Err, context.DeadlineExceeded)

	res = WithTimeout(Noop(), time.Second).Run(context.Background(), NewState(nil))
	assert.True(t, res.OK())
}

func TestWithTimeout_ForwardsHooks(t *testing.T) {
	var calls []string
	inner := &Hooked{
		Stage: Fail(errors.New("nope")),
		Error: func(ctx context.Context, s *State, err error) { calls = append(calls, "error") },
	}
	wrapped := WithTimeout(inner, time.Second)
	h, ok := wrapped.(ErrorHook)
	require.True(t, ok)
	h.OnError(context.Background(), NewState(nil), errors.New("nope"))
	assert.Equal(t, []string{"error"}, calls)
}

func TestRetry_RetryableSucceeds(t *testing.T) {
	attempts := 0
	flaky := StageFunc(func(ctx context.Context, s *State) error {
		attempts++
		if attempts < 3 {
			return RetryableErr(errors.New("connection reset"))
		}
		return nil
	})
	res := Retry(flaky, RetryPolicy{Attempts: 5, Backoff: time.Millisecond, ShouldRetry: IsRetryable}).
		Run(context.Background(), NewState(nil))
	assert.True(t, res.OK())
	assert.Equal(t, 3, attempts)
}

func TestRetry_PermanentErrorRunsOnce(t *testing.T) {
	attempts := 0
	errPerm := errors.New("bad codec")
	stage := StageFunc(func(ctx context.Context, s *State) error {
		attempts++
		return errPerm
	})
	res := Retry(stage, RetryPolicy{Attempts: 5, ShouldRetry: IsRetryable}).Run(context.Background(), NewState(nil))
	assert.ErrorIs(t, res.Err, errPerm)
	assert.Equal(t, 1, attempts)
}

func TestRetry_Exhausted(t *testing.T) {
	attempts := 0
	errDown := errors.New("down")
	stage := StageFunc(func(ctx context.Context, s *State) error {
		attempts++
		return errDown
	})
	res := Retry(stage, RetryPolicy{Attempts: 3}).Run(context.Background(), NewState(nil))
	assert.ErrorIs(t, res.Err, errDown)
	assert.Contains(t, res.Err.Error(), "after 3 attempts")
	assert.Equal(t, 3, attempts)
}

func TestRetry_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	stage := StageFunc(func(ctx context.Context, s *State) error {
		cancel()
		return errors.New("down")
	})
	res := Retry(stage, RetryPolicy{Attempts: 3, Backoff: time.Hour}).Run(ctx, NewState(nil))
	assert.ErrorIs(t, res.Err, context.Canceled)
}

func TestRetryPolicy_Delay(t *testing.T) {
	p := RetryPolicy{Backoff: 10 * time.Millisecond, Multiplier: 2, Cap: 25 * time.Millisecond}
	assert.Equal(t, 10*time.Millisecond, p.delay(0))
	assert.Equal(t, 20*time.Millisecond, p.delay(1))
	assert.Equal(t, 25*time.Millisecond, p.delay(2))
	assert.Equal(t, 25*time.Millisecond, p.delay(10))

	flat := RetryPolicy{Backoff: 5 * time.Millisecond}
	assert.Equal(t, 5*time.Millisecond, flat.delay(4))
}

func TestRetryable(t *testing.T) {
	base := errors.New("timeout")
	err := RetryableErr(base)
	assert.True(t, IsRetryable(err))
	assert.ErrorIs(t, err, base)
	assert.False(t, IsRetryable(base))
}
