package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Retryable marks err as retryable. Use with RetryPolicy.ShouldRetry so only
// these errors trigger another attempt (transient failures), not permanent ones.
type Retryable struct{ Err error }

func (e *Retryable) Error() string { return e.Err.Error() }
func (e *Retryable) Unwrap() error { return e.Err }
func RetryableErr(err error) error { return &Retryable{Err: err} }
func IsRetryable(err error) bool   { return errors.As(err, new(*Retryable)) }

// RetryPolicy configures Retry. Attempts is the total number of runs of the
// inner stage (values below 1 mean 1). Backoff is the delay before each retry
// and is multiplied by Multiplier (when > 1) after every attempt, up to Cap
// (when > 0). If ShouldRetry is nil every failure is retried.
type RetryPolicy struct {
	Attempts    int
	Backoff     time.Duration
	Multiplier  float64
	Cap         time.Duration
	ShouldRetry func(err error) bool
}

// delay returns the wait before retry number n (0-based).
func (p RetryPolicy) delay(n int) time.Duration {
	d := p.Backoff
	for i := 0; i < n && p.Multiplier > 1; i++ {
		d = time.Duration(float64(d) * p.Multiplier)
		if p.Cap > 0 && d >= p.Cap {
			return p.Cap
		}
	}
	if p.Cap > 0 && d > p.Cap {
		return p.Cap
	}
	return d
}

// Retry wraps inner so a failed attempt is repeated in place, synchronously,
// before the executor sees the outcome. Only the final failure is routed.
// Retrying across stages (falling back to another stage and coming back) is a
// transition-table concern; see Table.OnErrorLimit.
func Retry(inner Stage, policy RetryPolicy) Stage {
	return &retryStage{inner: inner, policy: policy}
}

type retryStage struct {
	inner  Stage
	policy RetryPolicy
}

func (r *retryStage) Run(ctx context.Context, state *State) Result {
	attempts := r.policy.Attempts
	if attempts < 1 {
		attempts = 1
	}
	var res Result
	for i := 0; i < attempts; i++ {
		if i > 0 {
			timer := time.NewTimer(r.policy.delay(i - 1))
			select {
			case <-ctx.Done():
				timer.Stop()
				return Failed(fmt.Errorf("retry: %w (last error: %v)", ctx.Err(), res.Err))
			case <-timer.C:
			}
		}
		res = r.inner.Run(ctx, state)
		if res.OK() {
			return res
		}
		if r.policy.ShouldRetry != nil && !r.policy.ShouldRetry(res.Err) {
			return res
		}
	}
	if attempts > 1 {
		return Failed(fmt.Errorf("after %d attempts: %w", attempts, res.Err))
	}
	return res
}

func (r *retryStage) OnDone(ctx context.Context, state *State) {
	if h, ok := r.inner.(DoneHook); ok {
		h.OnDone(ctx, state)
	}
}

func (r *retryStage) OnError(ctx context.Context, state *State, err error) {
	if h, ok := r.inner.(ErrorHook); ok {
		h.OnError(ctx, state, err)
	}
}
