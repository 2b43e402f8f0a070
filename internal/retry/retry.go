// Package retry runs an operation until it succeeds, fails with an error
// the caller does not consider retryable, or runs out of attempts.
package retry

import (
	"context"
	"sync"
	"time"

	goretry "github.com/sethvargo/go-retry"
)

// Unbounded retries until success, a non-retryable error or cancellation.
const Unbounded = 0

const (
	defaultBaseDelay = 500 * time.Millisecond
	defaultMaxDelay  = 30 * time.Second
)

// Policy describes how an operation is retried.
type Policy struct {
	// MaxAttempts is the total number of attempts; Unbounded (or any value
	// <= 0) never gives up on a retryable error.
	MaxAttempts int

	// IsRetryable reports whether err warrants another attempt. A nil
	// IsRetryable treats every error as retryable.
	IsRetryable func(err error) bool

	// PreferredBackoff returns a wait that overrides the computed backoff,
	// typically a server supplied retry-after.
	PreferredBackoff func(err error) (time.Duration, bool)

	BaseDelay time.Duration
	MaxDelay  time.Duration

	// JitterPercent randomizes each computed wait by +/- this percentage.
	JitterPercent uint64

	// Notify is called after each failed attempt that will be retried.
	Notify func(attempt int, err error, wait time.Duration)
}

// Do runs op according to p.
func Do(ctx context.Context, p Policy, op func(ctx context.Context) error) error {
	_, err := DoValue(ctx, p, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, op(ctx)
	})
	return err
}

// DoValue runs op according to p and returns its value. A cancelled context
// stops the loop before the next attempt or during a wait and its error is
// returned.
func DoValue[T any](ctx context.Context, p Policy, op func(ctx context.Context) (T, error)) (T, error) {
	b := newBackoff(p)
	return goretry.DoValue(ctx, b, func(ctx context.Context) (T, error) {
		v, err := op(ctx)
		if err == nil {
			return v, nil
		}
		if ctx.Err() != nil {
			return v, ctx.Err()
		}
		if p.IsRetryable != nil && !p.IsRetryable(err) {
			return v, err
		}
		b.record(err)
		return v, goretry.RetryableError(err)
	})
}

// backoff decides the wait after each failed attempt. It is consulted
// sequentially by a single retry loop.
type backoff struct {
	mu       sync.Mutex
	policy   Policy
	exp      goretry.Backoff
	attempts int
	lastErr  error
}

func newBackoff(p Policy) *backoff {
	base := p.BaseDelay
	if base <= 0 {
		base = defaultBaseDelay
	}
	maxDelay := p.MaxDelay
	if maxDelay <= 0 {
		maxDelay = defaultMaxDelay
	}
	if maxDelay < base {
		maxDelay = base
	}

	exp := goretry.NewExponential(base)
	if p.JitterPercent > 0 {
		exp = goretry.WithJitterPercent(p.JitterPercent, exp)
	}
	exp = goretry.WithCappedDuration(maxDelay, exp)

	return &backoff{policy: p, exp: exp}
}

func (b *backoff) record(err error) {
	b.mu.Lock()
	b.attempts++
	b.lastErr = err
	b.mu.Unlock()
}

// Next implements goretry.Backoff.
func (b *backoff) Next() (time.Duration, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.policy.MaxAttempts > 0 && b.attempts >= b.policy.MaxAttempts {
		return 0, true
	}

	var wait time.Duration
	if d, ok := b.preferred(); ok {
		wait = d
	} else {
		wait, _ = b.exp.Next()
	}

	if b.policy.Notify != nil {
		b.policy.Notify(b.attempts, b.lastErr, wait)
	}
	return wait, false
}

func (b *backoff) preferred() (time.Duration, bool) {
	if b.policy.PreferredBackoff == nil || b.lastErr == nil {
		return 0, false
	}
	d, ok := b.policy.PreferredBackoff(b.lastErr)
	if !ok || d < 0 {
		return 0, false
	}
	return d, true
}
