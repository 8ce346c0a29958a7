package simplepost

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/lestrrat-go/backoff/v2"
)

// RetryPolicy bounds every store call made by the core.
type RetryPolicy struct {
	// CallTimeout caps a single store call
	CallTimeout time.Duration
	// MaxRetries is the number of additional attempts after the first one
	MaxRetries  int
	MinInterval time.Duration
	MaxInterval time.Duration
}

// DefaultRetryPolicy returns the policy used when none is configured
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		CallTimeout: 10 * time.Second,
		MaxRetries:  3,
		MinInterval: 50 * time.Millisecond,
		MaxInterval: 2 * time.Second,
	}
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	d := DefaultRetryPolicy()
	if p.CallTimeout <= 0 {
		p.CallTimeout = d.CallTimeout
	}
	if p.MaxRetries < 0 {
		p.MaxRetries = 0
	}
	if p.MinInterval <= 0 {
		p.MinInterval = d.MinInterval
	}
	if p.MaxInterval < p.MinInterval {
		p.MaxInterval = p.MinInterval
	}
	return p
}

// call runs fn once under the per-call timeout.
func (s *service) call(ctx context.Context, fn func(ctx context.Context) error) error {
	callCtx, cancel := context.WithTimeout(ctx, s.retry.CallTimeout)
	defer cancel()
	return fn(callCtx)
}

// withRetry runs fn under the per-call timeout, retrying transient failures
// with exponential backoff. before, if set, runs ahead of every retry and
// aborts the loop when it fails.
func (s *service) withRetry(ctx context.Context, op string, fn func(ctx context.Context) error, before func(ctx context.Context) error) error {
	if s.retry.MaxRetries == 0 {
		return s.call(ctx, fn)
	}

	policy := backoff.Exponential(
		backoff.WithMinInterval(s.retry.MinInterval),
		backoff.WithMaxInterval(s.retry.MaxInterval),
		backoff.WithJitterFactor(0.1),
		backoff.WithMaxRetries(s.retry.MaxRetries+1),
	)
	b := policy.Start(ctx)

	var err error
	attempt := 0
	for backoff.Continue(b) {
		if attempt > 0 && before != nil {
			if berr := s.call(ctx, before); berr != nil {
				return errors.Join(err, berr)
			}
		}
		attempt++
		err = s.call(ctx, fn)
		if err == nil || !IsRetryable(err) || ctx.Err() != nil || attempt > s.retry.MaxRetries {
			return err
		}
		s.logger.DebugContext(ctx, "retrying store call", "op", op, "attempt", attempt, "error", err)
	}
	if err == nil {
		err = ctx.Err()
	}
	return err
}

// cancelOnClose releases a per-call context once a streamed read is closed.
type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c *cancelOnClose) Close() error {
	err := c.ReadCloser.Close()
	c.cancel()
	return err
}
