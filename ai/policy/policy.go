// Package policy wraps ai.Backend values with call policies: retry with
// backoff, token-bucket throttling and a sliding-window call budget.
// Chains never retry on their own; retrying is opted into here.
package policy

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/teranos/loom/ai"
	"github.com/teranos/loom/errors"
	"github.com/teranos/loom/logger"
	"github.com/teranos/loom/prompt"
)

// RetryConfig controls Retry
type RetryConfig struct {
	MaxAttempts int           // total attempts including the first; < 1 means 1
	BaseDelay   time.Duration // delay before the second attempt
	MaxDelay    time.Duration // cap on any single delay; 0 = uncapped
	Linear      bool          // base*attempt instead of base*2^(attempt-1)
	Logger      *zap.SugaredLogger

	// sleep is swapped in tests
	sleep func(ctx context.Context, d time.Duration) error
}

type retryBackend struct {
	next ai.Backend
	cfg  RetryConfig
}

// Retry retries BackendErrors marked retriable. Non-retriable errors and
// context cancellation end the loop immediately.
func Retry(next ai.Backend, cfg RetryConfig) ai.Backend {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	if cfg.sleep == nil {
		cfg.sleep = sleepCtx
	}
	cfg.Logger = logger.OrNop(cfg.Logger)
	return &retryBackend{next: next, cfg: cfg}
}

func (r *retryBackend) Complete(ctx context.Context, messages []prompt.Message) (*ai.Completion, error) {
	var lastErr error
	for attempt := 1; attempt <= r.cfg.MaxAttempts; attempt++ {
		if attempt > 1 {
			delay := r.cfg.Delay(attempt, lastErr)
			r.cfg.Logger.Debugw("Retrying backend request",
				logger.FieldAttempt, attempt,
				logger.FieldDurationMS, delay.Milliseconds(),
				logger.FieldError, lastErr,
			)
			if err := r.cfg.sleep(ctx, delay); err != nil {
				return nil, lastErr
			}
		}

		completion, err := r.next.Complete(ctx, messages)
		if err == nil {
			if attempt > 1 {
				r.cfg.Logger.Infow("Request succeeded after retries", logger.FieldAttempt, attempt)
			}
			return completion, nil
		}
		lastErr = err

		if ctx.Err() != nil || !ai.IsRetriable(err) {
			return nil, err
		}
	}

	return nil, errors.WithDetailf(lastErr, "gave up after %d attempts", r.cfg.MaxAttempts)
}

// Delay returns the wait before the given attempt (2-based). A Retry-After
// hint on the last error wins when it is longer.
func (c RetryConfig) Delay(attempt int, lastErr error) time.Duration {
	n := attempt - 1
	var d time.Duration
	if c.Linear {
		d = c.BaseDelay * time.Duration(n)
	} else {
		shift := n - 1
		if shift > 30 {
			shift = 30
		}
		d = c.BaseDelay << shift
	}
	if be, ok := ai.AsBackendError(lastErr); ok && be.RetryAfter > d {
		d = be.RetryAfter
	}
	if c.MaxDelay > 0 && d > c.MaxDelay {
		d = c.MaxDelay
	}
	return d
}

// Unwrap exposes the wrapped backend
func (r *retryBackend) Unwrap() ai.Backend { return r.next }

type throttleBackend struct {
	next    ai.Backend
	limiter *rate.Limiter
}

// Throttle blocks each call until the token bucket admits it
func Throttle(next ai.Backend, limiter *rate.Limiter) ai.Backend {
	return &throttleBackend{next: next, limiter: limiter}
}

// NewRateLimiter builds a token bucket from a per-minute rate and burst
func NewRateLimiter(requestsPerMinute, burst int) *rate.Limiter {
	if burst < 1 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(float64(requestsPerMinute)/60.0), burst)
}

func (t *throttleBackend) Complete(ctx context.Context, messages []prompt.Message) (*ai.Completion, error) {
	if err := t.limiter.Wait(ctx); err != nil {
		// Wait also fails when the deadline cannot fit the next token
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, ai.NewBackendError("", ai.KindRateLimited, errors.Wrap(err, "throttle"))
	}
	return t.next.Complete(ctx, messages)
}

func (t *throttleBackend) Unwrap() ai.Backend { return t.next }

type budgetBackend struct {
	next    ai.Backend
	limiter *Limiter
}

// Budget rejects calls beyond the limiter's window with a retriable
// rate_limited BackendError instead of blocking.
func Budget(next ai.Backend, limiter *Limiter) ai.Backend {
	return &budgetBackend{next: next, limiter: limiter}
}

func (b *budgetBackend) Complete(ctx context.Context, messages []prompt.Message) (*ai.Completion, error) {
	if err := b.limiter.Allow(); err != nil {
		be := ai.NewBackendError("", ai.KindRateLimited, err)
		be.RetryAfter = b.limiter.NextSlot()
		return nil, be
	}
	return b.next.Complete(ctx, messages)
}

func (b *budgetBackend) Unwrap() ai.Backend { return b.next }

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
