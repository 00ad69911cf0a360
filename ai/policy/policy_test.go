package policy

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/teranos/loom/ai"
	"github.com/teranos/loom/errors"
	"github.com/teranos/loom/prompt"
)

var msgs = []prompt.Message{{Role: prompt.RoleUser, Content: "hi"}}

// flaky fails with errs in order, then succeeds
func flaky(calls *int32, errs ...error) ai.Backend {
	return ai.BackendFunc(func(ctx context.Context, _ []prompt.Message) (*ai.Completion, error) {
		n := atomic.AddInt32(calls, 1)
		if int(n) <= len(errs) {
			return nil, errs[n-1]
		}
		return &ai.Completion{Role: prompt.RoleAssistant, Content: "ok"}, nil
	})
}

func recordSleeps(delays *[]time.Duration) func(context.Context, time.Duration) error {
	return func(ctx context.Context, d time.Duration) error {
		*delays = append(*delays, d)
		return ctx.Err()
	}
}

func TestRetry(t *testing.T) {
	unavailable := ai.NewBackendError("test", ai.KindUnavailable, errors.New("503"))
	auth := ai.NewBackendError("test", ai.KindAuth, errors.New("401"))

	t.Run("retries retriable errors until success", func(t *testing.T) {
		var calls int32
		var delays []time.Duration
		b := Retry(flaky(&calls, unavailable, unavailable), RetryConfig{
			MaxAttempts: 3,
			BaseDelay:   100 * time.Millisecond,
			sleep:       recordSleeps(&delays),
		})

		completion, err := b.Complete(context.Background(), msgs)
		require.NoError(t, err)
		assert.Equal(t, "ok", completion.Content)
		assert.Equal(t, int32(3), calls)
		assert.Equal(t, []time.Duration{100 * time.Millisecond, 200 * time.Millisecond}, delays)
	})

	t.Run("does not retry non-retriable errors", func(t *testing.T) {
		var calls int32
		b := Retry(flaky(&calls, auth), RetryConfig{MaxAttempts: 5, sleep: recordSleeps(new([]time.Duration))})

		_, err := b.Complete(context.Background(), msgs)
		assert.Equal(t, auth, err)
		assert.Equal(t, int32(1), calls)
	})

	t.Run("gives up after max attempts", func(t *testing.T) {
		var calls int32
		b := Retry(flaky(&calls, unavailable, unavailable, unavailable), RetryConfig{MaxAttempts: 2, sleep: recordSleeps(new([]time.Duration))})

		_, err := b.Complete(context.Background(), msgs)
		require.Error(t, err)
		assert.True(t, ai.IsRetriable(err))
		assert.Equal(t, int32(2), calls)
	})

	t.Run("stops on cancellation", func(t *testing.T) {
		var calls int32
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		b := Retry(flaky(&calls, unavailable, unavailable), RetryConfig{MaxAttempts: 3, sleep: recordSleeps(new([]time.Duration))})

		_, err := b.Complete(ctx, msgs)
		require.Error(t, err)
		assert.Equal(t, int32(1), calls)
	})
}

func TestRetryConfig_Delay(t *testing.T) {
	cfg := RetryConfig{BaseDelay: time.Second, MaxDelay: 5 * time.Second}
	assert.Equal(t, time.Second, cfg.Delay(2, nil))
	assert.Equal(t, 2*time.Second, cfg.Delay(3, nil))
	assert.Equal(t, 4*time.Second, cfg.Delay(4, nil))
	assert.Equal(t, 5*time.Second, cfg.Delay(5, nil))
	assert.Equal(t, 5*time.Second, cfg.Delay(80, nil))

	linear := RetryConfig{BaseDelay: time.Second, Linear: true}
	assert.Equal(t, 3*time.Second, linear.Delay(4, nil))

	hinted := &ai.BackendError{Kind: ai.KindRateLimited, Retriable: true, RetryAfter: 3 * time.Second}
	assert.Equal(t, 3*time.Second, cfg.Delay(2, hinted))
}

func TestThrottle(t *testing.T) {
	var calls int32
	b := Throttle(flaky(&calls), rate.NewLimiter(rate.Every(time.Hour), 1))

	_, err := b.Complete(context.Background(), msgs)
	require.NoError(t, err)

	// bucket is empty and the deadline cannot fit the next token
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = b.Complete(ctx, msgs)
	require.Error(t, err)
	be, ok := ai.AsBackendError(err)
	require.True(t, ok)
	assert.Equal(t, ai.KindRateLimited, be.Kind)
	assert.Equal(t, int32(1), calls)
}

func TestNewRateLimiter(t *testing.T) {
	l := NewRateLimiter(120, 0)
	assert.Equal(t, rate.Limit(2), l.Limit())
	assert.Equal(t, 1, l.Burst())
}

func TestBudget(t *testing.T) {
	clock := newMockClock(time.Now())
	var calls int32
	b := Budget(flaky(&calls), NewLimiterWithClock(2, clock.Now))

	for i := 0; i < 2; i++ {
		_, err := b.Complete(context.Background(), msgs)
		require.NoError(t, err)
	}

	_, err := b.Complete(context.Background(), msgs)
	be, ok := ai.AsBackendError(err)
	require.True(t, ok)
	assert.Equal(t, ai.KindRateLimited, be.Kind)
	assert.True(t, be.Retriable)
	assert.Equal(t, time.Minute, be.RetryAfter)
	assert.Equal(t, int32(2), calls)
}

func TestDescribeThroughWrappers(t *testing.T) {
	base := describedBackend{}
	wrapped := Retry(Budget(base, NewLimiter(10)), RetryConfig{})
	assert.Equal(t, "fake/model-x", ai.Describe(wrapped, "unknown"))
	assert.Equal(t, "unknown", ai.Describe(ai.BackendFunc(nil), "unknown"))
}

type describedBackend struct{}

func (describedBackend) Complete(context.Context, []prompt.Message) (*ai.Completion, error) {
	return &ai.Completion{}, nil
}
func (describedBackend) Provider() string { return "fake" }
func (describedBackend) Model() string    { return "model-x" }
