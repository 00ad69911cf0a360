package policy

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/teranos/loom/errors"
)

// ErrRateLimited is returned by Limiter.Allow when the window is full
var ErrRateLimited = errors.New("rate limit exceeded")

// Limiter enforces max calls per time window using a sliding window
type Limiter struct {
	maxCalls  int
	window    time.Duration
	mu        sync.Mutex
	callTimes []time.Time
	timeNow   func() time.Time // injectable for testing
}

// NewLimiter creates a calls-per-minute limiter with real time
func NewLimiter(maxCallsPerMinute int) *Limiter {
	return NewLimiterWithClock(maxCallsPerMinute, time.Now)
}

// NewLimiterWithClock creates a calls-per-minute limiter with an injectable clock
func NewLimiterWithClock(maxCallsPerMinute int, timeNow func() time.Time) *Limiter {
	return &Limiter{
		maxCalls:  maxCallsPerMinute,
		window:    time.Minute,
		callTimes: make([]time.Time, 0, maxCallsPerMinute),
		timeNow:   timeNow,
	}
}

// Allow records a call if the window has room, else returns ErrRateLimited
func (r *Limiter) Allow() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.timeNow()
	r.removeExpiredCalls(now)

	if len(r.callTimes) >= r.maxCalls {
		err := errors.Wrapf(ErrRateLimited, "%d calls per minute (limit: %d)", len(r.callTimes), r.maxCalls)
		return errors.WithDetail(err, fmt.Sprintf("Next slot opens in %s", r.untilNextSlot(now)))
	}

	r.callTimes = append(r.callTimes, now)
	return nil
}

// Wait blocks until a call is allowed or ctx is done
func (r *Limiter) Wait(ctx context.Context) error {
	for {
		if err := r.Allow(); err == nil {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(100 * time.Millisecond):
		}
	}
}

// NextSlot reports how long until a call would be allowed (0 when allowed now)
func (r *Limiter) NextSlot() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.timeNow()
	r.removeExpiredCalls(now)
	if len(r.callTimes) < r.maxCalls {
		return 0
	}
	return r.untilNextSlot(now)
}

// must hold lock, window must be full
func (r *Limiter) untilNextSlot(now time.Time) time.Duration {
	if len(r.callTimes) == 0 {
		return 0
	}
	return r.callTimes[0].Add(r.window).Sub(now)
}

// must hold lock
func (r *Limiter) removeExpiredCalls(now time.Time) {
	cutoff := now.Add(-r.window)

	// timestamps are ordered
	expired := 0
	for _, callTime := range r.callTimes {
		if !callTime.After(cutoff) {
			expired++
		} else {
			break
		}
	}

	r.callTimes = r.callTimes[expired:]
}

// Reset clears the limiter state
func (r *Limiter) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.callTimes = r.callTimes[:0]
}

// Stats returns current limiter statistics
func (r *Limiter) Stats() (callsInWindow int, remaining int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.removeExpiredCalls(r.timeNow())

	callsInWindow = len(r.callTimes)
	remaining = r.maxCalls - callsInWindow
	if remaining < 0 {
		remaining = 0
	}
	return callsInWindow, remaining
}
