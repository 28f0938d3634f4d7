package shared

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// HTTPRequestRateLimiter spaces out the requests of one registry session
type HTTPRequestRateLimiter struct {
	minimumDelay    time.Duration
	lastRequestTime time.Time
	mutex           sync.Mutex
	requestCount    int64
}

// NewHTTPRequestRateLimiter creates a new rate limiter with the specified minimum delay
func NewHTTPRequestRateLimiter(minimumDelay time.Duration) *HTTPRequestRateLimiter {
	return &HTTPRequestRateLimiter{minimumDelay: minimumDelay}
}

// Wait reserves the next request slot and blocks until it arrives or ctx is done.
// The mutex only guards the reservation, so waiting callers never hold it while sleeping.
func (limiter *HTTPRequestRateLimiter) Wait(ctx context.Context) error {
	limiter.mutex.Lock()
	now := time.Now()
	slot := now
	if !limiter.lastRequestTime.IsZero() {
		if next := limiter.lastRequestTime.Add(limiter.minimumDelay); next.After(now) {
			slot = next
		}
	}
	limiter.lastRequestTime = slot
	limiter.requestCount++
	count := limiter.requestCount
	limiter.mutex.Unlock()

	remaining := slot.Sub(now)
	if remaining <= 0 {
		return nil
	}
	logrus.WithFields(logrus.Fields{
		"component":       "HTTPRequestRateLimiter",
		"remaining_delay": remaining,
		"request_count":   count,
	}).Debug("Enforcing rate limit delay")
	return Sleep(ctx, remaining)
}

// GetRequestCount returns the total number of requests processed
func (limiter *HTTPRequestRateLimiter) GetRequestCount() int64 {
	limiter.mutex.Lock()
	defer limiter.mutex.Unlock()
	return limiter.requestCount
}

// Sleep pauses for d unless ctx ends first
func Sleep(ctx context.Context, d time.Duration) error {
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
