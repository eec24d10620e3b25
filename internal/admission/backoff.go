package admission

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// retryRate and retryBurst cap how fast a single Controller re-issues admission
// round trips once a lock it was waiting on clears. Without this, every request
// blocked on the same lock wakes on the same pub/sub notification and re-hits
// the coordination store in the same instant.
const (
	retryRate  = rate.Limit(200)
	retryBurst = 20

	maxRetryJitter = 5 * time.Millisecond
)

// backoffLimiter lazily builds the per-Controller retry limiter, following the
// same sync.Once-guarded lazy-init shape as GlobalDiscoverer.cache.
func (c *Controller) backoffLimiter() *rate.Limiter {
	c.retryLimiterOnce.Do(func() {
		c.retryLimiter = rate.NewLimiter(retryRate, retryBurst)
	})
	return c.retryLimiter
}

// backoff paces the next admission retry: it waits for a token from the
// shared limiter, then sleeps a small random jitter so that every request
// released by the same unlock notification or discovery completion doesn't
// re-issue its admission script in lockstep.
func (c *Controller) backoff(ctx context.Context) {
	if err := c.backoffLimiter().Wait(ctx); err != nil {
		return
	}
	time.Sleep(time.Duration(rand.Int63n(int64(maxRetryJitter))))
}
