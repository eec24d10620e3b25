package admission

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/limbo-labs/discord-api-proxy/config"
	"github.com/limbo-labs/discord-api-proxy/internal/bucket"
	"github.com/limbo-labs/discord-api-proxy/internal/descriptor"
	"github.com/limbo-labs/discord-api-proxy/internal/log"
	"github.com/limbo-labs/discord-api-proxy/internal/proxyerr"
	"github.com/limbo-labs/discord-api-proxy/internal/store"
)

const lockTTL = 5 * time.Second

// overloadThreshold is the heuristic round-trip latency above which an admission
// attempt is counted as overloaded; see §4.4 and §9's note that this may be
// replaced with a rolling percentile without changing retry/terminal semantics.
const overloadThreshold = 50 * time.Millisecond

const maxOverloadRetries = 3

// Outcome is the result handed back to the HTTP layer after admission.
type Outcome struct {
	Allowed bool

	GlobalDenied bool
	RouteDenied  bool
	Overloaded   bool

	Limit      int64
	ResetAt    int64 // epoch ms
	ResetAfter int64 // ms

	// RouteLockToken is non-empty when the caller holds the route lock and must
	// release it (with the discovered headers) via the post-response update.
	RouteLockToken string
}

// Controller drives the classifier and coordination client through the admission
// state machine of §4.4.
type Controller struct {
	Store      *store.Client
	Config     config.ProxyConfig
	Logger     *log.Logger
	Discoverer *GlobalDiscoverer

	retryLimiterOnce sync.Once
	retryLimiter     *rate.Limiter
}

// Check runs the admission loop for a single request descriptor.
func (c *Controller) Check(ctx context.Context, d descriptor.Descriptor) (Outcome, error) {
	if d.Bucket.Resource == bucket.ResourceInteractions {
		return Outcome{Allowed: true}, nil
	}

	useGlobal := d.UsesGlobalLimit && !c.Config.DisableGlobalRatelimit
	if useGlobal {
		return c.checkGlobalAndRoute(ctx, d)
	}
	return c.checkRouteOnly(ctx, d)
}

func (c *Controller) checkGlobalAndRoute(ctx context.Context, d descriptor.Descriptor) (Outcome, error) {
	retries := 0

	for {
		sliceBefore := sliceID(c.Config.GlobalTimeSliceOffset)
		token := lockToken()

		started := time.Now()
		res, err := c.Store.CheckGlobalAndRoute(ctx, d.GlobalKey, strconv.FormatInt(sliceBefore, 10), d.RouteKey, token, lockTTL)
		elapsed := time.Since(started)

		if err != nil {
			return Outcome{}, err
		}

		sliceAfter := sliceID(c.Config.GlobalTimeSliceOffset)
		if sliceAfter != sliceBefore {
			// Wall clock crossed a slice boundary mid-check; retry for free.
			continue
		}

		if elapsed > overloadThreshold {
			retries++
			c.Logger.Warn("admission check exceeded overload threshold", "bucket", d.RouteDisplayBucket, "elapsed", elapsed)
			if retries >= maxOverloadRetries {
				return Outcome{Overloaded: true}, &proxyerr.OverloadedError{Bucket: d.RouteDisplayBucket, Retries: retries}
			}
		}

		switch res.Status {
		case store.StatusGlobalRatelimited:
			resetAt, resetAfter := sliceBoundary(c.Config.GlobalTimeSliceOffset)
			return Outcome{GlobalDenied: true, Limit: res.Limit, ResetAt: resetAt, ResetAfter: resetAfter}, nil

		case store.StatusRouteRatelimited:
			return Outcome{RouteDenied: true, Limit: res.Limit, ResetAt: res.ResetAt, ResetAfter: res.ResetAfter}, nil

		case store.StatusAllowed:
			return Outcome{Allowed: true}, nil

		case store.StatusAllowedHoldingRouteLock:
			return Outcome{Allowed: true, RouteLockToken: token}, nil

		case store.StatusAwaitingGlobalLock:
			if c.Config.GlobalRatelimitStrategy == config.Loose {
				c.Logger.Debug("global lock contended, loose strategy, proceeding without waiting", "global_key", d.GlobalKey)
				return Outcome{Allowed: true}, nil
			}
			c.Store.AwaitUnlock(ctx, d.GlobalKey, c.Config.LockWaitTimeout)
			c.backoff(ctx)
			continue

		case store.StatusAwaitingRouteLock:
			if c.Config.RouteRatelimitStrategy == config.Loose {
				c.Logger.Debug("route lock contended, loose strategy, proceeding without waiting", "route_key", d.RouteKey)
				return Outcome{Allowed: true}, nil
			}
			c.Store.AwaitUnlock(ctx, d.RouteKey, c.Config.LockWaitTimeout)
			c.backoff(ctx)
			continue

		case store.StatusHoldingGlobalLockAwaitingRouteLock:
			c.runGlobalDiscovery(ctx, d, token)
			c.backoff(ctx)
			continue

		default:
			c.backoff(ctx)
			continue
		}
	}
}

func (c *Controller) checkRouteOnly(ctx context.Context, d descriptor.Descriptor) (Outcome, error) {
	retries := 0

	for {
		token := lockToken()

		started := time.Now()
		res, err := c.Store.CheckRouteOnly(ctx, d.RouteKey, token, lockTTL)
		elapsed := time.Since(started)
		if err != nil {
			return Outcome{}, err
		}

		if elapsed > overloadThreshold {
			retries++
			if retries >= maxOverloadRetries {
				return Outcome{Overloaded: true}, &proxyerr.OverloadedError{Bucket: d.RouteDisplayBucket, Retries: retries}
			}
		}

		switch res.Status {
		case store.StatusRouteRatelimited:
			return Outcome{RouteDenied: true, Limit: res.Limit, ResetAt: res.ResetAt, ResetAfter: res.ResetAfter}, nil

		case store.StatusAllowed:
			return Outcome{Allowed: true}, nil

		case store.StatusAllowedHoldingRouteLock:
			return Outcome{Allowed: true, RouteLockToken: token}, nil

		case store.StatusAwaitingRouteLock:
			if c.Config.RouteRatelimitStrategy == config.Loose {
				return Outcome{Allowed: true}, nil
			}
			c.Store.AwaitUnlock(ctx, d.RouteKey, c.Config.LockWaitTimeout)
			c.backoff(ctx)
			continue

		default:
			c.backoff(ctx)
			continue
		}
	}
}

// runGlobalDiscovery fetches (or defaults) the identity's global limit and
// releases the global lock with the discovered value.
func (c *Controller) runGlobalDiscovery(ctx context.Context, d descriptor.Descriptor, token string) {
	limit := c.Discoverer.Discover(ctx, d.Identity, d.Credential)

	released, err := c.Store.UnlockGlobal(ctx, d.GlobalKey, token, int64(limit))
	if err != nil {
		c.Logger.Warn("failed to release global lock after discovery", "global_key", d.GlobalKey, "error", err)
		return
	}
	if !released {
		c.Logger.Debug("global lock expired before discovery could release it", "global_key", d.GlobalKey)
		return
	}
	c.Logger.Debug("global ratelimit discovered and published", "global_key", d.GlobalKey, "limit", limit)
}

func lockToken() string {
	var b [8]byte
	_, _ = rand.Read(b[:])
	return base64.RawURLEncoding.EncodeToString(b[:])
}

// sliceID computes the offset-adjusted unix-second slice identifier used to key
// the global counter, per the global_rl_time_slice computation in
// original_source/src/ratelimits.rs (reinterpreted as a small jitter added before
// truncating to whole seconds; see SPEC_FULL.md §12).
func sliceID(offset time.Duration) int64 {
	adjusted := time.Now().UnixMilli() + offset.Milliseconds()
	return adjusted / 1000
}

// sliceBoundary returns the real wall-clock {reset_at, reset_after} for the slice
// current as of now.
func sliceBoundary(offset time.Duration) (resetAt, resetAfter int64) {
	nowMs := time.Now().UnixMilli()
	offsetMs := offset.Milliseconds()
	id := sliceID(offset)
	nextAdjusted := (id + 1) * 1000
	resetAt = nextAdjusted - offsetMs
	resetAfter = resetAt - nowMs
	if resetAfter < 0 {
		resetAfter = 0
	}
	return resetAt, resetAfter
}
