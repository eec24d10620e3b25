// Package forwarder dispatches admitted requests to the upstream API, performing
// the header fixups and 429/feedback handling of §4.5. The pooled transport
// construction is grounded on discord/client/client.go's newPooledTransport.
package forwarder

import (
	"context"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/limbo-labs/discord-api-proxy/internal/log"
	"github.com/limbo-labs/discord-api-proxy/internal/proxyerr"
	"github.com/limbo-labs/discord-api-proxy/internal/store"
)

const (
	defaultUpstreamHost   = "discord.com"
	defaultUpstreamScheme = "https"
	userAgent             = "limbo-labs/discord-api-proxy/1.0"
)

var hopByHopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Connection",
	"Transfer-Encoding",
	"Upgrade",
}

// Forwarder rewrites and dispatches requests to the upstream API.
type Forwarder struct {
	httpClient *http.Client
	logger     *log.Logger
	store      *store.Client
	bucketTTL  time.Duration

	upstreamScheme string
	upstreamHost   string

	// disabled is a process-wide cool-off flag, flipped for coolOffPeriod after any
	// non-shared upstream 429 (§4.5; grounded on proxy.rs's self.disabled flag).
	disabled      atomic.Bool
	coolOffPeriod time.Duration
}

// Option configures a Forwarder, following the functional-options shape of
// discord/client/client.go's Option.
type Option func(*Forwarder)

// WithUpstream overrides the scheme/host requests are rewritten to, for tests
// that stand up a local httptest.Server in place of the real API.
func WithUpstream(scheme, host string) Option {
	return func(f *Forwarder) {
		f.upstreamScheme = scheme
		f.upstreamHost = host
	}
}

// New builds a Forwarder with a pooled, HTTP/2-capable transport.
func New(logger *log.Logger, st *store.Client, disableHTTP2 bool, bucketTTL time.Duration, coolOffPeriod time.Duration, opts ...Option) *Forwarder {
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           (&net.Dialer{Timeout: 30 * time.Second, KeepAlive: 30 * time.Second}).DialContext,
		ForceAttemptHTTP2:     !disableHTTP2,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   20,
		IdleConnTimeout:       90 * time.Second,
		ExpectContinueTimeout: time.Second,
	}

	f := &Forwarder{
		httpClient:     &http.Client{Transport: transport, Timeout: 30 * time.Second},
		logger:         logger,
		store:          st,
		bucketTTL:      bucketTTL,
		coolOffPeriod:  coolOffPeriod,
		upstreamScheme: defaultUpstreamScheme,
		upstreamHost:   defaultUpstreamHost,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Dispatch rewrites r for the upstream and forwards it, returning the upstream
// response unmodified (body streamed through by the caller). routeKey and
// routeLockToken (possibly empty) drive the post-response update.
func (f *Forwarder) Dispatch(ctx context.Context, r *http.Request, routeKey, routeLockToken string) (*http.Response, error) {
	if f.disabled.Load() {
		return nil, &proxyerr.OverloadedError{Bucket: routeKey, Retries: 0}
	}

	outbound := f.rewrite(ctx, r)

	resp, err := f.httpClient.Do(outbound)
	if err != nil {
		return nil, &proxyerr.UpstreamError{Op: "dispatch", Err: err}
	}

	f.handleResponse(resp, routeKey, routeLockToken)

	return resp, nil
}

func (f *Forwarder) rewrite(ctx context.Context, r *http.Request) *http.Request {
	out := r.Clone(ctx)
	out.Host = f.upstreamHost
	out.URL.Scheme = f.upstreamScheme
	out.URL.Host = f.upstreamHost
	out.Header.Set("User-Agent", userAgent)

	for _, h := range hopByHopHeaders {
		out.Header.Del(h)
	}

	out.RequestURI = ""
	return out
}

// handleResponse implements the on-response behavior of §4.5: 429 scope
// interpretation and the asynchronous header-feedback update.
func (f *Forwarder) handleResponse(resp *http.Response, routeKey, routeLockToken string) {
	if resp.StatusCode == http.StatusTooManyRequests {
		scope := resp.Header.Get("X-RateLimit-Scope")
		if scope == "shared" {
			f.logger.Debug("shared 429, non-authoritative for bookkeeping", "route_key", routeKey)
		} else {
			f.logger.Warn("upstream 429", "route_key", routeKey, "global", resp.Header.Get("X-RateLimit-Global"))
			f.enterCoolOff()
		}
	}

	if routeKey == "" {
		return
	}

	rec, ok := parseRateLimitHeaders(resp.Header)
	if !ok {
		f.logger.Warn("upstream response missing rate-limit headers, skipping update", "route_key", routeKey)
		return
	}

	// Fire-and-forget, mirroring update_ratelimits's spawned task in
	// ratelimits.rs: the client response is not held up by this write.
	go func() {
		updateCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		var err error
		if routeLockToken != "" {
			_, err = f.store.UnlockRoute(updateCtx, routeKey, routeLockToken, rec, f.bucketTTL)
		} else {
			err = f.store.SetRouteExpiry(updateCtx, routeKey, rec, f.bucketTTL)
		}
		if err != nil {
			f.logger.Debug("failed to update route record, lock may have expired", "route_key", routeKey, "error", err)
		}
	}()
}

func (f *Forwarder) enterCoolOff() {
	if f.disabled.CompareAndSwap(false, true) {
		f.logger.Warn("entering cool-off period after non-shared upstream 429", "period", f.coolOffPeriod)
		go func() {
			time.Sleep(f.coolOffPeriod)
			f.disabled.Store(false)
		}()
	}
}

// parseRateLimitHeaders extracts {limit, remaining, reset_at, reset_after} from an
// upstream response. Reset is reported in fractional seconds and converted to
// integer milliseconds by stripping the decimal point, matching
// original_source/src/ratelimits.rs's update_ratelimits.
func parseRateLimitHeaders(h http.Header) (store.RouteRecord, bool) {
	limitStr := h.Get("X-RateLimit-Limit")
	remainingStr := h.Get("X-RateLimit-Remaining")
	resetStr := h.Get("X-RateLimit-Reset")
	resetAfterStr := h.Get("X-RateLimit-Reset-After")

	if limitStr == "" || remainingStr == "" || resetStr == "" || resetAfterStr == "" {
		return store.RouteRecord{}, false
	}

	limit, err := strconv.ParseInt(limitStr, 10, 64)
	if err != nil {
		return store.RouteRecord{}, false
	}
	remaining, err := strconv.ParseInt(remainingStr, 10, 64)
	if err != nil {
		return store.RouteRecord{}, false
	}
	resetAt, err := parseFractionalSecondsToMillis(resetStr)
	if err != nil {
		return store.RouteRecord{}, false
	}
	resetAfter, err := parseFractionalSecondsToMillis(resetAfterStr)
	if err != nil {
		return store.RouteRecord{}, false
	}

	return store.RouteRecord{Limit: limit, Remaining: remaining, ResetAt: resetAt, ResetAfter: resetAfter}, true
}

func parseFractionalSecondsToMillis(s string) (int64, error) {
	stripped := strings.Replace(s, ".", "", 1)
	return strconv.ParseInt(stripped, 10, 64)
}

// DrainAndClose fully reads and closes a response body, for callers that copy it
// elsewhere and must still release the underlying connection.
func DrainAndClose(resp *http.Response) {
	if resp == nil || resp.Body == nil {
		return
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
}
