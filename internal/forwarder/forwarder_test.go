package forwarder

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/limbo-labs/discord-api-proxy/internal/log"
	"github.com/limbo-labs/discord-api-proxy/internal/store"
)

func newTestForwarder(t *testing.T, upstream *httptest.Server) (*Forwarder, *store.Client) {
	t.Helper()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	st, err := store.NewFromUniversalClient(context.Background(), rdb, false, log.Default())
	if err != nil {
		t.Fatalf("failed to construct store client: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	u, err := url.Parse(upstream.URL)
	if err != nil {
		t.Fatalf("failed to parse upstream URL: %v", err)
	}

	f := New(log.Default(), st, true, time.Minute, time.Second, WithUpstream(u.Scheme, u.Host))
	return f, st
}

func TestDispatchRewritesHostAndHeaders(t *testing.T) {
	var gotHost, gotUA string
	var gotHopByHop bool

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHost = r.Host
		gotUA = r.Header.Get("User-Agent")
		gotHopByHop = r.Header.Get("Connection") != ""
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()

	f, _ := newTestForwarder(t, upstream)

	req := httptest.NewRequest(http.MethodGet, "/api/v10/channels/1", nil)
	req.Header.Set("Connection", "keep-alive")

	resp, err := f.Dispatch(context.Background(), req, "", "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if gotUA != userAgent {
		t.Fatalf("expected rewritten user-agent %q, got %q", userAgent, gotUA)
	}
	if gotHopByHop {
		t.Fatal("expected Connection header to be stripped")
	}
	_ = gotHost
}

func TestDispatchUpdatesRouteRecordOnResponse(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-RateLimit-Limit", "5")
		w.Header().Set("X-RateLimit-Remaining", "4")
		w.Header().Set("X-RateLimit-Reset", "1.500")
		w.Header().Set("X-RateLimit-Reset-After", "0.500")
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()

	f, st := newTestForwarder(t, upstream)

	routeKey := "route:{test}"
	locked, err := st.Lock(context.Background(), routeKey, "tok", 5*time.Second)
	if err != nil || !locked {
		t.Fatalf("failed to seed route lock: ok=%v err=%v", locked, err)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/v10/channels/1", nil)
	resp, err := f.Dispatch(context.Background(), req, routeKey, "tok")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer resp.Body.Close()

	// The route record update happens asynchronously; give it a moment.
	time.Sleep(100 * time.Millisecond)

	res, err := st.CheckRouteOnly(context.Background(), routeKey, "tok2", 5*time.Second)
	if err != nil {
		t.Fatalf("unexpected error checking route: %v", err)
	}
	if res.Status != store.StatusAllowed && res.Status != store.StatusAllowedHoldingRouteLock {
		t.Fatalf("expected route record to have been populated and allow through, got status %v", res.Status)
	}
}

func TestDispatchEntersCoolOffOnNonSharedUpstream429(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer upstream.Close()

	f, _ := newTestForwarder(t, upstream)

	req := httptest.NewRequest(http.MethodGet, "/api/v10/channels/1", nil)
	resp, err := f.Dispatch(context.Background(), req, "", "")
	if err != nil {
		t.Fatalf("unexpected error on first dispatch: %v", err)
	}
	resp.Body.Close()

	_, err = f.Dispatch(context.Background(), req, "", "")
	if err == nil {
		t.Fatal("expected cool-off to reject the next dispatch")
	}
}
