package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestServeHTTPExposesCounters(t *testing.T) {
	c := New(time.Hour)
	c.ObserveAdmitted("42", "GET-channels/!")
	c.ObserveProxyRoute429("42", "GET-channels/!")

	req := httptest.NewRequest("GET", "/metrics", nil)
	w := httptest.NewRecorder()
	c.ServeHTTP(w, req)

	body := w.Body.String()
	if !strings.Contains(body, "proxy_request_counter") {
		t.Fatalf("expected proxy_request_counter in output, got:\n%s", body)
	}
	if !strings.Contains(body, "proxy_request_route_429") {
		t.Fatalf("expected proxy_request_route_429 in output, got:\n%s", body)
	}
}

func TestServeHTTPResetsAfterTTL(t *testing.T) {
	c := New(time.Millisecond)
	c.ObserveAdmitted("42", "GET-channels/!")

	time.Sleep(5 * time.Millisecond)

	req := httptest.NewRequest("GET", "/metrics", nil)
	w := httptest.NewRecorder()
	c.ServeHTTP(w, req)

	body := w.Body.String()
	if strings.Contains(body, `global_id="42"`) {
		t.Fatalf("expected counters to have been reset past TTL, got:\n%s", body)
	}
}
