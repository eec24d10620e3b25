package response

import (
	"net/http/httptest"
	"testing"
)

func TestRateLimitedHeaders(t *testing.T) {
	w := httptest.NewRecorder()
	RateLimited(w, "route:{x}", 5, 1500, 1500, false)

	if w.Code != 429 {
		t.Fatalf("expected 429, got %d", w.Code)
	}
	if got := w.Header().Get("X-RateLimit-Bucket"); got != "route:{x}" {
		t.Fatalf("unexpected bucket header: %q", got)
	}
	if got := w.Header().Get("X-RateLimit-Remaining"); got != "0" {
		t.Fatalf("expected remaining=0, got %q", got)
	}
	if got := w.Header().Get("X-RateLimit-Reset-After"); got != "1.500" {
		t.Fatalf("expected reset-after 1.500, got %q", got)
	}
	if got := w.Header().Get("X-Sent-By-Proxy"); got != "true" {
		t.Fatalf("expected sent-by-proxy header, got %q", got)
	}
}

func TestRateLimitedGlobalFlag(t *testing.T) {
	w := httptest.NewRecorder()
	RateLimited(w, "global:{1}", 50, 1000, 1000, true)

	if got := w.Header().Get("X-RateLimit-Global"); got != "true" {
		t.Fatalf("expected global header set, got %q", got)
	}
}

func TestOverloadedStatus(t *testing.T) {
	w := httptest.NewRecorder()
	Overloaded(w, "route:{x}")
	if w.Code != 503 {
		t.Fatalf("expected 503, got %d", w.Code)
	}
}

func TestInternalErrorStatus(t *testing.T) {
	w := httptest.NewRecorder()
	InternalError(w, "boom")
	if w.Code != 500 {
		t.Fatalf("expected 500, got %d", w.Code)
	}
}

func TestFormatFractionalSecondsPadding(t *testing.T) {
	if got := formatFractionalSeconds(5); got != "0.005" {
		t.Fatalf("expected 0.005, got %q", got)
	}
	if got := formatFractionalSeconds(0); got != "0.000" {
		t.Fatalf("expected 0.000, got %q", got)
	}
}
