// Package response builds the proxy's own synthetic HTTP responses: rate-limited,
// overloaded, and internal-error bodies. Grounded on original_source/src/responses.rs,
// reimplemented against net/http's ResponseWriter.
package response

import (
	"encoding/json"
	"net/http"
	"strconv"
)

const sentByProxyHeader = "X-Sent-By-Proxy"

// ratelimitBody mirrors the JSON body Discord itself returns on a 429, so that
// clients written against the real API need no special-casing for the proxy.
type ratelimitBody struct {
	Message    string  `json:"message"`
	RetryAfter float64 `json:"retry_after"`
	Global     bool    `json:"global"`
}

// RateLimited writes a 429 for a route or global denial. resetAt and resetAfter
// are epoch-ms and ms respectively, converted here to the fractional-second
// header format Discord clients expect.
func RateLimited(w http.ResponseWriter, bucket string, limit, resetAt, resetAfter int64, global bool) {
	h := w.Header()
	h.Set(sentByProxyHeader, "true")
	h.Set("X-RateLimit-Bucket", bucket)
	h.Set("X-RateLimit-Limit", strconv.FormatInt(limit, 10))
	h.Set("X-RateLimit-Remaining", "0")
	h.Set("X-RateLimit-Reset", formatFractionalSeconds(resetAt))
	h.Set("X-RateLimit-Reset-After", formatFractionalSeconds(resetAfter))
	if global {
		h.Set("X-RateLimit-Global", "true")
	}
	h.Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusTooManyRequests)

	body := ratelimitBody{
		Message:    "You are being rate limited.",
		RetryAfter: float64(resetAfter) / 1000.0,
		Global:     global,
	}
	_ = json.NewEncoder(w).Encode(body)
}

// Overloaded writes a 503 when the coordination store cannot keep up with the
// admission rate (§4.4's ProxyOverloaded terminal state).
func Overloaded(w http.ResponseWriter, bucket string) {
	h := w.Header()
	h.Set(sentByProxyHeader, "true")
	h.Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusServiceUnavailable)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"message": "proxy overloaded, try again",
		"bucket":  bucket,
	})
}

// InternalError writes a 500 for unexpected failures (e.g. a coordination-store
// error during admission or an upstream transport error).
func InternalError(w http.ResponseWriter, reason string) {
	h := w.Header()
	h.Set(sentByProxyHeader, "true")
	h.Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusInternalServerError)
	_ = json.NewEncoder(w).Encode(map[string]string{"message": reason})
}

// BadRequest writes a 400 for a request the classifier/descriptor layer could
// not make sense of.
func BadRequest(w http.ResponseWriter, reason string) {
	h := w.Header()
	h.Set(sentByProxyHeader, "true")
	h.Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusBadRequest)
	_ = json.NewEncoder(w).Encode(map[string]string{"message": reason})
}

func formatFractionalSeconds(ms int64) string {
	if ms < 0 {
		ms = 0
	}
	whole := ms / 1000
	frac := ms % 1000
	return strconv.FormatInt(whole, 10) + "." + padMillis(frac)
}

func padMillis(ms int64) string {
	s := strconv.FormatInt(ms, 10)
	for len(s) < 3 {
		s = "0" + s
	}
	return s
}
