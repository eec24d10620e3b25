// Package health reports the liveness of the proxy's two hard dependencies:
// the coordination store and the upstream API's gateway endpoint. Adapted
// from the gosdk's Checker/Report shape, re-pointed at the proxy's own
// dependencies instead of a wrapped REST client.
package health

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"
)

const defaultGatewayURL = "https://discord.com/api/v10/gateway"

// Store is the subset of the coordination-store client a health check needs.
type Store interface {
	Ping(ctx context.Context) error
}

// Checker performs liveness checks against the proxy's dependencies.
type Checker struct {
	store      Store
	httpClient *http.Client
	gatewayURL string
}

// NewChecker builds a health checker over the coordination store.
func NewChecker(store Store, opts ...Option) *Checker {
	h := &Checker{
		store:      store,
		httpClient: http.DefaultClient,
		gatewayURL: defaultGatewayURL,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Option configures the health checker.
type Option func(*Checker)

// WithHTTPClient overrides the HTTP client used for the gateway check.
func WithHTTPClient(httpClient *http.Client) Option {
	return func(h *Checker) {
		if httpClient != nil {
			h.httpClient = httpClient
		}
	}
}

// WithGatewayURL overrides the gateway URL used by CheckGateway.
func WithGatewayURL(url string) Option {
	return func(h *Checker) {
		if url != "" {
			h.gatewayURL = url
		}
	}
}

// CheckStore validates the coordination store is reachable.
func (h *Checker) CheckStore(ctx context.Context) error {
	if h.store == nil {
		return errors.New("coordination store is not configured")
	}
	return h.store.Ping(ctx)
}

// CheckGateway validates the upstream gateway endpoint is reachable.
func (h *Checker) CheckGateway(ctx context.Context) error {
	if h.httpClient == nil {
		return errors.New("http client is not configured")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.gatewayURL, nil)
	if err != nil {
		return err
	}
	resp, err := h.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("gateway check failed with status %d", resp.StatusCode)
	}
	return nil
}

// Report summarizes the results of the checks backing the /health endpoint's
// 200/503 decision. The endpoint's documented body is a literal OK or
// "unavailable"; Checks is logged rather than served on the wire.
type Report struct {
	Timestamp time.Time         `json:"timestamp"`
	Status    string            `json:"status"`
	Checks    map[string]string `json:"checks"`
}

// Run executes every check and returns a consolidated status. The store
// check is authoritative: its failure always degrades the report to
// "unhealthy", since a proxy that cannot reach its coordination store cannot
// admit any requests at all. A gateway failure alone only degrades to
// "degraded" - admission and forwarding for already-discovered identities
// still work.
func (h *Checker) Run(ctx context.Context) *Report {
	checks := map[string]string{}
	status := "ok"

	if err := h.CheckStore(ctx); err != nil {
		checks["store"] = err.Error()
		status = "unhealthy"
	} else {
		checks["store"] = "ok"
	}

	if err := h.CheckGateway(ctx); err != nil {
		checks["gateway"] = err.Error()
		if status == "ok" {
			status = "degraded"
		}
	} else {
		checks["gateway"] = "ok"
	}

	return &Report{
		Timestamp: time.Now().UTC(),
		Status:    status,
		Checks:    checks,
	}
}
