// Package server wires the classifier, descriptor, admission, and forwarder
// stages into the HTTP ingress of §6: /health, /metrics, and the proxied
// /api/* surface.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/limbo-labs/discord-api-proxy/config"
	"github.com/limbo-labs/discord-api-proxy/discord/health"
	"github.com/limbo-labs/discord-api-proxy/internal/admission"
	"github.com/limbo-labs/discord-api-proxy/internal/descriptor"
	"github.com/limbo-labs/discord-api-proxy/internal/forwarder"
	"github.com/limbo-labs/discord-api-proxy/internal/log"
	"github.com/limbo-labs/discord-api-proxy/internal/metrics"
	"github.com/limbo-labs/discord-api-proxy/internal/proxyerr"
	"github.com/limbo-labs/discord-api-proxy/internal/response"
	"github.com/limbo-labs/discord-api-proxy/internal/store"
)

// Server owns the proxy's HTTP ingress.
type Server struct {
	proxyCfg   config.ProxyConfig
	logger     *log.Logger
	store      *store.Client
	controller *admission.Controller
	forwarder  *forwarder.Forwarder
	metrics    *metrics.Collector
	health     *health.Checker

	httpServer *http.Server
}

// New builds a Server ready to ListenAndServe.
func New(cfg *config.Config, st *store.Client, ctrl *admission.Controller, fwd *forwarder.Forwarder, mc *metrics.Collector, logger *log.Logger) *Server {
	s := &Server{
		proxyCfg:   cfg.Proxy,
		logger:     logger,
		store:      st,
		controller: ctrl,
		forwarder:  fwd,
		metrics:    mc,
		health:     health.NewChecker(st),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.Handle("/metrics", mc)
	mux.HandleFunc("/", s.handleAPI)

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Webserver.Host, cfg.Webserver.Port),
		Handler:      mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
	}

	return s
}

// ListenAndServe blocks serving the ingress until Shutdown is called.
func (s *Server) ListenAndServe() error {
	s.logger.Info("listening", "addr", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests and stops the ingress.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// handleHealth implements the documented GET /health contract: 200 with body
// OK. The underlying checker still probes the coordination store and the
// upstream gateway so an unhealthy dependency is logged and surfaced as a
// 503, but a healthy proxy answers with exactly the literal body callers
// expect to match against.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	report := s.health.Run(r.Context())

	w.Header().Set("Content-Type", "text/plain")

	if report.Status == "unhealthy" {
		s.logger.Warn("health check failed", "checks", report.Checks)
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("unavailable"))
		return
	}

	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleAPI runs the full classify -> descriptor -> admission -> forward ->
// respond pipeline of §4 for every non-ingress request.
func (s *Server) handleAPI(w http.ResponseWriter, r *http.Request) {
	desc, err := descriptor.Build(r.Method, r.URL.Path, r.Header)
	if err != nil {
		s.metrics.ObserveError()
		response.BadRequest(w, err.Error())
		return
	}

	started := time.Now()
	outcome, err := s.controller.Check(r.Context(), desc)
	s.metrics.ObserveCheckTime(desc.Identity, desc.RouteDisplayBucket, time.Since(started))

	if err != nil {
		var overloaded *proxyerr.OverloadedError
		if errors.As(err, &overloaded) {
			s.metrics.ObserveOverloaded(desc.Identity, desc.RouteDisplayBucket)
			response.Overloaded(w, desc.RouteDisplayBucket)
			return
		}
		s.logger.Error("admission check failed", "route", desc.RouteDisplayBucket, "error", err)
		s.metrics.ObserveError()
		response.InternalError(w, "admission check failed")
		return
	}

	switch {
	case outcome.Overloaded:
		s.metrics.ObserveOverloaded(desc.Identity, desc.RouteDisplayBucket)
		response.Overloaded(w, desc.RouteDisplayBucket)
		return

	case outcome.GlobalDenied:
		s.metrics.ObserveProxyGlobal429(desc.Identity)
		response.RateLimited(w, desc.RouteDisplayBucket, outcome.Limit, outcome.ResetAt, outcome.ResetAfter, true)
		return

	case outcome.RouteDenied:
		s.metrics.ObserveProxyRoute429(desc.Identity, desc.RouteDisplayBucket)
		response.RateLimited(w, desc.RouteDisplayBucket, outcome.Limit, outcome.ResetAt, outcome.ResetAfter, false)
		return
	}

	s.metrics.ObserveAdmitted(desc.Identity, desc.RouteDisplayBucket)

	dispatchStart := time.Now()
	resp, err := s.forwarder.Dispatch(r.Context(), r, desc.RouteKey, outcome.RouteLockToken)
	s.metrics.ObserveDiscordResponse(desc.Identity, desc.RouteDisplayBucket, statusLabel(resp), time.Since(dispatchStart))

	if err != nil {
		var upstreamErr *proxyerr.UpstreamError
		if errors.As(err, &upstreamErr) {
			s.logger.Warn("upstream dispatch failed", "route", desc.RouteDisplayBucket, "error", err)
			s.metrics.ObserveError()
			response.InternalError(w, "upstream request failed")
			return
		}
		s.metrics.ObserveOverloaded(desc.Identity, desc.RouteDisplayBucket)
		response.Overloaded(w, desc.RouteDisplayBucket)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		if resp.Header.Get("X-RateLimit-Scope") == "shared" {
			s.metrics.ObserveShared429(desc.Identity, desc.RouteDisplayBucket)
		} else {
			s.metrics.ObserveRoute429(desc.Identity, desc.RouteDisplayBucket)
		}
	}

	copyHeaders(w.Header(), resp.Header)
	w.WriteHeader(resp.StatusCode)
	_, _ = copyBody(w, resp)
}

func statusLabel(resp *http.Response) string {
	if resp == nil {
		return "error"
	}
	return fmt.Sprintf("%d", resp.StatusCode)
}

func copyHeaders(dst, src http.Header) {
	for k, vs := range src {
		for _, v := range vs {
			dst.Add(k, v)
		}
	}
}

func copyBody(w http.ResponseWriter, resp *http.Response) (int64, error) {
	return io.Copy(w, resp.Body)
}
