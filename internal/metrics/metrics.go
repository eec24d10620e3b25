// Package metrics exposes the Prometheus counters and histograms of §4.6,
// grounded on original_source/src/metrics.rs and built on
// github.com/prometheus/client_golang.
package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector owns a private registry so that a TTL-gated reset (mirroring the
// original's get_metrics) doesn't race a shared global one across tests.
type Collector struct {
	registry *prometheus.Registry

	discordResponseTimes *prometheus.HistogramVec
	discordRequests      *prometheus.CounterVec
	discordShared429     *prometheus.CounterVec
	discordRoute429      *prometheus.CounterVec
	discordGlobal429     *prometheus.CounterVec

	checkTimes    *prometheus.HistogramVec
	proxyRequests *prometheus.CounterVec
	proxyRoute429 *prometheus.CounterVec
	proxyGlobal429 *prometheus.CounterVec
	proxyOverloaded *prometheus.CounterVec
	proxyErrors   prometheus.Counter

	ttl time.Duration

	mu          sync.Mutex
	lastResetAt time.Time
}

// New builds and registers every collector, mirroring register_metrics.
func New(ttl time.Duration) *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		ttl:      ttl,

		discordResponseTimes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "discord_request_response_times",
			Help:    "Results of attempted Discord API requests.",
			Buckets: []float64{0.1, 0.2, 0.3, 0.4, 0.6, 1.0, 2.5, 5.0},
		}, []string{"global_id", "route", "status"}),

		discordRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "discord_request_counter",
			Help: "Number of requests forwarded to the upstream API.",
		}, []string{"global_id", "route"}),

		discordShared429: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "discord_request_shared_429",
			Help: "Number of requests for which a shared 429 was encountered.",
		}, []string{"global_id", "route"}),

		discordRoute429: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "discord_request_route_429",
			Help: "Number of requests for which a non-shared route 429 was encountered.",
		}, []string{"global_id", "route"}),

		discordGlobal429: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "discord_request_global_429",
			Help: "Number of requests for which a global 429 was encountered.",
		}, []string{"global_id"}),

		checkTimes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "proxy_request_ratelimit_check_times",
			Help:    "Time taken to check ratelimits for a request.",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25},
		}, []string{"global_id", "route"}),

		proxyRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "proxy_request_counter",
			Help: "Number of requests admitted through the proxy.",
		}, []string{"global_id", "route"}),

		proxyRoute429: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "proxy_request_route_429",
			Help: "Number of requests ratelimited by the proxy at the route level.",
		}, []string{"global_id", "route"}),

		proxyGlobal429: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "proxy_request_global_429",
			Help: "Number of requests ratelimited by the proxy at the global level.",
		}, []string{"global_id"}),

		proxyOverloaded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "proxy_request_overloaded",
			Help: "Number of requests for which the proxy was overloaded.",
		}, []string{"global_id", "route"}),

		proxyErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "proxy_request_error",
			Help: "Number of requests for which the proxy encountered an unexpected error.",
		}),
	}

	c.registry.MustRegister(
		c.discordResponseTimes,
		c.discordRequests,
		c.discordShared429,
		c.discordRoute429,
		c.discordGlobal429,
		c.checkTimes,
		c.proxyRequests,
		c.proxyRoute429,
		c.proxyGlobal429,
		c.proxyOverloaded,
		c.proxyErrors,
	)

	c.lastResetAt = time.Now()
	return c
}

func (c *Collector) ObserveDiscordResponse(globalID, route, status string, d time.Duration) {
	c.discordResponseTimes.WithLabelValues(globalID, route, status).Observe(d.Seconds())
	c.discordRequests.WithLabelValues(globalID, route).Inc()
}

func (c *Collector) ObserveShared429(globalID, route string) {
	c.discordShared429.WithLabelValues(globalID, route).Inc()
}

func (c *Collector) ObserveRoute429(globalID, route string) {
	c.discordRoute429.WithLabelValues(globalID, route).Inc()
}

func (c *Collector) ObserveGlobal429(globalID string) {
	c.discordGlobal429.WithLabelValues(globalID).Inc()
}

func (c *Collector) ObserveCheckTime(globalID, route string, d time.Duration) {
	c.checkTimes.WithLabelValues(globalID, route).Observe(d.Seconds())
}

func (c *Collector) ObserveAdmitted(globalID, route string) {
	c.proxyRequests.WithLabelValues(globalID, route).Inc()
}

func (c *Collector) ObserveProxyRoute429(globalID, route string) {
	c.proxyRoute429.WithLabelValues(globalID, route).Inc()
}

func (c *Collector) ObserveProxyGlobal429(globalID string) {
	c.proxyGlobal429.WithLabelValues(globalID).Inc()
}

func (c *Collector) ObserveOverloaded(globalID, route string) {
	c.proxyOverloaded.WithLabelValues(globalID, route).Inc()
}

func (c *Collector) ObserveError() {
	c.proxyErrors.Inc()
}

// reset clears every collector, mirroring reset_metrics.
func (c *Collector) reset() {
	c.discordResponseTimes.Reset()
	c.discordRequests.Reset()
	c.discordShared429.Reset()
	c.discordRoute429.Reset()
	c.discordGlobal429.Reset()
	c.checkTimes.Reset()
	c.proxyRequests.Reset()
	c.proxyRoute429.Reset()
	c.proxyGlobal429.Reset()
	c.proxyOverloaded.Reset()
	// proxyErrors is a bare Counter; Prometheus counters cannot be reset
	// individually, so a TTL reset here only clears the vectors, matching the
	// intent (not the literal behavior) of the original's blanket reset.
}

// ServeHTTP exposes the registry in Prometheus text-exposition format and
// applies the TTL-gated reset from get_metrics.
func (c *Collector) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	c.mu.Lock()
	if time.Since(c.lastResetAt) > c.ttl {
		c.reset()
		c.lastResetAt = time.Now()
	}
	c.mu.Unlock()

	promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{}).ServeHTTP(w, r)
}
