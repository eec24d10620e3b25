// Package admission drives the bucket classifier and coordination client through
// the admission state machine of §4.4.
package admission

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/limbo-labs/discord-api-proxy/cache"
	"github.com/limbo-labs/discord-api-proxy/internal/log"
)

const discoveryCacheCapacity = 4096

const gatewayBotURL = "https://discord.com/api/v10/gateway/bot"

const (
	defaultGlobalLimit      = 50
	largeShardingMinimum    = 500
	largeShardingPerShardRL = 25
)

type gatewayBotResponse struct {
	SessionStartLimit struct {
		MaxConcurrency int `json:"max_concurrency"`
	} `json:"session_start_limit"`
}

// GlobalDiscoverer fetches the identity's upstream concurrency and derives a
// requests/second figure, per §4.4.1. Any failure falls back to 50 with a warning.
// A discovered limit is cached per identity so that repeated cold-discovery
// events for the same bot (e.g. after a lock expires before the authoritative
// value reaches every proxy replica) don't re-hit the gateway endpoint.
type GlobalDiscoverer struct {
	HTTPClient *http.Client
	Logger     *log.Logger

	cacheOnce sync.Once
	limits    *cache.LRUCache[string, int]
}

// Discover returns the discovered per-second global limit for the given credential.
// An absent or "NoAuth" credential returns the default limit without contacting
// upstream.
func (d *GlobalDiscoverer) Discover(ctx context.Context, identity, credential string) int {
	if credential == "" || identity == "NoAuth" {
		d.Logger.Debug("global ratelimit lock acquired, but request is unauthenticated, defaulting to 50 requests/s", "identity", identity)
		return defaultGlobalLimit
	}

	c := d.cache()
	if limit, ok := c.Get(identity); ok {
		d.Logger.Debug("global ratelimit served from local discovery cache", "identity", identity, "limit", limit)
		return limit
	}

	limit, err := d.fetch(ctx, credential)
	if err != nil {
		d.Logger.Warn("failed to fetch global ratelimit from upstream, defaulting to 50", "identity", identity, "error", err)
		return defaultGlobalLimit
	}

	c.Set(identity, limit)
	return limit
}

func (d *GlobalDiscoverer) cache() *cache.LRUCache[string, int] {
	d.cacheOnce.Do(func() {
		d.limits = cache.NewLRUCache[string, int](discoveryCacheCapacity)
	})
	return d.limits
}

func (d *GlobalDiscoverer) fetch(ctx context.Context, credential string) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, gatewayBotURL, nil)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Authorization", credential)

	client := d.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}

	resp, err := client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return 0, fmt.Errorf("non-2xx status fetching global ratelimit: %d", resp.StatusCode)
	}

	var body gatewayBotResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return 0, err
	}

	maxConcurrency := body.SessionStartLimit.MaxConcurrency
	if maxConcurrency > 1 {
		allowed := maxConcurrency * largeShardingPerShardRL
		if allowed > largeShardingMinimum {
			return allowed, nil
		}
		return largeShardingMinimum, nil
	}
	return defaultGlobalLimit, nil
}
