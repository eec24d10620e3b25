package admission

import (
	"context"
	"testing"

	"github.com/limbo-labs/discord-api-proxy/internal/log"
)

func TestDiscoverDefaultsWithoutCredential(t *testing.T) {
	d := &GlobalDiscoverer{Logger: log.Default()}

	if limit := d.Discover(context.Background(), "NoAuth", ""); limit != defaultGlobalLimit {
		t.Fatalf("expected default limit %d, got %d", defaultGlobalLimit, limit)
	}
}

func TestDiscoverServesFromCacheWithoutRefetching(t *testing.T) {
	d := &GlobalDiscoverer{Logger: log.Default()}

	// Seed the cache directly the way a prior successful fetch would have,
	// then confirm a second Discover call for the same identity is served
	// from the cache rather than attempting another upstream round trip
	// (which would fail in this network-isolated test environment).
	d.cache().Set("identity-a", 123)

	if limit := d.Discover(context.Background(), "identity-a", "Bot token"); limit != 123 {
		t.Fatalf("expected cached limit 123, got %d", limit)
	}
}

func TestDiscoverFallsBackToDefaultOnFetchFailure(t *testing.T) {
	d := &GlobalDiscoverer{Logger: log.Default()}

	// No cache entry and no reachable upstream in this environment: Discover
	// must fall back to the default rather than propagate the fetch error.
	limit := d.Discover(context.Background(), "identity-b", "Bot token")
	if limit != defaultGlobalLimit {
		t.Fatalf("expected fallback to default limit %d, got %d", defaultGlobalLimit, limit)
	}
}
