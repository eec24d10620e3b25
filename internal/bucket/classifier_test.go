package bucket

import (
	"encoding/base64"
	"net/http"
	"testing"
	"time"
)

func TestClassifyIsDeterministic(t *testing.T) {
	d1 := Classify(http.MethodGet, "/api/v10/channels/100000000000000000/messages")
	d2 := Classify(http.MethodGet, "/api/v10/channels/100000000000000000/messages")
	if d1 != d2 {
		t.Fatalf("classifier is not idempotent: %+v vs %+v", d1, d2)
	}
}

func TestClassifyChannelsCollapse(t *testing.T) {
	d := Classify(http.MethodGet, "/api/v10/channels/123456789012345678")
	if d.Route != "channels/!" || d.Display != "channels/!" {
		t.Fatalf("expected channels/! collapse, got route=%s display=%s", d.Route, d.Display)
	}
}

func TestClassifyGuildsChannelsCollapse(t *testing.T) {
	d := Classify(http.MethodGet, "/api/v10/guilds/123456789012345678/channels")
	if d.Route != "guilds/!*/channels" {
		t.Fatalf("expected guilds/!*/channels, got %s", d.Route)
	}
}

func TestClassifyInteractionCallback(t *testing.T) {
	d := Classify(http.MethodPost, "/api/v10/interactions/123456789012345678/sometoken/callback")
	if d.Route != "interactions/123456789012345678/!/callback" {
		t.Fatalf("unexpected route: %s", d.Route)
	}
}

func TestClassifyReactionsModifyVsQuery(t *testing.T) {
	put := Classify(http.MethodPut, "/api/v10/channels/123456789012345678/messages/234567890123456789/reactions/x/@me")
	if put.Route != "channels/123456789012345678/messages/!/reactions/!modify" {
		t.Fatalf("unexpected PUT reactions route: %s", put.Route)
	}

	get := Classify(http.MethodGet, "/api/v10/channels/123456789012345678/messages/234567890123456789/reactions/x")
	if get.Route != "channels/123456789012345678/messages/!/reactions/!" {
		t.Fatalf("unexpected GET reactions route: %s", get.Route)
	}
}

func snowflakeForAge(age time.Duration) string {
	ms := time.Now().Add(-age).UnixMilli() - 1420070400000 // Discord epoch, ms
	val := ms << 22
	return intToString(val)
}

func intToString(v int64) string {
	if v == 0 {
		return "0"
	}
	neg := v < 0
	if neg {
		v = -v
	}
	var buf [32]byte
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = byte('0' + v%10)
		v /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

func TestClassifyStaleMessageCollapses(t *testing.T) {
	old := snowflakeForAge(30 * 24 * time.Hour)
	d := Classify(http.MethodDelete, "/api/v10/guilds/123456789012345678/channels/234567890123456789/messages/"+old)
	// Guild message deletion under guilds resource with messages path segment.
	if len(d.Route) < 4 || d.Route[len(d.Route)-4:] != "!14d" {
		t.Fatalf("expected /!14d suffix for 30 day old message, got route=%s", d.Route)
	}
}

func TestClassifyFreshMessageCollapses(t *testing.T) {
	fresh := snowflakeForAge(1 * time.Millisecond)
	d := Classify(http.MethodDelete, "/api/v10/guilds/123456789012345678/channels/234567890123456789/messages/"+fresh)
	if len(d.Route) < 4 || d.Route[len(d.Route)-4:] != "!10s" {
		t.Fatalf("expected /!10s suffix for fresh message, got route=%s", d.Route)
	}
}

func TestClassifyWebhookInteractionTokenHiding(t *testing.T) {
	token := base64.StdEncoding.EncodeToString([]byte("interaction:123"))
	d := Classify(http.MethodPost, "/api/v10/webhooks/999999999999999999/"+token)
	if d.Display != "webhooks/999999999999999999/!interaction" {
		t.Fatalf("expected display to hide token, got %s", d.Display)
	}
	if d.Route != "webhooks/999999999999999999/123" {
		t.Fatalf("expected route to keep decoded interaction id, got %s", d.Route)
	}
}

func TestClassifyOpaqueTokenCollapse(t *testing.T) {
	longToken := ""
	for i := 0; i < 70; i++ {
		longToken += "a"
	}
	d := Classify(http.MethodPost, "/api/v10/webhooks/999999999999999999/"+longToken)
	if d.Display != "webhooks/999999999999999999/!" {
		t.Fatalf("expected opaque token collapse, got %s", d.Display)
	}
}

func TestClassifyRequiresCredential(t *testing.T) {
	webhookCollection := Classify(http.MethodPost, "/api/v10/webhooks/999999999999999999")
	if !webhookCollection.RequiresCredential {
		t.Fatal("expected /webhooks/{id} collection route to require a credential")
	}

	webhookSub := Classify(http.MethodPost, "/api/v10/webhooks/999999999999999999/sometoken")
	if webhookSub.RequiresCredential {
		t.Fatal("expected webhook sub-route to not require a credential")
	}

	interaction := Classify(http.MethodPost, "/api/v10/interactions/1/token/callback")
	if interaction.RequiresCredential {
		t.Fatal("expected interactions to not require a credential")
	}
}

func TestClassifyUsesGlobalLimit(t *testing.T) {
	if Classify(http.MethodGet, "/api/v10/channels/1").UsesGlobalLimit != true {
		t.Fatal("expected channels to use the global limit")
	}
	if Classify(http.MethodPost, "/api/v10/webhooks/1/token").UsesGlobalLimit {
		t.Fatal("expected webhooks to be exempt from the global limit")
	}
}

func TestRouteBucket(t *testing.T) {
	got := RouteBucket("42", http.MethodGet, "channels/!")
	if got != "42:GET-channels/!" {
		t.Fatalf("unexpected route bucket: %s", got)
	}
}
