// Package bucket canonicalizes (method, path) pairs into rate-limit bucket
// descriptors. It is a pure function with no I/O, grounded on the route
// classification in buckets.rs and generalized to the full rule set in §4.1.
package bucket

import (
	"encoding/base64"
	"net/http"
	"strings"
	"time"

	"github.com/limbo-labs/discord-api-proxy/discord/utils"
)

// Resource is the fixed set of upstream resource families.
type Resource int

const (
	ResourceNone Resource = iota
	ResourceChannels
	ResourceGuilds
	ResourceWebhooks
	ResourceInvites
	ResourceInteractions
	ResourceOAuth2
	ResourceOther
)

func (r Resource) String() string {
	switch r {
	case ResourceChannels:
		return "channels"
	case ResourceGuilds:
		return "guilds"
	case ResourceWebhooks:
		return "webhooks"
	case ResourceInvites:
		return "invites"
	case ResourceInteractions:
		return "interactions"
	case ResourceOAuth2:
		return "oauth2"
	case ResourceOther:
		return "other"
	default:
		return ""
	}
}

func resourceFromSegment(seg string) Resource {
	switch seg {
	case "channels":
		return ResourceChannels
	case "guilds":
		return ResourceGuilds
	case "webhooks":
		return ResourceWebhooks
	case "invites":
		return ResourceInvites
	case "interactions":
		return ResourceInteractions
	case "oauth2":
		return ResourceOAuth2
	case "":
		return ResourceNone
	default:
		return ResourceOther
	}
}

// Descriptor is the immutable, per-request bucket descriptor built by Classify.
type Descriptor struct {
	Resource Resource

	// Route is the canonical, coordination-store-safe keying string. It may
	// contain decoded secrets (e.g. an interaction id extracted from a webhook
	// token) and must never be logged at info level.
	Route string

	// Display is the human-readable, secret-free route, safe to log.
	Display string

	RequiresCredential bool
	UsesGlobalLimit    bool
}

// snowflakeAge returns how long ago the given snowflake was minted.
func snowflakeAge(segment string) (time.Duration, bool) {
	if !isSnowflake(segment) {
		return 0, false
	}
	minted, err := utils.SnowflakeToTime(segment)
	if err != nil {
		return 0, false
	}
	return time.Since(minted), true
}

func isSnowflake(s string) bool {
	if len(s) <= 17 || len(s) >= 21 {
		return false
	}
	for _, c := range s {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}

// interactionTokenID reports whether the opaque token under webhooks/ decodes (in
// forgiving base64) to a payload prefixed "interaction:", returning the numeric id
// that follows the colon. Grounded on §4.1 rule 6.
func interactionTokenID(token string) (string, bool) {
	decoded, err := forgivingBase64Decode(token)
	if err != nil {
		return "", false
	}
	const prefix = "interaction:"
	s := string(decoded)
	if !strings.HasPrefix(s, prefix) {
		return "", false
	}
	return s[len(prefix):], true
}

// forgivingBase64Decode accepts standard or URL-safe alphabets and tolerates missing
// padding, matching the credential decode used by the descriptor builder.
func forgivingBase64Decode(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	variants := []*base64.Encoding{
		base64.StdEncoding,
		base64.URLEncoding,
		base64.RawStdEncoding,
		base64.RawURLEncoding,
	}
	var lastErr error
	for _, enc := range variants {
		if decoded, err := enc.DecodeString(s); err == nil {
			return decoded, nil
		} else {
			lastErr = err
		}
	}
	return nil, lastErr
}

// requiresCredential reports whether a resource/route combination requires an
// Authorization header. Webhook sub-routes (excluding the /webhooks/{id} collection
// route), OAuth2, and Interactions do not require one.
func requiresCredential(resource Resource, segmentCount int) bool {
	switch resource {
	case ResourceOAuth2, ResourceInteractions:
		return false
	case ResourceWebhooks:
		return segmentCount <= 2
	default:
		return true
	}
}

// usesGlobalLimit reports whether the resource is subject to the shared global
// rate limit. Webhooks and Interactions are exempt (§4.2, ratelimits.rs).
func usesGlobalLimit(resource Resource) bool {
	switch resource {
	case ResourceWebhooks, ResourceInteractions:
		return false
	default:
		return true
	}
}

// Classify canonicalizes an upstream API path into a Descriptor. path is the request
// path as the ingress received it; a leading `/api/vN/` prefix is skipped here, and a
// path without one is classified from its first segment. The classifier never fails: a malformed or
// empty path yields a Descriptor with ResourceNone.
func Classify(method, path string) Descriptor {
	segs := splitPath(path)

	if len(segs) == 0 {
		return Descriptor{Resource: ResourceNone, Route: "", Display: "", RequiresCredential: true}
	}

	resource := resourceFromSegment(segs[0])
	desc := Descriptor{
		Resource:           resource,
		RequiresCredential: requiresCredential(resource, len(segs)),
		UsesGlobalLimit:    usesGlobalLimit(resource),
	}

	var route, display strings.Builder

	switch resource {
	case ResourceInvites:
		route.WriteString("invites/!")
		display.WriteString("invites/!")
		desc.Route, desc.Display = route.String(), display.String()
		return desc

	case ResourceChannels:
		if len(segs) == 2 {
			desc.Route, desc.Display = "channels/!", "channels/!"
			return desc
		}
		// major resource substitution: the snowflake stays verbatim.
		route.WriteString("channels/" + segs[1])
		display.WriteString("channels/" + segs[1])

	case ResourceGuilds:
		if len(segs) == 3 && segs[2] == "channels" {
			desc.Route, desc.Display = "guilds/!*/channels", "guilds/!*/channels"
			return desc
		}
		if len(segs) >= 2 {
			route.WriteString(segs[0] + "/" + segs[1])
			display.WriteString(segs[0] + "/" + segs[1])
		} else {
			route.WriteString(segs[0])
			display.WriteString(segs[0])
		}

	case ResourceInteractions:
		if len(segs) >= 4 && segs[3] == "callback" {
			desc.Route = "interactions/" + segs[1] + "/!/callback"
			desc.Display = desc.Route
			return desc
		}
		if len(segs) >= 2 {
			route.WriteString(segs[0] + "/" + segs[1])
			display.WriteString(segs[0] + "/" + segs[1])
		} else {
			route.WriteString(segs[0])
			display.WriteString(segs[0])
		}

	default:
		if len(segs) >= 2 {
			route.WriteString(segs[0] + "/" + segs[1])
			display.WriteString(segs[0] + "/" + segs[1])
		} else {
			route.WriteString(segs[0])
			display.WriteString(segs[0])
		}
	}

	if len(segs) <= 2 {
		desc.Route, desc.Display = route.String(), display.String()
		return desc
	}

	rest := segs[2:]
	for i := 0; i < len(rest); i++ {
		segment := rest[i]
		absIdx := i + 2

		if method == http.MethodDelete && resource == ResourceGuilds && segs[absIdx-1] == "messages" {
			if age, ok := snowflakeAge(segment); ok {
				switch {
				case age > 14*24*time.Hour:
					route.WriteString("/!14d")
					display.WriteString("/!14d")
				case age < 10*time.Millisecond:
					route.WriteString("/!10s")
					display.WriteString("/!10s")
				default:
					route.WriteString("/" + segment)
					display.WriteString("/!")
				}
				goto done
			}
		}

		if isSnowflake(segment) {
			route.WriteString("/!")
			display.WriteString("/!")
			continue
		}

		if resource == ResourceChannels && segment == "reactions" {
			if method == http.MethodPut || method == http.MethodDelete {
				route.WriteString("/reactions/!modify")
				display.WriteString("/reactions/!modify")
			} else {
				route.WriteString("/reactions/!")
				display.WriteString("/reactions/!")
			}
			goto done
		}

		if resource == ResourceWebhooks {
			if id, ok := interactionTokenID(segment); ok {
				route.WriteString("/" + id)
				display.WriteString("/!interaction")
				continue
			}
		}

		if len(segment) >= 64 {
			route.WriteString("/!")
			display.WriteString("/!")
			continue
		}

		route.WriteString("/" + segment)
		display.WriteString("/" + segment)
	}

done:
	desc.Route, desc.Display = route.String(), display.String()
	return desc
}

func splitPath(path string) []string {
	path = strings.Trim(path, "/")
	if path == "" {
		return nil
	}
	parts := strings.Split(path, "/")
	// Strip a leading "api" and version segment ("v10") if present, matching
	// the upstream's `/api/vN/...` convention.
	if len(parts) >= 2 && parts[0] == "api" && strings.HasPrefix(parts[1], "v") {
		parts = parts[2:]
	}
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// RouteBucket builds the identity-prefixed bucket key used as a coordination-store
// key component, mirroring get_route_bucket in buckets.rs.
func RouteBucket(identity, method, route string) string {
	return identity + ":" + method + "-" + route
}
