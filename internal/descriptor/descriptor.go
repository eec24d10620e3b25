// Package descriptor builds the per-request descriptor from the incoming HTTP
// request: identity, credential, and the coordination-store keys derived from the
// bucket descriptor. Grounded on request.rs's DiscordRequestInfo.
package descriptor

import (
	"encoding/base64"
	"net/http"
	"strings"

	"github.com/limbo-labs/discord-api-proxy/internal/bucket"
	"github.com/limbo-labs/discord-api-proxy/internal/proxyerr"
)

// DefaultIdentity is the identity assigned to requests carrying no credential.
const DefaultIdentity = "NoAuth"

const botAuthPrefix = "Bot "

// Descriptor is the bucket descriptor plus request-scoped identity and keys.
type Descriptor struct {
	Bucket bucket.Descriptor

	Identity   string
	Credential string // the raw Authorization header value, forwarded verbatim
	HasCredential bool

	// UsesGlobalLimit is the fully-gated decision of whether this request
	// participates in the shared global limit: the bucket's resource must be
	// global-eligible AND the request must carry a credential (NoAuth traffic
	// is always exempt, per request.rs's uses_global_ratelimit). GlobalKey is
	// only populated when this is true.
	UsesGlobalLimit bool
	GlobalKey       string
	RouteKey        string

	// RouteBucket is the identity-prefixed bucket string (§4.2's route_bucket),
	// used as part of the coordination keys. RouteDisplayBucket is its
	// secret-free form, used in logs, metrics and synthetic response headers.
	RouteBucket        string
	RouteDisplayBucket string
}

// Build parses the Authorization header and combines it with the path's bucket
// descriptor to produce the full request descriptor.
func Build(method, path string, header http.Header) (Descriptor, error) {
	bd := bucket.Classify(method, path)

	identity := DefaultIdentity
	credential := ""
	hasCredential := false

	auth := header.Get("Authorization")
	if auth != "" {
		if !strings.HasPrefix(auth, botAuthPrefix) {
			return Descriptor{}, &proxyerr.InvalidRequestError{Reason: "unsupported authentication scheme"}
		}
		rest := auth[len(botAuthPrefix):]
		idPart, _, ok := strings.Cut(rest, ".")
		if !ok {
			return Descriptor{}, &proxyerr.InvalidRequestError{Reason: "malformed credential"}
		}
		decoded, err := forgivingBase64Decode(idPart)
		if err != nil {
			return Descriptor{}, &proxyerr.InvalidRequestError{Reason: "malformed credential identity segment"}
		}
		identity = string(decoded)
		credential = auth
		hasCredential = true
	} else if bd.RequiresCredential {
		return Descriptor{}, &proxyerr.InvalidRequestError{Reason: "missing Authorization header"}
	}

	routeBucket := bucket.RouteBucket(identity, method, bd.Route)
	routeDisplayBucket := bucket.RouteBucket(identity, method, bd.Display)

	d := Descriptor{
		Bucket:             bd,
		Identity:           identity,
		Credential:         credential,
		HasCredential:      hasCredential,
		RouteBucket:        routeBucket,
		RouteDisplayBucket: routeDisplayBucket,
	}

	// A request with no credential has no identity to track a shared global
	// count against, and the original never imposes one on anonymous traffic
	// (request.rs: uses_global_ratelimit requires global_id != DEFAULT_GLOBAL_ID).
	d.UsesGlobalLimit = bd.UsesGlobalLimit && hasCredential && identity != DefaultIdentity

	if d.UsesGlobalLimit {
		d.GlobalKey = "global:{" + identity + "}"
		d.RouteKey = d.GlobalKey + "-route:" + routeBucket
	} else {
		d.RouteKey = "route:{" + routeBucket + "}"
	}

	return d, nil
}

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
