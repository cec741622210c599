package wsapi

import (
	"net/http"
	"net/url"
	"strings"

	"driftpursuit/broker/internal/logging"
)

// alwaysAllowedHosts bypasses the origin allowlist for local dev tooling.
var alwaysAllowedHosts = map[string]struct{}{
	"127.0.0.1": {},
	"localhost": {},
	"::1":       {},
}

// ParseAllowedOrigins splits a comma-separated BROKER_ALLOWED_ORIGINS
// value into trimmed, non-empty entries.
func ParseAllowedOrigins(raw string) []string {
	parts := strings.Split(raw, ",")
	origins := make([]string, 0, len(parts))
	for _, part := range parts {
		origin := strings.TrimSpace(part)
		if origin == "" {
			continue
		}
		origins = append(origins, origin)
	}
	return origins
}

// BuildOriginChecker compiles an allowlist into a gorilla/websocket
// Upgrader.CheckOrigin function.
func BuildOriginChecker(log *logging.Logger, allowlist []string) func(*http.Request) bool {
	if log == nil {
		log = logging.L()
	}
	allowed := make(map[string]struct{}, len(allowlist))
	for _, origin := range allowlist {
		u, err := url.Parse(origin)
		if err != nil || u.Scheme == "" || u.Host == "" {
			log.Warn("ignoring invalid allowed origin", logging.String("origin", origin), logging.Error(err))
			continue
		}
		allowed[strings.ToLower(u.Scheme+"://"+u.Host)] = struct{}{}
	}

	return func(r *http.Request) bool {
		originHeader := r.Header.Get("Origin")
		if originHeader == "" {
			return false
		}
		originURL, err := url.Parse(originHeader)
		if err != nil || originURL.Host == "" {
			log.Warn("rejecting request with invalid origin", logging.String("origin", originHeader), logging.Error(err))
			return false
		}
		if _, ok := alwaysAllowedHosts[originURL.Hostname()]; ok {
			return true
		}
		if _, ok := allowed[strings.ToLower(originURL.Scheme+"://"+originURL.Host)]; ok {
			return true
		}
		log.Warn("rejecting request from disallowed origin", logging.String("origin", originHeader))
		return false
	}
}
