package wsapi

import (
	"net/http"
	"strconv"
	"strings"

	"driftpursuit/broker/internal/delivery"
)

// parseLastSeenCoord reads the reconnect parameters a client supplies
// on attach. Missing or malformed parameters resolve to (epoch 0, 0),
// per the core spec's stated default.
func parseLastSeenCoord(r *http.Request) delivery.Coord {
	q := r.URL.Query()
	var coord delivery.Coord
	if raw := strings.TrimSpace(q.Get("last_seen_ms")); raw != "" {
		if v, err := strconv.ParseInt(raw, 10, 64); err == nil {
			coord.TimestampMs = v
		}
	}
	if raw := strings.TrimSpace(q.Get("last_seen_seq")); raw != "" {
		if v, err := strconv.ParseUint(raw, 10, 32); err == nil {
			coord.Sequence = uint32(v)
		}
	}
	return coord
}

// sessionKey is the bandwidth-regulator and gate key for an identity.
func sessionKey(id delivery.Identity) string {
	return id.User + "/" + id.GUID
}
