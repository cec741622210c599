// Package admin exposes the HTTP producer surface a panel backend uses
// to push payloads into the delivery engine: publish to one session or
// fan out to every live session. It carries no business logic of its
// own beyond request validation and admin-token authorisation; the
// actual enqueue/flush semantics live in internal/delivery.
package admin

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"driftpursuit/broker/internal/delivery"
	"driftpursuit/broker/internal/logging"
)

// Registry is the subset of *delivery.Registry the admin surface needs.
type Registry interface {
	LookupOrCreate(id delivery.Identity) *delivery.Session
	Broadcast(predicate func(delivery.Identity) bool, payload []byte, strongLifetime, softLifetime time.Duration)
}

// HandlerSet bundles the producer-facing admin handlers.
type HandlerSet struct {
	registry   Registry
	adminToken string
	log        *logging.Logger
	strongTTL  time.Duration
	softTTL    time.Duration
}

// Options configures a HandlerSet.
type Options struct {
	Registry   Registry
	AdminToken string
	Logger     *logging.Logger
	// StrongTTL and SoftTTL are the default retention windows applied
	// to a publish/broadcast request that omits its own ttl fields.
	StrongTTL time.Duration
	SoftTTL   time.Duration
}

// NewHandlerSet constructs a HandlerSet from opts.
func NewHandlerSet(opts Options) *HandlerSet {
	logger := opts.Logger
	if logger == nil {
		logger = logging.L()
	}
	return &HandlerSet{
		registry:   opts.Registry,
		adminToken: strings.TrimSpace(opts.AdminToken),
		log:        logger,
		strongTTL:  opts.StrongTTL,
		softTTL:    opts.SoftTTL,
	}
}

// Register attaches the producer endpoints to mux.
func (h *HandlerSet) Register(mux *http.ServeMux) {
	if mux == nil {
		return
	}
	mux.HandleFunc("/admin/publish", h.PublishHandler())
	mux.HandleFunc("/admin/broadcast", h.BroadcastHandler())
}

type publishRequest struct {
	User      string          `json:"user"`
	GUID      string          `json:"guid"`
	Payload   json.RawMessage `json:"payload"`
	StrongTTL string          `json:"strong_ttl,omitempty"`
	SoftTTL   string          `json:"soft_ttl,omitempty"`
}

type broadcastRequest struct {
	Payload    json.RawMessage `json:"payload"`
	UserPrefix string          `json:"user_prefix,omitempty"`
	StrongTTL  string          `json:"strong_ttl,omitempty"`
	SoftTTL    string          `json:"soft_ttl,omitempty"`
}

// PublishHandler enqueues a payload on one session and flushes it
// immediately if a transport is attached.
func (h *HandlerSet) PublishHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !h.authorise(w, r) {
			return
		}
		if r.Method != http.MethodPost {
			w.Header().Set("Allow", http.MethodPost)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var req publishRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "malformed request body", http.StatusBadRequest)
			return
		}
		if strings.TrimSpace(req.User) == "" || strings.TrimSpace(req.GUID) == "" {
			http.Error(w, "user and guid are required", http.StatusBadRequest)
			return
		}
		if len(req.Payload) == 0 {
			http.Error(w, "payload is required", http.StatusBadRequest)
			return
		}
		strong, soft, err := h.resolveTTLs(req.StrongTTL, req.SoftTTL)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		session := h.registry.LookupOrCreate(delivery.Identity{User: req.User, GUID: req.GUID})
		session.Enqueue(req.Payload, strong, soft)
		session.Flush()

		w.WriteHeader(http.StatusAccepted)
	}
}

// BroadcastHandler enqueues a payload on every live session, or on the
// subset whose user name carries the given user_prefix.
func (h *HandlerSet) BroadcastHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !h.authorise(w, r) {
			return
		}
		if r.Method != http.MethodPost {
			w.Header().Set("Allow", http.MethodPost)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var req broadcastRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "malformed request body", http.StatusBadRequest)
			return
		}
		if len(req.Payload) == 0 {
			http.Error(w, "payload is required", http.StatusBadRequest)
			return
		}
		strong, soft, err := h.resolveTTLs(req.StrongTTL, req.SoftTTL)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		var predicate func(delivery.Identity) bool
		if prefix := strings.TrimSpace(req.UserPrefix); prefix != "" {
			predicate = func(id delivery.Identity) bool {
				return strings.HasPrefix(id.User, prefix)
			}
		}
		h.registry.Broadcast(predicate, req.Payload, strong, soft)
		w.WriteHeader(http.StatusAccepted)
	}
}

func (h *HandlerSet) resolveTTLs(strongRaw, softRaw string) (time.Duration, time.Duration, error) {
	strong, soft := h.strongTTL, h.softTTL
	if strongRaw != "" {
		d, err := time.ParseDuration(strongRaw)
		if err != nil {
			return 0, 0, errBadTTL("strong_ttl")
		}
		strong = d
	}
	if softRaw != "" {
		d, err := time.ParseDuration(softRaw)
		if err != nil {
			return 0, 0, errBadTTL("soft_ttl")
		}
		soft = d
	}
	if soft < strong {
		soft = strong
	}
	return strong, soft, nil
}

func errBadTTL(field string) error {
	return httpError("malformed " + field)
}

type httpError string

func (e httpError) Error() string { return string(e) }

func (h *HandlerSet) authorise(w http.ResponseWriter, r *http.Request) bool {
	if h.adminToken == "" {
		h.log.Warn("admin request denied: admin auth disabled")
		http.Error(w, "admin authentication not configured", http.StatusForbidden)
		return false
	}
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	var token string
	if len(header) > 7 && strings.EqualFold(header[:7], "Bearer ") {
		token = strings.TrimSpace(header[7:])
	} else if header != "" {
		token = header
	}
	if token == "" {
		token = strings.TrimSpace(r.Header.Get("X-Admin-Token"))
	}
	if token == "" || subtle.ConstantTimeCompare([]byte(token), []byte(h.adminToken)) != 1 {
		h.log.Warn("admin request denied: unauthorized")
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return false
	}
	return true
}
