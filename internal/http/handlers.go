package httpapi

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"driftpursuit/broker/internal/logging"
	"driftpursuit/broker/internal/networking"
	"driftpursuit/broker/internal/replay"
)

// ReadinessProvider exposes broker state required for readiness checks.
type ReadinessProvider interface {
	SnapshotSessionCounts() (sessions, attached int)
	StartupError() error
	Uptime() time.Duration
}

// StatsFunc returns cumulative broadcast and session statistics.
type StatsFunc func() (broadcasts, sessions int)

// AuditDumper triggers an out-of-band audit bundle roll and returns its location.
type AuditDumper interface {
	DumpAudit(ctx context.Context) (string, error)
}

// AuditDumperFunc adapts a function into an AuditDumper.
type AuditDumperFunc func(ctx context.Context) (string, error)

// DumpAudit implements AuditDumper.
func (f AuditDumperFunc) DumpAudit(ctx context.Context) (string, error) { return f(ctx) }

// RateLimiter gates how frequently sensitive operations may be invoked.
type RateLimiter interface {
	Allow() bool
}

// Options configures the HandlerSet.
type Options struct {
	Logger        *logging.Logger
	Readiness     ReadinessProvider
	Stats         StatsFunc
	Bandwidth     *networking.BandwidthRegulator
	Audit         AuditDumper
	AdminToken    string
	RateLimiter   RateLimiter
	TimeSource    func() time.Time
	AuditStats    func() replay.Stats
	AuditStorage  func() replay.StorageStats
}

// HandlerSet bundles the broker operational handlers.
type HandlerSet struct {
	logger       *logging.Logger
	readiness    ReadinessProvider
	stats        StatsFunc
	bandwidth    *networking.BandwidthRegulator
	audit        AuditDumper
	adminToken   string
	rateLimiter  RateLimiter
	now          func() time.Time
	auditStats   func() replay.Stats
	auditStorage func() replay.StorageStats
}

// NewHandlerSet constructs a HandlerSet using the provided options.
func NewHandlerSet(opts Options) *HandlerSet {
	logger := opts.Logger
	if logger == nil {
		logger = logging.L()
	}
	now := opts.TimeSource
	if now == nil {
		now = time.Now
	}
	return &HandlerSet{
		logger:       logger,
		readiness:    opts.Readiness,
		stats:        opts.Stats,
		bandwidth:    opts.Bandwidth,
		audit:        opts.Audit,
		adminToken:   strings.TrimSpace(opts.AdminToken),
		rateLimiter:  opts.RateLimiter,
		now:          now,
		auditStats:   opts.AuditStats,
		auditStorage: opts.AuditStorage,
	}
}

// Register attaches all handlers to the provided mux.
func (h *HandlerSet) Register(mux *http.ServeMux) {
	if mux == nil {
		return
	}
	mux.HandleFunc("/livez", h.LivenessHandler())
	mux.HandleFunc("/readyz", h.ReadinessHandler())
	mux.HandleFunc("/metrics", h.MetricsHandler())
	mux.HandleFunc("/audit/roll", h.AuditRollHandler())
}

// LivenessHandler reports that the HTTP server is reachable.
func (h *HandlerSet) LivenessHandler() http.HandlerFunc {
	type response struct {
		Status    string `json:"status"`
		Timestamp string `json:"timestamp"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, response{
			Status:    "alive",
			Timestamp: h.now().UTC().Format(time.RFC3339Nano),
		})
	}
}

// ReadinessHandler reports broker readiness, including session counts and startup status.
func (h *HandlerSet) ReadinessHandler() http.HandlerFunc {
	type response struct {
		Status        string  `json:"status"`
		Message       string  `json:"message,omitempty"`
		UptimeSeconds float64 `json:"uptime_seconds"`
		Sessions      int     `json:"sessions"`
		Attached      int     `json:"attached"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		status := http.StatusOK
		resp := response{Status: "ok"}
		if h.readiness != nil {
			sessions, attached := h.readiness.SnapshotSessionCounts()
			resp.Sessions = sessions
			resp.Attached = attached
			resp.UptimeSeconds = h.readiness.Uptime().Seconds()
			if err := h.readiness.StartupError(); err != nil {
				status = http.StatusServiceUnavailable
				resp.Status = "error"
				resp.Message = err.Error()
			}
		}
		writeJSON(w, status, resp)
	}
}

// MetricsHandler emits Prometheus compatible text metrics.
func (h *HandlerSet) MetricsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		broadcasts, sessions := h.metricsStats()
		attached, uptime := h.attachedAndUptime()

		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		fmt.Fprintf(w, "# HELP broker_uptime_seconds Broker uptime in seconds.\n")
		fmt.Fprintf(w, "# TYPE broker_uptime_seconds gauge\n")
		fmt.Fprintf(w, "broker_uptime_seconds %.0f\n", uptime)

		fmt.Fprintf(w, "# HELP broker_sessions Current registry sessions.\n")
		fmt.Fprintf(w, "# TYPE broker_sessions gauge\n")
		fmt.Fprintf(w, "broker_sessions %d\n", sessions)

		fmt.Fprintf(w, "# HELP broker_sessions_attached Sessions currently attached to a transport.\n")
		fmt.Fprintf(w, "# TYPE broker_sessions_attached gauge\n")
		fmt.Fprintf(w, "broker_sessions_attached %d\n", attached)

		fmt.Fprintf(w, "# HELP broker_broadcasts_total Total broadcast payloads delivered.\n")
		fmt.Fprintf(w, "# TYPE broker_broadcasts_total counter\n")
		fmt.Fprintf(w, "broker_broadcasts_total %d\n", broadcasts)

		if h.bandwidth != nil {
			usage := h.bandwidth.SnapshotUsage()
			if len(usage) > 0 {
				fmt.Fprintf(w, "# HELP broker_bandwidth_bytes_per_second Observed outbound bandwidth per session in bytes per second.\n")
				fmt.Fprintf(w, "# TYPE broker_bandwidth_bytes_per_second gauge\n")
				for sessionID, sample := range usage {
					fmt.Fprintf(w, "broker_bandwidth_bytes_per_second{session=%q} %.2f\n", sessionID, sample.BytesPerSecond)
				}
				fmt.Fprintf(w, "# HELP broker_bandwidth_available_bytes Remaining bandwidth tokens per session.\n")
				fmt.Fprintf(w, "# TYPE broker_bandwidth_available_bytes gauge\n")
				for sessionID, sample := range usage {
					fmt.Fprintf(w, "broker_bandwidth_available_bytes{session=%q} %.2f\n", sessionID, sample.AvailableBytes)
				}
				fmt.Fprintf(w, "# HELP broker_bandwidth_denied_total Total throttled deliveries per session.\n")
				fmt.Fprintf(w, "# TYPE broker_bandwidth_denied_total counter\n")
				for sessionID, sample := range usage {
					fmt.Fprintf(w, "broker_bandwidth_denied_total{session=%q} %d\n", sessionID, sample.DeniedDeliveries)
				}
			}
		}
		if h.auditStats != nil {
			stats := h.auditStats()
			fmt.Fprintf(w, "# HELP broker_audit_buffer_records Buffered audit records awaiting roll.\n")
			fmt.Fprintf(w, "# TYPE broker_audit_buffer_records gauge\n")
			fmt.Fprintf(w, "broker_audit_buffer_records %d\n", stats.BufferedFrames)
			fmt.Fprintf(w, "# HELP broker_audit_buffer_bytes Buffered audit payload size in bytes.\n")
			fmt.Fprintf(w, "# TYPE broker_audit_buffer_bytes gauge\n")
			fmt.Fprintf(w, "broker_audit_buffer_bytes %d\n", stats.BufferedBytes)
			fmt.Fprintf(w, "# HELP broker_audit_rolls_total Audit bundles rolled to disk.\n")
			fmt.Fprintf(w, "# TYPE broker_audit_rolls_total counter\n")
			fmt.Fprintf(w, "broker_audit_rolls_total %d\n", stats.Dumps)
		}
		if h.auditStorage != nil {
			storage := h.auditStorage()
			//1.- Surface retained bundle counts so operators can inspect cleanup effectiveness.
			fmt.Fprintf(w, "# HELP broker_audit_storage_bundles Audit bundles currently retained.\n")
			fmt.Fprintf(w, "# TYPE broker_audit_storage_bundles gauge\n")
			fmt.Fprintf(w, "broker_audit_storage_bundles %d\n", storage.Bundles)
			fmt.Fprintf(w, "# HELP broker_audit_storage_headers Audit header documents currently present.\n")
			fmt.Fprintf(w, "# TYPE broker_audit_storage_headers gauge\n")
			fmt.Fprintf(w, "broker_audit_storage_headers %d\n", storage.Headers)
			fmt.Fprintf(w, "# HELP broker_audit_storage_bytes Total on-disk size of retained audit bundles in bytes.\n")
			fmt.Fprintf(w, "# TYPE broker_audit_storage_bytes gauge\n")
			fmt.Fprintf(w, "broker_audit_storage_bytes %d\n", storage.Bytes)
			if !storage.LastSweep.IsZero() {
				//2.- Publish the last sweep time so dashboards can detect stalled cleanup loops.
				fmt.Fprintf(w, "# HELP broker_audit_storage_last_sweep_timestamp_seconds Unix timestamp of the last audit retention sweep.\n")
				fmt.Fprintf(w, "# TYPE broker_audit_storage_last_sweep_timestamp_seconds gauge\n")
				fmt.Fprintf(w, "broker_audit_storage_last_sweep_timestamp_seconds %d\n", storage.LastSweep.Unix())
			}
		}
	}
}

// AuditRollHandler authorises and triggers an out-of-band audit bundle roll.
func (h *HandlerSet) AuditRollHandler() http.HandlerFunc {
	type response struct {
		Status   string `json:"status"`
		Location string `json:"location,omitempty"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		reqLogger := h.logger.With(
			logging.String("handler", "audit_roll"),
			logging.String("remote_addr", r.RemoteAddr),
		)
		if r.Method != http.MethodPost {
			w.Header().Set("Allow", http.MethodPost)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		if h.adminToken == "" {
			reqLogger.Warn("audit roll denied: admin auth disabled")
			http.Error(w, "admin authentication not configured", http.StatusForbidden)
			return
		}
		if !h.authorise(r) {
			reqLogger.Warn("audit roll denied: unauthorized request")
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		if h.rateLimiter != nil && !h.rateLimiter.Allow() {
			reqLogger.Warn("audit roll denied: rate limit exceeded")
			http.Error(w, "too many requests", http.StatusTooManyRequests)
			return
		}
		if h.audit == nil {
			reqLogger.Warn("audit roll denied: no dumper configured")
			http.Error(w, "audit rolling is unavailable", http.StatusServiceUnavailable)
			return
		}
		location, err := h.audit.DumpAudit(r.Context())
		if err != nil {
			reqLogger.Error("audit roll trigger failed", logging.Error(err))
			http.Error(w, "failed to trigger audit roll", http.StatusInternalServerError)
			return
		}
		reqLogger.Info("audit roll triggered")
		writeJSON(w, http.StatusAccepted, response{Status: "accepted", Location: location})
	}
}

func (h *HandlerSet) metricsStats() (broadcasts, sessions int) {
	if h.stats != nil {
		return h.stats()
	}
	if h.readiness != nil {
		sessions, _ = h.readiness.SnapshotSessionCounts()
	}
	return
}

func (h *HandlerSet) attachedAndUptime() (attached int, uptime float64) {
	if h.readiness == nil {
		return 0, 0
	}
	_, attached = h.readiness.SnapshotSessionCounts()
	return attached, h.readiness.Uptime().Seconds()
}

func (h *HandlerSet) authorise(r *http.Request) bool {
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
	if token == "" {
		token = strings.TrimSpace(r.URL.Query().Get("token"))
	}
	if token == "" {
		return false
	}
	if subtle.ConstantTimeCompare([]byte(token), []byte(h.adminToken)) == 1 {
		return true
	}
	return false
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	if status != http.StatusOK {
		w.WriteHeader(status)
	}
	_ = json.NewEncoder(w).Encode(payload)
}
