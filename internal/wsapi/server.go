// Package wsapi wires the delivery engine in internal/delivery to two
// HTTP-facing transports: a gorilla/websocket frame socket at /ws and a
// long-poll batch endpoint at /poll. It owns identity resolution,
// origin checking, and the admission/throttling collaborators named in
// the core spec's supplemented features, but none of the engine's
// queueing or sequencing logic itself.
package wsapi

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"driftpursuit/broker/internal/delivery"
	"driftpursuit/broker/internal/input"
	"driftpursuit/broker/internal/logging"
	"driftpursuit/broker/internal/networking"
	"github.com/gorilla/websocket"
)

// Config carries the HTTP-facing tunables for both transports.
type Config struct {
	MaxPayloadBytes int64
	PingInterval    time.Duration
	MaxClients      int
	MaxBatchWait    time.Duration
	AllowedOrigins  []string
}

// Server wires a Registry to the /ws and /poll HTTP surfaces.
type Server struct {
	cfg           Config
	registry      *delivery.Registry
	authenticator Authenticator
	bandwidth     *networking.BandwidthRegulator
	gate          *input.Gate
	log           *logging.Logger
	upgrader      websocket.Upgrader
}

// NewServer constructs a Server. bandwidth and gate may be nil to
// disable their respective checks.
func NewServer(cfg Config, registry *delivery.Registry, authenticator Authenticator, bandwidth *networking.BandwidthRegulator, gate *input.Gate, log *logging.Logger) *Server {
	if log == nil {
		log = logging.L()
	}
	if authenticator == nil {
		authenticator = AllowAllAuthenticator{}
	}
	checker := BuildOriginChecker(log, cfg.AllowedOrigins)
	return &Server{
		cfg:           cfg,
		registry:      registry,
		authenticator: authenticator,
		bandwidth:     bandwidth,
		gate:          gate,
		log:           log,
		upgrader:      websocket.Upgrader{CheckOrigin: checker},
	}
}

// ServeWS upgrades an HTTP request to a Frame-kind transport and drives
// its reader loop until the connection closes.
func (s *Server) ServeWS(w http.ResponseWriter, r *http.Request) {
	reqLog := s.log.With(logging.String("remote_addr", r.RemoteAddr))

	identity, err := s.authenticator.Authenticate(r)
	if err != nil {
		reqLog.Warn("rejecting websocket connection: authentication failed", logging.Error(err))
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	reqLog = reqLog.With(logging.String("user", identity.User), logging.String("guid", identity.GUID))

	if s.cfg.MaxClients > 0 && s.registry.Len() >= s.cfg.MaxClients {
		reqLog.Warn("refusing websocket connection: session limit reached", logging.Int("max_clients", s.cfg.MaxClients))
		http.Error(w, "service unavailable: session limit reached", http.StatusServiceUnavailable)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		reqLog.Error("websocket upgrade failed", logging.Error(err))
		return
	}

	if s.cfg.MaxPayloadBytes > 0 {
		conn.SetReadLimit(s.cfg.MaxPayloadBytes)
	}
	waitDuration := 2 * s.cfg.PingInterval
	if waitDuration <= 0 {
		waitDuration = 60 * time.Second
	}
	_ = conn.SetReadDeadline(time.Now().Add(waitDuration))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(waitDuration))
	})

	key := sessionKey(identity)
	transport := NewFrameTransport(conn, key, s.bandwidth, reqLog)
	session := s.registry.LookupOrCreate(identity)
	session.AttachAndReplay(transport, parseLastSeenCoord(r))
	session.Flush()

	defer func() {
		transport.Deactivate()
		if s.bandwidth != nil {
			s.bandwidth.Forget(key)
		}
		if s.gate != nil {
			s.gate.Forget(key)
		}
		_ = conn.Close()
	}()

	for {
		messageType, msg, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				reqLog.Warn("unexpected websocket close", logging.Error(err))
			} else {
				reqLog.Debug("websocket read loop ending", logging.Error(err))
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(waitDuration))
		if messageType != websocket.TextMessage {
			continue
		}

		var envelope delivery.Envelope
		if err := json.Unmarshal(msg, &envelope); err != nil {
			reqLog.Debug("dropping invalid inbound envelope", logging.Error(err))
			continue
		}

		if s.gate != nil {
			decision := s.gate.Evaluate(input.FrameFromCoord(key, delivery.Coord{
				TimestampMs: envelope.Metadata.TimestampMs,
				Sequence:    envelope.Metadata.Sequence,
			}))
			if !decision.Accepted {
				reqLog.Debug("dropping inbound envelope", logging.String("reason", decision.Reason.String()))
				continue
			}
		}

		session.RecordReceive(delivery.Coord{
			TimestampMs: envelope.Metadata.TimestampMs,
			Sequence:    envelope.Metadata.Sequence,
		})
	}
}

// ServePoll services one long-poll request as a Batch-kind attachment.
func (s *Server) ServePoll(w http.ResponseWriter, r *http.Request) {
	reqLog := s.log.With(logging.String("remote_addr", r.RemoteAddr))

	identity, err := s.authenticator.Authenticate(r)
	if err != nil {
		reqLog.Warn("rejecting poll request: authentication failed", logging.Error(err))
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	session := s.registry.LookupOrCreate(identity)
	transport := NewBatchTransport()
	session.AttachAndReplay(transport, parseLastSeenCoord(r))

	maxWait := s.cfg.MaxBatchWait
	if maxWait <= 0 {
		maxWait = 30 * time.Second
	}
	ctx, cancel := context.WithTimeout(r.Context(), maxWait)
	defer cancel()

	body := transport.Wait(ctx)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}
