// Command broker runs the per-session outbound delivery engine as a
// standalone HTTP service: /ws upgrades to a WebSocket frame transport,
// /poll serves a long-poll batch transport, and /admin/publish and
// /admin/broadcast are the producer-facing entry points payloads enter
// through. There is no in-repo game simulation; every payload is an
// opaque JSON value supplied by a caller.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"driftpursuit/broker/internal/admin"
	"driftpursuit/broker/internal/config"
	"driftpursuit/broker/internal/delivery"
	httpapi "driftpursuit/broker/internal/http"
	"driftpursuit/broker/internal/input"
	"driftpursuit/broker/internal/logging"
	"driftpursuit/broker/internal/networking"
	"driftpursuit/broker/internal/replay"
	"driftpursuit/broker/internal/wsapi"
)

// tickInterval drives Registry.TickAll: idle-deadline probing and queue
// expiry run on this cadence independent of per-session traffic.
const tickInterval = 5 * time.Second

// reapInterval drives Registry.Reap: detached, empty, long-idle sessions
// are dropped on this cadence so the registry does not grow unbounded.
const reapInterval = 30 * time.Second

// backlogSampleInterval drives the audit trail's registry-wide queue
// depth sampling.
const backlogSampleInterval = 10 * time.Second

// errAuditDisabled is returned by the manual-roll endpoint when
// setupAudit could not provision the audit directory and left the
// recorder unset.
var errAuditDisabled = errors.New("audit recorder disabled")

func main() {
	startedAt := time.Now()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.New(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize structured logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	recorder, cleaner, auditCleanup := setupAudit(cfg, logger)
	defer auditCleanup()

	registry := delivery.NewRegistry(delivery.RegistryConfig{
		Session: delivery.SessionConfig{
			LockTimeout:  cfg.LockTimeout,
			PingInterval: cfg.SessionPingInterval,
			Logger:       logger.With(logging.String("component", "delivery")),
			Audit:        auditSink{recorder: recorder},
		},
		GraceWindow: cfg.SessionGraceWindow,
	})

	bandwidth := networking.NewBandwidthRegulator(networking.DefaultBandwidthLimitBytesPerSecond, nil)
	gate := input.NewGate(input.Config{MaxAge: cfg.SoftLifetime, MinInterval: 0}, logger.With(logging.String("component", "input-gate")))

	authenticator, err := buildAuthenticator(cfg)
	if err != nil {
		logger.Fatal("failed to configure websocket authenticator", logging.Error(err))
	}

	wsServer := wsapi.NewServer(wsapi.Config{
		MaxPayloadBytes: cfg.MaxPayloadBytes,
		PingInterval:    cfg.SessionPingInterval,
		MaxClients:      cfg.MaxClients,
		MaxBatchWait:    cfg.MaxBatchWait,
		AllowedOrigins:  cfg.AllowedOrigins,
	}, registry, authenticator, bandwidth, gate, logger.With(logging.String("component", "wsapi")))

	handler := buildHandler(wsServer, registry, recorder, bandwidth, cfg, logger)

	bgCtx, bgCancel := context.WithCancel(context.Background())
	go runRegistryScheduler(bgCtx, registry, recorder)
	if cleaner != nil {
		go cleaner.Run(bgCtx, time.Hour)
	}

	server := &http.Server{Addr: cfg.Address, Handler: handler}

	certProvided := cfg.TLSCertPath != ""
	logger.Info("broker listening",
		logging.String("url", listenerURL(cfg.Address, certProvided)),
		logging.Bool("tls", certProvided),
		logging.Int64("uptime_started_unix", startedAt.Unix()),
	)

	serverErrs := make(chan error, 1)
	go func() {
		if certProvided {
			serverErrs <- server.ListenAndServeTLS(cfg.TLSCertPath, cfg.TLSKeyPath)
			return
		}
		serverErrs <- server.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrs:
		if err != nil && err != http.ErrServerClosed {
			logger.Fatal("broker server terminated", logging.Error(err))
		}
	case sig := <-sigCh:
		logger.Info("shutdown signal received", logging.String("signal", sig.String()))
	}

	bgCancel()
	drainAndShutdown(server, registry, logger)
}

// drainAndShutdown issues one final Tick per session before the HTTP
// server stops accepting connections. That Tick answers "[]" only to
// batch-attached long-poll requests whose idle deadline has already
// passed; other open long-poll requests are not answered by it.
func drainAndShutdown(server *http.Server, registry *delivery.Registry, logger *logging.Logger) {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	registry.TickAll()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", logging.Error(err))
		return
	}
	logger.Info("broker shut down cleanly")
}

func runRegistryScheduler(ctx context.Context, registry *delivery.Registry, recorder *replay.Recorder) {
	tickTicker := time.NewTicker(tickInterval)
	defer tickTicker.Stop()
	reapTicker := time.NewTicker(reapInterval)
	defer reapTicker.Stop()
	backlogTicker := time.NewTicker(backlogSampleInterval)
	defer backlogTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-tickTicker.C:
			registry.TickAll()
		case <-reapTicker.C:
			registry.Reap()
		case <-backlogTicker.C:
			if recorder != nil {
				sessions, strong, soft := registry.BacklogDepths()
				recorder.RecordBacklogSample(uint64(sessions), uint64(strong), uint64(soft))
			}
		}
	}
}

func setupAudit(cfg *config.Config, logger *logging.Logger) (*replay.Recorder, *replay.Cleaner, func()) {
	dir := cfg.AuditDirectory
	if dir == "" {
		dir = filepath.Join("storage", "audit")
	}
	recorder, err := replay.NewRecorder(dir, nil)
	if err != nil {
		logger.Warn("audit recorder disabled", logging.Error(err))
		return nil, nil, func() {}
	}
	cleaner := replay.NewCleaner(dir, replay.RetentionPolicy{MaxBundles: 100, MaxAge: 7 * 24 * time.Hour}, logger.With(logging.String("component", "audit-cleaner")))
	return recorder, cleaner, func() {}
}

func buildAuthenticator(cfg *config.Config) (wsapi.Authenticator, error) {
	if cfg.WSHMACSecret == "" {
		return wsapi.AllowAllAuthenticator{}, nil
	}
	return wsapi.NewHMACAuthenticator(cfg.WSHMACSecret)
}

func buildHandler(wsServer *wsapi.Server, registry *delivery.Registry, recorder *replay.Recorder, bandwidth *networking.BandwidthRegulator, cfg *config.Config, logger *logging.Logger) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/ws", wsServer.ServeWS)
	mux.HandleFunc("/poll", wsServer.ServePoll)

	var limiter httpapi.RateLimiter
	if cfg.AuditRollWindow > 0 && cfg.AuditRollBurst > 0 {
		limiter = httpapi.NewSlidingWindowLimiter(cfg.AuditRollWindow, cfg.AuditRollBurst, nil)
	}

	opsHandlers := httpapi.NewHandlerSet(httpapi.Options{
		Logger:    logger,
		Readiness: readinessAdapter{registry: registry, startedAt: time.Now()},
		Stats: func() (int, int) {
			return 0, registry.Len()
		},
		Bandwidth: bandwidth,
		Audit: httpapi.AuditDumperFunc(func(ctx context.Context) (string, error) {
			if recorder == nil {
				return "", errAuditDisabled
			}
			return recorder.Roll("manual")
		}),
		AuditStats: func() replay.Stats {
			if recorder == nil {
				return replay.Stats{}
			}
			return recorder.Snapshot()
		},
		AdminToken:  cfg.AdminToken,
		RateLimiter: limiter,
	})
	opsHandlers.Register(mux)

	adminHandlers := admin.NewHandlerSet(admin.Options{
		Registry:   registry,
		AdminToken: cfg.AdminToken,
		Logger:     logger.With(logging.String("component", "admin")),
		StrongTTL:  cfg.StrongLifetime,
		SoftTTL:    cfg.SoftLifetime,
	})
	adminHandlers.Register(mux)

	return logging.HTTPTraceMiddleware(logger)(mux)
}

// readinessAdapter bridges Registry to httpapi.ReadinessProvider.
type readinessAdapter struct {
	registry  *delivery.Registry
	startedAt time.Time
}

func (r readinessAdapter) SnapshotSessionCounts() (sessions, attached int) {
	return r.registry.Counts()
}

func (r readinessAdapter) StartupError() error { return nil }

func (r readinessAdapter) Uptime() time.Duration { return time.Since(r.startedAt) }

// auditSink adapts *replay.Recorder to delivery.AuditSink, converting
// between the two packages' structurally-identical but distinct Coord
// types.
type auditSink struct {
	recorder *replay.Recorder
}

func (a auditSink) RecordDeliveryEvent(eventType string, coord delivery.Coord, detail string) {
	if a.recorder == nil {
		return
	}
	a.recorder.RecordDeliveryEvent(eventType, replay.Coord{TimestampMs: coord.TimestampMs, Sequence: coord.Sequence}, detail)
}
