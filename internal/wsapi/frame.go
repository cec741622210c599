package wsapi

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	"driftpursuit/broker/internal/delivery"
	"driftpursuit/broker/internal/logging"
	"driftpursuit/broker/internal/networking"
	"github.com/gorilla/websocket"
)

const writeWait = 10 * time.Second

// errNotFrameCapable is returned by the methods a Frame-kind transport
// does not implement; Session never calls them on this kind, but the
// delivery.Transport interface still requires a body.
var errNotFrameCapable = errors.New("wsapi: operation not valid on a frame transport")

// FrameTransport adapts a gorilla/websocket connection to the Frame
// kind of delivery.Transport. Session serializes every call to
// WriteFrame/WritePing under its own attachment lock, so the mutex here
// only needs to guard against the connection's reader goroutine
// observing a close concurrently.
type FrameTransport struct {
	conn   *websocket.Conn
	key    string
	budget *networking.BandwidthRegulator
	log    *logging.Logger

	mu     sync.Mutex
	active bool
}

// NewFrameTransport constructs a FrameTransport over an already-upgraded
// connection. budget may be nil to disable bandwidth throttling.
func NewFrameTransport(conn *websocket.Conn, key string, budget *networking.BandwidthRegulator, log *logging.Logger) *FrameTransport {
	if log == nil {
		log = logging.L()
	}
	return &FrameTransport{conn: conn, key: key, budget: budget, log: log, active: true}
}

// Kind implements delivery.Transport.
func (t *FrameTransport) Kind() delivery.TransportKind { return delivery.Frame }

// IsActive implements delivery.Transport.
func (t *FrameTransport) IsActive() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.active
}

// Deactivate marks the transport inactive, typically called once the
// connection's reader loop observes a read error or close frame.
func (t *FrameTransport) Deactivate() {
	t.mu.Lock()
	t.active = false
	t.mu.Unlock()
}

// WriteFrame implements delivery.Transport.
func (t *FrameTransport) WriteFrame(ctx context.Context, payload []byte) error {
	if t.budget != nil && !t.budget.Allow(t.key, len(payload)) {
		return delivery.ErrThrottled
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.active {
		return websocket.ErrCloseSent
	}
	if err := t.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		t.active = false
		return err
	}
	if err := t.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		t.active = false
		return err
	}
	return nil
}

// WritePing implements delivery.Transport.
func (t *FrameTransport) WritePing(ctx context.Context, epochMs int64) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.active {
		return websocket.ErrCloseSent
	}
	payload := []byte(strconv.FormatInt(epochMs, 10))
	if err := t.conn.WriteControl(websocket.PingMessage, payload, time.Now().Add(writeWait)); err != nil {
		t.active = false
		return err
	}
	return nil
}

// WriteBatch implements delivery.Transport. A Frame-kind transport
// never receives this call from Session.
func (t *FrameTransport) WriteBatch(ctx context.Context, body []byte) error {
	return errNotFrameCapable
}
