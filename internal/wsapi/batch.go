package wsapi

import (
	"context"
	"errors"
	"sync"

	"driftpursuit/broker/internal/delivery"
)

var errNotBatchCapable = errors.New("wsapi: operation not valid on a batch transport")

// BatchTransport adapts one long-poll HTTP request to the Batch kind of
// delivery.Transport. It carries exactly one response: whichever of
// AttachAndReplay, Flush, or Tick writes to it first wins, and the
// waiting HTTP handler relays that body back to the client.
type BatchTransport struct {
	done chan struct{}
	body []byte
	once sync.Once
}

// NewBatchTransport returns a BatchTransport awaiting its single
// response.
func NewBatchTransport() *BatchTransport {
	return &BatchTransport{done: make(chan struct{})}
}

// Kind implements delivery.Transport.
func (t *BatchTransport) Kind() delivery.TransportKind { return delivery.Batch }

// IsActive implements delivery.Transport: a batch transport is active
// until its single response has been written.
func (t *BatchTransport) IsActive() bool {
	select {
	case <-t.done:
		return false
	default:
		return true
	}
}

// WriteFrame implements delivery.Transport. A Batch-kind transport
// never receives this call from Session.
func (t *BatchTransport) WriteFrame(ctx context.Context, payload []byte) error {
	return errNotBatchCapable
}

// WritePing implements delivery.Transport. A Batch-kind transport
// never receives this call from Session.
func (t *BatchTransport) WritePing(ctx context.Context, epochMs int64) error {
	return errNotBatchCapable
}

// WriteBatch implements delivery.Transport.
func (t *BatchTransport) WriteBatch(ctx context.Context, body []byte) error {
	t.once.Do(func() {
		t.body = append([]byte(nil), body...)
		close(t.done)
	})
	return nil
}

// Wait blocks until a response has been written or ctx is done. If ctx
// expires first, it force-closes the attachment with an empty JSON
// array, identically to the idle-timeout Tick branch, so the HTTP
// handler's own deadline and the session's deadline-driven Tick agree
// on the same terminal behavior.
func (t *BatchTransport) Wait(ctx context.Context) []byte {
	select {
	case <-t.done:
		return t.body
	case <-ctx.Done():
		t.once.Do(func() {
			t.body = []byte("[]")
			close(t.done)
		})
		return t.body
	}
}
