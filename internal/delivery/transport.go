package delivery

import (
	"context"
	"errors"
)

// ErrThrottled is returned by a Frame-kind Transport's WriteFrame when a
// bandwidth budget denies the write. It is not a fault: the session
// stays attached and the undelivered remainder of the flush is
// requeued for the next attempt.
var ErrThrottled = errors.New("delivery: frame write throttled")

// TransportKind tags which shape an attachment presents. A tagged
// variant is used here rather than an inheritance hierarchy, per the
// core spec's design notes.
type TransportKind int

const (
	// Frame transports remain open and deliver one message per write
	// call; they stay attached across flush.
	Frame TransportKind = iota
	// Batch transports deliver exactly one response per attachment and
	// then detach.
	Batch
)

func (k TransportKind) String() string {
	if k == Frame {
		return "frame"
	}
	return "batch"
}

// Transport is the injectable sink a Session writes outbound envelopes
// and control frames to. Frame-socket handshaking/framing codec and
// HTTP request parsing are external collaborators; Transport is the
// minimal surface the engine needs from them.
type Transport interface {
	// Kind reports whether this attachment is Frame or Batch.
	Kind() TransportKind
	// IsActive reports whether the underlying channel is still usable.
	IsActive() bool
	// WriteFrame emits a single text frame (Frame kind only).
	WriteFrame(ctx context.Context, payload []byte) error
	// WritePing emits a ping control frame carrying the decimal ASCII
	// of the supplied epoch milliseconds (Frame kind only).
	WritePing(ctx context.Context, epochMs int64) error
	// WriteBatch emits one JSON-array HTTP response and implicitly
	// terminates the attachment (Batch kind only).
	WriteBatch(ctx context.Context, body []byte) error
}
