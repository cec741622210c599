// Package delivery implements the per-session outbound message delivery
// engine: dual strong/soft retention, monotonic send/receive sequencing,
// and transport-aware flush semantics across WebSocket and long-poll
// attachments.
package delivery

import (
	"encoding/json"
	"time"
)

// Coord identifies a message within a Session by assignment order.
// Ties are broken by Sequence, never by sub-millisecond clock
// resolution, so the ordering holds across transports with coarse
// clocks.
type Coord struct {
	TimestampMs int64
	Sequence    uint32
}

// Less reports whether c sorts strictly before other under the
// (timestamp, sequence) ordering.
func (c Coord) Less(other Coord) bool {
	if c.TimestampMs != other.TimestampMs {
		return c.TimestampMs < other.TimestampMs
	}
	return c.Sequence < other.Sequence
}

// LessOrEqual reports whether c sorts at or before other.
func (c Coord) LessOrEqual(other Coord) bool {
	return c == other || c.Less(other)
}

// Envelope is the wire representation of a Message: metadata plus the
// opaque payload value.
type Envelope struct {
	Metadata EnvelopeMetadata `json:"metadata"`
	Data     json.RawMessage  `json:"data"`
}

// EnvelopeMetadata carries the assigned coordinate.
type EnvelopeMetadata struct {
	TimestampMs int64  `json:"timestamp"`
	Sequence    uint32 `json:"sequence"`
}

// Message is an immutable outbound payload plus its assigned coordinate
// and two independent expiry instants.
type Message struct {
	coord          Coord
	payload        json.RawMessage
	strongDeadline time.Time
	softDeadline   time.Time
}

// NewMessage constructs a Message. softDeadline must not be before
// strongDeadline; callers (Session.enqueue) are responsible for that
// invariant.
func NewMessage(coord Coord, payload json.RawMessage, strongDeadline, softDeadline time.Time) Message {
	return Message{
		coord:          coord,
		payload:        payload,
		strongDeadline: strongDeadline,
		softDeadline:   softDeadline,
	}
}

// Coord returns the message's assigned coordinate.
func (m Message) Coord() Coord { return m.coord }

// StrongDeadline returns the instant after which the message is no
// longer eligible for primary delivery.
func (m Message) StrongDeadline() time.Time { return m.strongDeadline }

// SoftDeadline returns the instant after which the message is no
// longer eligible even for replay.
func (m Message) SoftDeadline() time.Time { return m.softDeadline }

// Envelope renders the message into its wire representation.
func (m Message) Envelope() Envelope {
	return Envelope{
		Metadata: EnvelopeMetadata{TimestampMs: m.coord.TimestampMs, Sequence: m.coord.Sequence},
		Data:     m.payload,
	}
}
