package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"driftpursuit/broker/internal/logging"
)

// Identity is the (user, guid) pair a Session is keyed and equality-tested
// on.
type Identity struct {
	User string
	GUID string
}

// SessionConfig carries the tunables and collaborators a Session needs.
type SessionConfig struct {
	// LockTimeout bounds every lock acquisition inside the Session.
	// Acquisition failures are non-fatal no-ops per the core spec's
	// liveness-preserving contract.
	LockTimeout time.Duration
	// PingInterval is how far setDeadline advances the idle deadline
	// whenever liveness is observed (attach, inbound message, flush).
	PingInterval time.Duration
	// Clock returns the current wall time; overridable for tests.
	Clock func() time.Time
	// Logger receives structured diagnostics. Defaults to the package
	// global logger when nil.
	Logger *logging.Logger
	// Audit receives best-effort delivery lifecycle events. Nil disables
	// auditing.
	Audit AuditSink
}

func (c SessionConfig) clock() time.Time {
	if c.Clock != nil {
		return c.Clock()
	}
	return time.Now()
}

func (c SessionConfig) logger() *logging.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return logging.L()
}

// Session is the per-client delivery engine: one DualQueue, one send and
// one receive SequenceClock, one optional transport attachment, and the
// idle deadline.
type Session struct {
	id  Identity
	cfg SessionConfig
	log *logging.Logger

	sendMu *boundedLock
	recvMu *boundedLock
	attMu  *boundedLock

	queueMu sync.Mutex
	queue   *DualQueue

	sendClock *SequenceClock
	recvClock *SequenceClock

	transport     Transport
	deadlineNanos atomic.Int64
}

// NewSession constructs a Session in the Detached state.
func NewSession(id Identity, cfg SessionConfig) *Session {
	s := &Session{
		id:        id,
		cfg:       cfg,
		log:       cfg.logger().With(logging.String("user", id.User), logging.String("guid", id.GUID)),
		sendMu:    newBoundedLock(),
		recvMu:    newBoundedLock(),
		attMu:     newBoundedLock(),
		queue:     NewDualQueue(),
		sendClock: NewSequenceClock(),
		recvClock: NewSequenceClock(),
	}
	s.deadlineNanos.Store(cfg.clock().Add(cfg.PingInterval).UnixNano())
	return s
}

// Identity returns the session's (user, guid) key.
func (s *Session) Identity() Identity { return s.id }

// Deadline returns the current idle deadline.
func (s *Session) Deadline() time.Time {
	return time.Unix(0, s.deadlineNanos.Load())
}

// SetDeadline advances the idle deadline to now+d. Callers invoke this
// whenever they observe liveness: a new attach, an inbound message, or a
// successful flush.
func (s *Session) SetDeadline(d time.Duration) {
	s.deadlineNanos.Store(s.cfg.clock().Add(d).UnixNano())
}

// HasAttachment reports whether a transport is currently attached.
// s.transport is otherwise only ever read or written while attMu is
// held (AttachAndReplay, Flush, Tick); this takes the same lock so
// every access is consistently guarded.
func (s *Session) HasAttachment() bool {
	if !s.attMu.TryLock(s.cfg.LockTimeout) {
		return true
	}
	defer s.attMu.Unlock()
	return s.transport != nil
}

// QueueEmpty reports whether both the strong and soft queues are empty.
func (s *Session) QueueEmpty() bool {
	s.queueMu.Lock()
	defer s.queueMu.Unlock()
	return s.queue.Empty()
}

// Enqueue assigns the next send coordinate under the send-sequence lock
// and appends the resulting Message to the DualQueue. It does not
// flush; a caller wanting immediate delivery must call Flush next.
func (s *Session) Enqueue(payload json.RawMessage, strongLifetime, softLifetime time.Duration) {
	if !s.sendMu.TryLock(s.cfg.LockTimeout) {
		s.log.Warn("enqueue skipped: send-sequence lock timeout")
		return
	}
	defer s.sendMu.Unlock()

	now := s.cfg.clock()
	coord := s.sendClock.AssignNext(now)
	msg := NewMessage(coord, payload, now.Add(strongLifetime), now.Add(softLifetime))

	s.queueMu.Lock()
	s.queue.Enqueue(msg)
	s.queueMu.Unlock()

	s.audit("enqueue", coord, "")
}

// RecordReceive advances the receive clock under the receive-sequence
// lock. A lock-acquisition timeout is a silent no-op.
func (s *Session) RecordReceive(coord Coord) {
	if !s.recvMu.TryLock(s.cfg.LockTimeout) {
		s.log.Warn("recordReceive skipped: receive-sequence lock timeout")
		return
	}
	defer s.recvMu.Unlock()
	s.recvClock.Observe(coord)
	s.SetDeadline(s.cfg.PingInterval)
}

// Skip is the client acknowledgement mechanism: it runs Tick for expiry
// housekeeping, then discards everything up to and including coord from
// both queues.
func (s *Session) Skip(coord Coord) {
	s.Tick()
	s.queueMu.Lock()
	s.queue.SkipUpTo(coord)
	s.queueMu.Unlock()
	s.audit("skip", coord, "")
}

// AttachAndReplay binds transport to the session after acknowledging
// lastSeenCoord, then emits best-effort replay of soft-queue messages
// the client may have missed. Batch-kind transports detach immediately
// after emitting their single response; frame-kind transports stay
// attached for a subsequent Flush.
func (s *Session) AttachAndReplay(transport Transport, lastSeenCoord Coord) {
	s.Skip(lastSeenCoord)

	if !s.attMu.TryLock(s.cfg.LockTimeout) {
		s.log.Warn("attachAndReplay skipped: attachment lock timeout")
		return
	}
	defer s.attMu.Unlock()

	s.transport = transport
	if transport == nil || !transport.IsActive() {
		s.log.Warn("attach rejected: transport inactive")
		s.transport = nil
		s.audit("detach", lastSeenCoord, "attach rejected: transport inactive")
		return
	}
	s.SetDeadline(s.cfg.PingInterval)

	s.queueMu.Lock()
	head := s.queue.HeadStrong()
	replay := s.queue.ReplaySoftBefore(head)
	s.queueMu.Unlock()

	ctx := context.Background()
	switch transport.Kind() {
	case Frame:
		for i, m := range replay {
			if err := s.writeFrame(ctx, m); err != nil {
				if errors.Is(err, ErrThrottled) {
					s.log.Warn("replay throttled: remaining soft messages dropped from this attach", logging.Int("remaining", len(replay)-i))
					break
				}
				s.log.Error("replay frame write failed", logging.Error(err))
				s.transport = nil
				s.audit("detach", m.Coord(), "replay frame write failed")
				return
			}
		}
		if len(replay) > 0 {
			s.audit("flush", replay[len(replay)-1].Coord(), "replay")
		}
	case Batch:
		// A batch transport carries only one response per attachment, so
		// the attach step must combine the soft-queue replay with
		// whatever is already pending in the strong queue; a frame
		// transport instead gets that pending content via a subsequent
		// Flush. If there is nothing to deliver yet, stay attached and
		// let a later Flush or the idle Tick produce the response.
		s.queueMu.Lock()
		pending := s.queue.DrainStrong()
		s.queueMu.Unlock()
		combined := append(replay, pending...)
		if len(combined) == 0 {
			return
		}
		body, err := marshalBatch(combined)
		if err != nil {
			s.log.Error("replay batch marshal failed", logging.Error(err))
			s.transport = nil
			s.audit("detach", lastSeenCoord, "replay batch marshal failed")
			return
		}
		s.audit("flush", combined[len(combined)-1].Coord(), "replay batch")
		if err := transport.WriteBatch(ctx, body); err != nil {
			s.log.Error("replay batch write failed", logging.Error(err))
		}
		s.transport = nil
		s.audit("detach", combined[len(combined)-1].Coord(), "batch response delivered")
	}
}

// Flush performs expiry housekeeping and then, if a transport is
// attached, delivers the strong queue in enqueue order. Frame-kind
// transports emit one frame per message and stay attached; batch-kind
// transports emit one JSON-array response and detach.
func (s *Session) Flush() {
	s.Tick()

	if !s.attMu.TryLock(s.cfg.LockTimeout) {
		s.log.Warn("flush skipped: attachment lock timeout")
		return
	}
	defer s.attMu.Unlock()

	if s.transport == nil {
		return
	}
	if !s.transport.IsActive() {
		s.transport = nil
		s.audit("detach", Coord{}, "flush found transport inactive")
		return
	}

	s.queueMu.Lock()
	pending := s.queue.DrainStrong()
	s.queueMu.Unlock()

	ctx := context.Background()
	switch s.transport.Kind() {
	case Frame:
		for i, m := range pending {
			if err := s.writeFrame(ctx, m); err != nil {
				if errors.Is(err, ErrThrottled) {
					s.log.Warn("flush throttled: deferring remainder to next tick", logging.Int("remaining", len(pending)-i))
					s.queueMu.Lock()
					s.queue.Requeue(pending[i:])
					s.queueMu.Unlock()
					return
				}
				s.log.Error("flush frame write failed", logging.Error(err))
				s.transport = nil
				s.audit("detach", m.Coord(), "flush frame write failed")
				return
			}
		}
		if len(pending) > 0 {
			s.SetDeadline(s.cfg.PingInterval)
			s.audit("flush", pending[len(pending)-1].Coord(), "frame")
		}
	case Batch:
		// Nothing new to deliver yet: remain attached for a later Flush
		// or the idle Tick, rather than closing out the request early.
		if len(pending) == 0 {
			return
		}
		body, err := marshalBatch(pending)
		if err != nil {
			s.log.Error("flush batch marshal failed", logging.Error(err))
			s.transport = nil
			s.audit("detach", pending[len(pending)-1].Coord(), "flush batch marshal failed")
			return
		}
		s.audit("flush", pending[len(pending)-1].Coord(), "batch")
		if err := s.transport.WriteBatch(ctx, body); err != nil {
			s.log.Error("flush batch write failed", logging.Error(err))
		}
		s.transport = nil
		s.audit("detach", pending[len(pending)-1].Coord(), "batch response delivered")
	}
}

// Tick runs expiry housekeeping and, when a transport has been attached
// past its deadline, probes (frame) or terminates (batch) it.
func (s *Session) Tick() {
	now := s.cfg.clock()

	s.queueMu.Lock()
	strongBefore, softBefore := s.queue.Depths()
	s.queue.Expire(now)
	strongAfter, softAfter := s.queue.Depths()
	s.queueMu.Unlock()

	if expired := (strongBefore - strongAfter) + (softBefore - softAfter); expired > 0 {
		s.audit("expire", Coord{}, fmt.Sprintf("%d messages", expired))
	}

	if !s.HasAttachment() || !s.Deadline().Before(now) {
		return
	}

	if !s.attMu.TryLock(s.cfg.LockTimeout) {
		s.log.Warn("tick skipped: attachment lock timeout")
		return
	}
	defer s.attMu.Unlock()

	if s.transport == nil {
		return
	}
	if !s.transport.IsActive() {
		s.transport = nil
		s.audit("detach", Coord{}, "tick found transport inactive")
		return
	}

	ctx := context.Background()
	switch s.transport.Kind() {
	case Frame:
		if err := s.transport.WritePing(ctx, now.UnixMilli()); err != nil {
			s.log.Warn("idle ping failed", logging.Error(err))
			s.transport = nil
			s.audit("detach", Coord{}, "idle ping failed")
		} else {
			s.audit("ping", Coord{}, "")
		}
	case Batch:
		if err := s.transport.WriteBatch(ctx, []byte("[]")); err != nil {
			s.log.Warn("idle batch timeout response failed", logging.Error(err))
		}
		s.transport = nil
		s.audit("detach", Coord{}, "idle batch timeout")
	}
}

// QueueDepths reports the current strong and soft queue lengths, for
// periodic backlog sampling.
func (s *Session) QueueDepths() (strong, soft int) {
	s.queueMu.Lock()
	defer s.queueMu.Unlock()
	return s.queue.Depths()
}

func (s *Session) writeFrame(ctx context.Context, m Message) error {
	body, err := json.Marshal(m.Envelope())
	if err != nil {
		return err
	}
	return s.transport.WriteFrame(ctx, body)
}

func marshalBatch(messages []Message) ([]byte, error) {
	envelopes := make([]Envelope, len(messages))
	for i, m := range messages {
		envelopes[i] = m.Envelope()
	}
	if envelopes == nil {
		envelopes = []Envelope{}
	}
	return json.Marshal(envelopes)
}
