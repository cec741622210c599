package delivery

import (
	"time"
	"weak"
)

// softHolder is a best-effort reference to a Message. Once no strong
// reference remains elsewhere (the strong queue, most commonly) the
// runtime is free to reclaim the referent at any time; Resolve reports
// that by returning ok=false.
type softHolder struct {
	coord        Coord
	softDeadline time.Time
	ref          weak.Pointer[Message]
}

// Resolve returns the live Message behind the holder, if the runtime
// has not reclaimed it.
func (h softHolder) Resolve() (Message, bool) {
	p := h.ref.Value()
	if p == nil {
		return Message{}, false
	}
	return *p, true
}

// DualQueue retains one logical outbound message stream as two FIFO
// queues with independent expiry policies: a strong queue of
// not-yet-delivered messages, and a soft queue of weak holders eligible
// for best-effort replay after delivery.
type DualQueue struct {
	strong []*Message
	soft   []softHolder
}

// NewDualQueue returns an empty queue pair.
func NewDualQueue() *DualQueue {
	return &DualQueue{}
}

// Enqueue appends m to the strong queue and a weak holder over the same
// message to the soft queue. Both queues preserve enqueue order.
func (q *DualQueue) Enqueue(m Message) {
	ptr := &m
	q.strong = append(q.strong, ptr)
	q.soft = append(q.soft, softHolder{
		coord:        m.coord,
		softDeadline: m.softDeadline,
		ref:          weak.Make(ptr),
	})
}

// Expire drops from strong every message whose strongDeadline is before
// now, and from soft every holder whose referent is gone or whose
// softDeadline is before now.
func (q *DualQueue) Expire(now time.Time) {
	live := q.strong[:0]
	for _, m := range q.strong {
		if !m.strongDeadline.Before(now) {
			live = append(live, m)
		}
	}
	q.strong = live

	softLive := q.soft[:0]
	for _, h := range q.soft {
		msg, ok := h.Resolve()
		if !ok || msg.softDeadline.Before(now) {
			continue
		}
		softLive = append(softLive, h)
	}
	q.soft = softLive
}

// SkipUpTo drops from strong all messages with coord <= given, and from
// soft all holders whose referent has coord <= given or is gone.
func (q *DualQueue) SkipUpTo(coord Coord) {
	live := q.strong[:0]
	for _, m := range q.strong {
		if !m.coord.LessOrEqual(coord) {
			live = append(live, m)
		}
	}
	q.strong = live

	softLive := q.soft[:0]
	for _, h := range q.soft {
		if h.coord.LessOrEqual(coord) {
			continue
		}
		if _, ok := h.Resolve(); !ok {
			continue
		}
		softLive = append(softLive, h)
	}
	q.soft = softLive
}

// DrainStrong removes and returns all strong messages in FIFO order.
func (q *DualQueue) DrainStrong() []Message {
	if len(q.strong) == 0 {
		return nil
	}
	out := make([]Message, len(q.strong))
	for i, m := range q.strong {
		out[i] = *m
	}
	q.strong = nil
	return out
}

// Requeue prepends messages back onto the strong queue, preserving
// their relative order. Callers use this when a drained batch could
// not be fully delivered (a bandwidth budget ran out mid-flush) so the
// undelivered remainder is retried on the next flush rather than lost.
func (q *DualQueue) Requeue(messages []Message) {
	if len(messages) == 0 {
		return
	}
	restored := make([]*Message, len(messages))
	for i := range messages {
		m := messages[i]
		restored[i] = &m
	}
	q.strong = append(restored, q.strong...)
}

// ReplaySoftBefore iterates the soft queue from the head, yielding
// messages whose referent is still live, stopping at (and not
// including) the first soft holder whose referent equals the head of
// the strong queue. It does not mutate either queue.
//
// The stopping rule exists so replay never duplicates a message that a
// subsequent flush will deliver primarily: once replay reaches the
// strong-queue head, flush owns everything from there on.
func (q *DualQueue) ReplaySoftBefore(firstStrong *Coord) []Message {
	var out []Message
	for _, h := range q.soft {
		if firstStrong != nil && h.coord == *firstStrong {
			break
		}
		msg, ok := h.Resolve()
		if !ok {
			continue
		}
		out = append(out, msg)
	}
	return out
}

// HeadStrong returns the coordinate of the first strong message, if any.
func (q *DualQueue) HeadStrong() *Coord {
	if len(q.strong) == 0 {
		return nil
	}
	c := q.strong[0].coord
	return &c
}

// Empty reports whether both queues are empty.
func (q *DualQueue) Empty() bool {
	return len(q.strong) == 0 && len(q.soft) == 0
}

// Depths reports the current strong and soft queue lengths, for backlog
// sampling and the audit trail.
func (q *DualQueue) Depths() (strong, soft int) {
	return len(q.strong), len(q.soft)
}
