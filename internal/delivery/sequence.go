package delivery

import "time"

// SequenceClock generates and compares monotonic (timestamp_ms, sequence)
// coordinates for a single direction (send or receive) of a Session.
//
// Ties are broken by sequence rather than a high-resolution clock so the
// ordering does not depend on sub-millisecond monotonic sources across
// transports.
type SequenceClock struct {
	lastTimestampMs int64
	lastSequence    uint32
	initialized     bool
}

// NewSequenceClock returns a zero-valued clock ready for assignNext/observe.
func NewSequenceClock() *SequenceClock {
	return &SequenceClock{}
}

// AssignNext reads now truncated to milliseconds and returns the next
// strictly-increasing coordinate. When the millisecond bucket advances,
// the sequence resets to zero; otherwise it increments.
func (c *SequenceClock) AssignNext(now time.Time) Coord {
	truncated := now.UnixMilli()
	if !c.initialized || truncated > c.lastTimestampMs {
		c.lastTimestampMs = truncated
		c.lastSequence = 0
		c.initialized = true
		return Coord{TimestampMs: truncated, Sequence: 0}
	}
	c.lastSequence++
	return Coord{TimestampMs: c.lastTimestampMs, Sequence: c.lastSequence}
}

// Observe advances the clock to (t, s) only if it is strictly greater
// than the current position under the Coord ordering. Non-monotonic
// observations (including clock regressions) are silently ignored,
// per the core spec's resolution of its Open Question: the original
// reset-on-new-millisecond-even-backwards behavior is not replicated.
func (c *SequenceClock) Observe(coord Coord) {
	current := Coord{TimestampMs: c.lastTimestampMs, Sequence: c.lastSequence}
	if c.initialized && !current.Less(coord) {
		return
	}
	c.lastTimestampMs = coord.TimestampMs
	c.lastSequence = coord.Sequence
	c.initialized = true
}

// Last returns the most recently assigned or observed coordinate.
func (c *SequenceClock) Last() Coord {
	return Coord{TimestampMs: c.lastTimestampMs, Sequence: c.lastSequence}
}
