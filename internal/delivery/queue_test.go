package delivery

import (
	"encoding/json"
	"testing"
	"time"
)

func coordMsg(ms int64, seq uint32, strongTTL, softTTL time.Duration, now time.Time) Message {
	return NewMessage(Coord{TimestampMs: ms, Sequence: seq}, json.RawMessage(`{}`), now.Add(strongTTL), now.Add(softTTL))
}

func TestDualQueueEnqueuePreservesOrder(t *testing.T) {
	q := NewDualQueue()
	now := time.UnixMilli(1000)
	q.Enqueue(coordMsg(1000, 0, time.Minute, time.Minute, now))
	q.Enqueue(coordMsg(1000, 1, time.Minute, time.Minute, now))
	q.Enqueue(coordMsg(1001, 0, time.Minute, time.Minute, now))

	drained := q.DrainStrong()
	if len(drained) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(drained))
	}
	want := []Coord{{1000, 0}, {1000, 1}, {1001, 0}}
	for i, m := range drained {
		if m.Coord() != want[i] {
			t.Fatalf("index %d: got %+v want %+v", i, m.Coord(), want[i])
		}
	}
}

func TestDualQueueExpireDropsPastStrongDeadline(t *testing.T) {
	q := NewDualQueue()
	now := time.UnixMilli(1000)
	q.Enqueue(coordMsg(1000, 0, -time.Second, time.Minute, now))
	q.Enqueue(coordMsg(1000, 1, time.Minute, time.Minute, now))

	q.Expire(now)

	drained := q.DrainStrong()
	if len(drained) != 1 || drained[0].Coord().Sequence != 1 {
		t.Fatalf("expected only the non-expired message to survive, got %+v", drained)
	}
}

func TestDualQueueExpireDropsPastSoftDeadline(t *testing.T) {
	q := NewDualQueue()
	now := time.UnixMilli(1000)
	q.Enqueue(coordMsg(1000, 0, time.Minute, -time.Second, now))
	head := q.HeadStrong()

	q.Expire(now)

	replay := q.ReplaySoftBefore(nil)
	_ = head
	if len(replay) != 0 {
		t.Fatalf("expected soft-expired message to be gone, got %d", len(replay))
	}
}

func TestDualQueueSkipUpToDropsInclusive(t *testing.T) {
	q := NewDualQueue()
	now := time.UnixMilli(1000)
	q.Enqueue(coordMsg(1000, 0, time.Minute, time.Minute, now))
	q.Enqueue(coordMsg(1000, 1, time.Minute, time.Minute, now))
	q.Enqueue(coordMsg(1000, 2, time.Minute, time.Minute, now))

	q.SkipUpTo(Coord{TimestampMs: 1000, Sequence: 1})

	drained := q.DrainStrong()
	if len(drained) != 1 || drained[0].Coord().Sequence != 2 {
		t.Fatalf("expected only sequence 2 to remain, got %+v", drained)
	}
}

func TestDualQueueReplaySoftBeforeStopsAtStrongHead(t *testing.T) {
	q := NewDualQueue()
	now := time.UnixMilli(1000)
	q.Enqueue(coordMsg(1000, 0, time.Minute, time.Minute, now))
	q.Enqueue(coordMsg(1000, 1, time.Minute, time.Minute, now))

	// Nothing has been drained, so sequence 0 is both the strong head and
	// the first soft holder: replay stops before yielding anything.
	head := q.HeadStrong()
	replay := q.ReplaySoftBefore(head)
	if len(replay) != 0 {
		t.Fatalf("expected replay to stop immediately at the strong head, got %d", len(replay))
	}
}

func TestDualQueueReplaySoftBeforeNilIncludesEverythingLive(t *testing.T) {
	q := NewDualQueue()
	now := time.UnixMilli(1000)
	q.Enqueue(coordMsg(1000, 0, time.Minute, time.Minute, now))
	q.Enqueue(coordMsg(1000, 1, time.Minute, time.Minute, now))

	replay := q.ReplaySoftBefore(nil)
	if len(replay) != 2 {
		t.Fatalf("expected both messages in replay, got %d", len(replay))
	}
}

func TestDualQueueEmpty(t *testing.T) {
	q := NewDualQueue()
	if !q.Empty() {
		t.Fatal("expected new queue to be empty")
	}
	now := time.UnixMilli(1000)
	q.Enqueue(coordMsg(1000, 0, time.Minute, time.Minute, now))
	if q.Empty() {
		t.Fatal("expected queue with a message to be non-empty")
	}
}

func TestDualQueueHeadStrongNilWhenEmpty(t *testing.T) {
	q := NewDualQueue()
	if q.HeadStrong() != nil {
		t.Fatal("expected nil head on empty strong queue")
	}
}

func TestDualQueueRequeuePrependsInOrder(t *testing.T) {
	q := NewDualQueue()
	now := time.UnixMilli(1000)
	q.Enqueue(coordMsg(1000, 2, time.Minute, time.Minute, now))

	undelivered := []Message{
		coordMsg(1000, 0, time.Minute, time.Minute, now),
		coordMsg(1000, 1, time.Minute, time.Minute, now),
	}
	q.Requeue(undelivered)

	drained := q.DrainStrong()
	want := []uint32{0, 1, 2}
	if len(drained) != len(want) {
		t.Fatalf("expected %d messages, got %d", len(want), len(drained))
	}
	for i, m := range drained {
		if m.Coord().Sequence != want[i] {
			t.Fatalf("index %d: got sequence %d want %d", i, m.Coord().Sequence, want[i])
		}
	}
}

func TestDualQueueRequeueNoOpOnEmptyInput(t *testing.T) {
	q := NewDualQueue()
	now := time.UnixMilli(1000)
	q.Enqueue(coordMsg(1000, 0, time.Minute, time.Minute, now))
	q.Requeue(nil)

	drained := q.DrainStrong()
	if len(drained) != 1 {
		t.Fatalf("expected the pre-existing message untouched, got %d", len(drained))
	}
}
