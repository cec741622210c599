package delivery

import (
	"encoding/json"
	"testing"
	"time"
)

func testRegistryConfig(clock *fakeClock, grace time.Duration) RegistryConfig {
	return RegistryConfig{
		Session:     testSessionConfig(clock),
		GraceWindow: grace,
		Clock:       clock.Now,
	}
}

func TestRegistryLookupOrCreateIsIdempotent(t *testing.T) {
	clock := newFakeClock(time.UnixMilli(1_000_000))
	r := NewRegistry(testRegistryConfig(clock, time.Minute))

	id := Identity{User: "alice", GUID: "g1"}
	first := r.LookupOrCreate(id)
	second := r.LookupOrCreate(id)

	if first != second {
		t.Fatal("expected LookupOrCreate to return the same Session for the same identity")
	}
	if r.Len() != 1 {
		t.Fatalf("expected exactly one session, got %d", r.Len())
	}
}

func TestRegistryLookupMissing(t *testing.T) {
	clock := newFakeClock(time.UnixMilli(1_000_000))
	r := NewRegistry(testRegistryConfig(clock, time.Minute))

	if _, ok := r.Lookup(Identity{User: "nobody", GUID: "x"}); ok {
		t.Fatal("expected Lookup to report false for an identity never created")
	}
}

func TestRegistryBroadcastDeliversToAttachedSessions(t *testing.T) {
	clock := newFakeClock(time.UnixMilli(1_000_000))
	r := NewRegistry(testRegistryConfig(clock, time.Minute))

	idA := Identity{User: "alice", GUID: "g1"}
	idB := Identity{User: "bob", GUID: "g2"}
	sessionA := r.LookupOrCreate(idA)
	sessionB := r.LookupOrCreate(idB)

	transportA := newRecordingTransport(Frame)
	sessionA.AttachAndReplay(transportA, Coord{})
	// sessionB is left detached.

	r.Broadcast(nil, json.RawMessage(`{"event":"tick"}`), time.Minute, time.Minute)

	if transportA.frameCount() != 1 {
		t.Fatalf("expected attached session to receive the broadcast frame, got %d", transportA.frameCount())
	}
	if sessionB.QueueEmpty() {
		t.Fatal("expected detached session to still have the message queued for later delivery")
	}
}

func TestRegistryBroadcastHonoursPredicate(t *testing.T) {
	clock := newFakeClock(time.UnixMilli(1_000_000))
	r := NewRegistry(testRegistryConfig(clock, time.Minute))

	idA := Identity{User: "alice", GUID: "g1"}
	idB := Identity{User: "bob", GUID: "g2"}
	sessionA := r.LookupOrCreate(idA)
	sessionB := r.LookupOrCreate(idB)

	r.Broadcast(func(id Identity) bool { return id.User == "alice" }, json.RawMessage(`{"event":"tick"}`), time.Minute, time.Minute)

	if sessionA.QueueEmpty() {
		t.Fatal("expected the predicate-matched session to receive the message")
	}
	if !sessionB.QueueEmpty() {
		t.Fatal("expected the non-matching session to be left untouched")
	}
}

func TestRegistryReapRemovesIdleDetachedEmptySessions(t *testing.T) {
	clock := newFakeClock(time.UnixMilli(1_000_000))
	r := NewRegistry(testRegistryConfig(clock, 50*time.Millisecond))

	id := Identity{User: "carol", GUID: "g3"}
	r.LookupOrCreate(id)

	clock.Advance(500 * time.Millisecond)
	removed := r.Reap()

	if len(removed) != 1 || removed[0] != id {
		t.Fatalf("expected the idle session to be reaped, got %+v", removed)
	}
	if _, ok := r.Lookup(id); ok {
		t.Fatal("expected reaped session to no longer be registered")
	}
}

func TestRegistryReapSparesAttachedSessions(t *testing.T) {
	clock := newFakeClock(time.UnixMilli(1_000_000))
	r := NewRegistry(testRegistryConfig(clock, 50*time.Millisecond))

	id := Identity{User: "dave", GUID: "g4"}
	s := r.LookupOrCreate(id)
	transport := newRecordingTransport(Frame)
	s.AttachAndReplay(transport, Coord{})

	clock.Advance(500 * time.Millisecond)
	removed := r.Reap()

	if len(removed) != 0 {
		t.Fatalf("expected attached session to be spared, got removed=%+v", removed)
	}
}

func TestRegistryReapSparesSessionsWithPendingMessages(t *testing.T) {
	clock := newFakeClock(time.UnixMilli(1_000_000))
	r := NewRegistry(testRegistryConfig(clock, 50*time.Millisecond))

	id := Identity{User: "erin", GUID: "g5"}
	s := r.LookupOrCreate(id)
	s.Enqueue(json.RawMessage(`{"n":1}`), time.Hour, time.Hour)

	clock.Advance(500 * time.Millisecond)
	removed := r.Reap()

	if len(removed) != 0 {
		t.Fatalf("expected session with pending messages to be spared, got removed=%+v", removed)
	}
}

func TestRegistryRemove(t *testing.T) {
	clock := newFakeClock(time.UnixMilli(1_000_000))
	r := NewRegistry(testRegistryConfig(clock, time.Minute))

	id := Identity{User: "frank", GUID: "g6"}
	r.LookupOrCreate(id)
	r.Remove(id)

	if _, ok := r.Lookup(id); ok {
		t.Fatal("expected Remove to delete the session unconditionally")
	}
}
