package replayplayer

import (
	"testing"
	"time"

	"driftpursuit/broker/internal/replay"
)

func TestReplayBundle(t *testing.T) {
	tmp := t.TempDir()
	base := time.Date(2024, 7, 10, 15, 0, 0, 0, time.UTC)
	now := base
	clock := func() time.Time { return now }

	writer, manifest, err := replay.NewWriter(tmp, "pilot-7", "abc123", clock)
	if err != nil {
		t.Fatalf("new writer: %v", err)
	}

	if err := writer.AppendDeliveryEvent("enqueue", replay.Coord{TimestampMs: 1000, Sequence: 1}, ""); err != nil {
		t.Fatalf("append event: %v", err)
	}

	if err := writer.AppendBacklogSample(1, 2, 0); err != nil {
		t.Fatalf("append backlog sample: %v", err)
	}
	now = now.Add(250 * time.Millisecond)
	if err := writer.AppendBacklogSample(1, 3, 1); err != nil {
		t.Fatalf("append backlog sample: %v", err)
	}
	if err := writer.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}
	if err := writer.Close(); err != nil {
		t.Fatalf("close writer: %v", err)
	}

	loadedManifest, events, samples, err := ReplayBundle(writer.Directory())
	if err != nil {
		t.Fatalf("replay bundle: %v", err)
	}

	if loadedManifest.Version != manifest.Version {
		t.Fatalf("manifest mismatch: %v vs %v", loadedManifest.Version, manifest.Version)
	}
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	if events[0].Type != "enqueue" || events[0].Sequence != 1 || events[0].TimestampMs != 1000 {
		t.Fatalf("unexpected event: %+v", events[0])
	}
	if len(samples) != 2 {
		t.Fatalf("expected 2 backlog samples, got %d", len(samples))
	}
	if samples[1].StrongDepth != 3 || samples[1].SoftDepth != 1 {
		t.Fatalf("unexpected sample: %+v", samples[1])
	}
}
