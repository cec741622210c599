package replaycatalog

import (
	"os"
	"path/filepath"
	"testing"

	"driftpursuit/broker/internal/replay"
)

func TestListCollectsHeaders(t *testing.T) {
	dir := t.TempDir()
	dataDir := filepath.Join(dir, "alpha")
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}

	header := replay.Header{
		SchemaVersion: replay.HeaderSchemaVersion,
		SessionUser:   "pilot-7",
		SessionGUID:   "abc123",
		FilePointer:   "bundle.json.gz",
	}
	headerPath := filepath.Join(dataDir, "header.json")
	if err := replay.WriteHeader(headerPath, header); err != nil {
		t.Fatalf("WriteHeader: %v", err)
	}

	entries, err := List(dir)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected single entry, got %d", len(entries))
	}
	entry := entries[0]
	if entry.Header.SessionUser != "pilot-7" || entry.Header.SessionGUID != "abc123" {
		t.Fatalf("unexpected session identity: %+v", entry.Header)
	}
	if entry.ReplayPath != filepath.Join(dataDir, "bundle.json.gz") {
		t.Fatalf("unexpected replay path: %q", entry.ReplayPath)
	}

	payload, err := MarshalEntries(entries)
	if err != nil {
		t.Fatalf("MarshalEntries: %v", err)
	}
	if len(payload) == 0 {
		t.Fatalf("expected JSON payload to be non-empty")
	}
}

func TestListSortsByUserThenGUID(t *testing.T) {
	dir := t.TempDir()
	write := func(sub, user, guid string) {
		d := filepath.Join(dir, sub)
		if err := os.MkdirAll(d, 0o755); err != nil {
			t.Fatalf("MkdirAll: %v", err)
		}
		h := replay.Header{SchemaVersion: replay.HeaderSchemaVersion, SessionUser: user, SessionGUID: guid, FilePointer: "bundle.json.gz"}
		if err := replay.WriteHeader(filepath.Join(d, "header.json"), h); err != nil {
			t.Fatalf("WriteHeader: %v", err)
		}
	}
	write("b", "zed", "1")
	write("a", "amy", "2")

	entries, err := List(dir)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(entries) != 2 || entries[0].Header.SessionUser != "amy" {
		t.Fatalf("expected amy first, got %+v", entries)
	}
}
