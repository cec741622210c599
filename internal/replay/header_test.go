package replay

import (
	"path/filepath"
	"testing"
)

func TestWriteAndReadHeader(t *testing.T) {
	dir := t.TempDir()
	header := Header{
		SchemaVersion: HeaderSchemaVersion,
		SessionUser:   "alice",
		SessionGUID:   "g1",
		OpenedAt:      "2026-07-31T00:00:00Z",
		FilePointer:   "bundle.json.gz",
	}
	path := filepath.Join(dir, "example.header.json")
	if err := WriteHeader(path, header); err != nil {
		t.Fatalf("WriteHeader: %v", err)
	}
	loaded, err := ReadHeader(path)
	if err != nil {
		t.Fatalf("ReadHeader: %v", err)
	}
	if loaded.SchemaVersion != header.SchemaVersion || loaded.SessionUser != header.SessionUser {
		t.Fatalf("unexpected header values: %+v", loaded)
	}
	if loaded.SessionGUID != header.SessionGUID {
		t.Fatalf("unexpected session guid: %q", loaded.SessionGUID)
	}
	if loaded.FilePointer != header.FilePointer {
		t.Fatalf("unexpected file pointer: %q", loaded.FilePointer)
	}
}

func TestHeaderValidateRejectsMissingFilePointer(t *testing.T) {
	header := Header{SchemaVersion: HeaderSchemaVersion}
	if err := header.Validate(); err == nil {
		t.Fatal("expected validation error for missing file pointer")
	}
}
