package replay

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"time"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/zstd"
)

var writerNameCleaner = regexp.MustCompile(`[^a-zA-Z0-9_-]+`)

const backlogSampleInterval = 5 * time.Second

// Coord mirrors the delivery engine's (timestamp_ms, sequence) coordinate
// without importing the delivery package, keeping the audit trail a
// passive observer rather than a structural dependency.
type Coord struct {
	TimestampMs int64
	Sequence    uint32
}

// backlogSample stores one registry-wide queue-depth observation before it
// is persisted to disk.
type backlogSample struct {
	CapturedAt   time.Time
	SessionCount uint64
	StrongDepth  uint64
	SoftDepth    uint64
}

// Manifest describes the audit bundle layout so tooling can locate artefacts.
type Manifest struct {
	Version      int    `json:"version"`
	CreatedAt    string `json:"created_at"`
	SampleMs     int    `json:"backlog_sample_interval_ms"`
	EventsPath   string `json:"events_path"`
	BacklogsPath string `json:"backlogs_path"`
}

// Writer streams delivery audit events to disk as they happen. It is
// purely an operational/observability log: it never gates delivery and
// is never consulted to recover a dropped message.
type Writer struct {
	mu           sync.Mutex
	dir          string
	now          func() time.Time
	eventFile    *os.File
	eventStream  *snappy.Writer
	backlogFile  *os.File
	backlogSink  *zstd.Encoder
	pending      []backlogSample
	lastFlush    time.Time
	headerUser   string
	headerGUID   string
	headerOpened time.Time
}

// NewWriter prepares the audit directory and opens compressed sinks for
// one session's lifetime.
func NewWriter(root string, user, guid string, clock func() time.Time) (*Writer, Manifest, error) {
	if root == "" {
		return nil, Manifest{}, fmt.Errorf("audit root must be provided")
	}
	if clock == nil {
		clock = time.Now
	}

	label := writerNameCleaner.ReplaceAllString(fmt.Sprintf("%s-%s", user, guid), "")
	if label == "" {
		label = "session"
	}
	opened := clock().UTC()
	folder := fmt.Sprintf("%s-%s", label, opened.Format("20060102T150405Z"))
	path := filepath.Join(root, folder)

	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, Manifest{}, err
	}

	eventsPath := filepath.Join(path, "events.jsonl.sz")
	backlogsPath := filepath.Join(path, "backlogs.bin.zst")
	manifestPath := filepath.Join(path, "manifest.json")

	eventFile, err := os.Create(eventsPath)
	if err != nil {
		return nil, Manifest{}, err
	}
	eventStream := snappy.NewBufferedWriter(eventFile)

	backlogFile, err := os.Create(backlogsPath)
	if err != nil {
		eventFile.Close()
		return nil, Manifest{}, err
	}
	backlogSink, err := zstd.NewWriter(backlogFile)
	if err != nil {
		eventStream.Close()
		eventFile.Close()
		backlogFile.Close()
		return nil, Manifest{}, err
	}

	manifest := Manifest{
		Version:      1,
		CreatedAt:    opened.Format(time.RFC3339Nano),
		SampleMs:     int(backlogSampleInterval / time.Millisecond),
		EventsPath:   "events.jsonl.sz",
		BacklogsPath: "backlogs.bin.zst",
	}

	data, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		backlogSink.Close()
		backlogFile.Close()
		eventStream.Close()
		eventFile.Close()
		return nil, Manifest{}, err
	}
	if err := os.WriteFile(manifestPath, data, 0o644); err != nil {
		backlogSink.Close()
		backlogFile.Close()
		eventStream.Close()
		eventFile.Close()
		return nil, Manifest{}, err
	}

	writer := &Writer{
		dir:          path,
		now:          clock,
		eventFile:    eventFile,
		eventStream:  eventStream,
		backlogFile:  backlogFile,
		backlogSink:  backlogSink,
		headerUser:   user,
		headerGUID:   guid,
		headerOpened: opened,
	}

	return writer, manifest, nil
}

// Directory exposes the directory backing the audit bundle.
func (w *Writer) Directory() string {
	if w == nil {
		return ""
	}
	return w.dir
}

// AppendDeliveryEvent writes a single JSON line describing one delivery
// outcome: an enqueue, a flush, a skip, a ping, or a detach.
func (w *Writer) AppendDeliveryEvent(eventType string, coord Coord, detail string) error {
	if w == nil {
		return fmt.Errorf("writer not initialised")
	}
	captured := w.now().UTC()

	w.mu.Lock()
	defer w.mu.Unlock()

	record := struct {
		CapturedAt  string `json:"captured_at"`
		Type        string `json:"type"`
		TimestampMs int64  `json:"timestamp_ms"`
		Sequence    uint32 `json:"sequence"`
		Detail      string `json:"detail,omitempty"`
	}{
		CapturedAt:  captured.Format(time.RFC3339Nano),
		Type:        eventType,
		TimestampMs: coord.TimestampMs,
		Sequence:    coord.Sequence,
		Detail:      detail,
	}
	line, err := json.Marshal(record)
	if err != nil {
		return err
	}
	if _, err := w.eventStream.Write(line); err != nil {
		return err
	}
	if _, err := w.eventStream.Write([]byte("\n")); err != nil {
		return err
	}
	return w.eventStream.Flush()
}

// AppendBacklogSample buffers a registry-wide backlog observation until
// the sample cadence is reached.
func (w *Writer) AppendBacklogSample(sessionCount, strongDepth, softDepth uint64) error {
	if w == nil {
		return fmt.Errorf("writer not initialised")
	}
	captured := w.now().UTC()

	w.mu.Lock()
	defer w.mu.Unlock()

	w.pending = append(w.pending, backlogSample{
		CapturedAt:   captured,
		SessionCount: sessionCount,
		StrongDepth:  strongDepth,
		SoftDepth:    softDepth,
	})
	if w.lastFlush.IsZero() {
		w.lastFlush = captured
		return nil
	}
	if captured.Sub(w.lastFlush) >= backlogSampleInterval {
		if err := w.flushLocked(); err != nil {
			return err
		}
		w.lastFlush = captured
	}
	return nil
}

// Flush forces pending backlog samples to be written regardless of cadence.
func (w *Writer) Flush() error {
	if w == nil {
		return fmt.Errorf("writer not initialised")
	}
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.flushLocked(); err != nil {
		return err
	}
	w.lastFlush = w.now().UTC()
	return nil
}

// Close synchronously flushes all buffers and releases file handles.
func (w *Writer) Close() error {
	if w == nil {
		return nil
	}
	w.mu.Lock()
	defer w.mu.Unlock()

	var firstErr error
	headerPath := filepath.Join(w.dir, "header.json")
	header := Header{
		SchemaVersion: HeaderSchemaVersion,
		SessionUser:   w.headerUser,
		SessionGUID:   w.headerGUID,
		OpenedAt:      w.headerOpened.Format(time.RFC3339Nano),
		FilePointer:   "manifest.json",
	}
	if err := WriteHeader(headerPath, header); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := w.flushLocked(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := w.eventStream.Flush(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := w.eventStream.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := w.eventFile.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := w.backlogSink.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := w.backlogFile.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// flushLocked writes buffered backlog samples to the zstd stream; callers
// must hold the mutex.
func (w *Writer) flushLocked() error {
	if len(w.pending) == 0 {
		return nil
	}
	for _, sample := range w.pending {
		header := make([]byte, 8+8+8+8)
		binary.LittleEndian.PutUint64(header[0:8], uint64(sample.CapturedAt.UnixNano()))
		binary.LittleEndian.PutUint64(header[8:16], sample.SessionCount)
		binary.LittleEndian.PutUint64(header[16:24], sample.StrongDepth)
		binary.LittleEndian.PutUint64(header[24:32], sample.SoftDepth)
		if _, err := w.backlogSink.Write(header); err != nil {
			return err
		}
	}
	w.pending = w.pending[:0]
	return nil
}
