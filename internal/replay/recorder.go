package replay

import (
	"compress/gzip"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"time"
)

var recorderLabelCleaner = regexp.MustCompile(`[^a-zA-Z0-9_-]+`)

// DeliveryEvent records one delivery-engine outcome for a session: an
// enqueue, flush, skip, expire, idle ping, or detach.
type DeliveryEvent struct {
	CapturedAt time.Time
	Type       string
	Coord      Coord
	Detail     string
}

// BacklogSample records one registry-wide queue-depth observation.
type BacklogSample struct {
	CapturedAt   time.Time
	SessionCount uint64
	StrongDepth  uint64
	SoftDepth    uint64
}

// Recorder buffers audit-trail records in memory until they are rolled
// to a gzip-compressed JSON bundle on disk. Unlike Writer, which streams
// continuously, Recorder is meant for bounded-size bursts that a caller
// flushes on its own schedule (cmd/broker rolls it from the audit-roll endpoint).
type Recorder struct {
	mu          sync.Mutex
	dir         string
	now         func() time.Time
	events      []DeliveryEvent
	backlogs    []BacklogSample
	bytes       int64
	dumps       int64
	lastDump    time.Time
	lastDumpURI string
}

// Stats summarises recorder health for monitoring endpoints.
type Stats struct {
	BufferedFrames int
	BufferedBytes  int64
	Dumps          int64
	LastDumpURI    string
	LastDumpTime   time.Time
}

// NewRecorder constructs an audit recorder that writes JSON artefacts into dir.
func NewRecorder(dir string, clock func() time.Time) (*Recorder, error) {
	if dir == "" {
		return nil, fmt.Errorf("audit directory must be provided")
	}
	if clock == nil {
		clock = time.Now
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &Recorder{dir: dir, now: clock}, nil
}

// RecordDeliveryEvent appends a delivery outcome to the buffer.
func (r *Recorder) RecordDeliveryEvent(eventType string, coord Coord, detail string) {
	if r == nil {
		return
	}
	captured := r.now().UTC()

	r.mu.Lock()
	r.events = append(r.events, DeliveryEvent{CapturedAt: captured, Type: eventType, Coord: coord, Detail: detail})
	r.bytes += int64(len(eventType) + len(detail) + 16)
	r.mu.Unlock()
}

// RecordBacklogSample appends a registry-wide backlog observation.
func (r *Recorder) RecordBacklogSample(sessionCount, strongDepth, softDepth uint64) {
	if r == nil {
		return
	}
	captured := r.now().UTC()

	r.mu.Lock()
	r.backlogs = append(r.backlogs, BacklogSample{CapturedAt: captured, SessionCount: sessionCount, StrongDepth: strongDepth, SoftDepth: softDepth})
	r.bytes += 32
	r.mu.Unlock()
}

// Roll writes the buffered records to disk and clears the in-memory buffer.
func (r *Recorder) Roll(label string) (string, error) {
	if r == nil {
		return "", fmt.Errorf("recorder not configured")
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.events) == 0 && len(r.backlogs) == 0 {
		return "", fmt.Errorf("no audit records buffered")
	}

	cleaned := recorderLabelCleaner.ReplaceAllString(label, "")
	if cleaned == "" {
		cleaned = "session"
	}
	timestamp := r.now().UTC().Format("20060102T150405Z")
	filename := fmt.Sprintf("%s-%s.json.gz", cleaned, timestamp)
	path := filepath.Join(r.dir, filename)

	envelope := struct {
		SavedAt string `json:"saved_at"`
		Events  []struct {
			CapturedAt  string `json:"captured_at"`
			Type        string `json:"type"`
			TimestampMs int64  `json:"timestamp_ms"`
			Sequence    uint32 `json:"sequence"`
			Detail      string `json:"detail,omitempty"`
		} `json:"events"`
		Backlogs []struct {
			CapturedAt   string `json:"captured_at"`
			SessionCount uint64 `json:"session_count"`
			StrongDepth  uint64 `json:"strong_depth"`
			SoftDepth    uint64 `json:"soft_depth"`
		} `json:"backlogs"`
	}{SavedAt: timestamp}

	for _, event := range r.events {
		envelope.Events = append(envelope.Events, struct {
			CapturedAt  string `json:"captured_at"`
			Type        string `json:"type"`
			TimestampMs int64  `json:"timestamp_ms"`
			Sequence    uint32 `json:"sequence"`
			Detail      string `json:"detail,omitempty"`
		}{
			CapturedAt:  event.CapturedAt.Format(time.RFC3339Nano),
			Type:        event.Type,
			TimestampMs: event.Coord.TimestampMs,
			Sequence:    event.Coord.Sequence,
			Detail:      event.Detail,
		})
	}
	for _, sample := range r.backlogs {
		envelope.Backlogs = append(envelope.Backlogs, struct {
			CapturedAt   string `json:"captured_at"`
			SessionCount uint64 `json:"session_count"`
			StrongDepth  uint64 `json:"strong_depth"`
			SoftDepth    uint64 `json:"soft_depth"`
		}{
			CapturedAt:   sample.CapturedAt.Format(time.RFC3339Nano),
			SessionCount: sample.SessionCount,
			StrongDepth:  sample.StrongDepth,
			SoftDepth:    sample.SoftDepth,
		})
	}

	data, err := json.MarshalIndent(envelope, "", "  ")
	if err != nil {
		return "", err
	}
	file, err := os.Create(path)
	if err != nil {
		return "", err
	}
	writer := gzip.NewWriter(file)
	if _, err := writer.Write(data); err != nil {
		_ = writer.Close()
		_ = file.Close()
		return "", err
	}
	if err := writer.Close(); err != nil {
		_ = file.Close()
		return "", err
	}
	if err := file.Close(); err != nil {
		return "", err
	}

	r.events = nil
	r.backlogs = nil
	r.bytes = 0
	r.dumps++
	r.lastDump = r.now().UTC()
	r.lastDumpURI = path
	return path, nil
}

// Snapshot returns statistics describing the recorder state.
func (r *Recorder) Snapshot() Stats {
	if r == nil {
		return Stats{}
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	return Stats{
		BufferedFrames: len(r.events) + len(r.backlogs),
		BufferedBytes:  r.bytes,
		Dumps:          r.dumps,
		LastDumpURI:    r.lastDumpURI,
		LastDumpTime:   r.lastDump,
	}
}
