package replay

import (
	"compress/gzip"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"time"
)

// TimelineEntry represents a single rehydrated audit datum ready for
// deterministic iteration.
type TimelineEntry struct {
	CapturedAt time.Time
	Type       string
	Coord      Coord
	Detail     string
}

// Loader rehydrates a rolled audit-trail bundle for inspection tooling.
type Loader struct {
	entries []TimelineEntry
}

// Load constructs a loader from the provided bundle file path.
func Load(path string) (*Loader, error) {
	if path == "" {
		return nil, fmt.Errorf("audit bundle path must be provided")
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	reader, err := gzip.NewReader(file)
	if err != nil {
		return nil, err
	}
	defer reader.Close()

	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, err
	}

	var envelope struct {
		Events []struct {
			CapturedAt  string `json:"captured_at"`
			Type        string `json:"type"`
			TimestampMs int64  `json:"timestamp_ms"`
			Sequence    uint32 `json:"sequence"`
			Detail      string `json:"detail"`
		} `json:"events"`
		Backlogs []struct {
			CapturedAt   string `json:"captured_at"`
			SessionCount uint64 `json:"session_count"`
			StrongDepth  uint64 `json:"strong_depth"`
			SoftDepth    uint64 `json:"soft_depth"`
		} `json:"backlogs"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, err
	}

	entries := make([]TimelineEntry, 0, len(envelope.Events)+len(envelope.Backlogs))

	for _, event := range envelope.Events {
		captured, err := time.Parse(time.RFC3339Nano, event.CapturedAt)
		if err != nil {
			return nil, fmt.Errorf("parse event captured_at: %w", err)
		}
		entries = append(entries, TimelineEntry{
			CapturedAt: captured,
			Type:       event.Type,
			Coord:      Coord{TimestampMs: event.TimestampMs, Sequence: event.Sequence},
			Detail:     event.Detail,
		})
	}

	for _, sample := range envelope.Backlogs {
		captured, err := time.Parse(time.RFC3339Nano, sample.CapturedAt)
		if err != nil {
			return nil, fmt.Errorf("parse backlog captured_at: %w", err)
		}
		entries = append(entries, TimelineEntry{
			CapturedAt: captured,
			Type:       "backlog",
			Detail:     fmt.Sprintf("sessions=%d strong=%d soft=%d", sample.SessionCount, sample.StrongDepth, sample.SoftDepth),
		})
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].CapturedAt.Before(entries[j].CapturedAt)
	})

	return &Loader{entries: entries}, nil
}

// Replay iterates over the loaded entries in chronological order.
func (l *Loader) Replay(apply func(TimelineEntry) error) error {
	if l == nil {
		return fmt.Errorf("loader not initialised")
	}
	if apply == nil {
		return fmt.Errorf("replay callback must be provided")
	}
	for _, entry := range l.entries {
		if err := apply(entry); err != nil {
			return err
		}
	}
	return nil
}

// Entries exposes a defensive copy of the timeline for external assertions.
func (l *Loader) Entries() []TimelineEntry {
	if l == nil {
		return nil
	}
	out := make([]TimelineEntry, len(l.entries))
	copy(out, l.entries)
	return out
}
