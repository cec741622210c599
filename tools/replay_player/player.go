package replayplayer

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/zstd"

	"driftpursuit/broker/internal/replay"
)

// DeliveryEvent represents a single delivery lifecycle event decoded from
// the audit trail's JSONL log.
type DeliveryEvent struct {
	CapturedAt  time.Time
	Type        string
	TimestampMs int64
	Sequence    uint32
	Detail      string
}

// BacklogSample represents a single registry-wide queue depth observation
// decoded from the binary backlog stream.
type BacklogSample struct {
	CapturedAt   time.Time
	SessionCount uint64
	StrongDepth  uint64
	SoftDepth    uint64
}

// ReplayBundle loads the manifest, delivery events and backlog samples of
// one audit bundle for inspection.
func ReplayBundle(path string) (replay.Manifest, []DeliveryEvent, []BacklogSample, error) {
	if path == "" {
		return replay.Manifest{}, nil, nil, fmt.Errorf("path is required")
	}

	//1.- Locate the manifest so downstream parsing reuses relative asset paths.
	manifestPath := path
	info, err := os.Stat(path)
	if err != nil {
		return replay.Manifest{}, nil, nil, err
	}
	if info.IsDir() {
		manifestPath = filepath.Join(path, "manifest.json")
	}
	manifestDir := filepath.Dir(manifestPath)

	manifestBytes, err := os.ReadFile(manifestPath)
	if err != nil {
		return replay.Manifest{}, nil, nil, err
	}
	var manifest replay.Manifest
	if err := json.Unmarshal(manifestBytes, &manifest); err != nil {
		return replay.Manifest{}, nil, nil, err
	}
	if manifest.Version != 1 {
		return replay.Manifest{}, nil, nil, fmt.Errorf("unsupported manifest version %d", manifest.Version)
	}

	//2.- Decode events first so validation tools can reconstruct the delivery timeline.
	events, err := loadEvents(filepath.Join(manifestDir, manifest.EventsPath))
	if err != nil {
		return replay.Manifest{}, nil, nil, err
	}

	//3.- Decode backlog samples afterwards because they are only needed for capacity review.
	samples, err := loadBacklogSamples(filepath.Join(manifestDir, manifest.BacklogsPath))
	if err != nil {
		return replay.Manifest{}, nil, nil, err
	}

	return manifest, events, samples, nil
}

func loadEvents(path string) ([]DeliveryEvent, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	reader := snappy.NewReader(file)
	scanner := bufio.NewScanner(reader)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	var events []DeliveryEvent
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		//1.- Decode the JSON line the audit recorder wrote for one lifecycle event.
		var raw struct {
			CapturedAt  string `json:"captured_at"`
			Type        string `json:"type"`
			TimestampMs int64  `json:"timestamp_ms"`
			Sequence    uint32 `json:"sequence"`
			Detail      string `json:"detail,omitempty"`
		}
		if err := json.Unmarshal([]byte(line), &raw); err != nil {
			return nil, err
		}
		captured, err := time.Parse(time.RFC3339Nano, raw.CapturedAt)
		if err != nil {
			return nil, err
		}
		events = append(events, DeliveryEvent{
			CapturedAt:  captured,
			Type:        raw.Type,
			TimestampMs: raw.TimestampMs,
			Sequence:    raw.Sequence,
			Detail:      raw.Detail,
		})
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return events, nil
}

// backlogRecordSize is the fixed-width encoding Writer.flushLocked emits
// per sample: capturedAt, sessionCount, strongDepth, softDepth, each a
// little-endian uint64.
const backlogRecordSize = 8 + 8 + 8 + 8

func loadBacklogSamples(path string) ([]BacklogSample, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	reader, err := zstd.NewReader(file)
	if err != nil {
		return nil, err
	}
	defer reader.Close()

	payload, err := io.ReadAll(reader)
	if err != nil {
		return nil, err
	}

	var samples []BacklogSample
	offset := 0
	for offset+backlogRecordSize <= len(payload) {
		capturedAt := int64(binary.LittleEndian.Uint64(payload[offset : offset+8]))
		offset += 8
		sessionCount := binary.LittleEndian.Uint64(payload[offset : offset+8])
		offset += 8
		strongDepth := binary.LittleEndian.Uint64(payload[offset : offset+8])
		offset += 8
		softDepth := binary.LittleEndian.Uint64(payload[offset : offset+8])
		offset += 8
		samples = append(samples, BacklogSample{
			CapturedAt:   time.Unix(0, capturedAt).UTC(),
			SessionCount: sessionCount,
			StrongDepth:  strongDepth,
			SoftDepth:    softDepth,
		})
	}
	return samples, nil
}
