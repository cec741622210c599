package delivery

import (
	"encoding/json"
	"testing"
	"time"
)

func TestCoordOrdering(t *testing.T) {
	cases := []struct {
		name string
		a, b Coord
		less bool
	}{
		{"earlier timestamp", Coord{TimestampMs: 1, Sequence: 5}, Coord{TimestampMs: 2, Sequence: 0}, true},
		{"same timestamp lower sequence", Coord{TimestampMs: 1, Sequence: 0}, Coord{TimestampMs: 1, Sequence: 1}, true},
		{"equal", Coord{TimestampMs: 1, Sequence: 1}, Coord{TimestampMs: 1, Sequence: 1}, false},
		{"later timestamp", Coord{TimestampMs: 3, Sequence: 0}, Coord{TimestampMs: 2, Sequence: 9}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.a.Less(tc.b); got != tc.less {
				t.Fatalf("Less() = %v, want %v", got, tc.less)
			}
		})
	}
}

func TestCoordLessOrEqual(t *testing.T) {
	a := Coord{TimestampMs: 10, Sequence: 3}
	if !a.LessOrEqual(a) {
		t.Fatal("expected a coord to be <= itself")
	}
	if !a.LessOrEqual(Coord{TimestampMs: 10, Sequence: 4}) {
		t.Fatal("expected lower sequence at same timestamp to be <=")
	}
	if a.LessOrEqual(Coord{TimestampMs: 9, Sequence: 99}) {
		t.Fatal("did not expect later timestamp to be <= earlier")
	}
}

func TestMessageEnvelope(t *testing.T) {
	coord := Coord{TimestampMs: 1700000000000, Sequence: 7}
	payload := json.RawMessage(`{"kind":"tick"}`)
	m := NewMessage(coord, payload, time.Now(), time.Now())

	env := m.Envelope()
	if env.Metadata.TimestampMs != coord.TimestampMs || env.Metadata.Sequence != coord.Sequence {
		t.Fatalf("envelope metadata mismatch: got %+v", env.Metadata)
	}

	encoded, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("marshal envelope: %v", err)
	}
	var decoded map[string]json.RawMessage
	if err := json.Unmarshal(encoded, &decoded); err != nil {
		t.Fatalf("unmarshal envelope: %v", err)
	}
	if _, ok := decoded["metadata"]; !ok {
		t.Fatal("expected top-level metadata field")
	}
	if _, ok := decoded["data"]; !ok {
		t.Fatal("expected top-level data field")
	}
}
