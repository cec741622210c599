package wsapi

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"driftpursuit/broker/internal/delivery"
	"driftpursuit/broker/internal/logging"
	"github.com/gorilla/websocket/websockettest"
)

func testRegistry() *delivery.Registry {
	return delivery.NewRegistry(delivery.RegistryConfig{
		Session: delivery.SessionConfig{
			LockTimeout:  200 * time.Millisecond,
			PingInterval: time.Minute,
			Logger:       logging.NewTestLogger(),
		},
		GraceWindow: time.Minute,
	})
}

func TestServeWSDeliversEnqueuedMessage(t *testing.T) {
	registry := testRegistry()
	server := NewServer(Config{PingInterval: time.Minute}, registry, AllowAllAuthenticator{}, nil, nil, logging.NewTestLogger())

	httpServer := httptest.NewServer(http.HandlerFunc(server.ServeWS))
	defer httpServer.Close()

	session := registry.LookupOrCreate(delivery.Identity{User: "pilot-7", GUID: "abc123"})
	session.Enqueue(json.RawMessage(`{"n":1}`), time.Minute, time.Minute)

	wsURL := "ws" + strings.TrimPrefix(httpServer.URL, "http") + "/ws?user=pilot-7&guid=abc123"
	conn, _, err := websockettest.DialIgnoringPongs(wsURL, nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer conn.Close()

	session.Flush()

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read message: %v", err)
	}
	var envelope delivery.Envelope
	if err := json.Unmarshal(msg, &envelope); err != nil {
		t.Fatalf("unmarshal envelope: %v", err)
	}
	if string(envelope.Data) != `{"n":1}` {
		t.Fatalf("unexpected payload: %s", envelope.Data)
	}
}

func TestServeWSRejectsMissingGUID(t *testing.T) {
	registry := testRegistry()
	server := NewServer(Config{}, registry, AllowAllAuthenticator{}, nil, nil, logging.NewTestLogger())

	httpServer := httptest.NewServer(http.HandlerFunc(server.ServeWS))
	defer httpServer.Close()

	resp, err := http.Get(httpServer.URL + "/ws?user=pilot-7")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.StatusCode)
	}
}

func TestServePollReturnsEmptyArrayWhenNothingPending(t *testing.T) {
	registry := testRegistry()
	server := NewServer(Config{MaxBatchWait: 50 * time.Millisecond}, registry, AllowAllAuthenticator{}, nil, nil, logging.NewTestLogger())

	httpServer := httptest.NewServer(http.HandlerFunc(server.ServePoll))
	defer httpServer.Close()

	start := time.Now()
	resp, err := http.Get(httpServer.URL + "/poll?user=pilot-7&guid=abc123")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()
	elapsed := time.Since(start)

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var body []json.RawMessage
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if len(body) != 0 {
		t.Fatalf("expected empty array, got %d elements", len(body))
	}
	if elapsed < 50*time.Millisecond {
		t.Fatalf("expected the handler to wait out MaxBatchWait, got %v", elapsed)
	}
}

func TestServePollDeliversAlreadyPendingMessageImmediately(t *testing.T) {
	registry := testRegistry()
	server := NewServer(Config{MaxBatchWait: 2 * time.Second}, registry, AllowAllAuthenticator{}, nil, nil, logging.NewTestLogger())

	httpServer := httptest.NewServer(http.HandlerFunc(server.ServePoll))
	defer httpServer.Close()

	session := registry.LookupOrCreate(delivery.Identity{User: "pilot-7", GUID: "abc123"})
	session.Enqueue(json.RawMessage(`{"n":1}`), time.Minute, time.Minute)

	start := time.Now()
	resp, err := http.Get(httpServer.URL + "/poll?user=pilot-7&guid=abc123")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()
	elapsed := time.Since(start)

	var body []delivery.Envelope
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if len(body) != 1 || string(body[0].Data) != `{"n":1}` {
		t.Fatalf("unexpected body: %+v", body)
	}
	if elapsed > time.Second {
		t.Fatalf("expected an immediate response, took %v", elapsed)
	}
}
