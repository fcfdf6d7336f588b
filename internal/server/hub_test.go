package server_test

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/hazz-dev/egresspool/internal/registry"
	"github.com/hazz-dev/egresspool/internal/server"
)

const testInterval = 20 * time.Millisecond

// startStream serves the full router with a running hub and returns the
// stream URL.
func startStream(t *testing.T, reg *registry.Registry) (string, *server.Hub) {
	t.Helper()
	hub := server.NewHub(testInterval, nil)
	srv := server.New(reg, &mockFetcher{}, nil, nil, hub, server.Options{MinScore: 50}, nil)
	hub.SetSnapshot(srv.StatsSnapshot)

	ctx, cancel := context.WithCancel(context.Background())
	ts := httptest.NewServer(srv.Router())
	go hub.Run(ctx)
	t.Cleanup(func() {
		cancel()
		ts.Close()
	})
	return "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/stream", hub
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", url, err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

type streamMessage struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

func readMessage(t *testing.T, conn *websocket.Conn) streamMessage {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, raw, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	var msg streamMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	return msg
}

func TestStream_SendsStatsOnConnect(t *testing.T) {
	reg := registry.New(registry.Options{})
	reg.Add(key("10.0.0.1:3128"))
	url, _ := startStream(t, reg)

	msg := readMessage(t, dial(t, url))
	if msg.Event != "stats" {
		t.Fatalf("expected stats event, got %q", msg.Event)
	}
	var st struct {
		Total    int `json:"total"`
		Eligible int `json:"eligible"`
	}
	if err := json.Unmarshal(msg.Data, &st); err != nil {
		t.Fatal(err)
	}
	if st.Total != 1 || st.Eligible != 1 {
		t.Errorf("unexpected stats payload: %+v", st)
	}
}

func TestStream_PeriodicBroadcast(t *testing.T) {
	url, _ := startStream(t, registry.New(registry.Options{}))
	conn := dial(t, url)

	readMessage(t, conn) // on-connect frame
	if msg := readMessage(t, conn); msg.Event != "stats" {
		t.Errorf("expected periodic stats event, got %q", msg.Event)
	}
}

func TestStream_Publish(t *testing.T) {
	url, hub := startStream(t, registry.New(registry.Options{}))
	conn := dial(t, url)
	readMessage(t, conn)

	deadline := time.Now().Add(2 * time.Second)
	for hub.Count() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("client never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	hub.Publish("sweep", map[string]int{"evicted": 3})
	for i := 0; i < 10; i++ {
		msg := readMessage(t, conn)
		if msg.Event == "sweep" {
			if !strings.Contains(string(msg.Data), `"evicted":3`) {
				t.Errorf("unexpected sweep payload: %s", msg.Data)
			}
			return
		}
	}
	t.Error("published event was not delivered")
}

func TestStream_CountDropsOnDisconnect(t *testing.T) {
	url, hub := startStream(t, registry.New(registry.Options{}))
	conn := dial(t, url)
	readMessage(t, conn)
	conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for hub.Count() != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("expected 0 clients after disconnect, got %d", hub.Count())
		}
		time.Sleep(10 * time.Millisecond)
	}
}
