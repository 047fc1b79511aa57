package web

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"rgbw-link/internal/protocol"
	"rgbw-link/internal/session"
)

func newTestHub() *WSHub {
	return NewWSHub(testLogger())
}

func clientCount(hub *WSHub) int {
	hub.mu.Lock()
	defer hub.mu.Unlock()
	return len(hub.clients)
}

func recvEvent(t *testing.T, c *wsClient) (session.Event, bool) {
	t.Helper()
	select {
	case msg, ok := <-c.send:
		if !ok {
			return session.Event{}, false
		}
		var ev session.Event
		if err := json.Unmarshal(msg, &ev); err != nil {
			t.Fatalf("unmarshal %s: %v", msg, err)
		}
		return ev, true
	case <-time.After(time.Second):
		return session.Event{}, false
	}
}

func TestWSHubAddRemove(t *testing.T) {
	hub := newTestHub()
	go hub.Run()
	defer hub.Stop()

	client := newWSClient(nil, nil)
	if !hub.add(client) {
		t.Fatal("add rejected on a running hub")
	}
	if n := clientCount(hub); n != 1 {
		t.Fatalf("clients = %d, want 1", n)
	}

	hub.remove(client)
	if n := clientCount(hub); n != 0 {
		t.Fatalf("clients = %d, want 0", n)
	}
	if _, ok := <-client.send; ok {
		t.Error("send should be closed after remove")
	}

	// A second remove is a no-op rather than a double close.
	hub.remove(client)
}

func TestWSHubBroadcast(t *testing.T) {
	hub := newTestHub()
	go hub.Run()
	defer hub.Stop()

	c1 := newWSClient(nil, nil)
	c2 := newWSClient(nil, nil)
	hub.add(c1)
	hub.add(c2)

	hub.Broadcast(session.Event{Type: session.EventLive, Data: "#ff8000"})

	for i, c := range []*wsClient{c1, c2} {
		ev, ok := recvEvent(t, c)
		if !ok {
			t.Fatalf("client %d did not receive broadcast", i)
		}
		if ev.Type != session.EventLive || ev.Data != "#ff8000" {
			t.Errorf("client %d got %+v", i, ev)
		}
	}
}

func TestWSHubTopicFilter(t *testing.T) {
	hub := newTestHub()
	go hub.Run()
	defer hub.Stop()

	liveOnly := newWSClient(nil, map[string]bool{session.EventLive: true})
	all := newWSClient(nil, nil)
	hub.add(liveOnly)
	hub.add(all)

	hub.Broadcast(session.Event{Type: session.EventState, Data: "ready"})
	hub.Broadcast(session.Event{Type: session.EventLive, Data: "#000001"})

	if ev, _ := recvEvent(t, all); ev.Type != session.EventState {
		t.Errorf("unfiltered client first event = %+v", ev)
	}
	if ev, _ := recvEvent(t, liveOnly); ev.Type != session.EventLive {
		t.Errorf("filtered client first event = %+v, want live", ev)
	}
}

func TestWSHubSlowClientEviction(t *testing.T) {
	hub := newTestHub()
	go hub.Run()
	defer hub.Stop()

	slow := &wsClient{send: make(chan []byte, 1)}
	fast := newWSClient(nil, nil)
	hub.add(slow)
	hub.add(fast)

	// The first event fills the slow client's buffer, the second evicts it.
	hub.Broadcast(session.Event{Type: session.EventLive, Data: "#000001"})
	hub.Broadcast(session.Event{Type: session.EventLive, Data: "#000002"})
	waitFor(t, "eviction", func() bool { return clientCount(hub) == 1 })

	hub.mu.Lock()
	_, fastPresent := hub.clients[fast]
	hub.mu.Unlock()
	if !fastPresent {
		t.Error("fast client should still be present")
	}
}

func TestWSHubBroadcastDropsWhenFull(t *testing.T) {
	hub := newTestHub()

	// Run is not started, so nothing drains the queue.
	for i := 0; i < wsEventBuffer; i++ {
		hub.Broadcast(session.Event{Type: session.EventLive})
	}

	done := make(chan struct{})
	go func() {
		hub.Broadcast(session.Event{Type: session.EventLive, Data: "overflow"})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(1 * time.Second):
		t.Error("Broadcast blocked when the queue is full")
	}
}

func TestWSHubStopIdempotent(t *testing.T) {
	hub := newTestHub()
	go hub.Run()

	hub.Stop()
	defer func() {
		if r := recover(); r != nil {
			t.Errorf("second Stop() panicked: %v", r)
		}
	}()
	hub.Stop()
}

func TestWSHubStopClosesClients(t *testing.T) {
	hub := newTestHub()
	go hub.Run()

	client := newWSClient(nil, nil)
	hub.add(client)
	hub.Stop()

	select {
	case _, ok := <-client.send:
		if ok {
			t.Error("client.send should be closed after hub stop")
		}
	case <-time.After(time.Second):
		t.Error("client.send not closed after hub stop")
	}

	waitFor(t, "stopped", func() bool {
		hub.mu.Lock()
		defer hub.mu.Unlock()
		return hub.stopped
	})
	if hub.add(newWSClient(nil, nil)) {
		t.Error("add should fail after stop")
	}
}

func TestParseTopics(t *testing.T) {
	tests := []struct {
		query   string
		want    int
		wantErr bool
	}{
		{"", 0, false},
		{"events=live", 1, false},
		{"events=live,%20presets", 2, false},
		{"events=live,bogus", 0, true},
	}
	for _, tt := range tests {
		r := httptest.NewRequest("GET", "/ws?"+tt.query, nil)
		topics, err := parseTopics(r)
		if (err != nil) != tt.wantErr {
			t.Errorf("%q: err = %v", tt.query, err)
			continue
		}
		if len(topics) != tt.want {
			t.Errorf("%q: topics = %v", tt.query, topics)
		}
	}
}

func readEvent(t *testing.T, ctx context.Context, conn *websocket.Conn) session.Event {
	t.Helper()
	var ev session.Event
	if err := wsjson.Read(ctx, conn, &ev); err != nil {
		t.Fatalf("ws read: %v", err)
	}
	return ev
}

func TestWSStreamsEventsAndLiveColor(t *testing.T) {
	env := setupTestServer(t)
	ts := httptest.NewServer(env.srv)
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(ts.URL, "http")+"/ws", nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	if ev := readEvent(t, ctx, conn); ev.Type != session.EventState || ev.Data != "idle" {
		t.Errorf("first event = %+v, want idle state snapshot", ev)
	}
	if ev := readEvent(t, ctx, conn); ev.Type != session.EventPresets {
		t.Errorf("second event = %+v, want presets snapshot", ev)
	}

	env.connect(t)
	for {
		ev := readEvent(t, ctx, conn)
		if ev.Type == session.EventState && ev.Data == "ready" {
			break
		}
	}

	waitFor(t, "idle link", func() bool { return env.status(t).Pending == "" })
	if err := wsjson.Write(ctx, conn, map[string]string{"type": "live", "color": "#ff00ff"}); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "live render", func() bool { return env.sim.Rendered() == protocol.RGBW{R: 255, B: 255} })

	for {
		ev := readEvent(t, ctx, conn)
		if ev.Type == session.EventLive {
			if ev.Data != "#ff00ff" {
				t.Errorf("live event = %v", ev.Data)
			}
			break
		}
	}
}

func TestWSFilteredStreamAndErrors(t *testing.T) {
	env := setupTestServer(t)
	ts := httptest.NewServer(env.srv)
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/ws?events=bogus")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("unknown topic status = %d, want 400", resp.StatusCode)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(ts.URL, "http")+"/ws?events=live", nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	// No snapshot for a live-only subscriber, so the first frame is the reply.
	if err := wsjson.Write(ctx, conn, map[string]string{"type": "live", "color": "purple"}); err != nil {
		t.Fatal(err)
	}
	if ev := readEvent(t, ctx, conn); ev.Type != "error" || ev.Data != "color must be #rrggbb" {
		t.Errorf("reply = %+v", ev)
	}

	if err := wsjson.Write(ctx, conn, map[string]string{"type": "save"}); err != nil {
		t.Fatal(err)
	}
	if ev := readEvent(t, ctx, conn); ev.Type != "error" {
		t.Errorf("reply = %+v, want error", ev)
	}
}
