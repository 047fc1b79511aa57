package web

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/lucasb-eyer/go-colorful"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"rgbw-link/internal/session"
)

const (
	wsSendBuffer  = 64
	wsEventBuffer = 256
	wsWriteWait   = 10 * time.Second
)

// Event types a client may subscribe to with ?events=a,b.
var wsTopics = map[string]bool{
	session.EventState:         true,
	session.EventConnection:    true,
	session.EventPresets:       true,
	session.EventCommandResult: true,
	session.EventLive:          true,
}

// WSHub fans session events out to WebSocket clients. Each event is encoded
// once. A client whose buffer is full is evicted.
type WSHub struct {
	logger   *slog.Logger
	events   chan session.Event
	done     chan struct{}
	stopOnce sync.Once

	mu      sync.Mutex
	clients map[*wsClient]struct{}
	stopped bool
}

type wsClient struct {
	conn   *websocket.Conn
	send   chan []byte
	topics map[string]bool // nil means every event type
}

func newWSClient(conn *websocket.Conn, topics map[string]bool) *wsClient {
	return &wsClient{conn: conn, send: make(chan []byte, wsSendBuffer), topics: topics}
}

func (c *wsClient) wants(eventType string) bool {
	return c.topics == nil || c.topics[eventType]
}

// NewWSHub creates a new WebSocket hub.
func NewWSHub(logger *slog.Logger) *WSHub {
	return &WSHub{
		logger:  logger,
		events:  make(chan session.Event, wsEventBuffer),
		done:    make(chan struct{}),
		clients: make(map[*wsClient]struct{}),
	}
}

// Run delivers events until Stop is called, then closes every client.
func (h *WSHub) Run() {
	for {
		select {
		case <-h.done:
			h.mu.Lock()
			h.stopped = true
			for c := range h.clients {
				delete(h.clients, c)
				close(c.send)
			}
			h.mu.Unlock()
			return
		case ev := <-h.events:
			h.fanOut(ev)
		}
	}
}

func (h *WSHub) fanOut(ev session.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		h.logger.Error("ws marshal", "type", ev.Type, "err", err)
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		if !c.wants(ev.Type) {
			continue
		}
		select {
		case c.send <- data:
		default:
			delete(h.clients, c)
			close(c.send)
			h.logger.Warn("ws client evicted (too slow)", "total", len(h.clients))
		}
	}
}

// add registers c. It reports false once the hub has stopped.
func (h *WSHub) add(c *wsClient) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.stopped {
		return false
	}
	h.clients[c] = struct{}{}
	h.logger.Debug("ws client connected", "total", len(h.clients))
	return true
}

// remove drops c and closes its send channel, unless the hub already did.
func (h *WSHub) remove(c *wsClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; !ok {
		return
	}
	delete(h.clients, c)
	close(c.send)
	h.logger.Debug("ws client disconnected", "total", len(h.clients))
}

// Stop signals the hub to shut down. Safe to call multiple times.
func (h *WSHub) Stop() {
	h.stopOnce.Do(func() {
		close(h.done)
	})
}

// Broadcast queues ev for delivery without blocking.
func (h *WSHub) Broadcast(ev session.Event) {
	select {
	case h.events <- ev:
	default:
		h.logger.Warn("ws event queue full, dropping event", "type", ev.Type)
	}
}

// parseTopics reads the optional ?events= filter.
func parseTopics(r *http.Request) (map[string]bool, error) {
	raw := r.URL.Query().Get("events")
	if raw == "" {
		return nil, nil
	}
	topics := make(map[string]bool)
	for _, t := range strings.Split(raw, ",") {
		t = strings.TrimSpace(t)
		if !wsTopics[t] {
			return nil, fmt.Errorf("unknown event type %q", t)
		}
		topics[t] = true
	}
	return topics, nil
}

// wsMessage is a command sent by a client over the socket.
type wsMessage struct {
	Type  string `json:"type"`
	Color string `json:"color,omitempty"`
}

const (
	wsLiveType  = "live"
	wsErrorType = "error"
)

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	topics, err := parseTopics(r)
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	opts := &websocket.AcceptOptions{}
	if len(s.allowedOrigins) > 0 {
		opts.OriginPatterns = s.allowedOrigins
	}
	conn, err := websocket.Accept(w, r, opts)
	if err != nil {
		s.logger.Error("ws accept", "err", err)
		return
	}
	conn.SetReadLimit(4096)

	client := newWSClient(conn, topics)
	// The snapshot goes in before the client joins the hub, so it precedes
	// any live event.
	snapCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	s.queueSnapshot(snapCtx, client)
	cancel()

	if !s.wsHub.add(client) {
		conn.Close(websocket.StatusGoingAway, "server shutdown")
		return
	}

	go s.wsWritePump(client)
	s.wsReadPump(client)
}

// queueSnapshot sends the current state and presets to a new client.
func (s *Server) queueSnapshot(ctx context.Context, client *wsClient) {
	st, err := s.sess.Status(ctx)
	if err != nil {
		return
	}
	presets, err := s.sess.Presets(ctx)
	if err != nil {
		return
	}
	for _, ev := range []session.Event{
		{Type: session.EventState, Data: st.State.String()},
		{Type: session.EventPresets, Data: presets},
	} {
		if !client.wants(ev.Type) {
			continue
		}
		if data, err := json.Marshal(ev); err == nil {
			client.send <- data
		}
	}
}

func (s *Server) wsWritePump(client *wsClient) {
	for msg := range client.send {
		ctx, cancel := context.WithTimeout(context.Background(), wsWriteWait)
		err := client.conn.Write(ctx, websocket.MessageText, msg)
		cancel()
		if err != nil {
			return
		}
	}
	// Channel closed by the hub.
	client.conn.Close(websocket.StatusNormalClosure, "")
}

// wsReadPump applies live color messages until the connection closes.
// Failures are answered with an error event on the same socket.
func (s *Server) wsReadPump(client *wsClient) {
	defer s.wsHub.remove(client)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		select {
		case <-s.wsHub.done:
			cancel()
		case <-ctx.Done():
		}
	}()

	for {
		var msg wsMessage
		// wsjson.Read closes the connection on malformed JSON.
		if err := wsjson.Read(ctx, client.conn, &msg); err != nil {
			return
		}
		if msg.Type != wsLiveType {
			s.wsReply(ctx, client, fmt.Sprintf("unsupported message type %q", msg.Type))
			continue
		}
		c, err := colorful.Hex(msg.Color)
		if err != nil {
			s.wsReply(ctx, client, "color must be #rrggbb")
			continue
		}
		if err := s.sess.SetLiveColor(ctx, c); err != nil {
			s.wsReply(ctx, client, err.Error())
		}
	}
}

// wsReply writes an error event directly; Conn.Write is safe alongside the
// write pump.
func (s *Server) wsReply(ctx context.Context, client *wsClient, text string) {
	ctx, cancel := context.WithTimeout(ctx, wsWriteWait)
	defer cancel()
	if err := wsjson.Write(ctx, client.conn, session.Event{Type: wsErrorType, Data: text}); err != nil {
		s.logger.Debug("ws reply", "err", err)
	}
}
