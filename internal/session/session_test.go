package session

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/lucasb-eyer/go-colorful"

	"rgbw-link/internal/link"
	"rgbw-link/internal/protocol"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

// fakeTransport records sent frames; tests deliver replies by hand.
type fakeTransport struct {
	mu        sync.Mutex
	connected bool
	sent      [][]byte
}

func (f *fakeTransport) Connect(context.Context) error { f.connected = true; return nil }
func (f *fakeTransport) Disconnect() error             { f.connected = false; return nil }
func (f *fakeTransport) Close() error                  { return nil }
func (f *fakeTransport) OnConnected(func())            {}
func (f *fakeTransport) OnDisconnected(func(error))    {}
func (f *fakeTransport) OnData(func([]byte))           {}

func (f *fakeTransport) Connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeTransport) Send(p []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.connected {
		return link.ErrNotConnected
	}
	f.sent = append(f.sent, append([]byte(nil), p...))
	return nil
}

func (f *fakeTransport) requests(t *testing.T) []protocol.Request {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]protocol.Request, 0, len(f.sent))
	for _, raw := range f.sent {
		req, err := protocol.DecodeRequest(raw)
		if err != nil {
			t.Fatalf("session sent undecodable frame %X: %v", raw, err)
		}
		out = append(out, req)
	}
	return out
}

func (f *fakeTransport) last(t *testing.T) protocol.Request {
	t.Helper()
	reqs := f.requests(t)
	if len(reqs) == 0 {
		t.Fatal("nothing sent")
	}
	return reqs[len(reqs)-1]
}

type testClock struct{ t time.Time }

func (c *testClock) now() time.Time          { return c.t }
func (c *testClock) advance(d time.Duration) { c.t = c.t.Add(d) }

type harness struct {
	s      *Session
	ft     *fakeTransport
	clock  *testClock
	events []Event
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	h := &harness{ft: &fakeTransport{connected: true}, clock: &testClock{t: time.Unix(1700000000, 0)}}
	bus := NewEventBus(newTestLogger())
	bus.OnAll(func(e Event) { h.events = append(h.events, e) })
	h.s = New(h.ft, bus, nil, cfg, newTestLogger())
	h.s.now = h.clock.now
	return h
}

func (h *harness) reply(cmd protocol.Command, ok bool, payload ...byte) {
	h.s.handleData(protocol.EncodeReply(cmd, ok, payload))
}

func (h *harness) expectLast(t *testing.T, want protocol.Request) {
	t.Helper()
	if got := h.ft.last(t); got != want {
		t.Fatalf("last sent = %s, want %s", got, want)
	}
}

func (h *harness) expectState(t *testing.T, want State) {
	t.Helper()
	if h.s.state != want {
		t.Fatalf("state = %s, want %s", h.s.state, want)
	}
}

func (h *harness) sentCount(t *testing.T) int {
	t.Helper()
	return len(h.ft.requests(t))
}

func (h *harness) results() []CommandResult {
	var out []CommandResult
	for _, e := range h.events {
		if e.Type == EventCommandResult {
			out = append(out, e.Data.(CommandResult))
		}
	}
	return out
}

var (
	redList   = []byte{255, 0, 0, 0, 0, 255, 0, 0, 0, 0, 0, 0}
	threeList = []byte{255, 0, 0, 0, 0, 255, 0, 0, 0, 0, 255, 0}
)

// ready drives a full handshake with the given List payload and current slot.
func (h *harness) ready(t *testing.T, list []byte, current byte) {
	t.Helper()
	h.s.handleConnected()
	h.expectLast(t, protocol.PingRequest())
	h.reply(protocol.CmdPing, true)
	h.expectLast(t, protocol.ListRequest())
	h.reply(protocol.CmdList, true, list...)
	h.expectLast(t, protocol.CurrentRequest())
	h.reply(protocol.CmdCurrent, true, current)
	h.expectState(t, StateReady)
}

func TestHandshake(t *testing.T) {
	h := newHarness(t, Config{})

	h.s.handleConnected()
	h.expectState(t, StateAwaitingPing)
	h.expectLast(t, protocol.PingRequest())

	h.reply(protocol.CmdPing, true)
	h.expectState(t, StateAwaitingList)

	h.reply(protocol.CmdList, true, redList...)
	h.expectState(t, StateAwaitingCurrent)
	if h.s.presets.Len() != 2 {
		t.Fatalf("presets = %d, want 2", h.s.presets.Len())
	}

	h.reply(protocol.CmdCurrent, true, 1)
	h.expectState(t, StateReady)

	view := h.s.presets.View()
	if view[0].Current || !view[1].Current {
		t.Errorf("current flags = %v,%v want false,true", view[0].Current, view[1].Current)
	}
	if len(h.s.presets.Dirty()) != 0 {
		t.Errorf("dirty after list = %v", h.s.presets.Dirty())
	}
	if view[1].Hex != "#00ff00" {
		t.Errorf("preset 1 = %s", view[1].Hex)
	}
	if n := len(h.results()); n != 3 {
		t.Errorf("command results = %d, want 3", n)
	}
	if h.sentCount(t) != 3 {
		t.Errorf("sent %d requests, want 3", h.sentCount(t))
	}
}

func TestHandshakeChunked(t *testing.T) {
	h := newHarness(t, Config{})
	h.s.handleConnected()

	var stream []byte
	stream = append(stream, protocol.EncodeReply(protocol.CmdPing, true, nil)...)
	for _, b := range stream {
		h.s.handleData([]byte{b})
	}
	h.expectState(t, StateAwaitingList)

	list := protocol.EncodeReply(protocol.CmdList, true, redList)
	h.s.handleData(list[:5])
	h.s.handleData(list[5:])
	h.expectState(t, StateAwaitingCurrent)
}

func TestPingFailure(t *testing.T) {
	h := newHarness(t, Config{})
	h.s.handleConnected()
	h.reply(protocol.CmdPing, false)

	h.expectState(t, StateIdle)
	if h.sentCount(t) != 1 {
		t.Errorf("sent %d requests, want only the ping", h.sentCount(t))
	}
	var ce *CommandError
	if !errors.As(h.s.lastErr, &ce) || ce.Command != protocol.CmdPing {
		t.Errorf("lastErr = %v, want Ping CommandError", h.s.lastErr)
	}
	if !errors.Is(h.s.lastErr, ErrCommandFailed) {
		t.Error("CommandError does not wrap ErrCommandFailed")
	}
	if err := h.s.refresh(); !errors.Is(err, ErrTransportUnready) {
		t.Errorf("refresh while idle: err = %v", err)
	}
}

func TestListFailureDegraded(t *testing.T) {
	h := newHarness(t, Config{})
	h.s.handleConnected()
	h.reply(protocol.CmdPing, true)
	h.reply(protocol.CmdList, false)

	h.expectState(t, StateReady)
	h.expectLast(t, protocol.ListRequest())
	if !h.s.status().Degraded {
		t.Error("not degraded after List failure")
	}
	if h.s.presets.Len() != 0 {
		t.Errorf("presets = %d", h.s.presets.Len())
	}
}

func TestCurrentFailureAndOutOfRange(t *testing.T) {
	h := newHarness(t, Config{})
	h.s.handleConnected()
	h.reply(protocol.CmdPing, true)
	h.reply(protocol.CmdList, true, redList...)
	h.reply(protocol.CmdCurrent, false)
	h.expectState(t, StateReady)
	if _, ok := h.s.presets.Current(); ok {
		t.Error("current preset set after Current failure")
	}

	if err := h.s.refresh(); err != nil {
		t.Fatal(err)
	}
	h.reply(protocol.CmdList, true, redList...)
	h.reply(protocol.CmdCurrent, true, 9)
	h.expectState(t, StateReady)
	if _, ok := h.s.presets.Current(); ok {
		t.Error("current preset set for a slot outside the list")
	}
	if h.s.status().Current != -1 {
		t.Errorf("status current = %d", h.s.status().Current)
	}
}

func TestSaveStopsOnSetFailure(t *testing.T) {
	h := newHarness(t, Config{})
	h.ready(t, redList, 0)
	_ = h.s.presets.MarkDirty(0)
	_ = h.s.presets.MarkDirty(1)

	if err := h.s.startSave(); err != nil {
		t.Fatal(err)
	}
	h.expectState(t, StateAwaitingSet)
	h.expectLast(t, protocol.SetRequest(0, protocol.RGBW{R: 255}))

	h.reply(protocol.CmdSet, true)
	h.expectLast(t, protocol.SetRequest(1, protocol.RGBW{G: 255}))
	if p, _ := h.s.presets.At(0); p.Dirty {
		t.Error("preset 0 still dirty after Set ok")
	}

	before := h.sentCount(t)
	h.reply(protocol.CmdSet, false)
	h.expectState(t, StateReady)
	if h.sentCount(t) != before {
		t.Errorf("sent %s after a failed Set", h.ft.last(t))
	}
	if p, _ := h.s.presets.At(1); !p.Dirty {
		t.Error("preset 1 clean after failed Set")
	}
	if h.s.save != nil {
		t.Error("save job survived a failure")
	}
	if !errors.Is(h.s.lastErr, ErrCommandFailed) {
		t.Errorf("lastErr = %v", h.s.lastErr)
	}
}

func TestSaveWritesAfterAllSets(t *testing.T) {
	h := newHarness(t, Config{})
	h.ready(t, threeList, 0)

	if err := h.s.removePreset(0); err != nil {
		t.Fatal(err)
	}
	if err := h.s.startSave(); err != nil {
		t.Fatal(err)
	}
	want := []protocol.Request{
		protocol.SetRequest(0, protocol.RGBW{G: 255}),
		protocol.SetRequest(1, protocol.RGBW{B: 255}),
		protocol.SetRequest(2, protocol.RGBW{}),
	}
	for _, req := range want {
		h.expectLast(t, req)
		if err := h.s.startSave(); !errors.Is(err, ErrRequestPending) {
			t.Errorf("second save during %s: err = %v", req, err)
		}
		h.reply(protocol.CmdSet, true)
	}
	h.expectLast(t, protocol.WriteRequest())
	h.expectState(t, StateAwaitingWrite)

	h.reply(protocol.CmdWrite, true)
	h.expectState(t, StateReady)
	if st := h.s.status(); st.Dirty != 0 {
		t.Errorf("dirty after write = %d", st.Dirty)
	}
}

func TestSaveWriteFailureKeepsDirty(t *testing.T) {
	h := newHarness(t, Config{})
	h.ready(t, threeList, 0)
	_ = h.s.presets.SetColor(1, colorful.Color{B: 1})
	_ = h.s.removePreset(2)

	if err := h.s.startSave(); err != nil {
		t.Fatal(err)
	}
	h.expectLast(t, protocol.SetRequest(1, protocol.RGBW{B: 255}))
	h.reply(protocol.CmdSet, true)
	h.expectLast(t, protocol.SetRequest(2, protocol.RGBW{}))
	h.reply(protocol.CmdSet, true)
	h.expectLast(t, protocol.WriteRequest())
	h.reply(protocol.CmdWrite, false)
	h.expectState(t, StateReady)

	if got := h.s.presets.Dirty(); len(got) != 1 || got[0] != 1 {
		t.Errorf("dirty after Write failure = %v, want [1]", got)
	}
	if got := h.s.presets.Vacated(); len(got) != 1 || got[0] != 2 {
		t.Errorf("vacated after Write failure = %v, want [2]", got)
	}
	if st := h.s.status(); st.Dirty != 2 || st.Saving {
		t.Errorf("status = %+v", st)
	}

	// A retry resends both and commits them.
	if err := h.s.startSave(); err != nil {
		t.Fatal(err)
	}
	h.expectLast(t, protocol.SetRequest(1, protocol.RGBW{B: 255}))
	h.reply(protocol.CmdSet, true)
	h.expectLast(t, protocol.SetRequest(2, protocol.RGBW{}))
	h.reply(protocol.CmdSet, true)
	h.reply(protocol.CmdWrite, true)
	if st := h.s.status(); st.Dirty != 0 {
		t.Errorf("dirty after retried save = %d", st.Dirty)
	}
}

func TestSaveWriteTimeoutKeepsDirty(t *testing.T) {
	h := newHarness(t, Config{})
	h.ready(t, redList, 0)
	_ = h.s.presets.SetColor(0, colorful.Color{G: 1})

	_ = h.s.startSave()
	h.reply(protocol.CmdSet, true)
	h.expectState(t, StateAwaitingWrite)
	if len(h.s.presets.Dirty()) != 0 {
		t.Fatalf("dirty before Write = %v", h.s.presets.Dirty())
	}

	h.clock.advance(DefaultRequestTimeout)
	h.s.tick()
	h.expectState(t, StateReady)
	if h.s.save != nil {
		t.Error("save job survived a Write timeout")
	}
	if got := h.s.presets.Dirty(); len(got) != 1 || got[0] != 0 {
		t.Errorf("dirty after Write timeout = %v, want [0]", got)
	}
	if !errors.Is(h.s.lastErr, ErrRequestTimedOut) {
		t.Errorf("lastErr = %v", h.s.lastErr)
	}
}

func TestSaveDisconnectKeepsDirty(t *testing.T) {
	h := newHarness(t, Config{})
	h.ready(t, redList, 0)
	_ = h.s.presets.MarkDirty(0)
	_ = h.s.presets.MarkDirty(1)

	_ = h.s.startSave()
	h.reply(protocol.CmdSet, true)
	h.s.handleDisconnected(errors.New("radio gone"))
	if got := h.s.presets.Dirty(); len(got) != 2 {
		t.Errorf("dirty after disconnect mid-save = %v, want [0 1]", got)
	}
}

func TestSaveNothingDirty(t *testing.T) {
	h := newHarness(t, Config{})
	h.ready(t, redList, 0)
	before := h.sentCount(t)
	if err := h.s.startSave(); err != nil {
		t.Fatal(err)
	}
	if h.sentCount(t) != before {
		t.Error("save with nothing dirty sent a request")
	}
}

func TestBusyDropPolicy(t *testing.T) {
	h := newHarness(t, Config{})
	h.ready(t, redList, 0)

	if err := h.s.selectCurrent(1); err != nil {
		t.Fatal(err)
	}
	h.expectLast(t, protocol.RenderSlotRequest(1))
	before := h.sentCount(t)

	err := h.s.selectCurrent(0)
	if !errors.Is(err, ErrRequestPending) {
		t.Fatalf("err = %v, want ErrRequestPending", err)
	}
	if h.sentCount(t) != before {
		t.Error("dropped request was sent")
	}
	if i, ok := h.s.presets.Current(); !ok || i != 1 {
		t.Errorf("current = %d,%v after dropped select, want 1", i, ok)
	}
	if st := h.s.status(); st.Live != "#00ff00" {
		t.Errorf("live = %q after dropped select, want #00ff00", st.Live)
	}
	// The render tick must not show the rejected slot either.
	h.reply(protocol.CmdRender, true)
	h.s.tick()
	if h.sentCount(t) != before {
		t.Errorf("tick after dropped select sent %s", h.ft.last(t))
	}

	_ = h.s.refresh()
	if err := h.s.refresh(); !errors.Is(err, ErrRequestPending) {
		t.Errorf("refresh: err = %v", err)
	}
	if err := h.s.startSave(); !errors.Is(err, ErrRequestPending) && err != nil {
		t.Errorf("save: err = %v", err)
	}
}

func TestBusyQueuePolicy(t *testing.T) {
	h := newHarness(t, Config{QueueRequests: true, QueueDepth: 1})
	h.ready(t, redList, 0)

	_ = h.s.selectCurrent(1)
	if err := h.s.selectCurrent(0); err != nil {
		t.Fatalf("queued select: %v", err)
	}
	if err := h.s.refresh(); !errors.Is(err, ErrRequestPending) {
		t.Errorf("over-depth refresh: err = %v", err)
	}
	if h.s.status().Queued != 1 {
		t.Errorf("queued = %d", h.s.status().Queued)
	}

	h.reply(protocol.CmdRender, true)
	h.expectLast(t, protocol.RenderSlotRequest(0))
	h.expectState(t, StateAwaitingRender)
	if h.s.status().Queued != 0 {
		t.Error("queue not drained")
	}
}

func TestTimeoutDuringPing(t *testing.T) {
	h := newHarness(t, Config{RequestTimeout: 8 * time.Second})
	h.s.handleConnected()

	h.clock.advance(7 * time.Second)
	h.s.tick()
	h.expectState(t, StateAwaitingPing)

	h.clock.advance(time.Second)
	h.s.tick()
	h.expectState(t, StateIdle)
	if !errors.Is(h.s.lastErr, ErrRequestTimedOut) {
		t.Errorf("lastErr = %v", h.s.lastErr)
	}

	// A late reply is unsolicited and ignored.
	h.reply(protocol.CmdPing, true)
	h.expectState(t, StateIdle)
	if h.sentCount(t) != 1 {
		t.Errorf("late ping reply triggered %s", h.ft.last(t))
	}
}

func TestTimeoutAbortsSave(t *testing.T) {
	h := newHarness(t, Config{})
	h.ready(t, redList, 0)
	_ = h.s.presets.MarkDirty(0)
	_ = h.s.presets.MarkDirty(1)
	_ = h.s.startSave()

	h.clock.advance(DefaultRequestTimeout)
	h.s.tick()
	h.expectState(t, StateReady)
	if h.s.save != nil || h.s.pending != nil {
		t.Error("save or pending survived a timeout")
	}
	if len(h.s.presets.Dirty()) != 2 {
		t.Errorf("dirty = %v", h.s.presets.Dirty())
	}
	res := h.results()
	if last := res[len(res)-1]; last.OK || last.Command != "Set" {
		t.Errorf("last result = %+v", last)
	}
}

func TestHandshakeListTimeoutDegrades(t *testing.T) {
	h := newHarness(t, Config{})
	h.s.handleConnected()
	h.reply(protocol.CmdPing, true)
	h.clock.advance(DefaultRequestTimeout)
	h.s.tick()
	h.expectState(t, StateReady)
	if !h.s.degraded {
		t.Error("not degraded after handshake List timeout")
	}
}

func TestDisconnectKeepsPresets(t *testing.T) {
	h := newHarness(t, Config{QueueRequests: true})
	h.ready(t, redList, 1)
	_ = h.s.refresh()
	_ = h.s.selectCurrent(0) // queued behind the List

	h.s.handleDisconnected(errors.New("radio gone"))
	h.expectState(t, StateIdle)
	if h.s.pending != nil || len(h.s.queue) != 0 {
		t.Error("pending or queue survived disconnect")
	}
	if h.s.presets.Len() != 2 {
		t.Errorf("presets = %d after disconnect, want 2", h.s.presets.Len())
	}
	var change ConnectionChange
	for _, e := range h.events {
		if e.Type == EventConnection {
			change = e.Data.(ConnectionChange)
		}
	}
	if change.Connected || change.Reason != "radio gone" {
		t.Errorf("connection event = %+v", change)
	}
}

func TestUnsolicitedReplies(t *testing.T) {
	h := newHarness(t, Config{})
	h.ready(t, redList, 0)
	before := h.sentCount(t)

	h.reply(protocol.CmdList, true, threeList...)
	if h.s.presets.Len() != 2 {
		t.Error("unsolicited List replaced presets")
	}

	_ = h.s.selectCurrent(1)
	h.reply(protocol.CmdPing, true)
	h.expectState(t, StateAwaitingRender)
	if h.s.pending == nil {
		t.Error("mismatched reply cleared the pending request")
	}
	if h.sentCount(t) != before+1 {
		t.Errorf("sent %d, want %d", h.sentCount(t), before+1)
	}
}

func TestLivePushLevelTriggered(t *testing.T) {
	h := newHarness(t, Config{})
	h.ready(t, redList, 0)
	red := protocol.RGBW{R: 255}

	// Slot 0 is red and already showing; nothing to push.
	before := h.sentCount(t)
	h.s.tick()
	if h.sentCount(t) != before {
		t.Fatalf("tick sent %s", h.ft.last(t))
	}

	blue := colorful.Color{B: 1}
	_ = h.s.setLiveColor(blue)
	h.expectLast(t, protocol.RenderColorRequest(protocol.RGBW{B: 255}))

	// Change again while the render is outstanding; the tick catches up.
	_ = h.s.setLiveColor(colorful.Color{R: 1})
	h.s.tick()
	h.expectLast(t, protocol.RenderColorRequest(protocol.RGBW{B: 255}))
	h.reply(protocol.CmdRender, true)
	h.s.tick()
	h.expectLast(t, protocol.RenderColorRequest(red))
	h.reply(protocol.CmdRender, true)

	n := h.sentCount(t)
	h.s.tick()
	h.s.tick()
	if h.sentCount(t) != n {
		t.Error("unchanged live color pushed again")
	}
}

func TestEditCurrentRendersImmediately(t *testing.T) {
	h := newHarness(t, Config{})
	h.ready(t, redList, 1)

	if err := h.s.editColor(0, colorful.Color{B: 1}); err != nil {
		t.Fatal(err)
	}
	h.expectLast(t, protocol.CurrentRequest()) // not current: no render

	if err := h.s.editColor(1, colorful.Color{R: 1, G: 1, B: 1}); err != nil {
		t.Fatal(err)
	}
	h.expectLast(t, protocol.RenderColorRequest(protocol.RGBW{R: 255, G: 255, B: 255, W: 255}))
	if got := h.s.presets.Dirty(); len(got) != 2 {
		t.Errorf("dirty = %v", got)
	}
	if err := h.s.editColor(5, colorful.Color{}); err == nil {
		t.Error("edit out of range succeeded")
	}
}

func TestAddAndRemoveWithoutLink(t *testing.T) {
	h := newHarness(t, Config{})
	slot, err := h.s.addPreset(colorful.Color{R: 1})
	if err != nil || slot != 0 {
		t.Fatalf("add = %d, %v", slot, err)
	}
	if err := h.s.selectCurrent(0); !errors.Is(err, ErrTransportUnready) {
		t.Errorf("select while idle: err = %v", err)
	}
	if err := h.s.removePreset(3); err == nil {
		t.Error("remove out of range succeeded")
	}
	if h.sentCount(t) != 0 {
		t.Error("local edits sent requests")
	}
}

func TestAddPresetRendersColor(t *testing.T) {
	h := newHarness(t, Config{})
	h.ready(t, redList, 0)

	slot, err := h.s.addPreset(colorful.Color{B: 1})
	if err != nil || slot != 2 {
		t.Fatalf("add = %d, %v", slot, err)
	}
	h.expectLast(t, protocol.RenderColorRequest(protocol.RGBW{B: 255}))
	if st := h.s.status(); st.Live != "#0000ff" || st.Current != 0 {
		t.Errorf("status = %+v", st)
	}

	// Busy: the tick renders the newer color once the slot frees.
	_, _ = h.s.addPreset(colorful.Color{R: 1})
	h.reply(protocol.CmdRender, true)
	h.s.tick()
	h.expectLast(t, protocol.RenderColorRequest(protocol.RGBW{R: 255}))
}

func TestStateString(t *testing.T) {
	if StateAwaitingCurrent.String() != "awaiting_current" {
		t.Errorf("got %q", StateAwaitingCurrent.String())
	}
	if State(42).String() != "state(42)" {
		t.Errorf("got %q", State(42).String())
	}
}
