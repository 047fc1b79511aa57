// Package session drives the fixture's request/reply protocol: the connect
// handshake, preset edits, live color rendering and saving to flash.
//
// All protocol state is owned by the goroutine running Session.Run. Transport
// callbacks and public methods post closures to it, so the exported API is
// safe for concurrent use.
package session

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/lucasb-eyer/go-colorful"

	"rgbw-link/internal/link"
	"rgbw-link/internal/preset"
	"rgbw-link/internal/protocol"
	"rgbw-link/internal/store"
)

var (
	ErrTransportUnready = errors.New("session: transport not ready")
	ErrRequestPending   = errors.New("session: request pending")
	ErrRequestTimedOut  = errors.New("session: request timed out")
	ErrCommandFailed    = errors.New("session: command failed")
	ErrClosed           = errors.New("session: closed")
)

// CommandError reports a reply that carried a failure status.
type CommandError struct {
	Command protocol.Command
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("session: %s failed", e.Command)
}

func (e *CommandError) Unwrap() error { return ErrCommandFailed }

// State is the protocol state of the session.
type State int

const (
	StateIdle State = iota
	StateAwaitingPing
	StateAwaitingList
	StateAwaitingCurrent
	StateReady
	StateAwaitingSet
	StateAwaitingRender
	StateAwaitingWrite
)

var stateNames = [...]string{
	StateIdle:            "idle",
	StateAwaitingPing:    "awaiting_ping",
	StateAwaitingList:    "awaiting_list",
	StateAwaitingCurrent: "awaiting_current",
	StateReady:           "ready",
	StateAwaitingSet:     "awaiting_set",
	StateAwaitingRender:  "awaiting_render",
	StateAwaitingWrite:   "awaiting_write",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("state(%d)", int(s))
	}
	return stateNames[s]
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// awaiting returns the state entered while a request for cmd is outstanding.
func awaiting(cmd protocol.Command) State {
	switch cmd {
	case protocol.CmdPing:
		return StateAwaitingPing
	case protocol.CmdList:
		return StateAwaitingList
	case protocol.CmdCurrent:
		return StateAwaitingCurrent
	case protocol.CmdSet:
		return StateAwaitingSet
	case protocol.CmdRender:
		return StateAwaitingRender
	case protocol.CmdWrite:
		return StateAwaitingWrite
	}
	return StateReady
}

// PendingRequest is the single request awaiting a reply.
type PendingRequest struct {
	Command  protocol.Command
	Request  protocol.Request
	IssuedAt time.Time
}

const (
	DefaultRequestTimeout = 8 * time.Second
	DefaultRenderInterval = 500 * time.Millisecond
	DefaultQueueDepth     = 8
)

// Config tunes the session. Zero fields take the defaults above.
type Config struct {
	RequestTimeout time.Duration
	RenderInterval time.Duration
	// QueueRequests holds user requests issued while another is outstanding
	// instead of dropping them.
	QueueRequests bool
	QueueDepth    int
}

func (c Config) withDefaults() Config {
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = DefaultRequestTimeout
	}
	if c.RenderInterval <= 0 {
		c.RenderInterval = DefaultRenderInterval
	}
	if c.QueueDepth <= 0 {
		c.QueueDepth = DefaultQueueDepth
	}
	return c
}

// Journal records link activity. store.Store satisfies it.
type Journal interface {
	AppendExchange(ex *store.Exchange) error
	UpdateLinkState(fn func(state *store.LinkState) error) error
}

// Status is a snapshot of the session.
type Status struct {
	State     State  `json:"state"`
	Connected bool   `json:"connected"`
	Degraded  bool   `json:"degraded"`
	Pending   string `json:"pending,omitempty"`
	Queued    int    `json:"queued"`
	Saving    bool   `json:"saving"`
	Current   int    `json:"current"` // -1 when no preset is current
	Live      string `json:"live,omitempty"`
	Presets   int    `json:"presets"`
	Dirty     int    `json:"dirty"`
	LastError string `json:"last_error,omitempty"`
}

type saveStep struct {
	slot    int
	color   protocol.RGBW
	vacated bool
}

// saveJob walks the dirty presets and vacated slots one Set at a time, then
// commits them with a Write.
type saveJob struct {
	steps   []saveStep
	next    int
	acked   []saveStep // Sets the fixture accepted but has not written to flash
	writing bool
}

// Session manages the protocol conversation with one fixture.
type Session struct {
	transport link.Transport
	events    *EventBus
	journal   Journal
	logger    *slog.Logger
	cfg       Config
	now       func() time.Time

	inbox   chan func()
	done    chan struct{}
	running atomic.Bool

	// Owned by the loop goroutine.
	state        State
	presets      *preset.Collection
	decoder      *protocol.Decoder
	pending      *PendingRequest
	queue        []protocol.Request
	save         *saveJob
	live         colorful.Color
	hasLive      bool
	lastRendered protocol.RGBW
	hasRendered  bool
	degraded     bool
	handshake    bool // the outstanding List/Current belongs to the connect handshake
	lastErr      error
}

// New creates a session on top of t. journal may be nil.
func New(t link.Transport, events *EventBus, journal Journal, cfg Config, logger *slog.Logger) *Session {
	s := &Session{
		transport: t,
		events:    events,
		journal:   journal,
		logger:    logger,
		cfg:       cfg.withDefaults(),
		now:       time.Now,
		inbox:     make(chan func(), 64),
		done:      make(chan struct{}),
		presets:   preset.New(),
		decoder:   protocol.NewDecoder(),
	}
	t.OnConnected(func() { s.post(s.handleConnected) })
	t.OnDisconnected(func(reason error) { s.post(func() { s.handleDisconnected(reason) }) })
	t.OnData(func(p []byte) {
		chunk := bytes.Clone(p)
		s.post(func() { s.handleData(chunk) })
	})
	return s
}

// Events returns the bus the session publishes on.
func (s *Session) Events() *EventBus {
	return s.events
}

// Run owns the session state until ctx is cancelled.
func (s *Session) Run(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return errors.New("session: already running")
	}
	defer close(s.done)

	ticker := time.NewTicker(s.cfg.RenderInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case fn := <-s.inbox:
			fn()
		case <-ticker.C:
			s.tick()
		}
	}
}

// post hands fn to the loop without waiting for it to run.
func (s *Session) post(fn func()) {
	select {
	case s.inbox <- fn:
	case <-s.done:
	}
}

// do runs fn on the loop and waits for its result.
func (s *Session) do(ctx context.Context, fn func() error) error {
	errc := make(chan error, 1)
	select {
	case s.inbox <- func() { errc <- fn() }:
	case <-s.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-errc:
		return err
	case <-s.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Connect opens the transport. The handshake starts once it reports up.
func (s *Session) Connect(ctx context.Context) error {
	if err := s.transport.Connect(ctx); err != nil {
		return fmt.Errorf("session: connect: %w", err)
	}
	return nil
}

// Disconnect closes the transport. Presets are kept.
func (s *Session) Disconnect() error {
	return s.transport.Disconnect()
}

// AddPreset appends a dirty preset and returns its slot.
func (s *Session) AddPreset(ctx context.Context, c colorful.Color) (int, error) {
	var slot int
	err := s.do(ctx, func() error {
		var err error
		slot, err = s.addPreset(c)
		return err
	})
	return slot, err
}

// RemovePreset deletes the preset at index i.
func (s *Session) RemovePreset(ctx context.Context, i int) error {
	return s.do(ctx, func() error { return s.removePreset(i) })
}

// EditColor changes the color of preset i. Editing the current preset also
// renders the new color.
func (s *Session) EditColor(ctx context.Context, i int, c colorful.Color) error {
	return s.do(ctx, func() error { return s.editColor(i, c) })
}

// SelectCurrent makes preset i current and renders its slot.
func (s *Session) SelectCurrent(ctx context.Context, i int) error {
	return s.do(ctx, func() error { return s.selectCurrent(i) })
}

// SetLiveColor sets the color pushed to the fixture on the render tick.
func (s *Session) SetLiveColor(ctx context.Context, c colorful.Color) error {
	return s.do(ctx, func() error { return s.setLiveColor(c) })
}

// Save writes dirty presets to the fixture and commits them to flash.
func (s *Session) Save(ctx context.Context) error {
	return s.do(ctx, s.startSave)
}

// Refresh re-reads the preset list and current slot from the fixture.
func (s *Session) Refresh(ctx context.Context) error {
	return s.do(ctx, s.refresh)
}

// Status returns a snapshot of the session.
func (s *Session) Status(ctx context.Context) (Status, error) {
	var st Status
	err := s.do(ctx, func() error {
		st = s.status()
		return nil
	})
	return st, err
}

// Presets returns a copy of the preset list.
func (s *Session) Presets(ctx context.Context) ([]preset.Preset, error) {
	var out []preset.Preset
	err := s.do(ctx, func() error {
		out = s.presets.View()
		return nil
	})
	return out, err
}
