//go:build !no_mqtt

// Package mqtt mirrors the light session to an MQTT broker with Home
// Assistant discovery.
package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/lucasb-eyer/go-colorful"

	"rgbw-link/internal/preset"
	"rgbw-link/internal/session"
)

const (
	commandTimeout = 10 * time.Second
	outboxSize     = 64
	inboxSize      = 16
)

// Config holds MQTT bridge configuration.
type Config struct {
	Broker      string
	Username    string
	Password    string
	TopicPrefix string
	ClientID    string
	DeviceName  string
}

// Controller is the part of the session the bridge drives.
type Controller interface {
	Events() *session.EventBus
	Status(ctx context.Context) (session.Status, error)
	Presets(ctx context.Context) ([]preset.Preset, error)
	SetLiveColor(ctx context.Context, c colorful.Color) error
	SelectCurrent(ctx context.Context, i int) error
	Save(ctx context.Context) error
	Refresh(ctx context.Context) error
}

// message is one outgoing publish.
type message struct {
	Topic    string
	Payload  []byte
	Retained bool
}

// Bridge publishes session state to MQTT and applies commands from it.
type Bridge struct {
	client pahomqtt.Client
	ctrl   Controller
	cfg    Config
	logger *slog.Logger
	unsub  func()
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// Event handlers run on the session loop, so they only touch the cached
	// state and queue messages.
	mu    sync.Mutex
	state lightState
	slots int // preset count last advertised to the select entity

	outbox chan message
	inbox  chan []byte
}

func newBridge(ctrl Controller, cfg Config, logger *slog.Logger) *Bridge {
	if cfg.TopicPrefix == "" {
		cfg.TopicPrefix = "rgbw"
	}
	if cfg.ClientID == "" {
		cfg.ClientID = "rgbw-link"
	}
	if cfg.DeviceName == "" {
		cfg.DeviceName = "RGBW Light"
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Bridge{
		ctrl:   ctrl,
		cfg:    cfg,
		logger: logger.With("component", "mqtt"),
		ctx:    ctx,
		cancel: cancel,
		state:  lightState{Session: "idle", Current: -1, Presets: []string{}},
		slots:  -1,
		outbox: make(chan message, outboxSize),
		inbox:  make(chan []byte, inboxSize),
	}
}

// NewBridge creates and connects an MQTT bridge.
func NewBridge(ctrl Controller, cfg Config, logger *slog.Logger) (*Bridge, error) {
	b := newBridge(ctrl, cfg, logger)

	opts := pahomqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(b.cfg.ClientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetWill(b.availabilityTopic(), "offline", 1, true).
		SetOnConnectHandler(func(_ pahomqtt.Client) {
			b.logger.Info("MQTT connected")
			b.publish(b.availabilityTopic(), []byte("online"), true)
			b.publishDiscovery()
			b.subscribeCommands()
		}).
		SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
			b.logger.Warn("MQTT connection lost", "err", err)
		})

	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	client := pahomqtt.NewClient(opts)
	b.client = client
	token := client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		b.cancel()
		return nil, fmt.Errorf("mqtt connect timeout")
	}
	if err := token.Error(); err != nil {
		b.cancel()
		return nil, fmt.Errorf("mqtt connect: %w", err)
	}
	return b, nil
}

// Start subscribes to session events and begins publishing.
func (b *Bridge) Start() {
	b.seed()
	b.unsub = b.ctrl.Events().OnAll(b.handleEvent)

	b.wg.Add(2)
	go func() {
		defer b.wg.Done()
		b.publishLoop()
	}()
	go func() {
		defer b.wg.Done()
		b.commandLoop()
	}()
	b.logger.Info("MQTT bridge started", "prefix", b.cfg.TopicPrefix)
}

// Stop publishes offline state, unsubscribes, and disconnects.
func (b *Bridge) Stop() {
	if b.unsub != nil {
		b.unsub()
	}
	b.cancel()
	b.wg.Wait()
	if b.client != nil {
		b.publish(b.availabilityTopic(), []byte("offline"), true)
		b.client.Disconnect(1000)
	}
	b.logger.Info("MQTT bridge stopped")
}

func (b *Bridge) stateTopic() string        { return b.cfg.TopicPrefix + "/state" }
func (b *Bridge) commandTopic() string      { return b.cfg.TopicPrefix + "/set" }
func (b *Bridge) availabilityTopic() string { return b.cfg.TopicPrefix + "/bridge/state" }

// seed fills the cache from the session before events start arriving.
func (b *Bridge) seed() {
	ctx, cancel := context.WithTimeout(b.ctx, commandTimeout)
	defer cancel()

	st, err := b.ctrl.Status(ctx)
	if err != nil {
		b.logger.Warn("read session status", "err", err)
		return
	}
	presets, err := b.ctrl.Presets(ctx)
	if err != nil {
		b.logger.Warn("read presets", "err", err)
		return
	}

	b.mu.Lock()
	b.state.Session = st.State.String()
	b.state.Connected = st.Connected
	b.state.setPresets(presets)
	if st.Live != "" {
		b.state.setColor(st.Live)
	}
	b.mu.Unlock()
	b.queueState()
}

// handleEvent runs on the session loop and must not block.
func (b *Bridge) handleEvent(event session.Event) {
	b.mu.Lock()
	switch event.Type {
	case session.EventState:
		name, _ := event.Data.(string)
		b.state.Session = name
	case session.EventConnection:
		change, ok := event.Data.(session.ConnectionChange)
		if !ok {
			b.mu.Unlock()
			return
		}
		b.state.Connected = change.Connected
	case session.EventPresets:
		presets, ok := event.Data.([]preset.Preset)
		if !ok {
			b.mu.Unlock()
			return
		}
		b.state.setPresets(presets)
	case session.EventLive:
		hex, _ := event.Data.(string)
		b.state.setColor(hex)
	default:
		b.mu.Unlock()
		return
	}
	var sel *discoveryMsg
	if n := len(b.state.Presets); n != b.slots {
		b.slots = n
		msg := buildSelect(b.cfg, n)
		sel = &msg
	}
	b.mu.Unlock()

	if sel != nil {
		b.queue(message{Topic: sel.Topic, Payload: sel.Payload, Retained: true})
	}
	b.queueState()
}

func (b *Bridge) queueState() {
	b.mu.Lock()
	payload := mustJSON(b.state)
	b.mu.Unlock()
	b.queue(message{Topic: b.stateTopic(), Payload: payload, Retained: true})
}

func (b *Bridge) queue(msg message) {
	select {
	case b.outbox <- msg:
	default:
		b.logger.Warn("MQTT outbox full, dropping message", "topic", msg.Topic)
	}
}

func (b *Bridge) publishLoop() {
	for {
		select {
		case msg := <-b.outbox:
			b.publish(msg.Topic, msg.Payload, msg.Retained)
		case <-b.ctx.Done():
			return
		}
	}
}

func (b *Bridge) publishDiscovery() {
	b.mu.Lock()
	msgs := buildDiscovery(b.cfg, len(b.state.Presets))
	b.slots = len(b.state.Presets)
	payload := mustJSON(b.state)
	b.mu.Unlock()

	for _, msg := range msgs {
		b.publish(msg.Topic, msg.Payload, true)
	}
	b.publish(b.stateTopic(), payload, true)
	b.logger.Info("published HA discovery", "device", deviceIdentifier(b.cfg))
}

func (b *Bridge) subscribeCommands() {
	b.client.Subscribe(b.commandTopic(), 1, func(_ pahomqtt.Client, msg pahomqtt.Message) {
		select {
		case b.inbox <- msg.Payload():
		default:
			b.logger.Warn("MQTT command dropped, queue full")
		}
	})
}

// commandLoop applies commands off the paho callback goroutine, since
// session calls wait for the loop.
func (b *Bridge) commandLoop() {
	for {
		select {
		case payload := <-b.inbox:
			b.handleCommand(payload)
		case <-b.ctx.Done():
			return
		}
	}
}

func (b *Bridge) handleCommand(payload []byte) {
	cmd, err := parseCommand(payload)
	if err != nil {
		b.logger.Warn("invalid command", "payload", string(payload), "err", err)
		return
	}
	ctx, cancel := context.WithTimeout(b.ctx, commandTimeout)
	defer cancel()
	if err := b.execute(ctx, cmd); err != nil {
		b.logger.Warn("command failed", "err", err)
	}
}

// execute applies a command: color first, then preset selection, save and
// refresh.
func (b *Bridge) execute(ctx context.Context, cmd command) error {
	var errs []error
	switch {
	case cmd.Color != nil:
		if err := b.ctrl.SetLiveColor(ctx, cmd.Color.color()); err != nil {
			errs = append(errs, fmt.Errorf("live color: %w", err))
		}
	case strings.EqualFold(cmd.State, "OFF"):
		if err := b.ctrl.SetLiveColor(ctx, colorful.Color{}); err != nil {
			errs = append(errs, fmt.Errorf("off: %w", err))
		}
	case strings.EqualFold(cmd.State, "ON") && cmd.Preset == nil:
		b.mu.Lock()
		current := b.state.Current
		b.mu.Unlock()
		if current >= 0 {
			if err := b.ctrl.SelectCurrent(ctx, current); err != nil {
				errs = append(errs, fmt.Errorf("on: %w", err))
			}
		}
	}
	if cmd.Preset != nil {
		if err := b.ctrl.SelectCurrent(ctx, *cmd.Preset); err != nil {
			errs = append(errs, fmt.Errorf("select preset %d: %w", *cmd.Preset, err))
		}
	}
	if cmd.Save {
		if err := b.ctrl.Save(ctx); err != nil {
			errs = append(errs, fmt.Errorf("save: %w", err))
		}
	}
	if cmd.Refresh {
		if err := b.ctrl.Refresh(ctx); err != nil {
			errs = append(errs, fmt.Errorf("refresh: %w", err))
		}
	}
	return errors.Join(errs...)
}

func (b *Bridge) publish(topic string, payload []byte, retained bool) {
	token := b.client.Publish(topic, 1, retained, payload)
	go func() {
		if !token.WaitTimeout(5 * time.Second) {
			b.logger.Warn("MQTT publish timeout", "topic", topic)
		} else if err := token.Error(); err != nil {
			b.logger.Warn("MQTT publish error", "topic", topic, "err", err)
		}
	}()
}

func mustJSON(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		return []byte("{}")
	}
	return data
}
