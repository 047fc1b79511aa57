// Package link moves raw bytes between the session and the light fixture.
// Backends: a BLE UART bridge exposed as a serial port, and an in-process
// simulator of the fixture firmware.
package link

import (
	"context"
	"errors"
	"sync"
)

var ErrNotConnected = errors.New("link: not connected")

// Transport is a byte pipe to the fixture. Send is fire-and-forget; replies
// arrive through the OnData handler in arbitrary chunks.
type Transport interface {
	Connect(ctx context.Context) error
	Disconnect() error
	Send(p []byte) error
	Connected() bool

	OnConnected(handler func())
	OnDisconnected(handler func(reason error))
	OnData(handler func(p []byte))

	Close() error
}

// handlers holds the registered callbacks. Backends embed it and call the
// snapshot helpers so a handler can be swapped while a read is in flight.
type handlers struct {
	handlerMu      sync.RWMutex
	onConnected    func()
	onDisconnected func(error)
	onData         func([]byte)
}

func (h *handlers) OnConnected(handler func()) {
	h.handlerMu.Lock()
	defer h.handlerMu.Unlock()
	h.onConnected = handler
}

func (h *handlers) OnDisconnected(handler func(reason error)) {
	h.handlerMu.Lock()
	defer h.handlerMu.Unlock()
	h.onDisconnected = handler
}

func (h *handlers) OnData(handler func(p []byte)) {
	h.handlerMu.Lock()
	defer h.handlerMu.Unlock()
	h.onData = handler
}

func (h *handlers) emitConnected() {
	h.handlerMu.RLock()
	fn := h.onConnected
	h.handlerMu.RUnlock()
	if fn != nil {
		fn()
	}
}

func (h *handlers) emitDisconnected(reason error) {
	h.handlerMu.RLock()
	fn := h.onDisconnected
	h.handlerMu.RUnlock()
	if fn != nil {
		fn(reason)
	}
}

func (h *handlers) emitData(p []byte) {
	h.handlerMu.RLock()
	fn := h.onData
	h.handlerMu.RUnlock()
	if fn != nil {
		fn(p)
	}
}
