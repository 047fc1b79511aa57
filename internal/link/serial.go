package link

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"go.bug.st/serial"
	"go.bug.st/serial/enumerator"
)

const (
	readTimeout     = 250 * time.Millisecond
	maxReadFailures = 5
)

// SerialTransport talks to the fixture through a BLE UART bridge (HM-10 and
// similar modules) that the host exposes as a serial port.
type SerialTransport struct {
	handlers

	portName string
	mode     *serial.Mode
	logger   *slog.Logger

	mu     sync.Mutex
	port   serial.Port
	done   chan struct{}
	closed bool
	wg     sync.WaitGroup
}

// NewSerialTransport returns a transport for portName. The port is opened by
// Connect.
func NewSerialTransport(portName string, baudRate int, logger *slog.Logger) *SerialTransport {
	return &SerialTransport{
		portName: portName,
		mode: &serial.Mode{
			BaudRate: baudRate,
			DataBits: 8,
			Parity:   serial.NoParity,
			StopBits: serial.OneStopBit,
		},
		logger: logger,
	}
}

// Connect opens the port and starts the read loop.
func (t *SerialTransport) Connect(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return errors.New("link: transport closed")
	}
	if t.port != nil {
		t.mu.Unlock()
		return nil
	}
	port, err := serial.Open(t.portName, t.mode)
	if err != nil {
		t.mu.Unlock()
		return fmt.Errorf("link: open %s: %w", t.portName, err)
	}
	// Bridges with a USB CDC front end only forward once DTR/RTS are up.
	_ = port.SetDTR(true)
	_ = port.SetRTS(true)
	if err := port.SetReadTimeout(readTimeout); err != nil {
		port.Close()
		t.mu.Unlock()
		return fmt.Errorf("link: set read timeout: %w", err)
	}
	t.port = port
	t.done = make(chan struct{})
	t.wg.Add(1)
	go t.readLoop(port, t.done)
	t.mu.Unlock()

	t.logger.Info("serial link up", "port", t.portName, "baud", t.mode.BaudRate)
	t.emitConnected()
	return nil
}

// Disconnect closes the port. It is a no-op when already disconnected.
func (t *SerialTransport) Disconnect() error {
	t.mu.Lock()
	port := t.port
	if port == nil {
		t.mu.Unlock()
		return nil
	}
	t.port = nil
	close(t.done)
	err := port.Close()
	t.mu.Unlock()

	t.wg.Wait()
	t.logger.Info("serial link down", "port", t.portName)
	t.emitDisconnected(nil)
	return err
}

// Send writes p to the port. Write failures are logged; the read loop
// notices a dead port and reports the disconnect.
func (t *SerialTransport) Send(p []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.port == nil {
		return ErrNotConnected
	}
	if _, err := t.port.Write(p); err != nil {
		t.logger.Warn("serial write failed", "port", t.portName, "err", err)
	}
	return nil
}

func (t *SerialTransport) Connected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.port != nil
}

// Close disconnects and prevents further use.
func (t *SerialTransport) Close() error {
	err := t.Disconnect()
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()
	return err
}

func (t *SerialTransport) readLoop(port serial.Port, done chan struct{}) {
	defer t.wg.Done()

	backoff := 10 * time.Millisecond
	const maxBackoff = 2 * time.Second
	failures := 0
	buf := make([]byte, 256)

	for {
		select {
		case <-done:
			return
		default:
		}

		n, err := port.Read(buf)
		if err != nil {
			select {
			case <-done:
				return
			default:
			}
			failures++
			if err != io.EOF && !strings.Contains(err.Error(), "closed") {
				t.logger.Error("serial read error", "port", t.portName, "err", err, "failures", failures)
			}
			if failures >= maxReadFailures {
				t.lost(port, fmt.Errorf("link: read %s: %w", t.portName, err))
				return
			}
			select {
			case <-time.After(backoff):
			case <-done:
				return
			}
			backoff = min(backoff*2, maxBackoff)
			continue
		}
		failures = 0
		backoff = 10 * time.Millisecond
		if n == 0 {
			continue // read timeout
		}

		chunk := make([]byte, n)
		copy(chunk, buf[:n])
		t.logger.Debug("serial rx", "len", n)
		t.emitData(chunk)
	}
}

// lost tears the link down from inside the read loop.
func (t *SerialTransport) lost(port serial.Port, reason error) {
	t.mu.Lock()
	if t.port != port {
		t.mu.Unlock()
		return
	}
	t.port = nil
	close(t.done)
	port.Close()
	t.mu.Unlock()

	t.logger.Warn("serial link lost", "port", t.portName, "err", reason)
	t.emitDisconnected(reason)
}

// PortInfo describes a serial port present on the host.
type PortInfo struct {
	Name    string `json:"name"`
	USB     bool   `json:"usb"`
	VID     string `json:"vid,omitempty"`
	PID     string `json:"pid,omitempty"`
	Serial  string `json:"serial,omitempty"`
	Product string `json:"product,omitempty"`
}

// ListPorts enumerates serial ports, with USB details where available.
func ListPorts() ([]PortInfo, error) {
	details, err := enumerator.GetDetailedPortsList()
	if err != nil {
		return nil, fmt.Errorf("link: list ports: %w", err)
	}
	ports := make([]PortInfo, 0, len(details))
	for _, d := range details {
		ports = append(ports, PortInfo{
			Name:    d.Name,
			USB:     d.IsUSB,
			VID:     d.VID,
			PID:     d.PID,
			Serial:  d.SerialNumber,
			Product: d.Product,
		})
	}
	return ports, nil
}
