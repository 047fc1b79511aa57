package link

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"rgbw-link/internal/protocol"
)

// Simulator emulates the fixture firmware in process: 32 color slots, a
// current slot, and a flash copy that Write commits to. Replies are
// delivered asynchronously, optionally split into small chunks the way a
// BLE UART bridge forwards notifications.
type Simulator struct {
	handlers
	logger *slog.Logger

	mu        sync.Mutex
	connected bool
	slots     [protocol.MaxSlots]protocol.RGBW
	saved     [protocol.MaxSlots]protocol.RGBW
	current   uint8
	rendered  protocol.RGBW
	writes    int
	requests  []protocol.Request
	failNext  map[protocol.Command]int
	silent    map[protocol.Command]bool
	chunkSize int
	delay     time.Duration

	out  chan []byte
	done chan struct{}
	wg   sync.WaitGroup
}

// NewSimulator returns a disconnected simulator whose slots hold colors.
func NewSimulator(logger *slog.Logger, colors ...protocol.RGB) *Simulator {
	s := &Simulator{
		logger:   logger,
		failNext: make(map[protocol.Command]int),
		silent:   make(map[protocol.Command]bool),
	}
	for i, c := range colors {
		if i >= protocol.MaxSlots {
			break
		}
		s.slots[i] = protocol.RGBW{R: c.R, G: c.G, B: c.B}
	}
	s.saved = s.slots
	return s
}

func (s *Simulator) Connect(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	if s.connected {
		s.mu.Unlock()
		return nil
	}
	s.connected = true
	s.out = make(chan []byte, 64)
	s.done = make(chan struct{})
	s.wg.Add(1)
	go s.deliverLoop(s.out, s.done)
	s.mu.Unlock()

	s.logger.Debug("simulator connected")
	s.emitConnected()
	return nil
}

func (s *Simulator) Disconnect() error {
	return s.drop(nil)
}

// DropLink simulates the radio link going away underneath the session.
func (s *Simulator) DropLink(reason error) {
	if reason == nil {
		reason = errors.New("link: simulated link loss")
	}
	_ = s.drop(reason)
}

func (s *Simulator) drop(reason error) error {
	s.mu.Lock()
	if !s.connected {
		s.mu.Unlock()
		return nil
	}
	s.connected = false
	close(s.done)
	s.mu.Unlock()

	s.wg.Wait()
	s.logger.Debug("simulator disconnected", "reason", reason)
	s.emitDisconnected(reason)
	return nil
}

func (s *Simulator) Close() error {
	return s.Disconnect()
}

func (s *Simulator) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

// Send treats p as one request frame and queues the fixture's reply.
func (s *Simulator) Send(p []byte) error {
	s.mu.Lock()
	if !s.connected {
		s.mu.Unlock()
		return ErrNotConnected
	}
	reply := s.handle(p)
	out, done := s.out, s.done
	s.mu.Unlock()

	if reply == nil {
		return nil
	}
	select {
	case out <- reply:
	case <-done:
	}
	return nil
}

// handle runs one request against the emulated firmware. Caller holds mu.
func (s *Simulator) handle(p []byte) []byte {
	req, err := protocol.DecodeRequest(p)
	if err != nil {
		if errors.Is(err, protocol.ErrUnsupportedCode) {
			s.requests = append(s.requests, req)
			return protocol.EncodeReply(req.Command, false, nil)
		}
		s.logger.Warn("simulator: bad request", "raw", p, "err", err)
		return nil
	}
	s.requests = append(s.requests, req)

	if s.silent[req.Command] {
		return nil
	}
	if s.failNext[req.Command] > 0 {
		s.failNext[req.Command]--
		return protocol.EncodeReply(req.Command, false, nil)
	}

	switch req.Command {
	case protocol.CmdPing:
		return protocol.EncodeReply(req.Command, true, nil)
	case protocol.CmdList:
		colors := make([]protocol.RGB, len(s.slots))
		for i, c := range s.slots {
			colors[i] = protocol.RGB{R: c.R, G: c.G, B: c.B}
		}
		return protocol.EncodeReply(req.Command, true, protocol.EncodeList(colors))
	case protocol.CmdCurrent:
		return protocol.EncodeReply(req.Command, true, []byte{s.current})
	case protocol.CmdSet:
		if int(req.Slot) >= protocol.MaxSlots {
			return protocol.EncodeReply(req.Command, false, nil)
		}
		s.slots[req.Slot] = req.Color
	case protocol.CmdRender:
		if req.BySlot {
			if int(req.Slot) >= protocol.MaxSlots {
				return protocol.EncodeReply(req.Command, false, nil)
			}
			s.current = req.Slot
			s.rendered = s.slots[req.Slot]
		} else {
			s.rendered = req.Color
		}
	case protocol.CmdWrite:
		s.saved = s.slots
		s.writes++
	}
	return protocol.EncodeReply(req.Command, true, nil)
}

func (s *Simulator) deliverLoop(out <-chan []byte, done <-chan struct{}) {
	defer s.wg.Done()
	for {
		select {
		case <-done:
			return
		case reply := <-out:
			s.mu.Lock()
			size, delay := s.chunkSize, s.delay
			s.mu.Unlock()

			if delay > 0 {
				select {
				case <-time.After(delay):
				case <-done:
					return
				}
			}
			if size <= 0 {
				size = len(reply)
			}
			for off := 0; off < len(reply); off += size {
				s.emitData(reply[off:min(off+size, len(reply))])
			}
		}
	}
}

// FailNext makes the next n requests for cmd fail.
func (s *Simulator) FailNext(cmd protocol.Command, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failNext[cmd] = n
}

// Silence stops (or resumes) replies to cmd.
func (s *Simulator) Silence(cmd protocol.Command, on bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.silent[cmd] = on
}

// SetChunkSize splits every reply into chunks of n bytes; 0 sends whole frames.
func (s *Simulator) SetChunkSize(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.chunkSize = n
}

// SetReplyDelay delays every reply by d.
func (s *Simulator) SetReplyDelay(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.delay = d
}

// Requests returns the requests received so far.
func (s *Simulator) Requests() []protocol.Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]protocol.Request, len(s.requests))
	copy(out, s.requests)
	return out
}

// Slot returns the color held in RAM for slot i.
func (s *Simulator) Slot(i int) protocol.RGBW {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.slots[i]
}

// SavedSlot returns the color committed to flash for slot i.
func (s *Simulator) SavedSlot(i int) protocol.RGBW {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saved[i]
}

// Writes returns how many Write commands were acknowledged.
func (s *Simulator) Writes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writes
}

func (s *Simulator) CurrentSlot() uint8 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

func (s *Simulator) SetCurrentSlot(slot uint8) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.current = slot
}

// Rendered returns the color the fixture is showing.
func (s *Simulator) Rendered() protocol.RGBW {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rendered
}
