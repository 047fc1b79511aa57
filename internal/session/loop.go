package session

import (
	"errors"
	"fmt"

	"github.com/lucasb-eyer/go-colorful"

	"rgbw-link/internal/link"
	"rgbw-link/internal/preset"
	"rgbw-link/internal/protocol"
	"rgbw-link/internal/store"
)

// Everything in this file runs on the loop goroutine.

func (s *Session) setState(st State) {
	if st == s.state {
		return
	}
	s.logger.Debug("state", "from", s.state.String(), "to", st.String())
	s.state = st
	s.events.Emit(Event{Type: EventState, Data: st.String()})
}

func (s *Session) emitPresets() {
	s.events.Emit(Event{Type: EventPresets, Data: s.presets.View()})
}

func (s *Session) fail(err error) {
	s.lastErr = err
}

// --- transport callbacks ---

func (s *Session) handleConnected() {
	s.logger.Info("link connected, starting handshake")
	s.decoder.Reset()
	s.resetExchange()
	s.hasRendered = false
	s.degraded = false
	s.recordLink(true, nil)
	s.events.Emit(Event{Type: EventConnection, Data: ConnectionChange{Connected: true}})

	if err := s.issue(protocol.PingRequest()); err != nil {
		s.logger.Warn("send ping", "err", err)
		s.fail(err)
		s.setState(StateIdle)
	}
}

func (s *Session) handleDisconnected(reason error) {
	if s.pending != nil {
		s.logger.Debug("pending request discarded", "request", s.pending.Request.String())
	}
	if s.save != nil {
		s.logger.Warn("save interrupted by disconnect")
		s.unsave(s.save)
	}
	s.resetExchange()
	s.decoder.Reset()
	s.hasRendered = false
	s.setState(StateIdle)
	s.recordLink(false, reason)

	change := ConnectionChange{}
	if reason != nil {
		change.Reason = reason.Error()
		s.logger.Warn("link lost", "err", reason)
	} else {
		s.logger.Info("link disconnected")
	}
	s.events.Emit(Event{Type: EventConnection, Data: change})
}

func (s *Session) handleData(p []byte) {
	for f, err := range s.decoder.Feed(p) {
		if err != nil {
			s.logger.Warn("frame discarded", "err", err)
			continue
		}
		s.handleFrame(f)
	}
}

func (s *Session) handleFrame(f protocol.Frame) {
	p := s.pending
	if p == nil || p.Command != f.Command {
		pending := "none"
		if p != nil {
			pending = p.Command.String()
		}
		s.logger.Warn("unsolicited reply dropped", "command", f.Command.String(), "ok", f.OK, "pending", pending)
		return
	}
	s.pending = nil

	reply := protocol.DecodeReply(f)
	var err error
	outcome := store.OutcomeOK
	if !reply.OK {
		err = &CommandError{Command: f.Command}
		outcome = store.OutcomeFailed
	}
	s.complete(p, outcome, err)

	switch f.Command {
	case protocol.CmdPing:
		s.onPing(err)
	case protocol.CmdList:
		s.onList(reply, err)
	case protocol.CmdCurrent:
		s.onCurrent(reply, err)
	case protocol.CmdSet:
		s.onSet(err)
	case protocol.CmdRender:
		s.setState(StateReady)
	case protocol.CmdWrite:
		s.onWrite(err)
	default:
		s.setState(StateReady)
	}
	s.drain()
}

// --- requests ---

// issue sends req as the pending request.
func (s *Session) issue(req protocol.Request) error {
	if s.pending != nil {
		return fmt.Errorf("%w: %s outstanding", ErrRequestPending, s.pending.Command)
	}
	if err := s.transport.Send(req.Encode()); err != nil {
		if errors.Is(err, link.ErrNotConnected) {
			return ErrTransportUnready
		}
		return fmt.Errorf("session: send %s: %w", req, err)
	}
	s.pending = &PendingRequest{Command: req.Command, Request: req, IssuedAt: s.now()}
	if req.Command == protocol.CmdRender && !req.BySlot {
		s.lastRendered = req.Color
		s.hasRendered = true
	}
	s.logger.Debug("tx", "request", req.String())
	s.setState(awaiting(req.Command))
	return nil
}

// submit sends a user-initiated request, or applies the busy policy when
// another request (or a save) is in progress.
func (s *Session) submit(req protocol.Request) error {
	if s.state == StateIdle {
		return ErrTransportUnready
	}
	if s.pending != nil || s.save != nil {
		if s.cfg.QueueRequests && len(s.queue) < s.cfg.QueueDepth {
			s.queue = append(s.queue, req)
			s.logger.Debug("request queued", "request", req.String(), "depth", len(s.queue))
			return nil
		}
		busy := "save"
		if s.pending != nil {
			busy = s.pending.Request.String()
		}
		s.logger.Warn("request dropped", "request", req.String(), "busy", busy)
		return fmt.Errorf("%w: %s dropped while %s outstanding", ErrRequestPending, req, busy)
	}
	return s.issue(req)
}

// drain sends queued requests once the session is free again.
func (s *Session) drain() {
	for len(s.queue) > 0 && s.state == StateReady && s.pending == nil && s.save == nil {
		req := s.queue[0]
		s.queue = s.queue[1:]
		if err := s.issue(req); err != nil {
			s.logger.Warn("queued request dropped", "request", req.String(), "err", err)
		}
	}
}

func (s *Session) resetExchange() {
	s.pending = nil
	s.queue = nil
	s.save = nil
	s.handshake = false
}

// complete journals a finished exchange and publishes its result.
func (s *Session) complete(p *PendingRequest, outcome string, err error) {
	latency := s.now().Sub(p.IssuedAt)
	res := CommandResult{
		Command:   p.Command.String(),
		Request:   p.Request.String(),
		OK:        err == nil,
		LatencyMS: latency.Milliseconds(),
	}
	if err != nil {
		res.Error = err.Error()
		s.fail(err)
		s.logger.Warn("request failed", "request", p.Request.String(), "outcome", outcome, "err", err)
	} else {
		s.logger.Debug("rx", "command", p.Command.String(), "latency", latency)
	}

	if s.journal != nil {
		ex := &store.Exchange{
			Command:   res.Command,
			Request:   res.Request,
			Outcome:   outcome,
			Error:     res.Error,
			LatencyMS: res.LatencyMS,
			Time:      s.now(),
		}
		if jerr := s.journal.AppendExchange(ex); jerr != nil {
			s.logger.Error("journal exchange", "err", jerr)
		}
	}
	s.events.Emit(Event{Type: EventCommandResult, Data: res})
}

// --- replies ---

func (s *Session) onPing(err error) {
	if err != nil {
		s.setState(StateIdle)
		return
	}
	s.handshake = true
	if err := s.issue(protocol.ListRequest()); err != nil {
		s.fail(err)
		s.handshake = false
		s.setState(StateIdle)
	}
}

func (s *Session) onList(reply protocol.Reply, err error) {
	if err != nil {
		s.handshake = false
		s.degraded = true
		s.logger.Warn("preset list unavailable, continuing without presets")
		s.setState(StateReady)
		return
	}
	colors := make([]colorful.Color, len(reply.Colors))
	for i, c := range reply.Colors {
		colors[i] = c.Color()
	}
	s.presets.Replace(colors)
	s.degraded = false
	s.logger.Info("presets loaded", "count", len(colors))
	s.emitPresets()

	if err := s.issue(protocol.CurrentRequest()); err != nil {
		s.fail(err)
		s.handshake = false
		s.setState(StateReady)
	}
}

func (s *Session) onCurrent(reply protocol.Reply, err error) {
	s.handshake = false
	switch {
	case err != nil:
		s.presets.ClearCurrent()
	case s.presets.SetCurrent(reply.Slot) != nil:
		s.logger.Warn("current slot outside preset list", "slot", reply.Slot, "presets", s.presets.Len())
		s.presets.ClearCurrent()
	default:
		// The fixture is showing this slot already.
		p, _ := s.presets.At(reply.Slot)
		s.live = p.Color
		s.hasLive = true
		s.lastRendered = protocol.ToRGBW(p.Color)
		s.hasRendered = true
	}
	s.setState(StateReady)
	s.emitPresets()
}

func (s *Session) onSet(err error) {
	job := s.save
	if job == nil {
		s.setState(StateReady)
		return
	}
	if err != nil {
		s.abortSave(err)
		return
	}
	step := job.steps[job.next-1]
	job.acked = append(job.acked, step)
	if step.vacated {
		s.presets.ClearVacated(step.slot)
	} else if p, ok := s.presets.At(step.slot); ok && protocol.ToRGBW(p.Color) == step.color {
		// Edited again while in flight: stays dirty.
		_ = s.presets.MarkClean(step.slot)
	}
	s.emitPresets()
	_ = s.advanceSave()
}

func (s *Session) onWrite(err error) {
	job := s.save
	s.save = nil
	switch {
	case err == nil:
		s.presets.MarkAllClean()
		s.logger.Info("presets written to flash")
		s.emitPresets()
	case job != nil:
		s.unsave(job)
		s.logger.Warn("write failed, presets left dirty", "err", err)
		s.emitPresets()
	}
	s.setState(StateReady)
}

// unsave flags the presets and vacated slots of an uncommitted save again,
// so the next save resends them.
func (s *Session) unsave(job *saveJob) {
	for _, step := range job.acked {
		if step.vacated {
			s.presets.Vacate(step.slot)
			continue
		}
		// A preset removed since the Set was renumbered and flagged by Remove.
		_ = s.presets.MarkDirty(step.slot)
	}
}

// --- save ---

func (s *Session) startSave() error {
	if s.state == StateIdle {
		return ErrTransportUnready
	}
	if s.save != nil {
		return fmt.Errorf("%w: save in progress", ErrRequestPending)
	}
	if s.pending != nil {
		return fmt.Errorf("%w: %s outstanding", ErrRequestPending, s.pending.Command)
	}

	var steps []saveStep
	for _, i := range s.presets.Dirty() {
		p, _ := s.presets.At(i)
		steps = append(steps, saveStep{slot: i, color: protocol.ToRGBW(p.Color)})
	}
	for _, slot := range s.presets.Vacated() {
		steps = append(steps, saveStep{slot: slot, vacated: true})
	}
	if len(steps) == 0 {
		s.logger.Debug("save: nothing to write")
		return nil
	}
	s.logger.Info("save started", "sets", len(steps))
	s.save = &saveJob{steps: steps}
	return s.advanceSave()
}

// advanceSave sends the next Set, or the Write once every Set succeeded.
func (s *Session) advanceSave() error {
	job := s.save
	if job.next < len(job.steps) {
		step := job.steps[job.next]
		job.next++
		if err := s.issue(protocol.SetRequest(uint8(step.slot), step.color)); err != nil {
			s.abortSave(err)
			return err
		}
		return nil
	}

	if len(job.acked) == 0 {
		s.save = nil
		s.setState(StateReady)
		return nil
	}
	job.writing = true
	if err := s.issue(protocol.WriteRequest()); err != nil {
		s.unsave(job)
		s.abortSave(err)
		return err
	}
	return nil
}

// abortSave drops the save job. Sets already acknowledged keep their clean
// flags; callers that lose the commit call unsave first.
func (s *Session) abortSave(err error) {
	s.logger.Warn("save aborted", "err", err)
	s.save = nil
	s.fail(err)
	s.setState(StateReady)
}

// --- timer ---

func (s *Session) tick() {
	s.checkTimeout()
	s.pushLive()
}

func (s *Session) checkTimeout() {
	p := s.pending
	if p == nil || s.now().Sub(p.IssuedAt) < s.cfg.RequestTimeout {
		return
	}
	s.pending = nil
	err := fmt.Errorf("%w: %s after %s", ErrRequestTimedOut, p.Request, s.cfg.RequestTimeout)
	s.complete(p, store.OutcomeTimedOut, err)
	if s.save != nil {
		s.unsave(s.save)
		s.emitPresets()
		s.abortSave(err)
	}

	if p.Command == protocol.CmdPing {
		s.handshake = false
		s.setState(StateIdle)
		return
	}
	if s.handshake && p.Command == protocol.CmdList {
		s.degraded = true
	}
	s.handshake = false
	s.setState(StateReady)
	s.drain()
}

// pushLive renders the live color when it differs from the last one sent
// and the session is otherwise free.
func (s *Session) pushLive() {
	if s.state != StateReady || s.pending != nil || s.save != nil || !s.hasLive {
		return
	}
	rgbw := protocol.ToRGBW(s.live)
	if s.hasRendered && rgbw == s.lastRendered {
		return
	}
	if err := s.issue(protocol.RenderColorRequest(rgbw)); err != nil {
		s.logger.Debug("live push skipped", "err", err)
	}
}

// --- user operations ---

// addPreset appends c and shows it on the fixture through the live push.
func (s *Session) addPreset(c colorful.Color) (int, error) {
	slot, err := s.presets.Add(c)
	if err != nil {
		return 0, err
	}
	s.emitPresets()
	s.setLive(c)
	s.pushLive()
	return slot, nil
}

func (s *Session) removePreset(i int) error {
	if err := s.presets.Remove(i); err != nil {
		return err
	}
	s.emitPresets()
	return nil
}

func (s *Session) editColor(i int, c colorful.Color) error {
	if err := s.presets.SetColor(i, c); err != nil {
		return err
	}
	s.emitPresets()
	if cur, ok := s.presets.Current(); ok && cur == i {
		s.setLive(c)
		// When busy, the render tick catches up.
		s.pushLive()
	}
	return nil
}

// selectCurrent renders slot i. A request rejected by the busy policy leaves
// the current flag and live color untouched.
func (s *Session) selectCurrent(i int) error {
	p, ok := s.presets.At(i)
	if !ok {
		return fmt.Errorf("%w: %d (have %d)", preset.ErrIndexOutOfRange, i, s.presets.Len())
	}
	if err := s.submit(protocol.RenderSlotRequest(uint8(i))); err != nil {
		return err
	}
	_ = s.presets.SetCurrent(i)
	s.emitPresets()
	s.setLive(p.Color)
	s.lastRendered = protocol.ToRGBW(p.Color)
	s.hasRendered = true
	return nil
}

func (s *Session) setLiveColor(c colorful.Color) error {
	s.setLive(c)
	s.pushLive()
	return nil
}

func (s *Session) setLive(c colorful.Color) {
	s.live = c
	s.hasLive = true
	s.events.Emit(Event{Type: EventLive, Data: c.Clamped().Hex()})
}

func (s *Session) refresh() error {
	return s.submit(protocol.ListRequest())
}

func (s *Session) status() Status {
	st := Status{
		State:     s.state,
		Connected: s.transport.Connected(),
		Degraded:  s.degraded,
		Queued:    len(s.queue),
		Saving:    s.save != nil,
		Current:   -1,
		Presets:   s.presets.Len(),
		Dirty:     len(s.presets.Dirty()) + len(s.presets.Vacated()),
	}
	if s.pending != nil {
		st.Pending = s.pending.Request.String()
	}
	if i, ok := s.presets.Current(); ok {
		st.Current = i
	}
	if s.hasLive {
		st.Live = s.live.Clamped().Hex()
	}
	if s.lastErr != nil {
		st.LastError = s.lastErr.Error()
	}
	return st
}

func (s *Session) recordLink(connected bool, reason error) {
	if s.journal == nil {
		return
	}
	now := s.now()
	err := s.journal.UpdateLinkState(func(ls *store.LinkState) error {
		ls.Connected = connected
		if connected {
			ls.LastConnect = now
			ls.Connects++
			ls.Reason = ""
			return nil
		}
		ls.LastDisconnect = now
		ls.Reason = "requested"
		if reason != nil {
			ls.Reason = reason.Error()
		}
		return nil
	})
	if err != nil {
		s.logger.Error("journal link state", "err", err)
	}
}
