package web

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/lucasb-eyer/go-colorful"

	"rgbw-link/internal/preset"
	"rgbw-link/internal/session"
	"rgbw-link/internal/store"
)

const maxHistory = 1000

// statusFor maps session and preset errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, session.ErrRequestPending):
		return http.StatusConflict
	case errors.Is(err, session.ErrTransportUnready), errors.Is(err, session.ErrClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, preset.ErrCapacityExceeded):
		return http.StatusUnprocessableEntity
	case errors.Is(err, preset.ErrIndexOutOfRange):
		return http.StatusNotFound
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, op string, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		s.logger.Error(op, "err", err)
		s.writeJSON(w, status, map[string]string{"error": "internal server error"})
		return
	}
	s.logger.Debug(op, "err", err, "status", status)
	s.writeJSON(w, status, map[string]string{"error": err.Error()})
}

// decodeBody reads a JSON body of at most 1 MB into v.
func (s *Server) decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return false
	}
	return true
}

// pathIndex parses the {index} path value. Range checks are left to the
// preset store.
func (s *Server) pathIndex(w http.ResponseWriter, r *http.Request) (int, bool) {
	i, err := strconv.Atoi(r.PathValue("index"))
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid preset index"})
		return 0, false
	}
	return i, true
}

type colorRequest struct {
	Color string `json:"color"` // #rrggbb
}

func (s *Server) parseColor(w http.ResponseWriter, hex string) (colorful.Color, bool) {
	c, err := colorful.Hex(hex)
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "color must be #rrggbb"})
		return colorful.Color{}, false
	}
	return c, true
}

func (s *Server) handleAPIStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.sess.Status(r.Context())
	if err != nil {
		s.writeError(w, "status", err)
		return
	}
	s.writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleAPIListPresets(w http.ResponseWriter, r *http.Request) {
	presets, err := s.sess.Presets(r.Context())
	if err != nil {
		s.writeError(w, "list presets", err)
		return
	}
	if presets == nil {
		presets = []preset.Preset{}
	}
	s.writeJSON(w, http.StatusOK, presets)
}

// handleAPIAddPreset adds a preset. An empty body or color picks a random one.
func (s *Server) handleAPIAddPreset(w http.ResponseWriter, r *http.Request) {
	var req colorRequest
	if r.ContentLength != 0 && !s.decodeBody(w, r, &req) {
		return
	}

	c := colorful.HappyColor()
	if req.Color != "" {
		var ok bool
		if c, ok = s.parseColor(w, req.Color); !ok {
			return
		}
	}

	slot, err := s.sess.AddPreset(r.Context(), c)
	if err != nil {
		s.writeError(w, "add preset", err)
		return
	}
	s.writeJSON(w, http.StatusCreated, map[string]any{"slot": slot, "color": c.Clamped().Hex()})
}

func (s *Server) handleAPIRemovePreset(w http.ResponseWriter, r *http.Request) {
	i, ok := s.pathIndex(w, r)
	if !ok {
		return
	}
	if err := s.sess.RemovePreset(r.Context(), i); err != nil {
		s.writeError(w, "remove preset", err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleAPIEditColor(w http.ResponseWriter, r *http.Request) {
	i, ok := s.pathIndex(w, r)
	if !ok {
		return
	}
	var req colorRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	c, ok := s.parseColor(w, req.Color)
	if !ok {
		return
	}
	if err := s.sess.EditColor(r.Context(), i, c); err != nil {
		s.writeError(w, "edit color", err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleAPISelectCurrent(w http.ResponseWriter, r *http.Request) {
	i, ok := s.pathIndex(w, r)
	if !ok {
		return
	}
	if err := s.sess.SelectCurrent(r.Context(), i); err != nil {
		s.writeError(w, "select current", err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]string{"status": "rendering"})
}

func (s *Server) handleAPISave(w http.ResponseWriter, r *http.Request) {
	if err := s.sess.Save(r.Context()); err != nil {
		s.writeError(w, "save", err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]string{"status": "saving"})
}

func (s *Server) handleAPIRefresh(w http.ResponseWriter, r *http.Request) {
	if err := s.sess.Refresh(r.Context()); err != nil {
		s.writeError(w, "refresh", err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]string{"status": "refreshing"})
}

func (s *Server) handleAPILive(w http.ResponseWriter, r *http.Request) {
	var req colorRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	c, ok := s.parseColor(w, req.Color)
	if !ok {
		return
	}
	if err := s.sess.SetLiveColor(r.Context(), c); err != nil {
		s.writeError(w, "live color", err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "color": c.Hex()})
}

func (s *Server) handleAPIConnect(w http.ResponseWriter, r *http.Request) {
	if err := s.sess.Connect(r.Context()); err != nil {
		s.logger.Warn("connect", "err", err)
		s.writeJSON(w, http.StatusBadGateway, map[string]string{"error": err.Error()})
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]string{"status": "connecting"})
}

func (s *Server) handleAPIDisconnect(w http.ResponseWriter, r *http.Request) {
	if err := s.sess.Disconnect(); err != nil {
		s.writeError(w, "disconnect", err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleAPIHistory(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		s.writeJSON(w, http.StatusOK, []store.Exchange{})
		return
	}
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid limit"})
			return
		}
		limit = min(n, maxHistory)
	}
	exchanges, err := s.history.ListExchanges(limit)
	if err != nil {
		s.writeError(w, "list history", err)
		return
	}
	if exchanges == nil {
		exchanges = []*store.Exchange{}
	}
	s.writeJSON(w, http.StatusOK, exchanges)
}

func (s *Server) handleAPIClearHistory(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}
	if err := s.history.ClearHistory(); err != nil {
		s.writeError(w, "clear history", err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("writeJSON encode failed", "err", err)
	}
}
