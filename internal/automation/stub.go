//go:build no_automation

package automation

import (
	"context"
	"errors"
	"log/slog"

	"github.com/lucasb-eyer/go-colorful"

	"rgbw-link/internal/preset"
	"rgbw-link/internal/session"
)

var (
	ErrScriptNotFound = errors.New("automation: script not found")
	ErrInvalidID      = errors.New("automation: invalid script id")
)

// Controller is the part of the session scripts drive.
type Controller interface {
	Events() *session.EventBus
	Presets(ctx context.Context) ([]preset.Preset, error)
	Status(ctx context.Context) (session.Status, error)
	AddPreset(ctx context.Context, c colorful.Color) (int, error)
	RemovePreset(ctx context.Context, i int) error
	EditColor(ctx context.Context, i int, c colorful.Color) error
	SelectCurrent(ctx context.Context, i int) error
	SetLiveColor(ctx context.Context, c colorful.Color) error
	Save(ctx context.Context) error
	Refresh(ctx context.Context) error
}

// ScriptMeta holds user-editable metadata for a script.
type ScriptMeta struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Enabled     bool   `json:"enabled"`
}

// Script is one automation script stored on disk.
type Script struct {
	ID       string     `json:"id"`
	Meta     ScriptMeta `json:"meta"`
	LuaCode  string     `json:"lua_code"`
	FilePath string     `json:"-"`
}

// RunResult is the result of a one-shot script execution.
type RunResult struct {
	OK       bool     `json:"ok"`
	Error    string   `json:"error,omitempty"`
	Logs     []string `json:"logs"`
	Duration string   `json:"duration"`
}

// Manager is a no-op stub when automation is disabled.
type Manager struct{}

// NewManager returns a nil manager when automation is disabled.
func NewManager(_ string) (*Manager, error) { return nil, nil }

func (m *Manager) Dir() string { return "" }
func (m *Manager) List() ([]*Script, error) { return nil, nil }
func (m *Manager) Get(id string) (*Script, error) { return nil, ErrScriptNotFound }
func (m *Manager) Save(s *Script) (*Script, error) { return s, nil }
func (m *Manager) Delete(_ string) error { return nil }

// Engine is a no-op stub when automation is disabled.
type Engine struct{}

// NewEngine returns a no-op engine when automation is disabled.
func NewEngine(_ Controller, _ *Manager, _ *slog.Logger) *Engine { return &Engine{} }

func (e *Engine) Start() {}
func (e *Engine) Stop() {}
func (e *Engine) Watch(ctx context.Context) error { <-ctx.Done(); return nil }
func (e *Engine) Running(_ string) bool { return false }
func (e *Engine) ReloadScript(_ string) error { return nil }
func (e *Engine) StopScript(_ string) {}
func (e *Engine) RunScript(_ string) *RunResult { return &RunResult{Error: "automation disabled"} }
func (e *Engine) RunLuaCode(_ string) *RunResult { return &RunResult{Error: "automation disabled"} }
