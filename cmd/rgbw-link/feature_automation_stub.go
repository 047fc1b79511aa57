//go:build no_automation

package main

import (
	"context"
	"log/slog"

	"rgbw-link/internal/session"
	"rgbw-link/internal/web"
)

type autoStopper struct{}

func (a *autoStopper) Stop() {}

func (a *autoStopper) Watch(_ context.Context) error { return nil }

func initAutomation(_ *session.Session, _ *Config, _ *slog.Logger) (*autoStopper, []web.ServerOption) {
	return &autoStopper{}, nil
}
