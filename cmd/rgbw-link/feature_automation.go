//go:build !no_automation

package main

import (
	"context"
	"log/slog"

	"rgbw-link/internal/automation"
	"rgbw-link/internal/session"
	"rgbw-link/internal/web"
)

type autoStopper struct {
	engine *automation.Engine
}

func (a *autoStopper) Stop() {
	if a.engine != nil {
		a.engine.Stop()
	}
}

// Watch reloads scripts as their files change, until ctx is done.
func (a *autoStopper) Watch(ctx context.Context) error {
	if a.engine == nil {
		return nil
	}
	return a.engine.Watch(ctx)
}

func initAutomation(sess *session.Session, cfg *Config, logger *slog.Logger) (*autoStopper, []web.ServerOption) {
	scriptMgr, err := automation.NewManager(cfg.ScriptsDir)
	if err != nil {
		logger.Error("create script manager", "err", err)
		return &autoStopper{}, nil
	}

	engine := automation.NewEngine(sess, scriptMgr, logger)
	engine.Start()

	opts := []web.ServerOption{
		web.WithAutomation(engine, scriptMgr),
	}
	return &autoStopper{engine: engine}, opts
}
