//go:build !no_automation

package automation

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/fsnotify/fsnotify"
)

const watchDebounce = 200 * time.Millisecond

// Watch reloads scripts as their files change until ctx is cancelled.
// Edits restart the script, deletions stop it.
func (e *Engine) Watch(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer w.Close()

	if err := w.Add(e.manager.Dir()); err != nil {
		return fmt.Errorf("watch %s: %w", e.manager.Dir(), err)
	}
	e.logger.Info("watching scripts", "dir", e.manager.Dir())

	debounce := time.NewTimer(watchDebounce)
	debounce.Stop()
	changed := make(map[string]struct{})

	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			id, ok := scriptID(ev.Name)
			if !ok || ev.Op == fsnotify.Chmod {
				continue
			}
			changed[id] = struct{}{}
			debounce.Reset(watchDebounce)

		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			e.logger.Warn("script watcher", "err", err)

		case <-debounce.C:
			for id := range changed {
				e.applyChange(id)
			}
			clear(changed)
		}
	}
}

func (e *Engine) applyChange(id string) {
	if _, err := os.Stat(e.manager.path(id)); errors.Is(err, fs.ErrNotExist) {
		e.StopScript(id)
		return
	}
	if err := e.ReloadScript(id); err != nil {
		e.logger.Warn("reload script", "id", id, "err", err)
	}
}
