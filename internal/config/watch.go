package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// reloadDelay coalesces the burst of events a single save produces.
const reloadDelay = 50 * time.Millisecond

// Watch reloads the config at path whenever it changes on disk and hands
// the result to onChange. It blocks until ctx is cancelled.
//
// The parent directory is watched rather than the file, so editors and
// config managers that save by writing a temp file and renaming it over
// path keep being followed. A file that fails to load is logged and
// skipped; onChange only ever sees valid configs.
func Watch(ctx context.Context, path string, onChange func(*Config)) error {
	path = filepath.Clean(path)
	dir, name := filepath.Split(path)
	if dir == "" {
		dir = "."
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("config watcher: %w", err)
	}
	defer w.Close()

	if err := w.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}
	log := slog.Default().With("component", "config", "path", path)
	log.Info("watching config for changes")

	// Stopped timer; armed by the first relevant event.
	reload := time.NewTimer(time.Hour)
	reload.Stop()
	defer reload.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Base(ev.Name) != name || !affectsContent(ev) {
				continue
			}
			reload.Reset(reloadDelay)

		case <-reload.C:
			cfg, err := Load(path)
			if err != nil {
				log.Error("config reload failed, keeping previous config", "err", err)
				continue
			}
			log.Info("config reloaded")
			onChange(cfg)

		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			log.Error("config watcher error", "err", err)
		}
	}
}

// affectsContent reports whether ev may have changed what path reads as. A
// rename or remove of path is followed by a create when the new version
// lands, and that create triggers the reload.
func affectsContent(ev fsnotify.Event) bool {
	return ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create)
}
