package config

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// watchDebounce coalesces editor write bursts (save + rename + chmod)
// into one reload.
const watchDebounce = 300 * time.Millisecond

// Watch reloads the config when the file changes and calls onReload with
// the fresh copy. Reloads are debounced and checksum-gated; a parse error
// keeps the previous config. Blocks until ctx is cancelled.
//
// Only non-structural options take effect at runtime (retry policy,
// rotation interval, admin IDs); channels and database settings require a
// restart.
func Watch(ctx context.Context, path string, live *Config, onReload func(*Config)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	// Watch the directory: editors replace files by rename, which drops
	// a watch on the file itself.
	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		return err
	}

	lastSum := ""
	if data, err := os.ReadFile(path); err == nil {
		lastSum = Checksum(data)
	}

	var pending *time.Timer
	reload := func() {
		data, err := os.ReadFile(path)
		if err != nil {
			return
		}
		sum := Checksum(data)
		if sum == lastSum {
			return
		}

		fresh, err := Load(path)
		if err != nil {
			slog.Warn("config.reload_failed", "path", path, "error", err)
			return
		}
		lastSum = sum
		live.ReplaceFrom(fresh)
		slog.Info("config.reloaded", "path", path, "checksum", sum)
		if onReload != nil {
			onReload(fresh)
		}
	}

	for {
		select {
		case <-ctx.Done():
			if pending != nil {
				pending.Stop()
			}
			return ctx.Err()
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != filepath.Clean(path) {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if pending != nil {
				pending.Stop()
			}
			pending = time.AfterFunc(watchDebounce, reload)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			slog.Warn("config.watch_error", "error", err)
		}
	}
}
