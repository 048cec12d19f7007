package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// Watch re-loads the configuration file whenever it changes on disk and
// hands the result to onChange. Invalid intermediate states (editors write
// in stages) are logged and skipped; an empty file counts as one, since a
// rewrite truncates before it writes. The returned stop function releases
// the watcher.
func Watch(path string, log *slog.Logger, onChange func(*Config)) (stop func() error, err error) {
	if path == "" {
		return nil, fmt.Errorf("config: watch needs an explicit file path")
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("config: watcher: %w", err)
	}

	// Watch the directory, not the file: most editors replace the file,
	// which would orphan a direct watch.
	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("config: watch %s: %w", dir, err)
	}

	target := filepath.Clean(path)
	go func() {
		for {
			select {
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != target {
					continue
				}
				if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
					continue
				}
				if info, err := os.Stat(path); err == nil && info.Size() == 0 {
					// Truncated, not yet rewritten: the write that follows
					// raises another event.
					continue
				}
				cfg, err := Load(path)
				if err != nil {
					log.Warn("config reload skipped", "err", err)
					continue
				}
				log.Info("config reloaded", "path", path)
				onChange(cfg)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Warn("config watcher error", "err", err)
			}
		}
	}()

	return watcher.Close, nil
}
