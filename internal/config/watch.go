package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

const defaultWatchDebounce = 250 * time.Millisecond

// WatchOptions tune Watch.
type WatchOptions struct {
	// Debounce coalesces bursts of writes. Default: 250ms
	Debounce time.Duration
	Logger   *slog.Logger
}

// Watch reloads the config at path whenever it or a file it includes
// changes and hands each valid result to onChange. Invalid edits are
// logged and skipped so the caller keeps its last good config. Parent
// directories are watched because editors commonly replace files by
// rename. Watch blocks until ctx is done.
func Watch(ctx context.Context, path string, opts WatchOptions, onChange func(*Config)) error {
	if onChange == nil {
		return fmt.Errorf("config watch: onChange is required")
	}
	absPath, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	debounce := opts.Debounce
	if debounce <= 0 {
		debounce = defaultWatchDebounce
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("config watch: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(filepath.Dir(absPath)); err != nil {
		return fmt.Errorf("config watch %s: %w", filepath.Dir(absPath), err)
	}
	files := map[string]bool{absPath: true}
	dirs := map[string]bool{filepath.Dir(absPath): true}
	// track adds newly included files; files that stop being included
	// stay watched until Watch returns.
	track := func(paths []string) {
		for _, p := range paths {
			files[p] = true
			dir := filepath.Dir(p)
			if dirs[dir] {
				continue
			}
			if err := watcher.Add(dir); err != nil {
				logger.Warn("config watch failed for include", "path", p, "error", err)
				continue
			}
			dirs[dir] = true
		}
	}
	_, initial, _ := load(absPath)
	track(initial)

	var timer *time.Timer
	var fire <-chan time.Time
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !files[filepath.Clean(event.Name)] {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(debounce)
			} else {
				timer.Reset(debounce)
			}
			fire = timer.C
		case <-fire:
			fire = nil
			cfg, loaded, err := load(absPath)
			track(loaded)
			if err != nil {
				logger.Warn("config reload rejected", "path", absPath, "error", err)
				continue
			}
			logger.Info("config reloaded", "path", absPath)
			onChange(cfg)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Warn("config watch error", "error", err)
		}
	}
}
