package config

import (
	"context"
	"log/slog"
	"time"

	"github.com/fsnotify/fsnotify"
)

// defaultWatchDebounce coalesces the burst of Write/Create/Rename events a
// single file save can trigger into one reload.
const defaultWatchDebounce = 250 * time.Millisecond

// WatchFile watches path and calls onChange once, debounced, after any
// Write/Create/Rename event — used to hot-reload the lite/pro prompt files
// and tool-declaration JSON (SPEC_FULL.md §6) without a process restart.
// Watching stops when ctx is canceled.
func WatchFile(ctx context.Context, path string, onChange func()) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(path); err != nil {
		watcher.Close()
		return err
	}

	go watchLoop(ctx, watcher, onChange)
	return nil
}

func watchLoop(ctx context.Context, watcher *fsnotify.Watcher, onChange func()) {
	defer watcher.Close()

	var timer *time.Timer
	scheduleReload := func() {
		if timer != nil {
			timer.Stop()
		}
		timer = time.AfterFunc(defaultWatchDebounce, onChange)
	}

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				scheduleReload()
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			slog.Warn("config: file watch error", "path", watchedPath(watcher), "error", err)
		}
	}
}

// watchedPath lets the Errors-branch log line name the watched file without
// threading it through every select case separately.
func watchedPath(watcher *fsnotify.Watcher) string {
	paths := watcher.WatchList()
	if len(paths) == 0 {
		return ""
	}
	return paths[0]
}
