package main

import (
	"log/slog"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// configDebounce collapses editor save bursts into one reload
const configDebounce = 500 * time.Millisecond

// ConfigWatcher reloads the application when the config file changes
type ConfigWatcher struct {
	path   string
	reload func() error

	mu      sync.Mutex
	timer   *time.Timer
	stopped bool
}

// NewConfigWatcher creates a watcher calling reload on file writes
func NewConfigWatcher(path string, reload func() error) *ConfigWatcher {
	return &ConfigWatcher{path: path, reload: reload}
}

// Start begins watching the config file
func (w *ConfigWatcher) Start() {
	v := newConfigViper(w.path)
	if err := v.ReadInConfig(); err != nil {
		slog.Warn("Config file not watchable", "path", w.path, "error", err)
		return
	}
	v.OnConfigChange(w.handle)
	v.WatchConfig()
	slog.Info("Watching configuration file", "path", w.path)
}

func (w *ConfigWatcher) handle(e fsnotify.Event) {
	if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped {
		return
	}
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(configDebounce, func() {
		w.mu.Lock()
		stopped := w.stopped
		w.mu.Unlock()
		if stopped {
			return
		}
		slog.Info("Configuration file changed, reloading", "path", e.Name)
		if err := w.reload(); err != nil {
			slog.Error("Reload failed", "error", err)
		}
	})
}

// Stop cancels a pending reload. Change events arriving after Stop are ignored.
func (w *ConfigWatcher) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.stopped = true
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
}
