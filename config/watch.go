package config

import (
	"context"
	"log/slog"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
)

// reloadChannelBuffer is the size of the reload channel.
const reloadChannelBuffer = 4

// Watcher watches a config file and emits freshly loaded configs once
// changes settle.
type Watcher struct {
	path     string
	debounce time.Duration
	watcher  *fsnotify.Watcher
	logger   *slog.Logger

	// Debouncing: coalesce rapid rewrites before reloading
	pendingMu sync.Mutex
	pending   bool

	// Output channel
	reloads chan *Config

	// Metrics
	droppedReloads atomic.Int64
}

// NewWatcher creates a watcher for the given config file path.
func NewWatcher(path string, debounce time.Duration, logger *slog.Logger) (*Watcher, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	if logger == nil {
		logger = slog.Default()
	}
	if debounce <= 0 {
		debounce = 500 * time.Millisecond
	}

	return &Watcher{
		path:     abs,
		debounce: debounce,
		watcher:  fsw,
		logger:   logger,
		reloads:  make(chan *Config, reloadChannelBuffer),
	}, nil
}

// Reloads returns the channel of reloaded configs.
func (w *Watcher) Reloads() <-chan *Config {
	return w.reloads
}

// Start begins watching the config file for changes. The watch is placed on
// the parent directory because editors replace the file on save, which would
// silently drop a watch on the file itself.
func (w *Watcher) Start(ctx context.Context) error {
	if err := w.watcher.Add(filepath.Dir(w.path)); err != nil {
		return err
	}

	go w.processEvents(ctx)

	w.logger.Info("Config watcher started",
		"path", w.path,
		"debounce", w.debounce)
	return nil
}

// Stop stops the watcher.
// The reloads channel is closed by processEvents when it exits.
func (w *Watcher) Stop() error {
	return w.watcher.Close()
}

// processEvents handles fsnotify events with debouncing.
func (w *Watcher) processEvents(ctx context.Context) {
	defer close(w.reloads)
	ticker := time.NewTicker(w.debounce)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleFSEvent(event)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error("Watcher error", "error", err)

		case <-ticker.C:
			w.flushPending()
		}
	}
}

// handleFSEvent marks a reload pending when the watched file changes.
func (w *Watcher) handleFSEvent(event fsnotify.Event) {
	if filepath.Clean(event.Name) != w.path {
		return
	}
	if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
		return
	}

	w.pendingMu.Lock()
	w.pending = true
	w.pendingMu.Unlock()

	w.logger.Debug("Config change detected",
		"path", w.path,
		"op", event.Op.String())
}

// flushPending reloads the config if a change accumulated since the last tick.
func (w *Watcher) flushPending() {
	w.pendingMu.Lock()
	dirty := w.pending
	w.pending = false
	w.pendingMu.Unlock()

	if !dirty {
		return
	}

	cfg, err := LoadFromFile(w.path)
	if err != nil {
		w.logger.Warn("Config changed but could not be loaded",
			"path", w.path,
			"error", err)
		return
	}
	if err := cfg.Validate(); err != nil {
		w.logger.Warn("Config changed but failed validation",
			"path", w.path,
			"error", err)
		return
	}

	w.send(cfg)
}

// send delivers a reloaded config to the output channel.
func (w *Watcher) send(cfg *Config) {
	select {
	case w.reloads <- cfg:
		w.logger.Info("Config reloaded", "path", w.path)
	default:
		dropped := w.droppedReloads.Add(1)
		w.logger.Warn("Reload channel full, dropping config",
			"path", w.path,
			"total_dropped", dropped)
	}
}

// DroppedReloads returns the number of reloads dropped due to channel overflow.
func (w *Watcher) DroppedReloads() int64 {
	return w.droppedReloads.Load()
}
