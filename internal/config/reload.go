package config

import (
	"context"
	"fmt"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"github.com/vinylsync/vinylsync/internal/log"
)

// debounceDuration coalesces the burst of fsnotify events a single save
// produces (editors often write, chmod, and rename in quick succession).
const debounceDuration = 500 * time.Millisecond

// Holder gives every subsystem a thread-safe, hot-reloadable view of the
// current Settings. A reload only takes effect if the newly loaded Settings
// pass Validate; otherwise the previous Settings are kept and the error is
// logged.
type Holder struct {
	loader   *Loader
	path     string
	logger   zerolog.Logger
	current  atomic.Pointer[Settings]
	watcher  *fsnotify.Watcher
	fileName string
}

// NewHolder builds a Holder already populated with loader's initial load.
func NewHolder(loader *Loader, path string) (*Holder, error) {
	h := &Holder{
		loader: loader,
		path:   path,
		logger: log.WithComponent("config"),
	}
	s, err := loader.Load()
	if err != nil {
		return nil, err
	}
	h.current.Store(&s)
	return h, nil
}

// Get returns the currently active Settings.
func (h *Holder) Get() Settings {
	if s := h.current.Load(); s != nil {
		return *s
	}
	return Default()
}

// Reload re-runs the Loader and swaps in the result if it validates.
func (h *Holder) Reload(_ context.Context) error {
	s, err := h.loader.Load()
	if err != nil {
		h.logger.Error().Err(err).Str("event", "config.reload_failed").Msg("failed to reload configuration")
		return err
	}
	h.current.Store(&s)
	h.logger.Info().Str("event", "config.reload_success").Msg("configuration reloaded")
	return nil
}

// StartWatcher watches the config file's directory for changes and reloads
// on a debounce. A no-op when the Holder has no backing file (environment
// and defaults only).
func (h *Holder) StartWatcher(ctx context.Context) error {
	if h.path == "" {
		h.logger.Info().Str("event", "config.watcher_disabled").Msg("config file watcher disabled (no config path set)")
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	h.watcher = watcher
	h.fileName = filepath.Base(h.path)

	if err := watcher.Add(filepath.Dir(h.path)); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("watch config dir: %w", err)
	}

	h.logger.Info().Str("event", "config.watcher_started").Str("path", h.path).Msg("watching config file for changes")
	go h.watchLoop(ctx)
	return nil
}

func (h *Holder) watchLoop(ctx context.Context) {
	var debounce *time.Timer
	defer func() {
		if debounce != nil {
			debounce.Stop()
		}
		_ = h.watcher.Close()
	}()

	for {
		select {
		case <-ctx.Done():
			h.logger.Info().Str("event", "config.watcher_stopped").Msg("config watcher stopped")
			return
		case ev, ok := <-h.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(ev.Name) != h.fileName {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(debounceDuration, func() {
				_ = h.Reload(ctx)
			})
		case err, ok := <-h.watcher.Errors:
			if !ok {
				return
			}
			h.logger.Warn().Err(err).Str("event", "config.watcher_error").Msg("config watcher error")
		}
	}
}
