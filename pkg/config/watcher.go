package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// Watcher watches project sources (.cue and .star files) and triggers
// a reload callback when they change. Rapid bursts of events are
// debounced into a single reload.
type Watcher struct {
	watcher *fsnotify.Watcher
	logger  zerolog.Logger
}

// NewWatcher creates a project watcher.
func NewWatcher(logger zerolog.Logger) *Watcher {
	return &Watcher{logger: logger.With().Str("component", "watcher").Logger()}
}

// Watch starts watching paths and invokes reloadFn after changes.
// Watching stops when ctx is cancelled.
func (w *Watcher) Watch(ctx context.Context, paths []string, reloadFn func() error) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	w.watcher = watcher

	for _, path := range paths {
		info, err := os.Stat(path)
		if err != nil {
			w.logger.Warn().Err(err).Str("path", path).Msg("failed to stat path for watching")
			continue
		}
		if info.IsDir() {
			if err := w.watchDirectory(path); err != nil {
				w.logger.Warn().Err(err).Str("path", path).Msg("failed to watch directory")
			}
		} else {
			if err := watcher.Add(path); err != nil {
				w.logger.Warn().Err(err).Str("path", path).Msg("failed to watch file")
			}
		}
	}

	go w.processEvents(ctx, reloadFn)

	w.logger.Info().Int("paths", len(paths)).Msg("watching project sources")
	return nil
}

// watchDirectory adds a directory tree to the watcher.
func (w *Watcher) watchDirectory(dirPath string) error {
	return filepath.WalkDir(dirPath, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return w.watcher.Add(path)
		}
		return nil
	})
}

// processEvents debounces file events into reloads.
func (w *Watcher) processEvents(ctx context.Context, reloadFn func() error) {
	var reloadTimer *time.Timer
	reloadDelay := 500 * time.Millisecond

	for {
		select {
		case <-ctx.Done():
			if w.watcher != nil {
				_ = w.watcher.Close()
			}
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if !strings.HasSuffix(event.Name, ".cue") && !strings.HasSuffix(event.Name, ".star") {
				continue
			}
			w.logger.Debug().
				Str("file", event.Name).
				Str("op", event.Op.String()).
				Msg("project source changed")

			if reloadTimer != nil {
				reloadTimer.Stop()
			}
			reloadTimer = time.AfterFunc(reloadDelay, func() {
				if err := reloadFn(); err != nil {
					w.logger.Error().Err(err).Msg("reload failed")
				}
			})

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error().Err(err).Msg("watcher error")
		}
	}
}
