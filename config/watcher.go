package config

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// LevelWatcher re-reads the config file whenever it changes and reports the
// log level it names. Only the log level is reloaded; everything else needs a
// restart.
type LevelWatcher struct {
	path     string
	apply    func(zerolog.Level)
	log      zerolog.Logger
	delay    time.Duration
	mu       sync.Mutex
	debounce *time.Timer
}

// NewLevelWatcher watches `path`. `apply` is called from a background
// goroutine.
func NewLevelWatcher(path string, logger zerolog.Logger, apply func(zerolog.Level)) *LevelWatcher {
	return &LevelWatcher{
		path:  path,
		apply: apply,
		log:   logger.With().Str("component", "config-watcher").Logger(),
		delay: 100 * time.Millisecond,
	}
}

// Run watches until ctx ends. The directory is watched rather than the file
// so editors that replace the file by renaming still trigger a reload.
func (w *LevelWatcher) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	if err := watcher.Add(filepath.Dir(w.path)); err != nil {
		return err
	}

	name := filepath.Base(w.path)
	for {
		select {
		case <-ctx.Done():
			w.mu.Lock()
			if w.debounce != nil {
				w.debounce.Stop()
			}
			w.mu.Unlock()
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Base(event.Name) != name {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			w.reloadAfter(w.delay)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			w.log.Warn().Err(err).Msg("watch error")
		}
	}
}

func (w *LevelWatcher) reloadAfter(delay time.Duration) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.debounce != nil {
		w.debounce.Stop()
	}
	w.debounce = time.AfterFunc(delay, w.reload)
}

func (w *LevelWatcher) reload() {
	fc, err := LoadFileConfig(w.path)
	if err != nil {
		w.log.Warn().Err(err).Msg("can't reload config")
		return
	}
	if fc.LogLevel == "" {
		return
	}
	level, err := zerolog.ParseLevel(fc.LogLevel)
	if err != nil {
		w.log.Warn().Str("log_level", fc.LogLevel).Msg("ignoring invalid log level")
		return
	}
	w.log.Info().Stringer("level", level).Msg("log level reloaded")
	w.apply(level)
}
