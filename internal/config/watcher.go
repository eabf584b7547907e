package config

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/cognitivecities/neuralhub/internal/logging"
)

// DefaultDebounce collapses the burst of events editors emit on save
const DefaultDebounce = 500 * time.Millisecond

// Watcher reloads the config file when it changes and notifies subscribers.
// Only settings that are safe to change at runtime should be read from
// the reloaded value; listeners decide what they apply.
type Watcher struct {
	path     string
	debounce time.Duration
	logger   *zap.Logger
	fs       *fsnotify.Watcher

	mu        sync.RWMutex
	current   *Config
	callbacks []func(*Config)

	closeOnce sync.Once
}

// NewWatcher watches path, starting from initial. The containing directory
// is watched so that editors replacing the file by rename are seen.
func NewWatcher(path string, initial *Config, logger *zap.Logger) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		fsw.Close()
		return nil, err
	}
	if err := fsw.Add(filepath.Dir(abs)); err != nil {
		fsw.Close()
		return nil, fmt.Errorf("failed to watch %s: %w", filepath.Dir(abs), err)
	}

	return &Watcher{
		path:     abs,
		debounce: DefaultDebounce,
		logger:   logging.OrNop(logger).Named("config"),
		fs:       fsw,
		current:  initial,
	}, nil
}

// SetDebounce overrides the reload delay. Call before Run.
func (w *Watcher) SetDebounce(d time.Duration) {
	w.debounce = d
}

// OnChange registers a callback run after every successful reload
func (w *Watcher) OnChange(fn func(*Config)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.callbacks = append(w.callbacks, fn)
}

// Current returns the most recently loaded config
func (w *Watcher) Current() *Config {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.current
}

// Run processes file events until ctx is done or the watcher is closed
func (w *Watcher) Run(ctx context.Context) error {
	defer w.Close()

	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	w.logger.Info("watching config file", zap.String("path", w.path))

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-w.fs.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			w.logger.Debug("config file changed", zap.String("op", event.Op.String()))
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(w.debounce, w.reload)

		case err, ok := <-w.fs.Errors:
			if !ok {
				return nil
			}
			w.logger.Error("file watcher error", zap.Error(err))
		}
	}
}

// Close stops watching. Safe to call more than once.
func (w *Watcher) Close() error {
	var err error
	w.closeOnce.Do(func() {
		err = w.fs.Close()
	})
	return err
}

func (w *Watcher) reload() {
	cfg, err := Load(w.path)
	if err != nil {
		// Keep serving with the last good config
		w.logger.Error("config reload failed", zap.Error(err))
		return
	}

	w.mu.Lock()
	w.current = cfg
	callbacks := append([]func(*Config){}, w.callbacks...)
	w.mu.Unlock()

	for _, fn := range callbacks {
		w.notify(fn, cfg)
	}
	w.logger.Info("config reloaded", zap.Int("listeners", len(callbacks)))
}

func (w *Watcher) notify(fn func(*Config), cfg *Config) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("config listener panicked", zap.Any("panic", r))
		}
	}()
	fn(cfg)
}
