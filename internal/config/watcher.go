package config

import (
	"context"
	"fmt"
	"path/filepath"
	"slices"
	"sync"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Watcher reloads a config file when it changes on disk and hands the new
// configuration to the registered callbacks. A file that fails to load or
// validate is logged and the previous configuration stays in effect.
type Watcher struct {
	path    string
	fsw     *fsnotify.Watcher
	logger  *zap.Logger
	mu      sync.RWMutex
	subs    []func(*Config)
	done    chan struct{}
	stopped sync.Once
}

// NewWatcher watches the directory holding path. Editors commonly replace
// files by rename, which a watch on the file itself would lose.
func NewWatcher(path string, logger *zap.Logger) (*Watcher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		_ = fsw.Close()
		return nil, fmt.Errorf("failed to resolve config path: %w", err)
	}
	if err := fsw.Add(filepath.Dir(abs)); err != nil {
		_ = fsw.Close()
		return nil, fmt.Errorf("failed to watch %s: %w", filepath.Dir(abs), err)
	}

	return &Watcher{
		path:   abs,
		fsw:    fsw,
		logger: logger.With(zap.String("config", abs)),
		done:   make(chan struct{}),
	}, nil
}

// OnChange registers a callback invoked with every reloaded configuration.
func (w *Watcher) OnChange(cb func(*Config)) {
	w.mu.Lock()
	w.subs = append(w.subs, cb)
	w.mu.Unlock()
}

// Run processes file events until ctx is cancelled or Stop is called.
func (w *Watcher) Run(ctx context.Context) error {
	defer w.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-w.done:
			return nil
		case event, ok := <-w.fsw.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) {
				w.reload()
			}
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("Config watcher error", zap.Error(err))
		}
	}
}

func (w *Watcher) reload() {
	cfg, err := Load(w.path)
	if err != nil {
		w.logger.Warn("Ignoring invalid config change", zap.Error(err))
		return
	}

	w.logger.Info("Config reloaded")

	w.mu.RLock()
	subs := slices.Clone(w.subs)
	w.mu.RUnlock()

	for _, cb := range subs {
		cb(cfg)
	}
}

// Stop stops watching. It is safe to call more than once.
func (w *Watcher) Stop() {
	w.stopped.Do(func() {
		close(w.done)
		_ = w.fsw.Close()
	})
}
