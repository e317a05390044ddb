package config

import (
	"sync"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Watcher hot-reloads the configuration documents when they change on disk.
// Long-running daemons use it so credential rotation does not require a
// restart. A reload that fails validation keeps the previous configuration.
type Watcher struct {
	sourcePath    string
	datastorePath string

	mu        sync.RWMutex
	current   *Config
	callbacks []func(*Config)

	watcher *fsnotify.Watcher
	log     *zap.Logger
	stopCh  chan struct{}
}

// NewWatcher starts watching both documents. initial is the already-loaded
// configuration the watcher serves until the first change.
func NewWatcher(initial *Config, sourcePath, datastorePath string, log *zap.Logger) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	w := &Watcher{
		sourcePath:    sourcePath,
		datastorePath: datastorePath,
		current:       initial,
		watcher:       fw,
		log:           log,
		stopCh:        make(chan struct{}),
	}

	for _, path := range []string{sourcePath, datastorePath} {
		if err := fw.Add(path); err != nil {
			fw.Close()
			return nil, err
		}
	}
	go w.loop()

	log.Info("configuration hot reload enabled",
		zap.String("source", sourcePath), zap.String("datastore", datastorePath))
	return w, nil
}

// Current returns the latest valid configuration.
func (w *Watcher) Current() *Config {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.current
}

// OnChange registers a callback invoked after each successful reload.
func (w *Watcher) OnChange(fn func(*Config)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.callbacks = append(w.callbacks, fn)
}

// Stop ends the watch loop.
func (w *Watcher) Stop() {
	close(w.stopCh)
	w.watcher.Close()
}

func (w *Watcher) loop() {
	for {
		select {
		case <-w.stopCh:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			w.reload()
			// Some editors replace the file, dropping the watch.
			_ = w.watcher.Add(event.Name)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.log.Warn("config watch error", zap.Error(err))
		}
	}
}

func (w *Watcher) reload() {
	cfg, err := Load(w.sourcePath, w.datastorePath)
	if err != nil {
		w.log.Warn("config reload failed, keeping previous", zap.Error(err))
		return
	}

	w.mu.Lock()
	w.current = cfg
	callbacks := append([]func(*Config){}, w.callbacks...)
	w.mu.Unlock()

	w.log.Info("configuration reloaded")
	for _, fn := range callbacks {
		fn(cfg)
	}
}
