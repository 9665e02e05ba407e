package config

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"
)

// reloadDebounce coalesces the event burst one editor save produces.
const reloadDebounce = 300 * time.Millisecond

// Watcher reloads the config file whenever it is rewritten. Parse failures
// keep the previous configuration in effect.
type Watcher struct {
	path     string
	onReload func(*Config)

	watcher *fsnotify.Watcher

	mu     sync.Mutex
	timer  *time.Timer
	closed bool
}

// NewWatcher creates a watcher for the file at path. The parent directory
// is watched rather than the file itself so atomic saves (write to a temp
// file, rename over) are still observed.
func NewWatcher(path string, onReload func(*Config)) (*Watcher, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fsWatcher.Add(filepath.Dir(abs)); err != nil {
		_ = fsWatcher.Close()
		return nil, err
	}
	return &Watcher{
		path:     abs,
		onReload: onReload,
		watcher:  fsWatcher,
	}, nil
}

// Start consumes filesystem events until ctx is done or Close is called.
func (w *Watcher) Start(ctx context.Context) {
	go func() {
		for {
			select {
			case <-ctx.Done():
				_ = w.Close()
				return
			case event, ok := <-w.watcher.Events:
				if !ok {
					return
				}
				w.handleEvent(event)
			case err, ok := <-w.watcher.Errors:
				if !ok {
					return
				}
				log.Warnf("config watcher: %v", err)
			}
		}
	}()
}

// Close stops the watcher and cancels a pending reload.
func (w *Watcher) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
	w.mu.Unlock()
	return w.watcher.Close()
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	if filepath.Base(event.Name) != filepath.Base(w.path) {
		return
	}
	switch {
	case event.Op&(fsnotify.Create|fsnotify.Write) != 0:
		w.scheduleReload()
	case event.Op&(fsnotify.Remove|fsnotify.Rename) != 0:
		log.Warnf("config watcher: %s removed, keeping current configuration", filepath.Base(w.path))
	}
}

func (w *Watcher) scheduleReload() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(reloadDebounce, w.reload)
}

func (w *Watcher) reload() {
	if _, err := os.Stat(w.path); err != nil {
		log.Warnf("config watcher: %s unreadable, keeping current configuration: %v", filepath.Base(w.path), err)
		return
	}
	cfg, err := LoadConfig(w.path)
	if err != nil {
		log.Warnf("config watcher: reload failed, keeping current configuration: %v", err)
		return
	}
	log.Infof("config watcher: reloaded %s", filepath.Base(w.path))
	if w.onReload != nil {
		w.onReload(cfg)
	}
}
