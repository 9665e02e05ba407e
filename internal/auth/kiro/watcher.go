package kiro

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"
)

// debounceWindow coalesces the burst of events editors and the Kiro IDE
// produce for a single file save.
const debounceWindow = 200 * time.Millisecond

// TokenWatcher watches a directory of Kiro token JSON files and reports
// additions, updates, and removals. Malformed files are logged and skipped.
type TokenWatcher struct {
	dir      string
	onUpdate func(id string, ts *KiroTokenStorage)
	onRemove func(id string)

	watcher *fsnotify.Watcher

	mu      sync.Mutex
	pending map[string]*time.Timer
	closed  bool
}

// NewTokenWatcher creates a watcher over dir. onUpdate fires for every
// readable token file on Scan and whenever one is created or rewritten;
// onRemove fires when a token file disappears.
func NewTokenWatcher(dir string, onUpdate func(string, *KiroTokenStorage), onRemove func(string)) (*TokenWatcher, error) {
	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fsWatcher.Add(dir); err != nil {
		_ = fsWatcher.Close()
		return nil, err
	}
	return &TokenWatcher{
		dir:      dir,
		onUpdate: onUpdate,
		onRemove: onRemove,
		watcher:  fsWatcher,
		pending:  make(map[string]*time.Timer),
	}, nil
}

// Scan imports every token file currently in the directory.
func (w *TokenWatcher) Scan() error {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if entry.IsDir() || !isTokenFile(entry.Name()) {
			continue
		}
		w.importFile(filepath.Join(w.dir, entry.Name()))
	}
	return nil
}

// Start consumes filesystem events until ctx is done or Close is called.
func (w *TokenWatcher) Start(ctx context.Context) {
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
				log.Warnf("token watcher: %v", err)
			}
		}
	}()
}

// Close stops the watcher and cancels pending debounce timers.
func (w *TokenWatcher) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	for _, timer := range w.pending {
		timer.Stop()
	}
	w.pending = map[string]*time.Timer{}
	w.mu.Unlock()
	return w.watcher.Close()
}

func (w *TokenWatcher) handleEvent(event fsnotify.Event) {
	if !isTokenFile(filepath.Base(event.Name)) {
		return
	}
	switch {
	case event.Op&(fsnotify.Create|fsnotify.Write) != 0:
		w.scheduleImport(event.Name)
	case event.Op&(fsnotify.Remove|fsnotify.Rename) != 0:
		if w.onRemove != nil {
			w.onRemove(accountIDForPath(event.Name))
		}
	}
}

func (w *TokenWatcher) scheduleImport(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	if timer, ok := w.pending[path]; ok {
		timer.Stop()
	}
	w.pending[path] = time.AfterFunc(debounceWindow, func() {
		w.mu.Lock()
		delete(w.pending, path)
		w.mu.Unlock()
		w.importFile(path)
	})
}

func (w *TokenWatcher) importFile(path string) {
	token, err := LoadTokenFromFile(path)
	if err != nil {
		log.Warnf("token watcher: skipping %s: %v", filepath.Base(path), err)
		return
	}
	if strings.TrimSpace(token.RefreshToken) == "" {
		log.Warnf("token watcher: skipping %s: missing refreshToken", filepath.Base(path))
		return
	}
	if w.onUpdate != nil {
		w.onUpdate(accountIDForPath(path), token)
	}
}

func isTokenFile(name string) bool {
	return strings.HasSuffix(strings.ToLower(name), ".json")
}

func accountIDForPath(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}
