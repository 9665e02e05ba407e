package config

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func TestWatcherReloadsOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("port: 9001\n"), 0o600); err != nil {
		t.Fatalf("seed config: %v", err)
	}

	var mu sync.Mutex
	var got *Config

	watcher, err := NewWatcher(path, func(cfg *Config) {
		mu.Lock()
		got = cfg
		mu.Unlock()
	})
	if err != nil {
		t.Fatalf("new watcher: %v", err)
	}
	defer watcher.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	watcher.Start(ctx)

	if err := os.WriteFile(path, []byte("port: 9002\napi-keys: [\"next-key\"]\n"), 0o600); err != nil {
		t.Fatalf("rewrite config: %v", err)
	}

	waitForReload(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return got != nil && got.Port == 9002
	}, "rewritten config not reloaded")

	mu.Lock()
	defer mu.Unlock()
	if len(got.APIKeys) != 1 || got.APIKeys[0] != "next-key" {
		t.Fatalf("unexpected api keys after reload: %v", got.APIKeys)
	}
}

func TestWatcherKeepsConfigOnParseError(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("port: 9001\n"), 0o600); err != nil {
		t.Fatalf("seed config: %v", err)
	}

	var mu sync.Mutex
	reloads := 0

	watcher, err := NewWatcher(path, func(cfg *Config) {
		mu.Lock()
		reloads++
		mu.Unlock()
	})
	if err != nil {
		t.Fatalf("new watcher: %v", err)
	}
	defer watcher.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	watcher.Start(ctx)

	if err := os.WriteFile(path, []byte("port: [unclosed\n"), 0o600); err != nil {
		t.Fatalf("write broken config: %v", err)
	}
	// Give the debounce plus reload a chance to run.
	time.Sleep(2 * reloadDebounce)

	mu.Lock()
	broken := reloads
	mu.Unlock()
	if broken != 0 {
		t.Fatalf("broken config triggered %d reloads", broken)
	}

	if err := os.WriteFile(path, []byte("port: 9100\n"), 0o600); err != nil {
		t.Fatalf("repair config: %v", err)
	}
	waitForReload(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return reloads == 1
	}, "repaired config not reloaded")
}

func waitForReload(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(25 * time.Millisecond)
	}
	t.Fatal(msg)
}
