package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfigFile(t *testing.T, path string, port int) {
	t.Helper()
	cfg := DefaultConfig()
	cfg.HTTP.Port = port
	if err := cfg.SaveToFile(path); err != nil {
		t.Fatalf("write config: %v", err)
	}
}

func TestWatcher_ReloadOnChange(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "agentfleet.yaml")
	writeConfigFile(t, path, 8080)

	watcher, err := NewWatcher(path, 50*time.Millisecond, nil)
	if err != nil {
		t.Fatalf("create watcher: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := watcher.Start(ctx); err != nil {
		t.Fatalf("start watcher: %v", err)
	}
	defer watcher.Stop()

	// Give the watch time to settle before touching the file
	time.Sleep(100 * time.Millisecond)

	writeConfigFile(t, path, 9090)

	select {
	case cfg := <-watcher.Reloads():
		if cfg.HTTP.Port != 9090 {
			t.Errorf("reloaded port = %d, want 9090", cfg.HTTP.Port)
		}
	case <-time.After(2 * time.Second):
		t.Error("timeout waiting for reload")
	}
}

func TestWatcher_IgnoresInvalidConfig(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "agentfleet.yaml")
	writeConfigFile(t, path, 8080)

	watcher, err := NewWatcher(path, 50*time.Millisecond, nil)
	if err != nil {
		t.Fatalf("create watcher: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := watcher.Start(ctx); err != nil {
		t.Fatalf("start watcher: %v", err)
	}
	defer watcher.Stop()

	time.Sleep(100 * time.Millisecond)

	// Out-of-range port fails validation; no reload should surface.
	if err := os.WriteFile(path, []byte("http:\n  port: 99999\n"), 0644); err != nil {
		t.Fatalf("write invalid config: %v", err)
	}

	select {
	case cfg := <-watcher.Reloads():
		t.Errorf("invalid config should not be delivered, got port %d", cfg.HTTP.Port)
	case <-time.After(300 * time.Millisecond):
		// expected: the change was logged and dropped
	}
}

func TestWatcher_IgnoresOtherFiles(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "agentfleet.yaml")
	writeConfigFile(t, path, 8080)

	watcher, err := NewWatcher(path, 50*time.Millisecond, nil)
	if err != nil {
		t.Fatalf("create watcher: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := watcher.Start(ctx); err != nil {
		t.Fatalf("start watcher: %v", err)
	}
	defer watcher.Stop()

	time.Sleep(100 * time.Millisecond)

	if err := os.WriteFile(filepath.Join(tmpDir, "notes.txt"), []byte("unrelated"), 0644); err != nil {
		t.Fatalf("write unrelated file: %v", err)
	}

	select {
	case <-watcher.Reloads():
		t.Error("changes to other files should not trigger a reload")
	case <-time.After(300 * time.Millisecond):
		// expected
	}
}

func TestWatcher_StopClosesReloads(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "agentfleet.yaml")
	writeConfigFile(t, path, 8080)

	watcher, err := NewWatcher(path, 50*time.Millisecond, nil)
	if err != nil {
		t.Fatalf("create watcher: %v", err)
	}

	ctx := context.Background()
	if err := watcher.Start(ctx); err != nil {
		t.Fatalf("start watcher: %v", err)
	}

	if err := watcher.Stop(); err != nil {
		t.Fatalf("stop watcher: %v", err)
	}

	select {
	case _, ok := <-watcher.Reloads():
		if ok {
			t.Error("expected closed channel after Stop")
		}
	case <-time.After(time.Second):
		t.Error("timeout waiting for reloads channel to close")
	}
}
