package config

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func writeConfigFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config file: %v", err)
	}
}

const watcherYAMLv1 = `
server:
  log_level: info
store:
  postgres_dsn: postgres://localhost/nexsus
`

const watcherYAMLv2 = `
server:
  log_level: debug
store:
  postgres_dsn: postgres://localhost/nexsus
`

func TestWatcher_InitialLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	writeConfigFile(t, path, watcherYAMLv1)

	w, err := NewWatcher(path, nil, WithInterval(10*time.Millisecond))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer w.Stop()

	if w.Current().Server.LogLevel != LogInfo {
		t.Fatalf("initial log level = %q, want info", w.Current().Server.LogLevel)
	}
}

func TestWatcher_DetectsChange(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	writeConfigFile(t, path, watcherYAMLv1)

	var mu sync.Mutex
	var gotNew *Config
	onChange := func(_, new *Config) {
		mu.Lock()
		gotNew = new
		mu.Unlock()
	}

	w, err := NewWatcher(path, onChange, WithInterval(10*time.Millisecond))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer w.Stop()

	// Backdate the mtime-then-rewrite so the poll sees a different mtime.
	time.Sleep(20 * time.Millisecond)
	writeConfigFile(t, path, watcherYAMLv2)
	future := time.Now().Add(time.Hour)
	os.Chtimes(path, future, future)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		done := gotNew != nil
		mu.Unlock()
		if done {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	if gotNew == nil {
		t.Fatal("onChange never fired")
	}
	if gotNew.Server.LogLevel != LogDebug {
		t.Fatalf("reloaded log level = %q, want debug", gotNew.Server.LogLevel)
	}
}

func TestWatcher_KeepsOldConfigOnInvalidReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	writeConfigFile(t, path, watcherYAMLv1)

	w, err := NewWatcher(path, nil, WithInterval(10*time.Millisecond))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer w.Stop()

	writeConfigFile(t, path, "server:\n  log_level: shouting\n")
	future := time.Now().Add(time.Hour)
	os.Chtimes(path, future, future)

	time.Sleep(100 * time.Millisecond)
	if w.Current().Server.LogLevel != LogInfo {
		t.Fatalf("current config changed to %q despite invalid reload", w.Current().Server.LogLevel)
	}
}
