package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	loader := NewLoader(filepath.Join(t.TempDir(), "missing.yaml"))
	s, err := loader.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if s != Default() {
		t.Fatalf("Load() = %+v, want defaults", s)
	}
}

func TestLoadParsesYAMLFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.yaml")
	yaml := `
library:
  use_unified_manager: true
  auto_queue_downloads: true
  download_cleanup_days: 7
  sync_cooldown_minutes: 15
  enrichment_batch_size: 50
queue:
  check_interval_seconds: 3
status:
  check_interval_seconds: 8
  stale_threshold_hours: 6
circuit_breaker:
  failure_threshold: 10
  timeout_seconds: 120
token:
  refresh_leeway_seconds: 90
`
	if err := os.WriteFile(path, []byte(yaml), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	s, err := NewLoader(path).Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !s.Library.UseUnifiedManager || !s.Library.AutoQueueDownloads {
		t.Fatalf("library switches not parsed: %+v", s.Library)
	}
	if s.Library.DownloadCleanupDays != 7 || s.Queue.CheckIntervalSeconds != 3 {
		t.Fatalf("settings not parsed: %+v", s)
	}
	if s.CircuitBreaker.FailureThreshold != 10 || s.Token.RefreshLeewaySeconds != 90 {
		t.Fatalf("settings not parsed: %+v", s)
	}
}

func TestLoadRejectsInvalidYAMLAfterMerge(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.yaml")
	if err := os.WriteFile(path, []byte("queue:\n  check_interval_seconds: 0\n"), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if _, err := NewLoader(path).Load(); err == nil {
		t.Fatal("Load() = nil error, want validation failure")
	}
}

func TestEnvOverrideTakesPrecedenceOverFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.yaml")
	if err := os.WriteFile(path, []byte("queue:\n  check_interval_seconds: 5\n"), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	t.Setenv("VINYLSYNC_QUEUE_CHECK_INTERVAL_SECONDS", "20")

	s, err := NewLoader(path).Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if s.Queue.CheckIntervalSeconds != 20 {
		t.Fatalf("CheckIntervalSeconds = %d, want 20 (env override)", s.Queue.CheckIntervalSeconds)
	}
}

func TestEnvOverrideIgnoresUnparsableValue(t *testing.T) {
	t.Setenv("VINYLSYNC_QUEUE_CHECK_INTERVAL_SECONDS", "not-a-number")

	s, err := NewLoader("").Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if s.Queue.CheckIntervalSeconds != Default().Queue.CheckIntervalSeconds {
		t.Fatalf("CheckIntervalSeconds = %d, want default preserved", s.Queue.CheckIntervalSeconds)
	}
}
