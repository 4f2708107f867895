package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "storyloom.toml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, _, err := Load(filepath.Join(t.TempDir(), "absent.toml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Addr != ":8080" || cfg.Store.Backend != BackendSQLite || cfg.Jobs.Provider != ProviderGemini {
		t.Errorf("defaults = %+v", cfg)
	}
	if cfg.Coordinator.DefaultModel != cfg.Jobs.Model {
		t.Errorf("DefaultModel = %q, want %q", cfg.Coordinator.DefaultModel, cfg.Jobs.Model)
	}

	rt := cfg.Coordinator.Runtime()
	if rt.PollInterval != 1500*time.Millisecond || rt.PollRetryDelay != 3*time.Second || rt.MaxWatchDuration != 30*time.Minute {
		t.Errorf("coordinator runtime = %+v", rt)
	}
	if !rt.CancelSupersededJobs || rt.CancelOnDelete {
		t.Errorf("cancel defaults = %+v", rt)
	}
}

func TestLoadOverrides(t *testing.T) {
	path := writeConfig(t, `
[server]
addr = "127.0.0.1:9000"

[store]
backend = "memory"

[coordinator]
poll_interval_ms = 200
poll_retry_delay_ms = 400
cancel_superseded_jobs = false
cancel_on_delete = true

[quota]
max_turns_per_session = 20
turns_per_minute = 6

[jobs]
provider = "echo"
model = "echo"
retention_minutes = 5
`)
	cfg, _, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Addr != "127.0.0.1:9000" || cfg.Store.Backend != BackendMemory {
		t.Errorf("cfg = %+v", cfg)
	}
	rt := cfg.Coordinator.Runtime()
	if rt.PollInterval != 200*time.Millisecond || rt.CancelSupersededJobs || !rt.CancelOnDelete {
		t.Errorf("coordinator runtime = %+v", rt)
	}
	if rt.DefaultModel != "echo" {
		t.Errorf("DefaultModel = %q", rt.DefaultModel)
	}
	if cfg.Quota.MaxTurnsPerSession != 20 || cfg.Quota.TurnsPerMinute != 6 {
		t.Errorf("quota = %+v", cfg.Quota)
	}
	if jr := cfg.Jobs.Runtime(); jr.Retention != 5*time.Minute || jr.MaxConcurrent != 4 {
		t.Errorf("jobs runtime = %+v", jr)
	}
}

func TestLoadRejectsBadFiles(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"syntax", "[server\naddr = 1"},
		{"backend", "[store]\nbackend = \"postgres\""},
		{"provider", "[jobs]\nprovider = \"openai\""},
		{"retry shorter than interval", "[coordinator]\npoll_interval_ms = 500\npoll_retry_delay_ms = 100"},
		{"server url", "[client]\nserver_url = \"localhost:8080\""},
		{"negative quota", "[quota]\nturns_per_minute = -1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, _, err := Load(writeConfig(t, tt.body)); err == nil {
				t.Error("Load succeeded")
			}
		})
	}
}

func TestLoadSecrets(t *testing.T) {
	t.Setenv("GEMINI_API_KEY", "test-key")
	if got := LoadSecrets().GeminiAPIKey; got != "test-key" {
		t.Errorf("GeminiAPIKey = %q", got)
	}
}
