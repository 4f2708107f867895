package config

import (
	"fmt"
	"net/url"
	"os"
	"time"

	"github.com/nstogner/storyloom/pkg/coordinator"
	"github.com/nstogner/storyloom/pkg/jobs"
)

// Config represents the complete application configuration
type Config struct {
	Server      ServerConfig      `toml:"server"`
	Client      ClientConfig      `toml:"client"`
	Store       StoreConfig       `toml:"store"`
	Coordinator CoordinatorConfig `toml:"coordinator"`
	Quota       QuotaConfig       `toml:"quota"`
	Jobs        JobsConfig        `toml:"jobs"`
}

// ServerConfig holds job server settings
type ServerConfig struct {
	Addr                   string `toml:"addr"`                     // Listen address (default ":8080")
	ShutdownTimeoutSeconds int    `toml:"shutdown_timeout_seconds"` // Graceful shutdown window (default 10)
}

// ClientConfig holds terminal client settings
type ClientConfig struct {
	ServerURL  string  `toml:"server_url"`  // Job server base URL (default "http://localhost:8080")
	StatusRate float64 `toml:"status_rate"` // Job status polls per second across all watchers (default 4)
	LogFile    string  `toml:"log_file"`    // Client log file (default "storyloom.log")
}

// Store backends
const (
	BackendSQLite = "sqlite"
	BackendMemory = "memory"
)

// StoreConfig selects where the message log lives
type StoreConfig struct {
	Backend string `toml:"backend"` // sqlite or memory (default sqlite)
	Path    string `toml:"path"`    // SQLite database file (default "storyloom.db")
}

// CoordinatorConfig tunes generation coordination
type CoordinatorConfig struct {
	DefaultModel         string `toml:"default_model"`          // Model recorded on new sessions (default: jobs.model)
	PreviewLimit         int    `toml:"preview_limit"`          // Preview characters shown before expansion (default 280)
	PollIntervalMS       int    `toml:"poll_interval_ms"`       // Headless watcher poll interval (default 1500)
	PollRetryDelayMS     int    `toml:"poll_retry_delay_ms"`    // Delay after a failed poll (default 3000)
	MaxWatchSeconds      int    `toml:"max_watch_seconds"`      // Give up on a detached job after this long (default 1800)
	CancelSupersededJobs *bool  `toml:"cancel_superseded_jobs"` // Hard-cancel a job replaced by a new turn (default true)
	CancelOnDelete       bool   `toml:"cancel_on_delete"`       // Hard-cancel a deleted session's job (default false)
}

// QuotaConfig limits turns per session
type QuotaConfig struct {
	MaxTurnsPerSession int `toml:"max_turns_per_session"` // 0 = unlimited
	TurnsPerMinute     int `toml:"turns_per_minute"`      // 0 = unlimited
}

// Model providers
const (
	ProviderGemini = "gemini"
	ProviderEcho   = "echo"
)

// JobsConfig holds job server generation settings
type JobsConfig struct {
	Provider         string `toml:"provider"`          // gemini or echo (default gemini)
	Model            string `toml:"model"`             // Default model (default "gemini-2.0-flash")
	MaxConcurrent    int    `toml:"max_concurrent"`    // Jobs generating at once (default 4)
	RetentionMinutes int    `toml:"retention_minutes"` // How long finished jobs stay queryable (default 60)
	EchoDelayMS      int    `toml:"echo_delay_ms"`     // Pause between echo chunks (default 0)
}

// Secrets holds sensitive credentials loaded from the environment
type Secrets struct {
	GeminiAPIKey string
}

// LoadSecrets loads sensitive credentials from environment variables
func LoadSecrets() *Secrets {
	return &Secrets{
		GeminiAPIKey: os.Getenv("GEMINI_API_KEY"),
	}
}

// Validate checks the configuration for errors
func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("server.addr must not be empty")
	}
	if c.Server.ShutdownTimeoutSeconds < 0 {
		return fmt.Errorf("server.shutdown_timeout_seconds must be non-negative")
	}

	u, err := url.Parse(c.Client.ServerURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("client.server_url must be an http(s) url, got %q", c.Client.ServerURL)
	}
	if c.Client.StatusRate <= 0 {
		return fmt.Errorf("client.status_rate must be positive")
	}

	switch c.Store.Backend {
	case BackendSQLite:
		if c.Store.Path == "" {
			return fmt.Errorf("store.path is required for the sqlite backend")
		}
	case BackendMemory:
	default:
		return fmt.Errorf("store.backend must be %q or %q, got %q", BackendSQLite, BackendMemory, c.Store.Backend)
	}

	co := c.Coordinator
	if co.PreviewLimit < 1 {
		return fmt.Errorf("coordinator.preview_limit must be at least 1")
	}
	if co.PollIntervalMS < 10 {
		return fmt.Errorf("coordinator.poll_interval_ms must be at least 10")
	}
	if co.PollRetryDelayMS < co.PollIntervalMS {
		return fmt.Errorf("coordinator.poll_retry_delay_ms (%d) must not be shorter than poll_interval_ms (%d)", co.PollRetryDelayMS, co.PollIntervalMS)
	}
	if co.MaxWatchSeconds < 1 {
		return fmt.Errorf("coordinator.max_watch_seconds must be at least 1")
	}

	if c.Quota.MaxTurnsPerSession < 0 || c.Quota.TurnsPerMinute < 0 {
		return fmt.Errorf("quota limits must be non-negative")
	}

	switch c.Jobs.Provider {
	case ProviderGemini, ProviderEcho:
	default:
		return fmt.Errorf("jobs.provider must be %q or %q, got %q", ProviderGemini, ProviderEcho, c.Jobs.Provider)
	}
	if c.Jobs.MaxConcurrent < 1 {
		return fmt.Errorf("jobs.max_concurrent must be at least 1")
	}
	if c.Jobs.RetentionMinutes < 1 {
		return fmt.Errorf("jobs.retention_minutes must be at least 1")
	}
	if c.Jobs.EchoDelayMS < 0 {
		return fmt.Errorf("jobs.echo_delay_ms must be non-negative")
	}
	return nil
}

// Runtime converts the section into coordinator settings.
func (c CoordinatorConfig) Runtime() coordinator.Config {
	return coordinator.Config{
		DefaultModel:         c.DefaultModel,
		PreviewLimit:         c.PreviewLimit,
		PollInterval:         time.Duration(c.PollIntervalMS) * time.Millisecond,
		PollRetryDelay:       time.Duration(c.PollRetryDelayMS) * time.Millisecond,
		MaxWatchDuration:     time.Duration(c.MaxWatchSeconds) * time.Second,
		CancelSupersededJobs: c.CancelSupersededJobs == nil || *c.CancelSupersededJobs,
		CancelOnDelete:       c.CancelOnDelete,
	}
}

// Runtime converts the section into job manager settings.
func (c JobsConfig) Runtime() jobs.Config {
	return jobs.Config{
		Model:         c.Model,
		MaxConcurrent: c.MaxConcurrent,
		Retention:     time.Duration(c.RetentionMinutes) * time.Minute,
	}
}
