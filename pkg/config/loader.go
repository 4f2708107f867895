package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/pelletier/go-toml/v2"
)

// Load reads and parses the configuration file and environment variables.
// An empty path or a missing file yields the defaults.
func Load(configPath string) (*Config, *Secrets, error) {
	var cfg Config

	if configPath != "" {
		data, err := os.ReadFile(configPath)
		switch {
		case errors.Is(err, fs.ErrNotExist):
		case err != nil:
			return nil, nil, fmt.Errorf("failed to read config file: %w", err)
		default:
			if err := toml.Unmarshal(data, &cfg); err != nil {
				return nil, nil, fmt.Errorf("failed to parse config file: %w", err)
			}
		}
	}

	applyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, LoadSecrets(), nil
}

// applyDefaults sets default values for optional configuration fields
func applyDefaults(cfg *Config) {
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = ":8080"
	}
	if cfg.Server.ShutdownTimeoutSeconds == 0 {
		cfg.Server.ShutdownTimeoutSeconds = 10
	}

	if cfg.Client.ServerURL == "" {
		cfg.Client.ServerURL = "http://localhost:8080"
	}
	if cfg.Client.StatusRate == 0 {
		cfg.Client.StatusRate = 4
	}
	if cfg.Client.LogFile == "" {
		cfg.Client.LogFile = "storyloom.log"
	}

	if cfg.Store.Backend == "" {
		cfg.Store.Backend = BackendSQLite
	}
	if cfg.Store.Path == "" {
		cfg.Store.Path = "storyloom.db"
	}

	if cfg.Jobs.Provider == "" {
		cfg.Jobs.Provider = ProviderGemini
	}
	if cfg.Jobs.Model == "" {
		cfg.Jobs.Model = "gemini-2.0-flash"
	}
	if cfg.Jobs.MaxConcurrent == 0 {
		cfg.Jobs.MaxConcurrent = 4
	}
	if cfg.Jobs.RetentionMinutes == 0 {
		cfg.Jobs.RetentionMinutes = 60
	}

	if cfg.Coordinator.DefaultModel == "" {
		cfg.Coordinator.DefaultModel = cfg.Jobs.Model
	}
	if cfg.Coordinator.PreviewLimit == 0 {
		cfg.Coordinator.PreviewLimit = 280
	}
	if cfg.Coordinator.PollIntervalMS == 0 {
		cfg.Coordinator.PollIntervalMS = 1500
	}
	if cfg.Coordinator.PollRetryDelayMS == 0 {
		cfg.Coordinator.PollRetryDelayMS = 3000
	}
	if cfg.Coordinator.MaxWatchSeconds == 0 {
		cfg.Coordinator.MaxWatchSeconds = 1800
	}
	if cfg.Coordinator.CancelSupersededJobs == nil {
		enabled := true
		cfg.Coordinator.CancelSupersededJobs = &enabled
	}
}
