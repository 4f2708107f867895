// storyloom is a terminal client for the story job server. Each session is
// an independent conversation; switching away from a session leaves its
// generation running on the server and the client picks the result up later.
//
// Usage:
//
//	storyloom-server --config storyloom.toml &
//	storyloom --config storyloom.toml
//
// Keys:
//
//	enter   send the prompt (lines of the form "/attach <url>" add images)
//	ctrl+n  new session
//	tab     next session
//	ctrl+x  stop the active generation
//	ctrl+r  rerun the last story
//	ctrl+e  expand a preview
//	ctrl+d  delete the active session
//	esc     quit
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/nstogner/storyloom/pkg/config"
	"github.com/nstogner/storyloom/pkg/coordinator"
	"github.com/nstogner/storyloom/pkg/quota"
	"github.com/nstogner/storyloom/pkg/store"
	"github.com/nstogner/storyloom/pkg/store/memory"
	"github.com/nstogner/storyloom/pkg/store/sqlite"
	"github.com/nstogner/storyloom/pkg/transport/ws"
)

var (
	configPath string
	logLevel   string
	guest      bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "storyloom",
		Short: "Terminal client for collaborative story generation",
		RunE:  run,
	}
	rootCmd.Flags().StringVar(&configPath, "config", "storyloom.toml", "Path to configuration file")
	rootCmd.Flags().StringVar(&logLevel, "log-level", "info", "Log level (trace, debug, info, warn, error)")
	rootCmd.Flags().BoolVar(&guest, "guest", false, "Keep sessions in memory only")

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func parseLevel(s string) slog.Level {
	switch strings.ToUpper(s) {
	case "TRACE":
		return slog.Level(-8)
	case "DEBUG":
		return slog.LevelDebug
	case "WARN":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func openStore(cfg config.StoreConfig) (store.Store, error) {
	if guest || cfg.Backend == config.BackendMemory {
		return memory.New(), nil
	}
	return sqlite.New(cfg.Path)
}

func run(cmd *cobra.Command, args []string) error {
	cfg, _, err := config.Load(configPath)
	if err != nil {
		return err
	}

	// The terminal belongs to the UI, so logs go to a file.
	f, err := os.OpenFile(cfg.Client.LogFile, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0666)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}
	defer f.Close()
	logger := slog.New(slog.NewTextHandler(f, &slog.HandlerOptions{Level: parseLevel(logLevel)}))
	slog.SetDefault(logger)
	slog.Info("Logging initialized", "level", logLevel, "guest", guest)

	st, err := openStore(cfg.Store)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer st.Close()

	client, err := ws.New(cfg.Client.ServerURL, ws.Options{
		StatusRate: cfg.Client.StatusRate,
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	limiter := quota.New(cfg.Quota.MaxTurnsPerSession, cfg.Quota.TurnsPerMinute)
	coord, err := coordinator.New(coordinator.Options{
		Store:     st,
		Transport: client,
		Jobs:      client,
		Quota:     limiter,
		Logger:    logger,
		Config:    cfg.Coordinator.Runtime(),
	})
	if err != nil {
		return err
	}
	defer coord.Close()

	ctx := context.Background()
	restoreCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	n, err := coord.Restore(restoreCtx)
	cancel()
	if err != nil {
		slog.Error("Failed to restore detached jobs", "error", err)
	} else if n > 0 {
		slog.Info("Restored detached jobs", "count", n)
	}

	p := tea.NewProgram(initialModel(ctx, coord, st, limiter), tea.WithAltScreen())
	if _, err := p.Run(); err != nil {
		return fmt.Errorf("alas, there's been an error: %w", err)
	}
	return nil
}
