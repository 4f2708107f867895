package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/nstogner/storyloom/pkg/config"
	"github.com/nstogner/storyloom/pkg/jobs"
	"github.com/nstogner/storyloom/pkg/models"
	"github.com/nstogner/storyloom/pkg/models/echo"
	"github.com/nstogner/storyloom/pkg/models/gemini"
	"github.com/nstogner/storyloom/pkg/server"
)

var (
	configPath string
	logLevel   string
	addr       string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "storyloom-server",
		Short: "Storyloom job server",
		Long: `storyloom-server runs story generation jobs and streams their progress
over WebSockets. Jobs keep running when their client disconnects and can be
polled or cancelled over HTTP.`,
		RunE: run,
	}
	rootCmd.Flags().StringVar(&configPath, "config", "storyloom.toml", "Path to configuration file")
	rootCmd.Flags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.Flags().StringVar(&addr, "addr", "", "Listen address (overrides server.addr)")

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.ToUpper(s))); err != nil {
		return 0, fmt.Errorf("invalid log level %q", s)
	}
	return level, nil
}

func run(cmd *cobra.Command, args []string) error {
	level, err := parseLevel(logLevel)
	if err != nil {
		return err
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	cfg, secrets, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if addr != "" {
		cfg.Server.Addr = addr
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	provider, closeProvider, err := newProvider(ctx, cfg.Jobs, secrets)
	if err != nil {
		return err
	}
	defer closeProvider()

	mgr := jobs.NewManager(provider, cfg.Jobs.Runtime(), logger)
	defer mgr.Close()

	srv := server.New(mgr, logger)
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start(cfg.Server.Addr)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.Server.ShutdownTimeoutSeconds)*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func newProvider(ctx context.Context, cfg config.JobsConfig, secrets *config.Secrets) (models.ModelProvider, func(), error) {
	switch cfg.Provider {
	case config.ProviderEcho:
		slog.Warn("Using the offline echo provider")
		return echo.New(time.Duration(cfg.EchoDelayMS) * time.Millisecond), func() {}, nil
	default:
		if secrets.GeminiAPIKey == "" {
			return nil, nil, fmt.Errorf("GEMINI_API_KEY must be set for the gemini provider")
		}
		m, err := gemini.New(ctx, secrets.GeminiAPIKey)
		if err != nil {
			return nil, nil, err
		}
		return m, m.Close, nil
	}
}
