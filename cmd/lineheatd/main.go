package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/lineheat/lineheat/internal/config"
	"github.com/lineheat/lineheat/internal/hub"
	"github.com/lineheat/lineheat/internal/logging"
	"github.com/lineheat/lineheat/internal/protocol"
	"github.com/lineheat/lineheat/internal/store"
	"github.com/lineheat/lineheat/internal/web"
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "lineheatd",
		Short:         "Realtime coordination server for ambient codebase awareness",
		RunE:          run,
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	f := rootCmd.Flags()
	f.String("token", "", "shared bearer token clients must present (required)")
	f.Int("port", 8720, "HTTP/WebSocket listen port")
	f.Int("retention-days", protocol.DefaultRetentionDays, "days of edit history to retain")
	f.String("db", "lineheat.db", "path to the SQLite event log")
	f.String("log-level", "info", "log level: debug, info, warn, error")

	// Bind flags to viper. Viper keys use underscores (retention_days) so
	// they match the env var suffix after stripping the LINEHEAT_ prefix.
	bindFlag := func(viperKey, flagName string) {
		_ = viper.BindPFlag(viperKey, f.Lookup(flagName))
	}
	bindFlag("token", "token")
	bindFlag("port", "port")
	bindFlag("retention_days", "retention-days")
	bindFlag("db", "db")
	bindFlag("log_level", "log-level")

	// LINEHEAT_TOKEN, LINEHEAT_PORT, LINEHEAT_RETENTION_DAYS, LINEHEAT_DB,
	// LINEHEAT_LOG_LEVEL.
	viper.SetEnvPrefix("LINEHEAT")
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	cfg := config.Load()
	logger := logging.New(cfg.LogLevel)

	if cfg.Token == "" {
		return errors.New("a shared bearer token is required (--token or LINEHEAT_TOKEN)")
	}

	logger.Info("lineheatd starting",
		"version", config.Version,
		"protocol", protocol.ServerProtocolVersion,
		"port", cfg.Port,
		"retentionDays", cfg.RetentionDays,
		"db", cfg.DBPath,
	)

	st, err := store.Open(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open event store: %w", err)
	}
	defer st.Close() //nolint:errcheck

	rt := hub.New(logger, st, hub.Options{
		Token:         cfg.Token,
		RetentionDays: cfg.RetentionDays,
	})
	if err := rt.Bootstrap(); err != nil {
		return fmt.Errorf("rebuild heat state: %w", err)
	}

	webServer := web.New(logger, rt, cfg.Port)
	go func() {
		if err := webServer.Start(); err != nil {
			logger.Error("web server", "error", err)
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		sig := <-sigCh
		logger.Info("shutting down", "signal", sig.String())
		cancel()
	}()

	if err := rt.Run(ctx); err != nil {
		return fmt.Errorf("hub: %w", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := webServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("web server shutdown", "error", err)
	}

	return nil
}
