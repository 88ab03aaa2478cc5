package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"github.com/mjasion/balena-home/balkon/config"
	"github.com/mjasion/balena-home/balkon/engine"
	"github.com/mjasion/balena-home/balkon/export"
	"github.com/mjasion/balena-home/balkon/persist"
	"github.com/mjasion/balena-home/balkon/pkg/profiling"
	"github.com/mjasion/balena-home/balkon/pkg/telemetry"
)

const exportTimeLayout = "2006-01-02 15:04:05"

func main() {
	// Parse command-line flags
	configPath := flag.String("c", "config.yaml", "Path to configuration file")
	exportFrom := flag.String("export-from", "", "Export persisted samples from this local time (YYYY-MM-DD or \"YYYY-MM-DD HH:MM:SS\")")
	exportTo := flag.String("export-to", "", "Export persisted samples up to this local time")
	exportOut := flag.String("export-out", "balkon_export.csv", "Export destination file")
	flag.Parse()

	// Load configuration; without a config file everything comes from the environment
	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	logger, err := cfg.NewLogger()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if *exportFrom != "" || *exportTo != "" {
		if err := runExport(cfg, logger, *exportFrom, *exportTo, *exportOut); err != nil {
			logger.Error("export failed", zap.Error(err))
			os.Exit(1)
		}
		return
	}

	logger.Info("starting balkon capture service")
	cfg.PrintConfig(logger)

	// Initialize Pyroscope profiling
	profiler, err := profiling.Start(&cfg.Profiling, logger)
	if err != nil {
		logger.Error("failed to initialize profiler", zap.Error(err))
		os.Exit(1)
	}
	defer func() {
		if profiler != nil {
			if err := profiler.Stop(); err != nil {
				logger.Error("failed to shutdown profiler", zap.Error(err))
			}
		}
	}()

	// Initialize OpenTelemetry providers
	ctx := context.Background()
	otelProviders, err := telemetry.InitProviders(ctx, &cfg.OpenTelemetry, logger)
	if err != nil {
		logger.Error("failed to initialize OpenTelemetry providers", zap.Error(err))
		os.Exit(1)
	}
	defer func() {
		if otelProviders != nil {
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer shutdownCancel()
			if err := otelProviders.Shutdown(shutdownCtx); err != nil {
				logger.Error("failed to shutdown OpenTelemetry providers", zap.Error(err))
			}
		}
	}()

	ctx, mainSpan := otel.Tracer("main").Start(ctx, "main.run")
	defer mainSpan.End()

	eng, err := engine.New(cfg, logger)
	if err != nil {
		logger.Error("failed to create capture engine", zap.Error(err))
		os.Exit(1)
	}

	// Cancel on SIGINT/SIGTERM; the engine drains the write queue before Run returns
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := eng.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("capture engine stopped with error", zap.Error(err))
		os.Exit(1)
	}

	logger.Info("balkon capture service stopped")
}

func loadConfig(path string) (*config.Config, error) {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return config.LoadEnv()
	}
	return config.Load(path)
}

func runExport(cfg *config.Config, logger *zap.Logger, fromArg, toArg, out string) error {
	from, err := parseExportTime(fromArg, time.Time{})
	if err != nil {
		return fmt.Errorf("invalid -export-from: %w", err)
	}
	to, err := parseExportTime(toArg, time.Now())
	if err != nil {
		return fmt.Errorf("invalid -export-to: %w", err)
	}
	if len(toArg) == len(time.DateOnly) {
		to = to.AddDate(0, 0, 1).Add(-time.Microsecond)
	}

	reader, err := persist.NewReader(cfg.Capture.Channels, cfg.Persistence.CacheFiles, logger)
	if err != nil {
		return err
	}
	settings := config.LoadSettings(cfg.Settings.Path, cfg.Capture.Channels, logger)

	rows, err := export.WriteFile(context.Background(), reader, cfg.Persistence.Dir, out, export.Request{
		From:     from,
		To:       to,
		Settings: settings,
	})
	if err != nil {
		return err
	}

	logger.Info("export written",
		zap.String("file", out),
		zap.Int("rows", rows),
		zap.Time("from", from),
		zap.Time("to", to))
	return nil
}

// parseExportTime accepts a date or a date and time in local time; empty returns fallback
func parseExportTime(s string, fallback time.Time) (time.Time, error) {
	if s == "" {
		return fallback, nil
	}
	if t, err := time.ParseInLocation(exportTimeLayout, s, time.Local); err == nil {
		return t, nil
	}
	return time.ParseInLocation(time.DateOnly, s, time.Local)
}
