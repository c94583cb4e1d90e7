// Command nftbook runs the NFT order book pipeline. It loads configuration,
// validates it, wires dependencies, sets up signal handling, and starts the
// application in the configured mode.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/alanyoungcy/nftbook/internal/app"
	"github.com/alanyoungcy/nftbook/internal/config"
	"github.com/alanyoungcy/nftbook/internal/domain"
)

func main() {
	configPath := flag.String("config", "config.toml", "path to configuration file")
	correctFills := flag.String("correct-fills", "", "path to a JSON array of fill keys to soft-delete, then exit")
	flag.Parse()

	// Setup structured JSON logger.
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	// Load configuration.
	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("failed to load config",
			slog.String("path", *configPath),
			slog.String("error", err.Error()),
		)
		os.Exit(1)
	}

	// Set log level from config.
	var level slog.Level
	switch cfg.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	logger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	// Validate configuration.
	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration", slog.String("error", err.Error()))
		os.Exit(1)
	}
	logger.Debug("configuration loaded", slog.Any("config", config.RedactedConfig(cfg)))

	// Setup signal handling for graceful shutdown.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	application := app.New(cfg, logger)
	defer application.Close()

	if *correctFills != "" {
		if err := runCorrection(ctx, application, *correctFills); err != nil {
			logger.Error("fill correction failed", slog.String("error", err.Error()))
			application.Close()
			os.Exit(1)
		}
		return
	}

	logger.Info("nftbook starting",
		slog.String("mode", cfg.Mode),
		slog.String("config", *configPath),
	)

	if err := application.Run(ctx); err != nil {
		// context.Canceled is expected on clean shutdown.
		if errors.Is(err, context.Canceled) {
			logger.Info("application shut down gracefully")
		} else {
			logger.Error("application exited with error",
				slog.String("error", err.Error()),
			)
			application.Close()
			fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
			os.Exit(1)
		}
	}

	logger.Info("nftbook stopped")
}

func runCorrection(ctx context.Context, application *app.App, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var keys []domain.FillKey
	if err := json.Unmarshal(data, &keys); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return application.CorrectFills(ctx, keys)
}
