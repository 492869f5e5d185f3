// ====================================
// File: cmd/gatelink/main.go
// ====================================
package main

import (
	"context"
	"flag"

	"go.uber.org/zap"

	"github.com/northquay/gatelink/internal/app"
	"github.com/northquay/gatelink/internal/config"
	"github.com/northquay/gatelink/internal/logging"
)

func main() {
	configPath := flag.String("config", "configs/gatelink.yaml", "path to the configuration file")
	flag.Parse()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Bootstrap logger, replaced once the configured one is up.
	boot, _ := zap.NewProduction()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		boot.Fatal("Failed to load configuration", zap.Error(err))
	}

	logger, err := logging.New(&logging.Config{
		LogFile:     cfg.Log.File,
		MaxSize:     cfg.Log.MaxSizeMB,
		MaxAge:      cfg.Log.MaxAgeDays,
		MaxBackups:  cfg.Log.MaxBackups,
		Compress:    cfg.Log.Compress,
		Development: cfg.Log.Development,
	})
	if err != nil {
		boot.Fatal("Failed to initialize logger", zap.Error(err))
	}

	logger.Info("Starting gatelink daemon", zap.String("config", *configPath))

	runner := app.NewRunner(cfg, logger)
	if err := runner.Run(ctx); err != nil {
		logger.Fatal("Daemon execution error", zap.Error(err))
	}
}
