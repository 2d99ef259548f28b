package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/SkynetNext/edge-gateway/internal/config"
	"github.com/SkynetNext/edge-gateway/internal/gateway"
	"github.com/SkynetNext/edge-gateway/internal/logger"
	"github.com/SkynetNext/edge-gateway/internal/tracing"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
)

var (
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

func main() {
	configPath := pflag.String("config", "config/config.yaml", "Configuration file path")
	logLevel := pflag.String("log-level", "", "Log level (debug, info, warn, error); defaults to $LOG_LEVEL or info")
	pflag.Parse()

	level := *logLevel
	if level == "" {
		level = os.Getenv("LOG_LEVEL")
	}
	if level == "" {
		level = "info"
	}
	if err := logger.Init(level); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.L.Fatal("Failed to load configuration", zap.Error(err))
	}

	if cfg.Tracing.Endpoint != "" {
		if err := tracing.Init(cfg.Tracing.ServiceName, version, cfg.Tracing.Endpoint, cfg.Tracing.SampleRatio); err != nil {
			logger.L.Warn("Failed to initialize tracing", zap.Error(err))
		} else {
			logger.L.Info("Tracing initialized", zap.String("endpoint", cfg.Tracing.Endpoint))
		}
	}

	gw, err := gateway.New(cfg, gateway.WithConfigFile(*configPath, config.DefaultReloadDebounce))
	if err != nil {
		logger.L.Fatal("Failed to create gateway", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := gw.Start(ctx); err != nil {
		logger.L.Fatal("Failed to start gateway", zap.Error(err))
	}

	logger.L.Info("Edge gateway started",
		zap.String("version", version),
		zap.String("build_time", buildTime),
		zap.String("git_commit", gitCommit),
		zap.Stringer("listen_addr", gw.Addr()),
		zap.String("pod", os.Getenv("POD_NAME")),
	)

	<-ctx.Done()
	logger.L.Info("Received stop signal, starting graceful shutdown...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.GracefulShutdownTimeout)
	defer shutdownCancel()

	if err := gw.Shutdown(shutdownCtx); err != nil {
		logger.L.Error("Error during gateway shutdown", zap.Error(err))
	}

	if err := tracing.Shutdown(shutdownCtx); err != nil {
		logger.L.Warn("Error during tracing shutdown", zap.Error(err))
	}

	logger.L.Info("Edge gateway closed")
}
