package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/SkynetNext/ws-gateway/internal/config"
	"github.com/SkynetNext/ws-gateway/internal/gateway"
	"github.com/SkynetNext/ws-gateway/internal/logger"
	"github.com/SkynetNext/ws-gateway/internal/retry"
	"github.com/SkynetNext/ws-gateway/internal/store"
	"github.com/SkynetNext/ws-gateway/internal/tracing"
)

var (
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

func main() {
	var configPath string
	var migrate bool
	flag.StringVar(&configPath, "config", "config/config.yaml", "Configuration file path")
	flag.BoolVar(&migrate, "migrate", false, "Create missing database tables before starting")
	flag.Parse()

	// Initialize logger (read from environment variable or use default)
	logLevel := os.Getenv("LOG_LEVEL")
	if logLevel == "" {
		logLevel = "info"
	}
	if err := logger.Init(logLevel); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	// Load configuration
	cfg, err := config.Load(configPath)
	if err != nil {
		logger.L.Fatal("Failed to load configuration", zap.Error(err))
	}
	if os.Getenv("LOG_LEVEL") == "" {
		logger.SetLevel(cfg.LogLevel)
	}

	// Initialize tracing (spans are exported only when an endpoint is set)
	endpoint := cfg.Tracing.Endpoint
	if env := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); env != "" {
		endpoint = env
	}
	if err := tracing.Init("ws-gateway", version, endpoint); err != nil {
		logger.L.Warn("Failed to initialize tracing", zap.Error(err))
	} else if endpoint != "" {
		logger.L.Info("Tracing initialized", zap.String("endpoint", endpoint))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	startup := retry.Startup
	startup.OnRetry = func(attempt int, err error, wait time.Duration) {
		logger.L.Warn("Dependency not ready, retrying",
			zap.Int("attempt", attempt),
			zap.Duration("wait", wait),
			zap.Error(err))
	}

	// Open the database when one is configured
	var db *store.DB
	if cfg.Database.URL != "" {
		err := retry.Do(ctx, startup, func(ctx context.Context) error {
			var err error
			db, err = store.Open(ctx, cfg.Database)
			return err
		})
		if err != nil {
			logger.L.Fatal("Failed to connect to the database", zap.Error(err))
		}
		defer db.Close()

		if migrate {
			if err := db.Migrate(ctx); err != nil {
				logger.L.Fatal("Failed to migrate the database", zap.Error(err))
			}
		}
	}

	// Create gateway instance
	gw, err := gateway.New(cfg, db)
	if err != nil {
		logger.L.Fatal("Failed to create gateway", zap.Error(err))
	}
	if err := retry.Do(ctx, startup, gw.CheckDependencies); err != nil {
		logger.L.Fatal("Dependencies unavailable", zap.Error(err))
	}

	// Watch the configuration file for hot reload
	if cfg.ConfigWatchInterval > 0 {
		go func() {
			if err := gw.WatchConfig(ctx, configPath, cfg.ConfigWatchInterval); err != nil && ctx.Err() == nil {
				logger.L.Error("Configuration watcher stopped", zap.Error(err))
			}
		}()
	}

	logger.L.Info("WebSocket Gateway starting",
		zap.String("version", version),
		zap.String("build_time", buildTime),
		zap.String("git_commit", gitCommit),
		zap.String("advertise", cfg.AdvertiseAddr()),
		zap.Bool("database", db != nil),
	)

	// Serve until a stop signal arrives, then shut down gracefully
	if err := gw.Run(ctx); err != nil {
		logger.L.Error("Gateway stopped with error", zap.Error(err))
	}

	// Shutdown tracing
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := tracing.Shutdown(shutdownCtx); err != nil {
		logger.L.Warn("Error during tracing shutdown", zap.Error(err))
	}

	logger.L.Info("WebSocket Gateway closed")
}
