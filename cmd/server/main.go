package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/draftmate/draftmate-server/internal/config"
	"github.com/draftmate/draftmate-server/internal/delivery"
	"github.com/draftmate/draftmate-server/internal/gateway"
	"github.com/draftmate/draftmate-server/internal/match"
	"github.com/draftmate/draftmate-server/internal/rpc"
	"github.com/draftmate/draftmate-server/internal/session"
	"github.com/draftmate/draftmate-server/internal/store"
)

var (
	configPath = flag.String("config", "config/config.yaml", "path to configuration file")
	version    = "dev" // set via ldflags during build
)

func main() {
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger, err := initLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("starting coordinator",
		zap.String("version", version),
		zap.String("config", *configPath),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	rdb, err := store.NewClient(ctx, cfg.Redis)
	if err != nil {
		logger.Fatal("failed to connect to store", zap.Error(err))
	}
	defer rdb.Close()
	logger.Info("store connected", zap.String("addr", cfg.Redis.Addr))

	registry := session.NewRegistry(rdb, cfg.Session.TTL, logger)
	logger.Info("session registry initialized",
		zap.Duration("session_ttl", cfg.Session.TTL),
	)

	binding := match.NewBindingService(rdb, cfg.Match.BindingTTL, logger)
	logger.Info("match binding service initialized",
		zap.Duration("binding_ttl", cfg.Match.BindingTTL),
	)

	queue := delivery.NewQueue(rdb, cfg.Delivery.Retention, logger)
	logger.Info("pending event queue initialized",
		zap.Duration("retention", cfg.Delivery.Retention),
	)

	correlator := rpc.NewCorrelator(rdb, cfg.RPC.RequestTTL, cfg.RPC.CallTimeout, logger)
	logger.Info("rpc correlator initialized",
		zap.Duration("request_ttl", cfg.RPC.RequestTTL),
		zap.Duration("call_timeout", cfg.RPC.CallTimeout),
	)

	gw := gateway.New(
		cfg.Server,
		registry,
		binding,
		queue,
		correlator,
		cfg.RPC.CallTimeout,
		commandLogger{logger: logger},
		logger,
	)

	// Periodic sweep: stale PENDING rpc records become TIMEOUT. Idempotent,
	// so running it on every replica is fine.
	go func() {
		ticker := time.NewTicker(cfg.RPC.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				correlator.CleanupExpiredRequests(ctx)
			}
		}
	}()

	go func() {
		if err := gw.Start(ctx); err != nil {
			logger.Error("gateway error", zap.Error(err))
		}
	}()

	logger.Info("coordinator initialized",
		zap.String("version", version),
		zap.String("address", cfg.Server.Address),
	)

	sig := <-sigChan
	logger.Info("received shutdown signal", zap.String("signal", sig.String()))

	logger.Info("shutting down gracefully...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := gw.Shutdown(shutdownCtx); err != nil {
		logger.Warn("gateway shutdown", zap.Error(err))
	}

	logger.Info("coordinator stopped")
}

// commandLogger stands in for the business logic collaborator; embedding
// services replace it with their own dispatcher.
type commandLogger struct {
	logger *zap.Logger
}

func (d commandLogger) Dispatch(_ context.Context, playerKey, matchID, command string, _ json.RawMessage) error {
	d.logger.Info("command received",
		zap.String("player", playerKey),
		zap.String("match_id", matchID),
		zap.String("command", command),
	)
	return nil
}

// initLogger initializes the zap logger based on configuration
func initLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	var level zapcore.Level
	switch cfg.Level {
	case "debug":
		level = zapcore.DebugLevel
	case "info":
		level = zapcore.InfoLevel
	case "warn":
		level = zapcore.WarnLevel
	case "error":
		level = zapcore.ErrorLevel
	default:
		level = zapcore.InfoLevel
	}

	var zapCfg zap.Config
	if cfg.Format == "json" {
		zapCfg = zap.NewProductionConfig()
	} else {
		zapCfg = zap.NewDevelopmentConfig()
		zapCfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}

	zapCfg.Level = zap.NewAtomicLevelAt(level)

	return zapCfg.Build()
}
