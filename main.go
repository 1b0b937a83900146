package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"fleet-monitor/devicegw/internal/alerts"
	"fleet-monitor/devicegw/internal/config"
	"fleet-monitor/devicegw/internal/gateway"
	"fleet-monitor/devicegw/internal/store"
	httptransport "fleet-monitor/devicegw/internal/transport/http"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file — using system environment variables")
	}

	cfg := config.Load()

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		log.Fatalf("Failed to build logger: %v", err)
	}
	defer logger.Sync()
	sugar := logger.Sugar()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		sugar.Info("shutdown signal received")
		cancel()
	}()

	initCtx, initCancel := context.WithTimeout(ctx, 10*time.Second)
	defer initCancel()

	db, err := store.NewStore(initCtx, cfg)
	if err != nil {
		sugar.Fatalw("postgres init failed", "error", err)
	}
	defer db.Close()

	bus, err := store.NewBroadcast(initCtx, cfg)
	if err != nil {
		sugar.Fatalw("redis init failed", "error", err)
	}
	defer bus.Close()

	evaluator := alerts.NewEvaluator(db, bus, cfg.AlertDedupWindow, sugar.Named("alerts"))
	gw := gateway.New(cfg, db, bus, evaluator, sugar.Named("gateway"))
	ops := httptransport.NewServer(cfg.HTTPPort, gw.Registry(), db, bus, sugar.Named("ops"))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return gw.Run(gctx) })
	g.Go(func() error { return ops.Run(gctx) })

	if err := g.Wait(); err != nil {
		sugar.Fatalw("server error", "error", err)
	}
	sugar.Info("shutdown complete")
}

func newLogger(level string) (*zap.Logger, error) {
	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = zapcore.InfoLevel
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	return cfg.Build()
}
