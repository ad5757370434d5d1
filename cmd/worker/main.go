// cmd/worker/main.go
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/unclebandit/mailpacer/internal/app"
	"github.com/unclebandit/mailpacer/internal/config"
	"github.com/unclebandit/mailpacer/internal/logger"
	"github.com/unclebandit/mailpacer/internal/metrics"
)

// Consumer is the part of the worker main drives.
type Consumer interface {
	Start(ctx context.Context) error
}

func main() {
	if err := godotenv.Load(); err != nil {
		fmt.Fprintln(os.Stderr, "⚠️ No .env file found, relying on OS environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "invalid configuration:", err)
		os.Exit(1)
	}
	log, cleanup, err := logger.New(logger.Options{Level: cfg.LogLevel, File: cfg.LogFile})
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer cleanup()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, log)
	if err != nil {
		log.Fatal("startup failed", zap.Error(err))
	}
	defer a.Close()

	if err := a.RequireSharedQueue(); err != nil {
		log.Fatal("nothing can enqueue to this worker", zap.Error(err))
	}
	w, err := a.Worker()
	if err != nil {
		log.Fatal("worker setup failed", zap.Error(err))
	}

	if err := consume(ctx, w, log); err != nil {
		log.Error("worker stopped with error", zap.Error(err))
	}
}

// consume runs c until ctx is cancelled and reports the drain.
func consume(ctx context.Context, c Consumer, log *zap.Logger) error {
	go func() {
		<-ctx.Done()
		log.Info("shutdown requested, draining in-flight jobs", zap.Int64("in_flight", metrics.InFlight()))
	}()
	return c.Start(ctx)
}
