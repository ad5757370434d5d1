// cmd/server/main.go
package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/unclebandit/mailpacer/internal/app"
	"github.com/unclebandit/mailpacer/internal/config"
	"github.com/unclebandit/mailpacer/internal/controller"
	"github.com/unclebandit/mailpacer/internal/handler"
	"github.com/unclebandit/mailpacer/internal/logger"
)

func main() {
	// Load .env
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

	if err := run(cfg, log); err != nil {
		log.Error("server stopped", zap.Error(err))
		cleanup()
		os.Exit(1)
	}
}

func run(cfg *config.Config, log *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer a.Close()

	scheduler, err := a.Scheduler()
	if err != nil {
		return err
	}
	workerDone, err := a.StartLocalWorker(ctx)
	if err != nil {
		return err
	}

	messages := controller.NewMessageController(a.Admin(), log)
	dispatch := handler.NewDispatchHandler(scheduler, a.DB, log)

	srv := &http.Server{
		Addr:              net.JoinHostPort("", cfg.HTTPPort),
		Handler:           handler.NewRouter(messages, dispatch),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("🚀 Server running", zap.String("addr", srv.Addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err = <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
	case <-ctx.Done():
		log.Info("shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		err = srv.Shutdown(shutdownCtx)
	}

	if workerDone != nil {
		stop()
		err = errors.Join(err, <-workerDone)
	}
	return err
}
