// cmd/scheduler/main.go
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/unclebandit/mailpacer/internal/app"
	"github.com/unclebandit/mailpacer/internal/config"
	"github.com/unclebandit/mailpacer/internal/logger"
	"github.com/unclebandit/mailpacer/internal/service"
)

// Dispatcher runs one scheduler pass.
type Dispatcher interface {
	RunPass(ctx context.Context) (*service.PassResult, error)
}

func main() {
	once := flag.Bool("once", false, "run a single pass and exit")
	flag.Parse()

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

	s, err := a.Scheduler()
	if err != nil {
		log.Fatal("scheduler setup failed", zap.Error(err))
	}

	if *once {
		if err := a.RequireSharedQueue(); err != nil {
			log.Fatal("cannot run a single pass", zap.Error(err))
		}
		if err := runPass(ctx, s, os.Stdout, log); err != nil {
			os.Exit(1)
		}
		return
	}

	workerDone, err := a.StartLocalWorker(ctx)
	if err != nil {
		log.Fatal("worker setup failed", zap.Error(err))
	}
	if err := schedule(ctx, cfg.Schedule, s, os.Stdout, log); err != nil {
		log.Error("scheduler stopped", zap.Error(err))
	}
	if workerDone != nil {
		stop()
		if err := <-workerDone; err != nil {
			log.Error("in-process worker stopped with error", zap.Error(err))
		}
	}
}

// runPass runs one pass and prints its summary.
func runPass(ctx context.Context, d Dispatcher, out io.Writer, log *zap.Logger) error {
	res, err := d.RunPass(ctx)
	if res != nil {
		res.Print(out)
	}
	if err != nil {
		log.Error("dispatch pass failed", zap.Error(err))
	}
	return err
}

// schedule runs a pass immediately and then on every tick of spec until ctx
// is cancelled. Ticks that arrive while a pass is running are skipped.
func schedule(ctx context.Context, spec string, d Dispatcher, out io.Writer, log *zap.Logger) error {
	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cronLogger{log.Sugar()})))
	if _, err := c.AddFunc(spec, func() { _ = runPass(ctx, d, out, log) }); err != nil {
		return fmt.Errorf("invalid schedule %q: %w", spec, err)
	}

	_ = runPass(ctx, d, out, log)
	c.Start()
	log.Info("⏱️ Scheduler running", zap.String("schedule", spec))

	<-ctx.Done()
	log.Info("shutdown requested, waiting for the running pass")
	<-c.Stop().Done()
	return nil
}

// cronLogger adapts zap to cron.Logger.
type cronLogger struct {
	s *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.s.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.s.Errorw(msg, append(keysAndValues, "error", err)...)
}
