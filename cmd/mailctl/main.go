// cmd/mailctl/main.go
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/unclebandit/mailpacer/internal/app"
	"github.com/unclebandit/mailpacer/internal/config"
	"github.com/unclebandit/mailpacer/internal/db"
	"github.com/unclebandit/mailpacer/internal/logger"
)

func main() {
	envFile := flag.String("env", ".env", "dotenv file to load")
	flag.Usage = func() { fmt.Fprintln(flag.CommandLine.Output(), usage) }
	flag.Parse()

	if err := godotenv.Load(*envFile); err != nil {
		fmt.Fprintln(os.Stderr, "⚠️ No .env file found, relying on OS environment variables")
	}

	if err := run(flag.Args()); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		if errors.Is(err, errUsage) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}

func run(args []string) error {
	cmd := ""
	if len(args) > 0 {
		cmd, args = args[0], args[1:]
	}

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	log, cleanup, err := logger.New(logger.Options{Level: cfg.LogLevel, File: cfg.LogFile})
	if err != nil {
		return err
	}
	defer cleanup()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	c := &cli{
		out:        os.Stdout,
		importFile: cfg.ImportFile,
		exportFile: cfg.ExportFile,
		logFile:    cfg.LogFile,
	}
	if needsStore(cmd) {
		a, err := app.New(ctx, cfg, log)
		if err != nil {
			return err
		}
		defer a.Close()
		c.admin = a.Admin()
		c.migrate = func() error { return db.Migrate(a.DB, log) }
		if cmd == "send" {
			if err := a.RequireSharedQueue(); err != nil {
				return err
			}
			if c.scheduler, err = a.Scheduler(); err != nil {
				return err
			}
		}
	}

	log.Debug("running command", zap.String("command", cmd), zap.Strings("args", args))
	return c.run(ctx, cmd, args)
}
