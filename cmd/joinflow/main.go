package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joinflow/joinflow/app"
	"github.com/joinflow/joinflow/internal/logging"
	"github.com/joinflow/joinflow/jobmanager"
	"github.com/joinflow/joinflow/types/config"
	"github.com/spf13/pflag"
)

func main() {
	opts := NewOptions()
	opts.AddFlags(pflag.CommandLine)
	pflag.Parse()

	if err := run(opts); err != nil {
		fmt.Fprintln(os.Stderr, "joinflow:", err)
		os.Exit(1)
	}
}

func run(opts *Options) error {
	if err := opts.Validate(); err != nil {
		return err
	}

	cfg, err := config.LoadFile(opts.ConfigPath, opts.Overrides()...)
	if err != nil {
		return err
	}
	logger := logging.New(cfg.Log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	container, err := app.NewContainer(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := container.Close(); err != nil {
			logger.WithError(err).Warn("failed to close connections")
		}
	}()

	return jobmanager.Run(ctx, container)
}
