// Package bootstrap wires configuration, logging and the process lifecycle.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"tri_trader/internal/config"
	"tri_trader/internal/core"
	"tri_trader/pkg/logging"
)

// App holds the process-level dependencies every component shares.
type App struct {
	Cfg    *config.Config
	Logger core.Logger

	sync func() error
}

// NewApp loads configuration and initializes the logger.
func NewApp(configPath string) (*App, error) {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	zl, err := logging.NewZapLogger(cfg.System.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("logger: %w", err)
	}

	return &App{Cfg: cfg, Logger: zl, sync: zl.Sync}, nil
}

// Runner is a component with a blocking, context-aware run loop.
type Runner interface {
	Run(ctx context.Context) error
}

// RunnerFunc adapts a function to the Runner interface.
type RunnerFunc func(ctx context.Context) error

func (f RunnerFunc) Run(ctx context.Context) error { return f(ctx) }

// Run starts every runner under one error group and blocks until all have
// returned. SIGINT/SIGTERM cancel the shared context; the first runner error
// cancels the rest and is returned.
func (a *App) Run(runners ...Runner) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	defer func() {
		_ = a.sync()
	}()

	g, ctx := errgroup.WithContext(ctx)

	a.Logger.Info("starting application")
	for _, runner := range runners {
		r := runner
		g.Go(func() error {
			return r.Run(ctx)
		})
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error("application stopped with error", "error", err)
		return err
	}

	a.Logger.Info("application shut down gracefully")
	return nil
}
