package bootstrap

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"
)

// App supervises the engine's process lifecycle: it owns the termination
// signal context and runs the long-lived components (leader elector,
// background loop supervisor) under one errgroup.
type App struct {
	Cfg    *Config
	Logger *slog.Logger
}

// Runner is a long-lived component driven by App.Run. Run must return
// promptly once ctx is cancelled; cleanup that outlives the context
// (flushing exporters, closing stores) happens in main after Run returns.
type Runner interface {
	Run(ctx context.Context) error
}

// Run blocks until every runner returns or a termination signal arrives.
// SIGINT/SIGTERM cancel the shared context; runner errors that are not
// signal-driven are propagated.
func (a *App) Run(runners ...Runner) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	a.Logger.Info("starting engine runners", "count", len(runners))
	for _, runner := range runners {
		r := runner
		g.Go(func() error {
			return r.Run(ctx)
		})
	}

	if err := g.Wait(); err != nil {
		if ctx.Err() == nil {
			a.Logger.Error("engine stopped with error", "error", err)
			return err
		}
	}

	a.Logger.Info("engine shut down gracefully")
	return nil
}
