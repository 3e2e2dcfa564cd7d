package broker

import (
	"context"
	"log/slog"
	"time"
)

// Run sweeps every interval until ctx is cancelled, starting with an
// immediate sweep. A sweep in progress when ctx is cancelled runs to the
// end. A zero interval disables the loop.
func (r *Reaper) Run(ctx context.Context, interval time.Duration) {
	every(ctx, r.logger, "reaper", interval, func(ctx context.Context) error {
		_, err := r.Sweep(ctx)
		return err
	})
}

// RunReconciler reconciles usage every interval until ctx is cancelled.
// The first pass runs after one interval. A zero interval disables the
// loop.
func (b *Broker) RunReconciler(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}

	select {
	case <-ctx.Done():
		return
	case <-time.After(interval):
	}

	every(ctx, b.logger, "reconcile", interval, func(ctx context.Context) error {
		_, err := b.Reconcile(ctx)
		return err
	})
}

// every calls fn now and then after each interval. Errors are logged and
// the loop keeps going. fn runs on a context that ctx does not cancel, so
// a pass that has started always completes; ctx only stops the loop
// between passes.
func every(ctx context.Context, logger *slog.Logger, name string, interval time.Duration, fn func(context.Context) error) {
	if interval <= 0 {
		logger.Info("scheduled task disabled", slog.String("task", name))
		return
	}

	logger.Info("scheduled task started",
		slog.String("task", name),
		slog.Duration("interval", interval),
	)

	runCtx := context.WithoutCancel(ctx)

	for {
		if err := fn(runCtx); err != nil {
			logger.Error("scheduled task failed",
				slog.String("task", name),
				slog.String("error", err.Error()),
			)
		}

		select {
		case <-ctx.Done():
			logger.Info("scheduled task stopped", slog.String("task", name))
			return
		case <-time.After(interval):
		}
	}
}
