package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
)

var shutdownSignals = []os.Signal{syscall.SIGINT, syscall.SIGTERM}

// exitFunc ends the process on a second signal.
var exitFunc = os.Exit

// shutdownContext returns a context cancelled by the first SIGINT or
// SIGTERM. Cancelling it stops new work: the HTTP server closes its
// listener and waits up to its shutdown timeout for open requests, and
// the scheduled loops finish the pass they are in. A second signal exits
// with status 1 without waiting.
func shutdownContext(parent context.Context, logger *slog.Logger) context.Context {
	ctx, stop := signal.NotifyContext(parent, shutdownSignals...)

	go func() {
		<-ctx.Done()

		if parent.Err() != nil {
			stop()
			return
		}

		// Take over delivery before NotifyContext releases it.
		again := make(chan os.Signal, 1)
		signal.Notify(again, shutdownSignals...)
		defer signal.Stop(again)

		stop()

		logger.Info("shutdown requested, draining in-flight work")

		select {
		case sig := <-again:
			logger.Warn("second signal, exiting without draining", slog.String("signal", sig.String()))
			exitFunc(1)
		case <-parent.Done():
		}
	}()

	return ctx
}
