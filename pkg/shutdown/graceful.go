package shutdown

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
)

// WithSignals cancels the returned context on SIGINT or SIGTERM.
// A second signal exits the process immediately.
func WithSignals(ctx context.Context, log *slog.Logger) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(ctx)
	ch := make(chan os.Signal, 2)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-ch
		log.Info("shutdown signal received", "signal", sig.String())
		cancel()
		sig = <-ch
		log.Warn("second signal received, exiting", "signal", sig.String())
		os.Exit(1)
	}()

	return ctx, func() {
		signal.Stop(ch)
		cancel()
	}
}
