package schedule

import (
	"context"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"
)

// Every runs fn on each tick until ctx is cancelled. Errors are logged and the
// loop keeps going; the next tick is the retry.
func Every(ctx context.Context, log *slog.Logger, clock clockwork.Clock, name string, interval time.Duration, fn func(ctx context.Context) error) {
	t := clock.NewTicker(interval)
	defer t.Stop()

	log.Info("scheduled task started", "task", name, "interval", interval)
	for {
		select {
		case <-ctx.Done():
			log.Info("scheduled task stopping", "task", name)
			return
		case <-t.Chan():
			start := clock.Now()
			if err := fn(ctx); err != nil {
				log.Error("scheduled task failed", "task", name, "err", err)
				continue
			}
			log.Debug("scheduled task finished", "task", name, "took", clock.Since(start))
		}
	}
}
