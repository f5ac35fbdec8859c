package main

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/spf13/cobra"

	paymenthttp "github.com/dmehra2102/payment-core/internal/payment/infrastructure/http"
	"github.com/dmehra2102/payment-core/pkg/schedule"
	"github.com/dmehra2102/payment-core/pkg/shutdown"
)

func serveCmd(load loader) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Accept provider webhooks and run the reconciliation, retry and inbox schedules",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			a, err := build(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer a.close()
			return a.serve(cmd.Context())
		},
	}
}

func (a *app) serve(parent context.Context) error {
	ctx, cancel := shutdown.WithSignals(parent, a.log)
	defer cancel()

	handler := paymenthttp.NewHandler(a.log, a.inbox, a.breakers, a.limiter, a.pool, a.registry)
	srv := &http.Server{
		Addr:         a.cfg.HTTPAddr,
		Handler:      handler.Routes(),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	var wg sync.WaitGroup
	run := func(name string, interval time.Duration, fn func(ctx context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			schedule.Every(ctx, a.log, a.clock, name, interval, fn)
		}()
	}
	run("reconciliation", a.cfg.Reconciliation.Interval, func(ctx context.Context) error {
		_, err := a.reconciler.Run(ctx)
		return err
	})
	run("retry", a.cfg.Retry.Interval, func(ctx context.Context) error {
		_, err := a.retrier.Run(ctx)
		return err
	})
	run("inbox", a.cfg.Inbox.Interval, func(ctx context.Context) error {
		_, err := a.inbox.ProcessPending(ctx)
		return err
	})
	run("ratelimit-cleanup", a.cfg.RateLimit.CleanupInterval, a.limiter.Cleanup)

	errCh := make(chan error, 1)
	go func() {
		a.log.Info("http listening", "addr", a.cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			cancel()
		}
	}()

	<-ctx.Done()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = srv.Shutdown(shutdownCtx)
	wg.Wait()
	a.log.Info("payment-core shutdown complete")

	select {
	case err := <-errCh:
		return err
	default:
		return nil
	}
}
