package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	pg "github.com/dmehra2102/payment-core/internal/payment/infrastructure/postgres"
)

// oneShot builds the app, runs fn once and tears everything down.
func oneShot(load loader, fn func(ctx context.Context, a *app) error) func(cmd *cobra.Command, args []string) error {
	return func(cmd *cobra.Command, args []string) error {
		cfg, err := load()
		if err != nil {
			return err
		}
		a, err := build(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer a.close()
		return fn(cmd.Context(), a)
	}
}

func reconcileCmd(load loader) *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile",
		Short: "Run one reconciliation pass: stuck payments and missing webhooks",
		RunE: oneShot(load, func(ctx context.Context, a *app) error {
			r, err := a.reconciler.Run(ctx)
			fmt.Printf("checked=%d corrected=%d skipped=%d failed=%d backfilled=%d\n",
				r.Checked, r.Corrected, r.Skipped, r.Failed, r.Backfilled)
			return err
		}),
	}
}

func retryCmd(load loader) *cobra.Command {
	return &cobra.Command{
		Use:   "retry",
		Short: "Run one retry pass over failed payments",
		RunE: oneShot(load, func(ctx context.Context, a *app) error {
			r, err := a.retrier.Run(ctx)
			fmt.Printf("selected=%d succeeded=%d requires_action=%d failed=%d skipped=%d\n",
				r.Selected, r.Succeeded, r.RequiresAction, r.Failed, r.Skipped)
			return err
		}),
	}
}

func inboxCmd(load loader) *cobra.Command {
	return &cobra.Command{
		Use:   "inbox",
		Short: "Reprocess pending webhook inbox rows",
		RunE: oneShot(load, func(ctx context.Context, a *app) error {
			n, err := a.inbox.ProcessPending(ctx)
			fmt.Printf("processed=%d\n", n)
			return err
		}),
	}
}

func migrateCmd(load loader) *cobra.Command {
	return &cobra.Command{
		Use:       "migrate [up|down|status]",
		Short:     "Apply or inspect database migrations",
		Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
		ValidArgs: []string{"up", "down", "status"},
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			return pg.Migrate(cmd.Context(), cfg.PostgresURL, args[0])
		},
	}
}
