package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/dmehra2102/payment-core/internal/config"
)

var Version = "dev"

func main() {
	var cfgPath string

	rootCmd := &cobra.Command{
		Use:           "payment-core",
		Short:         "Payment reliability core: webhook inbox, reconciliation and retry jobs",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "path to a YAML config file")

	load := func() (*config.Config, error) { return config.Load(cfgPath) }

	rootCmd.AddCommand(serveCmd(load))
	rootCmd.AddCommand(migrateCmd(load))
	rootCmd.AddCommand(reconcileCmd(load))
	rootCmd.AddCommand(retryCmd(load))
	rootCmd.AddCommand(inboxCmd(load))

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

type loader func() (*config.Config, error)
