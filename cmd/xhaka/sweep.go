package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/xhaka/xhaka/internal/config"
	"github.com/xhaka/xhaka/internal/dispatcher"
	"github.com/xhaka/xhaka/internal/logger"
)

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Delete expired job records once and exit",
	Long: `sweep removes every job record whose retention window has passed.
The serve command already sweeps periodically; this is for cron-style setups.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := config.LoadTool()
		if err != nil {
			return err
		}
		log := logger.New(cfg)

		store, err := openStore(cmd.Context(), cfg, log)
		if err != nil {
			return err
		}
		defer store.Close()

		n, err := dispatcher.New(store, nil, nil, log).Sweep(cmd.Context())
		if err != nil {
			return fmt.Errorf("sweep: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "deleted %d expired records\n", n)
		return nil
	},
}
