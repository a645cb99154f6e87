package main

import (
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/deal-intel/internal/outbox"
	"github.com/sells-group/deal-intel/internal/resilience"
)

var outboxCmd = &cobra.Command{
	Use:   "outbox",
	Short: "Manage the CRM writeback queue",
}

var outboxDrainCmd = &cobra.Command{
	Use:   "drain",
	Short: "Process one batch of pending writeback tasks",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		if err := cfg.Validate("outbox"); err != nil {
			return err
		}

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close()

		sfClient, err := initSalesforce()
		if err != nil {
			return err
		}

		worker := outbox.NewWorker(outboxWorkerConfig(), st, sfClient)
		return worker.Drain(ctx)
	},
}

var outboxRunCmd = &cobra.Command{
	Use:   "run",
	Short: "Drain writeback tasks continuously until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if err := cfg.Validate("outbox"); err != nil {
			return err
		}

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close()

		sfClient, err := initSalesforce()
		if err != nil {
			return err
		}

		worker := outbox.NewWorker(outboxWorkerConfig(), st, sfClient)
		if err := worker.Run(ctx); err != nil && ctx.Err() == nil {
			return err
		}
		return nil
	},
}

var outboxStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show pending writeback task count",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close()

		count, err := st.CountTasks(ctx)
		if err != nil {
			return eris.Wrap(err, "count tasks")
		}

		fmt.Printf("pending writeback tasks: %d\n", count)
		return nil
	},
}

func outboxWorkerConfig() outbox.WorkerConfig {
	return outbox.WorkerConfig{
		Interval:       time.Duration(cfg.Outbox.IntervalSecs) * time.Second,
		BatchSize:      cfg.Outbox.BatchSize,
		InitialBackoff: time.Duration(cfg.Outbox.InitialBackoffSecs) * time.Second,
		MaxBackoff:     time.Duration(cfg.Outbox.MaxBackoffSecs) * time.Second,
		PushRetry: resilience.FromRetryConfig(
			cfg.Salesforce.RetryMaxAttempts, cfg.Salesforce.RetryBackoffMs, 0, 0, -1),
	}
}

func init() {
	outboxCmd.AddCommand(outboxDrainCmd)
	outboxCmd.AddCommand(outboxRunCmd)
	outboxCmd.AddCommand(outboxStatusCmd)
	rootCmd.AddCommand(outboxCmd)
}
