package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Drain the queue once against the data service",
	Long:  "Replay every pending mutation once and exit. Failed mutations stay queued for the next sync; mutations that can never succeed are dead-lettered.",
	Args:  cobra.NoArgs,
	RunE:  runSync,
}

func runSync(cmd *cobra.Command, args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(),
		syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	cfg, err := loadConfig(cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	client, err := newGraphClient(cfg)
	if err != nil {
		return err
	}
	res, err := openResources(cfg)
	if err != nil {
		return err
	}
	defer res.Close()

	q, err := openQueue(ctx, cfg, res)
	if err != nil {
		return err
	}

	if timeout := time.Duration(cfg.Sync.DrainTimeout); timeout > 0 {
		var stop context.CancelFunc
		ctx, stop = context.WithTimeout(ctx, timeout)
		defer stop()
	}

	start := time.Now()
	result, drainErr := q.Drain(ctx, client)
	elapsed := time.Since(start)

	if jsonOutput {
		if err := printJSON(cmd.OutOrStdout(), map[string]any{
			"result":      result,
			"pending":     q.Size(),
			"duration_ms": elapsed.Milliseconds(),
		}); err != nil {
			return err
		}
	} else {
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "Attempted:     %d\n", result.Attempted)
		fmt.Fprintf(out, "Applied:       %d\n", result.Applied)
		fmt.Fprintf(out, "Requeued:      %d\n", result.Requeued)
		fmt.Fprintf(out, "Dead-lettered: %d\n", result.DeadLettered)
		if result.Abandoned > 0 {
			fmt.Fprintf(out, "Not attempted: %d\n", result.Abandoned)
		}
		fmt.Fprintf(out, "Pending:       %d\n", q.Size())
	}

	if drainErr != nil {
		return fmt.Errorf("sync interrupted: %w", drainErr)
	}
	return nil
}
