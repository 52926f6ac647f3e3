package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var rowsCmd = &cobra.Command{
	Use:   "rows",
	Short: "Read workbook tables from the data service",
}

var rowsListCmd = &cobra.Command{
	Use:   "list <table>",
	Short: "List the rows of a workbook table",
	Args:  cobra.ExactArgs(1),
	RunE:  runRowsList,
}

func init() {
	rowsCmd.AddCommand(rowsListCmd)
}

func runRowsList(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	client, err := newGraphClient(cfg)
	if err != nil {
		return err
	}

	ctx := context.Background()
	if timeout := time.Duration(cfg.Sync.DrainTimeout); timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	records, err := client.ListRecords(ctx, args[0])
	if err != nil {
		return fmt.Errorf("list rows of %q: %w", args[0], err)
	}

	if jsonOutput {
		return printJSON(cmd.OutOrStdout(), map[string]any{
			"table": args[0],
			"rows":  records,
			"total": len(records),
		})
	}

	if len(records) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No rows.")
		return nil
	}

	w := newTabWriter(cmd.OutOrStdout())
	fmt.Fprintln(w, "INDEX\tVALUES")
	for _, rec := range records {
		values, err := json.Marshal(rec.Values)
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "%d\t%s\n", rec.Index, truncate(string(values), 96))
	}
	return w.Flush()
}
