package main

import (
	"context"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/hyperengineering/bcmsync/internal/types"
	"github.com/hyperengineering/bcmsync/internal/validation"
)

var deadLetterLimit int

var deadLetterCmd = &cobra.Command{
	Use:     "deadletter",
	Aliases: []string{"dead-letters"},
	Short:   "Inspect mutations that will no longer be retried",
}

var deadLetterListCmd = &cobra.Command{
	Use:   "list",
	Short: "List dead-lettered mutations, oldest first",
	Args:  cobra.NoArgs,
	RunE:  runDeadLetterList,
}

var deadLetterDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Remove a dead letter",
	Args:  cobra.ExactArgs(1),
	RunE:  runDeadLetterDelete,
}

func init() {
	deadLetterListCmd.Flags().IntVar(&deadLetterLimit, "limit", 50,
		"Maximum number of entries to show")

	deadLetterCmd.AddCommand(deadLetterListCmd)
	deadLetterCmd.AddCommand(deadLetterDeleteCmd)
}

func runDeadLetterList(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	if verr := validation.ValidateListLimit(deadLetterLimit); verr != nil {
		return fmt.Errorf("--limit %s", verr.Message)
	}

	cfg, err := loadConfig(cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	res, err := openResources(cfg)
	if err != nil {
		return err
	}
	defer res.Close()

	letters, err := res.deadLetters.ListDeadLetters(ctx, deadLetterLimit)
	if err != nil {
		return fmt.Errorf("list dead letters: %w", err)
	}
	total, err := res.deadLetters.CountDeadLetters(ctx)
	if err != nil {
		return fmt.Errorf("count dead letters: %w", err)
	}

	if jsonOutput {
		if letters == nil {
			letters = []types.DeadLetter{}
		}
		return printCompactJSON(cmd.OutOrStdout(), types.DeadLettersResponse{
			DeadLetters: letters,
			Total:       total,
		})
	}

	if len(letters) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No dead letters.")
		return nil
	}

	w := newTabWriter(cmd.OutOrStdout())
	fmt.Fprintln(w, "ID\tMUTATION\tKIND\tTARGET\tATTEMPTS\tDEAD-LETTERED\tREASON")
	for _, dl := range letters {
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%d\t%s\t%s\n",
			dl.ID,
			dl.Mutation.ID,
			dl.Mutation.Kind,
			dl.Mutation.Target,
			dl.Mutation.Attempts,
			dl.DeadLetteredAt.Format("2006-01-02 15:04"),
			truncate(dl.Reason, 60),
		)
	}
	if err := w.Flush(); err != nil {
		return err
	}
	if total > len(letters) {
		fmt.Fprintf(cmd.OutOrStdout(), "(%d of %d shown)\n", len(letters), total)
	}
	return nil
}

func runDeadLetterDelete(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	id, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil || id <= 0 {
		return fmt.Errorf("invalid dead letter id %q", args[0])
	}

	cfg, err := loadConfig(cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	res, err := openResources(cfg)
	if err != nil {
		return err
	}
	defer res.Close()

	if err := res.deadLetters.DeleteDeadLetter(ctx, id); err != nil {
		return fmt.Errorf("delete dead letter %d: %w", id, err)
	}

	if jsonOutput {
		return printJSON(cmd.OutOrStdout(), map[string]any{"deleted": id})
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Deleted dead letter %d.\n", id)
	return nil
}
