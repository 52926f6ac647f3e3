package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/hyperengineering/bcmsync/internal/types"
	"github.com/hyperengineering/bcmsync/internal/validation"
)

var (
	clearForce     bool
	enqueuePayload string
)

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Inspect and edit the offline queue",
	Long:  "List, count, clear or append pending mutations without running the server. Must not run while serve holds the storage.",
}

var queueListCmd = &cobra.Command{
	Use:   "list",
	Short: "List pending mutations in replay order",
	Args:  cobra.NoArgs,
	RunE:  runQueueList,
}

var queueCountCmd = &cobra.Command{
	Use:   "count",
	Short: "Print the number of pending mutations",
	Args:  cobra.NoArgs,
	RunE:  runQueueCount,
}

var queueClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Discard every pending mutation",
	Long:  "Discard every pending mutation without applying it. Requires --force or interactive confirmation.",
	Args:  cobra.NoArgs,
	RunE:  runQueueClear,
}

var queueEnqueueCmd = &cobra.Command{
	Use:   "enqueue <create|update|delete> <target>",
	Short: "Append a mutation",
	Long:  "Append a mutation. The JSON payload is read from --payload, or from stdin when --payload is \"-\" or empty.",
	Args:  cobra.ExactArgs(2),
	RunE:  runQueueEnqueue,
}

func init() {
	queueClearCmd.Flags().BoolVar(&clearForce, "force", false,
		"Skip confirmation prompt")
	queueEnqueueCmd.Flags().StringVar(&enqueuePayload, "payload", "",
		`JSON payload, e.g. '{"values":[["Billing","L2"]]}'`)

	queueCmd.AddCommand(queueListCmd)
	queueCmd.AddCommand(queueCountCmd)
	queueCmd.AddCommand(queueClearCmd)
	queueCmd.AddCommand(queueEnqueueCmd)
}

// printJSON marshals v to JSON and writes to the given writer.
func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	enc.SetEscapeHTML(false)
	return enc.Encode(v)
}

// printCompactJSON writes v on a single line. Listings that carry stored
// payloads use it so payload bytes are printed exactly as queued.
func printCompactJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	return enc.Encode(v)
}

// newTabWriter returns a configured tabwriter for aligned columns.
func newTabWriter(w io.Writer) *tabwriter.Writer {
	return tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
}

// truncate shortens s to n runes for table output.
func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}

func runQueueList(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	cfg, err := loadConfig(cmd.ErrOrStderr())
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
	pending := q.List()

	if jsonOutput {
		return printCompactJSON(cmd.OutOrStdout(), types.PendingResponse{
			Mutations: pending,
			Pending:   len(pending),
		})
	}

	if len(pending) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No pending mutations.")
		return nil
	}

	w := newTabWriter(cmd.OutOrStdout())
	fmt.Fprintln(w, "ID\tKIND\tTARGET\tENQUEUED\tATTEMPTS\tPAYLOAD")
	for _, m := range pending {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\n",
			m.ID,
			m.Kind,
			m.Target,
			m.EnqueuedAt.Format("2006-01-02 15:04:05"),
			m.Attempts,
			truncate(string(m.Payload), 48),
		)
	}
	return w.Flush()
}

func runQueueCount(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	cfg, err := loadConfig(cmd.ErrOrStderr())
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

	if jsonOutput {
		return printJSON(cmd.OutOrStdout(), types.CountResponse{Pending: q.Size()})
	}
	fmt.Fprintln(cmd.OutOrStdout(), q.Size())
	return nil
}

func runQueueClear(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	cfg, err := loadConfig(cmd.ErrOrStderr())
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
	n := q.Size()

	if !clearForce && n > 0 {
		errOut := cmd.ErrOrStderr()
		fmt.Fprintf(errOut, "WARNING: This will discard %d pending mutation(s) without applying them.\n", n)
		fmt.Fprint(errOut, "Type 'clear' to confirm: ")

		reader := bufio.NewReader(cmd.InOrStdin())
		input, err := reader.ReadString('\n')
		if err != nil && input == "" {
			return fmt.Errorf("failed to read confirmation: %w", err)
		}
		if strings.TrimSpace(input) != "clear" {
			return fmt.Errorf("aborted")
		}
	}

	if err := q.Clear(ctx); err != nil {
		return fmt.Errorf("clear queue: %w", err)
	}

	if jsonOutput {
		return printJSON(cmd.OutOrStdout(), map[string]any{"discarded": n})
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Discarded %d pending mutation(s).\n", n)
	return nil
}

func runQueueEnqueue(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	payload := enqueuePayload
	if payload == "" || payload == "-" {
		data, err := io.ReadAll(cmd.InOrStdin())
		if err != nil {
			return fmt.Errorf("read payload: %w", err)
		}
		payload = string(data)
	}

	req := types.EnqueueRequest{
		Kind:    args[0],
		Target:  args[1],
		Payload: json.RawMessage(strings.TrimSpace(payload)),
	}
	if errs := validation.ValidateEnqueueRequest(req); len(errs) > 0 {
		msgs := make([]string, len(errs))
		for i, e := range errs {
			msgs[i] = e.Field + " " + e.Message
		}
		return fmt.Errorf("invalid mutation: %s", strings.Join(msgs, "; "))
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

	q, err := openQueue(ctx, cfg, res)
	if err != nil {
		return err
	}

	id, err := q.Enqueue(ctx, types.MutationKind(req.Kind), req.Target, req.Payload)
	if err != nil {
		return err
	}

	if jsonOutput {
		return printJSON(cmd.OutOrStdout(), types.EnqueueResponse{ID: id, Pending: q.Size()})
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Queued %s (%d pending)\n", id, q.Size())
	return nil
}
