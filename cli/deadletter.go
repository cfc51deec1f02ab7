package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

var (
	dlRunID   string
	dlLimit   int
	dlDetails bool
)

var deadLetterCmd = &cobra.Command{
	Use:   "deadletter",
	Short: "Manage failed (dead-letter) queue items",
}

var dlListCmd = &cobra.Command{
	Use:   "list",
	Short: "List failed items, optionally filtered to one run",
	RunE:  runDLList,
}

var dlRetryCmd = &cobra.Command{
	Use:   "retry QUEUE_ID",
	Short: "Requeue one failed item back to pending",
	Args:  cobra.ExactArgs(1),
	RunE:  runDLRetry,
}

var dlRetryRunCmd = &cobra.Command{
	Use:   "retry-run RUN_ID",
	Short: "Requeue every failed item for a run",
	Args:  cobra.ExactArgs(1),
	RunE:  runDLRetryRun,
}

var dlAnalyzeCmd = &cobra.Command{
	Use:   "analyze",
	Short: "Group failed items by error fingerprint",
	RunE:  runDLAnalyze,
}

var dlPurgeCmd = &cobra.Command{
	Use:   "purge DAYS",
	Short: "Delete failed items older than DAYS",
	Args:  cobra.ExactArgs(1),
	RunE:  runDLPurge,
}

var dlExportCmd = &cobra.Command{
	Use:   "export FILE",
	Short: "Export failed items as JSON to FILE",
	Args:  cobra.ExactArgs(1),
	RunE:  runDLExport,
}

func init() {
	dlListCmd.Flags().StringVar(&dlRunID, "run-id", "", "restrict to one run")
	dlListCmd.Flags().IntVar(&dlLimit, "limit", 50, "maximum items to list (0 = unlimited)")
	dlListCmd.Flags().BoolVar(&dlDetails, "details", false, "include full error_info per item")
	dlAnalyzeCmd.Flags().StringVar(&dlRunID, "run-id", "", "restrict to one run")

	deadLetterCmd.AddCommand(dlListCmd, dlRetryCmd, dlRetryRunCmd, dlAnalyzeCmd, dlPurgeCmd, dlExportCmd)
}

func runDLList(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	store, err := buildStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer store.Close(ctx)
	q := buildQueue(store, cfg, nil)

	items, err := q.ListDeadLetters(ctx, dlRunID, dlLimit)
	if err != nil {
		return err
	}
	for _, it := range items {
		line := fmt.Sprintf("%s\trun=%s\tdoc=%s\tretries=%d", it.QueueID, it.RunID, it.DocID, it.RetryCount)
		if it.ErrorInfo != nil {
			line += fmt.Sprintf("\t%s: %s", it.ErrorInfo.Fingerprint, it.ErrorInfo.Message)
		}
		fmt.Fprintln(cmd.OutOrStdout(), line)
		if dlDetails && it.ErrorInfo != nil {
			fmt.Fprintf(cmd.OutOrStdout(), "  stage=%s occurred_at=%s\n  %s\n", it.ErrorInfo.Stage, it.ErrorInfo.OccurredAt, it.ErrorInfo.Stack)
		}
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%d item(s)\n", len(items))
	return nil
}

func runDLRetry(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	store, err := buildStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer store.Close(ctx)
	q := buildQueue(store, cfg, nil)

	if err := q.Requeue(ctx, args[0]); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "requeued %s\n", args[0])
	return nil
}

func runDLRetryRun(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	store, err := buildStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer store.Close(ctx)
	q := buildQueue(store, cfg, nil)

	n, err := q.RequeueRun(ctx, args[0])
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "requeued %d item(s) for run %s\n", n, args[0])
	return nil
}

func runDLAnalyze(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	store, err := buildStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer store.Close(ctx)
	q := buildQueue(store, cfg, nil)

	groups, err := q.Analyze(ctx, dlRunID)
	if err != nil {
		return err
	}
	for _, g := range groups {
		fmt.Fprintf(cmd.OutOrStdout(), "%s\tcount=%d\tsources=%v\n", g.Fingerprint, g.Count, g.AffectedSources)
		for _, m := range g.SampleMessages {
			fmt.Fprintf(cmd.OutOrStdout(), "  sample: %s\n", m)
		}
	}
	return nil
}

func runDLPurge(cmd *cobra.Command, args []string) error {
	var days int
	if _, err := fmt.Sscanf(args[0], "%d", &days); err != nil {
		return fmt.Errorf("invalid DAYS %q: %w", args[0], err)
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	store, err := buildStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer store.Close(ctx)
	q := buildQueue(store, cfg, nil)

	n, err := q.Purge(ctx, days)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "purged %d item(s) older than %d day(s)\n", n, days)
	return nil
}

func runDLExport(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	store, err := buildStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer store.Close(ctx)
	q := buildQueue(store, cfg, nil)

	items, err := q.ListDeadLetters(ctx, dlRunID, 0)
	if err != nil {
		return err
	}
	return writeJSONFile(args[0], items)
}
