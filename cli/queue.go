package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/evalgo/docforge/runcoordinator"
	"github.com/evalgo/docforge/storage"
)

var (
	qRunID          string
	qSchemaForce    bool
	qDocMetadata    string
	qReclaimTimeout int
)

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Operational tools: schema bootstrap, status, manual enqueue, stale reclaim",
}

var qInitSchemaCmd = &cobra.Command{
	Use:   "init-schema",
	Short: "Create or migrate the backing schema",
	RunE:  runQueueInitSchema,
}

var qStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Print per-state item counts for a run",
	RunE:  runQueueStatus,
}

var qListRunsCmd = &cobra.Command{
	Use:   "list-runs",
	Short: "Show the run derived from the current config (other runs are not listed)",
	RunE:  runQueueListRuns,
}

var qAddDocumentCmd = &cobra.Command{
	Use:   "add-document DOC_ID SOURCE",
	Short: "Manually enqueue one document",
	Args:  cobra.ExactArgs(2),
	RunE:  runQueueAddDocument,
}

var qReclaimStaleCmd = &cobra.Command{
	Use:   "reclaim-stale",
	Short: "Return processing items whose heartbeat has gone stale back to retry",
	RunE:  runQueueReclaimStale,
}

func init() {
	qInitSchemaCmd.Flags().BoolVar(&qSchemaForce, "force", false, "drop and recreate every table first")
	qStatusCmd.Flags().StringVar(&qRunID, "run-id", "", "run to report status for")
	qAddDocumentCmd.Flags().StringVar(&qRunID, "run-id", "", "run to enqueue against (default: derived from config)")
	qAddDocumentCmd.Flags().StringVar(&qDocMetadata, "metadata", "", "JSON object merged into the queue item's metadata")
	qReclaimStaleCmd.Flags().IntVar(&qReclaimTimeout, "timeout", 0, "override processing.heartbeat_timeout_seconds")

	queueCmd.AddCommand(qInitSchemaCmd, qStatusCmd, qListRunsCmd, qAddDocumentCmd, qReclaimStaleCmd)
}

// runQueueInitSchema implements spec.md §6's `queue init-schema --force`:
// a migration failure is returned as a wrapped error, which Execute
// prints before exiting 1.
func runQueueInitSchema(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := storage.InitSchema(cfg.Storage.DSN, qSchemaForce); err != nil {
		return fmt.Errorf("initializing schema: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), "schema initialized")
	return nil
}

func runQueueStatus(cmd *cobra.Command, args []string) error {
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

	runID := qRunID
	if runID == "" {
		runID, err = runcoordinator.DeriveRunID(cfg)
		if err != nil {
			return err
		}
	}

	counts, err := q.GetStatus(ctx, runID)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "run %s:\n", runID)
	for state, n := range counts {
		fmt.Fprintf(cmd.OutOrStdout(), "  %s: %d\n", state, n)
	}
	return nil
}

func runQueueListRuns(cmd *cobra.Command, args []string) error {
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

	runID, err := runcoordinator.DeriveRunID(cfg)
	if err != nil {
		return err
	}
	run, err := store.GetRun(ctx, runID)
	if err != nil {
		if storage.IsNotFound(err) {
			fmt.Fprintln(cmd.OutOrStdout(), "no runs found for the current config")
			return nil
		}
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s\tstatus=%s\tqueued=%d\tprocessed=%d\tfailed=%d\n",
		run.RunID, run.Status, run.DocumentsQueued, run.DocumentsProcessed, run.DocumentsFailed)
	return nil
}

func runQueueAddDocument(cmd *cobra.Command, args []string) error {
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

	runID := qRunID
	if runID == "" {
		runID, err = runcoordinator.DeriveRunID(cfg)
		if err != nil {
			return err
		}
	}

	metadata, err := parseMetadataFlag(qDocMetadata)
	if err != nil {
		return err
	}

	queueID, err := q.AddDocument(ctx, runID, args[0], args[1], metadata)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "enqueued %s as %s\n", args[0], queueID)
	return nil
}

func runQueueReclaimStale(cmd *cobra.Command, args []string) error {
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

	timeout := cfg.Processing.HeartbeatTimeout()
	if qReclaimTimeout > 0 {
		timeout = secondsToDuration(qReclaimTimeout)
	}

	n, err := q.ReclaimStale(ctx, timeout)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "reclaimed %d item(s)\n", n)
	return nil
}
