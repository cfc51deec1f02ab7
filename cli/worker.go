package cli

import (
	"fmt"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/evalgo/docforge/logging"
	"github.com/evalgo/docforge/queue"
	"github.com/evalgo/docforge/runcoordinator"
	"github.com/evalgo/docforge/sources"
	"github.com/evalgo/docforge/workerproc"
)

var (
	workerCount    int
	workerIDFlag   string
	maxDocuments   int
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run one or more worker threads: claim, process, and complete/fail documents",
	RunE:  runWorker,
}

func init() {
	workerCmd.Flags().IntVar(&workerCount, "workers", 1, "number of worker goroutines to run")
	workerCmd.Flags().StringVar(&workerIDFlag, "worker-id", "", "base worker id (default: generated UUID, suffixed per goroutine)")
	workerCmd.Flags().IntVar(&maxDocuments, "max-documents", 0, "stop after processing this many documents (0 = unbounded)")
}

// runWorker implements spec.md §6's `worker` CLI surface: starts
// --workers goroutines, each an independent claim/process/heartbeat
// loop against the same run, honoring OS interrupt signals by refusing
// new claims and letting the in-flight document finish (spec §5).
func runWorker(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	logLevel, _ := cmd.Flags().GetString("log-level")
	logger := logging.New("worker", logLevel)

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := buildStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer store.Close(ctx)

	redisCache, err := buildCache(cfg)
	if err != nil {
		return err
	}
	var claimCache queue.ClaimCache
	var changeCache sources.ChangeCache
	if redisCache != nil {
		defer redisCache.Close()
		claimCache = redisCache
		changeCache = redisCache
	}
	q := buildQueue(store, cfg, claimCache)
	srcs, err := buildSources(cfg, changeCache)
	if err != nil {
		return err
	}
	proc, err := buildProcessor(store, q, srcs, cfg)
	if err != nil {
		return err
	}

	runID, err := runcoordinator.DeriveRunID(cfg)
	if err != nil {
		return err
	}
	runCoord := buildRunCoordinator(store)
	metricsSet := buildMetrics(cfg)
	startObservabilityServer(ctx, cfg, metricsSet, nil, logger)

	baseID := workerIDFlag
	if baseID == "" {
		baseID = uuid.NewString()
	}

	errCh := make(chan error, workerCount)
	workers := make([]*workerproc.Worker, workerCount)
	for i := 0; i < workerCount; i++ {
		workerID := baseID
		if workerCount > 1 {
			workerID = fmt.Sprintf("%s-%d", baseID, i)
		}
		w := workerproc.New(workerproc.Config{
			RunID:             runID,
			WorkerID:          workerID,
			Hostname:          hostname(),
			Queue:             q,
			Processor:         proc,
			RunCoordinator:    runCoord,
			Logger:            logger.WithField("worker_id", workerID),
			Metrics:           metricsSet,
			HeartbeatInterval: cfg.Processing.HeartbeatInterval(),
			MaxDocuments:      maxDocuments,
		})
		workers[i] = w
		go func() { errCh <- w.Run(ctx) }()
	}

	// Wait for either the first worker to return (MaxDocuments reached or
	// an error) or an interrupt, whichever comes first, then stop every
	// worker; Stop is safe to call on workers that have already returned.
	// Collect every error either way so a store-unreachable failure
	// (spec §7) still surfaces.
	results := make(chan error, workerCount)
	go func() {
		for i := 0; i < workerCount; i++ {
			results <- <-errCh
		}
		close(results)
	}()

	var firstErr error
	select {
	case <-ctx.Done():
		logger.Info("worker: interrupt received, finishing in-flight documents")
		for _, w := range workers {
			w.Stop()
		}
		for err := range results {
			if err != nil && firstErr == nil {
				firstErr = err
			}
		}
	case err, ok := <-results:
		if ok && err != nil {
			firstErr = err
		}
		for _, w := range workers {
			w.Stop()
		}
		for err := range results {
			if err != nil && firstErr == nil {
				firstErr = err
			}
		}
	}

	var totalProcessed, totalFailed int
	for _, w := range workers {
		p, f := w.Stats()
		totalProcessed += p
		totalFailed += f
	}
	logger.WithField("processed", totalProcessed).WithField("failed", totalFailed).Info("worker: exiting")

	if firstErr != nil {
		return firstErr
	}
	return nil
}
