package cli

import (
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/evalgo/docforge/coordinatorproc"
	"github.com/evalgo/docforge/logging"
	"github.com/evalgo/docforge/queue"
	"github.com/evalgo/docforge/runcoordinator"
	"github.com/evalgo/docforge/sources"
)

var (
	coordMaxLinkDepth int
)

var coordinatorCmd = &cobra.Command{
	Use:   "coordinator",
	Short: "Run the coordinator process: discover documents, enqueue, monitor completion",
	RunE:  runCoordinator,
}

func init() {
	coordinatorCmd.Flags().IntVar(&coordMaxLinkDepth, "max-link-depth", 0, "override processing.max_link_depth from config")
}

// runCoordinator implements spec.md §6's `coordinator` CLI surface:
// derives the run_id, ensures the run row exists, discovers and enqueues
// documents from every configured source, then blocks until the run
// completes or the process receives an interrupt (exit 1 on interrupt,
// matching the documented exit semantics).
func runCoordinator(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if coordMaxLinkDepth > 0 {
		cfg.Processing.MaxLinkDepth = coordMaxLinkDepth
	}

	logLevel, _ := cmd.Flags().GetString("log-level")
	logger := logging.New("coordinator", logLevel)

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
	// A *cache.RedisCache nil from buildCache must not be handed to
	// buildQueue/buildSources as a typed-nil interface value — that would
	// make their "!= nil" checks see a non-nil interface wrapping a nil
	// pointer and call methods on it. Only assign the interfaces when a
	// real client was constructed.
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

	runID, err := runcoordinator.DeriveRunID(cfg)
	if err != nil {
		return err
	}
	configHash, err := runcoordinator.ConfigHash(cfg)
	if err != nil {
		return err
	}

	runCoord := buildRunCoordinator(store)
	hub := buildMonitorHub(cfg, runCoord, logger)
	startObservabilityServer(ctx, cfg, buildMetrics(cfg), hub, logger)

	coord := coordinatorproc.New(coordinatorproc.Config{
		RunID:        runID,
		ConfigHash:   configHash,
		Sources:      srcs,
		Queue:        q,
		Run:          runCoord,
		Logger:       logger,
		StaleTimeout: cfg.Processing.HeartbeatTimeout(),
	})

	logger.WithField("run_id", runID).Info("coordinator: starting run")

	if err := coord.Run(ctx); err != nil {
		if ctx.Err() != nil {
			logger.Warn("coordinator: interrupted")
			return errInterrupted
		}
		return err
	}
	return nil
}

// errInterrupted causes main to exit 1 on an OS interrupt, matching
// spec.md §6's "Exit 0 on clean completion, 1 on user interrupt or fatal
// error."
var errInterrupted = interruptedError{}

type interruptedError struct{}

func (interruptedError) Error() string { return "interrupted" }
