// Package coordinatorproc implements the coordinator process: derive the
// run, enumerate documents from every configured content source, enqueue
// them, then poll the queue until every item has reached a terminal
// state and declare the run complete. Follows the same "Config struct +
// Run(ctx) + cooperative shutdown" skeleton used elsewhere in this
// codebase for long-running processes.
package coordinatorproc

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/evalgo/docforge/queue"
	"github.com/evalgo/docforge/runcoordinator"
	"github.com/evalgo/docforge/sources"
	"github.com/evalgo/docforge/types"
)

// Config parameterizes one coordinator run.
type Config struct {
	RunID         string
	ConfigHash    string
	Sources       map[string]sources.Source
	Queue         *queue.Queue
	Run           *runcoordinator.Coordinator
	Logger        *logrus.Entry
	PollInterval  time.Duration // how often to check for run completion
	StaleTimeout  time.Duration
}

// Coordinator discovers documents from every configured source and
// enqueues them, then watches the queue until the run is done.
type Coordinator struct {
	cfg Config
}

// New builds a Coordinator from cfg, filling in PollInterval's default.
func New(cfg Config) *Coordinator {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	return &Coordinator{cfg: cfg}
}

// DiscoveryResult reports how many documents were enumerated and
// enqueued per source, for the coordinator's startup log line.
type DiscoveryResult struct {
	SourceName string
	Listed     int
	Enqueued   int
	Errors     []error
}

// Discover enumerates every configured source and enqueues each listed
// document under c.cfg.RunID. A source that fails to list is recorded
// and skipped rather than aborting the whole discovery pass — sources
// are trust-bounded, and that applies equally here and in the worker's
// per-document processing.
func (c *Coordinator) Discover(ctx context.Context) ([]DiscoveryResult, error) {
	var results []DiscoveryResult
	for name, src := range c.cfg.Sources {
		res := DiscoveryResult{SourceName: name}
		refs, err := src.List(ctx)
		if err != nil {
			res.Errors = append(res.Errors, fmt.Errorf("listing source %q: %w", name, err))
			results = append(results, res)
			if c.cfg.Logger != nil {
				c.cfg.Logger.WithError(err).WithField("source", name).Warn("coordinator: source listing failed")
			}
			continue
		}
		res.Listed = len(refs)

		for _, ref := range refs {
			meta := ref.Metadata
			if meta == nil {
				meta = map[string]any{}
			}
			meta["link_depth"] = 0
			if _, err := c.cfg.Queue.AddDocument(ctx, c.cfg.RunID, ref.DocID, name, meta); err != nil {
				res.Errors = append(res.Errors, fmt.Errorf("enqueueing %s: %w", ref.DocID, err))
				continue
			}
			res.Enqueued++
		}
		results = append(results, res)
	}
	return results, nil
}

// Run ensures the run row exists, discovers and enqueues every source's
// documents, then blocks until the run is complete (every queue item
// terminal) or ctx is canceled. On completion it marks the run
// completed; on cancellation it returns ctx.Err() and leaves the run's
// status unchanged. A single failed document never aborts the run.
func (c *Coordinator) Run(ctx context.Context) error {
	if _, err := c.cfg.Run.EnsureRunExists(ctx, c.cfg.RunID, c.cfg.ConfigHash); err != nil {
		return fmt.Errorf("ensuring run %s exists: %w", c.cfg.RunID, err)
	}

	results, err := c.Discover(ctx)
	if err != nil {
		_ = c.cfg.Run.MarkRunFailed(ctx, c.cfg.RunID)
		return fmt.Errorf("discovering documents: %w", err)
	}
	if c.cfg.Logger != nil {
		for _, r := range results {
			c.cfg.Logger.WithFields(logrus.Fields{
				"source": r.SourceName, "listed": r.Listed, "enqueued": r.Enqueued, "errors": len(r.Errors),
			}).Info("coordinator: discovery complete")
		}
	}

	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			done, err := c.isComplete(ctx)
			if err != nil {
				if c.cfg.Logger != nil {
					c.cfg.Logger.WithError(err).Warn("coordinator: checking completion failed")
				}
				continue
			}
			if done {
				if c.cfg.Logger != nil {
					c.cfg.Logger.Info("coordinator: run complete")
				}
				return c.cfg.Run.MarkRunCompleted(ctx, c.cfg.RunID)
			}
			if stale, err := c.cfg.Run.DetectStaleWorkers(ctx, c.cfg.RunID, c.cfg.StaleTimeout); err == nil && len(stale) > 0 {
				if c.cfg.Logger != nil {
					c.cfg.Logger.WithField("count", len(stale)).Warn("coordinator: stale workers detected")
				}
			}
		}
	}
}

// isComplete reports whether every queue item for this run has reached a
// terminal state: no pending, processing, or retry items remain. An
// empty queue (an empty content source enqueued nothing) is complete
// from its very first check.
func (c *Coordinator) isComplete(ctx context.Context) (bool, error) {
	counts, err := c.cfg.Queue.GetStatus(ctx, c.cfg.RunID)
	if err != nil {
		return false, fmt.Errorf("fetching queue status: %w", err)
	}
	return counts[types.StatePending] == 0 && counts[types.StateProcessing] == 0 && counts[types.StateRetry] == 0, nil
}
