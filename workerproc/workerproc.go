// Package workerproc implements the worker process: a claim loop that
// drains the queue for one run, invoking package processor per claimed
// item, paired with a heartbeat goroutine on its own ticker so no claim
// outlives its heartbeat timeout while its document is still being
// processed. Same claim-process-complete/fail loop shape and
// graceful-shutdown channel used by the coordinator process, targeted at
// package queue's Postgres-backed claim primitive.
package workerproc

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/sirupsen/logrus"

	"github.com/evalgo/docforge/metrics"
	"github.com/evalgo/docforge/processor"
	"github.com/evalgo/docforge/queue"
	"github.com/evalgo/docforge/runcoordinator"
	"github.com/evalgo/docforge/types"
)

// Config parameterizes one worker's lifetime.
type Config struct {
	RunID             string
	WorkerID          string
	Hostname          string
	Queue             *queue.Queue
	Processor         *processor.Processor
	RunCoordinator    *runcoordinator.Coordinator
	Logger            *logrus.Entry
	Metrics           *metrics.Metrics // optional; nil disables instrumentation
	HeartbeatInterval time.Duration
	MaxDocuments      int // 0 = unbounded
}

// Worker drains the queue for one run, processing claimed documents
// one at a time (no parallelism inside one document's pipeline) while a
// separate goroutine keeps claimed items' heartbeats fresh.
type Worker struct {
	cfg Config
	zl  zerolog.Logger

	mu        sync.Mutex
	claimed   map[string]struct{} // queue_ids currently held; set and cleared by Run, read nowhere else
	shutdown  chan struct{}
	stopOnce  sync.Once
	processed int
	failed    int
}

// New builds a Worker; the heartbeat goroutine uses zerolog directly
// (rather than the coordinator's logrus.Entry) because it fires on a
// fixed, high-frequency cadence independent of the main loop's request
// context — a second, narrowly-scoped logger for a narrowly-scoped task,
// matching the ambient-stack split documented in DESIGN.md.
func New(cfg Config) *Worker {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 10 * time.Second
	}
	return &Worker{
		cfg:      cfg,
		zl:       zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}).With().Timestamp().Str("worker_id", cfg.WorkerID).Logger(),
		claimed:  map[string]struct{}{},
		shutdown: make(chan struct{}),
	}
}

// Stop requests cooperative shutdown: Run finishes its current document,
// then returns, rather than abandoning it mid-pipeline.
func (w *Worker) Stop() {
	w.stopOnce.Do(func() { close(w.shutdown) })
}

func (w *Worker) stopping() bool {
	select {
	case <-w.shutdown:
		return true
	default:
		return false
	}
}

// Run registers the worker against the run, starts its heartbeat
// goroutine, and drains the queue until shutdown is requested, ctx is
// canceled, or MaxDocuments is reached.
func (w *Worker) Run(ctx context.Context) error {
	if err := w.cfg.RunCoordinator.RegisterWorker(ctx, w.cfg.RunID, w.cfg.WorkerID, w.cfg.Hostname); err != nil {
		return fmt.Errorf("registering worker %s: %w", w.cfg.WorkerID, err)
	}

	hbCtx, cancelHB := context.WithCancel(ctx)
	defer cancelHB()
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		w.heartbeatLoop(hbCtx)
	}()
	defer wg.Wait()

	backoff := queue.NewPollBackoff()

	for {
		if w.stopping() {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		if w.cfg.MaxDocuments > 0 && w.processed+w.failed >= w.cfg.MaxDocuments {
			return nil
		}

		claimStart := time.Now()
		item, err := w.cfg.Queue.ClaimNext(ctx, w.cfg.RunID, w.cfg.WorkerID)
		if w.cfg.Metrics != nil {
			w.cfg.Metrics.ClaimDuration.Observe(time.Since(claimStart).Seconds())
		}
		if err != nil {
			// Per spec §7: "Exceptions inside the queue's own operations
			// propagate out (they indicate the store is unreachable and
			// the worker should exit)."
			return fmt.Errorf("claiming next item: %w", err)
		}
		if item == nil {
			if w.cfg.Metrics != nil {
				w.cfg.Metrics.ClaimsTotal.WithLabelValues("empty").Inc()
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff.Next()):
			}
			continue
		}
		if w.cfg.Metrics != nil {
			w.cfg.Metrics.ClaimsTotal.WithLabelValues("claimed").Inc()
		}
		backoff.Reset()

		w.markClaimed(item.QueueID)
		w.processOne(ctx, item)
		w.unmarkClaimed(item.QueueID)
	}
}

func (w *Worker) markClaimed(queueID string) {
	w.mu.Lock()
	w.claimed[queueID] = struct{}{}
	w.mu.Unlock()
}

func (w *Worker) unmarkClaimed(queueID string) {
	w.mu.Lock()
	delete(w.claimed, queueID)
	w.mu.Unlock()
}

// processOne runs the document pipeline for one claimed item and reports
// its outcome to the queue. Errors from processor.Process are exactly
// spec §7's "parse errors" / "integrity errors": caught here, fingerprinted,
// and turned into mark_failed calls — never propagated to stop the loop.
func (w *Worker) processOne(ctx context.Context, item *types.QueueItem) {
	start := time.Now()
	result, err := w.cfg.Processor.Process(ctx, item)
	if w.cfg.Metrics != nil {
		outcome := result.Outcome
		if err != nil {
			outcome = "failed"
		}
		w.cfg.Metrics.ProcessDuration.WithLabelValues(w.cfg.RunID, outcome).Observe(time.Since(start).Seconds())
		w.cfg.Metrics.DocumentsProcessed.WithLabelValues(w.cfg.RunID, outcome).Inc()
	}
	if err != nil {
		errInfo := types.ErrorInfo{
			Fingerprint: queue.Fingerprint(err.Error()),
			Message:     err.Error(),
			Stage:       "process",
			OccurredAt:  time.Now(),
		}
		if markErr := w.cfg.Queue.MarkFailed(ctx, item.QueueID, errInfo); markErr != nil {
			if w.cfg.Logger != nil {
				w.cfg.Logger.WithError(markErr).WithField("queue_id", item.QueueID).Error("worker: failed to record mark_failed")
			}
		}
		w.failed++
		if w.cfg.Logger != nil {
			w.cfg.Logger.WithError(err).WithField("doc_id", item.DocID).Warn("worker: document processing failed")
		}
		return
	}

	if markErr := w.cfg.Queue.MarkCompleted(ctx, item.QueueID); markErr != nil {
		if w.cfg.Logger != nil {
			w.cfg.Logger.WithError(markErr).WithField("queue_id", item.QueueID).Error("worker: failed to mark completed")
		}
	}
	w.processed++
	if w.cfg.Logger != nil {
		w.cfg.Logger.WithFields(logrus.Fields{
			"doc_id": item.DocID, "outcome": result.Outcome,
			"preserved": result.Preserved, "modified": result.Modified,
			"created": result.Created, "deleted": result.Deleted,
		}).Info("worker: document processed")
	}
}

// heartbeatLoop runs on its own goroutine for the worker's entire
// lifetime (spec §5: "the heartbeat task runs on a separate thread"),
// refreshing both the worker's registration row and every item it
// currently holds, independent of how long the current document's
// pipeline stage is taking.
func (w *Worker) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.cfg.Queue.Heartbeat(ctx, w.cfg.RunID, w.cfg.WorkerID); err != nil {
				w.zl.Warn().Err(err).Msg("heartbeat: updating claimed items failed")
				continue
			}
			if w.cfg.Metrics != nil {
				w.cfg.Metrics.HeartbeatsSent.Inc()
			}
			if err := w.touchRegistration(ctx); err != nil {
				w.zl.Warn().Err(err).Msg("heartbeat: updating worker registration failed")
			}
		}
	}
}

func (w *Worker) touchRegistration(ctx context.Context) error {
	return w.cfg.RunCoordinator.RegisterWorker(ctx, w.cfg.RunID, w.cfg.WorkerID, w.cfg.Hostname)
}

// Stats reports the worker's lifetime processed/failed counters, used by
// the CLI to print a summary on clean exit.
func (w *Worker) Stats() (processed, failed int) {
	return w.processed, w.failed
}
