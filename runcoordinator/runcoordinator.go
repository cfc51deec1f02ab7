// Package runcoordinator derives deterministic run identities from
// configuration and tracks worker registrations and run lifecycle,
// generalized from the teacher's coordinator.Coordinator (phase/registry
// bookkeeping) and statemanager.Manager (in-memory operation tracking),
// now backed by package storage so the state survives a coordinator
// restart.
package runcoordinator

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/evalgo/docforge/config"
	"github.com/evalgo/docforge/monitor"
	"github.com/evalgo/docforge/storage"
	"github.com/evalgo/docforge/types"
)

// canonicalConfig is the subset of config.Config that determines a
// run's identity. Only content_sources and storage affect the run_id;
// logging level, embedding model, and similar operational knobs do not,
// so a coordinator can change those and resume the same run.
type canonicalConfig struct {
	ContentSources []config.ContentSourceConfig `json:"content_sources"`
	Storage        config.StorageConfig         `json:"storage"`
}

// DeriveRunID computes the content-addressed run_id for a config: a
// SHA-256 hash of the canonical (sorted-key) JSON encoding of
// content_sources and storage, truncated to 16 hex characters. The same
// config always yields the same run_id, which is what lets a crashed
// coordinator restarting with the same config resume a run instead of
// duplicating it (spec.md §3, §4.2).
func DeriveRunID(cfg *config.Config) (string, error) {
	cc := canonicalConfig{
		ContentSources: cfg.ContentSources,
		Storage:        cfg.Storage,
	}

	// json.Marshal on a struct with map[string]any fields inside slices
	// does not sort map keys by default prior to Go's stable map
	// iteration in encoding/json — but since Go 1.12, encoding/json
	// sorts map keys when marshalling, which gives us the canonical
	// form we need without a bespoke serializer.
	data, err := json.Marshal(cc)
	if err != nil {
		return "", fmt.Errorf("canonicalizing config: %w", err)
	}

	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])[:16], nil
}

// ConfigHash is an alias for DeriveRunID's digest, stored alongside the
// Run row for auditability (so an operator can confirm two run_ids that
// differ really do stem from different configs).
func ConfigHash(cfg *config.Config) (string, error) {
	return DeriveRunID(cfg)
}

// Monitor receives run/worker status change events as they happen, so an
// operator dashboard can render them live instead of polling queue
// status. Satisfied by package monitor's Hub.
type Monitor interface {
	Broadcast(ev monitor.Event)
}

// Coordinator ensures a Run row exists, registers workers against it,
// and detects workers that have gone silent.
type Coordinator struct {
	store   storage.Store
	monitor Monitor
}

// New constructs a Coordinator over the given storage backend.
func New(store storage.Store) *Coordinator {
	return &Coordinator{store: store}
}

// SetMonitor attaches an optional dashboard broadcaster; pass nil to
// disable it again.
func (c *Coordinator) SetMonitor(m Monitor) {
	c.monitor = m
}

func (c *Coordinator) notify(ev monitor.Event) {
	if c.monitor == nil {
		return
	}
	ev.Timestamp = time.Now()
	c.monitor.Broadcast(ev)
}

// EnsureRunExists inserts a Run row for runID if one is not already
// present; it is a no-op (not an error) if the run already exists, which
// is what makes coordinator restarts idempotent.
func (c *Coordinator) EnsureRunExists(ctx context.Context, runID, configHash string) (*types.Run, error) {
	run, err := c.store.GetRun(ctx, runID)
	if err == nil {
		return run, nil
	}
	if !storage.IsNotFound(err) {
		return nil, fmt.Errorf("checking existing run: %w", err)
	}

	run = &types.Run{
		RunID:      runID,
		ConfigHash: configHash,
		Status:     types.RunActive,
		CreatedAt:  time.Now(),
		UpdatedAt:  time.Now(),
	}
	if err := c.store.CreateRun(ctx, run); err != nil {
		return nil, fmt.Errorf("creating run: %w", err)
	}
	c.notify(monitor.Event{RunID: runID, Status: string(types.RunActive), Kind: "run_status"})
	return run, nil
}

// RegisterWorker inserts or revives a worker registration row for runID.
func (c *Coordinator) RegisterWorker(ctx context.Context, runID, workerID, hostname string) error {
	reg := &types.WorkerRegistration{
		WorkerID:      workerID,
		RunID:         runID,
		Hostname:      hostname,
		Status:        types.WorkerActive,
		LastHeartbeat: time.Now(),
	}
	if err := c.store.UpsertWorker(ctx, reg); err != nil {
		return err
	}
	c.notify(monitor.Event{RunID: runID, Status: string(types.WorkerActive), Kind: "worker_status", WorkerID: workerID})
	return nil
}

// MarkRunCompleted transitions a run to the completed status. Called by
// the coordinator process once all enqueued documents have reached a
// terminal state.
func (c *Coordinator) MarkRunCompleted(ctx context.Context, runID string) error {
	if err := c.store.UpdateRunStatus(ctx, runID, types.RunCompleted); err != nil {
		return err
	}
	c.notify(monitor.Event{RunID: runID, Status: string(types.RunCompleted), Kind: "run_status"})
	return nil
}

// MarkRunFailed transitions a run to the failed status, used when the
// coordinator itself hits a fatal (non-per-document) error.
func (c *Coordinator) MarkRunFailed(ctx context.Context, runID string) error {
	if err := c.store.UpdateRunStatus(ctx, runID, types.RunFailed); err != nil {
		return err
	}
	c.notify(monitor.Event{RunID: runID, Status: string(types.RunFailed), Kind: "run_status"})
	return nil
}

// DetectStaleWorkers returns workers in runID whose last heartbeat is
// older than timeout. It does not mutate state; the caller (typically
// the same reclaim_stale pass that requeues orphaned claims) decides
// what to do with the result.
func (c *Coordinator) DetectStaleWorkers(ctx context.Context, runID string, timeout time.Duration) ([]*types.WorkerRegistration, error) {
	workers, err := c.store.ListWorkers(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("listing workers: %w", err)
	}

	cutoff := time.Now().Add(-timeout)
	var stale []*types.WorkerRegistration
	for _, w := range workers {
		if w.Status != types.WorkerDone && w.LastHeartbeat.Before(cutoff) {
			stale = append(stale, w)
		}
	}
	return stale, nil
}
