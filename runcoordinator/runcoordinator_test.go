package runcoordinator

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/evalgo/docforge/config"
	"github.com/evalgo/docforge/storage"
	"github.com/evalgo/docforge/types"
)

// fakeStore implements storage.Store with in-memory run/worker bookkeeping
// only; every other method is unused by this package's tests.
type fakeStore struct {
	runs    map[string]*types.Run
	workers map[string]*types.WorkerRegistration
}

func newFakeStore() *fakeStore {
	return &fakeStore{runs: map[string]*types.Run{}, workers: map[string]*types.WorkerRegistration{}}
}

func (f *fakeStore) GetDocument(ctx context.Context, docID string) (*types.Document, error) { return nil, storage.ErrNotFound }
func (f *fakeStore) PersistDocument(ctx context.Context, doc *types.Document, elements []*types.Element, relationships []*types.Relationship) error {
	return nil
}
func (f *fakeStore) DeleteDocument(ctx context.Context, docID string) error { return nil }
func (f *fakeStore) ListElements(ctx context.Context, docID string) ([]*types.Element, error) {
	return nil, nil
}
func (f *fakeStore) GetElement(ctx context.Context, elementPK int64) (*types.Element, error) {
	return nil, storage.ErrNotFound
}
func (f *fakeStore) RelatedElements(ctx context.Context, elementPK int64, q storage.GraphQuery) ([]*types.Element, []*types.Relationship, error) {
	return nil, nil, nil
}
func (f *fakeStore) EntitiesForDocument(ctx context.Context, docID string) ([]*types.Entity, error) {
	return nil, nil
}
func (f *fakeStore) EntityMappingCount(ctx context.Context, entityPK int64) (int, error) { return 0, nil }
func (f *fakeStore) UpsertEntity(ctx context.Context, e *types.Entity) error              { return nil }
func (f *fakeStore) DeleteEntity(ctx context.Context, entityPK int64) error               { return nil }
func (f *fakeStore) UpsertMapping(ctx context.Context, m *types.ElementEntityMapping) error {
	return nil
}
func (f *fakeStore) DeleteMappingsForDocument(ctx context.Context, docID string) error { return nil }
func (f *fakeStore) UpsertEntityRelationship(ctx context.Context, r *types.EntityRelationship) error {
	return nil
}
func (f *fakeStore) ApplyEntityDiff(ctx context.Context, docID string, diff storage.EntityDiff) error {
	return nil
}

func (f *fakeStore) GetRun(ctx context.Context, runID string) (*types.Run, error) {
	r, ok := f.runs[runID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return r, nil
}
func (f *fakeStore) CreateRun(ctx context.Context, run *types.Run) error {
	f.runs[run.RunID] = run
	return nil
}
func (f *fakeStore) UpdateRunStatus(ctx context.Context, runID string, status types.RunStatus) error {
	r, ok := f.runs[runID]
	if !ok {
		return storage.ErrNotFound
	}
	r.Status = status
	return nil
}
func (f *fakeStore) IncrementRunCounters(ctx context.Context, runID string, queued, processed, failed int) error {
	r, ok := f.runs[runID]
	if !ok {
		return storage.ErrNotFound
	}
	r.DocumentsQueued += queued
	r.DocumentsProcessed += processed
	r.DocumentsFailed += failed
	return nil
}
func (f *fakeStore) UpsertWorker(ctx context.Context, reg *types.WorkerRegistration) error {
	f.workers[reg.WorkerID] = reg
	return nil
}
func (f *fakeStore) ListWorkers(ctx context.Context, runID string) ([]*types.WorkerRegistration, error) {
	var out []*types.WorkerRegistration
	for _, w := range f.workers {
		if w.RunID == runID {
			out = append(out, w)
		}
	}
	return out, nil
}
func (f *fakeStore) TouchWorkerHeartbeat(ctx context.Context, runID, workerID string) error {
	if w, ok := f.workers[workerID]; ok {
		w.LastHeartbeat = time.Now()
	}
	return nil
}
func (f *fakeStore) Close(ctx context.Context) error { return nil }

func baseConfig() *config.Config {
	return &config.Config{
		Storage:        config.StorageConfig{Backend: "postgres", DSN: "postgres://localhost/test"},
		ContentSources: []config.ContentSourceConfig{{Name: "docs", Type: "fs", Params: map[string]any{"root": "/tmp/docs"}}},
	}
}

func TestDeriveRunID_DeterministicForSameConfig(t *testing.T) {
	cfg := baseConfig()
	id1, err := DeriveRunID(cfg)
	require.NoError(t, err)
	id2, err := DeriveRunID(cfg)
	require.NoError(t, err)

	assert.Equal(t, id1, id2)
	assert.Len(t, id1, 16)
}

func TestDeriveRunID_DiffersWhenSourcesDiffer(t *testing.T) {
	cfg1 := baseConfig()
	cfg2 := baseConfig()
	cfg2.ContentSources[0].Name = "other"

	id1, err := DeriveRunID(cfg1)
	require.NoError(t, err)
	id2, err := DeriveRunID(cfg2)
	require.NoError(t, err)

	assert.NotEqual(t, id1, id2)
}

func TestDeriveRunID_IgnoresOperationalFields(t *testing.T) {
	cfg1 := baseConfig()
	cfg2 := baseConfig()
	cfg2.Processing.MaxLinkDepth = 9
	cfg2.Embedding.Model = "a-different-model"

	id1, err := DeriveRunID(cfg1)
	require.NoError(t, err)
	id2, err := DeriveRunID(cfg2)
	require.NoError(t, err)

	assert.Equal(t, id1, id2)
}

func TestConfigHash_MatchesDeriveRunID(t *testing.T) {
	cfg := baseConfig()
	runID, err := DeriveRunID(cfg)
	require.NoError(t, err)
	hash, err := ConfigHash(cfg)
	require.NoError(t, err)
	assert.Equal(t, runID, hash)
}

func TestEnsureRunExists_IsIdempotent(t *testing.T) {
	store := newFakeStore()
	c := New(store)
	ctx := context.Background()

	run1, err := c.EnsureRunExists(ctx, "run-1", "hash-1")
	require.NoError(t, err)
	assert.Equal(t, types.RunActive, run1.Status)

	run2, err := c.EnsureRunExists(ctx, "run-1", "hash-1")
	require.NoError(t, err)
	assert.Equal(t, run1.CreatedAt, run2.CreatedAt)
	assert.Len(t, store.runs, 1)
}

func TestMarkRunCompletedAndFailed(t *testing.T) {
	store := newFakeStore()
	c := New(store)
	ctx := context.Background()

	_, err := c.EnsureRunExists(ctx, "run-1", "hash-1")
	require.NoError(t, err)

	require.NoError(t, c.MarkRunCompleted(ctx, "run-1"))
	assert.Equal(t, types.RunCompleted, store.runs["run-1"].Status)

	require.NoError(t, c.MarkRunFailed(ctx, "run-1"))
	assert.Equal(t, types.RunFailed, store.runs["run-1"].Status)
}

func TestDetectStaleWorkers(t *testing.T) {
	store := newFakeStore()
	c := New(store)
	ctx := context.Background()

	require.NoError(t, c.RegisterWorker(ctx, "run-1", "fresh-worker", "host-a"))
	require.NoError(t, c.RegisterWorker(ctx, "run-1", "stale-worker", "host-b"))
	store.workers["stale-worker"].LastHeartbeat = time.Now().Add(-time.Hour)

	stale, err := c.DetectStaleWorkers(ctx, "run-1", time.Minute)
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Equal(t, "stale-worker", stale[0].WorkerID)
}

func TestDetectStaleWorkers_IgnoresDoneWorkers(t *testing.T) {
	store := newFakeStore()
	c := New(store)
	ctx := context.Background()

	require.NoError(t, c.RegisterWorker(ctx, "run-1", "done-worker", "host-a"))
	store.workers["done-worker"].LastHeartbeat = time.Now().Add(-time.Hour)
	store.workers["done-worker"].Status = types.WorkerDone

	stale, err := c.DetectStaleWorkers(ctx, "run-1", time.Minute)
	require.NoError(t, err)
	assert.Empty(t, stale)
}
