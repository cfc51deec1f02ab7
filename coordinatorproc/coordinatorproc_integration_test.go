//go:build integration

package coordinatorproc

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/evalgo/docforge/queue"
	"github.com/evalgo/docforge/runcoordinator"
	"github.com/evalgo/docforge/sources"
	"github.com/evalgo/docforge/sources/fs"
	"github.com/evalgo/docforge/storage"
	"github.com/evalgo/docforge/types"
)

// setupCoordinator mirrors package queue's own setupQueue (see
// queue/queue_integration_test.go), starting a real PostgreSQL container
// and bootstrapping the schema before handing back a Queue and
// runcoordinator.Coordinator that both point at it.
func setupCoordinator(t *testing.T) (*queue.Queue, *runcoordinator.Coordinator) {
	t.Helper()
	ctx := context.Background()

	container, err := tcpostgres.Run(ctx, "postgres:16-alpine",
		tcpostgres.WithDatabase("docforge_test"),
		tcpostgres.WithUsername("docforge"),
		tcpostgres.WithPassword("docforge"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).WithStartupTimeout(60*time.Second)),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(ctx) })

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)
	require.NoError(t, storage.InitSchema(dsn, false))

	pool, err := pgxpool.New(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	q := queue.New(pool, queue.Config{MaxRetries: 3, BackoffBase: time.Millisecond, BackoffMax: time.Second})

	store, err := storage.NewPostgresStore(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close(context.Background()) })

	return q, runcoordinator.New(store)
}

// writeFiles drops n files under a fresh temp directory for an fs.Source
// to discover.
func writeFiles(t *testing.T, n int) string {
	t.Helper()
	dir := t.TempDir()
	for i := 0; i < n; i++ {
		name := filepath.Join(dir, "doc.txt")
		if i > 0 {
			name = filepath.Join(dir, "doc"+string(rune('0'+i))+".txt")
		}
		require.NoError(t, os.WriteFile(name, []byte("content"), 0o644))
	}
	return dir
}

// TestDiscoverEnqueuesListedDocuments covers the coordinator's discovery
// pass end to end against a real queue: every file an fs.Source lists
// ends up pending in the document_queue.
func TestDiscoverEnqueuesListedDocuments(t *testing.T) {
	q, run := setupCoordinator(t)
	dir := writeFiles(t, 3)

	src, err := fs.New("docs", map[string]any{"root_path": dir})
	require.NoError(t, err)

	coord := New(Config{
		RunID:   "run-discover",
		Sources: map[string]sources.Source{"docs": src},
		Queue:   q,
		Run:     run,
	})

	results, err := coord.Discover(context.Background())
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, 3, results[0].Listed)
	assert.Equal(t, 3, results[0].Enqueued)
	assert.Empty(t, results[0].Errors)

	counts, err := q.GetStatus(context.Background(), "run-discover")
	require.NoError(t, err)
	assert.Equal(t, 3, counts[types.StatePending])
}

// TestRunCompletesOnceQueueDrains exercises the coordinator's main loop:
// once every enqueued document reaches a terminal state, Run returns and
// the run row transitions to completed.
func TestRunCompletesOnceQueueDrains(t *testing.T) {
	q, run := setupCoordinator(t)
	dir := writeFiles(t, 1)

	src, err := fs.New("docs", map[string]any{"root_path": dir})
	require.NoError(t, err)

	coord := New(Config{
		RunID:        "run-complete",
		ConfigHash:   "hash-1",
		Sources:      map[string]sources.Source{"docs": src},
		Queue:        q,
		Run:          run,
		PollInterval: 20 * time.Millisecond,
	})

	runErrCh := make(chan error, 1)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	go func() { runErrCh <- coord.Run(ctx) }()

	// Drain the single enqueued item ourselves, standing in for a worker.
	var item *types.QueueItem
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		item, err = q.ClaimNext(context.Background(), "run-complete", "worker-1")
		require.NoError(t, err)
		if item != nil {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	require.NotNil(t, item, "coordinator should have enqueued the document by now")
	require.NoError(t, q.MarkCompleted(context.Background(), item.QueueID))

	select {
	case err := <-runErrCh:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("coordinator did not observe run completion in time")
	}

	got, err := run.EnsureRunExists(context.Background(), "run-complete", "hash-1")
	require.NoError(t, err)
	assert.Equal(t, types.RunCompleted, got.Status)
}
