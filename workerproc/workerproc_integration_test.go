//go:build integration

package workerproc

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

	"github.com/evalgo/docforge/parsers"
	"github.com/evalgo/docforge/parsers/plaintext"
	"github.com/evalgo/docforge/processor"
	"github.com/evalgo/docforge/queue"
	"github.com/evalgo/docforge/runcoordinator"
	"github.com/evalgo/docforge/sources"
	"github.com/evalgo/docforge/sources/fs"
	"github.com/evalgo/docforge/storage"
	"github.com/evalgo/docforge/types"
)

// setupWorkerDeps mirrors coordinatorproc's own setupCoordinator, wiring a
// real Postgres-backed Queue and Store so a Worker can be driven end to
// end without any of its collaborators being faked out.
func setupWorkerDeps(t *testing.T) (*queue.Queue, storage.Store, *runcoordinator.Coordinator) {
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

	return q, store, runcoordinator.New(store)
}

func writeOneDoc(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "doc.txt"), []byte(body), 0o644))
	return dir
}

func formatOfPlaintext(metadata map[string]any) (string, error) { return "plaintext", nil }

// TestWorkerDrainsQueueAndPersistsDocument is the end-to-end scenario:
// a document is enqueued, a Worker claims and processes it through the
// real plaintext parser and Postgres store, and both the queue and
// document tables reflect the outcome once Run returns.
func TestWorkerDrainsQueueAndPersistsDocument(t *testing.T) {
	q, store, run := setupWorkerDeps(t)
	ctx := context.Background()
	dir := writeOneDoc(t, "hello there\n\nsecond paragraph")

	src, err := fs.New("docs", map[string]any{"root_path": dir})
	require.NoError(t, err)

	parserReg := parsers.NewRegistry()
	parserReg.Register("plaintext", plaintext.New)

	refs, err := src.List(ctx)
	require.NoError(t, err)
	require.Len(t, refs, 1)
	docID := refs[0].DocID

	_, err = q.AddDocument(ctx, "run-worker", docID, "docs", map[string]any{})
	require.NoError(t, err)

	proc := &processor.Processor{
		Store:    store,
		Queue:    q,
		Sources:  map[string]sources.Source{"docs": src},
		Parsers:  parserReg,
		FormatOf: formatOfPlaintext,
	}

	w := New(Config{
		RunID:             "run-worker",
		WorkerID:          "worker-1",
		Hostname:          "test-host",
		Queue:             q,
		Processor:         proc,
		RunCoordinator:    run,
		HeartbeatInterval: 50 * time.Millisecond,
		MaxDocuments:      1,
	})

	require.NoError(t, w.Run(ctx))

	processed, failed := w.Stats()
	assert.Equal(t, 1, processed)
	assert.Equal(t, 0, failed)

	counts, err := q.GetStatus(ctx, "run-worker")
	require.NoError(t, err)
	assert.Equal(t, 1, counts[types.StateCompleted])

	doc, err := store.GetDocument(ctx, docID)
	require.NoError(t, err)
	assert.NotEmpty(t, doc.ContentHash)

	elements, err := store.ListElements(ctx, docID)
	require.NoError(t, err)
	assert.NotEmpty(t, elements)
}

// TestWorkerMarksFailedOnParserError drives a worker whose processor has
// no parser registered, so its single document is fetched but can never
// be parsed, confirming failures are recorded on the queue rather than
// propagated out of Run.
func TestWorkerMarksFailedOnParserError(t *testing.T) {
	q, store, run := setupWorkerDeps(t)
	ctx := context.Background()
	dir := writeOneDoc(t, "content")

	src, err := fs.New("docs", map[string]any{"root_path": dir})
	require.NoError(t, err)

	refs, err := src.List(ctx)
	require.NoError(t, err)
	require.Len(t, refs, 1)
	docID := refs[0].DocID

	_, err = q.AddDocument(ctx, "run-fail", docID, "docs", map[string]any{})
	require.NoError(t, err)

	// No "plaintext" parser registered, so FormatOf resolving to
	// "plaintext" will fail to find a constructor and Process returns
	// an error for every item.
	proc := &processor.Processor{
		Store:    store,
		Queue:    q,
		Sources:  map[string]sources.Source{"docs": src},
		Parsers:  parsers.NewRegistry(),
		FormatOf: formatOfPlaintext,
	}

	w := New(Config{
		RunID:          "run-fail",
		WorkerID:       "worker-1",
		Hostname:       "test-host",
		Queue:          q,
		Processor:      proc,
		RunCoordinator: run,
		MaxDocuments:   1,
	})

	require.NoError(t, w.Run(ctx))

	processed, failed := w.Stats()
	assert.Equal(t, 0, processed)
	assert.Equal(t, 1, failed)

	counts, err := q.GetStatus(ctx, "run-fail")
	require.NoError(t, err)
	assert.Equal(t, 1, counts[types.StateRetry])
}
