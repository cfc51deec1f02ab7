//go:build integration

package queue

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/evalgo/docforge/storage"
	"github.com/evalgo/docforge/types"
)

// setupQueue starts a real PostgreSQL container, runs the schema bootstrap
// against it, and returns a Queue backed by a fresh pool. Mirrors the
// teacher's own container-per-test integration style (queue/rabbit_integration_test.go,
// db/postgres_integration_test.go), using the testcontainers postgres module
// instead of a hand-rolled wait-for-log container request since this test
// needs nothing beyond a ready connection string.
func setupQueue(t *testing.T) *Queue {
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

	return New(pool, Config{MaxRetries: 3, BackoffBase: time.Millisecond, BackoffMax: time.Second})
}

// TestAtomicClaimingUnderContention is spec.md §8 scenario 1: 100
// documents enqueued, 10 workers claiming concurrently — every item
// claimed by exactly one worker, none observed twice, 100 processed total.
func TestAtomicClaimingUnderContention(t *testing.T) {
	q := setupQueue(t)
	ctx := context.Background()
	runID := "run-contention"

	const nDocs = 100
	for i := 0; i < nDocs; i++ {
		_, err := q.AddDocument(ctx, runID, fmt.Sprintf("doc-%03d", i), "src", nil)
		require.NoError(t, err)
	}

	var (
		mu     sync.Mutex
		seen   = map[string]int{}
		claims int
	)

	const nWorkers = 10
	var wg sync.WaitGroup
	wg.Add(nWorkers)
	for w := 0; w < nWorkers; w++ {
		workerID := fmt.Sprintf("worker-%d", w)
		go func() {
			defer wg.Done()
			for {
				item, err := q.ClaimNext(ctx, runID, workerID)
				if err != nil || item == nil {
					return
				}
				mu.Lock()
				seen[item.QueueID]++
				claims++
				mu.Unlock()
				require.NoError(t, q.MarkCompleted(ctx, item.QueueID))
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, nDocs, claims)
	for id, n := range seen {
		assert.Equal(t, 1, n, "queue item %s claimed more than once", id)
	}

	counts, err := q.GetStatus(ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, nDocs, counts[types.StateCompleted])
}

// TestAddDocumentIdempotent is spec.md §8's round-trip property: calling
// AddDocument twice for the same (run, doc) returns the same queue_id and
// creates no duplicate pending row.
func TestAddDocumentIdempotent(t *testing.T) {
	q := setupQueue(t)
	ctx := context.Background()

	id1, err := q.AddDocument(ctx, "run-idem", "doc-1", "src", nil)
	require.NoError(t, err)
	id2, err := q.AddDocument(ctx, "run-idem", "doc-1", "src", nil)
	require.NoError(t, err)
	assert.Equal(t, id1, id2)

	counts, err := q.GetStatus(ctx, "run-idem")
	require.NoError(t, err)
	assert.Equal(t, 1, counts[types.StatePending])
}

// TestStaleReclaim is spec.md §8 scenario 2.
func TestStaleReclaim(t *testing.T) {
	q := setupQueue(t)
	ctx := context.Background()

	_, err := q.AddDocument(ctx, "run-stale", "doc-1", "src", nil)
	require.NoError(t, err)

	item, err := q.ClaimNext(ctx, "run-stale", "worker-1")
	require.NoError(t, err)
	require.NotNil(t, item)

	// Force the claim's heartbeat into the past, simulating a worker that
	// claimed the item and then stalled.
	_, err = q.pool.Exec(ctx, `UPDATE document_queue SET last_heartbeat = now() - interval '1 hour' WHERE queue_id = $1`, item.QueueID)
	require.NoError(t, err)

	n, err := q.ReclaimStale(ctx, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	counts, err := q.GetStatus(ctx, "run-stale")
	require.NoError(t, err)
	assert.Equal(t, 1, counts[types.StateRetry])

	reclaimed, err := q.ListDeadLetters(ctx, "run-stale", 0)
	require.NoError(t, err)
	assert.Empty(t, reclaimed, "reclaimed item should not be dead-lettered")
}

// TestDeadLetterAfterMaxRetries is spec.md §8 scenario 6: once the first
// attempt and all max_retries retries have failed, an item reaches failed
// and is requeueable.
func TestDeadLetterAfterMaxRetries(t *testing.T) {
	q := setupQueue(t)
	ctx := context.Background()

	queueID, err := q.AddDocument(ctx, "run-dlq", "doc-1", "src", nil)
	require.NoError(t, err)

	for i := 0; i <= 3; i++ { // first attempt plus MaxRetries: 3 retries in setupQueue's Config
		item, err := q.ClaimNext(ctx, "run-dlq", "worker-1")
		require.NoError(t, err)
		require.NotNil(t, item)
		require.NoError(t, q.MarkFailed(ctx, item.QueueID, types.ErrorInfo{
			Fingerprint: "parse-error",
			Message:     "malformed document",
		}))
	}

	counts, err := q.GetStatus(ctx, "run-dlq")
	require.NoError(t, err)
	assert.Equal(t, 1, counts[types.StateFailed])

	dead, err := q.ListDeadLetters(ctx, "run-dlq", 0)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Equal(t, queueID, dead[0].QueueID)

	require.NoError(t, q.Requeue(ctx, queueID))
	counts, err = q.GetStatus(ctx, "run-dlq")
	require.NoError(t, err)
	assert.Equal(t, 1, counts[types.StatePending])
	assert.Equal(t, 0, counts[types.StateFailed])
}

// TestHeartbeatUpdatesClaimedItems verifies Heartbeat refreshes
// last_heartbeat only for items the named worker currently holds.
func TestHeartbeatUpdatesClaimedItems(t *testing.T) {
	q := setupQueue(t)
	ctx := context.Background()

	_, err := q.AddDocument(ctx, "run-hb", "doc-1", "src", nil)
	require.NoError(t, err)

	item, err := q.ClaimNext(ctx, "run-hb", "worker-1")
	require.NoError(t, err)
	require.NotNil(t, item)

	_, err = q.pool.Exec(ctx, `UPDATE document_queue SET last_heartbeat = now() - interval '10 minutes' WHERE queue_id = $1`, item.QueueID)
	require.NoError(t, err)

	require.NoError(t, q.Heartbeat(ctx, "run-hb", "worker-1"))

	var lastHeartbeat time.Time
	require.NoError(t, q.pool.QueryRow(ctx, `SELECT last_heartbeat FROM document_queue WHERE queue_id = $1`, item.QueueID).Scan(&lastHeartbeat))
	assert.WithinDuration(t, time.Now(), lastHeartbeat, 10*time.Second)
}
