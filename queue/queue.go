// Package queue implements the FIFO-with-priority work queue over
// (run_id, doc_id) described in spec §4.1: idempotent enqueue, an
// atomically-safe claim built on `SELECT ... FOR UPDATE SKIP LOCKED`,
// heartbeats, retry-with-backoff, stale reclaim, and dead-letter
// management. Generalized from the teacher's worker.Queue interface
// (worker/pool.go) — the method set below is the concrete counterpart
// of that interface's Dequeue/Enqueue/MarkProcessing/CompleteJob/FailJob,
// specialized to the row-locking primitive the teacher's in-process
// queue never needed because it never ran across machines.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"regexp"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/evalgo/docforge/types"
)

// Backoff computes the delay before retry n (0-indexed) is selectable
// again: base * 2^n, capped at max. Grounded on original_source's
// PollBackoff doubling sequence (see SPEC_FULL.md §12), applied here to
// per-item retry scheduling rather than poll-empty backoff (poll backoff
// lives in PollBackoff below).
func Backoff(n int, base, max time.Duration) time.Duration {
	d := base
	for i := 0; i < n; i++ {
		d *= 2
		if d >= max {
			return max
		}
	}
	if d > max {
		return max
	}
	return d
}

// PollBackoff tracks a worker's empty-claim backoff, doubling from 1s to
// 30s as spec §5 describes, and resetting on any successful claim.
type PollBackoff struct {
	current time.Duration
	min     time.Duration
	max     time.Duration
}

func NewPollBackoff() *PollBackoff {
	return &PollBackoff{min: time.Second, max: 30 * time.Second}
}

// Next returns the delay to sleep after an empty claim, then doubles the
// internal counter for next time.
func (p *PollBackoff) Next() time.Duration {
	if p.current == 0 {
		p.current = p.min
	}
	d := p.current
	p.current *= 2
	if p.current > p.max {
		p.current = p.max
	}
	return d
}

// Reset restores the backoff to its minimum after a successful claim.
func (p *PollBackoff) Reset() {
	p.current = 0
}

// Queue wraps a pgxpool.Pool with the document_queue operations. It does
// not implement storage.Store — the queue's row-locking primitive is
// specific enough (and performance-sensitive enough) to warrant its own
// narrow type rather than folding into the general Store interface.
type Queue struct {
	pool *pgxpool.Pool

	maxRetries  int
	backoffBase time.Duration
	backoffMax  time.Duration
	notifier    Notifier
	claimCache  ClaimCache
}

// Notifier announces "work available" out-of-band after a new pending
// item lands in the queue, so an idle worker blocked on its transport
// (rather than polling) wakes up immediately. Optional: a Queue with no
// notifier set behaves exactly as before, relying on PollBackoff.
type Notifier interface {
	Notify(ctx context.Context, runID, docID string) error
}

// ClaimCache tracks how often a worker has lost the FOR UPDATE SKIP
// LOCKED race on a given item, and is cleared once that item is actually
// claimed. A Queue with no cache set skips this bookkeeping entirely.
type ClaimCache interface {
	ResetClaimBackoff(ctx context.Context, queueID string) error
}

// Config parameterizes retry/backoff behavior; zero values fall back to
// the defaults config.ProcessingConfig itself defaults to.
type Config struct {
	MaxRetries  int
	BackoffBase time.Duration
	BackoffMax  time.Duration
}

func New(pool *pgxpool.Pool, cfg Config) *Queue {
	q := &Queue{pool: pool, maxRetries: cfg.MaxRetries, backoffBase: cfg.BackoffBase, backoffMax: cfg.BackoffMax}
	if q.maxRetries <= 0 {
		q.maxRetries = 5
	}
	if q.backoffBase <= 0 {
		q.backoffBase = time.Second
	}
	if q.backoffMax <= 0 {
		q.backoffMax = 300 * time.Second
	}
	return q
}

// SetNotifier attaches an out-of-band "work available" notifier; pass nil
// to disable it again.
func (q *Queue) SetNotifier(n Notifier) {
	q.notifier = n
}

// SetClaimCache attaches the claim-backoff cache; pass nil to disable it.
func (q *Queue) SetClaimCache(c ClaimCache) {
	q.claimCache = c
}

func marshalMeta(m map[string]any) ([]byte, error) {
	if m == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(m)
}

func unmarshalMeta(b []byte) (map[string]any, error) {
	if len(b) == 0 {
		return map[string]any{}, nil
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, err
	}
	return m, nil
}

// AddDocument is idempotent on (run_id, doc_id): if a non-terminal item
// already exists it is returned unchanged; otherwise a new pending item
// is inserted. The partial unique index created by storage.InitSchema is
// what makes the ON CONFLICT clause below race-safe under concurrent
// enqueues of the same (run_id, doc_id) from two link-discovery paths.
func (q *Queue) AddDocument(ctx context.Context, runID, docID, sourceName string, metadata map[string]any) (string, error) {
	meta, err := marshalMeta(metadata)
	if err != nil {
		return "", fmt.Errorf("encoding queue item metadata: %w", err)
	}

	var existing string
	err = q.pool.QueryRow(ctx, `
		SELECT queue_id FROM document_queue
		WHERE run_id = $1 AND doc_id = $2 AND state NOT IN ('completed','failed')`,
		runID, docID).Scan(&existing)
	if err == nil {
		return existing, nil
	}
	if err != pgx.ErrNoRows {
		return "", fmt.Errorf("checking existing queue item: %w", err)
	}

	queueID := fmt.Sprintf("%s:%s:%d", runID, docID, time.Now().UnixNano())
	_, err = q.pool.Exec(ctx, `
		INSERT INTO document_queue
			(queue_id, run_id, doc_id, source_name, state, priority, retry_count, metadata, created_at, updated_at)
		VALUES ($1, $2, $3, $4, 'pending', 0, 0, $5, now(), now())
		ON CONFLICT (run_id, doc_id) WHERE state NOT IN ('completed','failed') DO NOTHING`,
		queueID, runID, docID, sourceName, meta)
	if err != nil {
		return "", fmt.Errorf("inserting queue item: %w", err)
	}

	// A concurrent AddDocument for the same key may have won the race
	// between our SELECT and INSERT; re-read to return the surviving id.
	err = q.pool.QueryRow(ctx, `
		SELECT queue_id FROM document_queue
		WHERE run_id = $1 AND doc_id = $2 AND state NOT IN ('completed','failed')`,
		runID, docID).Scan(&existing)
	if err != nil {
		return "", fmt.Errorf("re-reading queue item after insert race: %w", err)
	}
	if existing == queueID && q.notifier != nil {
		// Best-effort: a missed notification only costs the next
		// PollBackoff cycle, never correctness.
		_ = q.notifier.Notify(ctx, runID, docID)
	}
	return existing, nil
}

// ClaimNext is the queue's one hard-concurrency operation: it selects the
// single best candidate row with FOR UPDATE SKIP LOCKED inside a
// transaction, flips it to processing, and commits — so two concurrent
// callers can run this query at the same instant and never receive the
// same row. Returns (nil, nil) when no claimable item exists.
func (q *Queue) ClaimNext(ctx context.Context, runID, workerID string) (*types.QueueItem, error) {
	tx, err := q.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("beginning claim transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	row := tx.QueryRow(ctx, `
		SELECT queue_id, run_id, doc_id, source_name, state, priority, retry_count,
		       claimed_by_worker, claimed_at, last_heartbeat, next_attempt_at,
		       metadata, error_info, created_at, updated_at
		FROM document_queue
		WHERE run_id = $1
		  AND (state = 'pending' OR (state = 'retry' AND next_attempt_at <= now()))
		ORDER BY priority ASC, created_at ASC
		FOR UPDATE SKIP LOCKED
		LIMIT 1`, runID)

	item, err := scanItem(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("selecting claimable item: %w", err)
	}

	if _, err := tx.Exec(ctx, `
		UPDATE document_queue SET
			state = 'processing',
			claimed_by_worker = $2,
			claimed_at = now(),
			last_heartbeat = now(),
			updated_at = now()
		WHERE queue_id = $1`, item.QueueID, workerID); err != nil {
		return nil, fmt.Errorf("marking item %s processing: %w", item.QueueID, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("committing claim: %w", err)
	}

	item.State = types.StateProcessing
	item.ClaimedByWorker = &workerID
	now := time.Now()
	item.ClaimedAt = &now
	item.LastHeartbeat = &now

	if q.claimCache != nil {
		_ = q.claimCache.ResetClaimBackoff(ctx, item.QueueID)
	}
	return item, nil
}

func scanItem(row pgx.Row) (*types.QueueItem, error) {
	var it types.QueueItem
	var meta, errInfo []byte
	if err := row.Scan(&it.QueueID, &it.RunID, &it.DocID, &it.SourceName, &it.State, &it.Priority,
		&it.RetryCount, &it.ClaimedByWorker, &it.ClaimedAt, &it.LastHeartbeat, &it.NextAttemptAt,
		&meta, &errInfo, &it.CreatedAt, &it.UpdatedAt); err != nil {
		return nil, err
	}
	m, err := unmarshalMeta(meta)
	if err != nil {
		return nil, fmt.Errorf("decoding queue item metadata: %w", err)
	}
	it.Metadata = m
	if len(errInfo) > 0 && string(errInfo) != "null" {
		var ei types.ErrorInfo
		if err := json.Unmarshal(errInfo, &ei); err != nil {
			return nil, fmt.Errorf("decoding error_info: %w", err)
		}
		it.ErrorInfo = &ei
	}
	return &it, nil
}

// Heartbeat refreshes last_heartbeat for the worker's registration row
// (via run_workers, see storage.TouchWorkerHeartbeat — not called here to
// keep this package's dependency surface to *pgxpool.Pool only) and for
// every item currently claimed by this worker.
func (q *Queue) Heartbeat(ctx context.Context, runID, workerID string) error {
	_, err := q.pool.Exec(ctx, `
		UPDATE document_queue SET last_heartbeat = now()
		WHERE run_id = $1 AND claimed_by_worker = $2 AND state = 'processing'`,
		runID, workerID)
	if err != nil {
		return fmt.Errorf("heartbeating items for worker %s: %w", workerID, err)
	}
	return nil
}

// MarkCompleted transitions a processing item to completed.
func (q *Queue) MarkCompleted(ctx context.Context, queueID string) error {
	_, err := q.pool.Exec(ctx, `
		UPDATE document_queue SET state = 'completed', updated_at = now() WHERE queue_id = $1`, queueID)
	if err != nil {
		return fmt.Errorf("marking %s completed: %w", queueID, err)
	}
	return nil
}

// MarkFailed transitions a processing item to retry (with a scheduled
// next_attempt_at) or, once max_retries is exhausted, to the terminal
// failed (dead-letter) state.
func (q *Queue) MarkFailed(ctx context.Context, queueID string, errInfo types.ErrorInfo) error {
	var retryCount int
	if err := q.pool.QueryRow(ctx, `SELECT retry_count FROM document_queue WHERE queue_id = $1`, queueID).Scan(&retryCount); err != nil {
		return fmt.Errorf("reading retry_count for %s: %w", queueID, err)
	}

	errJSON, err := json.Marshal(errInfo)
	if err != nil {
		return fmt.Errorf("encoding error_info: %w", err)
	}

	if retryCount < q.maxRetries {
		nextAttempt := time.Now().Add(Backoff(retryCount, q.backoffBase, q.backoffMax))
		_, err := q.pool.Exec(ctx, `
			UPDATE document_queue SET
				state = 'retry',
				retry_count = retry_count + 1,
				next_attempt_at = $2,
				claimed_by_worker = NULL,
				error_info = $3,
				updated_at = now()
			WHERE queue_id = $1`, queueID, nextAttempt, errJSON)
		if err != nil {
			return fmt.Errorf("scheduling retry for %s: %w", queueID, err)
		}
		return nil
	}

	_, err = q.pool.Exec(ctx, `
		UPDATE document_queue SET
			state = 'failed',
			error_info = $2,
			updated_at = now()
		WHERE queue_id = $1`, queueID, errJSON)
	if err != nil {
		return fmt.Errorf("dead-lettering %s: %w", queueID, err)
	}
	return nil
}

// ReclaimStale returns every processing item whose last_heartbeat is
// older than timeout back to retry with an incremented retry_count, and
// reports how many it reclaimed. Safe to call from any process — it does
// not require the calling worker to own the stale claims.
func (q *Queue) ReclaimStale(ctx context.Context, timeout time.Duration) (int, error) {
	tag, err := q.pool.Exec(ctx, `
		UPDATE document_queue SET
			state = 'retry',
			retry_count = retry_count + 1,
			claimed_by_worker = NULL,
			next_attempt_at = now(),
			updated_at = now()
		WHERE state = 'processing' AND last_heartbeat < now() - $1::interval`,
		fmt.Sprintf("%d seconds", int(timeout.Seconds())))
	if err != nil {
		return 0, fmt.Errorf("reclaiming stale items: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// StatusCounts maps queue state to item count for one run.
type StatusCounts map[types.QueueState]int

// GetStatus returns per-state item counts for runID, for monitoring.
func (q *Queue) GetStatus(ctx context.Context, runID string) (StatusCounts, error) {
	rows, err := q.pool.Query(ctx, `
		SELECT state, count(*) FROM document_queue WHERE run_id = $1 GROUP BY state`, runID)
	if err != nil {
		return nil, fmt.Errorf("querying status for run %s: %w", runID, err)
	}
	defer rows.Close()

	counts := StatusCounts{}
	for rows.Next() {
		var state string
		var n int
		if err := rows.Scan(&state, &n); err != nil {
			return nil, fmt.Errorf("scanning status row: %w", err)
		}
		counts[types.QueueState(state)] = n
	}
	return counts, rows.Err()
}

// --- Dead letter ----------------------------------------------------------

// ListDeadLetters returns failed items, optionally filtered to one run,
// newest first, capped at limit (0 means unlimited).
func (q *Queue) ListDeadLetters(ctx context.Context, runID string, limit int) ([]*types.QueueItem, error) {
	sql := `
		SELECT queue_id, run_id, doc_id, source_name, state, priority, retry_count,
		       claimed_by_worker, claimed_at, last_heartbeat, next_attempt_at,
		       metadata, error_info, created_at, updated_at
		FROM document_queue WHERE state = 'failed'`
	args := []any{}
	if runID != "" {
		sql += " AND run_id = $1"
		args = append(args, runID)
	}
	sql += " ORDER BY updated_at DESC"
	if limit > 0 {
		sql += fmt.Sprintf(" LIMIT %d", limit)
	}

	rows, err := q.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("listing dead letters: %w", err)
	}
	defer rows.Close()

	var out []*types.QueueItem
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning dead letter row: %w", err)
		}
		out = append(out, it)
	}
	return out, rows.Err()
}

// Requeue resets one failed item back to pending with retry_count zeroed.
func (q *Queue) Requeue(ctx context.Context, queueID string) error {
	_, err := q.pool.Exec(ctx, `
		UPDATE document_queue SET
			state = 'pending', retry_count = 0, error_info = NULL,
			claimed_by_worker = NULL, next_attempt_at = NULL, updated_at = now()
		WHERE queue_id = $1 AND state = 'failed'`, queueID)
	if err != nil {
		return fmt.Errorf("requeuing %s: %w", queueID, err)
	}
	return nil
}

// RequeueRun resets every failed item in runID back to pending, returning
// the count affected.
func (q *Queue) RequeueRun(ctx context.Context, runID string) (int, error) {
	tag, err := q.pool.Exec(ctx, `
		UPDATE document_queue SET
			state = 'pending', retry_count = 0, error_info = NULL,
			claimed_by_worker = NULL, next_attempt_at = NULL, updated_at = now()
		WHERE run_id = $1 AND state = 'failed'`, runID)
	if err != nil {
		return 0, fmt.Errorf("requeuing run %s: %w", runID, err)
	}
	return int(tag.RowsAffected()), nil
}

// Purge deletes failed items older than olderThanDays, returning the
// count removed.
func (q *Queue) Purge(ctx context.Context, olderThanDays int) (int, error) {
	tag, err := q.pool.Exec(ctx, `
		DELETE FROM document_queue
		WHERE state = 'failed' AND updated_at < now() - ($1 || ' days')::interval`, olderThanDays)
	if err != nil {
		return 0, fmt.Errorf("purging dead letters: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// FailureGroup is one bucket of the analyze-failure-patterns report.
type FailureGroup struct {
	Fingerprint     string
	Count           int
	SampleMessages  []string
	AffectedSources map[string]int
}

// Analyze groups failed items by error fingerprint, matching the
// dead-letter interface spec §4.1 names ("group by error-type
// fingerprint, count, sample messages, affected sources").
func (q *Queue) Analyze(ctx context.Context, runID string) ([]FailureGroup, error) {
	items, err := q.ListDeadLetters(ctx, runID, 0)
	if err != nil {
		return nil, err
	}

	groups := map[string]*FailureGroup{}
	var order []string
	for _, it := range items {
		if it.ErrorInfo == nil {
			continue
		}
		fp := it.ErrorInfo.Fingerprint
		g, ok := groups[fp]
		if !ok {
			g = &FailureGroup{Fingerprint: fp, AffectedSources: map[string]int{}}
			groups[fp] = g
			order = append(order, fp)
		}
		g.Count++
		if len(g.SampleMessages) < 3 {
			g.SampleMessages = append(g.SampleMessages, it.ErrorInfo.Message)
		}
		g.AffectedSources[it.SourceName]++
	}

	out := make([]FailureGroup, 0, len(order))
	for _, fp := range order {
		out = append(out, *groups[fp])
	}
	return out, nil
}

var (
	uuidPattern   = regexp.MustCompile(`[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}`)
	digitsPattern = regexp.MustCompile(`\d+`)
)

// Fingerprint normalizes an error message the way the dead-letter
// analyzer needs to group "the same failure" together despite varying
// identifiers: lowercase, strip UUIDs and digit runs, truncate to 120
// chars, then hash with fnv32a. Grounded on original_source's failure
// fingerprinting (see SPEC_FULL.md §12).
func Fingerprint(message string) string {
	m := strings.ToLower(message)
	m = uuidPattern.ReplaceAllString(m, "")
	m = digitsPattern.ReplaceAllString(m, "")
	m = strings.Join(strings.Fields(m), " ")
	if len(m) > 120 {
		m = m[:120]
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(m))
	return fmt.Sprintf("%08x", h.Sum32())
}
