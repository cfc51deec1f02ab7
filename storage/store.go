// Package storage defines the persistence abstraction for documents,
// elements, relationships, entities, and the run/worker registry, and
// provides a PostgreSQL implementation. Generalized from the teacher's
// storage.DatabaseConfig/CouchDBClient wrapper (storage/database.go) and
// db.PostgresDB (db/postgres_pgx.go), but widened from a single-table
// log store into the full document graph this pipeline persists.
//
// Only a backend offering "select one row matching criteria, skip rows
// locked by another transaction, lock it, update it, commit" is a valid
// Store for the work queue's claim path (spec.md §4.1, §9 Open
// Questions). PostgresStore is the only implementation shipped here;
// it uses `SELECT ... FOR UPDATE SKIP LOCKED` (see queue.Queue, which
// is built directly on the same *pgxpool.Pool for that reason).
package storage

import (
	"context"
	"errors"

	"github.com/evalgo/docforge/types"
)

// ErrNotFound is returned by Get-style methods when no row matches.
var ErrNotFound = errors.New("storage: not found")

// IsNotFound reports whether err wraps ErrNotFound.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// GraphQuery narrows RelatedElements lookups.
type GraphQuery struct {
	RelationshipTypes []types.RelationshipType
	CrossDocumentOnly bool
	Limit             int
}

// Store is the persistence abstraction every document-processor,
// run-coordinator, and entity-extractor operation goes through. All
// multi-row writes within a single method are transactional; see
// PersistDocument for the one that matters most (spec.md §4.4:
// "a visible partial document is a bug").
type Store interface {
	// Documents & graph

	GetDocument(ctx context.Context, docID string) (*types.Document, error)
	// PersistDocument atomically replaces (or inserts) a document's
	// row, its elements, and its intra-document relationships. Callers
	// performing a smart update pass the entity diff separately via
	// ApplyEntityDiff in the same transaction scope (see
	// TransactionalPersist).
	PersistDocument(ctx context.Context, doc *types.Document, elements []*types.Element, relationships []*types.Relationship) error
	DeleteDocument(ctx context.Context, docID string) error

	ListElements(ctx context.Context, docID string) ([]*types.Element, error)
	GetElement(ctx context.Context, elementPK int64) (*types.Element, error)

	// RelatedElements returns elements reachable from elementPK via
	// outgoing relationships matching q, ordered by relationship
	// insertion order (stable for context-assembly priority).
	RelatedElements(ctx context.Context, elementPK int64, q GraphQuery) ([]*types.Element, []*types.Relationship, error)

	// Entities

	EntitiesForDocument(ctx context.Context, docID string) ([]*types.Entity, error)
	EntityMappingCount(ctx context.Context, entityPK int64) (int, error)
	UpsertEntity(ctx context.Context, e *types.Entity) error
	DeleteEntity(ctx context.Context, entityPK int64) error
	UpsertMapping(ctx context.Context, m *types.ElementEntityMapping) error
	DeleteMappingsForDocument(ctx context.Context, docID string) error
	UpsertEntityRelationship(ctx context.Context, r *types.EntityRelationship) error

	// ApplyEntityDiff commits the smart-update entity diff (preserved
	// entities untouched, modified attributes updated in place,
	// created entities inserted, orphaned entities deleted) inside the
	// same transaction as the document/element/relationship replace.
	ApplyEntityDiff(ctx context.Context, docID string, diff EntityDiff) error

	// Run & worker registry (backs package runcoordinator)

	GetRun(ctx context.Context, runID string) (*types.Run, error)
	CreateRun(ctx context.Context, run *types.Run) error
	UpdateRunStatus(ctx context.Context, runID string, status types.RunStatus) error
	IncrementRunCounters(ctx context.Context, runID string, queued, processed, failed int) error

	UpsertWorker(ctx context.Context, reg *types.WorkerRegistration) error
	ListWorkers(ctx context.Context, runID string) ([]*types.WorkerRegistration, error)
	TouchWorkerHeartbeat(ctx context.Context, runID, workerID string) error

	// Close releases any pooled resources.
	Close(ctx context.Context) error
}

// EntityDiff is the result of comparing a document's previously stored
// entity set against the freshly extracted one (processor's
// computeSmartUpdate).
type EntityDiff struct {
	Preserved []*types.Entity // entity_id + attributes unchanged
	Modified  []*types.Entity // entity_id unchanged, attributes differ; entity_pk preserved
	Created   []*types.Entity
	Deleted   []int64 // entity_pk of entities with no remaining DERIVED_FROM mapping
	Unlinked  []int64 // entity_pk still referenced by another document; only this doc's mapping is removed
}
