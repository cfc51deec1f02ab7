package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/evalgo/docforge/types"
)

// PostgresStore is the pgx-backed Store implementation. It keeps a single
// *pgxpool.Pool for the lifetime of the process, the way db.PostgresDB
// does, but adds the multi-statement transactional methods the document
// graph and the work queue both need.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects to dsn and verifies the connection with Ping,
// matching the fail-fast behavior of db.NewPostgresDB.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("creating connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

// Pool returns the underlying pool for callers that need it directly, such
// as package queue's claim path.
func (s *PostgresStore) Pool() *pgxpool.Pool { return s.pool }

func (s *PostgresStore) Close(ctx context.Context) error {
	s.pool.Close()
	return nil
}

func marshalJSON(m map[string]any) ([]byte, error) {
	if m == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(m)
}

func unmarshalJSON(b []byte) (map[string]any, error) {
	if len(b) == 0 {
		return map[string]any{}, nil
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, err
	}
	return m, nil
}

func wrapNotFound(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

// --- Documents & graph -----------------------------------------------

func (s *PostgresStore) GetDocument(ctx context.Context, docID string) (*types.Document, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT doc_id, doc_type, source, content_hash, metadata, created_at, updated_at
		FROM documents WHERE doc_id = $1`, docID)

	var d types.Document
	var meta []byte
	if err := row.Scan(&d.DocID, &d.DocType, &d.Source, &d.ContentHash, &meta, &d.CreatedAt, &d.UpdatedAt); err != nil {
		return nil, fmt.Errorf("getting document %s: %w", docID, wrapNotFound(err))
	}
	m, err := unmarshalJSON(meta)
	if err != nil {
		return nil, fmt.Errorf("decoding document metadata: %w", err)
	}
	d.Metadata = m
	return &d, nil
}

// PersistDocument replaces a document's elements and relationships inside
// a single transaction: delete-then-insert on elements and relationships
// is simpler and safer here than a diff, since the element set is wholly
// regenerated on every re-ingest (entity preservation is handled
// separately by ApplyEntityDiff, which keys off entity_id, not element_pk).
func (s *PostgresStore) PersistDocument(ctx context.Context, doc *types.Document, elements []*types.Element, relationships []*types.Relationship) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	meta, err := marshalJSON(doc.Metadata)
	if err != nil {
		return fmt.Errorf("encoding document metadata: %w", err)
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO documents (doc_id, doc_type, source, content_hash, metadata, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, now(), now())
		ON CONFLICT (doc_id) DO UPDATE SET
			doc_type = EXCLUDED.doc_type,
			source = EXCLUDED.source,
			content_hash = EXCLUDED.content_hash,
			metadata = EXCLUDED.metadata,
			updated_at = now()`,
		doc.DocID, doc.DocType, doc.Source, doc.ContentHash, meta); err != nil {
		return fmt.Errorf("upserting document: %w", err)
	}

	// Relationships reference elements by element_pk, and the schema
	// declares no foreign key for them (see schema.go's relationshipRow),
	// so they are cleared while the prior element rows still exist to
	// select them by.
	if _, err := tx.Exec(ctx, `
		DELETE FROM relationships
		WHERE source_id IN (SELECT element_pk FROM elements WHERE doc_id = $1)`, doc.DocID); err != nil {
		return fmt.Errorf("clearing prior relationships: %w", err)
	}
	if _, err := tx.Exec(ctx, `DELETE FROM elements WHERE doc_id = $1`, doc.DocID); err != nil {
		return fmt.Errorf("clearing prior elements: %w", err)
	}

	pkByElementID := make(map[string]int64, len(elements))
	for _, e := range elements {
		em, err := marshalJSON(e.Metadata)
		if err != nil {
			return fmt.Errorf("encoding element metadata: %w", err)
		}
		loc, err := marshalJSON(e.ContentLocation)
		if err != nil {
			return fmt.Errorf("encoding element content_location: %w", err)
		}

		var pk int64
		row := tx.QueryRow(ctx, `
			INSERT INTO elements
				(element_id, doc_id, parent_id, element_type, content_preview,
				 content_location, content_hash, element_order, document_position, metadata)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
			RETURNING element_pk`,
			e.ElementID, e.DocID, e.ParentID, string(e.ElementType), e.ContentPreview,
			loc, e.ContentHash, e.ElementOrder, e.DocumentPosition, em)
		if err := row.Scan(&pk); err != nil {
			return fmt.Errorf("inserting element %s: %w", e.ElementID, err)
		}
		e.ElementPK = pk
		pkByElementID[e.ElementID] = pk
	}

	for _, r := range relationships {
		sourcePK, ok := pkByElementID[r.SourceElementID]
		if !ok {
			return fmt.Errorf("relationship source element %q not found among persisted elements", r.SourceElementID)
		}

		var targetPK int64
		if r.TargetElementID != "" {
			targetPK, ok = pkByElementID[r.TargetElementID]
			if !ok {
				return fmt.Errorf("relationship target element %q not found among persisted elements", r.TargetElementID)
			}
		} else if types.ClassOf(r.RelationshipType) == types.ClassStructural {
			return fmt.Errorf("structural relationship from %q has no target element", r.SourceElementID)
		} else {
			// Link relationship to an external document not yet ingested
			// (target_url in Metadata). discoverLinks resolves it to a
			// queue item directly from parsed.Relationships; there is no
			// element PK to store as a graph edge until that document is
			// ingested and re-links back here.
			continue
		}

		rm, err := marshalJSON(r.Metadata)
		if err != nil {
			return fmt.Errorf("encoding relationship metadata: %w", err)
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO relationships (source_id, target_id, relationship_type, metadata)
			VALUES ($1, $2, $3, $4)`,
			sourcePK, targetPK, string(r.RelationshipType), rm); err != nil {
			return fmt.Errorf("inserting relationship %d->%d: %w", sourcePK, targetPK, err)
		}
	}

	return tx.Commit(ctx)
}

func (s *PostgresStore) DeleteDocument(ctx context.Context, docID string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback(ctx)
	if _, err := tx.Exec(ctx, `
		DELETE FROM element_entity_mappings
		WHERE element_pk IN (SELECT element_pk FROM elements WHERE doc_id = $1)`, docID); err != nil {
		return fmt.Errorf("clearing mappings for %s: %w", docID, err)
	}
	if _, err := tx.Exec(ctx, `DELETE FROM documents WHERE doc_id = $1`, docID); err != nil {
		return fmt.Errorf("deleting document %s: %w", docID, err)
	}
	return tx.Commit(ctx)
}

func (s *PostgresStore) ListElements(ctx context.Context, docID string) ([]*types.Element, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT element_pk, element_id, doc_id, parent_id, element_type, content_preview,
		       content_location, content_hash, element_order, document_position, metadata
		FROM elements WHERE doc_id = $1 ORDER BY document_position`, docID)
	if err != nil {
		return nil, fmt.Errorf("listing elements for %s: %w", docID, err)
	}
	defer rows.Close()
	return scanElements(rows)
}

func (s *PostgresStore) GetElement(ctx context.Context, elementPK int64) (*types.Element, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT element_pk, element_id, doc_id, parent_id, element_type, content_preview,
		       content_location, content_hash, element_order, document_position, metadata
		FROM elements WHERE element_pk = $1`, elementPK)

	e, err := scanElement(row)
	if err != nil {
		return nil, fmt.Errorf("getting element %d: %w", elementPK, wrapNotFound(err))
	}
	return e, nil
}

func scanElement(row pgx.Row) (*types.Element, error) {
	var e types.Element
	var loc, meta []byte
	if err := row.Scan(&e.ElementPK, &e.ElementID, &e.DocID, &e.ParentID, &e.ElementType,
		&e.ContentPreview, &loc, &e.ContentHash, &e.ElementOrder, &e.DocumentPosition, &meta); err != nil {
		return nil, err
	}
	var err error
	if e.ContentLocation, err = unmarshalJSON(loc); err != nil {
		return nil, fmt.Errorf("decoding content_location: %w", err)
	}
	if e.Metadata, err = unmarshalJSON(meta); err != nil {
		return nil, fmt.Errorf("decoding element metadata: %w", err)
	}
	return &e, nil
}

func scanElements(rows pgx.Rows) ([]*types.Element, error) {
	var out []*types.Element
	for rows.Next() {
		e, err := scanElement(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *PostgresStore) RelatedElements(ctx context.Context, elementPK int64, q GraphQuery) ([]*types.Element, []*types.Relationship, error) {
	sql := `
		SELECT r.id, r.source_id, r.target_id, r.relationship_type, r.metadata,
		       e.element_pk, e.element_id, e.doc_id, e.parent_id, e.element_type,
		       e.content_preview, e.content_location, e.content_hash, e.element_order,
		       e.document_position, e.metadata
		FROM relationships r
		JOIN elements e ON e.element_pk = r.target_id
		WHERE r.source_id = $1`
	args := []any{elementPK}

	if len(q.RelationshipTypes) > 0 {
		types_ := make([]string, len(q.RelationshipTypes))
		for i, t := range q.RelationshipTypes {
			types_[i] = string(t)
		}
		sql += fmt.Sprintf(" AND r.relationship_type = ANY($%d)", len(args)+1)
		args = append(args, types_)
	}
	if q.CrossDocumentOnly {
		sql += " AND (r.metadata->>'cross_document')::boolean IS TRUE"
	}
	sql += " ORDER BY r.id"
	if q.Limit > 0 {
		sql += fmt.Sprintf(" LIMIT %d", q.Limit)
	}

	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, nil, fmt.Errorf("querying related elements: %w", err)
	}
	defer rows.Close()

	var elements []*types.Element
	var relationships []*types.Relationship
	for rows.Next() {
		var r types.Relationship
		var rmeta []byte
		var e types.Element
		var loc, emeta []byte
		if err := rows.Scan(&r.ID, &r.SourceID, &r.TargetID, &r.RelationshipType, &rmeta,
			&e.ElementPK, &e.ElementID, &e.DocID, &e.ParentID, &e.ElementType,
			&e.ContentPreview, &loc, &e.ContentHash, &e.ElementOrder, &e.DocumentPosition, &emeta); err != nil {
			return nil, nil, fmt.Errorf("scanning related element row: %w", err)
		}
		if r.Metadata, err = unmarshalJSON(rmeta); err != nil {
			return nil, nil, err
		}
		if e.ContentLocation, err = unmarshalJSON(loc); err != nil {
			return nil, nil, err
		}
		if e.Metadata, err = unmarshalJSON(emeta); err != nil {
			return nil, nil, err
		}
		relationships = append(relationships, &r)
		elements = append(elements, &e)
	}
	return elements, relationships, rows.Err()
}

// --- Entities -----------------------------------------------------------

func (s *PostgresStore) EntitiesForDocument(ctx context.Context, docID string) ([]*types.Entity, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT DISTINCT en.entity_pk, en.entity_id, en.entity_type, en.name, en.domain, en.attributes
		FROM entities en
		JOIN element_entity_mappings m ON m.entity_pk = en.entity_pk
		JOIN elements el ON el.element_pk = m.element_pk
		WHERE el.doc_id = $1`, docID)
	if err != nil {
		return nil, fmt.Errorf("listing entities for %s: %w", docID, err)
	}
	defer rows.Close()

	var out []*types.Entity
	for rows.Next() {
		var e types.Entity
		var attrs []byte
		if err := rows.Scan(&e.EntityPK, &e.EntityID, &e.EntityType, &e.Name, &e.Domain, &attrs); err != nil {
			return nil, fmt.Errorf("scanning entity row: %w", err)
		}
		if e.Attributes, err = unmarshalJSON(attrs); err != nil {
			return nil, err
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}

func (s *PostgresStore) EntityMappingCount(ctx context.Context, entityPK int64) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `SELECT count(*) FROM element_entity_mappings WHERE entity_pk = $1`, entityPK).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting mappings for entity %d: %w", entityPK, err)
	}
	return n, nil
}

func (s *PostgresStore) UpsertEntity(ctx context.Context, e *types.Entity) error {
	attrs, err := marshalJSON(e.Attributes)
	if err != nil {
		return fmt.Errorf("encoding entity attributes: %w", err)
	}
	row := s.pool.QueryRow(ctx, `
		INSERT INTO entities (entity_id, entity_type, name, domain, attributes)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (entity_id) DO UPDATE SET
			entity_type = EXCLUDED.entity_type,
			name = EXCLUDED.name,
			domain = EXCLUDED.domain,
			attributes = EXCLUDED.attributes
		RETURNING entity_pk`,
		e.EntityID, e.EntityType, e.Name, e.Domain, attrs)
	if err := row.Scan(&e.EntityPK); err != nil {
		return fmt.Errorf("upserting entity %s: %w", e.EntityID, err)
	}
	return nil
}

func (s *PostgresStore) DeleteEntity(ctx context.Context, entityPK int64) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM entities WHERE entity_pk = $1`, entityPK); err != nil {
		return fmt.Errorf("deleting entity %d: %w", entityPK, err)
	}
	return nil
}

func (s *PostgresStore) UpsertMapping(ctx context.Context, m *types.ElementEntityMapping) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO element_entity_mappings (element_pk, entity_pk, relationship_type, domain, confidence)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (element_pk, entity_pk) DO UPDATE SET
			relationship_type = EXCLUDED.relationship_type,
			domain = EXCLUDED.domain,
			confidence = EXCLUDED.confidence`,
		m.ElementPK, m.EntityPK, string(m.RelationshipType), m.Domain, m.Confidence)
	if err != nil {
		return fmt.Errorf("upserting mapping %d->%d: %w", m.ElementPK, m.EntityPK, err)
	}
	return nil
}

func (s *PostgresStore) DeleteMappingsForDocument(ctx context.Context, docID string) error {
	_, err := s.pool.Exec(ctx, `
		DELETE FROM element_entity_mappings
		WHERE element_pk IN (SELECT element_pk FROM elements WHERE doc_id = $1)`, docID)
	if err != nil {
		return fmt.Errorf("clearing mappings for %s: %w", docID, err)
	}
	return nil
}

func (s *PostgresStore) UpsertEntityRelationship(ctx context.Context, r *types.EntityRelationship) error {
	meta, err := marshalJSON(r.Metadata)
	if err != nil {
		return fmt.Errorf("encoding entity relationship metadata: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO entity_relationships (source_entity_pk, target_entity_pk, relationship_type, confidence, metadata)
		VALUES ($1, $2, $3, $4, $5)`,
		r.SourceEntityPK, r.TargetEntityPK, r.RelationshipType, r.Confidence, meta)
	if err != nil {
		return fmt.Errorf("inserting entity relationship: %w", err)
	}
	return nil
}

// ApplyEntityDiff commits a smart-update's entity diff in one transaction:
// modified entities are updated in place (entity_pk preserved so existing
// entity_relationships survive), created entities are inserted, and
// entities with no remaining mapping anywhere in the store are deleted.
// Preserved entities and Unlinked entity_pks need no row changes beyond
// what DeleteMappingsForDocument / UpsertMapping already did for the
// owning document's elements.
func (s *PostgresStore) ApplyEntityDiff(ctx context.Context, docID string, diff EntityDiff) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning entity diff transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	for _, e := range diff.Modified {
		attrs, err := marshalJSON(e.Attributes)
		if err != nil {
			return fmt.Errorf("encoding modified entity attributes: %w", err)
		}
		if _, err := tx.Exec(ctx, `
			UPDATE entities SET entity_type = $2, name = $3, domain = $4, attributes = $5
			WHERE entity_pk = $1`,
			e.EntityPK, e.EntityType, e.Name, e.Domain, attrs); err != nil {
			return fmt.Errorf("updating modified entity %d: %w", e.EntityPK, err)
		}
	}

	for _, e := range diff.Created {
		attrs, err := marshalJSON(e.Attributes)
		if err != nil {
			return fmt.Errorf("encoding created entity attributes: %w", err)
		}
		row := tx.QueryRow(ctx, `
			INSERT INTO entities (entity_id, entity_type, name, domain, attributes)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (entity_id) DO UPDATE SET attributes = EXCLUDED.attributes
			RETURNING entity_pk`,
			e.EntityID, e.EntityType, e.Name, e.Domain, attrs)
		if err := row.Scan(&e.EntityPK); err != nil {
			return fmt.Errorf("inserting created entity %s: %w", e.EntityID, err)
		}
	}

	for _, pk := range diff.Deleted {
		if _, err := tx.Exec(ctx, `DELETE FROM entities WHERE entity_pk = $1`, pk); err != nil {
			return fmt.Errorf("deleting orphaned entity %d: %w", pk, err)
		}
	}

	return tx.Commit(ctx)
}

// --- Run & worker registry -----------------------------------------------

func (s *PostgresStore) GetRun(ctx context.Context, runID string) (*types.Run, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT run_id, config_hash, status, worker_count, documents_queued,
		       documents_processed, documents_failed, created_at, updated_at
		FROM processing_runs WHERE run_id = $1`, runID)

	var r types.Run
	if err := row.Scan(&r.RunID, &r.ConfigHash, &r.Status, &r.WorkerCount, &r.DocumentsQueued,
		&r.DocumentsProcessed, &r.DocumentsFailed, &r.CreatedAt, &r.UpdatedAt); err != nil {
		return nil, fmt.Errorf("getting run %s: %w", runID, wrapNotFound(err))
	}
	return &r, nil
}

func (s *PostgresStore) CreateRun(ctx context.Context, run *types.Run) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO processing_runs (run_id, config_hash, status, created_at, updated_at)
		VALUES ($1, $2, $3, now(), now())`,
		run.RunID, run.ConfigHash, string(run.Status))
	if err != nil {
		return fmt.Errorf("creating run %s: %w", run.RunID, err)
	}
	return nil
}

func (s *PostgresStore) UpdateRunStatus(ctx context.Context, runID string, status types.RunStatus) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE processing_runs SET status = $2, updated_at = now() WHERE run_id = $1`,
		runID, string(status))
	if err != nil {
		return fmt.Errorf("updating run %s status: %w", runID, err)
	}
	return nil
}

func (s *PostgresStore) IncrementRunCounters(ctx context.Context, runID string, queued, processed, failed int) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE processing_runs SET
			documents_queued = documents_queued + $2,
			documents_processed = documents_processed + $3,
			documents_failed = documents_failed + $4,
			updated_at = now()
		WHERE run_id = $1`, runID, queued, processed, failed)
	if err != nil {
		return fmt.Errorf("incrementing run %s counters: %w", runID, err)
	}
	return nil
}

func (s *PostgresStore) UpsertWorker(ctx context.Context, reg *types.WorkerRegistration) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO run_workers (worker_id, run_id, status, hostname, last_heartbeat, documents_processed, documents_failed)
		VALUES ($1, $2, $3, $4, $5, 0, 0)
		ON CONFLICT (worker_id, run_id) DO UPDATE SET
			status = EXCLUDED.status,
			hostname = EXCLUDED.hostname,
			last_heartbeat = EXCLUDED.last_heartbeat`,
		reg.WorkerID, reg.RunID, string(reg.Status), reg.Hostname, reg.LastHeartbeat)
	if err != nil {
		return fmt.Errorf("upserting worker %s: %w", reg.WorkerID, err)
	}
	return nil
}

func (s *PostgresStore) ListWorkers(ctx context.Context, runID string) ([]*types.WorkerRegistration, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT worker_id, run_id, status, hostname, last_heartbeat, documents_processed, documents_failed
		FROM run_workers WHERE run_id = $1`, runID)
	if err != nil {
		return nil, fmt.Errorf("listing workers for run %s: %w", runID, err)
	}
	defer rows.Close()

	var out []*types.WorkerRegistration
	for rows.Next() {
		var w types.WorkerRegistration
		if err := rows.Scan(&w.WorkerID, &w.RunID, &w.Status, &w.Hostname, &w.LastHeartbeat,
			&w.DocumentsProcessed, &w.DocumentsFailed); err != nil {
			return nil, fmt.Errorf("scanning worker row: %w", err)
		}
		out = append(out, &w)
	}
	return out, rows.Err()
}

func (s *PostgresStore) TouchWorkerHeartbeat(ctx context.Context, runID, workerID string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE run_workers SET last_heartbeat = now() WHERE run_id = $1 AND worker_id = $2`,
		runID, workerID)
	if err != nil {
		return fmt.Errorf("touching heartbeat for worker %s: %w", workerID, err)
	}
	return nil
}

var _ Store = (*PostgresStore)(nil)
