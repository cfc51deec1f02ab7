// Package types defines the shared data model for documents, elements,
// relationships, entities, and the work-queue/run records that coordinate
// ingestion across processes. Every other package in this module operates
// on these types; none of them own persistence (see package storage).
package types

import "time"

// ElementType is a closed tag set describing the structural role of an
// Element within its owning document.
type ElementType string

const (
	ElementRoot       ElementType = "root"
	ElementBody       ElementType = "body"
	ElementHeader     ElementType = "header"
	ElementParagraph  ElementType = "paragraph"
	ElementList       ElementType = "list"
	ElementListItem   ElementType = "list_item"
	ElementTable      ElementType = "table"
	ElementTableRow   ElementType = "table_row"
	ElementTableCell  ElementType = "table_cell"
	ElementCodeBlock  ElementType = "code_block"
	ElementTextBlock  ElementType = "text_block"
	ElementImage      ElementType = "image"
	ElementFootnote   ElementType = "footnote"
	ElementComment    ElementType = "comment"
)

// RelationshipType identifies the nature of a directed edge between two
// elements (or two entities, for EntityRelationship).
type RelationshipType string

const (
	RelContains       RelationshipType = "contains"
	RelContainedBy    RelationshipType = "contained_by"
	RelNextSibling    RelationshipType = "next_sibling"
	RelLink           RelationshipType = "link"
	RelSemantic       RelationshipType = "semantic"
	RelDerivedFrom    RelationshipType = "DERIVED_FROM"
)

// RelationshipClass partitions RelationshipType into the three families
// spec.md §3 describes: structural, link, and semantic.
type RelationshipClass int

const (
	ClassStructural RelationshipClass = iota
	ClassLink
	ClassSemantic
)

// ClassOf returns which class a relationship type belongs to.
func ClassOf(t RelationshipType) RelationshipClass {
	switch t {
	case RelContains, RelContainedBy, RelNextSibling:
		return ClassStructural
	case RelLink:
		return ClassLink
	default:
		return ClassSemantic
	}
}

// Document is the top-level ingested unit: identity, the adapter that
// produced it, and a hash over its raw bytes used for change detection.
type Document struct {
	DocID       string
	DocType     string
	Source      string
	ContentHash string
	Metadata    map[string]any
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Element is a canonical parsed unit of a document (paragraph, header,
// table cell, ...). ElementPK is the monotonic surrogate used as the
// cheap endpoint for relationships; ElementID is the stable string
// identity a parser assigns (often derived from structural path).
//
// Invariants (spec.md §3): exactly one root per document; ParentID, if
// set, names an element of the same document; DocumentPosition is a
// strict total order within the document; ElementOrder is a strict order
// among siblings sharing ParentID.
type Element struct {
	ElementPK       int64
	ElementID       string
	DocID           string
	ParentID        *string
	ElementType     ElementType
	ContentPreview  string
	ContentLocation map[string]any
	ContentHash     string
	ElementOrder    int
	DocumentPosition int
	Metadata        map[string]any
}

// Relationship is a directed edge between two elements. Parsers only know
// the string ElementIDs they just assigned, so they populate
// SourceElementID/TargetElementID; storage.PersistDocument resolves those
// to the surrogate SourceID/TargetID once the elements it just inserted
// have their PKs. TargetElementID is left empty for a link relationship
// whose target is an external, not-yet-ingested document — those are
// resolved later, by re-ingestion of the target, not by this edge.
type Relationship struct {
	ID               int64
	SourceID         int64
	TargetID         int64
	SourceElementID  string
	TargetElementID  string
	RelationshipType RelationshipType
	Metadata         map[string]any
}

// CrossDocument reports whether the relationship's metadata marks it as
// spanning two different documents (spec.md §3).
func (r Relationship) CrossDocument() bool {
	v, ok := r.Metadata["cross_document"]
	if !ok {
		return false
	}
	b, _ := v.(bool)
	return b
}

// Entity is a domain object derived from one or more elements via
// ontology rules (see package ontology).
type Entity struct {
	EntityPK   int64
	EntityID   string
	EntityType string
	Name       string
	Domain     string
	Attributes map[string]any
}

// ElementEntityMapping links an element to the entity it derived, with
// RelationshipType always RelDerivedFrom.
type ElementEntityMapping struct {
	ElementPK        int64
	EntityPK         int64
	RelationshipType RelationshipType
	Domain           string
	Confidence       float64

	// EntityID is the stable string identity the extractor assigned
	// before persistence resolved a surrogate EntityPK; it is not a
	// storage column (see storage.PostgresStore.UpsertMapping) — callers
	// use it only to resolve EntityPK once the referenced Entity has been
	// upserted.
	EntityID string
}

// EntityRelationship is a directed, confidence-scored edge between two
// entities, produced by ontology entity-relationship rules.
type EntityRelationship struct {
	ID                 int64
	SourceEntityPK     int64
	TargetEntityPK     int64
	RelationshipType   string
	Confidence         float64
	Metadata           map[string]any
}

// QueueState is the finite set of states a QueueItem can occupy.
type QueueState string

const (
	StatePending    QueueState = "pending"
	StateProcessing QueueState = "processing"
	StateCompleted  QueueState = "completed"
	StateFailed     QueueState = "failed"
	StateRetry      QueueState = "retry"
)

// Terminal reports whether no further transition is expected from this
// state without operator intervention (dead-letter requeue).
func (s QueueState) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

// QueueItem is one (run_id, doc_id) unit of work. See spec.md §3 and §4.1
// for the full state machine and invariants.
type QueueItem struct {
	QueueID         string
	RunID           string
	DocID           string
	SourceName      string
	State           QueueState
	Priority        int
	RetryCount      int
	ClaimedByWorker *string
	ClaimedAt       *time.Time
	LastHeartbeat   *time.Time
	NextAttemptAt   *time.Time
	Metadata        map[string]any
	ErrorInfo       *ErrorInfo
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// ErrorInfo is the structured failure context attached to a failed or
// retrying QueueItem.
type ErrorInfo struct {
	Fingerprint string
	Message     string
	Stack       string
	Stage       string
	OccurredAt  time.Time
}

// RunStatus is the lifecycle state of a Run.
type RunStatus string

const (
	RunActive    RunStatus = "active"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
	RunAbandoned RunStatus = "abandoned"
)

// Run is one logical ingestion over a config, identified by a
// content-addressed RunID (see package runcoordinator).
type Run struct {
	RunID             string
	ConfigHash        string
	Status            RunStatus
	WorkerCount       int
	DocumentsQueued   int
	DocumentsProcessed int
	DocumentsFailed   int
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// WorkerStatus is the lifecycle state of a WorkerRegistration.
type WorkerStatus string

const (
	WorkerActive WorkerStatus = "active"
	WorkerStale  WorkerStatus = "stale"
	WorkerDone   WorkerStatus = "done"
)

// WorkerRegistration is one worker process's membership in a Run.
type WorkerRegistration struct {
	WorkerID           string
	RunID              string
	Hostname           string
	Status             WorkerStatus
	LastHeartbeat      time.Time
	DocumentsProcessed int
	DocumentsFailed    int
}
