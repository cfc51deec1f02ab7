package storage

import (
	"fmt"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

// Schema bootstrap uses GORM's AutoMigrate the way the teacher's
// db.PGMigrations does for RabbitLog (db/postgres.go), widened from one
// table to the full document graph plus the queue/run/worker tables from
// spec.md §6. Runtime reads and writes do not go through GORM — they use
// pgx directly (see postgres.go) for the row-locking primitive GORM does
// not expose cleanly.

type documentRow struct {
	DocID       string `gorm:"primaryKey;column:doc_id"`
	DocType     string
	Source      string
	ContentHash string
	Metadata    []byte `gorm:"type:jsonb"`
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

func (documentRow) TableName() string { return "documents" }

type elementRow struct {
	ElementPK        int64  `gorm:"primaryKey;autoIncrement;column:element_pk"`
	ElementID        string `gorm:"column:element_id;index"`
	DocID            string `gorm:"column:doc_id;index"`
	ParentID         *string
	ElementType      string
	ContentPreview   string
	ContentLocation  []byte `gorm:"type:jsonb"`
	ContentHash      string
	ElementOrder     int
	DocumentPosition int
	Metadata         []byte `gorm:"type:jsonb"`
}

func (elementRow) TableName() string { return "elements" }

type relationshipRow struct {
	ID               int64 `gorm:"primaryKey;autoIncrement"`
	SourceID         int64 `gorm:"index"`
	TargetID         int64 `gorm:"index"`
	RelationshipType string
	Metadata         []byte `gorm:"type:jsonb"`
}

func (relationshipRow) TableName() string { return "relationships" }

type entityRow struct {
	EntityPK   int64  `gorm:"primaryKey;autoIncrement;column:entity_pk"`
	EntityID   string `gorm:"column:entity_id;uniqueIndex"`
	EntityType string
	Name       string
	Domain     string
	Attributes []byte `gorm:"type:jsonb"`
}

func (entityRow) TableName() string { return "entities" }

type mappingRow struct {
	ElementPK        int64 `gorm:"primaryKey;column:element_pk"`
	EntityPK         int64 `gorm:"primaryKey;column:entity_pk"`
	RelationshipType string
	Domain           string
	Confidence       float64
}

func (mappingRow) TableName() string { return "element_entity_mappings" }

type entityRelationshipRow struct {
	ID               int64 `gorm:"primaryKey;autoIncrement"`
	SourceEntityPK   int64 `gorm:"column:source_entity_pk;index"`
	TargetEntityPK   int64 `gorm:"column:target_entity_pk;index"`
	RelationshipType string
	Confidence       float64
	Metadata         []byte `gorm:"type:jsonb"`
}

func (entityRelationshipRow) TableName() string { return "entity_relationships" }

type processingRunRow struct {
	RunID              string `gorm:"primaryKey;column:run_id"`
	Status             string
	ConfigHash         string
	CreatedAt          time.Time
	UpdatedAt          time.Time
	WorkerCount        int
	DocumentsQueued    int
	DocumentsProcessed int
	DocumentsFailed    int
}

func (processingRunRow) TableName() string { return "processing_runs" }

type runWorkerRow struct {
	WorkerID           string `gorm:"primaryKey;column:worker_id"`
	RunID              string `gorm:"primaryKey;column:run_id"`
	Status             string
	Hostname           string
	LastHeartbeat      time.Time
	DocumentsProcessed int
	DocumentsFailed    int
}

func (runWorkerRow) TableName() string { return "run_workers" }

type documentQueueRow struct {
	QueueID         string `gorm:"primaryKey;column:queue_id"`
	RunID           string `gorm:"column:run_id;index:idx_run_doc"`
	DocID           string `gorm:"column:doc_id;index:idx_run_doc"`
	SourceName      string
	State           string `gorm:"index"`
	Priority        int
	RetryCount      int
	ClaimedByWorker *string
	ClaimedAt       *time.Time
	LastHeartbeat   *time.Time
	NextAttemptAt   *time.Time
	Metadata        []byte `gorm:"type:jsonb"`
	ErrorInfo       []byte `gorm:"type:jsonb"`
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

func (documentQueueRow) TableName() string { return "document_queue" }

// InitSchema creates (or updates, via AutoMigrate) every table this
// module needs, plus the partial unique index that enforces "at most
// one non-terminal queue item per (run_id, doc_id)" (spec.md §6). force
// drops and recreates all tables first — used by `docforge queue
// init-schema --force` in development, never in an already-seeded run.
func InitSchema(dsn string, force bool) error {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{})
	if err != nil {
		return fmt.Errorf("connecting for migration: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("getting sql.DB: %w", err)
	}
	defer sqlDB.Close()

	models := []any{
		&documentRow{}, &elementRow{}, &relationshipRow{},
		&entityRow{}, &mappingRow{}, &entityRelationshipRow{},
		&processingRunRow{}, &runWorkerRow{}, &documentQueueRow{},
	}

	if force {
		if err := db.Migrator().DropTable(models...); err != nil {
			return fmt.Errorf("dropping tables: %w", err)
		}
	}

	if err := db.AutoMigrate(models...); err != nil {
		return fmt.Errorf("migrating schema: %w", err)
	}

	// GORM has no concept of a partial unique index; the queue's claim
	// correctness depends on exactly this constraint (spec.md §6), so it
	// is created with raw SQL, idempotently.
	const partialIndex = `
CREATE UNIQUE INDEX IF NOT EXISTS document_queue_run_doc_active_idx
ON document_queue (run_id, doc_id)
WHERE state NOT IN ('completed', 'failed')`
	if err := db.Exec(partialIndex).Error; err != nil {
		return fmt.Errorf("creating partial unique index: %w", err)
	}

	const claimIndex = `
CREATE INDEX IF NOT EXISTS document_queue_claim_idx
ON document_queue (run_id, state, priority, created_at)`
	if err := db.Exec(claimIndex).Error; err != nil {
		return fmt.Errorf("creating claim index: %w", err)
	}

	return nil
}
