package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"

	"github.com/wasteworks/binsight/pkg/db/pagination"
)

// ListFilter narrows List results. Zero values are ignored.
type ListFilter struct {
	ExternalVersion string
	OriginID        string
	ExternalHouseID string
	Status          TransactionStatus
	AIAuditStatus   AuditStatus
	From            time.Time
	To              time.Time
}

// Repository is the persistence port for transactions and material records.
// Every method takes the *gorm.DB it should run on so the service can
// compose calls inside a single database transaction.
type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, tx *Transaction) error
	Update(ctx context.Context, db *gorm.DB, tx *Transaction) error
	FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Transaction, error)
	FindByVersionAndHouse(ctx context.Context, db *gorm.DB, orgID snowflake.ID, externalVersion, externalHouseID string) (*Transaction, error)
	List(ctx context.Context, db *gorm.DB, orgID snowflake.ID, filter ListFilter, page pagination.Page) ([]Transaction, int64, error)

	InsertMaterial(ctx context.Context, db *gorm.DB, record *MaterialRecord) error
	UpdateMaterialImage(ctx context.Context, db *gorm.DB, recordID snowflake.ID, imageURL *string, quantity *float64) error
	FindMaterialsByTransactionID(ctx context.Context, db *gorm.DB, transactionID snowflake.ID) ([]MaterialRecord, error)
	FindMaterialsByTransactionIDs(ctx context.Context, db *gorm.DB, transactionIDs []snowflake.ID) ([]MaterialRecord, error)

	// Audit flow. FindAuditEligible selects admissible rows: with no
	// explicit IDs, rows never queued; with IDs, also rows in a terminal
	// state. MarkQueuedByIDs attaches them to a batch and sets
	// ai_audit_status to queued. SetAuditOutcome only lands on rows still
	// queued in the given batch, keeping replayed batch runs idempotent.
	FindAuditEligible(ctx context.Context, db *gorm.DB, orgID snowflake.ID, ids []snowflake.ID) ([]Transaction, error)
	MarkQueuedByIDs(ctx context.Context, db *gorm.DB, orgID snowflake.ID, ids []snowflake.ID, batchID snowflake.ID, queuedAt time.Time) (int64, error)
	FindQueuedUnattached(ctx context.Context, db *gorm.DB) ([]Transaction, error)
	AttachToBatch(ctx context.Context, db *gorm.DB, ids []snowflake.ID, batchID snowflake.ID) (int64, error)
	FindByBatchID(ctx context.Context, db *gorm.DB, batchID snowflake.ID) ([]Transaction, error)
	SetAuditOutcome(ctx context.Context, db *gorm.DB, id snowflake.ID, batchID snowflake.ID, status AuditStatus, note *string, auditedAt time.Time) (int64, error)
	ClearBatchAttachment(ctx context.Context, db *gorm.DB, id snowflake.ID, batchID snowflake.ID) error
	CountQueued(ctx context.Context, db *gorm.DB, orgID snowflake.ID) (int64, error)
}
