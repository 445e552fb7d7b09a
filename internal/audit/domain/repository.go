package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

// Repository is the persistence port for audit batches. Methods take the
// *gorm.DB to run on so callers can compose them inside one transaction.
type Repository interface {
	InsertBatch(ctx context.Context, db *gorm.DB, batch *AuditBatch) error
	FindBatchByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*AuditBatch, error)
	FindOpenBatchByOrg(ctx context.Context, db *gorm.DB, orgID snowflake.ID) (*AuditBatch, error)
	ListRecentBatches(ctx context.Context, db *gorm.DB, orgID snowflake.ID, limit int) ([]AuditBatch, error)

	// MarkInProgress transitions a claimed batch out of queued. The update is
	// guarded on the open states so replays against a finished batch are
	// no-ops; it reports whether the row moved. A re-claim of an in_progress
	// batch keeps the original started_at.
	MarkInProgress(ctx context.Context, db *gorm.DB, id snowflake.ID, startedAt time.Time) (bool, error)

	// FinalizeBatch lands the terminal status, counters, token totals, and
	// compact results. Guarded on the open states; reports whether the row
	// moved.
	FinalizeBatch(ctx context.Context, db *gorm.DB, batch *AuditBatch) (bool, error)

	CountBatchesInStatus(ctx context.Context, db *gorm.DB, orgID snowflake.ID, status BatchStatus) (int64, error)

	// CountStaleBatches counts in_progress batches started before the given
	// time. Zero orgID counts across all organizations.
	CountStaleBatches(ctx context.Context, db *gorm.DB, orgID snowflake.ID, startedBefore time.Time) (int64, error)
}
