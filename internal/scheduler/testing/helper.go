// internal/scheduler/testing/helper.go
package testing

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	auditdomain "github.com/wasteworks/binsight/internal/audit/domain"
	"gorm.io/gorm"
)

// TimeAccelerator helps age audit batches for testing the stale watch
type TimeAccelerator struct {
	db *gorm.DB
}

func NewTimeAccelerator(db *gorm.DB) *TimeAccelerator {
	return &TimeAccelerator{db: db}
}

// AgeBatch backdates started_at so the batch crosses the stale threshold
func (ta *TimeAccelerator) AgeBatch(ctx context.Context, batchID snowflake.ID, by time.Duration) error {
	now := time.Now().UTC()
	return ta.db.WithContext(ctx).Exec(
		`UPDATE audit_batches
		 SET started_at = ?, updated_at = ?
		 WHERE id = ? AND status = ?`,
		now.Add(-by),
		now,
		batchID,
		auditdomain.BatchStatusInProgress,
	).Error
}

// AgeAllInProgress backdates every in-progress batch
func (ta *TimeAccelerator) AgeAllInProgress(ctx context.Context, by time.Duration) (int64, error) {
	now := time.Now().UTC()
	result := ta.db.WithContext(ctx).Exec(
		`UPDATE audit_batches
		 SET started_at = ?, updated_at = ?
		 WHERE status = ? AND started_at IS NOT NULL`,
		now.Add(-by),
		now,
		auditdomain.BatchStatusInProgress,
	)
	if result.Error != nil {
		return 0, result.Error
	}
	return result.RowsAffected, nil
}

// SetBatchStart allows a custom start time for testing
func (ta *TimeAccelerator) SetBatchStart(ctx context.Context, batchID snowflake.ID, startedAt time.Time) error {
	return ta.db.WithContext(ctx).Exec(
		`UPDATE audit_batches
		 SET started_at = ?, updated_at = ?
		 WHERE id = ?`,
		startedAt,
		time.Now().UTC(),
		batchID,
	).Error
}

// BatchInfo shows current batch status for debugging
type BatchInfo struct {
	ID                snowflake.ID
	OrgID             snowflake.ID
	Status            auditdomain.BatchStatus
	TotalTransactions int
	StartedAt         *time.Time
	LastError         *string
	Age               time.Duration
	Stale             bool
}

func (ta *TimeAccelerator) GetBatchInfo(ctx context.Context, batchID snowflake.ID, staleAfter time.Duration) (*BatchInfo, error) {
	var batch struct {
		ID                snowflake.ID
		OrgID             snowflake.ID
		Status            auditdomain.BatchStatus
		TotalTransactions int
		StartedAt         *time.Time
		LastError         *string
	}

	err := ta.db.WithContext(ctx).Raw(
		`SELECT id, org_id, status, total_transactions, started_at, last_error
		 FROM audit_batches
		 WHERE id = ?`,
		batchID,
	).Scan(&batch).Error
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	info := &BatchInfo{
		ID:                batch.ID,
		OrgID:             batch.OrgID,
		Status:            batch.Status,
		TotalTransactions: batch.TotalTransactions,
		StartedAt:         batch.StartedAt,
		LastError:         batch.LastError,
	}
	if batch.StartedAt != nil {
		info.Age = now.Sub(*batch.StartedAt)
		info.Stale = batch.Status == auditdomain.BatchStatusInProgress && info.Age >= staleAfter
	}

	return info, nil
}

// GetOpenBatches returns all open batches for debugging
func (ta *TimeAccelerator) GetOpenBatches(ctx context.Context, staleAfter time.Duration) ([]BatchInfo, error) {
	var batches []struct {
		ID                snowflake.ID
		OrgID             snowflake.ID
		Status            auditdomain.BatchStatus
		TotalTransactions int
		StartedAt         *time.Time
		LastError         *string
	}

	err := ta.db.WithContext(ctx).Raw(
		`SELECT id, org_id, status, total_transactions, started_at, last_error
		 FROM audit_batches
		 WHERE status IN ?
		 ORDER BY created_at ASC, id ASC`,
		auditdomain.OpenBatchStatuses,
	).Scan(&batches).Error
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	infos := make([]BatchInfo, 0, len(batches))
	for _, batch := range batches {
		info := BatchInfo{
			ID:                batch.ID,
			OrgID:             batch.OrgID,
			Status:            batch.Status,
			TotalTransactions: batch.TotalTransactions,
			StartedAt:         batch.StartedAt,
			LastError:         batch.LastError,
		}
		if batch.StartedAt != nil {
			info.Age = now.Sub(*batch.StartedAt)
			info.Stale = batch.Status == auditdomain.BatchStatusInProgress && info.Age >= staleAfter
		}
		infos = append(infos, info)
	}

	return infos, nil
}

// ResetBatchErrors clears the error trail for retesting
func (ta *TimeAccelerator) ResetBatchErrors(ctx context.Context, batchID snowflake.ID) error {
	now := time.Now().UTC()
	return ta.db.WithContext(ctx).Exec(
		`UPDATE audit_batches
		 SET last_error = NULL, last_error_at = NULL, updated_at = ?
		 WHERE id = ?`,
		now,
		batchID,
	).Error
}

// ForceRequeue puts an in-progress batch back to queued (dangerous, for testing only!)
func (ta *TimeAccelerator) ForceRequeue(ctx context.Context, batchID snowflake.ID) error {
	now := time.Now().UTC()
	return ta.db.WithContext(ctx).Exec(
		`UPDATE audit_batches
		 SET status = ?,
		     started_at = NULL,
		     completed_at = NULL,
		     updated_at = ?
		 WHERE id = ?`,
		auditdomain.BatchStatusQueued,
		now,
		batchID,
	).Error
}
