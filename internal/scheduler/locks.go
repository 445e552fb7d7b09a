package scheduler

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/zap"
	"gorm.io/gorm"

	auditdomain "github.com/wasteworks/binsight/internal/audit/domain"
	obsmetrics "github.com/wasteworks/binsight/internal/observability/metrics"
	transactiondomain "github.com/wasteworks/binsight/internal/transaction/domain"
)

// WorkBatch is the claim row for a queued audit batch. It carries just
// enough to hand the batch to the audit service; the service re-reads
// members and lands counters itself.
type WorkBatch struct {
	ID                snowflake.ID
	OrgID             snowflake.ID
	Status            auditdomain.BatchStatus
	TotalTransactions int
	StartedAt         *time.Time
	CreatedAt         time.Time
}

func (w WorkBatch) toBatch() *auditdomain.AuditBatch {
	return &auditdomain.AuditBatch{
		ID:                w.ID,
		OrgID:             w.OrgID,
		Status:            w.Status,
		TotalTransactions: w.TotalTransactions,
		StartedAt:         w.StartedAt,
		CreatedAt:         w.CreatedAt,
	}
}

func (s *Scheduler) fetchBatchesForWork(ctx context.Context, status auditdomain.BatchStatus, limit int) ([]WorkBatch, error) {
	if limit <= 0 {
		limit = s.cfg.MaxClaimBatchSize
	}
	var batches []WorkBatch
	engine := obsmetrics.Engine()
	lockStart := time.Now()
	err := s.db.WithContext(ctx).Raw(
		`SELECT id, org_id, status, total_transactions, started_at, created_at
		 FROM audit_batches
		 WHERE status = ?
		 ORDER BY created_at ASC, id ASC
		 FOR UPDATE SKIP LOCKED
		 LIMIT ?`,
		status,
		limit,
	).Scan(&batches).Error
	engine.ObserveDBLockWait(obsmetrics.LockResourceBatchesForWork, time.Since(lockStart))
	if err != nil {
		return nil, err
	}
	return batches, nil
}

func (s *Scheduler) fetchQueuedUnattached(ctx context.Context, tx *gorm.DB, limit int) ([]transactiondomain.Transaction, error) {
	if limit <= 0 {
		limit = s.cfg.SweepBatchSize
	}
	var txs []transactiondomain.Transaction
	engine := obsmetrics.Engine()
	lockStart := time.Now()
	err := tx.WithContext(ctx).Raw(
		`SELECT id, org_id, external_version, external_house_id, origin_id, status,
		        transaction_date, ai_audit_status, ai_audit_note, audit_date,
		        audit_batch_id, created_at, updated_at
		 FROM transactions
		 WHERE ai_audit_status = ? AND audit_batch_id IS NULL
		 ORDER BY updated_at ASC, id ASC
		 LIMIT ?
		 FOR UPDATE SKIP LOCKED`,
		transactiondomain.AuditStatusQueued,
		limit,
	).Scan(&txs).Error
	engine.ObserveDBLockWait(obsmetrics.LockResourceQueuedUnattached, time.Since(lockStart))
	if err != nil {
		return nil, err
	}
	return txs, nil
}

// fetchBatchesToResume claims in_progress batches whose run started before
// the cutoff. These lost their worker mid-run; the guarded re-claim inside
// RunBatch settles any race with a worker that is merely slow.
func (s *Scheduler) fetchBatchesToResume(ctx context.Context, startedBefore time.Time, limit int) ([]WorkBatch, error) {
	if limit <= 0 {
		limit = s.cfg.MaxClaimBatchSize
	}
	var batches []WorkBatch
	engine := obsmetrics.Engine()
	lockStart := time.Now()
	err := s.db.WithContext(ctx).Raw(
		`SELECT id, org_id, status, total_transactions, started_at, created_at
		 FROM audit_batches
		 WHERE status = ? AND (started_at IS NULL OR started_at < ?)
		 ORDER BY started_at ASC, id ASC
		 FOR UPDATE SKIP LOCKED
		 LIMIT ?`,
		auditdomain.BatchStatusInProgress,
		startedBefore,
		limit,
	).Scan(&batches).Error
	engine.ObserveDBLockWait(obsmetrics.LockResourceBatchesForWork, time.Since(lockStart))
	if err != nil {
		return nil, err
	}
	return batches, nil
}

func (s *Scheduler) fetchStaleBatches(ctx context.Context, startedBefore time.Time, limit int) ([]WorkBatch, error) {
	if limit <= 0 {
		limit = s.cfg.SweepBatchSize
	}
	var batches []WorkBatch
	err := s.db.WithContext(ctx).Raw(
		`SELECT id, org_id, status, total_transactions, started_at, created_at
		 FROM audit_batches
		 WHERE status = ? AND started_at IS NOT NULL AND started_at < ?
		 ORDER BY started_at ASC, id ASC
		 LIMIT ?`,
		auditdomain.BatchStatusInProgress,
		startedBefore,
		limit,
	).Scan(&batches).Error
	if err != nil {
		return nil, err
	}
	return batches, nil
}

// bumpBatchTotal grows the member count of a still-queued batch when the
// sweep attaches more transactions. Zero rows means the batch got claimed
// underneath us; the caller rolls the attachments back.
func (s *Scheduler) bumpBatchTotal(ctx context.Context, tx *gorm.DB, batchID snowflake.ID, added int, now time.Time) error {
	if added <= 0 {
		return nil
	}
	result := tx.WithContext(ctx).Exec(
		`UPDATE audit_batches
		 SET total_transactions = total_transactions + ?, updated_at = ?
		 WHERE id = ? AND status = ?`,
		added,
		now,
		batchID,
		auditdomain.BatchStatusQueued,
	)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return auditdomain.ErrBatchConflict
	}
	return nil
}

func (s *Scheduler) recordBatchErrorWithMetrics(ctx context.Context, batchID snowflake.ID, stage string, err error) error {
	if err == nil {
		return nil
	}
	obsmetrics.Engine().IncBatchError(stage, err)
	return s.recordBatchError(ctx, batchID, err)
}

// recordBatchError keeps the latest run error on the batch row for
// operators. It never guards on status: a batch stuck in_progress after a
// finalize failure still gets its error recorded.
func (s *Scheduler) recordBatchError(ctx context.Context, batchID snowflake.ID, err error) error {
	if err == nil {
		return nil
	}
	message := err.Error()
	now := time.Now().UTC()
	if updateErr := s.db.WithContext(ctx).Exec(
		`UPDATE audit_batches
		 SET last_error = ?, last_error_at = ?, updated_at = ?
		 WHERE id = ?`,
		message,
		now,
		now,
		batchID,
	).Error; updateErr != nil {
		s.log.Warn("failed to record batch error", zap.String("batch_id", batchID.String()), zap.Error(updateErr))
		return updateErr
	}
	return nil
}
