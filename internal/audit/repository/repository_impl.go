package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	auditdomain "github.com/wasteworks/binsight/internal/audit/domain"
	"gorm.io/gorm"
)

const batchColumns = `id, org_id, status, total_transactions, processed_count, approved_count,
	rejected_count, no_action_count, error_count, token_usage_input, token_usage_output,
	token_usage_total, results, started_at, completed_at, created_at, updated_at`

type repo struct{}

func Provide() auditdomain.Repository {
	return &repo{}
}

func (r *repo) InsertBatch(ctx context.Context, db *gorm.DB, batch *auditdomain.AuditBatch) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO audit_batches (
			id, org_id, status, total_transactions, processed_count, approved_count,
			rejected_count, no_action_count, error_count, token_usage_input,
			token_usage_output, token_usage_total, results, started_at, completed_at,
			created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		batch.ID,
		batch.OrgID,
		batch.Status,
		batch.TotalTransactions,
		batch.ProcessedCount,
		batch.ApprovedCount,
		batch.RejectedCount,
		batch.NoActionCount,
		batch.ErrorCount,
		batch.TokenUsageInput,
		batch.TokenUsageOutput,
		batch.TokenUsageTotal,
		batch.Results,
		batch.StartedAt,
		batch.CompletedAt,
		batch.CreatedAt,
		batch.UpdatedAt,
	).Error
}

func (r *repo) FindBatchByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*auditdomain.AuditBatch, error) {
	var batch auditdomain.AuditBatch
	err := db.WithContext(ctx).Raw(
		`SELECT `+batchColumns+` FROM audit_batches WHERE id = ?`,
		id,
	).Scan(&batch).Error
	if err != nil {
		return nil, err
	}
	if batch.ID == 0 {
		return nil, nil
	}
	return &batch, nil
}

func (r *repo) FindOpenBatchByOrg(ctx context.Context, db *gorm.DB, orgID snowflake.ID) (*auditdomain.AuditBatch, error) {
	var batch auditdomain.AuditBatch
	err := db.WithContext(ctx).Raw(
		`SELECT `+batchColumns+` FROM audit_batches
		 WHERE org_id = ? AND status IN ?
		 ORDER BY created_at DESC, id DESC
		 LIMIT 1`,
		orgID,
		auditdomain.OpenBatchStatuses,
	).Scan(&batch).Error
	if err != nil {
		return nil, err
	}
	if batch.ID == 0 {
		return nil, nil
	}
	return &batch, nil
}

func (r *repo) ListRecentBatches(ctx context.Context, db *gorm.DB, orgID snowflake.ID, limit int) ([]auditdomain.AuditBatch, error) {
	if limit <= 0 {
		limit = 10
	}
	var batches []auditdomain.AuditBatch
	err := db.WithContext(ctx).Raw(
		`SELECT `+batchColumns+` FROM audit_batches
		 WHERE org_id = ?
		 ORDER BY created_at DESC, id DESC
		 LIMIT ?`,
		orgID,
		limit,
	).Scan(&batches).Error
	if err != nil {
		return nil, err
	}
	return batches, nil
}

func (r *repo) MarkInProgress(ctx context.Context, db *gorm.DB, id snowflake.ID, startedAt time.Time) (bool, error) {
	// COALESCE keeps the first claim time on a resumed batch so staleness
	// is measured from the original run, not the retry.
	tx := db.WithContext(ctx).Exec(
		`UPDATE audit_batches
		 SET status = ?, started_at = COALESCE(started_at, ?), updated_at = CURRENT_TIMESTAMP
		 WHERE id = ? AND status IN ?`,
		auditdomain.BatchStatusInProgress,
		startedAt,
		id,
		auditdomain.OpenBatchStatuses,
	)
	if tx.Error != nil {
		return false, tx.Error
	}
	return tx.RowsAffected > 0, nil
}

func (r *repo) FinalizeBatch(ctx context.Context, db *gorm.DB, batch *auditdomain.AuditBatch) (bool, error) {
	tx := db.WithContext(ctx).Exec(
		`UPDATE audit_batches
		 SET status = ?, processed_count = ?, approved_count = ?, rejected_count = ?,
		     no_action_count = ?, error_count = ?, token_usage_input = ?,
		     token_usage_output = ?, token_usage_total = ?, results = ?,
		     completed_at = ?, updated_at = CURRENT_TIMESTAMP
		 WHERE id = ? AND status IN ?`,
		batch.Status,
		batch.ProcessedCount,
		batch.ApprovedCount,
		batch.RejectedCount,
		batch.NoActionCount,
		batch.ErrorCount,
		batch.TokenUsageInput,
		batch.TokenUsageOutput,
		batch.TokenUsageTotal,
		batch.Results,
		batch.CompletedAt,
		batch.ID,
		auditdomain.OpenBatchStatuses,
	)
	if tx.Error != nil {
		return false, tx.Error
	}
	return tx.RowsAffected > 0, nil
}

func (r *repo) CountBatchesInStatus(ctx context.Context, db *gorm.DB, orgID snowflake.ID, status auditdomain.BatchStatus) (int64, error) {
	var count int64
	err := db.WithContext(ctx).Raw(
		`SELECT COUNT(*) FROM audit_batches WHERE org_id = ? AND status = ?`,
		orgID,
		status,
	).Scan(&count).Error
	return count, err
}

func (r *repo) CountStaleBatches(ctx context.Context, db *gorm.DB, orgID snowflake.ID, startedBefore time.Time) (int64, error) {
	query := `SELECT COUNT(*) FROM audit_batches
		 WHERE status = ? AND started_at IS NOT NULL AND started_at < ?`
	args := []interface{}{auditdomain.BatchStatusInProgress, startedBefore}
	if orgID != 0 {
		query += ` AND org_id = ?`
		args = append(args, orgID)
	}

	var count int64
	err := db.WithContext(ctx).Raw(query, args...).Scan(&count).Error
	return count, err
}
