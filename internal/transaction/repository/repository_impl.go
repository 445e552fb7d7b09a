package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"

	"github.com/wasteworks/binsight/internal/transaction/domain"
	"github.com/wasteworks/binsight/pkg/db/option"
	"github.com/wasteworks/binsight/pkg/db/pagination"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, tx *domain.Transaction) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO transactions (
			id, org_id, external_version, external_house_id, origin_id, status,
			transaction_date, ai_audit_status, ai_audit_note, audit_date,
			audit_batch_id, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		tx.ID,
		tx.OrgID,
		tx.ExternalVersion,
		tx.ExternalHouseID,
		tx.OriginID,
		tx.Status,
		tx.TransactionDate,
		tx.AIAuditStatus,
		tx.AIAuditNote,
		tx.AuditDate,
		tx.AuditBatchID,
		tx.CreatedAt,
		tx.UpdatedAt,
	).Error
}

func (r *repo) Update(ctx context.Context, db *gorm.DB, tx *domain.Transaction) error {
	return db.WithContext(ctx).Exec(
		`UPDATE transactions
		 SET origin_id = ?, transaction_date = ?, updated_at = ?
		 WHERE id = ?`,
		tx.OriginID,
		tx.TransactionDate,
		tx.UpdatedAt,
		tx.ID,
	).Error
}

func (r *repo) FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*domain.Transaction, error) {
	var tx domain.Transaction
	err := db.WithContext(ctx).Raw(
		`SELECT id, org_id, external_version, external_house_id, origin_id, status,
			transaction_date, ai_audit_status, ai_audit_note, audit_date,
			audit_batch_id, created_at, updated_at
		 FROM transactions WHERE id = ?`,
		id,
	).Scan(&tx).Error
	if err != nil {
		return nil, err
	}
	if tx.ID == 0 {
		return nil, nil
	}
	return &tx, nil
}

func (r *repo) FindByVersionAndHouse(ctx context.Context, db *gorm.DB, orgID snowflake.ID, externalVersion, externalHouseID string) (*domain.Transaction, error) {
	var tx domain.Transaction
	err := db.WithContext(ctx).Raw(
		`SELECT id, org_id, external_version, external_house_id, origin_id, status,
			transaction_date, ai_audit_status, ai_audit_note, audit_date,
			audit_batch_id, created_at, updated_at
		 FROM transactions
		 WHERE org_id = ? AND external_version = ? AND external_house_id = ?`,
		orgID,
		externalVersion,
		externalHouseID,
	).Scan(&tx).Error
	if err != nil {
		return nil, err
	}
	if tx.ID == 0 {
		return nil, nil
	}
	return &tx, nil
}

func (r *repo) List(ctx context.Context, db *gorm.DB, orgID snowflake.ID, filter domain.ListFilter, page pagination.Page) ([]domain.Transaction, int64, error) {
	var txs []domain.Transaction
	stmt := db.WithContext(ctx).
		Model(&domain.Transaction{}).
		Where("org_id = ?", orgID)
	if filter.ExternalVersion != "" {
		stmt = stmt.Where("external_version = ?", filter.ExternalVersion)
	}
	if filter.OriginID != "" {
		stmt = stmt.Where("origin_id = ?", filter.OriginID)
	}
	if filter.ExternalHouseID != "" {
		stmt = stmt.Where("external_house_id = ?", filter.ExternalHouseID)
	}
	if filter.Status != "" {
		stmt = stmt.Where("status = ?", filter.Status)
	}
	if filter.AIAuditStatus != "" {
		stmt = stmt.Where("ai_audit_status = ?", filter.AIAuditStatus)
	}
	if !filter.From.IsZero() {
		stmt = stmt.Where("transaction_date >= ?", filter.From)
	}
	if !filter.To.IsZero() {
		stmt = stmt.Where("transaction_date <= ?", filter.To)
	}

	var total int64
	if err := stmt.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	stmt = option.ApplyPage(page).Apply(stmt)
	err := stmt.
		Order("created_at desc, id desc").
		Find(&txs).Error
	if err != nil {
		return nil, 0, err
	}
	return txs, total, nil
}

func (r *repo) InsertMaterial(ctx context.Context, db *gorm.DB, record *domain.MaterialRecord) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO material_records (
			id, org_id, transaction_id, material_type, material_code,
			category_code, image_url, quantity, unit, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		record.ID,
		record.OrgID,
		record.TransactionID,
		record.MaterialType,
		record.MaterialCode,
		record.CategoryCode,
		record.ImageURL,
		record.Quantity,
		record.Unit,
		record.CreatedAt,
		record.UpdatedAt,
	).Error
}

func (r *repo) UpdateMaterialImage(ctx context.Context, db *gorm.DB, recordID snowflake.ID, imageURL *string, quantity *float64) error {
	return db.WithContext(ctx).Exec(
		`UPDATE material_records
		 SET image_url = ?, quantity = COALESCE(?, quantity), updated_at = CURRENT_TIMESTAMP
		 WHERE id = ?`,
		imageURL,
		quantity,
		recordID,
	).Error
}

func (r *repo) FindMaterialsByTransactionID(ctx context.Context, db *gorm.DB, transactionID snowflake.ID) ([]domain.MaterialRecord, error) {
	var records []domain.MaterialRecord
	err := db.WithContext(ctx).Raw(
		`SELECT id, org_id, transaction_id, material_type, material_code,
			category_code, image_url, quantity, unit, created_at, updated_at
		 FROM material_records WHERE transaction_id = ?
		 ORDER BY material_code asc`,
		transactionID,
	).Scan(&records).Error
	if err != nil {
		return nil, err
	}
	return records, nil
}

func (r *repo) FindMaterialsByTransactionIDs(ctx context.Context, db *gorm.DB, transactionIDs []snowflake.ID) ([]domain.MaterialRecord, error) {
	if len(transactionIDs) == 0 {
		return nil, nil
	}
	var records []domain.MaterialRecord
	err := db.WithContext(ctx).Raw(
		`SELECT id, org_id, transaction_id, material_type, material_code,
			category_code, image_url, quantity, unit, created_at, updated_at
		 FROM material_records WHERE transaction_id IN ?
		 ORDER BY transaction_id asc, material_code asc`,
		transactionIDs,
	).Scan(&records).Error
	if err != nil {
		return nil, err
	}
	return records, nil
}

func (r *repo) FindAuditEligible(ctx context.Context, db *gorm.DB, orgID snowflake.ID, ids []snowflake.ID) ([]domain.Transaction, error) {
	var txs []domain.Transaction
	stmt := db.WithContext(ctx).
		Model(&domain.Transaction{}).
		Where("org_id = ?", orgID).
		Where("audit_batch_id IS NULL")
	if len(ids) > 0 {
		stmt = stmt.Where("id IN ?", ids).
			Where("(ai_audit_status IS NULL OR ai_audit_status IN ('approved', 'rejected', 'no_action'))")
	} else {
		stmt = stmt.Where("ai_audit_status IS NULL")
	}
	err := stmt.Order("created_at asc, id asc").Find(&txs).Error
	if err != nil {
		return nil, err
	}
	return txs, nil
}

func (r *repo) MarkQueuedByIDs(ctx context.Context, db *gorm.DB, orgID snowflake.ID, ids []snowflake.ID, batchID snowflake.ID, queuedAt time.Time) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	res := db.WithContext(ctx).Exec(
		`UPDATE transactions
		 SET ai_audit_status = 'queued', audit_batch_id = ?, updated_at = ?
		 WHERE org_id = ? AND id IN ?
		   AND audit_batch_id IS NULL
		   AND (ai_audit_status IS NULL OR ai_audit_status IN ('approved', 'rejected', 'no_action'))`,
		batchID,
		queuedAt,
		orgID,
		ids,
	)
	if res.Error != nil {
		return 0, res.Error
	}
	return res.RowsAffected, nil
}

func (r *repo) FindQueuedUnattached(ctx context.Context, db *gorm.DB) ([]domain.Transaction, error) {
	var txs []domain.Transaction
	err := db.WithContext(ctx).Raw(
		`SELECT id, org_id, external_version, external_house_id, origin_id, status,
			transaction_date, ai_audit_status, ai_audit_note, audit_date,
			audit_batch_id, created_at, updated_at
		 FROM transactions
		 WHERE ai_audit_status = 'queued' AND audit_batch_id IS NULL
		 ORDER BY updated_at asc, id asc`,
	).Scan(&txs).Error
	if err != nil {
		return nil, err
	}
	return txs, nil
}

func (r *repo) AttachToBatch(ctx context.Context, db *gorm.DB, ids []snowflake.ID, batchID snowflake.ID) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	res := db.WithContext(ctx).Exec(
		`UPDATE transactions
		 SET audit_batch_id = ?, updated_at = CURRENT_TIMESTAMP
		 WHERE id IN ? AND ai_audit_status = 'queued' AND audit_batch_id IS NULL`,
		batchID,
		ids,
	)
	if res.Error != nil {
		return 0, res.Error
	}
	return res.RowsAffected, nil
}

func (r *repo) FindByBatchID(ctx context.Context, db *gorm.DB, batchID snowflake.ID) ([]domain.Transaction, error) {
	var txs []domain.Transaction
	err := db.WithContext(ctx).Raw(
		`SELECT id, org_id, external_version, external_house_id, origin_id, status,
			transaction_date, ai_audit_status, ai_audit_note, audit_date,
			audit_batch_id, created_at, updated_at
		 FROM transactions WHERE audit_batch_id = ?
		 ORDER BY created_at asc, id asc`,
		batchID,
	).Scan(&txs).Error
	if err != nil {
		return nil, err
	}
	return txs, nil
}

func (r *repo) SetAuditOutcome(ctx context.Context, db *gorm.DB, id snowflake.ID, batchID snowflake.ID, status domain.AuditStatus, note *string, auditedAt time.Time) (int64, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE transactions
		 SET ai_audit_status = ?, ai_audit_note = ?, audit_date = ?, updated_at = ?
		 WHERE id = ? AND audit_batch_id = ? AND ai_audit_status = 'queued'`,
		status,
		note,
		auditedAt,
		auditedAt,
		id,
		batchID,
	)
	if res.Error != nil {
		return 0, res.Error
	}
	return res.RowsAffected, nil
}

func (r *repo) ClearBatchAttachment(ctx context.Context, db *gorm.DB, id snowflake.ID, batchID snowflake.ID) error {
	return db.WithContext(ctx).Exec(
		`UPDATE transactions
		 SET audit_batch_id = NULL, updated_at = CURRENT_TIMESTAMP
		 WHERE id = ? AND audit_batch_id = ? AND ai_audit_status = 'queued'`,
		id,
		batchID,
	).Error
}

func (r *repo) CountQueued(ctx context.Context, db *gorm.DB, orgID snowflake.ID) (int64, error) {
	var count int64
	stmt := db.WithContext(ctx).
		Model(&domain.Transaction{}).
		Where("ai_audit_status = 'queued'")
	if orgID != 0 {
		stmt = stmt.Where("org_id = ?", orgID)
	}
	if err := stmt.Count(&count).Error; err != nil {
		return 0, err
	}
	return count, nil
}
