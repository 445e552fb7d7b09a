package repository

import (
	"context"

	"github.com/bwmarrin/snowflake"
	subscriptiondomain "github.com/wasteworks/binsight/internal/subscription/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() subscriptiondomain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, subscription *subscriptiondomain.Subscription) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO subscriptions (
			id, org_id, plan_code, status, start_at, end_at, metadata, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		subscription.ID,
		subscription.OrgID,
		subscription.PlanCode,
		subscription.Status,
		subscription.StartAt,
		subscription.EndAt,
		subscription.Metadata,
		subscription.CreatedAt,
		subscription.UpdatedAt,
	).Error
}

func (r *repo) InsertUsage(ctx context.Context, db *gorm.DB, usage *subscriptiondomain.SubscriptionUsage) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO subscription_usage (
			id, org_id, subscription_id, create_transaction_limit, create_transaction_usage,
			ai_audit_limit, ai_audit_usage, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		usage.ID,
		usage.OrgID,
		usage.SubscriptionID,
		usage.CreateTransactionLimit,
		usage.CreateTransactionUsage,
		usage.AIAuditLimit,
		usage.AIAuditUsage,
		usage.CreatedAt,
		usage.UpdatedAt,
	).Error
}

func (r *repo) FindByID(ctx context.Context, db *gorm.DB, orgID, id snowflake.ID) (*subscriptiondomain.Subscription, error) {
	var subscription subscriptiondomain.Subscription
	err := db.WithContext(ctx).Raw(
		`SELECT id, org_id, plan_code, status, start_at, end_at, metadata, created_at, updated_at
		 FROM subscriptions WHERE org_id = ? AND id = ?`,
		orgID,
		id,
	).Scan(&subscription).Error
	if err != nil {
		return nil, err
	}
	if subscription.ID == 0 {
		return nil, nil
	}
	return &subscription, nil
}

func (r *repo) FindActiveByOrgID(ctx context.Context, db *gorm.DB, orgID snowflake.ID, statuses []subscriptiondomain.SubscriptionStatus) (*subscriptiondomain.Subscription, error) {
	var subscription subscriptiondomain.Subscription
	err := db.WithContext(ctx).Raw(
		`SELECT id, org_id, plan_code, status, start_at, end_at, metadata, created_at, updated_at
		 FROM subscriptions
		 WHERE org_id = ? AND status IN ?
		 ORDER BY start_at DESC, created_at DESC
		 LIMIT 1`,
		orgID,
		statuses,
	).Scan(&subscription).Error
	if err != nil {
		return nil, err
	}
	if subscription.ID == 0 {
		return nil, nil
	}
	return &subscription, nil
}

func (r *repo) FindUsageBySubscriptionID(ctx context.Context, db *gorm.DB, orgID, subscriptionID snowflake.ID) (*subscriptiondomain.SubscriptionUsage, error) {
	var usage subscriptiondomain.SubscriptionUsage
	err := db.WithContext(ctx).Raw(
		`SELECT id, org_id, subscription_id, create_transaction_limit, create_transaction_usage,
		 ai_audit_limit, ai_audit_usage, created_at, updated_at
		 FROM subscription_usage WHERE org_id = ? AND subscription_id = ?`,
		orgID,
		subscriptionID,
	).Scan(&usage).Error
	if err != nil {
		return nil, err
	}
	if usage.ID == 0 {
		return nil, nil
	}
	return &usage, nil
}

func (r *repo) FindUsageForUpdate(ctx context.Context, db *gorm.DB, orgID, subscriptionID snowflake.ID) (*subscriptiondomain.SubscriptionUsage, error) {
	var usage subscriptiondomain.SubscriptionUsage
	err := db.WithContext(ctx).Raw(
		`SELECT id, org_id, subscription_id, create_transaction_limit, create_transaction_usage,
		 ai_audit_limit, ai_audit_usage, created_at, updated_at
		 FROM subscription_usage WHERE org_id = ? AND subscription_id = ? FOR UPDATE`,
		orgID,
		subscriptionID,
	).Scan(&usage).Error
	if err != nil {
		return nil, err
	}
	if usage.ID == 0 {
		return nil, nil
	}
	return &usage, nil
}

func (r *repo) AddUsage(ctx context.Context, db *gorm.DB, usageID snowflake.ID, creations, audits int64) error {
	return db.WithContext(ctx).Exec(
		`UPDATE subscription_usage
		 SET create_transaction_usage = create_transaction_usage + ?,
		     ai_audit_usage = ai_audit_usage + ?,
		     updated_at = CURRENT_TIMESTAMP
		 WHERE id = ?`,
		creations,
		audits,
		usageID,
	).Error
}
