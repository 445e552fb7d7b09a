package domain

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, subscription *Subscription) error
	InsertUsage(ctx context.Context, db *gorm.DB, usage *SubscriptionUsage) error
	FindByID(ctx context.Context, db *gorm.DB, orgID, id snowflake.ID) (*Subscription, error)
	FindActiveByOrgID(ctx context.Context, db *gorm.DB, orgID snowflake.ID, statuses []SubscriptionStatus) (*Subscription, error)
	FindUsageBySubscriptionID(ctx context.Context, db *gorm.DB, orgID, subscriptionID snowflake.ID) (*SubscriptionUsage, error)
	FindUsageForUpdate(ctx context.Context, db *gorm.DB, orgID, subscriptionID snowflake.ID) (*SubscriptionUsage, error)
	AddUsage(ctx context.Context, db *gorm.DB, usageID snowflake.ID, creations, audits int64) error
}
