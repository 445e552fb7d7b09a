// Package seed bootstraps a fresh database with the default organization,
// its starter subscription, and a development API key so a new install is
// usable out of the box.
package seed

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gosimple/slug"
	"github.com/lib/pq"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	apikeydomain "github.com/wasteworks/binsight/internal/apikey/domain"
	apikeyrepository "github.com/wasteworks/binsight/internal/apikey/repository"
	organizationdomain "github.com/wasteworks/binsight/internal/organization/domain"
	organizationrepository "github.com/wasteworks/binsight/internal/organization/repository"
	subscriptiondomain "github.com/wasteworks/binsight/internal/subscription/domain"
	subscriptionrepository "github.com/wasteworks/binsight/internal/subscription/repository"
)

const (
	defaultOrgName = "Main"

	starterPlanCode = "starter"
	// Starter quotas. Small enough that the quota path is reachable in
	// development without months of traffic.
	starterCreationLimit = 10000
	starterAuditLimit    = 1000

	devKeyID   = "key_dev"
	devKeyName = "Local Development"
	// DevAPIKey is the well-known bearer credential seeded outside
	// production. Never present in production databases.
	DevAPIKey = "bk_live_key_dev_insecure_local_secret"
)

// EnsureDefaults is idempotent; every helper reads before it writes, all
// inside one transaction.
func EnsureDefaults(db *gorm.DB, defaultOrgID int64, environment string) error {
	if db == nil {
		return errors.New("seed database handle is required")
	}

	node, err := snowflake.NewNode(1)
	if err != nil {
		return err
	}

	ctx := context.Background()
	return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		org, err := ensureMainOrgTx(ctx, tx, node, snowflake.ID(defaultOrgID))
		if err != nil {
			return err
		}

		sub, err := ensureStarterSubscriptionTx(ctx, tx, node, org.ID)
		if err != nil {
			return err
		}

		if err := ensureUsageCountersTx(ctx, tx, node, org.ID, sub.ID); err != nil {
			return err
		}

		if environment != "production" {
			if err := ensureDevAPIKeyTx(ctx, tx, node, org.ID); err != nil {
				return err
			}
		}
		return nil
	})
}

func ensureMainOrgTx(ctx context.Context, tx *gorm.DB, node *snowflake.Node, orgID snowflake.ID) (*organizationdomain.Organization, error) {
	repo := organizationrepository.Provide()

	orgSlug := slug.Make(defaultOrgName)
	org, err := repo.FindBySlug(ctx, tx, orgSlug)
	if err != nil {
		return nil, err
	}
	if org != nil {
		return org, nil
	}

	if orgID == 0 {
		orgID = node.Generate()
	}
	now := time.Now().UTC()
	org = &organizationdomain.Organization{
		ID:        orgID,
		Name:      defaultOrgName,
		Slug:      orgSlug,
		IsDefault: true,
		Metadata:  datatypes.JSONMap{},
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := repo.Insert(ctx, tx, org); err != nil {
		return nil, err
	}
	return org, nil
}

func ensureStarterSubscriptionTx(ctx context.Context, tx *gorm.DB, node *snowflake.Node, orgID snowflake.ID) (*subscriptiondomain.Subscription, error) {
	repo := subscriptionrepository.Provide()

	sub, err := repo.FindActiveByOrgID(ctx, tx, orgID, []subscriptiondomain.SubscriptionStatus{
		subscriptiondomain.SubscriptionStatusActive,
		subscriptiondomain.SubscriptionStatusTrialing,
	})
	if err != nil {
		return nil, err
	}
	if sub != nil {
		return sub, nil
	}

	now := time.Now().UTC()
	sub = &subscriptiondomain.Subscription{
		ID:        node.Generate(),
		OrgID:     orgID,
		PlanCode:  starterPlanCode,
		Status:    subscriptiondomain.SubscriptionStatusActive,
		StartAt:   now,
		Metadata:  datatypes.JSONMap{},
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := repo.Insert(ctx, tx, sub); err != nil {
		return nil, err
	}
	return sub, nil
}

func ensureUsageCountersTx(ctx context.Context, tx *gorm.DB, node *snowflake.Node, orgID, subscriptionID snowflake.ID) error {
	repo := subscriptionrepository.Provide()

	usage, err := repo.FindUsageBySubscriptionID(ctx, tx, orgID, subscriptionID)
	if err != nil {
		return err
	}
	if usage != nil {
		return nil
	}

	now := time.Now().UTC()
	return repo.InsertUsage(ctx, tx, &subscriptiondomain.SubscriptionUsage{
		ID:                     node.Generate(),
		OrgID:                  orgID,
		SubscriptionID:         subscriptionID,
		CreateTransactionLimit: starterCreationLimit,
		AIAuditLimit:           starterAuditLimit,
		CreatedAt:              now,
		UpdatedAt:              now,
	})
}

func ensureDevAPIKeyTx(ctx context.Context, tx *gorm.DB, node *snowflake.Node, orgID snowflake.ID) error {
	repo := apikeyrepository.Provide()

	key, err := repo.FindByKeyID(ctx, tx, orgID, devKeyID)
	if err != nil {
		return err
	}
	if key != nil {
		return nil
	}

	now := time.Now().UTC()
	return repo.Insert(ctx, tx, &apikeydomain.APIKey{
		ID:        node.Generate(),
		OrgID:     orgID,
		KeyID:     devKeyID,
		Name:      devKeyName,
		Scopes:    pq.StringArray(apikeydomain.DefaultScopes()),
		KeyHash:   apikeydomain.HashAPIKey(DevAPIKey),
		IsActive:  true,
		CreatedAt: now,
		UpdatedAt: now,
	})
}
