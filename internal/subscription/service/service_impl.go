package service

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/wasteworks/binsight/internal/cache"
	"github.com/wasteworks/binsight/internal/clock"
	obsmetrics "github.com/wasteworks/binsight/internal/observability/metrics"
	"github.com/wasteworks/binsight/internal/orgcontext"
	subscriptiondomain "github.com/wasteworks/binsight/internal/subscription/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var activeStatuses = []subscriptiondomain.SubscriptionStatus{
	subscriptiondomain.SubscriptionStatusActive,
	subscriptiondomain.SubscriptionStatusTrialing,
}

type Service struct {
	db  *gorm.DB
	log *zap.Logger

	genID         *snowflake.Node
	clock         clock.Clock
	repo          subscriptiondomain.Repository
	resolverCache cache.IngestResolverCache
}

type ServiceParam struct {
	fx.In

	DB            *gorm.DB
	Log           *zap.Logger
	GenID         *snowflake.Node
	Clock         clock.Clock
	Repo          subscriptiondomain.Repository
	ResolverCache cache.IngestResolverCache
}

func NewService(p ServiceParam) subscriptiondomain.Service {
	return &Service{
		db:  p.DB,
		log: p.Log.Named("subscription.service"),

		genID:         p.GenID,
		clock:         p.Clock,
		repo:          p.Repo,
		resolverCache: p.ResolverCache,
	}
}

// ActiveByOrgID implements domain.Service.
func (s *Service) ActiveByOrgID(ctx context.Context, orgID snowflake.ID) (subscriptiondomain.Subscription, error) {
	if orgID == 0 {
		return subscriptiondomain.Subscription{}, subscriptiondomain.ErrInvalidOrganization
	}

	if cached, ok := s.resolverCache.GetActiveSubscription(orgID.String()); ok {
		return cached, nil
	}

	item, err := s.repo.FindActiveByOrgID(ctx, s.db, orgID, activeStatuses)
	if err != nil {
		return subscriptiondomain.Subscription{}, err
	}
	if item == nil {
		return subscriptiondomain.Subscription{}, subscriptiondomain.ErrSubscriptionNotFound
	}

	s.resolverCache.SetActiveSubscription(orgID.String(), *item)
	return *item, nil
}

// Usage implements domain.Service.
func (s *Service) Usage(ctx context.Context) (subscriptiondomain.UsageSnapshot, error) {
	orgID, ok := orgcontext.OrgIDFromContext(ctx)
	if !ok || orgID == 0 {
		return subscriptiondomain.UsageSnapshot{}, subscriptiondomain.ErrInvalidOrganization
	}

	subscription, err := s.ActiveByOrgID(ctx, orgID)
	if err != nil {
		return subscriptiondomain.UsageSnapshot{}, err
	}

	usage, err := s.repo.FindUsageBySubscriptionID(ctx, s.db, orgID, subscription.ID)
	if err != nil {
		return subscriptiondomain.UsageSnapshot{}, err
	}
	if usage == nil {
		return subscriptiondomain.UsageSnapshot{}, subscriptiondomain.ErrUsageNotFound
	}

	return subscriptiondomain.UsageSnapshot{
		SubscriptionID:         subscription.ID.String(),
		PlanCode:               subscription.PlanCode,
		CreateTransactionLimit: usage.CreateTransactionLimit,
		CreateTransactionUsage: usage.CreateTransactionUsage,
		AIAuditLimit:           usage.AIAuditLimit,
		AIAuditUsage:           usage.AIAuditUsage,
	}, nil
}

// ReserveCreations implements domain.Service.
func (s *Service) ReserveCreations(ctx context.Context, tx *gorm.DB, orgID snowflake.ID, count int64) error {
	return s.reserve(ctx, tx, orgID, count, 0)
}

// ReserveAudits implements domain.Service.
func (s *Service) ReserveAudits(ctx context.Context, tx *gorm.DB, orgID snowflake.ID, count int64) error {
	return s.reserve(ctx, tx, orgID, 0, count)
}

func (s *Service) reserve(ctx context.Context, tx *gorm.DB, orgID snowflake.ID, creations, audits int64) error {
	if orgID == 0 {
		return subscriptiondomain.ErrInvalidOrganization
	}
	if creations < 0 || audits < 0 || creations+audits == 0 {
		return subscriptiondomain.ErrInvalidCount
	}
	if tx == nil {
		tx = s.db
	}

	subscription, err := s.ActiveByOrgID(ctx, orgID)
	if err != nil {
		return err
	}

	engineMetrics := obsmetrics.Engine()
	lockStart := time.Now()
	usage, err := s.repo.FindUsageForUpdate(ctx, tx, orgID, subscription.ID)
	engineMetrics.ObserveDBLockWait(obsmetrics.LockResourceSubscriptionUsage, time.Since(lockStart))
	if err != nil {
		return err
	}
	if usage == nil {
		return subscriptiondomain.ErrUsageNotFound
	}

	if creations > 0 && usage.CreateTransactionLimit >= 0 &&
		usage.CreateTransactionUsage+creations > usage.CreateTransactionLimit {
		s.log.Debug("creation quota exhausted",
			zap.String("org_id", orgID.String()),
			zap.Int64("requested", creations),
			zap.Int64("remaining", usage.RemainingCreations()),
		)
		return subscriptiondomain.ErrQuotaExceeded
	}
	if audits > 0 && usage.AIAuditLimit >= 0 &&
		usage.AIAuditUsage+audits > usage.AIAuditLimit {
		s.log.Debug("audit quota exhausted",
			zap.String("org_id", orgID.String()),
			zap.Int64("requested", audits),
			zap.Int64("remaining", usage.RemainingAudits()),
		)
		return subscriptiondomain.ErrQuotaExceeded
	}

	return s.repo.AddUsage(ctx, tx, usage.ID, creations, audits)
}
