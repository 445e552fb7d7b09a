package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/wasteworks/binsight/internal/cache"
	"github.com/wasteworks/binsight/internal/clock"
	"github.com/wasteworks/binsight/internal/orgcontext"
	subscriptiondomain "github.com/wasteworks/binsight/internal/subscription/domain"
	"github.com/wasteworks/binsight/internal/subscription/repository"
	"go.uber.org/zap"
	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

func mustNode(t *testing.T) *snowflake.Node {
	t.Helper()
	node, err := snowflake.NewNode(1)
	if err != nil {
		t.Fatalf("snowflake node: %v", err)
	}
	return node
}

func setupSubscriptionService(t *testing.T, node *snowflake.Node, orgID snowflake.ID, createLimit, auditLimit int64) (subscriptiondomain.Service, *gorm.DB, snowflake.ID) {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared&_loc=auto", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("db handle: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetMaxIdleConns(1)
	stripForUpdate(t, db)
	prepareSubscriptionSchema(t, db)

	subID := node.Generate()
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	if err := db.Exec(
		`INSERT INTO subscriptions (id, org_id, plan_code, status, start_at, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		subID, orgID, "standard", subscriptiondomain.SubscriptionStatusActive, now, now, now,
	).Error; err != nil {
		t.Fatalf("seed subscription: %v", err)
	}
	if err := db.Exec(
		`INSERT INTO subscription_usage (id, org_id, subscription_id, create_transaction_limit,
		 create_transaction_usage, ai_audit_limit, ai_audit_usage, created_at, updated_at)
		 VALUES (?, ?, ?, ?, 0, ?, 0, ?, ?)`,
		node.Generate(), orgID, subID, createLimit, auditLimit, now, now,
	).Error; err != nil {
		t.Fatalf("seed usage: %v", err)
	}

	service := NewService(ServiceParam{
		DB:            db,
		Log:           zap.NewNop(),
		GenID:         node,
		Clock:         clock.NewFakeClock(now),
		Repo:          repository.Provide(),
		ResolverCache: cache.NewIngestResolverCache(),
	})

	return service, db, subID
}

func stripForUpdate(t *testing.T, db *gorm.DB) {
	t.Helper()
	strip := func(d *gorm.DB) {
		sql := d.Statement.SQL.String()
		if strings.Contains(sql, "FOR UPDATE") {
			newSQL := strings.ReplaceAll(sql, "FOR UPDATE SKIP LOCKED", "")
			newSQL = strings.ReplaceAll(newSQL, "FOR UPDATE", "")
			d.Statement.SQL.Reset()
			d.Statement.SQL.WriteString(newSQL)
		}
	}
	if err := db.Callback().Query().Before("gorm:query").Register("sqlite_skip_locked", strip); err != nil {
		t.Fatalf("register query callback: %v", err)
	}
	if err := db.Callback().Row().Before("gorm:row").Register("sqlite_skip_locked_row", strip); err != nil {
		t.Fatalf("register row callback: %v", err)
	}
}

func prepareSubscriptionSchema(t *testing.T, db *gorm.DB) {
	t.Helper()
	if err := db.Exec(`CREATE TABLE subscriptions (
		id BIGINT PRIMARY KEY,
		org_id BIGINT NOT NULL,
		plan_code TEXT NOT NULL,
		status TEXT NOT NULL,
		start_at DATETIME NOT NULL,
		end_at DATETIME,
		metadata JSON,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	)`).Error; err != nil {
		t.Fatalf("create subscriptions: %v", err)
	}
	if err := db.Exec(`CREATE TABLE subscription_usage (
		id BIGINT PRIMARY KEY,
		org_id BIGINT NOT NULL,
		subscription_id BIGINT NOT NULL UNIQUE,
		create_transaction_limit BIGINT NOT NULL DEFAULT 0,
		create_transaction_usage BIGINT NOT NULL DEFAULT 0,
		ai_audit_limit BIGINT NOT NULL DEFAULT 0,
		ai_audit_usage BIGINT NOT NULL DEFAULT 0,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	)`).Error; err != nil {
		t.Fatalf("create subscription_usage: %v", err)
	}
}

func usageRow(t *testing.T, db *gorm.DB, subID snowflake.ID) subscriptiondomain.SubscriptionUsage {
	t.Helper()
	var usage subscriptiondomain.SubscriptionUsage
	if err := db.Raw(
		`SELECT id, org_id, subscription_id, create_transaction_limit, create_transaction_usage,
		 ai_audit_limit, ai_audit_usage FROM subscription_usage WHERE subscription_id = ?`,
		subID,
	).Scan(&usage).Error; err != nil {
		t.Fatalf("read usage: %v", err)
	}
	return usage
}

func TestReserveCreationsRejectsWholeSubmission(t *testing.T) {
	node := mustNode(t)
	orgID := node.Generate()
	service, db, subID := setupSubscriptionService(t, node, orgID, 5, 100)
	ctx := context.Background()

	err := service.ReserveCreations(ctx, db, orgID, 10)
	if !errors.Is(err, subscriptiondomain.ErrQuotaExceeded) {
		t.Fatalf("expected ErrQuotaExceeded, got %v", err)
	}
	if usage := usageRow(t, db, subID); usage.CreateTransactionUsage != 0 {
		t.Fatalf("expected zero usage after rejected reservation, got %d", usage.CreateTransactionUsage)
	}

	if err := service.ReserveCreations(ctx, db, orgID, 5); err != nil {
		t.Fatalf("reserve within quota: %v", err)
	}
	if usage := usageRow(t, db, subID); usage.CreateTransactionUsage != 5 {
		t.Fatalf("expected usage 5, got %d", usage.CreateTransactionUsage)
	}

	err = service.ReserveCreations(ctx, db, orgID, 1)
	if !errors.Is(err, subscriptiondomain.ErrQuotaExceeded) {
		t.Fatalf("expected ErrQuotaExceeded once exhausted, got %v", err)
	}
}

func TestReserveAuditsCountsEveryAdmission(t *testing.T) {
	node := mustNode(t)
	orgID := node.Generate()
	service, db, subID := setupSubscriptionService(t, node, orgID, 100, 3)
	ctx := context.Background()

	if err := service.ReserveAudits(ctx, db, orgID, 2); err != nil {
		t.Fatalf("reserve audits: %v", err)
	}
	err := service.ReserveAudits(ctx, db, orgID, 2)
	if !errors.Is(err, subscriptiondomain.ErrQuotaExceeded) {
		t.Fatalf("expected ErrQuotaExceeded, got %v", err)
	}
	if usage := usageRow(t, db, subID); usage.AIAuditUsage != 2 {
		t.Fatalf("expected audit usage 2, got %d", usage.AIAuditUsage)
	}

	if err := service.ReserveAudits(ctx, db, orgID, 1); err != nil {
		t.Fatalf("reserve remaining audit: %v", err)
	}
	if usage := usageRow(t, db, subID); usage.AIAuditUsage != 3 {
		t.Fatalf("expected audit usage 3, got %d", usage.AIAuditUsage)
	}
}

func TestReserveNegativeLimitIsUnlimited(t *testing.T) {
	node := mustNode(t)
	orgID := node.Generate()
	service, db, subID := setupSubscriptionService(t, node, orgID, -1, -1)
	ctx := context.Background()

	if err := service.ReserveCreations(ctx, db, orgID, 100000); err != nil {
		t.Fatalf("reserve with unlimited quota: %v", err)
	}
	if usage := usageRow(t, db, subID); usage.CreateTransactionUsage != 100000 {
		t.Fatalf("expected usage 100000, got %d", usage.CreateTransactionUsage)
	}
}

func TestUsageSnapshot(t *testing.T) {
	node := mustNode(t)
	orgID := node.Generate()
	service, db, _ := setupSubscriptionService(t, node, orgID, 50, 25)
	ctx := orgcontext.WithOrgID(context.Background(), int64(orgID))

	if err := service.ReserveCreations(ctx, db, orgID, 7); err != nil {
		t.Fatalf("reserve creations: %v", err)
	}
	if err := service.ReserveAudits(ctx, db, orgID, 4); err != nil {
		t.Fatalf("reserve audits: %v", err)
	}

	snapshot, err := service.Usage(ctx)
	if err != nil {
		t.Fatalf("usage snapshot: %v", err)
	}
	if snapshot.PlanCode != "standard" {
		t.Fatalf("expected plan standard, got %s", snapshot.PlanCode)
	}
	if snapshot.CreateTransactionLimit != 50 || snapshot.CreateTransactionUsage != 7 {
		t.Fatalf("unexpected creation counters: %+v", snapshot)
	}
	if snapshot.AIAuditLimit != 25 || snapshot.AIAuditUsage != 4 {
		t.Fatalf("unexpected audit counters: %+v", snapshot)
	}
}

func TestActiveByOrgIDServesFromCache(t *testing.T) {
	node := mustNode(t)
	orgID := node.Generate()
	service, db, subID := setupSubscriptionService(t, node, orgID, 10, 10)
	ctx := context.Background()

	first, err := service.ActiveByOrgID(ctx, orgID)
	if err != nil {
		t.Fatalf("resolve active: %v", err)
	}
	if first.ID != subID {
		t.Fatalf("expected subscription %s, got %s", subID, first.ID)
	}

	if err := db.Exec(`DELETE FROM subscriptions WHERE id = ?`, subID).Error; err != nil {
		t.Fatalf("delete subscription: %v", err)
	}

	second, err := service.ActiveByOrgID(ctx, orgID)
	if err != nil {
		t.Fatalf("resolve active from cache: %v", err)
	}
	if second.ID != subID {
		t.Fatalf("expected cached subscription %s, got %s", subID, second.ID)
	}
}
