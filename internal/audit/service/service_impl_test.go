package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	activitydomain "github.com/wasteworks/binsight/internal/activity/domain"
	auditdomain "github.com/wasteworks/binsight/internal/audit/domain"
	"github.com/wasteworks/binsight/internal/audit/codec"
	"github.com/wasteworks/binsight/internal/audit/extraction"
	auditrepo "github.com/wasteworks/binsight/internal/audit/repository"
	"github.com/wasteworks/binsight/internal/audit/synthesis"
	"github.com/wasteworks/binsight/internal/clock"
	"github.com/wasteworks/binsight/internal/config"
	subscriptiondomain "github.com/wasteworks/binsight/internal/subscription/domain"
	transactiondomain "github.com/wasteworks/binsight/internal/transaction/domain"
	transactionrepo "github.com/wasteworks/binsight/internal/transaction/repository"
	"github.com/wasteworks/binsight/internal/vision"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Mocks for dependencies

type visionReply struct {
	content string
	usage   vision.TokenUsage
	err     error
}

// scriptedVision answers model calls from per-image reply queues so member
// outcomes stay deterministic regardless of worker scheduling.
type scriptedVision struct {
	mu      sync.Mutex
	replies map[string][]visionReply
	calls   int
}

func (s *scriptedVision) Complete(ctx context.Context, req vision.Request) (*vision.Response, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++

	url := ""
	for _, msg := range req.Messages {
		for _, part := range msg.Content {
			if part.ImageURL != nil {
				url = part.ImageURL.URL
			}
		}
	}
	queue := s.replies[url]
	if len(queue) == 0 {
		return nil, fmt.Errorf("unexpected model call for %q", url)
	}
	reply := queue[0]
	s.replies[url] = queue[1:]
	if reply.err != nil {
		return nil, reply.err
	}
	return &vision.Response{Content: reply.content, Usage: reply.usage}, nil
}

func (s *scriptedVision) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

type stubSubscriptions struct{}

func (stubSubscriptions) ActiveByOrgID(ctx context.Context, orgID snowflake.ID) (subscriptiondomain.Subscription, error) {
	return subscriptiondomain.Subscription{}, nil
}

func (stubSubscriptions) Usage(ctx context.Context) (subscriptiondomain.UsageSnapshot, error) {
	return subscriptiondomain.UsageSnapshot{}, nil
}

func (stubSubscriptions) ReserveCreations(ctx context.Context, tx *gorm.DB, orgID snowflake.ID, count int64) error {
	return nil
}

func (stubSubscriptions) ReserveAudits(ctx context.Context, tx *gorm.DB, orgID snowflake.ID, count int64) error {
	return nil
}

type stubActivities struct {
	mu      sync.Mutex
	actions []string
}

func (s *stubActivities) Record(ctx context.Context, orgID *snowflake.ID, actorType string, actorID *string, action string, targetType string, targetID *string, metadata map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.actions = append(s.actions, action)
	return nil
}

func (s *stubActivities) List(ctx context.Context, req activitydomain.ListActivityRequest) (activitydomain.ListActivityResponse, error) {
	return activitydomain.ListActivityResponse{}, nil
}

func openServiceTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to get sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)

	for _, ddl := range []string{
		`CREATE TABLE transactions (
			id INTEGER PRIMARY KEY,
			org_id INTEGER NOT NULL,
			external_version TEXT NOT NULL,
			external_house_id TEXT NOT NULL,
			origin_id TEXT NOT NULL,
			status TEXT NOT NULL,
			transaction_date DATETIME NOT NULL,
			ai_audit_status TEXT,
			ai_audit_note TEXT,
			audit_date DATETIME,
			audit_batch_id INTEGER,
			created_at DATETIME,
			updated_at DATETIME
		)`,
		`CREATE TABLE material_records (
			id INTEGER PRIMARY KEY,
			org_id INTEGER NOT NULL,
			transaction_id INTEGER NOT NULL,
			material_type TEXT NOT NULL,
			material_code INTEGER NOT NULL DEFAULT 0,
			category_code INTEGER NOT NULL DEFAULT 0,
			image_url TEXT,
			quantity REAL NOT NULL DEFAULT 0,
			unit TEXT NOT NULL DEFAULT 'kg',
			created_at DATETIME,
			updated_at DATETIME
		)`,
		`CREATE TABLE audit_batches (
			id INTEGER PRIMARY KEY,
			org_id INTEGER NOT NULL,
			status TEXT NOT NULL,
			total_transactions INTEGER NOT NULL DEFAULT 0,
			processed_count INTEGER NOT NULL DEFAULT 0,
			approved_count INTEGER NOT NULL DEFAULT 0,
			rejected_count INTEGER NOT NULL DEFAULT 0,
			no_action_count INTEGER NOT NULL DEFAULT 0,
			error_count INTEGER NOT NULL DEFAULT 0,
			token_usage_input INTEGER NOT NULL DEFAULT 0,
			token_usage_output INTEGER NOT NULL DEFAULT 0,
			token_usage_total INTEGER NOT NULL DEFAULT 0,
			results TEXT,
			started_at DATETIME,
			completed_at DATETIME,
			created_at DATETIME,
			updated_at DATETIME
		)`,
	} {
		if err := db.Exec(ddl).Error; err != nil {
			t.Fatalf("create table: %v", err)
		}
	}
	return db
}

// TestService_RunBatch_MixedOutcomes drives one batch whose members land
// differently: one audits clean, one dies on a model outage, one already
// holds a terminal verdict from an earlier run. The batch must finalize
// completed with the error recorded in its results, the failed member
// detached and still queued, and a replay of the batch rejected.
func TestService_RunBatch_MixedOutcomes(t *testing.T) {
	db := openServiceTestDB(t)

	node, _ := snowflake.NewNode(1)
	startTime := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	fakeClock := clock.NewFakeClock(startTime)

	const (
		cleanImage  = "https://img.test/clean.jpg"
		outageImage = "https://img.test/outage.jpg"
	)

	script := &scriptedVision{replies: map[string][]visionReply{
		cleanImage: {
			{content: `{"visibility":"clear","confidence":0.95}`, usage: vision.TokenUsage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15}},
			{content: `{"observations":[],"confidence":0.9}`, usage: vision.TokenUsage{PromptTokens: 20, CompletionTokens: 10, TotalTokens: 30}},
		},
		outageImage: {
			{err: errors.New("vision backend unreachable")},
		},
	}}

	cfg := config.Config{
		Vision: config.VisionConfig{PromptMode: "detailed", MaxOutputTokens: 256},
		Audit:  config.AuditConfig{WorkerPoolSize: 2, ExtractionRetries: 0, StaleAfter: time.Hour},
	}

	holder, err := config.NewStaticRuleCatalogHolder(config.DefaultRuleCatalog())
	if err != nil {
		t.Fatalf("build rule catalog: %v", err)
	}

	batches := auditrepo.Provide()
	members := transactionrepo.Provide()
	trail := &stubActivities{}

	svc := New(Params{
		DB:            db,
		Log:           zap.NewNop(),
		Config:        cfg,
		Clock:         fakeClock,
		GenID:         node,
		Repo:          batches,
		Transactions:  members,
		Subscriptions: stubSubscriptions{},
		Extractor: extraction.NewEngine(extraction.Params{
			Config: cfg,
			Log:    zap.NewNop(),
			Client: script,
		}),
		Synthesizer: synthesis.NewSynthesizer(synthesis.Params{Rules: holder, Log: zap.NewNop()}),
		Activities:  trail,
	})

	ctx := context.Background()
	orgID := node.Generate()
	batchID := node.Generate()

	if err := batches.InsertBatch(ctx, db, &auditdomain.AuditBatch{
		ID:                batchID,
		OrgID:             orgID,
		Status:            auditdomain.BatchStatusQueued,
		TotalTransactions: 3,
		CreatedAt:         startTime,
		UpdatedAt:         startTime,
	}); err != nil {
		t.Fatalf("seed batch: %v", err)
	}

	earlierAudit := startTime.Add(-time.Hour)
	seedMember := func(houseID string, status transactiondomain.AuditStatus, auditDate *time.Time) snowflake.ID {
		id := node.Generate()
		if err := db.Exec(`
			INSERT INTO transactions (
				id, org_id, external_version, external_house_id, origin_id, status,
				transaction_date, ai_audit_status, audit_date, audit_batch_id, created_at, updated_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, id, orgID, "2025-01", houseID, "origin-1", "pending",
			startTime, status, auditDate, batchID, startTime, startTime).Error; err != nil {
			t.Fatalf("seed member %s: %v", houseID, err)
		}
		return id
	}
	seedMaterial := func(txID snowflake.ID, materialType, imageURL string) {
		if err := db.Exec(`
			INSERT INTO material_records (
				id, org_id, transaction_id, material_type, material_code,
				category_code, image_url, created_at, updated_at
			) VALUES (?, ?, ?, ?, 1, 1, ?, ?, ?)
		`, node.Generate(), orgID, txID, materialType, imageURL, startTime, startTime).Error; err != nil {
			t.Fatalf("seed material for %s: %v", txID, err)
		}
	}

	cleanID := seedMember("house-clean", transactiondomain.AuditStatusQueued, nil)
	outageID := seedMember("house-outage", transactiondomain.AuditStatusQueued, nil)
	settledID := seedMember("house-settled", transactiondomain.AuditStatusApproved, &earlierAudit)
	seedMaterial(cleanID, "general", cleanImage)
	seedMaterial(outageID, "recyclable", outageImage)

	claim := &auditdomain.AuditBatch{
		ID:                batchID,
		OrgID:             orgID,
		Status:            auditdomain.BatchStatusQueued,
		TotalTransactions: 3,
		CreatedAt:         startTime,
	}
	report, err := svc.RunBatch(ctx, claim)
	if err != nil {
		t.Fatalf("RunBatch: %v", err)
	}

	// One member failed, yet the batch itself completes; failed is not a
	// processing outcome.
	if report.Status != auditdomain.BatchStatusCompleted {
		t.Errorf("expected report status completed, got %s", report.Status)
	}
	if report.Processed != 2 {
		t.Errorf("expected 2 processed members, got %d", report.Processed)
	}
	if report.Approved != 2 {
		t.Errorf("expected 2 approved members, got %d", report.Approved)
	}
	if report.Errors != 1 {
		t.Errorf("expected 1 member error, got %d", report.Errors)
	}
	wantUsage := auditdomain.TokenUsage{Input: 30, Output: 15, Total: 45}
	if report.TokenUsage != wantUsage {
		t.Errorf("expected token usage %+v, got %+v", wantUsage, report.TokenUsage)
	}

	final, err := batches.FindBatchByID(ctx, db, batchID)
	if err != nil {
		t.Fatalf("refetch batch: %v", err)
	}
	if final == nil || final.Status != auditdomain.BatchStatusCompleted {
		t.Fatalf("expected finalized batch completed, got %+v", final)
	}
	if final.ErrorCount != 1 || final.ApprovedCount != 2 {
		t.Errorf("expected batch counters errors=1 approved=2, got errors=%d approved=%d",
			final.ErrorCount, final.ApprovedCount)
	}
	if final.TokenUsageInput != 30 || final.TokenUsageOutput != 15 || final.TokenUsageTotal != 45 {
		t.Errorf("expected batch token totals 30/15/45, got %d/%d/%d",
			final.TokenUsageInput, final.TokenUsageOutput, final.TokenUsageTotal)
	}
	if final.CompletedAt == nil || !final.CompletedAt.Equal(startTime) {
		t.Errorf("expected completed_at %v, got %v", startTime, final.CompletedAt)
	}

	decoded, err := codec.DecodeBatch(final.Results)
	if err != nil {
		t.Fatalf("decode batch results: %v", err)
	}
	if len(decoded.Transactions) != 3 {
		t.Fatalf("expected 3 result entries, got %d", len(decoded.Transactions))
	}
	if got := decoded.Transactions[cleanID.String()]; got.Status != string(transactiondomain.AuditStatusApproved) {
		t.Errorf("expected clean member approved in results, got %+v", got)
	}
	if got := decoded.Transactions[outageID.String()]; got.Status != "error" || got.Err == "" {
		t.Errorf("expected outage member recorded as error, got %+v", got)
	}
	if got := decoded.Transactions[settledID.String()]; got.Status != string(transactiondomain.AuditStatusApproved) {
		t.Errorf("expected settled member replayed as approved, got %+v", got)
	}

	var cleanRow struct {
		AIAuditStatus *transactiondomain.AuditStatus
		AIAuditNote   *string
		AuditBatchID  *snowflake.ID
	}
	if err := db.Raw(
		`SELECT ai_audit_status, ai_audit_note, audit_batch_id FROM transactions WHERE id = ?`,
		cleanID,
	).Scan(&cleanRow).Error; err != nil {
		t.Fatalf("fetch clean member: %v", err)
	}
	if cleanRow.AIAuditStatus == nil || *cleanRow.AIAuditStatus != transactiondomain.AuditStatusApproved {
		t.Errorf("expected clean member approved, got %v", cleanRow.AIAuditStatus)
	}
	if cleanRow.AIAuditNote == nil || *cleanRow.AIAuditNote == "" {
		t.Error("expected clean member to carry an encoded note")
	}
	if cleanRow.AuditBatchID == nil || *cleanRow.AuditBatchID != batchID {
		t.Errorf("expected clean member still attached to batch, got %v", cleanRow.AuditBatchID)
	}

	// The failed member detaches but stays queued, so the next sweep picks
	// it up again without a fresh quota reservation.
	var outageRow struct {
		AIAuditStatus *transactiondomain.AuditStatus
		AuditBatchID  *snowflake.ID
	}
	if err := db.Raw(
		`SELECT ai_audit_status, audit_batch_id FROM transactions WHERE id = ?`,
		outageID,
	).Scan(&outageRow).Error; err != nil {
		t.Fatalf("fetch outage member: %v", err)
	}
	if outageRow.AIAuditStatus == nil || *outageRow.AIAuditStatus != transactiondomain.AuditStatusQueued {
		t.Errorf("expected outage member left queued, got %v", outageRow.AIAuditStatus)
	}
	if outageRow.AuditBatchID != nil {
		t.Errorf("expected outage member detached, got batch %v", outageRow.AuditBatchID)
	}

	// The settled member replayed without touching its earlier verdict.
	var settledRow struct {
		AIAuditStatus *transactiondomain.AuditStatus
		AuditDate     *time.Time
	}
	if err := db.Raw(
		`SELECT ai_audit_status, audit_date FROM transactions WHERE id = ?`,
		settledID,
	).Scan(&settledRow).Error; err != nil {
		t.Fatalf("fetch settled member: %v", err)
	}
	if settledRow.AIAuditStatus == nil || *settledRow.AIAuditStatus != transactiondomain.AuditStatusApproved {
		t.Errorf("expected settled member untouched, got %v", settledRow.AIAuditStatus)
	}
	if settledRow.AuditDate == nil || !settledRow.AuditDate.Equal(earlierAudit) {
		t.Errorf("expected settled audit date %v, got %v", earlierAudit, settledRow.AuditDate)
	}

	// Two calls for the clean member, one for the outage, none for the
	// settled replay.
	if got := script.callCount(); got != 3 {
		t.Errorf("expected 3 model calls, got %d", got)
	}

	// Replaying the finished batch loses the guarded claim.
	if _, err := svc.RunBatch(ctx, claim); !errors.Is(err, auditdomain.ErrBatchConflict) {
		t.Fatalf("expected batch conflict on replay, got %v", err)
	}
	if got := script.callCount(); got != 3 {
		t.Errorf("expected no model calls on replay, got %d", got)
	}
}
