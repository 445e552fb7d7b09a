package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/prometheus/client_golang/prometheus"
	activitydomain "github.com/wasteworks/binsight/internal/activity/domain"
	auditdomain "github.com/wasteworks/binsight/internal/audit/domain"
	auditrepo "github.com/wasteworks/binsight/internal/audit/repository"
	"github.com/wasteworks/binsight/internal/clock"
	obsmetrics "github.com/wasteworks/binsight/internal/observability/metrics"
	schedulertesting "github.com/wasteworks/binsight/internal/scheduler/testing"
	transactiondomain "github.com/wasteworks/binsight/internal/transaction/domain"
	transactionrepo "github.com/wasteworks/binsight/internal/transaction/repository"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Mocks for dependencies

type runnerCall struct {
	batchID snowflake.ID
	orgID   snowflake.ID
}

// mockAuditRunner mimics the worker contract: claim through the guarded
// transition, then either finish every member or fail after the claim.
type mockAuditRunner struct {
	db      *gorm.DB
	batches auditdomain.Repository
	members transactiondomain.Repository
	clock   clock.Clock

	// failWith, when set, simulates a run dying after the claim: the batch
	// stays in_progress with its members attached.
	failWith error
	calls    []runnerCall
}

func (m *mockAuditRunner) Enqueue(ctx context.Context, req auditdomain.EnqueueRequest) (*auditdomain.EnqueueResult, error) {
	return &auditdomain.EnqueueResult{}, nil
}

func (m *mockAuditRunner) Status(ctx context.Context) (*auditdomain.QueueStatus, error) {
	return &auditdomain.QueueStatus{}, nil
}

func (m *mockAuditRunner) GetBatch(ctx context.Context, id snowflake.ID) (*auditdomain.BatchView, error) {
	return nil, auditdomain.ErrBatchNotFound
}

func (m *mockAuditRunner) RunBatch(ctx context.Context, batch *auditdomain.AuditBatch) (*auditdomain.RunReport, error) {
	m.calls = append(m.calls, runnerCall{batchID: batch.ID, orgID: batch.OrgID})

	now := m.clock.Now()
	claimed, err := m.batches.MarkInProgress(ctx, m.db, batch.ID, now)
	if err != nil {
		return nil, err
	}
	if !claimed {
		return nil, auditdomain.ErrBatchConflict
	}
	if m.failWith != nil {
		return nil, m.failWith
	}

	members, err := m.members.FindByBatchID(ctx, m.db, batch.ID)
	if err != nil {
		return nil, err
	}
	for _, member := range members {
		if _, err := m.members.SetAuditOutcome(ctx, m.db, member.ID, batch.ID, transactiondomain.AuditStatusApproved, nil, now); err != nil {
			return nil, err
		}
	}

	completedAt := now
	final := *batch
	final.Status = auditdomain.BatchStatusCompleted
	final.TotalTransactions = len(members)
	final.ProcessedCount = len(members)
	final.ApprovedCount = len(members)
	final.CompletedAt = &completedAt
	if _, err := m.batches.FinalizeBatch(ctx, m.db, &final); err != nil {
		return nil, err
	}

	return &auditdomain.RunReport{
		BatchID:   batch.ID,
		Status:    auditdomain.BatchStatusCompleted,
		Processed: len(members),
		Approved:  len(members),
	}, nil
}

type mockTrailRecorder struct {
	actions []string
}

func (m *mockTrailRecorder) Record(ctx context.Context, orgID *snowflake.ID, actorType string, actorID *string, action string, targetType string, targetID *string, metadata map[string]any) error {
	m.actions = append(m.actions, action)
	return nil
}

func (m *mockTrailRecorder) List(ctx context.Context, req activitydomain.ListActivityRequest) (activitydomain.ListActivityResponse, error) {
	return activitydomain.ListActivityResponse{}, nil
}

func (m *mockTrailRecorder) countAction(action string) int {
	count := 0
	for _, recorded := range m.actions {
		if recorded == action {
			count++
		}
	}
	return count
}

// TestScheduler_RunOnce_FakeClock_SweepProcessStale walks the engine through
// a sweep of detached queued transactions, a full processing pass, an
// idempotent re-run, a stuck run crossing the stale threshold, and the
// resume of an abandoned in_progress batch.
func TestScheduler_RunOnce_FakeClock_SweepProcessStale(t *testing.T) {
	// 1. Setup DB
	db, err := gorm.Open(sqlite.Open("file::memory:?cache=shared"), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}

	// SQLite support hack: remove FOR UPDATE clauses
	db.Callback().Query().Before("gorm:query").Register("sqlite_skip_locked", func(d *gorm.DB) {
		sql := d.Statement.SQL.String()
		if strings.Contains(sql, "FOR UPDATE") {
			newSQL := strings.ReplaceAll(sql, "FOR UPDATE SKIP LOCKED", "")
			newSQL = strings.ReplaceAll(newSQL, "FOR UPDATE", "")
			d.Statement.SQL.Reset()
			d.Statement.SQL.WriteString(newSQL)
		}
	})
	db.Callback().Row().Before("gorm:row").Register("sqlite_skip_locked_row", func(d *gorm.DB) {
		sql := d.Statement.SQL.String()
		if strings.Contains(sql, "FOR UPDATE") {
			newSQL := strings.ReplaceAll(sql, "FOR UPDATE SKIP LOCKED", "")
			newSQL = strings.ReplaceAll(newSQL, "FOR UPDATE", "")
			d.Statement.SQL.Reset()
			d.Statement.SQL.WriteString(newSQL)
		}
	})

	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to get sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)

	// Create tables needed by Scheduler
	if err := db.Exec(`
		CREATE TABLE transactions (
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
		)
	`).Error; err != nil {
		t.Fatalf("create transactions table: %v", err)
	}
	if err := db.Exec(`
		CREATE TABLE audit_batches (
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
			updated_at DATETIME,
			last_error TEXT,
			last_error_at DATETIME
		)
	`).Error; err != nil {
		t.Fatalf("create audit_batches table: %v", err)
	}

	// 2. Setup Dependencies
	node, _ := snowflake.NewNode(1)
	startTime := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	fakeClock := clock.NewFakeClock(startTime)

	registry := prometheus.NewRegistry()
	restore := swapPrometheusRegistry(registry)
	defer restore()
	obsmetrics.ResetEngineMetricsForTest()
	obsmetrics.EngineWithConfig(obsmetrics.Config{ServiceName: "test", Environment: "test"})

	batches := auditrepo.Provide()
	members := transactionrepo.Provide()
	runner := &mockAuditRunner{db: db, batches: batches, members: members, clock: fakeClock}
	trail := &mockTrailRecorder{}

	sched, err := New(Params{
		DB:           db,
		Log:          zap.NewNop(),
		AuditSvc:     runner,
		Batches:      batches,
		Transactions: members,
		Activities:   trail,
		GenID:        node,
		Clock:        fakeClock,
		Config: Config{
			RunInterval:       time.Minute,
			SweepBatchSize:    10,
			MaxClaimBatchSize: 5,
			ProcessTimeout:    time.Minute,
			StaleAfter:        time.Hour,
		},
	})
	if err != nil {
		t.Fatalf("New scheduler: %v", err)
	}

	// 3. Seed detached queued transactions: members end up this way when a
	// failed attempt clears their batch attachment.
	orgOne := node.Generate()
	orgTwo := node.Generate()
	seedOrphan := func(orgID snowflake.ID, houseID string) {
		if err := db.Exec(`
			INSERT INTO transactions (
				id, org_id, external_version, external_house_id, origin_id, status,
				transaction_date, ai_audit_status, audit_batch_id, created_at, updated_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, NULL, ?, ?)
		`, node.Generate(), orgID, "2025-01", houseID, "origin-1", "pending",
			startTime, transactiondomain.AuditStatusQueued, startTime, startTime).Error; err != nil {
			t.Fatalf("seed orphan %s: %v", houseID, err)
		}
	}
	for i := 0; i < 3; i++ {
		seedOrphan(orgOne, fmt.Sprintf("house-a-%d", i))
	}
	for i := 0; i < 2; i++ {
		seedOrphan(orgTwo, fmt.Sprintf("house-b-%d", i))
	}

	ctx := context.Background()

	// 4. First run: the sweep re-batches the orphans per org, then the
	// processing pass claims and completes both batches.
	if err := sched.RunOnce(ctx); err != nil {
		t.Fatalf("RunOnce failed at start: %v", err)
	}

	var batchCount int64
	if err := db.Raw(`SELECT COUNT(*) FROM audit_batches`).Scan(&batchCount).Error; err != nil {
		t.Fatalf("count batches: %v", err)
	}
	if batchCount != 2 {
		t.Fatalf("expected 2 batches after first run, got %d", batchCount)
	}

	for _, tc := range []struct {
		orgID snowflake.ID
		total int
	}{
		{orgOne, 3},
		{orgTwo, 2},
	} {
		var row struct {
			Status            auditdomain.BatchStatus
			TotalTransactions int
		}
		if err := db.Raw(
			`SELECT status, total_transactions FROM audit_batches WHERE org_id = ?`,
			tc.orgID,
		).Scan(&row).Error; err != nil {
			t.Fatalf("fetch batch for org %s: %v", tc.orgID, err)
		}
		if row.Status != auditdomain.BatchStatusCompleted {
			t.Errorf("expected org %s batch to be completed, got %s", tc.orgID, row.Status)
		}
		if row.TotalTransactions != tc.total {
			t.Errorf("expected org %s batch total %d, got %d", tc.orgID, tc.total, row.TotalTransactions)
		}
	}

	var approvedCount int64
	if err := db.Raw(
		`SELECT COUNT(*) FROM transactions WHERE ai_audit_status = ?`,
		transactiondomain.AuditStatusApproved,
	).Scan(&approvedCount).Error; err != nil {
		t.Fatalf("count approved: %v", err)
	}
	if approvedCount != 5 {
		t.Errorf("expected 5 approved transactions, got %d", approvedCount)
	}

	var detachedCount int64
	if err := db.Raw(`SELECT COUNT(*) FROM transactions WHERE audit_batch_id IS NULL`).Scan(&detachedCount).Error; err != nil {
		t.Fatalf("count detached: %v", err)
	}
	if detachedCount != 0 {
		t.Errorf("expected no detached transactions after sweep, got %d", detachedCount)
	}

	if len(runner.calls) != 2 {
		t.Errorf("expected 2 RunBatch calls, got %d", len(runner.calls))
	}
	if got := trail.countAction("audit.batch_swept"); got != 2 {
		t.Errorf("expected 2 sweep trail entries, got %d", got)
	}

	sweptLabels := map[string]string{
		"service":  "test",
		"env":      "test",
		"job":      "sweep_queued",
		"resource": "transactions",
	}
	if got := getCounterValue(t, registry, "binsight_engine_batch_processed_total", sweptLabels); got != 5 {
		t.Errorf("expected 5 swept transactions counted, got %v", got)
	}

	// 5. Second run: nothing left to sweep or claim.
	if err := sched.RunOnce(ctx); err != nil {
		t.Fatalf("RunOnce failed on idempotent re-run: %v", err)
	}
	if err := db.Raw(`SELECT COUNT(*) FROM audit_batches`).Scan(&batchCount).Error; err != nil {
		t.Fatalf("recount batches: %v", err)
	}
	if batchCount != 2 {
		t.Fatalf("expected re-run to create no batches, got %d", batchCount)
	}
	if len(runner.calls) != 2 {
		t.Errorf("expected no RunBatch calls on re-run, got %d", len(runner.calls))
	}

	// 6. A run that dies after the claim leaves the batch in_progress with
	// its error recorded.
	runner.failWith = errors.New("synthesis backend unreachable")
	seedOrphan(orgOne, "house-a-late")

	err = sched.RunOnce(ctx)
	if err == nil {
		t.Fatal("expected RunOnce to surface the processing failure")
	}
	if !strings.Contains(err.Error(), "synthesis backend unreachable") {
		t.Fatalf("expected processing failure in error, got %v", err)
	}

	ta := schedulertesting.NewTimeAccelerator(db)
	open, err := ta.GetOpenBatches(ctx, sched.cfg.StaleAfter)
	if err != nil {
		t.Fatalf("list open batches: %v", err)
	}
	if len(open) != 1 {
		t.Fatalf("expected 1 open batch after failed run, got %d", len(open))
	}
	stuck := open[0]
	if stuck.Status != auditdomain.BatchStatusInProgress {
		t.Fatalf("expected stuck batch in_progress, got %s", stuck.Status)
	}
	if stuck.LastError == nil || !strings.Contains(*stuck.LastError, "synthesis backend unreachable") {
		t.Fatalf("expected recorded batch error, got %v", stuck.LastError)
	}

	// 7. Advance past the stale threshold. The resume pass re-claims the
	// stuck batch, but the backend is still down: the run errors again, the
	// batch stays in_progress, and the stale watch reports it. The re-claim
	// keeps the original start time so staleness survives retries.
	fakeClock.Advance(2 * time.Hour)
	err = sched.RunOnce(ctx)
	if err == nil {
		t.Fatal("expected resumed run to surface the processing failure")
	}
	if !strings.Contains(err.Error(), "synthesis backend unreachable") {
		t.Fatalf("expected processing failure in resumed run error, got %v", err)
	}

	staleLabels := map[string]string{
		"service": "test",
		"env":     "test",
	}
	if got := getGaugeValue(t, registry, "binsight_audit_batches_stale", staleLabels); got != 1 {
		t.Errorf("expected stale gauge 1, got %v", got)
	}

	info, err := ta.GetBatchInfo(ctx, stuck.ID, sched.cfg.StaleAfter)
	if err != nil {
		t.Fatalf("fetch stuck batch: %v", err)
	}
	if info.Status != auditdomain.BatchStatusInProgress {
		t.Errorf("expected stale batch left in_progress, got %s", info.Status)
	}
	if info.StartedAt == nil || !info.StartedAt.Equal(startTime) {
		t.Errorf("expected re-claim to keep start time %v, got %v", startTime, info.StartedAt)
	}

	// 8. Backend recovers: the next run resumes the batch, lands the
	// remaining member, and the stale gauge clears.
	runner.failWith = nil
	if err := sched.RunOnce(ctx); err != nil {
		t.Fatalf("RunOnce failed after recovery: %v", err)
	}

	info, err = ta.GetBatchInfo(ctx, stuck.ID, sched.cfg.StaleAfter)
	if err != nil {
		t.Fatalf("refetch stuck batch: %v", err)
	}
	if info.Status != auditdomain.BatchStatusCompleted {
		t.Errorf("expected resumed batch completed, got %s", info.Status)
	}

	var lateStatus transactiondomain.AuditStatus
	if err := db.Raw(
		`SELECT ai_audit_status FROM transactions WHERE external_house_id = ?`,
		"house-a-late",
	).Scan(&lateStatus).Error; err != nil {
		t.Fatalf("fetch resumed member: %v", err)
	}
	if lateStatus != transactiondomain.AuditStatusApproved {
		t.Errorf("expected resumed member approved, got %s", lateStatus)
	}

	if got := getGaugeValue(t, registry, "binsight_audit_batches_stale", staleLabels); got != 0 {
		t.Errorf("expected stale gauge cleared after resume, got %v", got)
	}
}
