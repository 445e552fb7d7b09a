package metrics

import (
	"context"
	"errors"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	auditdomain "github.com/wasteworks/binsight/internal/audit/domain"
	subscriptiondomain "github.com/wasteworks/binsight/internal/subscription/domain"
	"gorm.io/gorm"
)

func TestClassifyEngineJobReason(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want string
	}{
		{
			name: "deadline",
			err:  context.DeadlineExceeded,
			want: EngineJobReasonDeadlineExceeded,
		},
		{
			name: "quota_exceeded",
			err:  subscriptiondomain.ErrQuotaExceeded,
			want: EngineJobReasonQuotaExceeded,
		},
		{
			name: "model_failure",
			err:  auditdomain.ErrModelFailure,
			want: EngineJobReasonModelFailure,
		},
		{
			name: "db_lock_timeout",
			err:  &pgconn.PgError{Code: "55P03"},
			want: EngineJobReasonDBLockTimeout,
		},
		{
			name: "serialization_failure",
			err:  &pgconn.PgError{Code: "40001"},
			want: EngineJobReasonSerializationFailure,
		},
		{
			name: "unique_violation",
			err:  gorm.ErrDuplicatedKey,
			want: EngineJobReasonUniqueViolation,
		},
		{
			name: "unknown",
			err:  errors.New("boom"),
			want: EngineJobReasonUnknown,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := ClassifyEngineJobReason(tc.err); got != tc.want {
				t.Fatalf("expected reason %q, got %q", tc.want, got)
			}
		})
	}
}

func TestAddBatchProcessed(t *testing.T) {
	registry := prometheus.NewRegistry()
	metrics := newEngineMetrics(registry, Config{
		ServiceName: "binsight",
		Environment: "test",
	})

	metrics.AddBatchProcessed("process_audit_batches", "transactions", 3)

	got := testutil.ToFloat64(metrics.batchProcessed.WithLabelValues("process_audit_batches", "transactions"))
	if got != 3 {
		t.Fatalf("expected processed count 3, got %v", got)
	}
}

func TestIncBatchTransitionUsesPrebuiltCounters(t *testing.T) {
	registry := prometheus.NewRegistry()
	metrics := newEngineMetrics(registry, Config{
		ServiceName: "binsight",
		Environment: "test",
	})

	metrics.IncBatchTransition(string(auditdomain.BatchStatusQueued), string(auditdomain.BatchStatusInProgress))
	metrics.IncBatchTransition(string(auditdomain.BatchStatusInProgress), string(auditdomain.BatchStatusCompleted))

	got := testutil.ToFloat64(metrics.batchTransitions.WithLabelValues(
		string(auditdomain.BatchStatusQueued),
		string(auditdomain.BatchStatusInProgress),
	))
	if got != 1 {
		t.Fatalf("expected queued->in_progress transition count 1, got %v", got)
	}
}

func TestSetStaleBatchesClampsNegative(t *testing.T) {
	registry := prometheus.NewRegistry()
	metrics := newEngineMetrics(registry, Config{
		ServiceName: "binsight",
		Environment: "test",
	})

	metrics.SetStaleBatches(4)
	if got := testutil.ToFloat64(metrics.staleBatches); got != 4 {
		t.Fatalf("expected stale gauge 4, got %v", got)
	}

	metrics.SetStaleBatches(-1)
	if got := testutil.ToFloat64(metrics.staleBatches); got != 0 {
		t.Fatalf("expected stale gauge clamped to 0, got %v", got)
	}
}
