package metrics

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/prometheus/client_golang/prometheus"
	auditdomain "github.com/wasteworks/binsight/internal/audit/domain"
	subscriptiondomain "github.com/wasteworks/binsight/internal/subscription/domain"
	"gorm.io/gorm"
)

const (
	engineErrorTypeDeadlineExceeded = "deadline_exceeded"
	engineErrorTypeQuota            = "quota"
	engineErrorTypeModel            = "model"
	engineErrorTypeBusinessRule     = "business_rule"
	engineErrorTypeDB               = "db"
)

const (
	EngineErrorTypeDeadlineExceeded = engineErrorTypeDeadlineExceeded
	EngineErrorTypeQuota            = engineErrorTypeQuota
	EngineErrorTypeModel            = engineErrorTypeModel
	EngineErrorTypeBusinessRule     = engineErrorTypeBusinessRule
	EngineErrorTypeDB               = engineErrorTypeDB
	EngineErrorTypeUnknown          = "unknown"
)

const (
	EngineJobReasonDeadlineExceeded     = "deadline_exceeded"
	EngineJobReasonDBLockTimeout        = "db_lock_timeout"
	EngineJobReasonSerializationFailure = "serialization_failure"
	EngineJobReasonUniqueViolation      = "unique_violation"
	EngineJobReasonQuotaExceeded        = "quota_exceeded"
	EngineJobReasonModelFailure         = "model_failure"
	EngineJobReasonUnknown              = "unknown"

	EngineBatchDeferredReasonSkipLockedEmpty = "skip_locked_empty"
	EngineBatchDeferredReasonClaimLost       = "claim_lost"
	EngineBatchDeferredReasonBatchBusy       = "batch_in_progress"
)

const (
	EngineStageClaim      = "claim_batches"
	EngineStageExtraction = "extraction"
	EngineStageSynthesis  = "synthesis"
	EngineStagePersist    = "persist_results"
	EngineStageFinalize   = "finalize"
	EngineStageStaleSweep = "stale_sweep"
)

const (
	LockResourceBatchesForWork      = "audit_batches_for_work"
	LockResourceBatchByID           = "audit_batch_by_id"
	LockResourceSubscriptionUsage   = "subscription_usage_by_org"
	LockResourceTransactionsByBatch = "transactions_by_batch"
	LockResourceQueuedUnattached    = "transactions_queued_unattached"
)

// EngineMetrics captures audit engine health signals for SLOs.
type EngineMetrics struct {
	jobRuns          *prometheus.CounterVec
	jobDuration      *prometheus.HistogramVec
	jobTimeouts      *prometheus.CounterVec
	jobErrors        *prometheus.CounterVec
	batchProcessed   *prometheus.CounterVec
	batchDeferred    *prometheus.CounterVec
	runLoopLag       prometheus.Observer
	batchTransitions *prometheus.CounterVec
	batchErrors      *prometheus.CounterVec
	dbLockWait       *prometheus.HistogramVec
	staleBatches     prometheus.Gauge
	transitionCounts map[string]map[string]prometheus.Counter
	batchErrorCounts map[string]map[string]prometheus.Counter
	lockWaitObserver map[string]prometheus.Observer
}

var (
	engineMetricsOnce sync.Once
	engineMetrics     *EngineMetrics
)

// Engine returns the singleton audit engine metrics registry.
func Engine() *EngineMetrics {
	return EngineWithConfig(Config{})
}

// EngineWithConfig returns the singleton engine metrics registry using config labels.
func EngineWithConfig(cfg Config) *EngineMetrics {
	engineMetricsOnce.Do(func() {
		engineMetrics = newEngineMetrics(prometheus.DefaultRegisterer, cfg)
	})
	return engineMetrics
}

// ResetEngineMetricsForTest resets the engine metrics singleton for tests.
func ResetEngineMetricsForTest() {
	engineMetricsOnce = sync.Once{}
	engineMetrics = nil
}

func newEngineMetrics(registerer prometheus.Registerer, cfg Config) *EngineMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	serviceName := strings.TrimSpace(cfg.ServiceName)
	if serviceName == "" {
		serviceName = "binsight"
	}
	environment := strings.TrimSpace(cfg.Environment)
	if environment == "" {
		environment = "unknown"
	}
	constLabels := prometheus.Labels{
		"service": serviceName,
		"env":     environment,
	}

	jobRuns := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "binsight_engine_job_runs_total",
		Help:        "Audit engine job runs by name.",
		ConstLabels: constLabels,
	}, []string{"job"})
	jobDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:        "binsight_engine_job_duration_seconds",
		Help:        "Audit engine job latency to protect batch freshness.",
		Buckets:     []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20, 30, 60, 120, 300, 600, 1800},
		ConstLabels: constLabels,
	}, []string{"job"})
	jobTimeouts := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "binsight_engine_job_timeouts_total",
		Help:        "Audit engine job timeouts that threaten batch SLAs.",
		ConstLabels: constLabels,
	}, []string{"job"})
	jobErrors := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "binsight_engine_job_errors_total",
		Help:        "Audit engine job errors by low-cardinality reason.",
		ConstLabels: constLabels,
	}, []string{"job", "reason"})
	batchProcessed := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "binsight_engine_batch_processed_total",
		Help:        "Audit batch items processed to gauge throughput.",
		ConstLabels: constLabels,
	}, []string{"job", "resource"})
	batchDeferred := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "binsight_engine_batch_deferred_total",
		Help:        "Audit batch deferrals by low-cardinality reason.",
		ConstLabels: constLabels,
	}, []string{"job", "reason"})
	runLoopLag := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:        "binsight_engine_runloop_lag_seconds",
		Help:        "Engine run loop lag beyond the configured interval.",
		Buckets:     []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		ConstLabels: constLabels,
	})
	batchTransitions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "binsight_audit_batch_transition_total",
		Help:        "Audit batch lifecycle transitions to validate pipeline health.",
		ConstLabels: constLabels,
	}, []string{"from", "to"})
	batchErrors := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "binsight_audit_batch_error_total",
		Help:        "Audit batch errors by stage for faster incident isolation.",
		ConstLabels: constLabels,
	}, []string{"stage", "error_type"})
	dbLockWait := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:        "binsight_engine_db_lock_wait_seconds",
		Help:        "Engine DB lock wait time for SELECT FOR UPDATE contention.",
		Buckets:     []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		ConstLabels: constLabels,
	}, []string{"resource"})
	staleBatches := prometheus.NewGauge(prometheus.GaugeOpts{
		Name:        "binsight_audit_batches_stale",
		Help:        "Batches in progress past the staleness threshold.",
		ConstLabels: constLabels,
	})

	registerer.MustRegister(
		jobRuns,
		jobDuration,
		jobTimeouts,
		jobErrors,
		batchProcessed,
		batchDeferred,
		runLoopLag,
		batchTransitions,
		batchErrors,
		dbLockWait,
		staleBatches,
	)

	transitionCounts := map[string]map[string]prometheus.Counter{
		string(auditdomain.BatchStatusQueued): {
			string(auditdomain.BatchStatusInProgress): batchTransitions.WithLabelValues(
				string(auditdomain.BatchStatusQueued),
				string(auditdomain.BatchStatusInProgress),
			),
		},
		string(auditdomain.BatchStatusInProgress): {
			string(auditdomain.BatchStatusCompleted): batchTransitions.WithLabelValues(
				string(auditdomain.BatchStatusInProgress),
				string(auditdomain.BatchStatusCompleted),
			),
			string(auditdomain.BatchStatusFailed): batchTransitions.WithLabelValues(
				string(auditdomain.BatchStatusInProgress),
				string(auditdomain.BatchStatusFailed),
			),
		},
	}

	lockWaitObserver := map[string]prometheus.Observer{
		LockResourceBatchesForWork:      dbLockWait.WithLabelValues(LockResourceBatchesForWork),
		LockResourceBatchByID:           dbLockWait.WithLabelValues(LockResourceBatchByID),
		LockResourceSubscriptionUsage:   dbLockWait.WithLabelValues(LockResourceSubscriptionUsage),
		LockResourceTransactionsByBatch: dbLockWait.WithLabelValues(LockResourceTransactionsByBatch),
		LockResourceQueuedUnattached:    dbLockWait.WithLabelValues(LockResourceQueuedUnattached),
	}

	batchErrorCounts := map[string]map[string]prometheus.Counter{}
	errorTypes := []string{
		engineErrorTypeDeadlineExceeded,
		engineErrorTypeQuota,
		engineErrorTypeModel,
		engineErrorTypeBusinessRule,
		engineErrorTypeDB,
	}
	for _, stage := range []string{
		EngineStageClaim,
		EngineStageExtraction,
		EngineStageSynthesis,
		EngineStagePersist,
		EngineStageFinalize,
		EngineStageStaleSweep,
	} {
		stageCounters := map[string]prometheus.Counter{}
		for _, errType := range errorTypes {
			stageCounters[errType] = batchErrors.WithLabelValues(stage, errType)
		}
		batchErrorCounts[stage] = stageCounters
	}

	return &EngineMetrics{
		jobRuns:          jobRuns,
		jobDuration:      jobDuration,
		jobTimeouts:      jobTimeouts,
		jobErrors:        jobErrors,
		batchProcessed:   batchProcessed,
		batchDeferred:    batchDeferred,
		runLoopLag:       runLoopLag,
		batchTransitions: batchTransitions,
		batchErrors:      batchErrors,
		dbLockWait:       dbLockWait,
		staleBatches:     staleBatches,
		transitionCounts: transitionCounts,
		batchErrorCounts: batchErrorCounts,
		lockWaitObserver: lockWaitObserver,
	}
}

// IncJobRun increments the run counter for an engine job.
func (m *EngineMetrics) IncJobRun(job string) {
	if m == nil || m.jobRuns == nil {
		return
	}
	m.jobRuns.WithLabelValues(job).Inc()
}

// ObserveJobDuration records engine job latency in seconds.
func (m *EngineMetrics) ObserveJobDuration(job string, duration time.Duration) {
	if m == nil || m.jobDuration == nil {
		return
	}
	m.jobDuration.WithLabelValues(job).Observe(duration.Seconds())
}

// IncJobTimeout increments the timeout counter for the engine job.
func (m *EngineMetrics) IncJobTimeout(job string) {
	if m == nil || m.jobTimeouts == nil {
		return
	}
	m.jobTimeouts.WithLabelValues(job).Inc()
}

// IncJobError increments the engine job error counter with classification.
func (m *EngineMetrics) IncJobError(job string, err error) {
	if m == nil || err == nil || m.jobErrors == nil {
		return
	}
	m.jobErrors.WithLabelValues(job, ClassifyEngineJobReason(err)).Inc()
}

// AddBatchProcessed increments the batch processed counter for a resource by count.
func (m *EngineMetrics) AddBatchProcessed(job, resource string, count int) {
	if m == nil || count <= 0 || m.batchProcessed == nil {
		return
	}
	m.batchProcessed.WithLabelValues(job, resource).Add(float64(count))
}

// IncBatchDeferred increments the batch deferred counter for a job and reason.
func (m *EngineMetrics) IncBatchDeferred(job, reason string) {
	if m == nil || m.batchDeferred == nil {
		return
	}
	m.batchDeferred.WithLabelValues(job, reason).Inc()
}

// ObserveRunLoopLag records lag between the scheduled tick and actual run start.
func (m *EngineMetrics) ObserveRunLoopLag(duration time.Duration) {
	if m == nil || m.runLoopLag == nil {
		return
	}
	lag := duration
	if lag < 0 {
		lag = 0
	}
	m.runLoopLag.Observe(lag.Seconds())
}

// IncBatchTransition increments audit batch transition counters.
func (m *EngineMetrics) IncBatchTransition(from, to string) {
	if m == nil {
		return
	}
	if toCounters, ok := m.transitionCounts[from]; ok {
		if counter, ok := toCounters[to]; ok {
			counter.Inc()
			return
		}
	}
	m.batchTransitions.WithLabelValues(from, to).Inc()
}

// IncBatchError increments audit batch errors by stage and type.
func (m *EngineMetrics) IncBatchError(stage string, err error) {
	if m == nil || err == nil {
		return
	}
	errorType := classifyEngineError(err)
	if stageCounters, ok := m.batchErrorCounts[stage]; ok {
		if counter, ok := stageCounters[errorType]; ok {
			counter.Inc()
			return
		}
	}
	m.batchErrors.WithLabelValues(stage, errorType).Inc()
}

// ObserveDBLockWait records lock wait time for SELECT FOR UPDATE work.
func (m *EngineMetrics) ObserveDBLockWait(resource string, duration time.Duration) {
	if m == nil {
		return
	}
	if observer, ok := m.lockWaitObserver[resource]; ok {
		observer.Observe(duration.Seconds())
		return
	}
	m.dbLockWait.WithLabelValues(resource).Observe(duration.Seconds())
}

// SetStaleBatches records how many in-progress batches exceeded the staleness threshold.
func (m *EngineMetrics) SetStaleBatches(count int) {
	if m == nil || m.staleBatches == nil {
		return
	}
	if count < 0 {
		count = 0
	}
	m.staleBatches.Set(float64(count))
}

func classifyEngineError(err error) string {
	if err == nil {
		return engineErrorTypeBusinessRule
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return engineErrorTypeDeadlineExceeded
	}
	if errors.Is(err, subscriptiondomain.ErrQuotaExceeded) {
		return engineErrorTypeQuota
	}
	if errors.Is(err, auditdomain.ErrModelFailure) {
		return engineErrorTypeModel
	}
	if isDBError(err) {
		return engineErrorTypeDB
	}
	return engineErrorTypeBusinessRule
}

// ClassifyEngineErrorType returns a low-cardinality error type for logging.
func ClassifyEngineErrorType(err error) string {
	if err == nil {
		return EngineErrorTypeUnknown
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return EngineErrorTypeDeadlineExceeded
	}
	if errors.Is(err, subscriptiondomain.ErrQuotaExceeded) {
		return EngineErrorTypeQuota
	}
	if errors.Is(err, auditdomain.ErrModelFailure) {
		return EngineErrorTypeModel
	}
	if isDBError(err) {
		return EngineErrorTypeDB
	}
	return EngineErrorTypeBusinessRule
}

// IsEngineErrorRetryable reports whether the engine error should be retried.
func IsEngineErrorRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return true
	}
	if errors.Is(err, auditdomain.ErrModelFailure) {
		return true
	}
	return isDBError(err)
}

// ClassifyEngineJobReason maps engine job errors to low-cardinality reasons.
func ClassifyEngineJobReason(err error) string {
	if err == nil {
		return EngineJobReasonUnknown
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return EngineJobReasonDeadlineExceeded
	}
	if errors.Is(err, subscriptiondomain.ErrQuotaExceeded) {
		return EngineJobReasonQuotaExceeded
	}
	if errors.Is(err, auditdomain.ErrModelFailure) {
		return EngineJobReasonModelFailure
	}
	if isDBLockTimeout(err) {
		return EngineJobReasonDBLockTimeout
	}
	if isSerializationFailure(err) {
		return EngineJobReasonSerializationFailure
	}
	if isUniqueViolation(err) {
		return EngineJobReasonUniqueViolation
	}
	return EngineJobReasonUnknown
}

func isDBLockTimeout(err error) bool {
	return hasPGCode(err, "55P03")
}

func isSerializationFailure(err error) bool {
	return hasPGCode(err, "40001")
}

func isUniqueViolation(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	return hasPGCode(err, "23505")
}

func hasPGCode(err error, code string) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == code
	}
	return false
}

func isDBError(err error) bool {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false
	}
	if errors.Is(err, gorm.ErrInvalidDB) ||
		errors.Is(err, gorm.ErrInvalidTransaction) ||
		errors.Is(err, gorm.ErrInvalidField) ||
		errors.Is(err, gorm.ErrInvalidData) ||
		errors.Is(err, gorm.ErrMissingWhereClause) ||
		errors.Is(err, gorm.ErrUnsupportedDriver) ||
		errors.Is(err, gorm.ErrRegistered) ||
		errors.Is(err, gorm.ErrInvalidValue) ||
		errors.Is(err, gorm.ErrNotImplemented) ||
		errors.Is(err, gorm.ErrDryRunModeUnsupported) ||
		errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr)
}
