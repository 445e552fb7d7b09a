package scheduler

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/zap"

	"github.com/wasteworks/binsight/internal/actorcontext"
	auditdomain "github.com/wasteworks/binsight/internal/audit/domain"
	obslogger "github.com/wasteworks/binsight/internal/observability/logger"
	obsmetrics "github.com/wasteworks/binsight/internal/observability/metrics"
	"github.com/wasteworks/binsight/internal/orgcontext"
	"github.com/wasteworks/binsight/pkg/telemetry/correlation"
)

type jobRun struct {
	job            string
	runID          string
	batchSize      int
	startedAt      time.Time
	processedCount int
	errorCount     int
}

type jobRunKey struct{}

func (r *jobRun) AddProcessed(count int) {
	if r == nil || count <= 0 {
		return
	}
	r.processedCount += count
}

func (r *jobRun) IncError() {
	if r == nil {
		return
	}
	r.errorCount++
}

func (s *Scheduler) ensureJobRun(ctx context.Context, job string, batchSize int) (context.Context, *jobRun, bool) {
	if ctx == nil {
		ctx = context.Background()
	}
	if existing := jobRunFromContext(ctx); existing != nil {
		return ctx, existing, false
	}
	ctx, runID := correlation.EnsureCorrelationID(ctx)
	run := &jobRun{
		job:       job,
		runID:     runID,
		batchSize: batchSize,
		startedAt: time.Now(),
	}
	ctx = context.WithValue(ctx, jobRunKey{}, run)
	ctx = s.withLogContext(ctx, 0)
	return ctx, run, true
}

func jobRunFromContext(ctx context.Context) *jobRun {
	if ctx == nil {
		return nil
	}
	if run, ok := ctx.Value(jobRunKey{}).(*jobRun); ok {
		return run
	}
	return nil
}

func (s *Scheduler) withLogContext(ctx context.Context, orgID snowflake.ID) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx = actorcontext.WithActor(ctx, "system", "scheduler")
	if orgID != 0 {
		ctx = orgcontext.WithOrgID(ctx, int64(orgID))
	}
	return ctx
}

func (s *Scheduler) logger(ctx context.Context) *zap.Logger {
	return obslogger.WithContext(ctx, s.log)
}

func (s *Scheduler) logJobStart(ctx context.Context, run *jobRun) {
	if run == nil {
		return
	}
	s.logger(ctx).Info("scheduler.job.start",
		zap.String("job", run.job),
		zap.String("run_id", run.runID),
		zap.Int("batch_size", run.batchSize),
	)
}

func (s *Scheduler) logJobFinish(ctx context.Context, run *jobRun) {
	if run == nil {
		return
	}
	fields := []zap.Field{
		zap.String("job", run.job),
		zap.String("run_id", run.runID),
		zap.Int64("duration_ms", time.Since(run.startedAt).Milliseconds()),
		zap.Int("processed_count", run.processedCount),
		zap.Int("error_count", run.errorCount),
	}
	log := s.logger(ctx)
	if run.errorCount > 0 {
		log.Warn("scheduler.job.finish", fields...)
		return
	}
	log.Info("scheduler.job.finish", fields...)
}

func (s *Scheduler) logSchedulerError(ctx context.Context, run *jobRun, msg string, job string, orgID snowflake.ID, err error, fields ...zap.Field) {
	if err == nil {
		return
	}
	if run != nil {
		run.IncError()
	}
	ctx = s.withLogContext(ctx, orgID)
	errorType := obsmetrics.ClassifyEngineErrorType(err)
	retryable := obsmetrics.IsEngineErrorRetryable(err)
	baseFields := []zap.Field{
		zap.String("job", job),
		zap.String("org_id", idString(orgID)),
		zap.String("error_type", errorType),
		zap.String("error", err.Error()),
		zap.Bool("retryable", retryable),
	}
	s.logger(ctx).Error(msg, append(baseFields, fields...)...)
}

func (s *Scheduler) logBatchClaimed(ctx context.Context, job string, batch WorkBatch) {
	ctx = s.withLogContext(ctx, batch.OrgID)
	s.logger(ctx).Debug("scheduler.batch.claimed",
		zap.String("job", job),
		zap.String("batch_id", idString(batch.ID)),
		zap.String("org_id", idString(batch.OrgID)),
		zap.String("status", string(batch.Status)),
		zap.Int("total_transactions", batch.TotalTransactions),
	)
}

func (s *Scheduler) logBatchFinished(ctx context.Context, batch WorkBatch, report *auditdomain.RunReport) {
	ctx = s.withLogContext(ctx, batch.OrgID)
	fields := []zap.Field{
		zap.String("batch_id", idString(batch.ID)),
		zap.String("org_id", idString(batch.OrgID)),
	}
	if report != nil {
		fields = append(fields,
			zap.String("status", string(report.Status)),
			zap.Int("processed", report.Processed),
			zap.Int("errors", report.Errors),
			zap.Int64("token_usage_total", report.TokenUsage.Total),
		)
	}
	s.logger(ctx).Info("scheduler.batch.finished", fields...)
}

func idString(id snowflake.ID) string {
	if id == 0 {
		return ""
	}
	return id.String()
}
