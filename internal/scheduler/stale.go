package scheduler

import (
	"context"

	"go.uber.org/zap"

	obsmetrics "github.com/wasteworks/binsight/internal/observability/metrics"
	"github.com/wasteworks/binsight/internal/scheduler/guard"
)

// StaleWatchJob surfaces batches stuck in_progress past the staleness
// threshold. It only observes: gauge, log, and the stale flag computed by
// status reads. Recovery stays a human decision; a run that is merely slow
// finishes on its own and the guarded transitions keep a replay harmless.
func (s *Scheduler) StaleWatchJob(ctx context.Context) error {
	ctx, run, owner := s.ensureJobRun(ctx, "stale_watch", s.cfg.SweepBatchSize)
	if owner {
		s.logJobStart(ctx, run)
		defer s.logJobFinish(ctx, run)
	}
	now := s.clock.Now()
	cutoff := now.Add(-s.cfg.StaleAfter)
	engine := obsmetrics.Engine()

	count, err := s.batches.CountStaleBatches(ctx, s.db, 0, cutoff)
	if err != nil {
		s.logSchedulerError(ctx, run, "engine.stale.count.failed", "stale_watch", 0, err)
		return err
	}
	engine.SetStaleBatches(int(count))
	if count == 0 {
		return nil
	}

	stale, err := s.fetchStaleBatches(ctx, cutoff, s.cfg.SweepBatchSize)
	if err != nil {
		s.logSchedulerError(ctx, run, "engine.stale.list.failed", "stale_watch", 0, err)
		return err
	}

	for _, batch := range stale {
		if guard.EnsureBatchStale(batch.Status, batch.StartedAt, cutoff) != nil {
			continue
		}
		s.logger(s.withLogContext(ctx, batch.OrgID)).Warn("audit batch stale",
			zap.String("batch_id", idString(batch.ID)),
			zap.String("org_id", idString(batch.OrgID)),
			zap.Timep("started_at", batch.StartedAt),
			zap.Duration("age", now.Sub(*batch.StartedAt)),
			zap.Duration("threshold", s.cfg.StaleAfter),
		)
	}

	if int64(len(stale)) < count {
		s.logger(ctx).Warn("more stale batches than listed",
			zap.Int64("stale_total", count),
			zap.Int("listed", len(stale)),
		)
	}
	return nil
}
