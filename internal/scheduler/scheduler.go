package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/wasteworks/binsight/internal/actorcontext"
	activitydomain "github.com/wasteworks/binsight/internal/activity/domain"
	auditdomain "github.com/wasteworks/binsight/internal/audit/domain"
	"github.com/wasteworks/binsight/internal/clock"
	obsmetrics "github.com/wasteworks/binsight/internal/observability/metrics"
	"github.com/wasteworks/binsight/internal/scheduler/guard"
	transactiondomain "github.com/wasteworks/binsight/internal/transaction/domain"
)

var ErrInvalidConfig = errors.New("scheduler_invalid_config")

type Params struct {
	fx.In

	DB           *gorm.DB
	Log          *zap.Logger
	AuditSvc     auditdomain.Service
	Batches      auditdomain.Repository
	Transactions transactiondomain.Repository
	Activities   activitydomain.Service `optional:"true"`
	GenID        *snowflake.Node
	Clock        clock.Clock
	Config       Config `optional:"true"`
}

// Scheduler drives the audit engine: it sweeps detached queued transactions
// back into batches, claims queued batches for processing, and watches for
// stale runs.
type Scheduler struct {
	db           *gorm.DB
	log          *zap.Logger
	cfg          Config
	genID        *snowflake.Node
	clock        clock.Clock
	auditSvc     auditdomain.Service
	batches      auditdomain.Repository
	transactions transactiondomain.Repository
	activities   activitydomain.Service
}

type trailEvent struct {
	OrgID      snowflake.ID
	Action     string
	TargetType string
	TargetID   string
	Metadata   map[string]any
}

func New(p Params) (*Scheduler, error) {
	if p.DB == nil || p.Log == nil || p.AuditSvc == nil || p.Batches == nil || p.Transactions == nil || p.GenID == nil || p.Clock == nil {
		return nil, ErrInvalidConfig
	}
	cfg := p.Config.withDefaults()
	return &Scheduler{
		db:           p.DB,
		log:          p.Log.Named("scheduler").With(zap.String("component", "scheduler")),
		cfg:          cfg,
		genID:        p.GenID,
		clock:        p.Clock,
		auditSvc:     p.AuditSvc,
		batches:      p.Batches,
		transactions: p.Transactions,
		activities:   p.Activities,
	}, nil
}

func (s *Scheduler) runJob(
	parent context.Context,
	name string,
	batchSize int,
	timeout time.Duration,
	fn func(ctx context.Context) error,
) error {
	start := s.clock.Now()
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	ctx = actorcontext.WithActor(ctx, "system", "scheduler")
	ctx, run, owner := s.ensureJobRun(ctx, name, batchSize)
	if owner {
		s.logJobStart(ctx, run)
	}
	log := s.logger(ctx).With(
		zap.String("job", name),
		zap.String("run_id", run.runID),
	)
	engine := obsmetrics.Engine()
	engine.IncJobRun(name)

	err := fn(ctx)
	engine.ObserveJobDuration(name, time.Since(start))
	if owner {
		if err != nil && run != nil && run.errorCount == 0 {
			run.IncError()
		}
		s.logJobFinish(ctx, run)
	}
	if err == nil {
		return nil
	}

	// A deadline is a soft timeout: the remaining work stays claimable for
	// the next tick.
	isTimeout := errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)
	if isTimeout {
		engine.IncJobTimeout(name)
	}
	engine.IncJobError(name, err)
	if isTimeout {
		log.Warn("job timed out",
			zap.Duration("timeout", timeout),
			zap.Error(err),
		)
		return nil
	}

	return fmt.Errorf("%s: %w", name, err)
}

func (s *Scheduler) RunOnce(parent context.Context) error {
	var err error

	jobs := []struct {
		Name    string
		Enabled bool
		Run     func(context.Context) error
	}{
		{"sweep_queued", s.isJobEnabled("sweep_queued"), func(ctx context.Context) error {
			return s.runJob(ctx, "sweep_queued", s.cfg.SweepBatchSize, 30*time.Second, s.SweepQueuedJob)
		}},
		{"process_batches", s.isJobEnabled("process_batches"), func(ctx context.Context) error {
			return s.runJob(ctx, "process_batches", s.cfg.MaxClaimBatchSize, s.cfg.ProcessTimeout, s.ProcessBatchesJob)
		}},
		{"stale_watch", s.isJobEnabled("stale_watch"), func(ctx context.Context) error {
			return s.runJob(ctx, "stale_watch", s.cfg.SweepBatchSize, 30*time.Second, s.StaleWatchJob)
		}},
	}

	for _, job := range jobs {
		if job.Enabled {
			err = errors.Join(err, job.Run(parent))
		}
	}

	return err
}

func (s *Scheduler) RunForever(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.RunInterval)
	defer ticker.Stop()
	nextRun := s.clock.Now().Add(s.cfg.RunInterval)
	engine := obsmetrics.Engine()

	for {
		runLag := time.Since(nextRun)
		if runLag > 0 {
			engine.ObserveRunLoopLag(runLag)
		}
		if err := s.RunOnce(ctx); err != nil {
			s.log.Warn("engine run failed", zap.Error(err))
		}
		nextRun = nextRun.Add(s.cfg.RunInterval)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Scheduler) isJobEnabled(jobName string) bool {
	// If EnabledJobs is empty, all jobs are enabled by default (monolith mode)
	if len(s.cfg.EnabledJobs) == 0 {
		return true
	}
	for _, enabled := range s.cfg.EnabledJobs {
		if strings.EqualFold(enabled, jobName) {
			return true
		}
	}
	return false
}

// SweepQueuedJob re-batches queued transactions that lost their batch
// attachment. Members detach when their attempt fails during a run; the
// sweep puts them back into an open queued batch, or opens a fresh one,
// without touching quota (usage was reserved once at admission).
func (s *Scheduler) SweepQueuedJob(ctx context.Context) error {
	ctx, run, owner := s.ensureJobRun(ctx, "sweep_queued", s.cfg.SweepBatchSize)
	if owner {
		s.logJobStart(ctx, run)
		defer s.logJobFinish(ctx, run)
	}
	now := s.clock.Now()
	var jobErr error

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		attached, batchErr := s.sweepQueuedBatch(ctx, now, run)
		if batchErr != nil {
			jobErr = errors.Join(jobErr, batchErr)
		}
		run.AddProcessed(attached)
		if attached == 0 {
			break
		}
	}

	return jobErr
}

func (s *Scheduler) sweepQueuedBatch(ctx context.Context, now time.Time, run *jobRun) (int, error) {
	var batchErr error
	events := make([]trailEvent, 0)
	engine := obsmetrics.Engine()
	jobName := "sweep_queued"

	// Claim the orphans in a short transaction; the attach work happens in
	// small per-org transactions afterwards.
	var orphans []transactiondomain.Transaction
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		var err error
		orphans, err = s.fetchQueuedUnattached(ctx, tx, s.cfg.SweepBatchSize)
		return err
	})
	if err != nil {
		engine.IncBatchDeferred(jobName, classifyDeferredReason(err))
		s.logSchedulerError(ctx, run, "engine.sweep.failed", jobName, 0, err)
		return 0, err
	}
	if len(orphans) == 0 {
		engine.IncBatchDeferred(jobName, obsmetrics.EngineBatchDeferredReasonSkipLockedEmpty)
		return 0, nil
	}

	orgOrder := make([]snowflake.ID, 0)
	byOrg := make(map[snowflake.ID][]snowflake.ID)
	for _, orphan := range orphans {
		if _, seen := byOrg[orphan.OrgID]; !seen {
			orgOrder = append(orgOrder, orphan.OrgID)
		}
		byOrg[orphan.OrgID] = append(byOrg[orphan.OrgID], orphan.ID)
	}

	attachedTotal := 0

	for _, orgID := range orgOrder {
		if ctx.Err() != nil {
			batchErr = errors.Join(batchErr, ctx.Err())
			engine.IncBatchDeferred(jobName, classifyDeferredReason(ctx.Err()))
			break
		}

		ids := byOrg[orgID]
		orgEvents := make([]trailEvent, 0, 1)
		attached := 0
		txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			var err error
			attached, err = s.sweepOrgTransactions(ctx, tx, orgID, ids, now, &orgEvents)
			return err
		})
		if txErr != nil {
			batchErr = errors.Join(batchErr, txErr)
			engine.IncBatchDeferred(jobName, classifyDeferredReason(txErr))
			s.logSchedulerError(ctx, run, "engine.sweep.failed", jobName, orgID, txErr)
			continue
		}
		if attached == 0 {
			continue
		}

		attachedTotal += attached
		events = append(events, orgEvents...)
	}

	// Record trail entries outside the transactions.
	for _, ev := range events {
		if ctx.Err() != nil {
			batchErr = errors.Join(batchErr, ctx.Err())
			break
		}
		s.emitTrail(ctx, ev)
	}

	if attachedTotal > 0 {
		engine.AddBatchProcessed(jobName, "transactions", attachedTotal)
	}
	return attachedTotal, batchErr
}

func (s *Scheduler) sweepOrgTransactions(ctx context.Context, tx *gorm.DB, orgID snowflake.ID, ids []snowflake.ID, now time.Time, events *[]trailEvent) (int, error) {
	open, err := s.batches.FindOpenBatchByOrg(ctx, tx, orgID)
	if err != nil {
		return 0, err
	}

	if open != nil {
		if err := guard.EnsureBatchAcceptsMembers(open.Status); err != nil {
			// Batch is already claimed by a worker; the orphans wait for the
			// next sweep.
			obsmetrics.Engine().IncBatchDeferred("sweep_queued", obsmetrics.EngineBatchDeferredReasonBatchBusy)
			return 0, nil
		}
		attached, err := s.transactions.AttachToBatch(ctx, tx, ids, open.ID)
		if err != nil {
			return 0, err
		}
		if attached == 0 {
			return 0, nil
		}
		if err := s.bumpBatchTotal(ctx, tx, open.ID, int(attached), now); err != nil {
			return 0, err
		}
		*events = append(*events, trailEvent{
			OrgID:      orgID,
			Action:     "audit.batch_swept",
			TargetType: "audit_batch",
			TargetID:   open.ID.String(),
			Metadata: map[string]any{
				"attached": attached,
			},
		})
		return int(attached), nil
	}

	batchID := s.genID.Generate()
	attached, err := s.transactions.AttachToBatch(ctx, tx, ids, batchID)
	if err != nil {
		return 0, err
	}
	if attached == 0 {
		return 0, nil
	}
	batch := &auditdomain.AuditBatch{
		ID:                batchID,
		OrgID:             orgID,
		Status:            auditdomain.BatchStatusQueued,
		TotalTransactions: int(attached),
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if err := s.batches.InsertBatch(ctx, tx, batch); err != nil {
		return 0, err
	}
	*events = append(*events, trailEvent{
		OrgID:      orgID,
		Action:     "audit.batch_swept",
		TargetType: "audit_batch",
		TargetID:   batchID.String(),
		Metadata: map[string]any{
			"attached": attached,
		},
	})
	return int(attached), nil
}

// ProcessBatchesJob claims queued batches and runs them through the audit
// service, then resumes in_progress batches whose run went quiet past the
// process timeout. The claim queries are advisory; the guarded status
// transition inside RunBatch decides the race when several workers fetch
// the same batch.
func (s *Scheduler) ProcessBatchesJob(ctx context.Context) error {
	ctx, run, owner := s.ensureJobRun(ctx, "process_batches", s.cfg.MaxClaimBatchSize)
	if owner {
		s.logJobStart(ctx, run)
		defer s.logJobFinish(ctx, run)
	}
	var jobErr error
	engine := obsmetrics.Engine()

	for {
		if ctx.Err() != nil {
			return errors.Join(jobErr, ctx.Err())
		}

		batches, err := s.fetchBatchesForWork(ctx, auditdomain.BatchStatusQueued, s.cfg.MaxClaimBatchSize)
		if err != nil {
			s.logSchedulerError(ctx, run, "engine.batch.claim.failed", "process_batches", 0, err)
			return errors.Join(jobErr, err)
		}
		if len(batches) == 0 {
			break
		}

		processed := 0
		for _, work := range batches {
			if ctx.Err() != nil {
				jobErr = errors.Join(jobErr, ctx.Err())
				break
			}
			if err := guard.EnsureBatchClaimable(work.Status); err != nil {
				engine.IncBatchDeferred("process_batches", obsmetrics.EngineBatchDeferredReasonClaimLost)
				continue
			}
			ran, err := s.runClaimedBatch(ctx, run, work)
			if err != nil {
				jobErr = errors.Join(jobErr, err)
			}
			if ran {
				processed++
			}
		}

		// No forward progress means every remaining claim errored or was
		// lost; stop instead of spinning until the job deadline.
		if processed == 0 {
			break
		}
	}

	// Resume pass: a worker crash mid-run, or a finalize failure, leaves a
	// batch in_progress with its members already attached. Re-claiming it
	// through the same RunBatch path is safe; members with a terminal
	// outcome are replayed, the rest run for the first time.
	resumeCutoff := s.clock.Now().Add(-s.cfg.ProcessTimeout)
	for {
		if ctx.Err() != nil {
			return errors.Join(jobErr, ctx.Err())
		}

		batches, err := s.fetchBatchesToResume(ctx, resumeCutoff, s.cfg.MaxClaimBatchSize)
		if err != nil {
			s.logSchedulerError(ctx, run, "engine.batch.resume.failed", "process_batches", 0, err)
			return errors.Join(jobErr, err)
		}
		if len(batches) == 0 {
			break
		}

		processed := 0
		for _, work := range batches {
			if ctx.Err() != nil {
				jobErr = errors.Join(jobErr, ctx.Err())
				break
			}
			if err := guard.EnsureBatchResumable(work.Status, work.StartedAt, resumeCutoff); err != nil {
				engine.IncBatchDeferred("process_batches", obsmetrics.EngineBatchDeferredReasonClaimLost)
				continue
			}
			ran, err := s.runClaimedBatch(ctx, run, work)
			if err != nil {
				jobErr = errors.Join(jobErr, err)
			}
			if ran {
				processed++
			}
		}

		if processed == 0 {
			break
		}
	}

	return jobErr
}

// runClaimedBatch hands one claimed batch to the audit service and reports
// whether it actually ran. A lost claim is deferred quietly; any other
// failure lands on the batch row for operators and folds into the job error.
func (s *Scheduler) runClaimedBatch(ctx context.Context, run *jobRun, work WorkBatch) (bool, error) {
	s.logBatchClaimed(ctx, "process_batches", work)
	batchCtx := s.withLogContext(ctx, work.OrgID)
	report, err := s.auditSvc.RunBatch(batchCtx, work.toBatch())
	if err != nil {
		if errors.Is(err, auditdomain.ErrBatchConflict) {
			// Another worker won the claim.
			obsmetrics.Engine().IncBatchDeferred("process_batches", obsmetrics.EngineBatchDeferredReasonClaimLost)
			return false, nil
		}
		s.logSchedulerError(ctx, run, "engine.batch.process.failed", "process_batches", work.OrgID, err,
			zap.String("batch_id", idString(work.ID)),
		)
		_ = s.recordBatchErrorWithMetrics(ctx, work.ID, obsmetrics.EngineStageClaim, err)
		return false, err
	}
	run.AddProcessed(1)
	s.logBatchFinished(ctx, work, report)
	return true, nil
}

func (s *Scheduler) emitTrail(ctx context.Context, event trailEvent) {
	if s.activities == nil {
		return
	}
	ctx = actorcontext.WithActor(ctx, "system", "scheduler")
	orgID := event.OrgID
	targetID := event.TargetID
	_ = s.activities.Record(ctx, &orgID, "system", nil, event.Action, event.TargetType, &targetID, event.Metadata)
}

func classifyDeferredReason(err error) string {
	if err == nil {
		return obsmetrics.EngineJobReasonUnknown
	}
	return obsmetrics.ClassifyEngineJobReason(err)
}
