package service

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"

	activitydomain "github.com/wasteworks/binsight/internal/activity/domain"
	auditdomain "github.com/wasteworks/binsight/internal/audit/domain"
	"github.com/wasteworks/binsight/internal/audit/codec"
	"github.com/wasteworks/binsight/internal/audit/extraction"
	"github.com/wasteworks/binsight/internal/audit/synthesis"
	"github.com/wasteworks/binsight/internal/clock"
	"github.com/wasteworks/binsight/internal/cloudmetrics"
	"github.com/wasteworks/binsight/internal/config"
	"github.com/wasteworks/binsight/internal/observability/logger"
	obsmetrics "github.com/wasteworks/binsight/internal/observability/metrics"
	"github.com/wasteworks/binsight/internal/orgcontext"
	"github.com/wasteworks/binsight/internal/ratelimit"
	subscriptiondomain "github.com/wasteworks/binsight/internal/subscription/domain"
	transactiondomain "github.com/wasteworks/binsight/internal/transaction/domain"
)

// resultStatusError marks a member whose attempt failed; it is recorded in
// the batch results map but never written to the transaction itself.
const resultStatusError = "error"

const recentBatchLimit = 10

type Params struct {
	fx.In

	DB            *gorm.DB
	Log           *zap.Logger
	Config        config.Config
	Clock         clock.Clock
	GenID         *snowflake.Node
	Repo          auditdomain.Repository
	Transactions  transactiondomain.Repository
	Subscriptions subscriptiondomain.Service
	Extractor     *extraction.Engine
	Synthesizer   *synthesis.Synthesizer
	Activities    activitydomain.Service
	Metrics       *obsmetrics.Metrics     `optional:"true"`
	EnqueueGuard  *ratelimit.EnqueueGuard `optional:"true"`
}

type Service struct {
	db            *gorm.DB
	log           *zap.Logger
	clock         clock.Clock
	genID         *snowflake.Node
	repo          auditdomain.Repository
	transactions  transactiondomain.Repository
	subscriptions subscriptiondomain.Service
	extractor     *extraction.Engine
	synthesizer   *synthesis.Synthesizer
	activities    activitydomain.Service
	metrics       *obsmetrics.Metrics
	engine        *obsmetrics.EngineMetrics
	enqueueGuard  *ratelimit.EnqueueGuard
	workers       int
	staleAfter    time.Duration
}

func New(p Params) auditdomain.Service {
	workers := p.Config.Audit.WorkerPoolSize
	if workers < 1 {
		workers = 1
	}
	return &Service{
		db:            p.DB,
		log:           p.Log.Named("audit.service"),
		clock:         p.Clock,
		genID:         p.GenID,
		repo:          p.Repo,
		transactions:  p.Transactions,
		subscriptions: p.Subscriptions,
		extractor:     p.Extractor,
		synthesizer:   p.Synthesizer,
		activities:    p.Activities,
		metrics:       p.Metrics,
		engine:        obsmetrics.Engine(),
		enqueueGuard:  p.EnqueueGuard,
		workers:       workers,
		staleAfter:    p.Config.Audit.StaleAfter,
	}
}

// Enqueue admits eligible transactions into a new queued batch. Quota is
// reserved for the whole admission before any row is touched, so a
// rejection leaves nothing behind. Only one open batch per organization is
// allowed at a time.
func (s *Service) Enqueue(ctx context.Context, req auditdomain.EnqueueRequest) (*auditdomain.EnqueueResult, error) {
	orgID, ok := orgcontext.OrgIDFromContext(ctx)
	if !ok || orgID == 0 {
		return nil, auditdomain.ErrInvalidOrganization
	}
	log := logger.FromContext(ctx).With(zap.String("org_id", orgID.String()))

	if s.enqueueGuard.Enabled() {
		token, acquired, err := s.enqueueGuard.TryLock(ctx, orgID.String())
		if err != nil {
			// The open-batch check below still serializes admissions; the
			// lock is only the fast path.
			log.Warn("audit enqueue lock unavailable", zap.Error(err))
		} else if !acquired {
			return nil, auditdomain.ErrEnqueueLocked
		} else {
			defer func() {
				if err := s.enqueueGuard.Release(ctx, orgID.String(), token); err != nil {
					log.Warn("audit enqueue unlock failed", zap.Error(err))
				}
			}()
		}
	}

	now := s.clock.Now()
	result := &auditdomain.EnqueueResult{}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		open, err := s.repo.FindOpenBatchByOrg(ctx, tx, orgID)
		if err != nil {
			return err
		}
		if open != nil {
			return auditdomain.ErrBatchConflict
		}

		eligible, err := s.transactions.FindAuditEligible(ctx, tx, orgID, req.TransactionIDs)
		if err != nil {
			return err
		}
		if len(eligible) == 0 {
			return nil
		}

		if err := s.subscriptions.ReserveAudits(ctx, tx, orgID, int64(len(eligible))); err != nil {
			return err
		}

		batchID := s.genID.Generate()
		ids := make([]snowflake.ID, 0, len(eligible))
		for i := range eligible {
			ids = append(ids, eligible[i].ID)
		}
		marked, err := s.transactions.MarkQueuedByIDs(ctx, tx, orgID, ids, batchID, now)
		if err != nil {
			return err
		}
		if marked == 0 {
			return auditdomain.ErrBatchConflict
		}
		if int(marked) < len(eligible) {
			log.Warn("audit enqueue marked fewer rows than selected",
				zap.Int("selected", len(eligible)),
				zap.Int64("marked", marked))
		}

		batch := &auditdomain.AuditBatch{
			ID:                batchID,
			OrgID:             orgID,
			Status:            auditdomain.BatchStatusQueued,
			TotalTransactions: int(marked),
			CreatedAt:         now,
			UpdatedAt:         now,
		}
		if err := s.repo.InsertBatch(ctx, tx, batch); err != nil {
			return err
		}

		result.BatchID = batch.ID
		result.Queued = int(marked)
		return nil
	})
	if err != nil {
		return nil, err
	}

	if result.Queued > 0 {
		s.metrics.RecordAuditAdmissions(ctx, result.Queued)
		cloudmetrics.RecordAuditsAdmitted(orgID.String(), result.Queued)

		batchID := result.BatchID.String()
		_ = s.activities.Record(ctx, &orgID, "", nil, activitydomain.ActionAuditEnqueued,
			"audit_batch", &batchID, map[string]any{
				"queued": result.Queued,
			})

		log.Info("audit batch enqueued",
			zap.String("batch_id", result.BatchID.String()),
			zap.Int("queued", result.Queued))
	}

	if usage, err := s.subscriptions.Usage(ctx); err == nil {
		result.Usage = &usage
	}

	return result, nil
}

// memberOutcome is the per-transaction result of one batch pass.
type memberOutcome struct {
	tx      transactiondomain.Transaction
	result  auditdomain.Result
	err     error
	failed  bool
	settled bool // outcome was already terminal before this run
}

// RunBatch drives one claimed batch to a terminal state. Member
// transactions are extracted and synthesized on a bounded worker pool;
// failed members are recorded, detached, and left queued for a later batch
// while their siblings proceed. The batch finalizes completed either way;
// member errors land in the results map, not on the batch status.
func (s *Service) RunBatch(ctx context.Context, batch *auditdomain.AuditBatch) (*auditdomain.RunReport, error) {
	if batch == nil || batch.ID == 0 {
		return nil, auditdomain.ErrBatchNotFound
	}
	log := logger.FromContext(ctx).With(
		zap.String("batch_id", batch.ID.String()),
		zap.String("org_id", batch.OrgID.String()))

	claimedAt := s.clock.Now()
	moved, err := s.repo.MarkInProgress(ctx, s.db, batch.ID, claimedAt)
	if err != nil {
		s.engine.IncBatchError(obsmetrics.EngineStageClaim, err)
		return nil, err
	}
	if !moved {
		return nil, auditdomain.ErrBatchConflict
	}
	s.engine.IncBatchTransition(string(auditdomain.BatchStatusQueued), string(auditdomain.BatchStatusInProgress))

	members, err := s.transactions.FindByBatchID(ctx, s.db, batch.ID)
	if err != nil {
		s.engine.IncBatchError(obsmetrics.EngineStageClaim, err)
		return nil, err
	}

	pending := make([]snowflake.ID, 0, len(members))
	for i := range members {
		if memberPending(&members[i]) {
			pending = append(pending, members[i].ID)
		}
	}
	materials := map[snowflake.ID][]transactiondomain.MaterialRecord{}
	if len(pending) > 0 {
		records, err := s.transactions.FindMaterialsByTransactionIDs(ctx, s.db, pending)
		if err != nil {
			s.engine.IncBatchError(obsmetrics.EngineStageClaim, err)
			return nil, err
		}
		for i := range records {
			materials[records[i].TransactionID] = append(materials[records[i].TransactionID], records[i])
		}
	}

	outcomes := make([]memberOutcome, len(members))
	sem := make(chan struct{}, s.workers)
	var wg sync.WaitGroup
	for i := range members {
		member := members[i]
		if !memberPending(&member) {
			outcomes[i] = s.replayOutcome(member)
			continue
		}
		wg.Add(1)
		sem <- struct{}{}
		go func(i int, member transactiondomain.Transaction) {
			defer wg.Done()
			defer func() { <-sem }()
			outcomes[i] = s.auditTransaction(ctx, member, materials[member.ID])
		}(i, member)
	}
	wg.Wait()

	report := s.persistOutcomes(ctx, log, batch, outcomes)
	if report == nil {
		// persistOutcomes only bails on a finalize failure; the batch stays
		// in_progress and surfaces through the stale signal.
		return nil, auditdomain.ErrBatchConflict
	}
	return report, nil
}

func memberPending(tx *transactiondomain.Transaction) bool {
	return tx.AIAuditStatus == nil || *tx.AIAuditStatus == transactiondomain.AuditStatusQueued
}

// replayOutcome rebuilds the result entry for a member that already holds a
// terminal outcome, so replayed batch runs produce the same results map.
func (s *Service) replayOutcome(tx transactiondomain.Transaction) memberOutcome {
	out := memberOutcome{tx: tx, settled: true}
	if tx.AIAuditNote == nil || *tx.AIAuditNote == "" {
		out.result = auditdomain.Result{Status: string(auditStatusOf(&tx))}
		return out
	}
	res, err := codec.Decode(*tx.AIAuditNote)
	if err != nil {
		res = codec.Corrupt()
		res.Status = string(auditStatusOf(&tx))
	}
	out.result = res
	return out
}

func auditStatusOf(tx *transactiondomain.Transaction) transactiondomain.AuditStatus {
	if tx.AIAuditStatus == nil {
		return ""
	}
	return *tx.AIAuditStatus
}

// auditTransaction runs extraction over every material record of one
// transaction and synthesizes a verdict. A model failure on any record
// fails the whole attempt; tokens spent up to that point are still counted.
func (s *Service) auditTransaction(ctx context.Context, tx transactiondomain.Transaction, records []transactiondomain.MaterialRecord) memberOutcome {
	out := memberOutcome{tx: tx}

	evidence := make([]extraction.Evidence, 0, len(records))
	var usage auditdomain.TokenUsage
	for i := range records {
		ev := s.extractor.ExtractRecord(ctx, records[i])
		usage.Add(ev.TokenUsage)
		if ev.Err != nil {
			out.failed = true
			out.err = ev.Err
			out.result = auditdomain.Result{
				Status:     resultStatusError,
				TokenUsage: usage,
				Err:        ev.Err.Error(),
			}
			return out
		}
		evidence = append(evidence, ev)
	}

	out.result = s.synthesizer.Synthesize(evidence)
	return out
}

// persistOutcomes lands per-transaction outcomes and finalizes the batch.
// Returns nil only when the finalize update could not be applied.
func (s *Service) persistOutcomes(ctx context.Context, log *zap.Logger, batch *auditdomain.AuditBatch, outcomes []memberOutcome) *auditdomain.RunReport {
	now := s.clock.Now()
	report := &auditdomain.RunReport{BatchID: batch.ID}
	results := make(map[string]auditdomain.Result, len(outcomes))

	for i := range outcomes {
		out := &outcomes[i]
		key := out.tx.ID.String()

		if out.settled {
			results[key] = out.result
			report.Processed++
			report.TokenUsage.Add(out.result.TokenUsage)
			countStatus(report, out.result.Status)
			continue
		}

		if out.failed {
			results[key] = out.result
			report.Errors++
			report.TokenUsage.Add(out.result.TokenUsage)
			s.engine.IncBatchError(obsmetrics.EngineStageExtraction, out.err)
			s.detachMember(ctx, log, out.tx.ID, batch.ID)
			continue
		}

		note, err := codec.Encode(out.result)
		if err != nil {
			// Unencodable results do not happen for synthesized verdicts;
			// treat it like a failed attempt so the member stays retryable.
			log.Error("audit result encode failed",
				zap.String("transaction_id", key), zap.Error(err))
			results[key] = auditdomain.Result{Status: resultStatusError, Err: err.Error()}
			report.Errors++
			s.engine.IncBatchError(obsmetrics.EngineStagePersist, err)
			s.detachMember(ctx, log, out.tx.ID, batch.ID)
			continue
		}

		rows, err := s.transactions.SetAuditOutcome(ctx, s.db, out.tx.ID, batch.ID,
			transactiondomain.AuditStatus(out.result.Status), &note, now)
		if err != nil {
			log.Error("audit outcome persist failed",
				zap.String("transaction_id", key), zap.Error(err))
			results[key] = auditdomain.Result{Status: resultStatusError, Err: err.Error()}
			report.Errors++
			s.engine.IncBatchError(obsmetrics.EngineStagePersist, err)
			s.detachMember(ctx, log, out.tx.ID, batch.ID)
			continue
		}
		if rows == 0 {
			// Another run landed this member between claim and persist.
			log.Debug("audit outcome already landed", zap.String("transaction_id", key))
		} else {
			s.metrics.RecordAuditVerdict(ctx, out.result.Status)
		}

		results[key] = out.result
		report.Processed++
		report.TokenUsage.Add(out.result.TokenUsage)
		countStatus(report, out.result.Status)
	}

	// Member-level errors are recorded in the results blob and left queued
	// for the next sweep; they never fail the batch itself. The failed
	// status is reserved for operator intervention.
	status := auditdomain.BatchStatusCompleted

	encoded, err := codec.EncodeBatch(auditdomain.BatchResult{
		Transactions: results,
		Approved:     report.Approved,
		Rejected:     report.Rejected,
		NoAction:     report.NoAction,
		Errors:       report.Errors,
		TokenUsage:   report.TokenUsage,
	})
	if err != nil {
		log.Error("audit batch results encode failed", zap.Error(err))
		s.engine.IncBatchError(obsmetrics.EngineStageFinalize, err)
		return nil
	}

	completedAt := s.clock.Now()
	final := *batch
	final.Status = status
	final.ProcessedCount = report.Processed
	final.ApprovedCount = report.Approved
	final.RejectedCount = report.Rejected
	final.NoActionCount = report.NoAction
	final.ErrorCount = report.Errors
	final.TokenUsageInput = report.TokenUsage.Input
	final.TokenUsageOutput = report.TokenUsage.Output
	final.TokenUsageTotal = report.TokenUsage.Total
	final.Results = encoded
	final.CompletedAt = &completedAt

	moved, err := s.repo.FinalizeBatch(ctx, s.db, &final)
	if err != nil {
		log.Error("audit batch finalize failed", zap.Error(err))
		s.engine.IncBatchError(obsmetrics.EngineStageFinalize, err)
		return nil
	}
	if !moved {
		log.Warn("audit batch finalize lost the race")
		return nil
	}
	s.engine.IncBatchTransition(string(auditdomain.BatchStatusInProgress), string(status))

	cloudmetrics.RecordAuditTokens(batch.OrgID.String(), report.TokenUsage.Input, report.TokenUsage.Output)
	if report.Errors > 0 {
		cloudmetrics.RecordEngineError(batch.OrgID.String(), "audit_run")
	}

	batchID := batch.ID.String()
	_ = s.activities.Record(ctx, &batch.OrgID, "", nil, activitydomain.ActionBatchCompleted,
		"audit_batch", &batchID, map[string]any{
			"processed": report.Processed,
			"approved":  report.Approved,
			"rejected":  report.Rejected,
			"no_action": report.NoAction,
			"errors":    report.Errors,
		})

	log.Info("audit batch finished",
		zap.String("status", string(status)),
		zap.Int("processed", report.Processed),
		zap.Int("approved", report.Approved),
		zap.Int("rejected", report.Rejected),
		zap.Int("no_action", report.NoAction),
		zap.Int("errors", report.Errors),
		zap.Int64("tokens_total", report.TokenUsage.Total))

	report.Status = status
	return report
}

func countStatus(report *auditdomain.RunReport, status string) {
	switch transactiondomain.AuditStatus(status) {
	case transactiondomain.AuditStatusApproved:
		report.Approved++
	case transactiondomain.AuditStatusRejected:
		report.Rejected++
	case transactiondomain.AuditStatusNoAction:
		report.NoAction++
	}
}

func (s *Service) detachMember(ctx context.Context, log *zap.Logger, id, batchID snowflake.ID) {
	if err := s.transactions.ClearBatchAttachment(ctx, s.db, id, batchID); err != nil {
		log.Error("audit member detach failed",
			zap.String("transaction_id", id.String()), zap.Error(err))
	}
}

// Status reports queue depth, in-flight batches, the stale count, and the
// most recent batches for the caller's organization.
func (s *Service) Status(ctx context.Context) (*auditdomain.QueueStatus, error) {
	orgID, ok := orgcontext.OrgIDFromContext(ctx)
	if !ok || orgID == 0 {
		return nil, auditdomain.ErrInvalidOrganization
	}

	depth, err := s.transactions.CountQueued(ctx, s.db, orgID)
	if err != nil {
		return nil, err
	}
	inProgress, err := s.repo.CountBatchesInStatus(ctx, s.db, orgID, auditdomain.BatchStatusInProgress)
	if err != nil {
		return nil, err
	}
	cutoff := s.clock.Now().Add(-s.staleAfter)
	stale, err := s.repo.CountStaleBatches(ctx, s.db, orgID, cutoff)
	if err != nil {
		return nil, err
	}
	recent, err := s.repo.ListRecentBatches(ctx, s.db, orgID, recentBatchLimit)
	if err != nil {
		return nil, err
	}

	status := &auditdomain.QueueStatus{
		QueueDepth:    depth,
		InProgress:    inProgress,
		StaleBatches:  stale,
		RecentBatches: make([]auditdomain.BatchSummary, 0, len(recent)),
	}
	for i := range recent {
		status.RecentBatches = append(status.RecentBatches, summarize(&recent[i], cutoff))
	}
	return status, nil
}

// GetBatch returns one batch with its decoded results. A results envelope
// that no longer decodes is reported as corrupt, never as a failed read.
func (s *Service) GetBatch(ctx context.Context, id snowflake.ID) (*auditdomain.BatchView, error) {
	orgID, ok := orgcontext.OrgIDFromContext(ctx)
	if !ok || orgID == 0 {
		return nil, auditdomain.ErrInvalidOrganization
	}

	batch, err := s.repo.FindBatchByID(ctx, s.db, id)
	if err != nil {
		return nil, err
	}
	if batch == nil || batch.OrgID != orgID {
		return nil, auditdomain.ErrBatchNotFound
	}

	cutoff := s.clock.Now().Add(-s.staleAfter)
	view := &auditdomain.BatchView{BatchSummary: summarize(batch, cutoff)}

	if len(batch.Results) > 0 {
		decoded, err := codec.DecodeBatch(batch.Results)
		if err != nil {
			var decodeErr *codec.DecodeError
			if !errors.As(err, &decodeErr) {
				return nil, err
			}
			logger.FromContext(ctx).Warn("audit batch results corrupt",
				zap.String("batch_id", batch.ID.String()), zap.Error(err))
			view.ResultsCorrupt = true
			return view, nil
		}
		view.Results = decoded.Transactions
	}
	return view, nil
}

func summarize(batch *auditdomain.AuditBatch, staleCutoff time.Time) auditdomain.BatchSummary {
	summary := auditdomain.BatchSummary{
		ID:                batch.ID,
		Status:            batch.Status,
		TotalTransactions: batch.TotalTransactions,
		ProcessedCount:    batch.ProcessedCount,
		ApprovedCount:     batch.ApprovedCount,
		RejectedCount:     batch.RejectedCount,
		NoActionCount:     batch.NoActionCount,
		ErrorCount:        batch.ErrorCount,
		TokenUsageTotal:   batch.TokenUsageTotal,
		StartedAt:         batch.StartedAt,
		CompletedAt:       batch.CompletedAt,
		CreatedAt:         batch.CreatedAt,
	}
	if batch.Status == auditdomain.BatchStatusInProgress &&
		batch.StartedAt != nil && batch.StartedAt.Before(staleCutoff) {
		summary.Stale = true
	}
	return summary
}
