package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"

	subscriptiondomain "github.com/wasteworks/binsight/internal/subscription/domain"
)

var (
	ErrInvalidOrganization = errors.New("invalid_organization")
	ErrBatchNotFound       = errors.New("batch_not_found")
	ErrBatchConflict       = errors.New("batch_conflict")
	ErrEnqueueLocked       = errors.New("enqueue_locked")

	// ErrModelFailure marks a model transport failure that exhausted its
	// retries. Transactions failing with it stay queued for the next run.
	ErrModelFailure = errors.New("model_failure")
)

// EnqueueRequest admits transactions into the audit queue. With no explicit
// IDs every transaction whose audit status is still unset is swept in;
// explicit IDs may also re-queue transactions in a terminal state.
type EnqueueRequest struct {
	TransactionIDs []snowflake.ID `json:"transaction_ids,omitempty"`
}

// EnqueueResult reports one admission.
type EnqueueResult struct {
	BatchID snowflake.ID                      `json:"batch_id,omitempty"`
	Queued  int                               `json:"queued"`
	Usage   *subscriptiondomain.UsageSnapshot `json:"usage,omitempty"`
}

// BatchSummary is the read model of one batch for status listings.
type BatchSummary struct {
	ID                snowflake.ID `json:"id"`
	Status            BatchStatus  `json:"status"`
	TotalTransactions int          `json:"total_transactions"`
	ProcessedCount    int          `json:"processed_count"`
	ApprovedCount     int          `json:"approved"`
	RejectedCount     int          `json:"rejected"`
	NoActionCount     int          `json:"no_action"`
	ErrorCount        int          `json:"errors"`
	TokenUsageTotal   int64        `json:"token_usage_total"`
	Stale             bool         `json:"stale,omitempty"`
	StartedAt         *time.Time   `json:"started_at,omitempty"`
	CompletedAt       *time.Time   `json:"completed_at,omitempty"`
	CreatedAt         time.Time    `json:"created_at"`
}

// QueueStatus is the read-only audit queue summary.
type QueueStatus struct {
	QueueDepth    int64          `json:"queue_depth"`
	InProgress    int64          `json:"in_progress"`
	StaleBatches  int64          `json:"stale_batches"`
	RecentBatches []BatchSummary `json:"recent_batches"`
}

// BatchView is one batch with its decoded results. Entries that no longer
// decode are surfaced as corrupt results, never as a failed read.
type BatchView struct {
	BatchSummary
	Results map[string]Result `json:"results,omitempty"`

	// ResultsCorrupt reports that the stored results envelope itself no
	// longer decodes. Per-entry corruption is flagged on the entry instead.
	ResultsCorrupt bool `json:"results_corrupt,omitempty"`
}

// RunReport summarizes one processing pass over a claimed batch.
type RunReport struct {
	BatchID    snowflake.ID
	Status     BatchStatus
	Processed  int
	Approved   int
	Rejected   int
	NoAction   int
	Errors     int
	TokenUsage TokenUsage
}

// Service owns audit admission, batch processing, and queue reporting.
type Service interface {
	// Enqueue reserves audit quota for every admitted transaction and
	// creates a queued batch. Quota covers the whole admission or none of
	// it.
	Enqueue(ctx context.Context, req EnqueueRequest) (*EnqueueResult, error)

	// RunBatch processes one claimed batch: extraction and synthesis per
	// member transaction, compact results, terminal batch state. Member
	// failures are recorded without failing the batch.
	RunBatch(ctx context.Context, batch *AuditBatch) (*RunReport, error)

	Status(ctx context.Context) (*QueueStatus, error)
	GetBatch(ctx context.Context, id snowflake.ID) (*BatchView, error)
}
