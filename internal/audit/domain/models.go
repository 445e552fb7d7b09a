// Package domain contains the audit batch models and the value objects
// shared by the codec, extraction, and synthesis layers.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// BatchStatus is the lifecycle state of an audit batch. Batches are created
// queued at admission, claimed into in_progress by a worker, and end
// completed or failed.
type BatchStatus string

const (
	BatchStatusQueued     BatchStatus = "queued"
	BatchStatusInProgress BatchStatus = "in_progress"
	BatchStatusCompleted  BatchStatus = "completed"
	BatchStatusFailed     BatchStatus = "failed"
)

// OpenBatchStatuses are the states a worker may still make progress on.
var OpenBatchStatuses = []BatchStatus{BatchStatusQueued, BatchStatusInProgress}

// AuditBatch is one durable unit of queued audit work. Results holds the
// compact per-batch encoding keyed by transaction ID.
type AuditBatch struct {
	ID                snowflake.ID      `gorm:"primaryKey"`
	OrgID             snowflake.ID      `gorm:"not null;index"`
	Status            BatchStatus       `gorm:"type:text;not null;index"`
	TotalTransactions int               `gorm:"not null;default:0"`
	ProcessedCount    int               `gorm:"not null;default:0"`
	ApprovedCount     int               `gorm:"not null;default:0"`
	RejectedCount     int               `gorm:"not null;default:0"`
	NoActionCount     int               `gorm:"not null;default:0"`
	ErrorCount        int               `gorm:"not null;default:0"`
	TokenUsageInput   int64             `gorm:"not null;default:0"`
	TokenUsageOutput  int64             `gorm:"not null;default:0"`
	TokenUsageTotal   int64             `gorm:"not null;default:0"`
	Results           datatypes.JSONMap `gorm:"type:jsonb"`
	StartedAt         *time.Time        `gorm:""`
	CompletedAt       *time.Time        `gorm:""`
	CreatedAt         time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt         time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (AuditBatch) TableName() string { return "audit_batches" }

// Open reports whether a worker may still claim the batch.
func (b *AuditBatch) Open() bool {
	return b.Status == BatchStatusQueued || b.Status == BatchStatusInProgress
}

// Violation is one triggered rule on an audited transaction. Message is
// capped at the synthesizer's word budget; RuleID references the rule
// catalog and is never expanded inline.
type Violation struct {
	RuleID  string `json:"rule_id"`
	Message string `json:"message"`
}

// TokenUsage counts model tokens for one call, record, or batch.
type TokenUsage struct {
	Input  int64 `json:"input"`
	Output int64 `json:"output"`
	Total  int64 `json:"total"`
}

// Add folds another usage into the receiver.
func (u *TokenUsage) Add(other TokenUsage) {
	u.Input += other.Input
	u.Output += other.Output
	u.Total += other.Total
}

// Result is the decoded per-transaction audit outcome. Status is one of the
// terminal transaction audit states; Err carries the recorded error text for
// attempts that failed, and Corrupt flags a stored note that no longer
// decodes.
type Result struct {
	Status     string      `json:"status"`
	Confidence float64     `json:"confidence"`
	Violations []Violation `json:"violations"`
	TokenUsage TokenUsage  `json:"token_usage"`
	Err        string      `json:"error,omitempty"`
	Corrupt    bool        `json:"corrupt,omitempty"`
}

// BatchResult is the decoded per-batch outcome: per-transaction results keyed
// by transaction ID plus batch aggregates.
type BatchResult struct {
	Transactions map[string]Result `json:"transactions"`
	Approved     int               `json:"approved"`
	Rejected     int               `json:"rejected"`
	NoAction     int               `json:"no_action"`
	Errors       int               `json:"errors"`
	TokenUsage   TokenUsage        `json:"token_usage"`
}
