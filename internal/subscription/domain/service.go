package domain

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

// UsageSnapshot is the quota view returned to API callers.
type UsageSnapshot struct {
	SubscriptionID         string `json:"subscription_id"`
	PlanCode               string `json:"plan_code"`
	CreateTransactionLimit int64  `json:"create_transaction_limit"`
	CreateTransactionUsage int64  `json:"create_transaction_usage"`
	AIAuditLimit           int64  `json:"ai_audit_limit"`
	AIAuditUsage           int64  `json:"ai_audit_usage"`
}

type Service interface {
	// ActiveByOrgID resolves the organization's active subscription, serving
	// repeated lookups from a short-lived cache.
	ActiveByOrgID(ctx context.Context, orgID snowflake.ID) (Subscription, error)
	// Usage returns the current quota snapshot for the caller's organization.
	Usage(ctx context.Context) (UsageSnapshot, error)
	// ReserveCreations reserves quota for count new transactions inside the
	// caller's database transaction. The usage row is locked for the duration
	// so concurrent submissions from the same organization serialize. Returns
	// ErrQuotaExceeded without mutating anything when the reservation does
	// not fit.
	ReserveCreations(ctx context.Context, tx *gorm.DB, orgID snowflake.ID, count int64) error
	// ReserveAudits reserves quota for count audit admissions inside the
	// caller's database transaction, with the same locking contract as
	// ReserveCreations.
	ReserveAudits(ctx context.Context, tx *gorm.DB, orgID snowflake.ID, count int64) error
}

var (
	ErrInvalidOrganization  = errors.New("invalid_organization")
	ErrInvalidCount         = errors.New("invalid_count")
	ErrSubscriptionNotFound = errors.New("subscription_not_found")
	ErrUsageNotFound        = errors.New("usage_not_found")
	ErrQuotaExceeded        = errors.New("quota_exceeded")
)
