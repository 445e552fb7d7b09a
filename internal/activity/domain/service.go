package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"

	"github.com/wasteworks/binsight/pkg/db/pagination"
)

// Actions recorded by the engine. Callers may record additional dotted
// action names of their own.
const (
	ActionTransactionIngested = "transaction.ingested"
	ActionAuditEnqueued       = "audit.enqueued"
	ActionBatchCompleted      = "audit.batch_completed"
	ActionBatchFailed         = "audit.batch_failed"
	ActionAPIKeyCreated       = "api_key.created"
)

type ListActivityRequest struct {
	pagination.Pagination
	Action     string
	TargetType string
	TargetID   string
	ActorType  string
	StartAt    *time.Time
	EndAt      *time.Time
}

type ListActivityResponse struct {
	pagination.PageInfo
	Activities []Activity `json:"activities"`
}

// Service records and lists activity trail entries. Record never fails the
// caller's operation; persistence errors are logged and returned for the
// caller to ignore.
type Service interface {
	Record(ctx context.Context, orgID *snowflake.ID, actorType string, actorID *string, action string, targetType string, targetID *string, metadata map[string]any) error
	List(ctx context.Context, req ListActivityRequest) (ListActivityResponse, error)
}

var (
	ErrInvalidOrganization = errors.New("invalid_organization")
	ErrInvalidPageToken    = errors.New("invalid_page_token")
	ErrInvalidTimeRange    = errors.New("invalid_time_range")
	ErrInvalidAction       = errors.New("invalid_action")
)
