package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"

	subscriptiondomain "github.com/wasteworks/binsight/internal/subscription/domain"
	"github.com/wasteworks/binsight/pkg/db/pagination"
)

var (
	ErrInvalidOrganization = errors.New("invalid_organization")
	ErrInvalidOrigin       = errors.New("invalid_origin")
	ErrInvalidMaterialType = errors.New("invalid_material_type")
	ErrEmptySubmission     = errors.New("empty_submission")
	ErrTransactionNotFound = errors.New("transaction_not_found")
)

// IngestRequest is the nested submission payload. Keys walk
// version -> origin_id -> external_house_id.
type IngestRequest struct {
	Batch map[string]map[string]map[string]IngestItem `json:"batch" binding:"required"`
}

// IngestItem is one observation unit inside a submission.
type IngestItem struct {
	Timestamp string                    `json:"timestamp"`
	Material  map[string]IngestMaterial `json:"material"`
}

// IngestMaterial is one declared material stream on an item.
type IngestMaterial struct {
	ImageURL string   `json:"image_url"`
	Quantity *float64 `json:"quantity,omitempty"`
	Unit     string   `json:"unit,omitempty"`
}

// IngestItemError reports one failed item of a submission. Sibling items
// keep processing; the caller receives partial success plus this list.
type IngestItemError struct {
	ExternalVersion string `json:"transaction_version"`
	OriginID        string `json:"origin_id"`
	ExternalHouseID string `json:"house_id"`
	Code            string `json:"code"`
	Message         string `json:"message"`
}

// IngestWarning reports a recovered per-item condition, such as a timestamp
// that failed to parse and fell back to the processing time.
type IngestWarning struct {
	ExternalVersion string `json:"transaction_version"`
	OriginID        string `json:"origin_id"`
	ExternalHouseID string `json:"house_id"`
	Message         string `json:"message"`
}

// IngestResult summarizes a submission.
type IngestResult struct {
	Processed int                               `json:"processed"`
	Created   int                               `json:"created"`
	Updated   int                               `json:"updated"`
	Errors    []IngestItemError                 `json:"errors"`
	Warnings  []IngestWarning                   `json:"warnings,omitempty"`
	Usage     *subscriptiondomain.UsageSnapshot `json:"usage,omitempty"`
}

// TransactionView is the read model returned by list and get operations.
type TransactionView struct {
	ID              snowflake.ID         `json:"id"`
	ExternalVersion string               `json:"transaction_version"`
	ExternalHouseID string               `json:"house_id"`
	OriginID        string               `json:"origin_id"`
	Status          TransactionStatus    `json:"status"`
	TransactionDate time.Time            `json:"transaction_date"`
	AIAuditStatus   *AuditStatus         `json:"ai_audit_status"`
	AIAuditNote     *string              `json:"ai_audit_note,omitempty"`
	AuditDate       *time.Time           `json:"audit_date,omitempty"`
	Materials       []MaterialRecordView `json:"materials"`
	CreatedAt       time.Time            `json:"created_at"`
	UpdatedAt       time.Time            `json:"updated_at"`
}

// MaterialRecordView is the read model of one material stream.
type MaterialRecordView struct {
	MaterialType string  `json:"material_type"`
	MaterialCode int     `json:"material_code"`
	CategoryCode int     `json:"category_code"`
	ImageURL     *string `json:"image_url"`
	Quantity     float64 `json:"quantity"`
	Unit         string  `json:"unit"`
}

// ListRequest carries list filters and offset pagination.
type ListRequest struct {
	Filter ListFilter
	Page   pagination.Page
}

// Service ingests, lists, and resolves transactions for the organization on
// the calling context.
type Service interface {
	Ingest(ctx context.Context, req IngestRequest) (*IngestResult, error)
	List(ctx context.Context, req ListRequest) ([]TransactionView, int64, error)
	GetByVersionAndHouse(ctx context.Context, externalVersion, externalHouseID string) (*TransactionView, error)
	GetByID(ctx context.Context, id snowflake.ID) (*TransactionView, error)
}
