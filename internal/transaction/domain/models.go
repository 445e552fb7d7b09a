// Package domain contains persistence models for waste transactions and
// their material records.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

// TransactionStatus is the ingestion lifecycle state of a transaction.
type TransactionStatus string

const (
	TransactionStatusPending TransactionStatus = "pending"
)

// AuditStatus is the audit lifecycle state carried on a transaction.
// A NULL column value means the transaction was never queued. Transitions
// only move forward during a run; an explicit re-queue resets to queued.
type AuditStatus string

const (
	AuditStatusQueued   AuditStatus = "queued"
	AuditStatusApproved AuditStatus = "approved"
	AuditStatusRejected AuditStatus = "rejected"
	AuditStatusNoAction AuditStatus = "no_action"
)

// TerminalAuditStatuses are the per-transaction outcomes that end a run.
var TerminalAuditStatuses = []AuditStatus{
	AuditStatusApproved,
	AuditStatusRejected,
	AuditStatusNoAction,
}

// Transaction represents one externally observed collection event. The tuple
// (org_id, external_version, external_house_id) is unique; resubmission of
// the same tuple updates the existing row.
type Transaction struct {
	ID              snowflake.ID      `gorm:"primaryKey"`
	OrgID           snowflake.ID      `gorm:"not null;index;uniqueIndex:ux_transactions_org_version_house"`
	ExternalVersion string            `gorm:"type:text;not null;uniqueIndex:ux_transactions_org_version_house"`
	ExternalHouseID string            `gorm:"type:text;not null;uniqueIndex:ux_transactions_org_version_house"`
	OriginID        string            `gorm:"type:text;not null"`
	Status          TransactionStatus `gorm:"type:text;not null"`
	TransactionDate time.Time         `gorm:"not null"`
	AIAuditStatus   *AuditStatus      `gorm:"column:ai_audit_status;type:text;index"`
	AIAuditNote     *string           `gorm:"column:ai_audit_note;type:text"`
	AuditDate       *time.Time        `gorm:""`
	AuditBatchID    *snowflake.ID     `gorm:"index"`
	CreatedAt       time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt       time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (Transaction) TableName() string { return "transactions" }

// MaterialRecord is one declared material stream on a transaction. At most
// one record exists per (transaction, material_type); re-submission replaces
// the image URL in place.
type MaterialRecord struct {
	ID            snowflake.ID `gorm:"primaryKey"`
	OrgID         snowflake.ID `gorm:"not null;index"`
	TransactionID snowflake.ID `gorm:"not null;uniqueIndex:ux_material_records_tx_type"`
	MaterialType  string       `gorm:"type:text;not null;uniqueIndex:ux_material_records_tx_type"`
	MaterialCode  int          `gorm:"not null"`
	CategoryCode  int          `gorm:"not null"`
	ImageURL      *string      `gorm:"type:text"`
	Quantity      float64      `gorm:"not null;default:0"`
	Unit          string       `gorm:"type:text;not null;default:kg"`
	CreatedAt     time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt     time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (MaterialRecord) TableName() string { return "material_records" }

// Material stream names from the fixed catalog.
const (
	MaterialTypeGeneral    = "general"
	MaterialTypeOrganic    = "organic"
	MaterialTypeRecyclable = "recyclable"
	MaterialTypeHazardous  = "hazardous"
)

// CatalogEntry carries the fixed identifiers assigned to a material stream.
type CatalogEntry struct {
	MaterialCode int
	CategoryCode int
}

// MaterialCatalog is the fixed set of ingestable material streams.
var MaterialCatalog = map[string]CatalogEntry{
	MaterialTypeGeneral:    {MaterialCode: 1, CategoryCode: 1},
	MaterialTypeOrganic:    {MaterialCode: 2, CategoryCode: 2},
	MaterialTypeRecyclable: {MaterialCode: 3, CategoryCode: 3},
	MaterialTypeHazardous:  {MaterialCode: 4, CategoryCode: 4},
}

// KnownMaterialType reports whether the material stream is in the catalog.
func KnownMaterialType(materialType string) bool {
	_, ok := MaterialCatalog[materialType]
	return ok
}
