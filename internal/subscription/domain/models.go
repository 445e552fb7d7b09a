// Package domain contains persistence models for subscriptions and usage counters.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// SubscriptionStatus represents lifecycle states for a subscription.
type SubscriptionStatus string

const (
	SubscriptionStatusDraft    SubscriptionStatus = "DRAFT"
	SubscriptionStatusActive   SubscriptionStatus = "ACTIVE"
	SubscriptionStatusTrialing SubscriptionStatus = "TRIALING"
	SubscriptionStatusPastDue  SubscriptionStatus = "PAST_DUE"
	SubscriptionStatusCanceled SubscriptionStatus = "CANCELED"
	SubscriptionStatusEnded    SubscriptionStatus = "ENDED"
)

// Subscription captures an organization's service agreement.
type Subscription struct {
	ID        snowflake.ID       `gorm:"primaryKey"`
	OrgID     snowflake.ID       `gorm:"not null;index"`
	PlanCode  string             `gorm:"type:text;not null"`
	Status    SubscriptionStatus `gorm:"type:text;not null"`
	StartAt   time.Time          `gorm:"not null"`
	EndAt     *time.Time         `gorm:""`
	Metadata  datatypes.JSONMap  `gorm:"type:jsonb"`
	CreatedAt time.Time          `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt time.Time          `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (Subscription) TableName() string { return "subscriptions" }

// SubscriptionUsage tracks creation and audit quota counters for one subscription.
// Counters only move forward; a negative limit disables that gate.
type SubscriptionUsage struct {
	ID                     snowflake.ID `gorm:"primaryKey"`
	OrgID                  snowflake.ID `gorm:"not null;index"`
	SubscriptionID         snowflake.ID `gorm:"not null;uniqueIndex:ux_subscription_usage_subscription"`
	CreateTransactionLimit int64        `gorm:"not null;default:0"`
	CreateTransactionUsage int64        `gorm:"not null;default:0"`
	AIAuditLimit           int64        `gorm:"column:ai_audit_limit;not null;default:0"`
	AIAuditUsage           int64        `gorm:"column:ai_audit_usage;not null;default:0"`
	CreatedAt              time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt              time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (SubscriptionUsage) TableName() string { return "subscription_usage" }

// RemainingCreations returns how many transaction creations the quota still allows.
func (u SubscriptionUsage) RemainingCreations() int64 {
	if u.CreateTransactionLimit < 0 {
		return -1
	}
	remaining := u.CreateTransactionLimit - u.CreateTransactionUsage
	if remaining < 0 {
		return 0
	}
	return remaining
}

// RemainingAudits returns how many audit admissions the quota still allows.
func (u SubscriptionUsage) RemainingAudits() int64 {
	if u.AIAuditLimit < 0 {
		return -1
	}
	remaining := u.AIAuditLimit - u.AIAuditUsage
	if remaining < 0 {
		return 0
	}
	return remaining
}
