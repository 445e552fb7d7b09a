package domain

import (
	"context"
	"errors"
	"time"
)

// Scopes a key may carry. The middleware stores them on the request context;
// route gates check the ones they care about.
const (
	ScopeTransactionsWrite = "transactions:write"
	ScopeTransactionsRead  = "transactions:read"
	ScopeAuditWrite        = "audit:write"
	ScopeAuditRead         = "audit:read"
	ScopeUsageRead         = "usage:read"
	ScopeActivityRead      = "activity:read"
)

// DefaultScopes is the full collaborator surface. Keys created without an
// explicit scope list receive these.
func DefaultScopes() []string {
	return []string{
		ScopeTransactionsWrite,
		ScopeTransactionsRead,
		ScopeAuditWrite,
		ScopeAuditRead,
		ScopeUsageRead,
		ScopeActivityRead,
	}
}

// KnownScope reports whether the scope name is one this service issues.
func KnownScope(scope string) bool {
	switch scope {
	case ScopeTransactionsWrite, ScopeTransactionsRead,
		ScopeAuditWrite, ScopeAuditRead,
		ScopeUsageRead, ScopeActivityRead:
		return true
	}
	return false
}

type Service interface {
	List(ctx context.Context) ([]Response, error)
	Create(ctx context.Context, req CreateRequest) (*SecretResponse, error)
	Rotate(ctx context.Context, keyID string) (*SecretResponse, error)
	Revoke(ctx context.Context, keyID string) error
}

type CreateRequest struct {
	Name   string   `json:"name"`
	Scopes []string `json:"scopes"`
}

type Response struct {
	KeyID            string     `json:"key_id"`
	Name             string     `json:"name"`
	Scopes           []string   `json:"scopes"`
	IsActive         bool       `json:"is_active"`
	CreatedAt        time.Time  `json:"created_at"`
	LastUsedAt       *time.Time `json:"last_used_at"`
	ExpiresAt        *time.Time `json:"expires_at"`
	RotatedFromKeyID *string    `json:"rotated_from_key_id"`
}

type SecretResponse struct {
	KeyID  string `json:"key_id"`
	APIKey string `json:"api_key"`
}

var (
	ErrInvalidOrganization = errors.New("invalid_organization")
	ErrInvalidName         = errors.New("invalid_name")
	ErrInvalidScope        = errors.New("invalid_scope")
	ErrInvalidKeyID        = errors.New("invalid_key_id")
	ErrNotFound            = errors.New("not_found")
)
