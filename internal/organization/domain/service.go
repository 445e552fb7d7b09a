package domain

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
)

type Service interface {
	// Current resolves the organization the calling context is scoped to.
	Current(ctx context.Context) (*Organization, error)
	GetByID(ctx context.Context, id snowflake.ID) (*Organization, error)
}

var (
	ErrInvalidOrganization  = errors.New("invalid_organization")
	ErrOrganizationNotFound = errors.New("organization_not_found")
)
