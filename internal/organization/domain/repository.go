package domain

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, org *Organization) error
	// FindByID returns nil, nil when no organization matches.
	FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Organization, error)
	// FindBySlug returns nil, nil when no organization matches.
	FindBySlug(ctx context.Context, db *gorm.DB, slug string) (*Organization, error)
}
