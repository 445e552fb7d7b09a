package service

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"github.com/glebarez/sqlite"
	"gorm.io/gorm"

	apikeydomain "github.com/wasteworks/binsight/internal/apikey/domain"
	"github.com/wasteworks/binsight/internal/apikey/repository"
	"github.com/wasteworks/binsight/internal/orgcontext"
)

func setupService(t *testing.T) (apikeydomain.Service, *gorm.DB, snowflake.ID) {
	t.Helper()

	db, err := gorm.Open(sqlite.Open("file:"+t.Name()+"?mode=memory&cache=shared"), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetMaxIdleConns(1)

	require.NoError(t, db.Exec(`CREATE TABLE api_keys (
		id INTEGER PRIMARY KEY,
		org_id INTEGER NOT NULL,
		key_id TEXT NOT NULL,
		name TEXT NOT NULL,
		scopes TEXT NOT NULL DEFAULT '{}',
		key_hash TEXT NOT NULL,
		is_active BOOLEAN NOT NULL DEFAULT true,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL,
		last_used_at DATETIME,
		expires_at DATETIME,
		rotated_from_key_id TEXT
	)`).Error)

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	svc := New(Params{
		DB:    db,
		Log:   zap.NewNop(),
		GenID: node,
		Repo:  repository.Provide(),
	})
	return svc, db, node.Generate()
}

func orgContext(orgID snowflake.ID) context.Context {
	return orgcontext.WithOrgID(context.Background(), int64(orgID))
}

func TestAPIKeyLifecycle(t *testing.T) {
	svc, _, orgID := setupService(t)
	ctx := orgContext(orgID)

	created, err := svc.Create(ctx, apikeydomain.CreateRequest{Name: "CI exporter"})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(created.APIKey, "bk_live_key_"))
	assert.NotEmpty(t, created.KeyID)

	keys, err := svc.List(ctx)
	require.NoError(t, err)
	require.Len(t, keys, 1)
	assert.Equal(t, created.KeyID, keys[0].KeyID)
	assert.True(t, keys[0].IsActive)
	// Empty scope request grants the full default set.
	assert.ElementsMatch(t, apikeydomain.DefaultScopes(), keys[0].Scopes)
	assert.Nil(t, keys[0].ExpiresAt)

	rotated, err := svc.Rotate(ctx, created.KeyID)
	require.NoError(t, err)
	assert.NotEqual(t, created.KeyID, rotated.KeyID)
	assert.True(t, strings.HasPrefix(rotated.APIKey, "bk_live_key_"))

	keys, err = svc.List(ctx)
	require.NoError(t, err)
	require.Len(t, keys, 2)

	byKeyID := make(map[string]apikeydomain.Response, len(keys))
	for _, key := range keys {
		byKeyID[key.KeyID] = key
	}

	old := byKeyID[created.KeyID]
	require.NotNil(t, old.ExpiresAt, "rotated-out key must carry a grace expiry")
	assert.True(t, old.IsActive, "rotated-out key stays active through the grace period")
	assert.WithinDuration(t, time.Now().UTC().Add(24*time.Hour), *old.ExpiresAt, time.Minute)

	next := byKeyID[rotated.KeyID]
	assert.True(t, next.IsActive)
	require.NotNil(t, next.RotatedFromKeyID)
	assert.Equal(t, created.KeyID, *next.RotatedFromKeyID)
	assert.ElementsMatch(t, apikeydomain.DefaultScopes(), next.Scopes)

	require.NoError(t, svc.Revoke(ctx, rotated.KeyID))

	keys, err = svc.List(ctx)
	require.NoError(t, err)
	for _, key := range keys {
		if key.KeyID != rotated.KeyID {
			continue
		}
		assert.False(t, key.IsActive)
		require.NotNil(t, key.ExpiresAt)
		assert.False(t, key.ExpiresAt.After(time.Now().UTC().Add(time.Second)))
	}
}

func TestCreateValidation(t *testing.T) {
	svc, _, orgID := setupService(t)
	ctx := orgContext(orgID)

	_, err := svc.Create(ctx, apikeydomain.CreateRequest{Name: "   "})
	assert.ErrorIs(t, err, apikeydomain.ErrInvalidName)

	_, err = svc.Create(ctx, apikeydomain.CreateRequest{Name: "bad", Scopes: []string{"admin:everything"}})
	assert.ErrorIs(t, err, apikeydomain.ErrInvalidScope)

	_, err = svc.Create(ctx, apikeydomain.CreateRequest{Name: "blank scopes", Scopes: []string{"  ", ""}})
	assert.ErrorIs(t, err, apikeydomain.ErrInvalidScope)

	_, err = svc.Create(context.Background(), apikeydomain.CreateRequest{Name: "no org"})
	assert.ErrorIs(t, err, apikeydomain.ErrInvalidOrganization)
}

func TestCreateNormalizesScopes(t *testing.T) {
	svc, _, orgID := setupService(t)
	ctx := orgContext(orgID)

	created, err := svc.Create(ctx, apikeydomain.CreateRequest{
		Name:   "reader",
		Scopes: []string{" Transactions:Read ", "transactions:read", "usage:read"},
	})
	require.NoError(t, err)

	keys, err := svc.List(ctx)
	require.NoError(t, err)
	require.Len(t, keys, 1)
	assert.Equal(t, created.KeyID, keys[0].KeyID)
	assert.ElementsMatch(t, []string{"transactions:read", "usage:read"}, keys[0].Scopes)
}

func TestRotateRequiresLiveKey(t *testing.T) {
	svc, _, orgID := setupService(t)
	ctx := orgContext(orgID)

	_, err := svc.Rotate(ctx, "key_missing")
	assert.ErrorIs(t, err, apikeydomain.ErrNotFound)

	_, err = svc.Rotate(ctx, "   ")
	assert.ErrorIs(t, err, apikeydomain.ErrInvalidKeyID)

	created, err := svc.Create(ctx, apikeydomain.CreateRequest{Name: "doomed"})
	require.NoError(t, err)
	require.NoError(t, svc.Revoke(ctx, created.KeyID))

	_, err = svc.Rotate(ctx, created.KeyID)
	assert.ErrorIs(t, err, apikeydomain.ErrNotFound)
}

func TestRevokeUnknownKey(t *testing.T) {
	svc, _, orgID := setupService(t)

	err := svc.Revoke(orgContext(orgID), "key_missing")
	assert.ErrorIs(t, err, apikeydomain.ErrNotFound)

	err = svc.Revoke(context.Background(), "key_whatever")
	assert.ErrorIs(t, err, apikeydomain.ErrInvalidOrganization)
}

func TestTenantsAreIsolated(t *testing.T) {
	svc, _, orgID := setupService(t)

	created, err := svc.Create(orgContext(orgID), apikeydomain.CreateRequest{Name: "org A key"})
	require.NoError(t, err)

	other := orgContext(orgID + 1)
	keys, err := svc.List(other)
	require.NoError(t, err)
	assert.Empty(t, keys)

	_, err = svc.Rotate(other, created.KeyID)
	assert.ErrorIs(t, err, apikeydomain.ErrNotFound)
	assert.ErrorIs(t, svc.Revoke(other, created.KeyID), apikeydomain.ErrNotFound)
}
