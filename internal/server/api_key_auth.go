package server

import (
	"context"
	"crypto/subtle"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/lib/pq"
	"go.uber.org/zap"

	activitydomain "github.com/wasteworks/binsight/internal/activity/domain"
	"github.com/wasteworks/binsight/internal/actorcontext"
	apikeydomain "github.com/wasteworks/binsight/internal/apikey/domain"
	"github.com/wasteworks/binsight/internal/observability/logger"
	"github.com/wasteworks/binsight/internal/orgcontext"
)

const (
	contextAuthTypeKey     = "auth_type"
	contextOrgIDKey        = "org_id"
	contextAPIKeyIDKey     = "api_key_id"
	contextAPIKeyScopesKey = "api_key_scopes"
)

// lastUsedTouchInterval bounds last_used_at writes to at most one per key
// per interval, so a hot key does not turn every request into an update.
const lastUsedTouchInterval = time.Minute

// APIKeyRequired authenticates requests using an API key only.
// Organization identity is derived solely from the api_keys table; callers
// may not name an organization themselves.
func (s *Server) APIKeyRequired() gin.HandlerFunc {
	return func(c *gin.Context) {
		if requestHasOrgID(c) {
			AbortWithError(c, ErrUnauthorized)
			return
		}

		header := strings.TrimSpace(c.GetHeader("Authorization"))
		if header == "" {
			AbortWithError(c, ErrUnauthorized)
			return
		}

		parts := strings.Fields(header)
		if len(parts) != 2 || parts[0] != "Bearer" || strings.TrimSpace(parts[1]) == "" {
			AbortWithError(c, ErrUnauthorized)
			return
		}

		hash := apikeydomain.HashAPIKey(parts[1])
		now := time.Now().UTC()

		var record struct {
			ID         snowflake.ID   `gorm:"column:id"`
			OrgID      snowflake.ID   `gorm:"column:org_id"`
			KeyHash    string         `gorm:"column:key_hash"`
			Scopes     pq.StringArray `gorm:"column:scopes"`
			LastUsedAt *time.Time     `gorm:"column:last_used_at"`
		}

		if err := s.db.WithContext(c.Request.Context()).Raw(
			`SELECT id, org_id, key_hash, scopes, last_used_at
			 FROM api_keys
			 WHERE key_hash = ?
			   AND is_active = true
			   AND (expires_at IS NULL OR expires_at > ?)
			 LIMIT 1`,
			hash,
			now,
		).Scan(&record).Error; err != nil {
			AbortWithError(c, err)
			return
		}

		if record.ID == 0 || subtle.ConstantTimeCompare([]byte(record.KeyHash), []byte(hash)) != 1 {
			AbortWithError(c, ErrUnauthorized)
			return
		}

		if record.LastUsedAt == nil || now.Sub(*record.LastUsedAt) >= lastUsedTouchInterval {
			s.touchKeyLastUsed(record.ID, now)
		}

		ctx := c.Request.Context()
		scopes := make([]string, 0, len(record.Scopes))
		scopes = append(scopes, record.Scopes...)
		ctx = context.WithValue(ctx, contextAuthTypeKey, string(activitydomain.ActorTypeAPIKey))
		ctx = context.WithValue(ctx, contextOrgIDKey, int64(record.OrgID))
		ctx = context.WithValue(ctx, contextAPIKeyIDKey, int64(record.ID))
		ctx = context.WithValue(ctx, contextAPIKeyScopesKey, scopes)
		ctx = orgcontext.WithOrgID(ctx, int64(record.OrgID))
		ctx = actorcontext.WithActor(ctx, string(activitydomain.ActorTypeAPIKey), record.ID.String())

		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

// touchKeyLastUsed stamps the key's last use off the request path. Best
// effort: a lost update only delays the timestamp until the next interval.
func (s *Server) touchKeyLastUsed(id snowflake.ID, now time.Time) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.db.WithContext(ctx).Exec(
			`UPDATE api_keys
			 SET last_used_at = ?
			 WHERE id = ? AND (last_used_at IS NULL OR last_used_at < ?)`,
			now, id, now,
		).Error; err != nil {
			logger.FromContext(ctx).Debug("api key last_used touch failed", zap.Error(err))
		}
	}()
}

func requestHasOrgID(c *gin.Context) bool {
	if strings.TrimSpace(c.GetHeader(HeaderOrg)) != "" {
		return true
	}
	if value, ok := c.GetQuery("org_id"); ok && strings.TrimSpace(value) != "" {
		return true
	}
	if value, ok := c.GetQuery("orgId"); ok && strings.TrimSpace(value) != "" {
		return true
	}
	return false
}
