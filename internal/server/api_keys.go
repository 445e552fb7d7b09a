package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	activitydomain "github.com/wasteworks/binsight/internal/activity/domain"
	apikeydomain "github.com/wasteworks/binsight/internal/apikey/domain"
	"github.com/wasteworks/binsight/internal/orgcontext"
)

type createAPIKeyRequest struct {
	Name   string   `json:"name"`
	Scopes []string `json:"scopes"`
}

func (s *Server) ListAPIKeys(c *gin.Context) {
	keys, err := s.apiKeySvc.List(c.Request.Context())
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, keys)
}

func (s *Server) CreateAPIKey(c *gin.Context) {
	var req createAPIKeyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	resp, err := s.apiKeySvc.Create(c.Request.Context(), apikeydomain.CreateRequest{Name: req.Name, Scopes: req.Scopes})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	if s.activitySvc != nil && resp != nil {
		targetID := resp.KeyID
		_ = s.activitySvc.Record(c.Request.Context(), nil, "", nil, activitydomain.ActionAPIKeyCreated, "api_key", &targetID, map[string]any{
			"name": strings.TrimSpace(req.Name),
		})
	}

	c.JSON(http.StatusOK, resp)
}

// RotateAPIKey issues a replacement secret. The old key keeps working
// through a short grace period. Rotations are rate limited per organization.
func (s *Server) RotateAPIKey(c *gin.Context) {
	orgID, ok := orgcontext.OrgIDFromContext(c.Request.Context())
	if !ok || orgID == 0 {
		AbortWithError(c, ErrOrgRequired)
		return
	}

	if s.apiKeyLimiter != nil && !s.apiKeyLimiter.Allow(orgID.String()) {
		AbortWithError(c, ErrRateLimited)
		return
	}

	keyID := strings.TrimSpace(c.Param("key_id"))
	resp, err := s.apiKeySvc.Rotate(c.Request.Context(), keyID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	if s.activitySvc != nil && resp != nil {
		targetID := resp.KeyID
		_ = s.activitySvc.Record(c.Request.Context(), nil, "", nil, "api_key.rotated", "api_key", &targetID, map[string]any{
			"rotated_from_key_id": keyID,
		})
	}

	c.JSON(http.StatusOK, resp)
}

func (s *Server) RevokeAPIKey(c *gin.Context) {
	keyID := strings.TrimSpace(c.Param("key_id"))
	if err := s.apiKeySvc.Revoke(c.Request.Context(), keyID); err != nil {
		AbortWithError(c, err)
		return
	}

	if s.activitySvc != nil {
		targetID := keyID
		_ = s.activitySvc.Record(c.Request.Context(), nil, "", nil, "api_key.revoked", "api_key", &targetID, nil)
	}

	c.Status(http.StatusNoContent)
}

func (s *Server) ListAPIKeyScopes(c *gin.Context) {
	c.JSON(http.StatusOK, apikeydomain.DefaultScopes())
}
