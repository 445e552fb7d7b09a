package server

import (
	"github.com/gin-gonic/gin"
)

const HeaderOrg = "X-Org-ID"

// RequireScope gates a route on one API-key scope. Must run after
// APIKeyRequired so the key's scopes are on the request context.
func (s *Server) RequireScope(scope string) gin.HandlerFunc {
	return func(c *gin.Context) {
		scopes, ok := c.Request.Context().Value(contextAPIKeyScopesKey).([]string)
		if !ok {
			AbortWithError(c, ErrForbidden)
			return
		}
		for _, granted := range scopes {
			if granted == scope {
				c.Next()
				return
			}
		}
		AbortWithError(c, ErrForbidden)
	}
}
