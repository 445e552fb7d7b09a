package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// GetUsage returns the caller's quota snapshot: creation and audit limits
// against the active subscription.
func (s *Server) GetUsage(c *gin.Context) {
	snapshot, err := s.subscriptionSvc.Usage(c.Request.Context())
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, snapshot)
}
