package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// GetOrganization returns the organization the presented API key belongs to.
func (s *Server) GetOrganization(c *gin.Context) {
	org, err := s.organizationSvc.Current(c.Request.Context())
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, org)
}
