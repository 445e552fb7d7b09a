package server

import (
	"net/http"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	auditdomain "github.com/wasteworks/binsight/internal/audit/domain"
)

// EnqueueAudit admits transactions to the audit queue. An empty body sweeps
// everything eligible; explicit transaction_ids may re-queue terminal rows.
// Quota covers the whole admission or none of it.
func (s *Server) EnqueueAudit(c *gin.Context) {
	var req auditdomain.EnqueueRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			AbortWithError(c, invalidRequestError())
			return
		}
	}

	result, err := s.auditSvc.Enqueue(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusAccepted, result)
}

func (s *Server) GetAuditStatus(c *gin.Context) {
	status, err := s.auditSvc.Status(c.Request.Context())
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, status)
}

func (s *Server) GetAuditBatch(c *gin.Context) {
	id := strings.TrimSpace(c.Param("id"))
	batchID, err := snowflake.ParseString(id)
	if err != nil || batchID == 0 {
		AbortWithError(c, newValidationError("id", "invalid_id", "invalid id"))
		return
	}

	view, err := s.auditSvc.GetBatch(c.Request.Context(), batchID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, view)
}
