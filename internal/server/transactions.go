package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	transactiondomain "github.com/wasteworks/binsight/internal/transaction/domain"
	"github.com/wasteworks/binsight/pkg/db/pagination"
)

// IngestTransactions accepts the nested submission payload. Items fail
// individually; the response reports partial success and the remaining
// quota.
func (s *Server) IngestTransactions(c *gin.Context) {
	var req transactiondomain.IngestRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	result, err := s.transactionSvc.Ingest(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, result)
}

func (s *Server) ListTransactions(c *gin.Context) {
	var page pagination.Page
	if err := c.ShouldBindQuery(&page); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	filter := transactiondomain.ListFilter{
		ExternalVersion: strings.TrimSpace(c.Query("transaction_version")),
		OriginID:        strings.TrimSpace(c.Query("origin_id")),
		ExternalHouseID: strings.TrimSpace(c.Query("house_id")),
	}
	if status := strings.TrimSpace(c.Query("status")); status != "" {
		filter.Status = transactiondomain.TransactionStatus(status)
	}
	if auditStatus := strings.TrimSpace(c.Query("ai_audit_status")); auditStatus != "" {
		filter.AIAuditStatus = transactiondomain.AuditStatus(auditStatus)
	}

	from, err := parseOptionalTime(c.Query("from"), false)
	if err != nil {
		AbortWithError(c, newValidationError("from", "invalid_time", "invalid time"))
		return
	}
	to, err := parseOptionalTime(c.Query("to"), true)
	if err != nil {
		AbortWithError(c, newValidationError("to", "invalid_time", "invalid time"))
		return
	}
	if from != nil {
		filter.From = *from
	}
	if to != nil {
		filter.To = *to
	}

	items, total, err := s.transactionSvc.List(c.Request.Context(), transactiondomain.ListRequest{
		Filter: filter,
		Page:   page,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	normalized := page.Normalize()
	c.JSON(http.StatusOK, gin.H{
		"data":  items,
		"total": total,
		"page":  normalized.Page,
		"limit": normalized.Limit,
	})
}

func (s *Server) GetTransaction(c *gin.Context) {
	version := strings.TrimSpace(c.Param("version"))
	houseID := strings.TrimSpace(c.Param("house_id"))
	if version == "" || houseID == "" {
		AbortWithError(c, invalidRequestError())
		return
	}

	view, err := s.transactionSvc.GetByVersionAndHouse(c.Request.Context(), version, houseID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, view)
}
