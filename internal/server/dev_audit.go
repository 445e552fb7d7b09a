package server

import (
	"net/http"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	schedulertesting "github.com/wasteworks/binsight/internal/scheduler/testing"
)

// RegisterDevAuditRoutes adds development-only audit engine endpoints for
// exercising batch aging, staleness, and the engine jobs without waiting on
// wall-clock time.
func (s *Server) RegisterDevAuditRoutes() {
	if s.cfg.Environment == "production" {
		return
	}

	dev := s.engine.Group("/dev/audit")

	// Batch aging and inspection
	dev.POST("/batches/:id/age", s.DevAgeBatch)
	dev.POST("/batches/age-all", s.DevAgeAllBatches)
	dev.GET("/batches/:id/info", s.DevGetBatchInfo)
	dev.GET("/batches/open", s.DevGetOpenBatches)

	// Manual trigger engine jobs
	dev.POST("/engine/run-once", s.DevRunEngineOnce)
	dev.POST("/engine/sweep", s.DevRunSweep)
	dev.POST("/engine/process", s.DevRunProcess)
	dev.POST("/engine/stale-watch", s.DevRunStaleWatch)

	// Reset and cleanup
	dev.POST("/batches/:id/reset-errors", s.DevResetBatchErrors)
	dev.POST("/batches/:id/force-requeue", s.DevForceRequeueBatch)
}

func (s *Server) DevAgeBatch(c *gin.Context) {
	batchID, ok := devParseBatchID(c)
	if !ok {
		return
	}

	by, err := devParseAgeBy(c)
	if err != nil {
		AbortWithError(c, newValidationError("by", "invalid_duration", "invalid duration"))
		return
	}

	helper := schedulertesting.NewTimeAccelerator(s.db)
	if err := helper.AgeBatch(c.Request.Context(), batchID, by); err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"message":  "batch aged",
		"batch_id": batchID.String(),
		"aged_by":  by.String(),
	})
}

func (s *Server) DevAgeAllBatches(c *gin.Context) {
	by, err := devParseAgeBy(c)
	if err != nil {
		AbortWithError(c, newValidationError("by", "invalid_duration", "invalid duration"))
		return
	}

	helper := schedulertesting.NewTimeAccelerator(s.db)
	affected, err := helper.AgeAllInProgress(c.Request.Context(), by)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"message":          "all in-progress batches aged",
		"affected_batches": affected,
		"aged_by":          by.String(),
	})
}

func (s *Server) DevGetBatchInfo(c *gin.Context) {
	batchID, ok := devParseBatchID(c)
	if !ok {
		return
	}

	helper := schedulertesting.NewTimeAccelerator(s.db)
	info, err := helper.GetBatchInfo(c.Request.Context(), batchID, s.cfg.Audit.StaleAfter)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": devBatchInfoPayload(*info)})
}

func (s *Server) DevGetOpenBatches(c *gin.Context) {
	helper := schedulertesting.NewTimeAccelerator(s.db)
	batches, err := helper.GetOpenBatches(c.Request.Context(), s.cfg.Audit.StaleAfter)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	data := make([]gin.H, 0, len(batches))
	for _, batch := range batches {
		data = append(data, devBatchInfoPayload(batch))
	}

	c.JSON(http.StatusOK, gin.H{"data": data})
}

func (s *Server) DevRunEngineOnce(c *gin.Context) {
	if s.scheduler == nil {
		AbortWithError(c, ErrServiceUnavailable)
		return
	}

	if err := s.scheduler.RunOnce(c.Request.Context()); err != nil {
		c.JSON(http.StatusOK, gin.H{
			"message": "engine run completed with errors",
			"errors":  err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"message": "engine run completed successfully",
	})
}

func (s *Server) DevRunSweep(c *gin.Context) {
	if s.scheduler == nil {
		AbortWithError(c, ErrServiceUnavailable)
		return
	}

	if err := s.scheduler.SweepQueuedJob(c.Request.Context()); err != nil {
		c.JSON(http.StatusOK, gin.H{
			"message": "sweep job completed with errors",
			"errors":  err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"message": "sweep job completed successfully",
	})
}

func (s *Server) DevRunProcess(c *gin.Context) {
	if s.scheduler == nil {
		AbortWithError(c, ErrServiceUnavailable)
		return
	}

	if err := s.scheduler.ProcessBatchesJob(c.Request.Context()); err != nil {
		c.JSON(http.StatusOK, gin.H{
			"message": "process job completed with errors",
			"errors":  err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"message": "process job completed successfully",
	})
}

func (s *Server) DevRunStaleWatch(c *gin.Context) {
	if s.scheduler == nil {
		AbortWithError(c, ErrServiceUnavailable)
		return
	}

	if err := s.scheduler.StaleWatchJob(c.Request.Context()); err != nil {
		c.JSON(http.StatusOK, gin.H{
			"message": "stale watch job completed with errors",
			"errors":  err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"message": "stale watch job completed successfully",
	})
}

func (s *Server) DevResetBatchErrors(c *gin.Context) {
	batchID, ok := devParseBatchID(c)
	if !ok {
		return
	}

	helper := schedulertesting.NewTimeAccelerator(s.db)
	if err := helper.ResetBatchErrors(c.Request.Context(), batchID); err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"message":  "batch errors reset",
		"batch_id": batchID.String(),
	})
}

func (s *Server) DevForceRequeueBatch(c *gin.Context) {
	batchID, ok := devParseBatchID(c)
	if !ok {
		return
	}

	helper := schedulertesting.NewTimeAccelerator(s.db)
	if err := helper.ForceRequeue(c.Request.Context(), batchID); err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"message":  "batch force requeued (DANGER: testing only!)",
		"batch_id": batchID.String(),
	})
}

func devParseBatchID(c *gin.Context) (snowflake.ID, bool) {
	id := strings.TrimSpace(c.Param("id"))
	batchID, err := snowflake.ParseString(id)
	if err != nil || batchID == 0 {
		AbortWithError(c, newValidationError("id", "invalid_id", "invalid id"))
		return 0, false
	}
	return batchID, true
}

// devParseAgeBy reads the ?by= duration, defaulting to two hours so one call
// pushes a batch past the staleness threshold.
func devParseAgeBy(c *gin.Context) (time.Duration, error) {
	raw := strings.TrimSpace(c.Query("by"))
	if raw == "" {
		return 2 * time.Hour, nil
	}
	return time.ParseDuration(raw)
}

func devBatchInfoPayload(info schedulertesting.BatchInfo) gin.H {
	return gin.H{
		"id":                 info.ID.String(),
		"org_id":             info.OrgID.String(),
		"status":             info.Status,
		"total_transactions": info.TotalTransactions,
		"started_at":         info.StartedAt,
		"last_error":         info.LastError,
		"age_seconds":        info.Age.Seconds(),
		"stale":              info.Stale,
	}
}
