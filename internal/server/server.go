package server

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/wasteworks/binsight/internal/activity"
	activitydomain "github.com/wasteworks/binsight/internal/activity/domain"
	"github.com/wasteworks/binsight/internal/apikey"
	apikeydomain "github.com/wasteworks/binsight/internal/apikey/domain"
	"github.com/wasteworks/binsight/internal/audit"
	auditdomain "github.com/wasteworks/binsight/internal/audit/domain"
	"github.com/wasteworks/binsight/internal/cloudmetrics"
	"github.com/wasteworks/binsight/internal/config"
	"github.com/wasteworks/binsight/internal/observability"
	obsmiddleware "github.com/wasteworks/binsight/internal/observability/logger"
	obsmetrics "github.com/wasteworks/binsight/internal/observability/metrics"
	obstracing "github.com/wasteworks/binsight/internal/observability/tracing"
	"github.com/wasteworks/binsight/internal/organization"
	organizationdomain "github.com/wasteworks/binsight/internal/organization/domain"
	"github.com/wasteworks/binsight/internal/ratelimit"
	"github.com/wasteworks/binsight/internal/scheduler"
	"github.com/wasteworks/binsight/internal/subscription"
	subscriptiondomain "github.com/wasteworks/binsight/internal/subscription/domain"
	"github.com/wasteworks/binsight/internal/transaction"
	transactiondomain "github.com/wasteworks/binsight/internal/transaction/domain"
	"go.uber.org/fx"
	"gorm.io/gorm"
)

var Module = fx.Module("http.server",
	config.Module,
	cloudmetrics.Module,
	fx.Provide(registerGin),
	apikey.Module,
	organization.Module,
	subscription.Module,
	transaction.Module,
	audit.Module,
	activity.Module,
	ratelimit.Module,
	fx.Invoke(NewServer),
	fx.Invoke(run),
)

func NewEngine(obsCfg observability.Config, httpMetrics *obsmetrics.HTTPMetrics) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(obsmiddleware.GinMiddleware(obsmiddleware.MiddlewareConfig{
		Debug:           obsCfg.Debug(),
		ErrorClassifier: classifyErrorForLog,
	}))
	r.Use(obstracing.GinMiddleware())
	r.Use(obsmetrics.GinMiddleware(httpMetrics))
	r.Use(ErrorHandlingMiddleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}

func registerGin(obsCfg observability.Config, httpMetrics *obsmetrics.HTTPMetrics) *gin.Engine {
	return NewEngine(obsCfg, httpMetrics)
}

func run(lc fx.Lifecycle, r *gin.Engine, cfg config.Config) {
	port := strings.TrimSpace(cfg.HTTPPort)
	if port == "" {
		port = "8080"
	}
	srv := &http.Server{
		Addr:    ":" + port,
		Handler: r,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					panic(err)
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	})
}

type Server struct {
	engine          *gin.Engine
	cfg             config.Config
	db              *gorm.DB
	genID           *snowflake.Node
	apiKeySvc       apikeydomain.Service
	apiKeyLimiter   *rateLimiter
	auditSvc        auditdomain.Service
	transactionSvc  transactiondomain.Service
	subscriptionSvc subscriptiondomain.Service
	activitySvc     activitydomain.Service
	organizationSvc organizationdomain.Service
	obsMetrics      *obsmetrics.Metrics
	ingestLimiter   *ratelimit.IngestLimiter
	scheduler       *scheduler.Scheduler
}

type ServerParams struct {
	fx.In

	Gin             *gin.Engine
	Cfg             config.Config
	DB              *gorm.DB
	GenID           *snowflake.Node
	APIKeySvc       apikeydomain.Service
	AuditSvc        auditdomain.Service
	TransactionSvc  transactiondomain.Service
	SubscriptionSvc subscriptiondomain.Service
	ActivitySvc     activitydomain.Service
	OrganizationSvc organizationdomain.Service
	ObsMetrics      *obsmetrics.Metrics      `optional:"true"`
	IngestLimiter   *ratelimit.IngestLimiter `optional:"true"`
	Scheduler       *scheduler.Scheduler     `optional:"true"`
}

func NewServer(p ServerParams) *Server {
	svc := &Server{
		engine:          p.Gin,
		cfg:             p.Cfg,
		db:              p.DB,
		genID:           p.GenID,
		apiKeySvc:       p.APIKeySvc,
		apiKeyLimiter:   newRateLimiter(5, 10*time.Minute),
		auditSvc:        p.AuditSvc,
		transactionSvc:  p.TransactionSvc,
		subscriptionSvc: p.SubscriptionSvc,
		activitySvc:     p.ActivitySvc,
		organizationSvc: p.OrganizationSvc,
		obsMetrics:      p.ObsMetrics,
		ingestLimiter:   p.IngestLimiter,
		scheduler:       p.Scheduler,
	}

	svc.registerAPIRoutes()
	svc.RegisterDevAuditRoutes()

	return svc
}

func (s *Server) Engine() *gin.Engine {
	return s.engine
}

func (s *Server) registerAPIRoutes() {
	v1 := s.engine.Group("/v1")

	// -------- Transactions --------
	v1.POST("/transactions", s.APIKeyRequired(), s.RequireScope(apikeydomain.ScopeTransactionsWrite), s.IngestRateLimit(), s.IngestTransactions)
	v1.GET("/transactions", s.APIKeyRequired(), s.RequireScope(apikeydomain.ScopeTransactionsRead), s.ListTransactions)
	v1.GET("/transactions/:version/:house_id", s.APIKeyRequired(), s.RequireScope(apikeydomain.ScopeTransactionsRead), s.GetTransaction)

	// -------- Usage --------
	v1.GET("/usage", s.APIKeyRequired(), s.RequireScope(apikeydomain.ScopeUsageRead), s.GetUsage)

	// -------- Audit queue --------
	v1.GET("/audit/status", s.APIKeyRequired(), s.RequireScope(apikeydomain.ScopeAuditRead), s.GetAuditStatus)
	v1.POST("/audit/queue", s.APIKeyRequired(), s.RequireScope(apikeydomain.ScopeAuditWrite), s.EnqueueAudit)
	v1.GET("/audit/batches/:id", s.APIKeyRequired(), s.RequireScope(apikeydomain.ScopeAuditRead), s.GetAuditBatch)

	// -------- Activity trail --------
	v1.GET("/activities", s.APIKeyRequired(), s.RequireScope(apikeydomain.ScopeActivityRead), s.ListActivities)

	// -------- Organization --------
	v1.GET("/organization", s.APIKeyRequired(), s.GetOrganization)

	// -------- API keys --------
	// Key management is self-serve inside the caller's organization; any
	// active key may roll its org's credentials.
	v1.GET("/api-keys", s.APIKeyRequired(), s.ListAPIKeys)
	v1.GET("/api-keys/scopes", s.APIKeyRequired(), s.ListAPIKeyScopes)
	v1.POST("/api-keys", s.APIKeyRequired(), s.CreateAPIKey)
	v1.POST("/api-keys/:key_id/rotate", s.APIKeyRequired(), s.RotateAPIKey)
	v1.POST("/api-keys/:key_id/revoke", s.APIKeyRequired(), s.RevokeAPIKey)

	if s.cfg.Environment != "production" {
		v1.POST("/test/cleanup", s.TestCleanup)
	}
}
