package main

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/enterprise/fraud-engine/internal/auth"
	"github.com/enterprise/fraud-engine/internal/ingestion"
	"github.com/enterprise/fraud-engine/internal/metrics"
	"github.com/enterprise/fraud-engine/internal/models"
	"github.com/enterprise/fraud-engine/internal/scoring"
	"github.com/enterprise/fraud-engine/internal/services"
	"github.com/enterprise/fraud-engine/internal/telemetry"
)

// ScoreArchive is the read side of the Postgres result archive.
type ScoreArchive interface {
	GetByTransactionID(ctx context.Context, transactionID string) (*models.ArchivedScore, error)
	ListByRiskLevel(ctx context.Context, level models.RiskLevel, page, pageSize int) ([]*models.ArchivedScore, int, error)
	GetDailySummary(ctx context.Context, date time.Time) (*models.ScoreSummary, error)
}

// Server holds everything the HTTP handlers need.
type Server struct {
	engine      *scoring.ScoringEngine
	ingestion   *ingestion.IngestionService
	asyncReady  bool
	authService *services.AuthService
	jwtManager  *auth.JWTManager
	archive     ScoreArchive
	limiter     *RateLimiter
	version     string
}

// newRouter builds the gin engine with middleware and routes.
func newRouter(s *Server) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(requestIDMiddleware())
	router.Use(loggingMiddleware())
	router.Use(corsMiddleware())
	router.Use(telemetry.TracingMiddleware())
	router.Use(metrics.Middleware())

	setupRoutes(router, s)
	return router
}

func setupRoutes(router *gin.Engine, s *Server) {
	router.GET("/health", s.healthHandler)
	router.GET("/metrics", metrics.Handler())

	v1 := router.Group("/api/v1")
	if s.limiter != nil {
		v1.Use(rateLimitMiddleware(s.limiter))
	}

	v1.POST("/auth/token", s.issueTokenHandler)

	protected := v1.Group("")
	protected.Use(auth.AuthMiddleware(s.jwtManager))

	txRoutes := protected.Group("/transactions")
	{
		txRoutes.POST("", s.scoreTransactionHandler)
		txRoutes.POST("/batch", s.scoreBatchHandler)
		txRoutes.POST("/async", s.enqueueTransactionHandler)
		txRoutes.POST("/async/batch", s.enqueueBatchHandler)
		txRoutes.GET("/:id", s.getTransactionHandler)
		txRoutes.GET("/:id/score", s.getArchivedScoreHandler)
	}

	userRoutes := protected.Group("/users")
	{
		userRoutes.GET("/:id/profile", s.getUserProfileHandler)
		userRoutes.GET("/:id/summary", s.getUserSummaryHandler)
	}

	adminRoutes := protected.Group("")
	adminRoutes.Use(auth.RoleMiddleware(auth.RoleAdmin))
	{
		adminRoutes.PUT("/merchants/:id/risk", s.setMerchantRiskHandler)
		adminRoutes.GET("/scores", s.listArchivedScoresHandler)
		adminRoutes.GET("/scores/summary", s.getDailySummaryHandler)
	}
}

func (s *Server) healthHandler(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	store := s.engine.Store()
	deps := gin.H{"store": store.Name(), "async": s.asyncReady, "archive": s.archive != nil}
	status := http.StatusOK
	body := gin.H{
		"status":    "healthy",
		"version":   s.version,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"services":  deps,
	}
	if err := store.Ping(ctx); err != nil {
		status = http.StatusServiceUnavailable
		body["status"] = "degraded"
		deps["store_error"] = err.Error()
	}
	c.JSON(status, body)
}
