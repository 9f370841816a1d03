package main

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/enterprise/fraud-engine/internal/ingestion"
	"github.com/enterprise/fraud-engine/internal/models"
	"github.com/enterprise/fraud-engine/internal/repositories"
	"github.com/enterprise/fraud-engine/internal/scoring"
	"github.com/enterprise/fraud-engine/internal/services"
	"github.com/enterprise/fraud-engine/internal/storage"
)

// MerchantRiskRequest sets the stored risk score of a merchant
type MerchantRiskRequest struct {
	RiskScore *float64 `json:"risk_score" binding:"required,min=0,max=1"`
}

// BatchScoreResponse is returned by the synchronous batch endpoint
type BatchScoreResponse struct {
	Results []*models.RiskScore `json:"results"`
	Summary BatchSummary        `json:"summary"`
}

// BatchSummary counts the outcomes of a scored batch
type BatchSummary struct {
	TotalProcessed int `json:"total_processed"`
	FraudCount     int `json:"fraud_count"`
	FailedCount    int `json:"failed_count"`
}

// respondError reports invalid transactions as 400 and anything else as 500.
func respondError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	if errors.Is(err, scoring.ErrValidation) {
		status = http.StatusBadRequest
	}
	c.JSON(status, gin.H{
		"error":      err.Error(),
		"request_id": c.GetString(requestIDKey),
	})
}

func (s *Server) issueTokenHandler(c *gin.Context) {
	var req services.TokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	resp, err := s.authService.IssueToken(c.Request.Context(), &req)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, services.ErrInvalidCredentials) {
			status = http.StatusUnauthorized
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, resp)
}

func (s *Server) scoreTransactionHandler(c *gin.Context) {
	var req ingestion.TransactionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	score, err := s.engine.Process(c.Request.Context(), s.ingestion.Prepare(&req))
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, score)
}

func (s *Server) scoreBatchHandler(c *gin.Context) {
	var req ingestion.BatchTransactionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	txs := make([]*models.Transaction, len(req.Transactions))
	for i := range req.Transactions {
		txs[i] = s.ingestion.Prepare(&req.Transactions[i])
	}

	results := s.engine.ProcessBatch(c.Request.Context(), txs)
	summary := BatchSummary{TotalProcessed: len(results)}
	for _, r := range results {
		if r.IsFraud {
			summary.FraudCount++
		}
		if len(r.Flags) == 1 && r.Flags[0] == models.FlagProcessingError {
			summary.FailedCount++
		}
	}

	c.JSON(http.StatusOK, BatchScoreResponse{Results: results, Summary: summary})
}

func (s *Server) enqueueTransactionHandler(c *gin.Context) {
	if !s.asyncReady {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "async scoring is not available"})
		return
	}

	var req ingestion.TransactionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	resp, err := s.ingestion.IngestTransaction(c.Request.Context(), &req, c.GetString(requestIDKey))
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusAccepted, resp)
}

func (s *Server) enqueueBatchHandler(c *gin.Context) {
	if !s.asyncReady {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "async scoring is not available"})
		return
	}

	var req ingestion.BatchTransactionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	resp, err := s.ingestion.IngestBatch(c.Request.Context(), &req, c.GetString(requestIDKey))
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusAccepted, resp)
}

func (s *Server) getTransactionHandler(c *gin.Context) {
	tx, err := s.engine.Store().GetTransaction(c.Request.Context(), c.Param("id"))
	if errors.Is(err, storage.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "transaction not found"})
		return
	}
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, tx)
}

func (s *Server) getArchivedScoreHandler(c *gin.Context) {
	if s.archive == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "score archive is disabled"})
		return
	}

	score, err := s.archive.GetByTransactionID(c.Request.Context(), c.Param("id"))
	if errors.Is(err, repositories.ErrRiskScoreNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, score)
}

func (s *Server) getUserProfileHandler(c *gin.Context) {
	profile, err := s.engine.Store().GetUserProfile(c.Request.Context(), c.Param("id"))
	if errors.Is(err, storage.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "user not found"})
		return
	}
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, profile)
}

func (s *Server) getUserSummaryHandler(c *gin.Context) {
	summary, err := s.engine.SummarizeUser(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, summary)
}

func (s *Server) setMerchantRiskHandler(c *gin.Context) {
	var req MerchantRiskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	merchantID := c.Param("id")
	if err := s.engine.Store().SetMerchantRiskScore(c.Request.Context(), merchantID, *req.RiskScore); err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"merchant_id": merchantID,
		"risk_score":  *req.RiskScore,
	})
}

func (s *Server) listArchivedScoresHandler(c *gin.Context) {
	if s.archive == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "score archive is disabled"})
		return
	}

	level := models.RiskLevel(c.DefaultQuery("level", string(models.RiskLevelHigh)))
	switch level {
	case models.RiskLevelLow, models.RiskLevelMedium, models.RiskLevelHigh, models.RiskLevelCritical:
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "level must be LOW, MEDIUM, HIGH or CRITICAL"})
		return
	}

	page := getIntParam(c, "page", 1)
	pageSize := getIntParam(c, "page_size", 20)
	if pageSize > 100 {
		pageSize = 100
	}

	scores, total, err := s.archive.ListByRiskLevel(c.Request.Context(), level, page, pageSize)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"scores":     scores,
		"pagination": models.Pagination{Page: page, PageSize: pageSize, Total: total},
	})
}

func (s *Server) getDailySummaryHandler(c *gin.Context) {
	if s.archive == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "score archive is disabled"})
		return
	}

	date := time.Now().UTC()
	if raw := c.Query("date"); raw != "" {
		parsed, err := time.Parse("2006-01-02", raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid date format, use YYYY-MM-DD"})
			return
		}
		date = parsed
	}

	summary, err := s.archive.GetDailySummary(c.Request.Context(), date)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, summary)
}

func getIntParam(c *gin.Context, key string, defaultValue int) int {
	if v := c.Query(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil && i > 0 {
			return i
		}
	}
	return defaultValue
}
