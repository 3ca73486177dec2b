package service

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"

	"github.com/degenlabs/degenshield/internal/codec"
	"github.com/degenlabs/degenshield/internal/history"
	"github.com/degenlabs/degenshield/internal/logging"
	"github.com/degenlabs/degenshield/internal/pagination"
	"github.com/degenlabs/degenshield/internal/reader"
	"github.com/degenlabs/degenshield/internal/traces"
	"github.com/degenlabs/degenshield/internal/validation"
)

// analyzeTokenHandler assembles the scoring input for a token, submits an
// ANALYZE_RISK work item and starts tracking its result in the background.
// The response carries the work-item id plus the raw facts that were
// submitted, so callers can render something while the score is computed.
func (s *Server) analyzeTokenHandler(c *gin.Context) {
	address := validation.SanitizeAddress(c.Query("address"))
	if !validation.IsValidEthAddress(address) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_address",
			"message": "address must be a 0x-prefixed 20-byte hex string",
		})
		return
	}

	ctx, span := traces.StartSpan(c.Request.Context(), "analyze_token", traces.TokenAddr(address))
	defer span.End()

	input, err := s.tokens.BuildRiskInput(ctx, common.HexToAddress(address), time.Now().UTC())
	if err != nil {
		logging.L(ctx).Error("failed to build risk input", "address", address, "error", err)
		c.JSON(http.StatusBadGateway, gin.H{
			"error":   "data_unavailable",
			"message": "could not assemble token data",
		})
		return
	}
	if err := input.Validate(); err != nil {
		logging.L(ctx).Error("token data failed validation", "address", address, "error", err)
		c.JSON(http.StatusBadGateway, gin.H{
			"error":   "invalid_token_data",
			"message": err.Error(),
		})
		return
	}

	id, err := s.submitter.Submit(ctx, codec.OpAnalyzeRisk, input)
	if err != nil {
		logging.L(ctx).Error("submission failed", "address", address, "error", err)
		c.JSON(http.StatusBadGateway, gin.H{
			"error":   "submit_failed",
			"message": "could not submit analysis to the rollup",
		})
		return
	}

	analysis := &history.Analysis{
		ID:          id,
		Kind:        string(codec.OpAnalyzeRisk),
		Subject:     address,
		Requester:   s.submitter.Sender().Hex(),
		Status:      history.StatusSubmitted,
		SubmittedAt: time.Now().UTC(),
	}
	s.recordAndTrack(ctx, analysis)

	c.JSON(http.StatusAccepted, gin.H{
		"id":     id,
		"status": history.StatusSubmitted,
		"input":  input,
	})
}

// analyzePoolHandler fetches a pool snapshot from the subgraph and submits
// an ANALYZE_POOL work item.
func (s *Server) analyzePoolHandler(c *gin.Context) {
	if s.pools == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error":   "pool_analysis_disabled",
			"message": "SUBGRAPH_URL is not configured",
		})
		return
	}

	poolID := c.Query("poolID")
	if poolID == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "missing_pool_id",
			"message": "poolID query parameter is required",
		})
		return
	}

	ctx, span := traces.StartSpan(c.Request.Context(), "analyze_pool", traces.PoolID(poolID))
	defer span.End()

	data, err := s.pools.Fetch(ctx, poolID, time.Now().UTC())
	if err != nil {
		logging.L(ctx).Error("failed to fetch pool snapshot", "pool_id", poolID, "error", err)
		c.JSON(http.StatusBadGateway, gin.H{
			"error":   "data_unavailable",
			"message": "could not fetch pool data",
		})
		return
	}

	id, err := s.submitter.Submit(ctx, codec.OpAnalyzePool, data)
	if err != nil {
		logging.L(ctx).Error("submission failed", "pool_id", poolID, "error", err)
		c.JSON(http.StatusBadGateway, gin.H{
			"error":   "submit_failed",
			"message": "could not submit analysis to the rollup",
		})
		return
	}

	analysis := &history.Analysis{
		ID:          id,
		Kind:        string(codec.OpAnalyzePool),
		Subject:     poolID,
		Requester:   s.submitter.Sender().Hex(),
		Status:      history.StatusSubmitted,
		SubmittedAt: time.Now().UTC(),
	}
	s.recordAndTrack(ctx, analysis)

	c.JSON(http.StatusAccepted, gin.H{
		"id":     id,
		"status": history.StatusSubmitted,
	})
}

// loginHandler submits a LOGIN work item for the configured sender. Logins
// produce no notice, so there is nothing to poll: the response is the
// work-item id alone.
func (s *Server) loginHandler(c *gin.Context) {
	ctx, span := traces.StartSpan(c.Request.Context(), "login")
	defer span.End()

	id, err := s.submitter.Submit(ctx, codec.OpLogin, nil)
	if err != nil {
		logging.L(ctx).Error("login submission failed", "error", err)
		c.JSON(http.StatusBadGateway, gin.H{
			"error":   "submit_failed",
			"message": "could not submit login to the rollup",
		})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{
		"id":     id,
		"sender": s.submitter.Sender().Hex(),
	})
}

// getResultHandler returns the tracked state of one analysis.
func (s *Server) getResultHandler(c *gin.Context) {
	id := c.Param("id")

	analysis, err := s.store.Get(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, history.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "no analysis with that id",
			})
			return
		}
		logging.L(c.Request.Context()).Error("failed to load analysis", "id", id, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "could not load analysis",
		})
		return
	}

	c.JSON(http.StatusOK, analysis)
}

// listAnalysesHandler lists recent analyses, optionally filtered by subject.
func (s *Server) listAnalysesHandler(c *gin.Context) {
	limit := 50
	if raw := c.Query("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 && parsed <= 500 {
			limit = parsed
		}
	}

	before, err := pagination.Decode(c.Query("cursor"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_cursor",
			"message": "cursor is malformed",
		})
		return
	}

	// Fetch one extra row to know whether another page exists.
	var analyses []*history.Analysis
	if subject := c.Query("subject"); subject != "" {
		analyses, err = s.store.ListBySubject(c.Request.Context(), subject, limit+1, before)
	} else {
		analyses, err = s.store.ListRecent(c.Request.Context(), limit+1, before)
	}
	if err != nil {
		logging.L(c.Request.Context()).Error("failed to list analyses", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "could not list analyses",
		})
		return
	}

	analyses, next, hasMore := pagination.ComputePage(analyses, limit, func(a *history.Analysis) (time.Time, string) {
		return a.SubmittedAt, a.ID
	})

	resp := gin.H{
		"analyses": analyses,
		"count":    len(analyses),
		"has_more": hasMore,
	}
	if next != "" {
		resp["next_cursor"] = next
	}
	c.JSON(http.StatusOK, resp)
}

// recordAndTrack stores the submitted analysis, announces it, and follows
// the read side for its result in the background. The tracker is bound to
// the server's lifetime, not the request's.
func (s *Server) recordAndTrack(ctx context.Context, analysis *history.Analysis) {
	if err := s.store.Create(ctx, analysis); err != nil {
		logging.L(ctx).Error("failed to record analysis", "id", analysis.ID, "error", err)
	}
	s.hub.BroadcastSubmitted(analysis)

	s.tracking.Add(1)
	go func() {
		defer s.tracking.Done()
		s.trackResult(s.runCtx, analysis)
	}()
}

// trackResult polls the read side until the analysis resolves, then updates
// the store and notifies subscribers.
func (s *Server) trackResult(ctx context.Context, analysis *history.Analysis) {
	ctx, span := traces.StartSpan(ctx, "track_result", traces.WorkItemID(analysis.ID))
	defer span.End()

	res, err := s.results.Poll(ctx, analysis.ID)
	now := time.Now().UTC()

	switch {
	case err == nil:
		result := json.RawMessage(res.Payloads[0])
		if err := s.store.Complete(ctx, analysis.ID, result, now); err != nil {
			s.logger.Error("failed to record result", "id", analysis.ID, "error", err)
			return
		}
		analysis.Status = history.StatusCompleted
		analysis.Result = result
		analysis.CompletedAt = &now
		s.hub.BroadcastCompleted(analysis)
		s.logger.Info("analysis completed", "id", analysis.ID, "subject", analysis.Subject)

	case errors.Is(err, reader.ErrTimeout):
		if err := s.store.MarkTimeout(ctx, analysis.ID, now); err != nil {
			s.logger.Error("failed to record timeout", "id", analysis.ID, "error", err)
			return
		}
		analysis.Status = history.StatusTimeout
		analysis.CompletedAt = &now
		s.hub.BroadcastTimeout(analysis)
		s.logger.Warn("analysis timed out", "id", analysis.ID, "subject", analysis.Subject)

	case errors.Is(err, context.Canceled):
		// Server shutting down; leave the record as submitted.

	default:
		s.logger.Error("result tracking failed", "id", analysis.ID, "error", err)
	}
}

// healthHandler reports overall health including storage connectivity.
func (s *Server) healthHandler(c *gin.Context) {
	checks := make(map[string]string)

	if s.db != nil {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
		defer cancel()
		if err := s.db.PingContext(ctx); err != nil {
			checks["database"] = "unhealthy"
		} else {
			checks["database"] = "healthy"
		}
	} else {
		checks["database"] = "memory"
	}

	status := "healthy"
	httpStatus := http.StatusOK
	for _, v := range checks {
		if v == "unhealthy" {
			status = "degraded"
			httpStatus = http.StatusServiceUnavailable
			break
		}
	}

	c.JSON(httpStatus, gin.H{
		"status":    status,
		"checks":    checks,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) livenessHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "alive"})
}

func (s *Server) readinessHandler(c *gin.Context) {
	if !s.ready.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}
