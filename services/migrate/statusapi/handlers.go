// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package statusapi exposes a migration engine over HTTP.
package statusapi

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/AleutianAI/livemigrate/services/migrate/config"
	"github.com/AleutianAI/livemigrate/services/migrate/engine"
	"github.com/AleutianAI/livemigrate/services/migrate/timeout"
)

// ServiceVersion is the status API version.
const ServiceVersion = "0.1.0"

// RequestFunc builds the engine request for a triggered migration.
type RequestFunc func() engine.Request

// Handlers contains the HTTP handlers of the status API.
//
// # Thread Safety
//
// Safe for concurrent use. The engine rejects overlapping runs.
type Handlers struct {
	eng     *engine.Engine
	request RequestFunc
	limiter *rate.Limiter
}

// NewHandlers creates handlers for eng.
//
// # Inputs
//
//   - eng: The engine to expose. Required.
//   - request: Builds the request of POST /run. A nil func sends an empty
//     request, which migrates tracked objects and patches nothing else.
//
// # Outputs
//
//   - *Handlers: Rate limited by the engine's server configuration.
func NewHandlers(eng *engine.Engine, request RequestFunc) *Handlers {
	if request == nil {
		request = func() engine.Request { return engine.Request{} }
	}
	srv := eng.Config().Server
	return &Handlers{
		eng:     eng,
		request: request,
		limiter: rate.NewLimiter(rate.Limit(srv.RunRate), srv.RunBurst),
	}
}

// ApplyConfig updates the run rate limit.
func (h *Handlers) ApplyConfig(cfg *config.Config) {
	h.limiter.SetLimit(rate.Limit(cfg.Server.RunRate))
	h.limiter.SetBurst(cfg.Server.RunBurst)
}

// HandleState handles GET /v1/migrate/state.
//
// Response:
//
//	200 OK: state.Snapshot
func (h *Handlers) HandleState(c *gin.Context) {
	getOrCreateRequestID(c)
	c.JSON(http.StatusOK, h.eng.State().Snapshot())
}

// HandleHistory handles GET /v1/migrate/history.
//
// Query Parameters:
//
//	limit - Maximum number of records (optional, default all)
//
// Response:
//
//	200 OK: HistoryResponse
//	400 Bad Request: Invalid limit
func (h *Handlers) HandleHistory(c *gin.Context) {
	requestID := getOrCreateRequestID(c)
	logger := slog.With("request_id", requestID, "handler", "HandleHistory")

	records := h.eng.State().History()
	if raw := c.Query("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			logger.Warn("Invalid limit", "limit", raw)
			c.JSON(http.StatusBadRequest, ErrorResponse{
				Error:   "limit must be a non-negative integer",
				Code:    "INVALID_LIMIT",
				Details: raw,
			})
			return
		}
		if limit < len(records) {
			records = records[:limit]
		}
	}

	c.JSON(http.StatusOK, HistoryResponse{Records: records, Count: len(records)})
}

// HandleConfig handles GET /v1/migrate/config.
//
// Response:
//
//	200 OK: The active configuration as YAML
//	500 Internal Server Error: Rendering error
func (h *Handlers) HandleConfig(c *gin.Context) {
	requestID := getOrCreateRequestID(c)

	data, err := h.eng.Config().YAML()
	if err != nil {
		slog.Error("Failed to render config", "request_id", requestID, "error", err)
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error: "Failed to render configuration",
			Code:  "CONFIG_RENDER_FAILED",
		})
		return
	}
	c.Data(http.StatusOK, "application/yaml; charset=utf-8", data)
}

// HandleHealth handles GET /v1/migrate/health.
//
// Response:
//
//	200 OK: HealthResponse
//	503 Service Unavailable: The last rollback failed
func (h *Handlers) HandleHealth(c *gin.Context) {
	getOrCreateRequestID(c)

	st := h.eng.State()
	resp := HealthResponse{
		Status:    "healthy",
		Migration: st.Status().String(),
		Forwarded: h.eng.Forwarded(),
		Version:   ServiceVersion,
	}

	var fe *engine.FinalizeError
	if errors.As(st.LastError(), &fe) {
		resp.Status = "unknown_state"
		c.JSON(http.StatusServiceUnavailable, resp)
		return
	}
	c.JSON(http.StatusOK, resp)
}

// HandleRun handles POST /v1/migrate/run.
//
// Description:
//
//	Runs one migration synchronously and reports its outcome. The run is
//	detached from the client connection: a disconnect does not roll it
//	back.
//
// Request Body:
//
//	RunRequest (optional)
//
// Response:
//
//	200 OK: RunResponse
//	400 Bad Request: Invalid body
//	409 Conflict: A migration is already running
//	412 Precondition Failed: Heap guard refused the run
//	422 Unprocessable Entity: Smoke tests failed, rolled back
//	429 Too Many Requests: Rate limited
//	500 Internal Server Error: Migration failed
//	504 Gateway Timeout: Migration timed out, rolled back
func (h *Handlers) HandleRun(c *gin.Context) {
	requestID := getOrCreateRequestID(c)
	logger := slog.With("request_id", requestID, "handler", "HandleRun")

	if !h.limiter.Allow() {
		logger.Warn("Migration trigger rate limited")
		c.JSON(http.StatusTooManyRequests, ErrorResponse{
			Error: "Too many migration requests",
			Code:  "RATE_LIMITED",
		})
		return
	}

	var req RunRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		logger.Warn("Invalid request body", "error", err)
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "Invalid request body",
			Code:    "INVALID_REQUEST",
			Details: err.Error(),
		})
		return
	}

	bound := time.Duration(req.TimeoutMS) * time.Millisecond
	logger.Info("Starting migration", "timeout", bound)

	ctx := context.WithoutCancel(c.Request.Context())
	out, err := h.eng.MigrateWithTimeout(ctx, h.request(), bound)
	if err != nil {
		status, code := classify(err)
		logger.Error("Migration failed", "code", code, "error", err)
		c.JSON(status, ErrorResponse{
			Error:   err.Error(),
			Code:    code,
			Outcome: RunResponseFromOutcome(out),
		})
		return
	}

	logger.Info("Migration completed", "summary", out.Summary())
	c.JSON(http.StatusOK, RunResponseFromOutcome(out))
}

// classify maps a migration error to an HTTP status and error code.
func classify(err error) (int, string) {
	var fe *engine.FinalizeError
	switch {
	case errors.As(err, &fe):
		return http.StatusInternalServerError, "ROLLBACK_FAILED"
	case errors.Is(err, engine.ErrMigrationInProgress):
		return http.StatusConflict, "MIGRATION_IN_PROGRESS"
	case errors.Is(err, engine.ErrHeapBelowMinimum), errors.Is(err, engine.ErrHeapAboveMaximum):
		return http.StatusPreconditionFailed, "HEAP_GUARD"
	case errors.Is(err, timeout.ErrTimeout):
		return http.StatusGatewayTimeout, "MIGRATION_TIMEOUT"
	case errors.Is(err, engine.ErrValidationFailed):
		return http.StatusUnprocessableEntity, "VALIDATION_FAILED"
	case errors.Is(err, engine.ErrCriticalPhaseRefused):
		return http.StatusConflict, "CRITICAL_PHASE_REFUSED"
	default:
		return http.StatusInternalServerError, "MIGRATION_FAILED"
	}
}

// getOrCreateRequestID returns the X-Request-ID header, generating one if
// absent, and echoes it on the response.
func getOrCreateRequestID(c *gin.Context) string {
	requestID := c.GetHeader("X-Request-ID")
	if requestID == "" {
		requestID = uuid.NewString()
	}
	c.Header("X-Request-ID", requestID)
	return requestID
}
