// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package statusapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"reflect"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/livemigrate/services/migrate/config"
	"github.com/AleutianAI/livemigrate/services/migrate/engine"
	"github.com/AleutianAI/livemigrate/services/migrate/heap"
	"github.com/AleutianAI/livemigrate/services/migrate/phase"
	"github.com/AleutianAI/livemigrate/services/migrate/plan"
	"github.com/AleutianAI/livemigrate/services/migrate/timeout"
	"github.com/AleutianAI/livemigrate/services/migrate/validate"
)

func init() {
	// Set Gin to test mode to reduce noise
	gin.SetMode(gin.TestMode)
}

type Account interface {
	Owner() string
}

type oldAccount struct {
	Name string
}

func (a *oldAccount) Owner() string { return a.Name }

type newAccount struct {
	Name    string
	Version int
}

func (a *newAccount) Owner() string { return a.Name }

type bank struct {
	primary Account
}

type setup struct {
	router   *gin.Engine
	handlers *Handlers
	eng      *engine.Engine
}

func newSetup(t *testing.T, mutate func(*engine.Options)) *setup {
	t.Helper()

	d, err := plan.For[Account](plan.MigratorFunc[*oldAccount, *newAccount](
		func(o *oldAccount) (*newAccount, error) {
			return &newAccount{Name: o.Name, Version: 2}, nil
		}))
	require.NoError(t, err)
	p, err := plan.Build(d)
	require.NoError(t, err)

	walker := heap.NewRegistry()
	a := &oldAccount{Name: "ada"}
	b := &oldAccount{Name: "bob"}
	require.NoError(t, walker.TrackAll(a, b, &bank{primary: a}))

	cfg := config.DefaultConfig()
	cfg.Server.RunRate = 100
	cfg.Server.RunBurst = 100

	opts := engine.Options{Plan: p, Walker: walker, Config: cfg}
	if mutate != nil {
		mutate(&opts)
	}
	eng, err := engine.New(opts)
	require.NoError(t, err)

	handlers := NewHandlers(eng, func() engine.Request {
		return engine.Request{ScanTypes: []reflect.Type{reflect.TypeFor[bank]()}}
	})
	return &setup{
		router:   NewRouter(handlers, nil),
		handlers: handlers,
		eng:      eng,
	}
}

func (s *setup) do(t *testing.T, method, path string, body []byte) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == nil {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, bytes.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

func failingValidation() *validate.Runner {
	return validate.NewRunner().AddSmokeTest(validate.SmokeTestFunc(
		func(context.Context, validate.Converted) *validate.Result {
			return validate.Fail("version check", "version missing", nil)
		}))
}

type brokenController struct{}

func (brokenController) DeleteCheckpoint(context.Context) error { return nil }

func (brokenController) RestoreFromCheckpoint(context.Context) error {
	return errors.New("checkpoint lost")
}

func TestHandleState_Idle(t *testing.T) {
	s := newSetup(t, nil)

	w := s.do(t, http.MethodGet, "/v1/migrate/state", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))

	resp := decode[map[string]any](t, w)
	assert.Equal(t, "IDLE", resp["status"])
	assert.EqualValues(t, 10, resp["max_history"])
}

func TestHandleRun_Success(t *testing.T) {
	s := newSetup(t, nil)

	w := s.do(t, http.MethodPost, "/v1/migrate/run", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	resp := decode[RunResponse](t, w)
	assert.Equal(t, "SUCCESS", resp.Status)
	assert.Equal(t, 2, resp.ObjectsMigrated)
	assert.False(t, resp.RolledBack)
	assert.NotEmpty(t, resp.RunID)
	assert.Equal(t, 2, s.eng.Forwarded())

	w = s.do(t, http.MethodGet, "/v1/migrate/state", nil)
	state := decode[map[string]any](t, w)
	assert.Equal(t, "SUCCESS", state["status"])
}

func TestHandleRun_WithTimeoutBody(t *testing.T) {
	s := newSetup(t, nil)

	w := s.do(t, http.MethodPost, "/v1/migrate/run", []byte(`{"timeout_ms": 5000}`))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "SUCCESS", decode[RunResponse](t, w).Status)
}

func TestHandleRun_InvalidBody(t *testing.T) {
	s := newSetup(t, nil)

	for _, body := range []string{`{"timeout_ms": -1}`, `{not json`} {
		w := s.do(t, http.MethodPost, "/v1/migrate/run", []byte(body))
		assert.Equal(t, http.StatusBadRequest, w.Code, body)
		assert.Equal(t, "INVALID_REQUEST", decode[ErrorResponse](t, w).Code)
	}
}

func TestHandleRun_ValidationFailure(t *testing.T) {
	s := newSetup(t, func(o *engine.Options) { o.Validation = failingValidation() })

	w := s.do(t, http.MethodPost, "/v1/migrate/run", nil)
	require.Equal(t, http.StatusUnprocessableEntity, w.Code, w.Body.String())

	resp := decode[ErrorResponse](t, w)
	assert.Equal(t, "VALIDATION_FAILED", resp.Code)
	require.NotNil(t, resp.Outcome)
	assert.Equal(t, "FAILED", resp.Outcome.Status)
	assert.True(t, resp.Outcome.RolledBack)
	assert.Contains(t, resp.Outcome.Checks, "version check: version missing")
	assert.Equal(t, 0, s.eng.Forwarded())
}

func TestHandleRun_RateLimited(t *testing.T) {
	s := newSetup(t, nil)
	cfg := s.eng.Config()
	cfg.Server.RunRate = 0.001
	cfg.Server.RunBurst = 1
	s.handlers.ApplyConfig(cfg)

	w := s.do(t, http.MethodPost, "/v1/migrate/run", nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = s.do(t, http.MethodPost, "/v1/migrate/run", nil)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "RATE_LIMITED", decode[ErrorResponse](t, w).Code)
}

func TestHandleRun_InProgress(t *testing.T) {
	release := make(chan struct{})
	entered := make(chan struct{})
	s := newSetup(t, func(o *engine.Options) {
		o.Signal = phase.Funcs{Before: func(context.Context, *phase.Context) error {
			close(entered)
			<-release
			return nil
		}}
	})

	done := make(chan int)
	go func() {
		w := s.do(t, http.MethodPost, "/v1/migrate/run", nil)
		done <- w.Code
	}()

	select {
	case <-entered:
	case <-time.After(5 * time.Second):
		t.Fatal("migration did not reach the critical phase")
	}

	w := s.do(t, http.MethodPost, "/v1/migrate/run", nil)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "MIGRATION_IN_PROGRESS", decode[ErrorResponse](t, w).Code)

	w = s.do(t, http.MethodGet, "/v1/migrate/state", nil)
	state := decode[map[string]any](t, w)
	assert.Equal(t, "IN_PROGRESS", state["status"])
	assert.Equal(t, "CRITICAL_PHASE", state["phase"])

	close(release)
	assert.Equal(t, http.StatusOK, <-done)
}

func TestHandleHistory(t *testing.T) {
	s := newSetup(t, nil)

	for i := 0; i < 3; i++ {
		require.Equal(t, http.StatusOK, s.do(t, http.MethodPost, "/v1/migrate/run", nil).Code)
	}

	w := s.do(t, http.MethodGet, "/v1/migrate/history", nil)
	require.Equal(t, http.StatusOK, w.Code)
	resp := decode[HistoryResponse](t, w)
	require.Equal(t, 3, resp.Count)
	assert.Greater(t, resp.Records[0].ID, resp.Records[2].ID, "newest first")

	w = s.do(t, http.MethodGet, "/v1/migrate/history?limit=1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 1, decode[HistoryResponse](t, w).Count)

	w = s.do(t, http.MethodGet, "/v1/migrate/history?limit=abc", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "INVALID_LIMIT", decode[ErrorResponse](t, w).Code)
}

func TestHandleConfig(t *testing.T) {
	s := newSetup(t, nil)

	w := s.do(t, http.MethodGet, "/v1/migrate/config", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Header().Get("Content-Type"), "application/yaml")

	cfg, err := config.Parse(w.Body.Bytes())
	require.NoError(t, err)
	assert.Equal(t, config.WalkFull, cfg.HeapWalk.Mode)
	assert.Equal(t, 100, cfg.Server.RunBurst)
}

func TestHandleHealth(t *testing.T) {
	t.Run("healthy", func(t *testing.T) {
		s := newSetup(t, nil)

		w := s.do(t, http.MethodGet, "/v1/migrate/health", nil)
		require.Equal(t, http.StatusOK, w.Code)
		resp := decode[HealthResponse](t, w)
		assert.Equal(t, "healthy", resp.Status)
		assert.Equal(t, "IDLE", resp.Migration)
		assert.Equal(t, ServiceVersion, resp.Version)
	})

	t.Run("rollback failed", func(t *testing.T) {
		s := newSetup(t, func(o *engine.Options) {
			o.Validation = failingValidation()
			o.Controller = brokenController{}
		})

		w := s.do(t, http.MethodPost, "/v1/migrate/run", nil)
		require.Equal(t, http.StatusInternalServerError, w.Code)
		assert.Equal(t, "ROLLBACK_FAILED", decode[ErrorResponse](t, w).Code)

		w = s.do(t, http.MethodGet, "/v1/migrate/health", nil)
		require.Equal(t, http.StatusServiceUnavailable, w.Code)
		resp := decode[HealthResponse](t, w)
		assert.Equal(t, "unknown_state", resp.Status)
		assert.Equal(t, "FAILED", resp.Migration)
	})
}

func TestNewRouter_Metrics(t *testing.T) {
	s := newSetup(t, nil)
	router := NewRouter(s.handlers, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, "migration_total 0")
	}))

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "migration_total")

	w = s.do(t, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusNotFound, w.Code, "no metrics handler configured")
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{"in progress", engine.ErrMigrationInProgress, http.StatusConflict, "MIGRATION_IN_PROGRESS"},
		{"heap min", engine.ErrHeapBelowMinimum, http.StatusPreconditionFailed, "HEAP_GUARD"},
		{"heap max", fmt.Errorf("wrapped: %w", engine.ErrHeapAboveMaximum), http.StatusPreconditionFailed, "HEAP_GUARD"},
		{"timeout", fmt.Errorf("%w: %w", engine.ErrResumeFailed, &timeout.TimeoutError{Operation: "migration", Timeout: time.Second}), http.StatusGatewayTimeout, "MIGRATION_TIMEOUT"},
		{"validation", engine.ErrValidationFailed, http.StatusUnprocessableEntity, "VALIDATION_FAILED"},
		{"refused", engine.ErrCriticalPhaseRefused, http.StatusConflict, "CRITICAL_PHASE_REFUSED"},
		{"finalize", &engine.FinalizeError{Cause: engine.ErrValidationFailed, Rollback: errors.New("x")}, http.StatusInternalServerError, "ROLLBACK_FAILED"},
		{"other", errors.New("boom"), http.StatusInternalServerError, "MIGRATION_FAILED"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, code := classify(tt.err)
			assert.Equal(t, tt.status, status)
			assert.Equal(t, tt.code, code)
		})
	}
}
