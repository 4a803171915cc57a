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
	"github.com/AleutianAI/livemigrate/services/migrate/engine"
	"github.com/AleutianAI/livemigrate/services/migrate/state"
)

// RunRequest is the optional body of POST /v1/migrate/run.
type RunRequest struct {
	// TimeoutMS bounds the whole migration. 0 runs unbounded.
	TimeoutMS int64 `json:"timeout_ms" binding:"gte=0"`
}

// RunResponse describes a finished migration.
type RunResponse struct {
	ID              uint64   `json:"id"`
	RunID           string   `json:"run_id"`
	Status          string   `json:"status"`
	DurationMS      int64    `json:"duration_ms"`
	ObjectsMigrated int      `json:"objects_migrated"`
	ObjectsPatched  int      `json:"objects_patched"`
	RolledBack      bool     `json:"rolled_back"`
	RollbackError   string   `json:"rollback_error,omitempty"`
	Error           string   `json:"error,omitempty"`
	Checks          []string `json:"checks,omitempty"`
	Summary         string   `json:"summary"`
}

// RunResponseFromOutcome converts an engine outcome for the wire.
func RunResponseFromOutcome(o *engine.Outcome) *RunResponse {
	if o == nil {
		return nil
	}
	resp := &RunResponse{
		ID:              o.ID,
		RunID:           o.RunID.String(),
		Status:          o.Status.String(),
		DurationMS:      o.Duration.Milliseconds(),
		ObjectsMigrated: o.ObjectsMigrated,
		ObjectsPatched:  o.ObjectsPatched,
		RolledBack:      o.RolledBack,
		Summary:         o.Summary(),
	}
	if o.RollbackErr != nil {
		resp.RollbackError = o.RollbackErr.Error()
	}
	if o.Err != nil {
		resp.Error = o.Err.Error()
	}
	if o.Report != nil {
		for _, r := range o.Report.Results() {
			resp.Checks = append(resp.Checks, r.String())
		}
	}
	return resp
}

// HistoryResponse lists finished migrations, newest first.
type HistoryResponse struct {
	Records []state.Record `json:"records"`
	Count   int            `json:"count"`
}

// HealthResponse is returned by GET /v1/migrate/health.
type HealthResponse struct {
	// Status is "healthy", or "unknown_state" after a failed rollback.
	Status string `json:"status"`

	// Migration is the status of the current or last migration.
	Migration string `json:"migration"`

	// Forwarded is the number of live forwarding entries.
	Forwarded int `json:"forwarded"`

	Version string `json:"version"`
}

// ErrorResponse is the standard error response format.
type ErrorResponse struct {
	// Error is the error message.
	Error string `json:"error"`

	// Code is the error code (optional).
	Code string `json:"code,omitempty"`

	// Details provides additional error context (optional).
	Details string `json:"details,omitempty"`

	// Outcome is set when a migration started and failed.
	Outcome *RunResponse `json:"outcome,omitempty"`
}
