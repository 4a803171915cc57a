// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/AleutianAI/livemigrate/services/migrate/metrics"
)

func TestRecordMigration(t *testing.T) {
	ctx := context.Background()
	m := metrics.Metrics{TotalDuration: 2 * time.Second, ObjectsMigrated: 3, ObjectsPatched: 7}

	t.Run("records success", func(t *testing.T) {
		SetMetricsEnabled(true)
		// Should not panic
		recordMigration(ctx, m, true)
	})

	t.Run("records failure", func(t *testing.T) {
		SetMetricsEnabled(true)
		// Should not panic
		recordMigration(ctx, metrics.Metrics{}, false)
	})

	t.Run("skips when disabled", func(t *testing.T) {
		SetMetricsEnabled(false)
		// Should not panic
		recordMigration(ctx, m, true)
		SetMetricsEnabled(true) // Restore
	})
}

func TestRecordPhase(t *testing.T) {
	ctx := context.Background()

	for _, p := range metrics.Phases() {
		t.Run(p.String(), func(t *testing.T) {
			SetMetricsEnabled(true)
			// Should not panic
			recordPhase(ctx, p, 10*time.Millisecond, nil)
			recordPhase(ctx, p, time.Millisecond, errors.New("failed"))
		})
	}
}

func TestRecordRollback(t *testing.T) {
	ctx := context.Background()

	t.Run("records each reason", func(t *testing.T) {
		SetMetricsEnabled(true)
		for _, reason := range []string{reasonTimeout, reasonValidation, reasonResume, reasonCommit, reasonFailure} {
			// Should not panic
			recordRollback(ctx, reason, true)
			recordRollback(ctx, reason, false)
		}
	})

	t.Run("skips when disabled", func(t *testing.T) {
		SetMetricsEnabled(false)
		recordRollback(ctx, reasonTimeout, true)
		SetMetricsEnabled(true) // Restore
	})
}

func TestActiveGauge(t *testing.T) {
	ctx := context.Background()
	SetMetricsEnabled(true)
	// Should not panic
	incActive(ctx)
	decActive(ctx)
}

func TestNormalizeRollbackReason(t *testing.T) {
	tests := []struct {
		reason string
		want   string
	}{
		{reasonTimeout, "timeout"},
		{reasonValidation, "validation"},
		{reasonResume, "resume"},
		{reasonCommit, "commit"},
		{reasonFailure, "error"},
		{"anything else", "error"},
	}
	for _, tt := range tests {
		t.Run(tt.reason, func(t *testing.T) {
			if got := normalizeRollbackReason(tt.reason); got != tt.want {
				t.Errorf("normalizeRollbackReason(%q) = %q, want %q", tt.reason, got, tt.want)
			}
		})
	}
}

func TestInitMetrics(t *testing.T) {
	if err := initMetrics(); err != nil {
		t.Fatalf("initMetrics() error = %v", err)
	}
	// Second call returns the cached result.
	if err := initMetrics(); err != nil {
		t.Fatalf("initMetrics() second call error = %v", err)
	}
}
