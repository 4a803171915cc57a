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
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/AleutianAI/livemigrate/services/migrate/metrics"
)

// Package-level meter for engine metrics.
var meter = otel.Meter("livemigrate.engine")

// Metric instruments for migrations.
var (
	migrationsTotal   metric.Int64Counter
	migrationDuration metric.Float64Histogram
	phaseDuration     metric.Float64Histogram
	objectsMigrated   metric.Int64Counter
	objectsPatched    metric.Int64Counter
	rollbacksTotal    metric.Int64Counter
	activeGauge       metric.Int64UpDownCounter

	metricsOnce sync.Once
	metricsErr  error
)

// metricsEnabled controls whether metrics are recorded.
//
// Thread Safety: Uses atomic operations for safe concurrent access.
var metricsEnabled atomic.Bool

func init() {
	metricsEnabled.Store(true)
}

// SetMetricsEnabled controls whether metrics are recorded.
//
// Thread Safety: Safe for concurrent use.
func SetMetricsEnabled(enabled bool) {
	metricsEnabled.Store(enabled)
}

// initMetrics initializes all metric instruments.
// Safe to call multiple times; uses sync.Once internally.
func initMetrics() error {
	metricsOnce.Do(func() {
		var err error

		migrationsTotal, err = meter.Int64Counter(
			"migration_total",
			metric.WithDescription("Total number of migrations by status"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		migrationDuration, err = meter.Float64Histogram(
			"migration_duration_seconds",
			metric.WithDescription("Duration of migrations in seconds"),
			metric.WithUnit("s"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		phaseDuration, err = meter.Float64Histogram(
			"migration_phase_duration_seconds",
			metric.WithDescription("Duration of migration phases in seconds"),
			metric.WithUnit("s"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		objectsMigrated, err = meter.Int64Counter(
			"migration_objects_migrated_total",
			metric.WithDescription("Total number of converted objects"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		objectsPatched, err = meter.Int64Counter(
			"migration_objects_patched_total",
			metric.WithDescription("Total number of rewritten reference slots"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		rollbacksTotal, err = meter.Int64Counter(
			"migration_rollback_total",
			metric.WithDescription("Total number of rollbacks by reason and status"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		activeGauge, err = meter.Int64UpDownCounter(
			"migration_active",
			metric.WithDescription("Number of migrations in progress"),
		)
		if err != nil {
			metricsErr = err
			return
		}
	})
	return metricsErr
}

func statusLabel(success bool) string {
	if success {
		return "success"
	}
	return "error"
}

// recordMigration records a finished migration.
//
// # Inputs
//
//   - ctx: Context for metric recording.
//   - m: Metrics of the migration, partial on failure.
//   - success: Whether the migration committed.
func recordMigration(ctx context.Context, m metrics.Metrics, success bool) {
	if !metricsEnabled.Load() {
		return
	}
	if err := initMetrics(); err != nil {
		return
	}

	attrs := metric.WithAttributes(attribute.String("status", statusLabel(success)))
	migrationsTotal.Add(ctx, 1, attrs)
	migrationDuration.Record(ctx, m.TotalDuration.Seconds(), attrs)
	objectsMigrated.Add(ctx, int64(m.ObjectsMigrated), attrs)
	objectsPatched.Add(ctx, int64(m.ObjectsPatched), attrs)
}

// recordPhase records the duration of one phase.
func recordPhase(ctx context.Context, phase metrics.Phase, d time.Duration, err error) {
	if !metricsEnabled.Load() {
		return
	}
	if err := initMetrics(); err != nil {
		return
	}

	phaseDuration.Record(ctx, d.Seconds(), metric.WithAttributes(
		attribute.String("phase", phase.String()),
		attribute.String("status", statusLabel(err == nil)),
	))
}

// recordRollback records a rollback attempt.
//
// # Inputs
//
//   - ctx: Context for metric recording.
//   - reason: Why the rollback ran, normalized to a bounded set.
//   - success: Whether the state was restored.
func recordRollback(ctx context.Context, reason string, success bool) {
	if !metricsEnabled.Load() {
		return
	}
	if err := initMetrics(); err != nil {
		return
	}

	rollbacksTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("reason", normalizeRollbackReason(reason)),
		attribute.String("status", statusLabel(success)),
	))
}

// Rollback reasons.
const (
	reasonTimeout    = "timeout"
	reasonValidation = "smoke test failure"
	reasonResume     = "after critical phase failure"
	reasonCommit     = "commit failure"
)

// normalizeRollbackReason maps rollback reasons to a bounded label set.
func normalizeRollbackReason(reason string) string {
	switch reason {
	case reasonTimeout:
		return "timeout"
	case reasonValidation:
		return "validation"
	case reasonResume:
		return "resume"
	case reasonCommit:
		return "commit"
	default:
		return "error"
	}
}

// incActive increments the active migration gauge.
func incActive(ctx context.Context) {
	if !metricsEnabled.Load() {
		return
	}
	if err := initMetrics(); err != nil {
		return
	}

	activeGauge.Add(ctx, 1)
}

// decActive decrements the active migration gauge.
func decActive(ctx context.Context) {
	if !metricsEnabled.Load() {
		return
	}
	if err := initMetrics(); err != nil {
		return
	}

	activeGauge.Add(ctx, -1)
}
