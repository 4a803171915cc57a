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
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/AleutianAI/livemigrate/services/migrate/metrics"
)

const engineTracerName = "livemigrate.engine"

// Tracer provides OpenTelemetry tracing for migrations.
//
// # Description
//
// One span covers a migration, with a child span per phase and per
// rollback. When disabled, returns noop spans for zero overhead.
//
// # Thread Safety
//
// All methods are safe for concurrent use.
type Tracer struct {
	tracer  trace.Tracer
	logger  *slog.Logger
	enabled bool
}

// NewTracer creates a new migration tracer.
//
// # Inputs
//
//   - logger: Logger for structured logging. Uses slog.Default() if nil.
//   - enabled: Whether tracing is enabled. When false, uses noop spans.
//
// # Outputs
//
//   - *Tracer: Ready-to-use tracer instance.
func NewTracer(logger *slog.Logger, enabled bool) *Tracer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracer{
		tracer:  otel.Tracer(engineTracerName),
		logger:  logger,
		enabled: enabled,
	}
}

// StartMigration starts the root span of a migration.
//
// # Outputs
//
//   - context.Context: Context with span attached.
//   - trace.Span: The created span. Caller must call EndMigration.
func (t *Tracer) StartMigration(ctx context.Context, id uint64, runID uuid.UUID, descriptors int) (context.Context, trace.Span) {
	if !t.enabled {
		return ctx, noop.Span{}
	}

	ctx, span := t.tracer.Start(ctx, "migration.run",
		trace.WithAttributes(
			attribute.Int64("migration.id", int64(id)),
			attribute.String("migration.run_id", runID.String()),
			attribute.Int("migration.descriptors", descriptors),
		),
		trace.WithSpanKind(trace.SpanKindInternal),
	)

	t.logger.DebugContext(ctx, "starting migration",
		slog.Uint64("id", id),
		slog.String("run_id", runID.String()),
	)

	return ctx, span
}

// EndMigration completes a migration span.
func (t *Tracer) EndMigration(span trace.Span, o *Outcome, err error) {
	if span == nil {
		return
	}
	defer span.End()

	if o != nil {
		span.SetAttributes(
			attribute.String("migration.status", o.Status.String()),
			attribute.Int("migration.objects_migrated", o.ObjectsMigrated),
			attribute.Int("migration.objects_patched", o.ObjectsPatched),
			attribute.Bool("migration.rolled_back", o.RolledBack),
			attribute.Int64("migration.duration_ms", o.Duration.Milliseconds()),
		)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return
	}
	span.SetStatus(codes.Ok, "")
}

// StartPhase starts a child span for a phase.
func (t *Tracer) StartPhase(ctx context.Context, id uint64, phase metrics.Phase) (context.Context, trace.Span) {
	if !t.enabled {
		return ctx, noop.Span{}
	}

	return t.tracer.Start(ctx, "migration.phase."+phase.String(),
		trace.WithAttributes(
			attribute.Int64("migration.id", int64(id)),
			attribute.String("migration.phase", phase.String()),
		),
	)
}

// EndPhase completes a phase span.
func (t *Tracer) EndPhase(span trace.Span, err error) {
	if span == nil {
		return
	}
	defer span.End()

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return
	}
	span.SetStatus(codes.Ok, "")
}

// StartRollback starts a child span for a rollback.
func (t *Tracer) StartRollback(ctx context.Context, id uint64, reason string) (context.Context, trace.Span) {
	if !t.enabled {
		return ctx, noop.Span{}
	}

	ctx, span := t.tracer.Start(ctx, "migration.rollback",
		trace.WithAttributes(
			attribute.Int64("migration.id", int64(id)),
			attribute.String("migration.rollback_reason", truncateForTrace(reason, 100)),
		),
	)

	t.logger.DebugContext(ctx, "rolling back migration",
		slog.Uint64("id", id),
		slog.String("reason", reason),
	)

	return ctx, span
}

// EndRollback completes a rollback span.
func (t *Tracer) EndRollback(span trace.Span, err error) {
	t.EndPhase(span, err)
}

// RecordPhaseTransition records a phase change on the current span.
//
// # Inputs
//
//   - ctx: Context containing the active span.
//   - id: Migration id.
//   - from: Previous phase name, empty at the start.
//   - to: New phase name.
//   - elapsed: Time since the migration started.
func (t *Tracer) RecordPhaseTransition(ctx context.Context, id uint64, from, to string, elapsed time.Duration) {
	span := trace.SpanFromContext(ctx)
	if !span.SpanContext().IsValid() {
		return
	}

	span.AddEvent("phase_transition",
		trace.WithAttributes(
			attribute.Int64("migration.id", int64(id)),
			attribute.String("migration.from_phase", from),
			attribute.String("migration.to_phase", to),
			attribute.Int64("migration.elapsed_ms", elapsed.Milliseconds()),
		),
	)

	t.logger.DebugContext(ctx, "migration phase transition",
		slog.Uint64("id", id),
		slog.String("from", from),
		slog.String("to", to),
	)
}

// truncateForTrace truncates a string for use in span attributes.
func truncateForTrace(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	if maxLen < 4 {
		if maxLen <= 0 {
			return ""
		}
		return s[:maxLen]
	}
	return s[:maxLen-3] + "..."
}

// LoggerWithTrace returns a logger with trace context fields.
//
// # Description
//
// Extracts trace_id and span_id from the context and adds them
// to the logger for correlation with distributed traces.
func LoggerWithTrace(ctx context.Context, logger *slog.Logger) *slog.Logger {
	spanCtx := trace.SpanContextFromContext(ctx)
	if !spanCtx.IsValid() {
		return logger
	}
	return logger.With(
		slog.String("trace_id", spanCtx.TraceID().String()),
		slog.String("span_id", spanCtx.SpanID().String()),
	)
}
