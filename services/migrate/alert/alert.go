// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package alert emits structured migration lifecycle events.
//
// Each event is one slog record whose message is the event name
// (MIGRATION_STARTED, ROLLBACK_TRIGGERED, ...) with key=value attributes, so
// log aggregators can alert on them. Events are also counted in Prometheus.
package alert

import (
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/AleutianAI/livemigrate/services/migrate/metrics"
)

// Event names.
const (
	EventMigrationStarted   = "MIGRATION_STARTED"
	EventPhaseStarted       = "PHASE_STARTED"
	EventPhaseCompleted     = "PHASE_COMPLETED"
	EventMigrationCompleted = "MIGRATION_COMPLETED"
	EventMigrationFailed    = "MIGRATION_FAILED"
	EventRollbackTriggered  = "ROLLBACK_TRIGGERED"
	EventRollbackCompleted  = "ROLLBACK_COMPLETED"
	EventMigrationTimeout   = "MIGRATION_TIMEOUT"
)

// =============================================================================
// Level
// =============================================================================

// Level is the minimum severity of events that get logged.
type Level int32

const (
	// LevelDebug logs every event.
	LevelDebug Level = iota

	// LevelWarning logs warnings and errors. This is the default.
	LevelWarning

	// LevelError logs errors only.
	LevelError
)

var levelNames = [...]string{"debug", "warning", "error"}

// String returns the lower-case level name.
func (l Level) String() string {
	if l < 0 || int(l) >= len(levelNames) {
		return fmt.Sprintf("level(%d)", int(l))
	}
	return levelNames[l]
}

// ParseLevel parses a level name, case-insensitively.
func ParseLevel(s string) (Level, error) {
	name := strings.ToLower(strings.TrimSpace(s))
	for i, n := range levelNames {
		if n == name {
			return Level(i), nil
		}
	}
	return LevelWarning, fmt.Errorf("unknown alert level %q", s)
}

// MarshalText encodes the level by name.
func (l Level) MarshalText() ([]byte, error) {
	return []byte(l.String()), nil
}

// UnmarshalText decodes a level name.
func (l *Level) UnmarshalText(text []byte) error {
	parsed, err := ParseLevel(string(text))
	if err != nil {
		return err
	}
	*l = parsed
	return nil
}

// =============================================================================
// Prometheus
// =============================================================================

var (
	// eventsTotal counts lifecycle events whether or not they were logged.
	// Labels: event
	eventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "livemigrate",
		Subsystem: "alert",
		Name:      "events_total",
		Help:      "Migration lifecycle events by name",
	}, []string{"event"})

	// rollbacksTotal counts finished rollbacks.
	// Labels: status (SUCCESS, FAILED)
	rollbacksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "livemigrate",
		Subsystem: "alert",
		Name:      "rollbacks_total",
		Help:      "Finished rollbacks by status",
	}, []string{"status"})
)

// =============================================================================
// Logger
// =============================================================================

// Logger writes migration lifecycle events.
//
// # Description
//
// Info events (started, phase transitions, completed) are logged only at
// LevelDebug. Warnings (rollback triggered, successful rollback) are logged
// at LevelDebug and LevelWarning. Errors (failure, failed rollback, timeout)
// are always logged.
//
// # Thread Safety
//
// Safe for concurrent use. The level can change while events are emitted.
//
// # Example
//
//	alerts := alert.New(nil, alert.LevelDebug)
//	alerts.MigrationStarted(42)
//	// level=INFO msg=MIGRATION_STARTED component=migration id=42
type Logger struct {
	level  atomic.Int32
	logger *slog.Logger
}

// New creates an alert logger. A nil logger uses slog.Default().
func New(logger *slog.Logger, level Level) *Logger {
	if logger == nil {
		logger = slog.Default()
	}
	l := &Logger{logger: logger.With("component", "migration")}
	l.level.Store(int32(level))
	return l
}

// SetLevel changes the level.
func (l *Logger) SetLevel(level Level) {
	l.level.Store(int32(level))
}

// Level returns the current level.
func (l *Logger) Level() Level {
	return Level(l.level.Load())
}

func (l *Logger) infoEnabled() bool { return l.Level() == LevelDebug }

func (l *Logger) warnEnabled() bool { return l.Level() <= LevelWarning }

// MigrationStarted logs that migration id began.
func (l *Logger) MigrationStarted(id uint64) {
	eventsTotal.WithLabelValues(EventMigrationStarted).Inc()
	if l.infoEnabled() {
		l.logger.Info(EventMigrationStarted, "id", id)
	}
}

// PhaseStarted logs that a phase began.
func (l *Logger) PhaseStarted(id uint64, phase metrics.Phase) {
	eventsTotal.WithLabelValues(EventPhaseStarted).Inc()
	if l.infoEnabled() {
		l.logger.Info(EventPhaseStarted, "id", id, "phase", phase.String())
	}
}

// PhaseCompleted logs that a phase finished after d.
func (l *Logger) PhaseCompleted(id uint64, phase metrics.Phase, d time.Duration) {
	eventsTotal.WithLabelValues(EventPhaseCompleted).Inc()
	if l.infoEnabled() {
		l.logger.Info(EventPhaseCompleted, "id", id, "phase", phase.String(), "duration_ms", d.Milliseconds())
	}
}

// MigrationCompleted logs a successful migration.
func (l *Logger) MigrationCompleted(id uint64, m metrics.Metrics) {
	eventsTotal.WithLabelValues(EventMigrationCompleted).Inc()
	if l.infoEnabled() {
		l.logger.Info(EventMigrationCompleted,
			"id", id,
			"duration_ms", m.TotalDuration.Milliseconds(),
			"objects_migrated", m.ObjectsMigrated,
			"objects_patched", m.ObjectsPatched,
			"heap_delta", m.HeapDelta(),
		)
	}
}

// MigrationFailed logs a failed migration. phase may be empty and partial
// may be nil.
func (l *Logger) MigrationFailed(id uint64, err error, phase string, partial *metrics.Metrics) {
	eventsTotal.WithLabelValues(EventMigrationFailed).Inc()
	msg := "unknown error"
	if err != nil {
		msg = err.Error()
	}
	attrs := []any{"id", id, "phase", phaseName(phase), "error", msg}
	if partial != nil {
		attrs = append(attrs,
			"duration_ms", partial.TotalDuration.Milliseconds(),
			"objects_migrated", partial.ObjectsMigrated,
		)
	}
	l.logger.Error(EventMigrationFailed, attrs...)
}

// RollbackTriggered logs that a rollback is about to run.
func (l *Logger) RollbackTriggered(id uint64, reason string) {
	eventsTotal.WithLabelValues(EventRollbackTriggered).Inc()
	if l.warnEnabled() {
		l.logger.Warn(EventRollbackTriggered, "id", id, "reason", reason)
	}
}

// RollbackCompleted logs the rollback result. A failed rollback is always
// logged.
func (l *Logger) RollbackCompleted(id uint64, ok bool) {
	eventsTotal.WithLabelValues(EventRollbackCompleted).Inc()
	if ok {
		rollbacksTotal.WithLabelValues("SUCCESS").Inc()
		if l.warnEnabled() {
			l.logger.Warn(EventRollbackCompleted, "id", id, "status", "SUCCESS")
		}
		return
	}
	rollbacksTotal.WithLabelValues("FAILED").Inc()
	l.logger.Error(EventRollbackCompleted, "id", id, "status", "FAILED")
}

// MigrationTimeout logs that migration id exceeded its bound.
func (l *Logger) MigrationTimeout(id uint64, bound time.Duration, phase string) {
	eventsTotal.WithLabelValues(EventMigrationTimeout).Inc()
	l.logger.Error(EventMigrationTimeout, "id", id, "timeout_ms", bound.Milliseconds(), "phase", phaseName(phase))
}

func phaseName(phase string) string {
	if phase == "" {
		return "UNKNOWN"
	}
	return phase
}
