// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package alert

import (
	"bytes"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/livemigrate/services/migrate/metrics"
)

func newTestLogger(level Level) (*Logger, *bytes.Buffer) {
	var buf bytes.Buffer
	h := slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})
	return New(slog.New(h), level), &buf
}

// emitAll fires every event once.
func emitAll(l *Logger) {
	l.MigrationStarted(1)
	l.PhaseStarted(1, metrics.FirstPass)
	l.PhaseCompleted(1, metrics.FirstPass, 40*time.Millisecond)
	l.MigrationCompleted(1, metrics.Metrics{ID: 1, TotalDuration: time.Second, ObjectsMigrated: 5})
	l.RollbackTriggered(1, "smoke test failure")
	l.RollbackCompleted(1, true)
	l.MigrationFailed(1, errors.New("boom"), "SMOKE_TEST", nil)
	l.RollbackCompleted(1, false)
	l.MigrationTimeout(1, 30*time.Second, "")
}

func TestLogger_LevelGating(t *testing.T) {
	tests := []struct {
		level   Level
		present []string
		absent  []string
	}{
		{
			level: LevelDebug,
			present: []string{
				"msg=MIGRATION_STARTED", "msg=PHASE_STARTED", "msg=PHASE_COMPLETED",
				"msg=MIGRATION_COMPLETED", "msg=ROLLBACK_TRIGGERED", "status=SUCCESS",
				"msg=MIGRATION_FAILED", "status=FAILED", "msg=MIGRATION_TIMEOUT",
			},
		},
		{
			level:   LevelWarning,
			present: []string{"msg=ROLLBACK_TRIGGERED", "status=SUCCESS", "msg=MIGRATION_FAILED", "status=FAILED", "msg=MIGRATION_TIMEOUT"},
			absent:  []string{"msg=MIGRATION_STARTED", "msg=PHASE_STARTED", "msg=MIGRATION_COMPLETED"},
		},
		{
			level:   LevelError,
			present: []string{"msg=MIGRATION_FAILED", "status=FAILED", "msg=MIGRATION_TIMEOUT"},
			absent:  []string{"msg=ROLLBACK_TRIGGERED", "status=SUCCESS", "msg=MIGRATION_STARTED"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.level.String(), func(t *testing.T) {
			l, buf := newTestLogger(tt.level)
			emitAll(l)
			out := buf.String()
			for _, s := range tt.present {
				assert.Contains(t, out, s)
			}
			for _, s := range tt.absent {
				assert.NotContains(t, out, s)
			}
		})
	}
}

func TestLogger_Attributes(t *testing.T) {
	l, buf := newTestLogger(LevelDebug)

	l.PhaseCompleted(42, metrics.SecondPass, 400*time.Millisecond)
	assert.Contains(t, buf.String(), "id=42 phase=SECOND_PASS duration_ms=400")
	buf.Reset()

	l.MigrationFailed(7, nil, "", &metrics.Metrics{TotalDuration: 1500 * time.Millisecond, ObjectsMigrated: 3})
	out := buf.String()
	assert.Contains(t, out, "phase=UNKNOWN")
	assert.Contains(t, out, `error="unknown error"`)
	assert.Contains(t, out, "duration_ms=1500 objects_migrated=3")
	buf.Reset()

	l.MigrationTimeout(7, 2*time.Second, "CRITICAL_PHASE")
	assert.Contains(t, buf.String(), "timeout_ms=2000 phase=CRITICAL_PHASE")
	assert.Contains(t, buf.String(), "component=migration")
}

func TestLogger_SetLevel(t *testing.T) {
	l, buf := newTestLogger(LevelError)
	l.MigrationStarted(1)
	assert.Empty(t, buf.String())

	l.SetLevel(LevelDebug)
	assert.Equal(t, LevelDebug, l.Level())
	l.MigrationStarted(2)
	assert.Contains(t, buf.String(), "id=2")
}

func TestNew_NilLoggerUsesDefault(t *testing.T) {
	assert.NotPanics(t, func() {
		New(nil, LevelError).MigrationTimeout(1, time.Second, "FIRST_PASS")
	})
}

func TestParseLevel(t *testing.T) {
	for in, want := range map[string]Level{"debug": LevelDebug, "WARNING": LevelWarning, " Error ": LevelError} {
		got, err := ParseLevel(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got)
	}
	_, err := ParseLevel("verbose")
	assert.Error(t, err)

	var l Level
	require.NoError(t, l.UnmarshalText([]byte("error")))
	assert.Equal(t, LevelError, l)
	text, _ := LevelWarning.MarshalText()
	assert.Equal(t, "warning", string(text))
}

// counterValue reads a labelled counter from the default registry.
func counterValue(t *testing.T, name, label, value string) float64 {
	t.Helper()
	families, err := prometheus.DefaultGatherer.Gather()
	require.NoError(t, err)
	for _, f := range families {
		if f.GetName() != name {
			continue
		}
		for _, m := range f.GetMetric() {
			for _, lp := range m.GetLabel() {
				if lp.GetName() == label && lp.GetValue() == value {
					return m.GetCounter().GetValue()
				}
			}
		}
	}
	return 0
}

func TestLogger_CountsEventsRegardlessOfLevel(t *testing.T) {
	l, buf := newTestLogger(LevelError)
	before := counterValue(t, "livemigrate_alert_events_total", "event", EventMigrationStarted)
	failedBefore := counterValue(t, "livemigrate_alert_rollbacks_total", "status", "FAILED")

	l.MigrationStarted(1)
	l.RollbackCompleted(1, false)

	assert.False(t, strings.Contains(buf.String(), EventMigrationStarted))
	assert.Equal(t, before+1, counterValue(t, "livemigrate_alert_events_total", "event", EventMigrationStarted))
	assert.Equal(t, failedBefore+1, counterValue(t, "livemigrate_alert_rollbacks_total", "status", "FAILED"))
}
