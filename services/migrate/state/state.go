// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package state tracks the current migration and a bounded history of past
// ones.
package state

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/AleutianAI/livemigrate/services/migrate/metrics"
)

// DefaultHistorySize is the history bound used by New for n <= 0.
const DefaultHistorySize = 10

// ErrInvalidHistorySize is returned by SetMaxHistory for n <= 0.
var ErrInvalidHistorySize = errors.New("history size must be positive")

// Status is the lifecycle status of the engine.
type Status int

const (
	// Idle means no migration has run since the last Reset.
	Idle Status = iota

	// InProgress means a migration is running.
	InProgress

	// Success means the last migration committed.
	Success

	// Failed means the last migration failed.
	Failed
)

var statusNames = [...]string{"IDLE", "IN_PROGRESS", "SUCCESS", "FAILED"}

// String returns the upper-case status name.
func (s Status) String() string {
	if s < 0 || int(s) >= len(statusNames) {
		return fmt.Sprintf("STATUS(%d)", int(s))
	}
	return statusNames[s]
}

// MarshalText encodes the status by name.
func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText decodes a status name.
func (s *Status) UnmarshalText(text []byte) error {
	for i, n := range statusNames {
		if n == string(text) {
			*s = Status(i)
			return nil
		}
	}
	return fmt.Errorf("unknown status %q", text)
}

// Record is one finished migration.
type Record struct {
	ID      uint64           `json:"id"`
	Status  Status           `json:"status"`
	Started time.Time        `json:"started"`
	Ended   time.Time        `json:"ended"`
	Phase   string           `json:"phase,omitempty"`
	Error   string           `json:"error,omitempty"`
	Metrics *metrics.Metrics `json:"metrics,omitempty"`
}

// Duration returns how long the migration ran.
func (r Record) Duration() time.Duration {
	return r.Ended.Sub(r.Started)
}

// Snapshot is a consistent copy of the current state.
type Snapshot struct {
	Status      Status           `json:"status"`
	Phase       string           `json:"phase,omitempty"`
	CurrentID   uint64           `json:"current_id"`
	Started     time.Time        `json:"started,omitempty"`
	LastMetrics *metrics.Metrics `json:"last_metrics,omitempty"`
	LastError   string           `json:"last_error,omitempty"`
	HistorySize int              `json:"history_size"`
	MaxHistory  int              `json:"max_history"`
}

// HistorySink persists finished migrations.
type HistorySink interface {
	Append(ctx context.Context, rec Record) error
	Load(ctx context.Context, limit int) ([]Record, error)
}

// State is the live record of the engine's migrations.
//
// # Description
//
// Status moves IDLE -> IN_PROGRESS -> SUCCESS or FAILED, and back to
// IN_PROGRESS on the next Started. Each finished migration is appended to
// a bounded history, newest evicting oldest, and to the sink if one is set.
//
// # Thread Safety
//
// Safe for concurrent use. Readers never block each other.
type State struct {
	mu        sync.RWMutex
	status    Status
	phase     string
	currentID uint64
	started   time.Time
	lastM     *metrics.Metrics
	lastErr   error
	history   *ring[Record]
	sink      HistorySink
	logger    *slog.Logger
}

// New creates an idle state keeping maxHistory records, DefaultHistorySize
// when maxHistory <= 0.
func New(maxHistory int) *State {
	if maxHistory <= 0 {
		maxHistory = DefaultHistorySize
	}
	return &State{
		history: newRing[Record](maxHistory),
		logger:  slog.Default().With("component", "state.State"),
	}
}

// SetSink attaches a persistent history sink. nil detaches it.
func (s *State) SetSink(sink HistorySink) {
	s.mu.Lock()
	s.sink = sink
	s.mu.Unlock()
}

// Restore fills the history from the sink, newest records winning.
func (s *State) Restore(ctx context.Context) (int, error) {
	s.mu.RLock()
	sink, limit := s.sink, s.history.cap()
	s.mu.RUnlock()
	if sink == nil {
		return 0, nil
	}

	records, err := sink.Load(ctx, limit)
	if err != nil {
		return 0, fmt.Errorf("load history: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	// Load returns newest first; push oldest first.
	for i := len(records) - 1; i >= 0; i-- {
		s.history.push(records[i])
	}
	return len(records), nil
}

// Started marks migration id as in progress.
func (s *State) Started(id uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status = InProgress
	s.currentID = id
	s.started = time.Now()
	s.phase = ""
	s.lastErr = nil
}

// SetPhase records the phase the current migration is in.
func (s *State) SetPhase(p metrics.Phase) {
	s.mu.Lock()
	s.phase = p.String()
	s.mu.Unlock()
}

// ClearPhase records that no phase is running.
func (s *State) ClearPhase() {
	s.mu.Lock()
	s.phase = ""
	s.mu.Unlock()
}

// Phase returns the current phase name, empty when none.
func (s *State) Phase() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.phase
}

// CurrentID returns the id of the current or last migration.
func (s *State) CurrentID() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.currentID
}

// Completed marks the current migration as successful.
func (s *State) Completed(m metrics.Metrics) {
	s.finish(Success, nil, &m)
}

// Failed marks the current migration as failed. partial may be nil.
func (s *State) Failed(err error, partial *metrics.Metrics) {
	s.finish(Failed, err, partial)
}

func (s *State) finish(status Status, err error, m *metrics.Metrics) {
	s.mu.Lock()
	rec := Record{
		ID:      s.currentID,
		Status:  status,
		Started: s.started,
		Ended:   time.Now(),
		Phase:   s.phase,
		Metrics: m,
	}
	if err != nil {
		rec.Error = err.Error()
	}
	s.status = status
	s.lastErr = err
	if m != nil {
		s.lastM = m
	}
	if status == Success {
		s.phase = ""
	}
	s.history.push(rec)
	sink := s.sink
	s.mu.Unlock()

	if sink != nil {
		if err := sink.Append(context.Background(), rec); err != nil {
			s.logger.Warn("failed to persist migration record", "id", rec.ID, "error", err)
		}
	}
}

// Status returns the current status.
func (s *State) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

// LastError returns the error of the last failed migration, nil otherwise.
func (s *State) LastError() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastErr
}

// LastMetrics returns the metrics of the last finished migration.
func (s *State) LastMetrics() (metrics.Metrics, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.lastM == nil {
		return metrics.Metrics{}, false
	}
	return *s.lastM, true
}

// Snapshot returns a consistent copy of the state.
func (s *State) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap := Snapshot{
		Status:      s.status,
		Phase:       s.phase,
		CurrentID:   s.currentID,
		Started:     s.started,
		LastMetrics: s.lastM,
		HistorySize: s.history.len(),
		MaxHistory:  s.history.cap(),
	}
	if s.lastErr != nil {
		snap.LastError = s.lastErr.Error()
	}
	return snap
}

// History returns finished migrations, newest first.
func (s *State) History() []Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.history.newest(s.history.len())
}

// SetMaxHistory changes the history bound, dropping the oldest records
// that no longer fit.
func (s *State) SetMaxHistory(n int) error {
	if n <= 0 {
		return fmt.Errorf("%w: %d", ErrInvalidHistorySize, n)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if n != s.history.cap() {
		s.history = s.history.resized(n)
	}
	return nil
}

// Reset returns to IDLE and clears the history. The sink is kept.
func (s *State) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status = Idle
	s.phase = ""
	s.currentID = 0
	s.started = time.Time{}
	s.lastM = nil
	s.lastErr = nil
	s.history.clear()
}

// ToMap returns the snapshot as a JSON-friendly map.
func (s *State) ToMap() map[string]any {
	snap := s.Snapshot()
	out := map[string]any{
		"status":       snap.Status.String(),
		"current_id":   snap.CurrentID,
		"history_size": snap.HistorySize,
		"max_history":  snap.MaxHistory,
	}
	if snap.Phase != "" {
		out["phase"] = snap.Phase
	}
	if snap.LastError != "" {
		out["last_error"] = snap.LastError
	}
	if snap.LastMetrics != nil {
		out["last_metrics"] = snap.LastMetrics.ToMap()
	}
	return out
}
