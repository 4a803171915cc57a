// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package phase defines the signals a host receives around the critical
// phase of a migration.
package phase

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/AleutianAI/livemigrate/services/migrate/plan"
)

// Context describes one migration run. It is immutable.
type Context struct {
	plan      *plan.Plan
	id        uint64
	runID     uuid.UUID
	startedAt time.Time
}

// NewContext creates a context started now.
func NewContext(p *plan.Plan, id uint64, runID uuid.UUID) *Context {
	return &Context{plan: p, id: id, runID: runID, startedAt: time.Now()}
}

// Plan returns the plan being executed.
func (c *Context) Plan() *plan.Plan { return c.plan }

// ID returns the process-wide migration sequence number.
func (c *Context) ID() uint64 { return c.id }

// RunID returns the unique id of this run.
func (c *Context) RunID() uuid.UUID { return c.runID }

// StartedAt returns when the run started.
func (c *Context) StartedAt() time.Time { return c.startedAt }

// Elapsed returns the time since the run started.
func (c *Context) Elapsed() time.Duration { return time.Since(c.startedAt) }

// Signal is implemented by hosts that quiesce around the critical phase.
//
// # Description
//
// BeforeCritical is called before references are patched; the host should
// stop mutating shared state before returning. Returning an error refuses
// the migration. AfterCritical is called exactly once whenever
// BeforeCritical succeeded, on success and failure paths alike; the host
// resumes normal operation.
type Signal interface {
	BeforeCritical(ctx context.Context, mc *Context) error
	AfterCritical(ctx context.Context, mc *Context) error
}

// Noop is the default signal.
type Noop struct{}

// BeforeCritical implements Signal.
func (Noop) BeforeCritical(context.Context, *Context) error { return nil }

// AfterCritical implements Signal.
func (Noop) AfterCritical(context.Context, *Context) error { return nil }

// Funcs adapts a pair of functions to Signal. Nil functions succeed.
type Funcs struct {
	Before func(ctx context.Context, mc *Context) error
	After  func(ctx context.Context, mc *Context) error
}

// BeforeCritical implements Signal.
func (f Funcs) BeforeCritical(ctx context.Context, mc *Context) error {
	if f.Before == nil {
		return nil
	}
	return f.Before(ctx, mc)
}

// AfterCritical implements Signal.
func (f Funcs) AfterCritical(ctx context.Context, mc *Context) error {
	if f.After == nil {
		return nil
	}
	return f.After(ctx, mc)
}

// Recorder records the signals it receives as "BEFORE_CRITICAL:<id>" and
// "AFTER_CRITICAL:<id>". BeforeErr and AfterErr, when set, are returned
// after recording.
//
// # Thread Safety
//
// Safe for concurrent use. Set the error fields before use.
type Recorder struct {
	BeforeErr error
	AfterErr  error

	mu     sync.Mutex
	events []string
}

// BeforeCritical implements Signal.
func (r *Recorder) BeforeCritical(_ context.Context, mc *Context) error {
	r.record("BEFORE_CRITICAL", mc)
	return r.BeforeErr
}

// AfterCritical implements Signal.
func (r *Recorder) AfterCritical(_ context.Context, mc *Context) error {
	r.record("AFTER_CRITICAL", mc)
	return r.AfterErr
}

// Events returns the recorded events in order.
func (r *Recorder) Events() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	copy(out, r.events)
	return out
}

// Count returns how often the named signal was received.
func (r *Recorder) Count(signal string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if strings.HasPrefix(e, signal+":") {
			n++
		}
	}
	return n
}

func (r *Recorder) record(name string, mc *Context) {
	var id uint64
	if mc != nil {
		id = mc.ID()
	}
	r.mu.Lock()
	r.events = append(r.events, fmt.Sprintf("%s:%d", name, id))
	r.mu.Unlock()
}
