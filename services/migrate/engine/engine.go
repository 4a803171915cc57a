// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package engine orchestrates live migrations.
//
// A migration converts every live instance of the plan's source types,
// rewrites every reference to the originals while the host is quiesced,
// validates the result and commits, or rolls back on any failure.
package engine

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/AleutianAI/livemigrate/services/migrate/alert"
	"github.com/AleutianAI/livemigrate/services/migrate/checkpoint"
	"github.com/AleutianAI/livemigrate/services/migrate/config"
	"github.com/AleutianAI/livemigrate/services/migrate/forwarding"
	"github.com/AleutianAI/livemigrate/services/migrate/heap"
	"github.com/AleutianAI/livemigrate/services/migrate/phase"
	"github.com/AleutianAI/livemigrate/services/migrate/plan"
	"github.com/AleutianAI/livemigrate/services/migrate/patch"
	"github.com/AleutianAI/livemigrate/services/migrate/state"
	"github.com/AleutianAI/livemigrate/services/migrate/validate"
)

// migrationIDs issues process-wide migration ids starting at 1.
var migrationIDs atomic.Uint64

// Options configures an Engine.
type Options struct {
	// Plan is the migration plan. Required.
	Plan *plan.Plan

	// Walker supplies live objects. Required.
	Walker heap.Walker

	// Statics holds the package-level variables to patch. Optional.
	Statics *patch.Statics

	// Controller owns the checkpoint. When nil every run journals its
	// mutations and rolls back by undoing them.
	Controller checkpoint.Controller

	// CommitListener is notified after a successful commit. Optional.
	CommitListener checkpoint.CommitListener

	// Signal quiesces the host around the critical phase. Defaults to
	// phase.Noop.
	Signal phase.Signal

	// Validation runs health checks and smoke tests. Defaults to an empty
	// runner.
	Validation *validate.Runner

	// State tracks status and history. Defaults to state.New with the
	// configured history size.
	State *state.State

	// Alerts emits lifecycle events. Defaults to alert.New at the
	// configured level.
	Alerts *alert.Logger

	// Config defaults to config.DefaultConfig.
	Config *config.Config

	// Logger overrides the component logger.
	Logger *slog.Logger

	// TracingEnabled creates OpenTelemetry spans for runs and phases.
	TracingEnabled bool
}

// Engine runs migrations of one plan.
//
// # Description
//
// At most one migration runs per engine at a time; a concurrent call fails
// fast with ErrMigrationInProgress. Forwarding entries of successful runs
// are kept, so objects already forwarded are not converted twice.
//
// # Thread Safety
//
// Safe for concurrent use.
type Engine struct {
	running sync.Mutex

	cfgMu sync.RWMutex
	cfg   *config.Config

	plan       *plan.Plan
	walker     heap.Walker
	statics    *patch.Statics
	controller checkpoint.Controller
	listener   checkpoint.CommitListener
	signal     phase.Signal
	validation *validate.Runner
	state      *state.State
	alerts     *alert.Logger
	table      *forwarding.Table
	tracer     *Tracer
	logger     *slog.Logger
}

// New creates an engine.
//
// # Outputs
//
//   - *Engine: Ready to migrate.
//   - error: ErrNilPlan, ErrNilWalker or an invalid configuration.
func New(opts Options) (*Engine, error) {
	if opts.Plan == nil {
		return nil, ErrNilPlan
	}
	if opts.Walker == nil {
		return nil, ErrNilWalker
	}

	cfg := opts.Config
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg = cfg.Clone()

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "engine.Engine")

	e := &Engine{
		cfg:        cfg,
		plan:       opts.Plan,
		walker:     opts.Walker,
		statics:    opts.Statics,
		controller: opts.Controller,
		listener:   opts.CommitListener,
		signal:     opts.Signal,
		validation: opts.Validation,
		state:      opts.State,
		alerts:     opts.Alerts,
		table:      forwarding.NewTable(),
		tracer:     NewTracer(logger, opts.TracingEnabled),
		logger:     logger,
	}
	if e.signal == nil {
		e.signal = phase.Noop{}
	}
	if e.validation == nil {
		e.validation = validate.NewRunner()
	}
	if e.state == nil {
		e.state = state.New(cfg.History.Size)
	}
	if e.alerts == nil {
		e.alerts = alert.New(opts.Logger, cfg.AlertLevel())
	}
	return e, nil
}

// Config returns a copy of the active configuration.
func (e *Engine) Config() *config.Config {
	e.cfgMu.RLock()
	defer e.cfgMu.RUnlock()
	return e.cfg.Clone()
}

// ApplyConfig replaces the configuration. Running migrations keep the
// configuration they started with.
func (e *Engine) ApplyConfig(cfg *config.Config) error {
	if cfg == nil {
		return config.ErrInvalidConfig
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	if err := e.state.SetMaxHistory(cfg.History.Size); err != nil {
		return err
	}
	e.alerts.SetLevel(cfg.AlertLevel())

	e.cfgMu.Lock()
	e.cfg = cfg.Clone()
	e.cfgMu.Unlock()

	e.logger.Info("configuration applied", "config", cfg.String())
	return nil
}

// State returns the engine's state tracker.
func (e *Engine) State() *state.State {
	return e.state
}

// Plan returns the engine's plan.
func (e *Engine) Plan() *plan.Plan {
	return e.plan
}

// Forwarded returns the number of live forwarding entries.
func (e *Engine) Forwarded() int {
	return e.table.Len()
}

// Migrate runs one migration without a whole-run bound.
//
// # Description
//
// The heap guards are checked first. Then FIRST_PASS converts every live
// instance of the plan's source types, CRITICAL_PHASE rewrites every
// reference while the host is quiesced, SMOKE_TEST validates the result
// and the run commits. Any failure rolls back.
//
// # Inputs
//
//   - ctx: Cancelling it aborts the run between steps, then rolls back.
//   - req: Types to scan and containers to update.
//
// # Outputs
//
//   - *Outcome: Never nil. Runs that could not start report Failed with
//     ID 0 and carry the same error.
//   - error: nil on success. ErrMigrationInProgress or a heap guard
//     error when the run could not start.
//
// # Example
//
//	out, err := eng.Migrate(ctx, engine.Request{
//	    ScanTypes: []reflect.Type{reflect.TypeFor[UserService]()},
//	})
func (e *Engine) Migrate(ctx context.Context, req Request) (*Outcome, error) {
	return e.migrate(ctx, req, 0)
}

// MigrateWithTimeout runs one migration bounded by d.
//
// # Description
//
// The bound is cooperative: it is observed between steps and by every
// bounded collaborator call. When it expires the run emits a timeout
// alert, rolls back and returns an error wrapping *timeout.TimeoutError.
// d <= 0 behaves like Migrate.
func (e *Engine) MigrateWithTimeout(ctx context.Context, req Request, d time.Duration) (*Outcome, error) {
	return e.migrate(ctx, req, d)
}

func (e *Engine) migrate(ctx context.Context, req Request, bound time.Duration) (*Outcome, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg := e.Config()
	if err := ValidateHeapSize(cfg); err != nil {
		e.logger.Warn("migration refused by heap guard", "error", err)
		return refused(err)
	}
	if !e.running.TryLock() {
		return refused(ErrMigrationInProgress)
	}
	defer e.running.Unlock()

	var cancel context.CancelFunc = func() {}
	if bound > 0 {
		ctx, cancel = context.WithTimeoutCause(ctx, bound, errRunDeadline)
	}
	defer cancel()

	r, err := e.newRun(ctx, cfg, req, bound)
	if err != nil {
		return refused(err)
	}
	return r.execute()
}

// refused reports a run that never started. It has no run ID.
func refused(err error) (*Outcome, error) {
	return &Outcome{Status: state.Failed, Started: time.Now(), Err: err}, err
}

// newRun prepares the per-run collaborators.
func (e *Engine) newRun(ctx context.Context, cfg *config.Config, req Request, bound time.Duration) (*run, error) {
	controller := e.controller
	var undo patch.UndoLog
	if controller == nil {
		journal := checkpoint.NewJournal()
		controller, undo = journal, journal
	}
	committer, err := checkpoint.NewCommitter(controller, e.listener)
	if err != nil {
		return nil, err
	}
	rollbacker, err := checkpoint.NewRollbacker(controller)
	if err != nil {
		return nil, err
	}

	id := migrationIDs.Add(1)
	return &run{
		e:          e,
		ctx:        ctx,
		cfg:        cfg,
		req:        req,
		bound:      bound,
		mc:         phase.NewContext(e.plan, id, uuid.New()),
		patcher:    patch.New(e.table, patch.Options{Statics: e.statics, Undo: undo}),
		committer:  committer,
		rollbacker: rollbacker,
		converted:  make(validate.Converted),
	}, nil
}
