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
	"fmt"
	"log/slog"
	"reflect"
	"slices"
	"time"

	"github.com/AleutianAI/livemigrate/services/migrate/checkpoint"
	"github.com/AleutianAI/livemigrate/services/migrate/config"
	"github.com/AleutianAI/livemigrate/services/migrate/heap"
	"github.com/AleutianAI/livemigrate/services/migrate/internal/reflectx"
	"github.com/AleutianAI/livemigrate/services/migrate/metrics"
	"github.com/AleutianAI/livemigrate/services/migrate/patch"
	"github.com/AleutianAI/livemigrate/services/migrate/phase"
	"github.com/AleutianAI/livemigrate/services/migrate/registry"
	"github.com/AleutianAI/livemigrate/services/migrate/state"
	"github.com/AleutianAI/livemigrate/services/migrate/timeout"
	"github.com/AleutianAI/livemigrate/services/migrate/validate"
)

// errRunDeadline is the cancellation cause of an expired whole-run bound.
var errRunDeadline = errors.New("migration deadline exceeded")

const (
	reasonFailure = "migration failure"
	stageFinalize = "FINALIZE"
)

// run holds the state of one migration attempt. It is owned by the
// goroutine that called Migrate.
type run struct {
	e      *Engine
	ctx    context.Context
	cfg    *config.Config
	req    Request
	bound  time.Duration
	mc     *phase.Context
	logger *slog.Logger

	patcher    *patch.Patcher
	committer  *checkpoint.Committer
	rollbacker *checkpoint.Rollbacker
	collector  *metrics.Collector

	// resolved holds every original found by FIRST_PASS, including those
	// forwarded by an earlier run. originals holds those converted by
	// this run.
	resolved  []any
	originals []any
	created   []any
	converted validate.Converted

	closure []reflect.Type
	live    []any
	patched int

	phases []metrics.Phase
	stage  string

	afterPending      bool
	rollbackAttempted bool
	rolledBack        bool
	rollbackErr       error
	report            *validate.Report
}

func (r *run) execute() (*Outcome, error) {
	e := r.e
	id := r.mc.ID()

	ctx, span := e.tracer.StartMigration(r.ctx, id, r.mc.RunID(), e.plan.Len())
	r.ctx = ctx
	r.logger = LoggerWithTrace(ctx, e.logger).With("id", id)
	r.collector = metrics.NewCollector().Start(id).MigratorCount(e.plan.Len())

	e.state.Started(id)
	e.alerts.MigrationStarted(id)
	incActive(ctx)
	defer decActive(context.WithoutCancel(ctx))

	r.logger.Info("migration started",
		"run_id", r.mc.RunID().String(),
		"descriptors", e.plan.Len(),
		"bound", r.bound)

	out, err := r.steps()
	e.tracer.EndMigration(span, out, err)
	return out, err
}

func (r *run) steps() (*Outcome, error) {
	if err := r.phase(r.ctx, metrics.FirstPass, r.firstPass); err != nil {
		return r.fail(err, reasonFailure)
	}
	if err := r.ctx.Err(); err != nil {
		return r.fail(err, reasonFailure)
	}
	if err := r.phase(r.ctx, metrics.CriticalPhase, r.criticalPhase); err != nil {
		return r.fail(err, reasonFailure)
	}
	if err := r.ctx.Err(); err != nil {
		return r.fail(err, reasonFailure)
	}
	if err := r.phase(r.ctx, metrics.SmokeTest, r.smokeTest); err != nil {
		reason := reasonFailure
		if errors.Is(err, ErrValidationFailed) {
			reason = reasonValidation
		}
		return r.fail(err, reason)
	}
	return r.commit()
}

// ===== Phases =====

// phase runs fn as phase p, nested under whatever phase is running.
func (r *run) phase(ctx context.Context, p metrics.Phase, fn func(context.Context) error) error {
	e := r.e
	id := r.mc.ID()

	from := r.phaseName()
	r.phases = append(r.phases, p)
	e.state.SetPhase(p)
	e.alerts.PhaseStarted(id, p)
	e.tracer.RecordPhaseTransition(ctx, id, from, p.String(), r.mc.Elapsed())

	pctx, span := e.tracer.StartPhase(ctx, id, p)
	start := time.Now()
	err := r.collector.Timed(p, func() error {
		return guard(p, func() error { return fn(pctx) })
	})
	d := time.Since(start)
	e.tracer.EndPhase(span, err)
	recordPhase(pctx, p, d, err)
	if err != nil {
		return err
	}

	e.alerts.PhaseCompleted(id, p, d)
	r.phases = r.phases[:len(r.phases)-1]
	if len(r.phases) > 0 {
		e.state.SetPhase(r.phases[len(r.phases)-1])
	}
	return nil
}

// guard converts a panic in fn into ErrMigrationPanicked.
func guard(p metrics.Phase, fn func() error) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("%w in %s: %v", ErrMigrationPanicked, p, rec)
		}
	}()
	return fn()
}

// firstPass converts every live instance of the plan's source types.
func (r *run) firstPass(ctx context.Context) error {
	walker := r.e.walker
	for _, d := range r.e.plan.Ordered() {
		if err := ctx.Err(); err != nil {
			return err
		}

		name := "heapSnapshot(" + d.From().String() + ")"
		snap, err := timeout.Call(ctx, name, r.opBound(r.cfg.Timeouts.HeapSnapshot),
			func(ctx context.Context) (heap.Snapshot, error) {
				return walker.Snapshot(ctx, d.From())
			})
		if err != nil {
			return fmt.Errorf("snapshot %s: %w", d.From(), err)
		}

		converted := 0
		for _, entry := range snap.Entries {
			if err := ctx.Err(); err != nil {
				return err
			}
			obj, ok := walker.Resolve(entry.Tag)
			if !ok {
				continue
			}
			if r.e.table.Contains(obj) {
				r.resolved = append(r.resolved, obj)
				continue
			}

			created, err := d.Convert(obj)
			if err != nil {
				return err
			}
			if err := r.e.table.Put(obj, created); err != nil {
				return fmt.Errorf("forward %T: %w", obj, err)
			}
			r.resolved = append(r.resolved, obj)
			r.originals = append(r.originals, obj)
			r.created = append(r.created, created)
			r.converted[d] = append(r.converted[d], created)
			converted++
		}
		r.logger.Debug("descriptor converted",
			"descriptor", d.String(),
			"snapshot", snap.Len(),
			"converted", converted)
	}

	r.collector.ObjectsMigrated(len(r.created))
	r.logger.Info("first pass complete", "converted", len(r.created), "resolved", len(r.resolved))
	return nil
}

// criticalPhase quiesces the host, rewrites every reference and resumes.
func (r *run) criticalPhase(ctx context.Context) error {
	err := timeout.Run(ctx, "onBeforeCriticalPhase", r.opBound(r.cfg.Timeouts.CriticalPhase),
		func(ctx context.Context) error {
			return r.e.signal.BeforeCritical(ctx, r.mc)
		})
	if err != nil {
		return fmt.Errorf("%w: %w", ErrCriticalPhaseRefused, err)
	}
	r.afterPending = true

	r.closure = classClosure(r.req.ScanTypes, r.created, r.resolved)
	if err := r.phase(ctx, metrics.SecondPass, r.secondPass); err != nil {
		return err
	}
	if err := r.phase(ctx, metrics.RegistryUpdate, r.registryUpdate); err != nil {
		return err
	}

	if err := r.resume(ctx); err != nil {
		r.rollback(context.WithoutCancel(ctx), reasonResume)
		return fmt.Errorf("%w: %w", ErrResumeFailed, err)
	}
	return nil
}

// resume sends the after signal. It is attempted at most once per run.
func (r *run) resume(ctx context.Context) error {
	if !r.afterPending {
		return nil
	}
	r.afterPending = false
	return timeout.Run(ctx, "onAfterCriticalPhase", r.opBound(r.cfg.Timeouts.CriticalPhase),
		func(ctx context.Context) error {
			return r.e.signal.AfterCritical(ctx, r.mc)
		})
}

// secondPass patches every live object and the statics of the closure.
func (r *run) secondPass(ctx context.Context) error {
	walker := r.e.walker
	bound := r.opBound(r.cfg.Timeouts.HeapWalk)

	var objs []any
	var err error
	if r.cfg.FullHeapWalk() {
		objs, err = timeout.Call(ctx, "heapWalkFull", bound, walker.WalkAll)
	} else {
		objs, err = timeout.Call(ctx, "heapWalkFiltered", bound,
			func(ctx context.Context) ([]any, error) {
				return walker.WalkFiltered(ctx, r.closure)
			})
	}
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return err
		}
		r.logger.Warn("heap walk failed, patching converted and resolved objects only", "error", err)
		objs = slices.Concat(r.resolved, r.created)
	}
	r.live = dedupe(slices.Concat(objs, r.created))

	patched := 0
	for _, obj := range r.live {
		if err := ctx.Err(); err != nil {
			return err
		}
		if r.e.table.Contains(obj) {
			continue
		}
		patched += r.patcher.PatchObject(obj)
	}
	for _, t := range r.closure {
		patched += r.patcher.PatchStaticFields(t)
	}
	r.patched += patched

	r.logger.Info("second pass complete",
		"walked", len(objs),
		"closure", len(r.closure),
		"patched", patched)
	return nil
}

// registryUpdate rewrites declared registries and generic containers.
func (r *run) registryUpdate(ctx context.Context) error {
	u := registry.NewUpdater(r.patcher)

	n := u.UpdateDeclaredRegistries(r.closure, r.live)
	if len(r.req.Containers) > 0 && r.req.Capability != nil {
		n += u.UpdateGenericContainers(r.req.Containers, r.req.Capability)
	}
	n += u.UpdateGenericFieldsInClasses(r.closure, r.live, r.capabilities())
	r.patched += n

	r.logger.Info("registries updated", "rewritten", n)
	return ctx.Err()
}

// capabilities returns the plan's capabilities plus the request's.
func (r *run) capabilities() []reflect.Type {
	caps := slices.Clone(r.e.plan.Capabilities())
	if c := r.req.Capability; c != nil && !slices.Contains(caps, c) {
		caps = append(caps, c)
	}
	return caps
}

// smokeTest runs the validation runner on the converted objects.
func (r *run) smokeTest(ctx context.Context) error {
	report, err := timeout.Call(ctx, "smokeTests", r.opBound(r.cfg.Timeouts.SmokeTest),
		func(ctx context.Context) (validate.Report, error) {
			return r.e.validation.RunAll(ctx, r.converted), nil
		})
	if err != nil {
		return err
	}
	r.report = &report
	if !report.Success() {
		return fmt.Errorf("%w for migration %d: %s", ErrValidationFailed, r.mc.ID(), report.Summary())
	}
	return nil
}

// ===== Finalize =====

func (r *run) commit() (*Outcome, error) {
	e := r.e
	id := r.mc.ID()
	r.stage = stageFinalize

	if err := r.ctx.Err(); err != nil {
		return r.fail(err, reasonFailure)
	}
	if err := r.committer.Commit(r.ctx); err != nil {
		r.rollback(context.WithoutCancel(r.ctx), reasonCommit)
		return r.fail(err, reasonCommit)
	}

	e.walker.AdvanceEpoch()
	if tracker, ok := e.walker.(heap.Tracker); ok {
		for _, obj := range r.created {
			if err := tracker.Track(obj); err != nil {
				r.logger.Warn("cannot track migrated object", "type", fmt.Sprintf("%T", obj), "error", err)
			}
		}
		for _, obj := range r.originals {
			tracker.Forget(obj)
		}
	}

	m := r.finish()
	e.state.Completed(m)
	e.alerts.MigrationCompleted(id, m)
	recordMigration(r.ctx, m, true)
	r.logger.Info("migration committed", "summary", m.Summary())
	return r.outcome(state.Success, m, nil), nil
}

// fail rolls back, cleans up and records a failed run.
func (r *run) fail(err error, reason string) (*Outcome, error) {
	e := r.e
	id := r.mc.ID()
	bg := context.WithoutCancel(r.ctx)
	phaseName := r.phaseName()

	if r.timedOut() {
		err = fmt.Errorf("%w: %w", &timeout.TimeoutError{Operation: "migration", Timeout: r.bound}, err)
		reason = reasonTimeout
		e.alerts.MigrationTimeout(id, r.bound, phaseName)
	}

	if !r.rollbackAttempted {
		r.rollback(bg, reason)
	}
	r.cleanupForwarding()
	if rerr := r.resume(bg); rerr != nil {
		r.logger.Error("after critical phase signal failed", "error", rerr)
	}
	if r.rollbackErr != nil {
		err = &FinalizeError{Cause: err, Rollback: r.rollbackErr}
	}

	m := r.finish()
	e.state.Failed(err, &m)
	e.alerts.MigrationFailed(id, err, phaseName, &m)
	recordMigration(bg, m, false)
	return r.outcome(state.Failed, m, err), err
}

func (r *run) rollback(ctx context.Context, reason string) {
	e := r.e
	id := r.mc.ID()
	r.rollbackAttempted = true
	e.alerts.RollbackTriggered(id, reason)

	ctx, span := e.tracer.StartRollback(ctx, id, reason)
	err := r.rollbacker.Rollback(ctx)
	e.tracer.EndRollback(span, err)

	r.rolledBack = err == nil
	r.rollbackErr = err
	e.alerts.RollbackCompleted(id, err == nil)
	recordRollback(ctx, reason, err == nil)
}

// cleanupForwarding removes the entries this run added.
func (r *run) cleanupForwarding() {
	for _, obj := range r.originals {
		r.e.table.Remove(obj)
	}
}

func (r *run) finish() metrics.Metrics {
	return r.collector.
		ObjectsMigrated(len(r.created)).
		ObjectsPatched(r.patched).
		Finish()
}

func (r *run) outcome(status state.Status, m metrics.Metrics, err error) *Outcome {
	return &Outcome{
		ID:                r.mc.ID(),
		RunID:             r.mc.RunID(),
		Status:            status,
		Started:           r.mc.StartedAt(),
		Duration:          m.TotalDuration,
		ObjectsMigrated:   m.ObjectsMigrated,
		ObjectsPatched:    m.ObjectsPatched,
		RollbackAttempted: r.rollbackAttempted,
		RolledBack:        r.rolledBack,
		RollbackErr:       r.rollbackErr,
		Err:               err,
		Report:            r.report,
		Converted:         r.converted,
		Metrics:           m,
	}
}

// ===== Helpers =====

// phaseName returns the innermost running phase, or the finalize stage.
func (r *run) phaseName() string {
	if n := len(r.phases); n > 0 {
		return r.phases[n-1].String()
	}
	return r.stage
}

func (r *run) timedOut() bool {
	return r.bound > 0 && errors.Is(context.Cause(r.ctx), errRunDeadline)
}

// opBound returns the bound for a collaborator call. Unbounded calls of a
// run with a deadline still run asynchronously, so the deadline can
// release them; the extra second lets the run deadline fire first.
func (r *run) opBound(d time.Duration) time.Duration {
	if timeout.Enabled(d) {
		return d
	}
	if deadline, ok := r.ctx.Deadline(); ok {
		return time.Until(deadline) + time.Second
	}
	return 0
}

// dedupe drops repeated references, keeping the first occurrence.
func dedupe(objs []any) []any {
	seen := make(map[reflectx.Identity]bool, len(objs))
	out := make([]any, 0, len(objs))
	for _, o := range objs {
		if o == nil {
			continue
		}
		if id, ok := reflectx.IdentityOf(reflect.ValueOf(o)); ok {
			if seen[id] {
				continue
			}
			seen[id] = true
		}
		out = append(out, o)
	}
	return out
}
