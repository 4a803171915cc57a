// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package checkpoint provides the commit and rollback side of a migration.
//
// A Controller owns a checkpoint taken before the migration started.
// Committing deletes it; rolling back restores from it. Process-level
// checkpointing lives outside this module; the in-process Journal records
// an inverse action for every slot the patcher rewrote and replays them on
// restore.
package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// -----------------------------------------------------------------------------
// Errors
// -----------------------------------------------------------------------------

var (
	// ErrRestoreUnsupported is returned by controllers that cannot restore.
	ErrRestoreUnsupported = errors.New("checkpoint restore not supported")

	// ErrNilController is returned when a manager is built without a controller.
	ErrNilController = errors.New("checkpoint controller must not be nil")

	// ErrCommitFailed wraps failures to delete the checkpoint.
	ErrCommitFailed = errors.New("commit failed")

	// ErrRollbackFailed wraps failures to restore from the checkpoint.
	ErrRollbackFailed = errors.New("rollback failed")
)

// Controller owns the checkpoint of one migration.
//
// # Description
//
// DeleteCheckpoint makes rollback impossible and should be best effort:
// only fatal failures are returned. RestoreFromCheckpoint returns nil when
// the state was restored. Implementations backed by a process-level
// mechanism may never return from a successful restore.
type Controller interface {
	DeleteCheckpoint(ctx context.Context) error
	RestoreFromCheckpoint(ctx context.Context) error
}

// Noop is the default controller for hosts without checkpoint support.
// Deleting succeeds; restoring reports ErrRestoreUnsupported.
type Noop struct{}

// DeleteCheckpoint implements Controller.
func (Noop) DeleteCheckpoint(context.Context) error { return nil }

// RestoreFromCheckpoint implements Controller.
func (Noop) RestoreFromCheckpoint(context.Context) error { return ErrRestoreUnsupported }

// CommitListener is notified after the checkpoint of a successful
// migration was deleted.
type CommitListener interface {
	OnCommit(ctx context.Context) error
}

// CommitListenerFunc adapts a function to CommitListener.
type CommitListenerFunc func(ctx context.Context) error

// OnCommit implements CommitListener.
func (f CommitListenerFunc) OnCommit(ctx context.Context) error { return f(ctx) }

// -----------------------------------------------------------------------------
// Committer
// -----------------------------------------------------------------------------

// Committer finalizes a migration.
type Committer struct {
	controller Controller
	listener   CommitListener
	logger     *slog.Logger
}

// NewCommitter creates a committer. listener may be nil.
func NewCommitter(controller Controller, listener CommitListener) (*Committer, error) {
	if controller == nil {
		return nil, ErrNilController
	}
	return &Committer{
		controller: controller,
		listener:   listener,
		logger:     slog.Default().With("component", "checkpoint.Committer"),
	}, nil
}

// Commit deletes the checkpoint, then notifies the listener.
//
// # Description
//
// After Commit returns nil, rollback is no longer possible. A failing or
// panicking listener is logged and ignored.
//
// # Outputs
//
//   - error: Wraps ErrCommitFailed and the controller error.
func (c *Committer) Commit(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: panic in DeleteCheckpoint: %v", ErrCommitFailed, r)
		}
	}()

	if err := c.controller.DeleteCheckpoint(ctx); err != nil {
		return fmt.Errorf("%w: %w", ErrCommitFailed, err)
	}
	if c.listener != nil {
		c.notify(ctx)
	}
	return nil
}

func (c *Committer) notify(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Warn("commit listener panicked (ignored)", "panic", r)
		}
	}()
	if err := c.listener.OnCommit(ctx); err != nil {
		c.logger.Warn("commit listener failed (ignored)", "error", err)
	}
}

// -----------------------------------------------------------------------------
// Rollbacker
// -----------------------------------------------------------------------------

// Rollbacker restores the pre-migration state.
type Rollbacker struct {
	controller Controller
}

// NewRollbacker creates a rollbacker.
func NewRollbacker(controller Controller) (*Rollbacker, error) {
	if controller == nil {
		return nil, ErrNilController
	}
	return &Rollbacker{controller: controller}, nil
}

// Rollback restores from the checkpoint.
//
// # Outputs
//
//   - error: nil when the state was restored. Otherwise wraps
//     ErrRollbackFailed and the controller error, including
//     ErrRestoreUnsupported.
func (r *Rollbacker) Rollback(ctx context.Context) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("%w: panic in RestoreFromCheckpoint: %v", ErrRollbackFailed, rec)
		}
	}()

	if err := r.controller.RestoreFromCheckpoint(ctx); err != nil {
		return fmt.Errorf("%w: %w", ErrRollbackFailed, err)
	}
	return nil
}
