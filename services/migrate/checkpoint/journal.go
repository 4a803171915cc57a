// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// Journal is an in-process Controller built from compensating actions.
//
// # Description
//
// Journal implements patch.UndoLog. Every slot the patcher or the registry
// updater rewrites records its inverse action here. RestoreFromCheckpoint
// replays the actions newest first and empties the journal;
// DeleteCheckpoint discards them.
//
// Objects created by converters are not undone: after a restore nothing
// reachable refers to them.
//
// # Thread Safety
//
// Safe for concurrent use.
type Journal struct {
	mu     sync.Mutex
	undo   []func()
	logger *slog.Logger
}

// NewJournal creates an empty journal.
func NewJournal() *Journal {
	return &Journal{logger: slog.Default().With("component", "checkpoint.Journal")}
}

// Record appends an inverse action.
func (j *Journal) Record(undo func()) {
	if undo == nil {
		return
	}
	j.mu.Lock()
	j.undo = append(j.undo, undo)
	j.mu.Unlock()
}

// Len returns the number of pending inverse actions.
func (j *Journal) Len() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return len(j.undo)
}

// DeleteCheckpoint implements Controller.
func (j *Journal) DeleteCheckpoint(context.Context) error {
	j.mu.Lock()
	n := len(j.undo)
	j.undo = nil
	j.mu.Unlock()

	j.logger.Debug("journal discarded", "actions", n)
	return nil
}

// RestoreFromCheckpoint implements Controller.
//
// # Description
//
// Every action runs even when an earlier one panicked, so that as much of
// the graph as possible is restored. The context is not consulted: a
// partial restore is worse than a late one.
//
// # Outputs
//
//   - error: nil when every action ran cleanly, otherwise the joined
//     panics.
func (j *Journal) RestoreFromCheckpoint(context.Context) error {
	j.mu.Lock()
	undo := j.undo
	j.undo = nil
	j.mu.Unlock()

	var errs []error
	for i := len(undo) - 1; i >= 0; i-- {
		if err := runUndo(undo[i]); err != nil {
			errs = append(errs, fmt.Errorf("undo #%d: %w", i, err))
		}
	}
	if len(errs) > 0 {
		j.logger.Error("journal restore incomplete", "actions", len(undo), "failures", len(errs))
		return errors.Join(errs...)
	}
	j.logger.Info("journal restored", "actions", len(undo))
	return nil
}

func runUndo(fn func()) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	fn()
	return nil
}
