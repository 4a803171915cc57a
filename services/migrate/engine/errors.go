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
	"errors"
	"fmt"
)

// -----------------------------------------------------------------------------
// Errors
// -----------------------------------------------------------------------------

var (
	// ErrNilPlan is returned by New without a plan.
	ErrNilPlan = errors.New("migration plan is required")

	// ErrNilWalker is returned by New without a heap walker.
	ErrNilWalker = errors.New("heap walker is required")

	// ErrMigrationInProgress is returned when a migration is already running
	// on the engine.
	ErrMigrationInProgress = errors.New("a migration is already in progress")

	// ErrCriticalPhaseRefused wraps a failed before-critical signal.
	ErrCriticalPhaseRefused = errors.New("application refused to enter critical phase")

	// ErrResumeFailed wraps a failed after-critical signal.
	ErrResumeFailed = errors.New("after critical phase signal failed")

	// ErrValidationFailed is returned when health checks or smoke tests fail.
	ErrValidationFailed = errors.New("smoke tests failed")

	// ErrHeapBelowMinimum is returned when the memory limit is under the
	// configured minimum.
	ErrHeapBelowMinimum = errors.New("heap below configured minimum")

	// ErrHeapAboveMaximum is returned when the heap in use exceeds the
	// configured maximum.
	ErrHeapAboveMaximum = errors.New("heap above configured maximum")

	// ErrMigrationPanicked wraps a panic recovered inside a phase.
	ErrMigrationPanicked = errors.New("migration panicked")
)

// FinalizeError is returned when a migration failed and the rollback that
// followed failed too. The process is left in an unknown state and needs
// operator attention.
//
// errors.Is matches both the original cause and the rollback failure.
type FinalizeError struct {
	// Cause is the failure that triggered the rollback.
	Cause error

	// Rollback is the rollback failure.
	Rollback error
}

func (e *FinalizeError) Error() string {
	return fmt.Sprintf("%v, and rollback failed: %v", e.Cause, e.Rollback)
}

// Unwrap returns both causes.
func (e *FinalizeError) Unwrap() []error {
	return []error{e.Cause, e.Rollback}
}
