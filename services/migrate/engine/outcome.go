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
	"fmt"
	"reflect"
	"time"

	"github.com/google/uuid"

	"github.com/AleutianAI/livemigrate/services/migrate/metrics"
	"github.com/AleutianAI/livemigrate/services/migrate/state"
	"github.com/AleutianAI/livemigrate/services/migrate/validate"
)

// Request selects what a migration scans and updates.
type Request struct {
	// ScanTypes are the types whose instances, statics and declared
	// registries hold references to migrated objects.
	ScanTypes []reflect.Type

	// Containers are host-supplied generic containers to update.
	Containers []any

	// Capability is the element capability of Containers. It is also added
	// to the capabilities inferred from the plan.
	Capability reflect.Type
}

// Outcome summarizes one migration attempt. It is returned on success and
// on failure.
type Outcome struct {
	ID      uint64
	RunID   uuid.UUID
	Status  state.Status
	Started time.Time

	Duration        time.Duration
	ObjectsMigrated int
	ObjectsPatched  int

	// RollbackAttempted is true when a rollback ran. RolledBack is true
	// when it succeeded; RollbackErr holds the failure otherwise.
	RollbackAttempted bool
	RolledBack        bool
	RollbackErr       error

	// Err is the error returned alongside the outcome, nil on success.
	Err error

	// Report is the validation report, nil if validation did not run.
	Report *validate.Report

	// Converted holds the new objects grouped by descriptor.
	Converted validate.Converted

	Metrics metrics.Metrics
}

// Success reports whether the migration committed.
func (o *Outcome) Success() bool {
	return o != nil && o.Status == state.Success
}

// Summary returns a one-line description of the outcome.
func (o *Outcome) Summary() string {
	if o == nil {
		return "no migration"
	}
	s := fmt.Sprintf("migration #%d %s in %dms: %d migrated, %d patched",
		o.ID, o.Status, o.Duration.Milliseconds(), o.ObjectsMigrated, o.ObjectsPatched)
	switch {
	case o.RolledBack:
		s += ", rolled back"
	case o.RollbackAttempted:
		s += ", rollback FAILED"
	}
	if o.Err != nil {
		s += ": " + o.Err.Error()
	}
	return s
}
