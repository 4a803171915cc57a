// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package heap defines the live-object enumeration boundary of a migration.
//
// The engine never enumerates memory itself. It asks a Walker for snapshots
// of a source type, resolves the snapshot tags to live objects, and later
// asks for the full or filtered set of objects whose references must be
// patched. Registry is the in-process Walker: the host registers the
// objects it wants migratable and the registry tracks them weakly.
//
// Snapshots can also travel out of process; see EncodeSnapshot and
// DecodeSnapshot for the wire format.
package heap

import (
	"context"
	"errors"
	"reflect"
)

var (
	// ErrNotPointer is returned when a non-pointer value is tracked.
	ErrNotPointer = errors.New("only non-nil pointers can be tracked")

	// ErrWalkerClosed is returned by walkers that have been shut down.
	ErrWalkerClosed = errors.New("heap walker is closed")
)

// Tag is an opaque handle to a live object, valid until the next epoch.
type Tag int64

// Entry is one (tag, reported type name) pair of a snapshot.
type Entry struct {
	Tag      Tag
	TypeName string
}

// Snapshot is a point-in-time list of resolvable handles to live instances
// of one type.
type Snapshot struct {
	Entries []Entry
}

// Len returns the number of entries.
func (s Snapshot) Len() int {
	return len(s.Entries)
}

// IsEmpty reports whether the snapshot has no entries.
func (s Snapshot) IsEmpty() bool {
	return len(s.Entries) == 0
}

// Walker supplies live objects to the migration engine.
//
// # Description
//
// Resolve reports false for tags whose object has been collected or whose
// epoch has passed. That is a normal condition, not an error.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use: the host keeps running
// while the engine walks.
type Walker interface {
	// Snapshot lists live instances of typ.
	Snapshot(ctx context.Context, typ reflect.Type) (Snapshot, error)

	// Resolve maps a tag back to its object.
	Resolve(tag Tag) (any, bool)

	// WalkAll returns every live object known to the walker.
	WalkAll(ctx context.Context) ([]any, error)

	// WalkFiltered returns live objects whose type is one of types.
	WalkFiltered(ctx context.Context, types []reflect.Type) ([]any, error)

	// AdvanceEpoch invalidates every tag issued so far.
	AdvanceEpoch()
}

// Tracker is implemented by walkers that learn about objects from the host.
// After a successful migration the engine tracks the replacements and
// forgets the originals.
type Tracker interface {
	Track(obj any) error
	Forget(obj any)
}
