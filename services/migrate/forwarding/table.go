// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package forwarding records the old-to-new identity mapping of a migration.
//
// The table is keyed by object identity, never by equality: two distinct
// instances whose contents compare equal are always separate entries. The
// old side of every entry is held through a weak pointer, so the table never
// keeps a superseded instance alive on its own.
//
// # Thread Safety
//
// Table operations are not synchronized against each other. A migration owns
// exactly one table for its lifetime and must serialize access to it. The
// internal purge queue is safe for the runtime cleanup goroutine.
package forwarding

import (
	"errors"
	"reflect"
	"runtime"
	"sync"
	"unsafe"
	"weak"
)

var (
	// ErrNotReference is returned when a value without pointer identity is
	// used as a forwarding key.
	ErrNotReference = errors.New("value has no pointer identity")

	// ErrNilTarget is returned when the replacement side of a mapping is nil.
	ErrNilTarget = errors.New("forwarding target must not be nil")
)

// key identifies an object by dynamic type and address.
//
// weak.Pointer values compare equal if and only if they were made from the
// same pointer, even after the referent is reclaimed, so a reused address
// can never match a stale entry.
type key struct {
	typ reflect.Type
	ptr weak.Pointer[byte]
}

type entry struct {
	target  any
	cleanup runtime.Cleanup
}

// Table is an identity-keyed, weakly-held map from old object to new object.
type Table struct {
	entries map[key]*entry

	deadMu sync.Mutex
	dead   []key
}

// NewTable creates an empty forwarding table.
func NewTable() *Table {
	return &Table{entries: make(map[key]*entry)}
}

// Put registers old -> target, replacing any previous mapping for old.
//
// # Inputs
//
//   - old: A pointer, map or channel. Values without identity are rejected.
//   - target: The replacement. Must not be nil.
//
// # Outputs
//
//   - error: ErrNotReference or ErrNilTarget.
func (t *Table) Put(old, target any) error {
	t.purge()

	k, addr, ok := identityOf(old)
	if !ok {
		return ErrNotReference
	}
	if target == nil {
		return ErrNilTarget
	}

	if prev, exists := t.entries[k]; exists {
		prev.cleanup.Stop()
	}

	e := &entry{target: target}
	e.cleanup = runtime.AddCleanup((*byte)(addr), t.enqueueDead, k)
	t.entries[k] = e
	return nil
}

// Get returns the forwarding target for old, if any.
func (t *Table) Get(old any) (any, bool) {
	t.purge()

	k, _, ok := identityOf(old)
	if !ok {
		return nil, false
	}
	e, exists := t.entries[k]
	if !exists {
		return nil, false
	}
	return e.target, true
}

// Contains reports whether old has a forwarding target.
func (t *Table) Contains(old any) bool {
	_, ok := t.Get(old)
	return ok
}

// Remove drops the mapping for old. Removing an unknown object is a no-op.
func (t *Table) Remove(old any) {
	t.purge()

	k, _, ok := identityOf(old)
	if !ok {
		return
	}
	if e, exists := t.entries[k]; exists {
		e.cleanup.Stop()
		delete(t.entries, k)
	}
}

// Clear drops every mapping.
func (t *Table) Clear() {
	for _, e := range t.entries {
		e.cleanup.Stop()
	}
	t.entries = make(map[key]*entry)

	t.deadMu.Lock()
	t.dead = nil
	t.deadMu.Unlock()
}

// Len returns the number of mappings whose old side has not been purged.
// Entries for collected objects may still be counted until the next purge.
func (t *Table) Len() int {
	t.purge()
	return len(t.entries)
}

// Targets returns the replacement side of every live mapping.
func (t *Table) Targets() []any {
	t.purge()
	out := make([]any, 0, len(t.entries))
	for _, e := range t.entries {
		out = append(out, e.target)
	}
	return out
}

// enqueueDead runs on the runtime cleanup goroutine.
func (t *Table) enqueueDead(k key) {
	t.deadMu.Lock()
	t.dead = append(t.dead, k)
	t.deadMu.Unlock()
}

func (t *Table) purge() {
	t.deadMu.Lock()
	dead := t.dead
	t.dead = nil
	t.deadMu.Unlock()

	for _, k := range dead {
		// A key whose referent was collected can never be rebuilt by a
		// caller, so deleting it cannot drop a live mapping.
		delete(t.entries, k)
	}
}

// identityOf extracts the identity key of v.
func identityOf(v any) (key, unsafe.Pointer, bool) {
	if v == nil {
		return key{}, nil, false
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Pointer, reflect.Map, reflect.Chan:
	default:
		return key{}, nil, false
	}
	if rv.IsNil() {
		return key{}, nil, false
	}
	addr := rv.UnsafePointer()
	return key{typ: rv.Type(), ptr: weak.Make((*byte)(addr))}, addr, true
}

// SameIdentity reports whether a and b are the same object.
func SameIdentity(a, b any) bool {
	ka, _, okA := identityOf(a)
	kb, _, okB := identityOf(b)
	return okA && okB && ka == kb
}
