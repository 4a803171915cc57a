// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package patch

// FieldWalker is implemented by types that expose their reference-holding
// fields explicitly. The patcher uses it instead of reflection.
//
// set replaces the field value; it returns an error when the value cannot
// be stored.
type FieldWalker interface {
	ForEachField(fn func(name string, value any, set func(any) error))
}

// ElementWalker is implemented by custom containers that expose their
// elements explicitly.
type ElementWalker interface {
	ForEachElement(fn func(index int, value any, set func(any) error))
}

// Rebuildable is implemented by immutable values that cannot be updated in
// place. When any element is forwarded, the patcher asks for an equivalent
// value built from the replacement elements and stores it in the owning
// slot.
type Rebuildable interface {
	Elements() []any
	Rebuild(elems []any) (any, error)
}

// UndoLog receives an inverse action for every mutation the patcher makes.
//
// Undo functions must be run newest first.
type UndoLog interface {
	Record(undo func())
}

// ConcurrentMap is the mutation contract of a concurrent map.
// *sync.Map satisfies it.
type ConcurrentMap interface {
	Range(fn func(key, value any) bool)
	Load(key any) (value any, ok bool)
	Store(key, value any)
	CompareAndSwap(key, old, new any) (swapped bool)
	CompareAndDelete(key, old any) (deleted bool)
	Delete(key any)
}

// EntryMode selects which parts of a container's entries are rewritten.
type EntryMode struct {
	// Keys enables replacement of forwarded map keys.
	Keys bool

	// Values enables replacement of forwarded values and elements.
	Values bool

	// Deep descends into entries that are not themselves forwarded.
	Deep bool

	// Accept, when set, must return true for an old object to be replaced.
	Accept func(old any) bool
}

// AllEntries rewrites keys and values and descends into both.
var AllEntries = EntryMode{Keys: true, Values: true, Deep: true}
