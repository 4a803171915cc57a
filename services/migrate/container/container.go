// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package container provides immutable value wrappers that cooperate with
// live migration.
//
// The types here cannot be updated in place. Each implements the patcher's
// Rebuildable contract (Elements and Rebuild) so a slot holding one is
// replaced by an equivalent wrapper built around the migrated elements.
package container

import (
	"errors"
	"fmt"
	"iter"
	"maps"
	"slices"
)

// ErrElementType is returned by Rebuild when an element does not fit the
// wrapper's element type.
var ErrElementType = errors.New("element does not fit container type")

func as[T any](e any) (T, error) {
	var zero T
	if e == nil {
		return zero, nil
	}
	v, ok := e.(T)
	if !ok {
		return zero, fmt.Errorf("%w: %T is not %T", ErrElementType, e, zero)
	}
	return v, nil
}

// -----------------------------------------------------------------------------
// Optional
// -----------------------------------------------------------------------------

// Optional holds zero or one value.
type Optional[T any] struct {
	value   T
	present bool
}

// Some returns an Optional holding v.
func Some[T any](v T) Optional[T] {
	return Optional[T]{value: v, present: true}
}

// None returns an empty Optional.
func None[T any]() Optional[T] {
	return Optional[T]{}
}

// Get returns the value and whether it is present.
func (o Optional[T]) Get() (T, bool) {
	return o.value, o.present
}

// IsPresent reports whether a value is held.
func (o Optional[T]) IsPresent() bool {
	return o.present
}

// OrElse returns the value or fallback.
func (o Optional[T]) OrElse(fallback T) T {
	if !o.present {
		return fallback
	}
	return o.value
}

// Elements implements patch.Rebuildable.
func (o Optional[T]) Elements() []any {
	if !o.present {
		return nil
	}
	return []any{o.value}
}

// Rebuild implements patch.Rebuildable.
func (o Optional[T]) Rebuild(elems []any) (any, error) {
	if len(elems) == 0 {
		return None[T](), nil
	}
	v, err := as[T](elems[0])
	if err != nil {
		return nil, err
	}
	return Some(v), nil
}

// -----------------------------------------------------------------------------
// List
// -----------------------------------------------------------------------------

// List is a frozen list.
type List[T any] struct {
	items []T
}

// ListOf copies items into a frozen list.
func ListOf[T any](items ...T) List[T] {
	return List[T]{items: slices.Clone(items)}
}

// Len returns the number of items.
func (l List[T]) Len() int {
	return len(l.items)
}

// At returns item i.
func (l List[T]) At(i int) T {
	return l.items[i]
}

// All iterates over index and item.
func (l List[T]) All() iter.Seq2[int, T] {
	return slices.All(l.items)
}

// Slice returns a copy of the items.
func (l List[T]) Slice() []T {
	return slices.Clone(l.items)
}

// Elements implements patch.Rebuildable.
func (l List[T]) Elements() []any {
	out := make([]any, len(l.items))
	for i, v := range l.items {
		out[i] = v
	}
	return out
}

// Rebuild implements patch.Rebuildable.
func (l List[T]) Rebuild(elems []any) (any, error) {
	items := make([]T, len(elems))
	for i, e := range elems {
		v, err := as[T](e)
		if err != nil {
			return nil, fmt.Errorf("index %d: %w", i, err)
		}
		items[i] = v
	}
	return List[T]{items: items}, nil
}

// -----------------------------------------------------------------------------
// Map
// -----------------------------------------------------------------------------

// Map is a frozen map that remembers insertion order.
//
// Elements are reported as alternating keys and values.
type Map[K comparable, V any] struct {
	entries map[K]V
	order   []K
}

// MapOf copies m into a frozen map. Keys are ordered as given by order;
// keys of m missing from order are appended in map iteration order.
func MapOf[K comparable, V any](m map[K]V, order ...K) Map[K, V] {
	out := Map[K, V]{entries: maps.Clone(m)}
	if out.entries == nil {
		out.entries = make(map[K]V)
	}
	seen := make(map[K]bool, len(m))
	for _, k := range order {
		if _, ok := m[k]; ok && !seen[k] {
			seen[k] = true
			out.order = append(out.order, k)
		}
	}
	for k := range m {
		if !seen[k] {
			out.order = append(out.order, k)
		}
	}
	return out
}

// Len returns the number of entries.
func (m Map[K, V]) Len() int {
	return len(m.order)
}

// Get returns the value for k.
func (m Map[K, V]) Get(k K) (V, bool) {
	v, ok := m.entries[k]
	return v, ok
}

// Keys returns the keys in order.
func (m Map[K, V]) Keys() []K {
	return slices.Clone(m.order)
}

// All iterates over the entries in order.
func (m Map[K, V]) All() iter.Seq2[K, V] {
	return func(yield func(K, V) bool) {
		for _, k := range m.order {
			if !yield(k, m.entries[k]) {
				return
			}
		}
	}
}

// Elements implements patch.Rebuildable.
func (m Map[K, V]) Elements() []any {
	out := make([]any, 0, 2*len(m.order))
	for _, k := range m.order {
		out = append(out, k, m.entries[k])
	}
	return out
}

// Rebuild implements patch.Rebuildable.
func (m Map[K, V]) Rebuild(elems []any) (any, error) {
	if len(elems)%2 != 0 {
		return nil, fmt.Errorf("%w: odd number of key and value elements", ErrElementType)
	}
	out := Map[K, V]{entries: make(map[K]V, len(elems)/2)}
	for i := 0; i < len(elems); i += 2 {
		k, err := as[K](elems[i])
		if err != nil {
			return nil, fmt.Errorf("key %d: %w", i/2, err)
		}
		v, err := as[V](elems[i+1])
		if err != nil {
			return nil, fmt.Errorf("value %d: %w", i/2, err)
		}
		if _, dup := out.entries[k]; !dup {
			out.order = append(out.order, k)
		}
		out.entries[k] = v
	}
	return out, nil
}

// -----------------------------------------------------------------------------
// Settled
// -----------------------------------------------------------------------------

// Settled is the result of a completed computation: a value or an error.
type Settled[T any] struct {
	value T
	err   error
}

// Resolved returns a successful result.
func Resolved[T any](v T) Settled[T] {
	return Settled[T]{value: v}
}

// Rejected returns a failed result.
func Rejected[T any](err error) Settled[T] {
	return Settled[T]{err: err}
}

// Get returns the value or the error.
func (s Settled[T]) Get() (T, error) {
	return s.value, s.err
}

// Elements implements patch.Rebuildable. A failed result has none.
func (s Settled[T]) Elements() []any {
	if s.err != nil {
		return nil
	}
	return []any{s.value}
}

// Rebuild implements patch.Rebuildable.
func (s Settled[T]) Rebuild(elems []any) (any, error) {
	if s.err != nil || len(elems) == 0 {
		return s, nil
	}
	v, err := as[T](elems[0])
	if err != nil {
		return nil, err
	}
	return Resolved(v), nil
}
