// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package state

// ring is a fixed-size circular buffer. When full, Push overwrites the
// oldest item.
//
// # Thread Safety
//
// NOT safe for concurrent use; State synchronizes access.
type ring[T any] struct {
	data  []T
	head  int // next write position
	count int
}

func newRing[T any](capacity int) *ring[T] {
	if capacity <= 0 {
		capacity = 1
	}
	return &ring[T]{data: make([]T, capacity)}
}

func (r *ring[T]) push(item T) {
	r.data[r.head] = item
	r.head = (r.head + 1) % len(r.data)
	if r.count < len(r.data) {
		r.count++
	}
}

func (r *ring[T]) len() int { return r.count }

func (r *ring[T]) cap() int { return len(r.data) }

// newest returns up to n items, newest first.
func (r *ring[T]) newest(n int) []T {
	if n <= 0 || r.count == 0 {
		return nil
	}
	n = min(n, r.count)
	out := make([]T, n)
	for i := 0; i < n; i++ {
		idx := r.head - 1 - i
		if idx < 0 {
			idx += len(r.data)
		}
		out[i] = r.data[idx]
	}
	return out
}

// oldestFirst returns every item, oldest first.
func (r *ring[T]) oldestFirst() []T {
	items := r.newest(r.count)
	for i, j := 0, len(items)-1; i < j; i, j = i+1, j-1 {
		items[i], items[j] = items[j], items[i]
	}
	return items
}

// resized returns a buffer of the new capacity holding the newest items.
func (r *ring[T]) resized(capacity int) *ring[T] {
	next := newRing[T](capacity)
	items := r.oldestFirst()
	if len(items) > next.cap() {
		items = items[len(items)-next.cap():]
	}
	for _, it := range items {
		next.push(it)
	}
	return next
}

func (r *ring[T]) clear() {
	clear(r.data)
	r.head, r.count = 0, 0
}
