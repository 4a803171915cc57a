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

import (
	"container/list"
	"fmt"
	"math"
	"reflect"
	"sync"
	"sync/atomic"

	"github.com/AleutianAI/livemigrate/services/migrate/internal/reflectx"
)

// stdValue patches a standard library struct through its exported API.
// Internal fields of these types are never written.
func (w *walker) stdValue(v reflect.Value) {
	ptr, ok := reflectx.AddrOf(v)
	if !ok {
		return
	}
	switch obj := ptr.Interface().(type) {
	case *sync.Map:
		w.concurrentMap(obj)
	case *list.List:
		w.linkedList(obj)
	case *atomic.Value:
		w.atomicValue(v, obj)
	default:
		w.holder(ptr)
	}
}

func (w *walker) linkedList(l *list.List) {
	for e := l.Front(); e != nil; e = e.Next() {
		el := e
		w.detached(el.Value, func(nv any) error {
			el.Value = nv
			return nil
		})
	}
}

// atomicValue swaps a forwarded value in place when the concrete types
// agree. atomic.Value rejects a different concrete type, so otherwise the
// owning slot receives a fresh atomic.Value.
func (w *walker) atomicValue(slot reflect.Value, av *atomic.Value) {
	cur := av.Load()
	if cur == nil {
		return
	}
	target, ok := w.target(reflect.ValueOf(cur))
	if !ok {
		if w.mode.Deep {
			w.inside(reflect.ValueOf(cur))
		}
		return
	}

	if reflect.TypeOf(target) == reflect.TypeOf(cur) {
		if av.CompareAndSwap(cur, target) {
			w.rewritten++
			w.p.Record(func() { av.CompareAndSwap(target, cur) })
		}
		return
	}
	if !slot.CanSet() {
		w.p.logger.Debug("atomic.Value holds a different type and cannot be replaced",
			"from", fmt.Sprintf("%T", cur), "to", fmt.Sprintf("%T", target))
		return
	}
	fresh := reflect.New(slot.Type())
	fresh.Interface().(*atomic.Value).Store(target)
	w.p.Assign(slot, fresh.Elem())
	w.rewritten++
}

// holder patches value holders such as atomic.Pointer that expose
// Load and CompareAndSwap methods.
func (w *walker) holder(ptr reflect.Value) {
	load := ptr.MethodByName("Load")
	if !load.IsValid() || load.Type().NumIn() != 0 || load.Type().NumOut() != 1 {
		return
	}
	cur := load.Call(nil)[0]
	if !reflectx.HasIdentity(underlying(cur)) {
		return
	}

	target, ok := w.target(cur)
	if !ok {
		if w.mode.Deep {
			w.inside(cur)
		}
		return
	}

	elemType := load.Type().Out(0)
	tv := reflect.ValueOf(target)
	cas := ptr.MethodByName("CompareAndSwap")
	if !cas.IsValid() || cas.Type().NumIn() != 2 || !tv.Type().AssignableTo(elemType) {
		w.p.logger.Debug("holder cannot store replacement",
			"holder", ptr.Type().String(), "replacement_type", tv.Type().String())
		return
	}
	if swapped, err := callCAS(cas, cur, tv); err != nil || !swapped {
		w.p.logger.Debug("holder swap failed", "holder", ptr.Type().String(), "error", err)
		return
	}
	w.rewritten++
	w.p.Record(func() { _, _ = callCAS(cas, tv, cur) })
}

func callCAS(cas reflect.Value, old, new reflect.Value) (swapped bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	out := cas.Call([]reflect.Value{old, new})
	return len(out) == 1 && out[0].Kind() == reflect.Bool && out[0].Bool(), nil
}

// -----------------------------------------------------------------------------
// Concurrent maps
// -----------------------------------------------------------------------------

type concurrentChange struct {
	oldKey, newKey any
	oldVal, newVal any
	keyChanged     bool
	// rewrites is credited once the change is stored.
	rewrites int
}

// concurrentMap rewrites a concurrent map without ever leaving an entry
// absent: a value change is a compare-and-swap; a key change stores the new
// key before deleting the old one. Changes that fail are retried by a
// snapshot-and-reinsert fallback. Values that cannot be compared are
// checked against the snapshot by inline content and stored directly.
func (w *walker) concurrentMap(m ConcurrentMap) {
	var changes []concurrentChange
	m.Range(func(k, v any) bool {
		c := concurrentChange{oldKey: k, newKey: k, oldVal: v, newVal: v}

		if w.mode.Keys && k != nil {
			if nk, ok := w.target(reflect.ValueOf(k)); ok {
				c.newKey, c.keyChanged = nk, true
				c.rewrites++
			}
		}
		valForwarded := false
		if w.mode.Values && v != nil {
			if nv, ok := w.target(reflect.ValueOf(v)); ok {
				c.newVal, valForwarded = nv, true
				c.rewrites++
			}
		}
		if w.mode.Deep {
			if !c.keyChanged && k != nil {
				if w.mode.Keys {
					if nk, n := w.uncreditedCopy(reflect.ValueOf(k)); n > 0 {
						c.newKey, c.keyChanged = nk.Interface(), true
						c.rewrites += n
					}
				} else {
					w.inside(reflect.ValueOf(k))
				}
			}
			if !valForwarded && v != nil {
				if nv, n := w.uncreditedCopy(reflect.ValueOf(v)); n > 0 {
					c.newVal = nv.Interface()
					c.rewrites += n
				}
			}
		}
		if c.rewrites > 0 {
			changes = append(changes, c)
		}
		return true
	})

	var failed []concurrentChange
	for _, c := range changes {
		if !w.applyConcurrent(m, c) {
			failed = append(failed, c)
		}
	}
	if len(failed) > 0 {
		w.concurrentFallback(m, failed)
	}
}

// uncreditedCopy walks a copy of v and returns it with the number of inline
// rewrites, which the caller credits only if it stores the copy.
func (w *walker) uncreditedCopy(v reflect.Value) (reflect.Value, int) {
	before := w.rewritten
	cp, _ := w.insideCopy(v)
	n := w.rewritten - before
	w.rewritten = before
	return cp, n
}

func (w *walker) applyConcurrent(m ConcurrentMap, c concurrentChange) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			w.p.logger.Debug("concurrent map update panicked", "error", fmt.Sprint(r))
			ok = false
		}
	}()

	casable := comparableValue(c.oldVal)
	switch {
	case !c.keyChanged && casable:
		if !m.CompareAndSwap(c.oldKey, c.oldVal, c.newVal) {
			return false
		}
	case !c.keyChanged:
		if !unchanged(m, c.oldKey, c.oldVal) {
			return false
		}
		m.Store(c.oldKey, c.newVal)
	default:
		m.Store(c.newKey, c.newVal)
		if casable {
			if !m.CompareAndDelete(c.oldKey, c.oldVal) {
				return false
			}
		} else {
			if !unchanged(m, c.oldKey, c.oldVal) {
				return false
			}
			m.Delete(c.oldKey)
		}
	}
	w.rewritten += c.rewrites
	w.recordConcurrent(m, c)
	return true
}

// concurrentFallback re-reads the entries of failed changes and reinserts
// them, storing the replacement before removing the old key. An entry that
// changed since the snapshot is forwarded as it is now.
func (w *walker) concurrentFallback(m ConcurrentMap, failed []concurrentChange) {
	for _, c := range failed {
		current, present := m.Load(c.oldKey)
		if !present && !c.keyChanged {
			continue
		}
		if present && !sameValue(current, c.oldVal) {
			nv, ok := w.target(reflect.ValueOf(current))
			switch {
			case ok:
				c.oldVal, c.newVal, c.rewrites = current, nv, 1
			case c.keyChanged:
				c.oldVal, c.newVal = current, current
			default:
				w.p.logger.Debug("concurrent map entry changed during rewrite", "key", fmt.Sprint(c.oldKey))
				continue
			}
		}
		m.Store(c.newKey, c.newVal)
		if c.keyChanged && present {
			m.Delete(c.oldKey)
		}
		w.rewritten += c.rewrites
		w.recordConcurrent(m, c)
	}
}

func (w *walker) recordConcurrent(m ConcurrentMap, c concurrentChange) {
	w.p.Record(func() {
		if c.keyChanged {
			m.Store(c.oldKey, c.oldVal)
			m.Delete(c.newKey)
			return
		}
		m.Store(c.oldKey, c.oldVal)
	})
}

// unchanged reports whether key still holds the snapshot value old.
func unchanged(m ConcurrentMap, key, old any) bool {
	current, present := m.Load(key)
	return present && sameValue(current, old)
}

// comparableValue reports whether v can be compared without panicking,
// which compare-and-swap requires.
func comparableValue(v any) bool {
	return v == nil || reflect.ValueOf(v).Comparable()
}

// sameValue compares by identity for references and by inline content
// otherwise, without panicking on incomparable values.
func sameValue(a, b any) bool {
	av, bv := reflect.ValueOf(a), reflect.ValueOf(b)
	if !av.IsValid() || !bv.IsValid() {
		return !av.IsValid() && !bv.IsValid()
	}
	return inlineEqual(av, bv)
}

// inlineEqual compares the inline content of a and b. References compare
// by identity and slices by header, so nothing behind a pointer is read.
func inlineEqual(a, b reflect.Value) bool {
	if a.Type() != b.Type() {
		return false
	}
	switch a.Kind() {
	case reflect.Interface:
		if a.IsNil() || b.IsNil() {
			return a.IsNil() && b.IsNil()
		}
		return inlineEqual(a.Elem(), b.Elem())
	case reflect.Pointer, reflect.Map, reflect.Chan, reflect.Func, reflect.UnsafePointer:
		return a.UnsafePointer() == b.UnsafePointer()
	case reflect.Slice:
		return a.UnsafePointer() == b.UnsafePointer() && a.Len() == b.Len() && a.Cap() == b.Cap()
	case reflect.Struct:
		for i := 0; i < a.NumField(); i++ {
			if !inlineEqual(a.Field(i), b.Field(i)) {
				return false
			}
		}
		return true
	case reflect.Array:
		for i := 0; i < a.Len(); i++ {
			if !inlineEqual(a.Index(i), b.Index(i)) {
				return false
			}
		}
		return true
	case reflect.Float32, reflect.Float64:
		return math.Float64bits(a.Float()) == math.Float64bits(b.Float())
	case reflect.Complex64, reflect.Complex128:
		ac, bc := a.Complex(), b.Complex()
		return math.Float64bits(real(ac)) == math.Float64bits(real(bc)) &&
			math.Float64bits(imag(ac)) == math.Float64bits(imag(bc))
	default:
		return a.Equal(b)
	}
}
