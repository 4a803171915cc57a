// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package patch rewrites references to migrated objects.
//
// Given a forwarding table mapping old instances to their replacements, the
// Patcher walks an object graph and stores the replacement in every slot that
// holds a forwarded instance: struct fields, slice and array elements, map
// keys and values, interface values, and the contents of standard library
// containers such as sync.Map and container/list.
//
// Traversal is iterative over reference values (pointers, maps, slices) with
// an identity-based visited set, so cycles and long chains are safe. Failures
// on individual slots are logged at debug level and never stop the walk.
package patch

import (
	"log/slog"
	"reflect"

	"github.com/AleutianAI/livemigrate/services/migrate/forwarding"
	"github.com/AleutianAI/livemigrate/services/migrate/internal/reflectx"
)

var anyType = reflect.TypeFor[any]()

// Options configures a Patcher.
type Options struct {
	// Statics supplies package-level variables for PatchStaticFields.
	Statics *Statics

	// Undo receives an inverse action for every mutation. Optional.
	Undo UndoLog

	// Logger overrides the component logger.
	Logger *slog.Logger
}

// Patcher rewrites references to forwarded objects.
//
// # Thread Safety
//
// A Patcher may be shared, but the graphs it mutates must not be mutated
// concurrently by other goroutines. The engine only patches inside the
// critical phase.
type Patcher struct {
	table   *forwarding.Table
	statics *Statics
	undo    UndoLog
	logger  *slog.Logger
}

// New creates a Patcher over table.
func New(table *forwarding.Table, opts Options) *Patcher {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default().With("component", "patch.Patcher")
	}
	return &Patcher{
		table:   table,
		statics: opts.Statics,
		undo:    opts.Undo,
		logger:  logger,
	}
}

// Statics returns the statics registry, possibly nil.
func (p *Patcher) Statics() *Statics {
	return p.statics
}

// PatchObject rewrites every forwarded reference reachable from root.
//
// # Description
//
// root itself is never replaced because it has no owning slot. Pointers,
// maps and slices are patched in place; other values are patched on a copy,
// so only state shared through references is updated.
//
// # Outputs
//
//   - int: Number of slots rewritten.
func (p *Patcher) PatchObject(root any) int {
	if root == nil {
		return 0
	}
	w := p.newWalker(AllEntries)
	rv := reflect.ValueOf(root)
	switch rv.Kind() {
	case reflect.Pointer, reflect.Map, reflect.Slice:
		w.enqueue(rv)
	default:
		box := reflect.New(rv.Type()).Elem()
		box.Set(rv)
		w.slot(box)
	}
	w.drain()
	return w.rewritten
}

// PatchStaticFields rewrites the package-level variables registered for
// owner. Owners declared in the standard library are skipped.
func (p *Patcher) PatchStaticFields(owner reflect.Type) int {
	if owner == nil || reflectx.IsStdType(owner) {
		return 0
	}
	vars := p.statics.Of(owner)
	if len(vars) == 0 {
		return 0
	}
	w := p.newWalker(AllEntries)
	for _, sv := range vars {
		w.slot(sv.Value())
	}
	w.drain()
	return w.rewritten
}

// PatchSlot forwards the value held by slot or, when it is not forwarded,
// descends into it.
func (p *Patcher) PatchSlot(slot reflect.Value, mode EntryMode) int {
	w := p.newWalker(mode)
	w.slot(slot)
	w.drain()
	return w.rewritten
}

// PatchDetached patches a value that lives behind an accessor. set stores
// the replacement when the value itself or its inline content changed.
func (p *Patcher) PatchDetached(value any, set func(any) error) int {
	w := p.newWalker(AllEntries)
	w.detached(value, set)
	w.drain()
	return w.rewritten
}

// RewriteMap rewrites the entries of the built-in map m.
func (p *Patcher) RewriteMap(m reflect.Value, mode EntryMode) int {
	if m.Kind() != reflect.Map || m.IsNil() {
		return 0
	}
	m, ok := reflectx.Expose(m)
	if !ok {
		return 0
	}
	w := p.newWalker(mode)
	w.mapEntries(m)
	w.drain()
	return w.rewritten
}

// RewriteConcurrentMap rewrites the entries of a concurrent map.
func (p *Patcher) RewriteConcurrentMap(m ConcurrentMap, mode EntryMode) int {
	if m == nil {
		return 0
	}
	w := p.newWalker(mode)
	w.concurrentMap(m)
	w.drain()
	return w.rewritten
}

// RewriteElements rewrites the elements of a slice or array in place.
func (p *Patcher) RewriteElements(v reflect.Value, mode EntryMode) int {
	if v.Kind() != reflect.Slice && v.Kind() != reflect.Array {
		return 0
	}
	if v.Kind() == reflect.Slice {
		var ok bool
		if v, ok = reflectx.Expose(v); !ok {
			return 0
		}
	}
	w := p.newWalker(mode)
	w.elements(v)
	w.drain()
	return w.rewritten
}

// Lookup returns the forwarding target of the object held by v.
// Interface values are unwrapped.
func (p *Patcher) Lookup(v reflect.Value) (any, bool) {
	v = underlying(v)
	if !reflectx.HasIdentity(v) {
		return nil, false
	}
	obj, ok := reflectx.Interface(v)
	if !ok {
		return nil, false
	}
	return p.table.Get(obj)
}

// Assign stores val in slot and records the inverse action.
func (p *Patcher) Assign(slot, val reflect.Value) {
	if p.undo != nil {
		if prev, ok := reflectx.Clone(slot); ok {
			p.undo.Record(func() { slot.Set(prev) })
		}
	}
	slot.Set(val)
}

// Record forwards an inverse action to the undo log, if any.
func (p *Patcher) Record(undo func()) {
	if p.undo != nil {
		p.undo.Record(undo)
	}
}

func (p *Patcher) newWalker(mode EntryMode) *walker {
	return &walker{
		p:       p,
		mode:    mode,
		visited: make(map[reflectx.Identity]struct{}),
		slices:  make(map[reflectx.SliceIdentity]struct{}),
	}
}

// -----------------------------------------------------------------------------
// Walker
// -----------------------------------------------------------------------------

// walker holds the state of one traversal.
type walker struct {
	p         *Patcher
	mode      EntryMode
	visited   map[reflectx.Identity]struct{}
	slices    map[reflectx.SliceIdentity]struct{}
	pending   []reflect.Value
	rewritten int
}

// enqueue schedules a pointer, map or slice for descent, once per identity.
func (w *walker) enqueue(v reflect.Value) {
	switch v.Kind() {
	case reflect.Pointer, reflect.Map:
		id, ok := reflectx.IdentityOf(v)
		if !ok {
			return
		}
		if _, seen := w.visited[id]; seen {
			return
		}
		w.visited[id] = struct{}{}
		if v.Kind() == reflect.Pointer && !reflectx.MayHoldRefs(v.Type().Elem()) && !isCapable(v.Type()) {
			return
		}
	case reflect.Slice:
		if !reflectx.MayHoldRefs(v.Type().Elem()) {
			return
		}
		id, ok := reflectx.SliceIdentityOf(v)
		if !ok {
			return
		}
		if _, seen := w.slices[id]; seen {
			return
		}
		w.slices[id] = struct{}{}
	default:
		return
	}

	exposed, ok := reflectx.Expose(v)
	if !ok {
		return
	}
	w.pending = append(w.pending, exposed)
}

func (w *walker) drain() {
	for len(w.pending) > 0 {
		last := len(w.pending) - 1
		v := w.pending[last]
		w.pending = w.pending[:last]
		w.descend(v)
	}
}

func (w *walker) descend(v reflect.Value) {
	switch v.Kind() {
	case reflect.Pointer:
		if w.capability(v) {
			return
		}
		w.slot(v.Elem())
	case reflect.Map:
		w.mapEntries(v)
	case reflect.Slice:
		w.elements(v)
	}
}

// slot handles one storage location: the value is replaced when it is
// forwarded, otherwise the walk continues inside it.
func (w *walker) slot(v reflect.Value) {
	if !v.IsValid() || !reflectx.MayHoldRefs(v.Type()) {
		return
	}
	if w.forward(v, v) {
		return
	}
	w.inside(v)
}

// inside continues the walk within v without replacing v itself.
func (w *walker) inside(v reflect.Value) {
	if !v.IsValid() || !reflectx.MayHoldRefs(v.Type()) {
		return
	}
	switch v.Kind() {
	case reflect.Interface:
		if !v.IsNil() {
			w.iface(v)
		}
	case reflect.Pointer, reflect.Map, reflect.Slice:
		w.enqueue(v)
	case reflect.Struct:
		if w.special(v) {
			return
		}
		for i := 0; i < v.NumField(); i++ {
			w.slot(reflectx.Field(v, i))
		}
	case reflect.Array:
		for i := 0; i < v.Len(); i++ {
			w.slot(v.Index(i))
		}
	}
}

// iface handles a non-nil interface slot. Struct and array values stored in
// an interface are patched on a copy that is written back when it changed.
func (w *walker) iface(v reflect.Value) {
	inner := v.Elem()
	switch inner.Kind() {
	case reflect.Struct, reflect.Array:
		if !reflectx.MayHoldRefs(inner.Type()) {
			return
		}
		cp, ok := reflectx.Clone(inner)
		if !ok {
			return
		}
		before := w.rewritten
		w.inside(cp)
		if w.rewritten == before {
			return
		}
		if !v.CanSet() {
			w.p.logger.Debug("interface slot not settable, inline changes dropped", "type", inner.Type().String())
			w.rewritten = before
			return
		}
		w.p.Assign(v, cp)
	default:
		w.inside(inner)
	}
}

// forward replaces the value of slot when val is forwarded. It reports
// whether val was forwarded, whether or not the store succeeded.
func (w *walker) forward(slot, val reflect.Value) bool {
	target, ok := w.target(val)
	if !ok {
		return false
	}
	tv := reflect.ValueOf(target)
	if !tv.Type().AssignableTo(slot.Type()) {
		w.p.logger.Debug("slot cannot hold replacement",
			"slot_type", slot.Type().String(),
			"replacement_type", tv.Type().String())
		return true
	}
	if !slot.CanSet() {
		w.p.logger.Debug("slot not settable", "slot_type", slot.Type().String())
		return true
	}
	w.p.Assign(slot, tv)
	w.rewritten++
	return true
}

// target returns the forwarding target of val, honoring mode.Accept.
func (w *walker) target(val reflect.Value) (any, bool) {
	target, ok := w.p.Lookup(val)
	if !ok {
		return nil, false
	}
	if w.mode.Accept != nil {
		old, _ := reflectx.Interface(underlying(val))
		if !w.mode.Accept(old) {
			return nil, false
		}
	}
	return target, true
}

// special handles struct values that need more than field traversal.
func (w *walker) special(v reflect.Value) bool {
	if reflectx.IsStdType(v.Type()) {
		w.stdValue(v)
		return true
	}
	if w.rebuild(v) {
		return true
	}
	if ptr, ok := reflectx.AddrOf(v); ok && isCapable(ptr.Type()) {
		return w.capability(ptr)
	}
	return false
}

// capability patches ptr through FieldWalker or ElementWalker.
func (w *walker) capability(ptr reflect.Value) bool {
	if !isCapable(ptr.Type()) {
		return false
	}
	obj, ok := reflectx.Interface(ptr)
	if !ok {
		return false
	}
	handled := false
	if fw, ok := obj.(FieldWalker); ok {
		fw.ForEachField(func(name string, value any, set func(any) error) {
			w.detached(value, set)
		})
		handled = true
	}
	if ew, ok := obj.(ElementWalker); ok {
		ew.ForEachElement(func(index int, value any, set func(any) error) {
			w.detached(value, set)
		})
		handled = true
	}
	return handled
}

var (
	fieldWalkerType   = reflect.TypeFor[FieldWalker]()
	elementWalkerType = reflect.TypeFor[ElementWalker]()
	rebuildableType   = reflect.TypeFor[Rebuildable]()
)

func isCapable(t reflect.Type) bool {
	return t.Implements(fieldWalkerType) || t.Implements(elementWalkerType)
}

// detached patches a value reached through an accessor. The value is boxed
// in an interface slot so any replacement type fits; set writes it back.
func (w *walker) detached(value any, set func(any) error) {
	if value == nil {
		return
	}
	box := reflect.New(anyType).Elem()
	box.Set(reflect.ValueOf(value))

	before := w.rewritten
	w.slot(box)
	if w.rewritten == before {
		return
	}
	if err := set(box.Interface()); err != nil {
		w.p.logger.Debug("setter rejected replacement", "type", reflect.TypeOf(value).String(), "error", err)
		w.rewritten = before
		return
	}
	w.p.Record(func() { _ = set(value) })
}

// rebuild replaces an immutable Rebuildable value whose elements forward.
func (w *walker) rebuild(v reflect.Value) bool {
	if !v.Type().Implements(rebuildableType) {
		return false
	}
	obj, ok := reflectx.Interface(v)
	if !ok {
		return false
	}
	rebuilt, changed, err := w.rebuildValue(obj.(Rebuildable))
	if err != nil {
		w.p.logger.Debug("rebuild failed", "type", v.Type().String(), "error", err)
		return true
	}
	if !changed {
		return true
	}
	rv := reflect.ValueOf(rebuilt)
	if rebuilt == nil || !rv.Type().AssignableTo(v.Type()) || !v.CanSet() {
		w.p.logger.Debug("rebuilt value cannot be stored", "type", v.Type().String())
		return true
	}
	w.p.Assign(v, rv)
	w.rewritten++
	return true
}

// rebuildValue computes the replacement of r, replacing forwarded elements
// and rebuilding nested Rebuildable elements.
func (w *walker) rebuildValue(r Rebuildable) (any, bool, error) {
	elems := r.Elements()
	out := make([]any, len(elems))
	changed := false
	for i, e := range elems {
		out[i] = e
		if e == nil {
			continue
		}
		ev := reflect.ValueOf(e)
		if target, ok := w.target(ev); ok {
			out[i] = target
			changed = true
			continue
		}
		if nested, ok := e.(Rebuildable); ok {
			rebuilt, nestedChanged, err := w.rebuildValue(nested)
			if err != nil {
				return nil, false, err
			}
			if nestedChanged {
				out[i] = rebuilt
				changed = true
			}
			continue
		}
		if w.mode.Deep {
			w.enqueue(ev)
		}
	}
	if !changed {
		return nil, false, nil
	}
	rebuilt, err := r.Rebuild(out)
	if err != nil {
		return nil, false, err
	}
	return rebuilt, true, nil
}

// elements handles slice elements and array elements.
func (w *walker) elements(v reflect.Value) {
	for i := 0; i < v.Len(); i++ {
		el := v.Index(i)
		if w.mode.Values && w.forward(el, el) {
			continue
		}
		if w.mode.Deep {
			w.inside(el)
		}
	}
}

// mapEntries rewrites a built-in map: changes are collected from the live
// entries first, then changed keys are removed and replacements inserted.
func (w *walker) mapEntries(m reflect.Value) {
	keyType, elemType := m.Type().Key(), m.Type().Elem()

	type change struct {
		oldKey, newKey, oldVal, newVal reflect.Value
		keyChanged                     bool
	}
	var changes []change

	iter := m.MapRange()
	for iter.Next() {
		k, val := iter.Key(), iter.Value()
		c := change{oldKey: k, newKey: k, oldVal: val, newVal: val}
		changed := false

		if w.mode.Keys {
			if nk, ok := w.replacement(k, keyType); ok {
				c.newKey, c.keyChanged, changed = nk, true, true
				w.rewritten++
			}
		}
		valForwarded := false
		if w.mode.Values {
			if nv, ok := w.replacement(val, elemType); ok {
				c.newVal, changed, valForwarded = nv, true, true
				w.rewritten++
			}
		}
		if w.mode.Deep {
			if !c.keyChanged && reflectx.MayHoldRefs(keyType) {
				if w.mode.Keys {
					if nk, ok := w.insideCopy(k); ok {
						c.newKey, c.keyChanged, changed = nk, true, true
					}
				} else {
					// Keys stay as they are; only state behind their references is patched.
					w.inside(k)
				}
			}
			if !valForwarded && reflectx.MayHoldRefs(elemType) {
				if nv, ok := w.insideCopy(val); ok {
					c.newVal, changed = nv, true
				}
			}
		}
		if changed {
			changes = append(changes, c)
		}
	}

	if len(changes) == 0 {
		return
	}
	for _, c := range changes {
		if c.keyChanged {
			m.SetMapIndex(c.oldKey, reflect.Value{})
		}
	}
	for _, c := range changes {
		m.SetMapIndex(c.newKey, c.newVal)
	}
	w.p.Record(func() {
		for _, c := range changes {
			if c.keyChanged {
				m.SetMapIndex(c.newKey, reflect.Value{})
			}
			m.SetMapIndex(c.oldKey, c.oldVal)
		}
	})
}

// insideCopy walks a settable copy of v and returns it when inline content
// changed. Changes made through references need no write back.
func (w *walker) insideCopy(v reflect.Value) (reflect.Value, bool) {
	cp := reflect.New(v.Type()).Elem()
	cp.Set(v)
	before := w.rewritten
	w.inside(cp)
	return cp, w.rewritten > before
}

// replacement returns the forwarding target of v when it fits type t.
func (w *walker) replacement(v reflect.Value, t reflect.Type) (reflect.Value, bool) {
	target, ok := w.target(v)
	if !ok {
		return reflect.Value{}, false
	}
	tv := reflect.ValueOf(target)
	if !tv.Type().AssignableTo(t) {
		w.p.logger.Debug("map cannot hold replacement",
			"slot_type", t.String(),
			"replacement_type", tv.Type().String())
		return reflect.Value{}, false
	}
	return tv, true
}

// underlying unwraps interface values.
func underlying(v reflect.Value) reflect.Value {
	for v.IsValid() && v.Kind() == reflect.Interface && !v.IsNil() {
		v = v.Elem()
	}
	return v
}
