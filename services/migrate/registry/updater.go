// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package registry

import (
	"fmt"
	"log/slog"
	"reflect"
	"sync"

	"github.com/AleutianAI/livemigrate/services/migrate/internal/reflectx"
	"github.com/AleutianAI/livemigrate/services/migrate/patch"
)

// Updater rewrites declared registries and generic containers.
//
// # Description
//
// The updater complements the graph patcher. The patcher replaces
// references wherever it finds them; the updater knows which values are
// registries and applies their declared options: whether keys are replaced,
// whether concurrent maps keep every entry present during the swap, and
// which post-update hook to call.
//
// # Thread Safety
//
// Not safe for concurrent use. Run inside the critical phase.
type Updater struct {
	patcher *patch.Patcher
	logger  *slog.Logger
}

// NewUpdater creates an updater that shares p's forwarding table, statics
// and undo log.
func NewUpdater(p *patch.Patcher) *Updater {
	return &Updater{
		patcher: p,
		logger:  slog.Default().With("component", "registry.Updater"),
	}
}

type taggedField struct {
	index int
	name  string
	spec  Spec
}

var taggedFieldsCache sync.Map // reflect.Type -> []taggedField

// taggedFields returns the registry fields declared directly on t.
func (u *Updater) taggedFields(t reflect.Type) []taggedField {
	if cached, ok := taggedFieldsCache.Load(t); ok {
		return cached.([]taggedField)
	}
	var out []taggedField
	if t.Kind() == reflect.Struct {
		for i := 0; i < t.NumField(); i++ {
			f := t.Field(i)
			tag, ok := f.Tag.Lookup(TagKey)
			if !ok {
				continue
			}
			spec, isRegistry, err := ParseTag(tag)
			if err != nil {
				u.logger.Warn("ignoring registry field with invalid tag",
					"type", t.String(), "field", f.Name, "error", err)
				continue
			}
			if isRegistry {
				out = append(out, taggedField{index: i, name: f.Name, spec: spec})
			}
		}
	}
	taggedFieldsCache.Store(t, out)
	return out
}

// UpdateDeclaredRegistries updates every registry declared on types.
//
// # Description
//
// For each type, tagged statics registered with patch.Statics are updated
// once, then the tagged fields of every live object of that type. Failures
// are logged as warnings and never stop the update.
//
// # Inputs
//
//   - types: The class closure of the migration.
//   - live: Live objects whose instance registries are updated.
//
// # Outputs
//
//   - int: Number of rewritten slots.
func (u *Updater) UpdateDeclaredRegistries(types []reflect.Type, live []any) int {
	n := 0
	seen := make(map[reflect.Type]bool, len(types))
	for _, t := range types {
		if t == nil {
			continue
		}
		owner := structType(t)
		if seen[owner] {
			continue
		}
		seen[owner] = true

		for _, sv := range u.patcher.Statics().Of(owner) {
			if sv.Tag == "" {
				continue
			}
			spec, ok, err := ParseTag(sv.Tag)
			if err != nil {
				u.logger.Warn("ignoring static registry with invalid tag",
					"owner", owner.String(), "name", sv.Name, "error", err)
				continue
			}
			if ok {
				n += u.updateRegistry(sv.Value(), spec, owner.String()+"."+sv.Name)
			}
		}

		fields := u.taggedFields(owner)
		if len(fields) == 0 {
			continue
		}
		for _, obj := range live {
			elem, ok := instanceOf(obj, owner)
			if !ok {
				continue
			}
			for _, f := range fields {
				n += u.updateRegistry(reflectx.Field(elem, f.index), f.spec, owner.String()+"."+f.name)
			}
		}
	}
	return n
}

// updateRegistry updates the registry held by slot.
func (u *Updater) updateRegistry(slot reflect.Value, spec Spec, name string) (n int) {
	defer func() {
		if r := recover(); r != nil {
			u.logger.Warn("registry update failed", "registry", name, "error", fmt.Sprint(r))
		}
	}()

	if isNilValue(slot) {
		return 0
	}

	if target, ok := u.patcher.Lookup(slot); ok {
		tv := reflect.ValueOf(target)
		if tv.Type().AssignableTo(slot.Type()) && slot.CanSet() {
			u.patcher.Assign(slot, tv)
			n++
		} else {
			u.logger.Warn("registry cannot hold its replacement",
				"registry", name, "replacement_type", tv.Type().String())
		}
	}

	value := underlying(slot)
	mode := spec.mode()

	switch {
	case asConcurrentMap(value) != nil:
		n += u.patcher.RewriteConcurrentMap(asConcurrentMap(value), mode)
	case value.Kind() == reflect.Map:
		n += u.patcher.RewriteMap(value, mode)
	case value.Kind() == reflect.Slice:
		n += u.patcher.RewriteElements(value, mode)
	case value.Kind() == reflect.Array:
		n += u.rewriteArray(slot, value, mode)
	default:
		if spec.UseDynamicOps {
			n += u.dynamicOps(value, spec)
		}
		if spec.DeepPatch {
			if value.Kind() == reflect.Pointer {
				obj, _ := reflectx.Interface(value)
				n += u.patcher.PatchObject(obj)
			} else {
				n += u.patcher.PatchSlot(slot, patch.AllEntries)
			}
		}
	}

	u.notify(value, name)
	return n
}

// rewriteArray updates an array in place when addressable and otherwise
// rebuilds it and stores the copy in the owning slot.
func (u *Updater) rewriteArray(slot, array reflect.Value, mode patch.EntryMode) int {
	if array.CanSet() {
		return u.patcher.RewriteElements(array, mode)
	}
	cp, ok := reflectx.Clone(array)
	if !ok {
		return 0
	}
	n := u.patcher.RewriteElements(cp, mode)
	if n > 0 {
		if !slot.CanSet() {
			u.logger.Warn("array registry not settable", "type", array.Type().String())
			return 0
		}
		u.patcher.Assign(slot, cp)
	}
	return n
}

// notify runs the Aware hook of a registry value, if any.
func (u *Updater) notify(value reflect.Value, name string) {
	var aware Aware
	if obj, ok := reflectx.Interface(value); ok {
		aware, _ = obj.(Aware)
	}
	if aware == nil {
		if ptr, ok := reflectx.AddrOf(value); ok {
			aware, _ = ptr.Interface().(Aware)
		}
	}
	if aware == nil {
		return
	}

	defer func() {
		if r := recover(); r != nil {
			u.logger.Warn("OnRegistryUpdated failed", "registry", name, "error", fmt.Sprint(r))
		}
	}()
	aware.OnRegistryUpdated()
}

// -----------------------------------------------------------------------------
// Helpers
// -----------------------------------------------------------------------------

func structType(t reflect.Type) reflect.Type {
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	return t
}

// instanceOf returns the struct value of obj when obj is a pointer to owner.
func instanceOf(obj any, owner reflect.Type) (reflect.Value, bool) {
	rv := reflect.ValueOf(obj)
	if rv.Kind() != reflect.Pointer || rv.IsNil() || rv.Type().Elem() != owner {
		return reflect.Value{}, false
	}
	return rv.Elem(), true
}

func underlying(v reflect.Value) reflect.Value {
	for v.IsValid() && v.Kind() == reflect.Interface && !v.IsNil() {
		v = v.Elem()
	}
	return v
}

func isNilValue(v reflect.Value) bool {
	if !v.IsValid() {
		return true
	}
	switch v.Kind() {
	case reflect.Pointer, reflect.Map, reflect.Slice, reflect.Interface, reflect.Chan, reflect.Func:
		return v.IsNil()
	default:
		return false
	}
}

// asConcurrentMap returns v as a ConcurrentMap, taking its address when v
// is an addressable value such as a sync.Map field.
func asConcurrentMap(v reflect.Value) ConcurrentMap {
	if !v.IsValid() {
		return nil
	}
	if v.Kind() == reflect.Pointer {
		if v.IsNil() {
			return nil
		}
		if obj, ok := reflectx.Interface(v); ok {
			cm, _ := obj.(ConcurrentMap)
			return cm
		}
		return nil
	}
	if ptr, ok := reflectx.AddrOf(v); ok {
		cm, _ := ptr.Interface().(ConcurrentMap)
		return cm
	}
	return nil
}
