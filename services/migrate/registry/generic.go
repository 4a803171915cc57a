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
	"reflect"

	"github.com/AleutianAI/livemigrate/services/migrate/internal/reflectx"
	"github.com/AleutianAI/livemigrate/services/migrate/patch"
)

var rebuildableType = reflect.TypeFor[patch.Rebuildable]()

// UpdateGenericContainer replaces, inside container, every forwarded
// element whose dynamic type implements capability.
//
// # Description
//
// Maps (keys and values), concurrent maps, slices and pointers to arrays are
// rewritten in place. Other pointers are treated as custom containers:
// their fields are scanned and, when they implement patch.ElementWalker,
// their elements are visited. Elements that implement capability but are
// not forwarded are deep patched.
//
// # Outputs
//
//   - int: Number of rewritten slots.
func (u *Updater) UpdateGenericContainer(container any, capability reflect.Type) int {
	if container == nil || capability == nil {
		return 0
	}
	return u.genericValue(reflect.ValueOf(container), capability, u.genericMode(capability))
}

// UpdateGenericContainers applies UpdateGenericContainer to each container.
func (u *Updater) UpdateGenericContainers(containers []any, capability reflect.Type) int {
	if capability == nil {
		return 0
	}
	n := 0
	for _, c := range containers {
		n += u.UpdateGenericContainer(c, capability)
	}
	return n
}

// UpdateGenericFieldsInClasses updates container fields whose static type
// mentions one of the capability interfaces.
//
// # Description
//
// A field matches when its type is a map, slice, array, pointer or generic
// struct instantiation whose element, key or type argument is the
// capability, implements it, or is a broader interface. Plain interface
// fields are left to the graph patcher. Matching statics are updated once;
// matching instance fields are updated on every live object of the type.
func (u *Updater) UpdateGenericFieldsInClasses(types []reflect.Type, live []any, capabilities []reflect.Type) int {
	if len(types) == 0 || len(capabilities) == 0 {
		return 0
	}
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
			slot := sv.Value()
			if c := matchCapability(slot.Type(), capabilities); c != nil {
				n += u.genericSlot(slot, c, owner.String()+"."+sv.Name)
			}
		}

		if owner.Kind() != reflect.Struct {
			continue
		}
		for i := 0; i < owner.NumField(); i++ {
			f := owner.Field(i)
			c := matchCapability(f.Type, capabilities)
			if c == nil {
				continue
			}
			u.logger.Debug("found generic field", "type", owner.String(), "field", f.Name, "capability", c.String())
			for _, obj := range live {
				elem, ok := instanceOf(obj, owner)
				if !ok {
					continue
				}
				n += u.genericSlot(reflectx.Field(elem, i), c, owner.String()+"."+f.Name)
			}
		}
	}
	return n
}

func (u *Updater) genericMode(capability reflect.Type) patch.EntryMode {
	return patch.EntryMode{
		Keys:   true,
		Values: true,
		Accept: func(old any) bool {
			return old != nil && reflect.TypeOf(old).Implements(capability)
		},
	}
}

// genericSlot updates the container held by slot. Value containers that
// cannot be updated in place are rebuilt and stored back.
func (u *Updater) genericSlot(slot reflect.Value, capability reflect.Type, name string) (n int) {
	defer func() {
		if r := recover(); r != nil {
			u.logger.Warn("failed to update generic field", "field", name, "error", fmt.Sprint(r))
		}
	}()

	if isNilValue(slot) {
		return 0
	}
	mode := u.genericMode(capability)
	value := underlying(slot)

	switch {
	case value.Kind() == reflect.Array && !value.CanSet():
		return u.rewriteArray(slot, value, mode)
	case value.Kind() == reflect.Struct && value.Type().Implements(rebuildableType):
		return u.patcher.PatchSlot(slot, mode)
	case value.Kind() == reflect.Struct && asConcurrentMap(value) == nil:
		ptr, ok := reflectx.AddrOf(value)
		if !ok {
			return 0
		}
		return u.customContainer(ptr, capability, mode)
	default:
		return u.genericValue(value, capability, mode)
	}
}

func (u *Updater) genericValue(v reflect.Value, capability reflect.Type, mode patch.EntryMode) int {
	if isNilValue(v) {
		return 0
	}
	v = underlying(v)
	if cm := asConcurrentMap(v); cm != nil {
		return u.patcher.RewriteConcurrentMap(cm, mode)
	}
	switch v.Kind() {
	case reflect.Map:
		return u.patcher.RewriteMap(v, mode)
	case reflect.Slice:
		return u.patcher.RewriteElements(v, mode)
	case reflect.Array:
		if v.CanSet() {
			return u.patcher.RewriteElements(v, mode)
		}
		u.logger.Debug("array container passed by value, cannot update", "type", v.Type().String())
		return 0
	case reflect.Pointer:
		elem := v.Elem()
		switch elem.Kind() {
		case reflect.Array, reflect.Map, reflect.Slice:
			return u.genericValue(elem, capability, mode)
		case reflect.Struct:
			if elem.Type().Implements(rebuildableType) {
				return u.patcher.PatchSlot(elem, mode)
			}
			return u.customContainer(v, capability, mode)
		}
	}
	return 0
}

// customContainer scans the fields of a custom container and visits its
// elements through patch.ElementWalker.
func (u *Updater) customContainer(ptr reflect.Value, capability reflect.Type, mode patch.EntryMode) int {
	n := 0
	elem := ptr.Elem()
	if !reflectx.IsStdType(elem.Type()) {
		for i := 0; i < elem.NumField(); i++ {
			f := reflectx.Field(elem, i)
			if isNilValue(f) {
				continue
			}
			if target, ok := u.patcher.Lookup(f); ok && mode.Accept(mustInterface(f)) {
				tv := reflect.ValueOf(target)
				if tv.Type().AssignableTo(f.Type()) && f.CanSet() {
					u.patcher.Assign(f, tv)
					n++
				}
				continue
			}
			switch underlying(f).Kind() {
			case reflect.Map, reflect.Slice, reflect.Array:
				n += u.genericSlot(f, capability, elem.Type().String()+"."+elem.Type().Field(i).Name)
			}
		}
	}

	obj, ok := reflectx.Interface(ptr)
	if !ok {
		return n
	}
	if ew, ok := obj.(patch.ElementWalker); ok {
		ew.ForEachElement(func(index int, value any, set func(any) error) {
			if value == nil {
				return
			}
			if target, ok := u.patcher.Lookup(reflect.ValueOf(value)); ok && mode.Accept(value) {
				if err := set(target); err != nil {
					u.logger.Debug("element setter rejected replacement", "index", index, "error", err)
					return
				}
				n++
				u.patcher.Record(func() { _ = set(value) })
				return
			}
			if reflect.TypeOf(value).Implements(capability) {
				n += u.patcher.PatchObject(value)
			}
		})
	}
	return n
}

func mustInterface(v reflect.Value) any {
	obj, _ := reflectx.Interface(underlying(v))
	return obj
}

// matchCapability returns the first capability that a container type t
// mentions as an element, key or type argument.
func matchCapability(t reflect.Type, capabilities []reflect.Type) reflect.Type {
	for _, c := range capabilities {
		if c == nil || t == c {
			continue
		}
		if containerMentions(t, c, make(map[reflect.Type]bool)) {
			return c
		}
	}
	return nil
}

func containerMentions(t, c reflect.Type, seen map[reflect.Type]bool) bool {
	if seen[t] {
		return false
	}
	seen[t] = true

	switch t.Kind() {
	case reflect.Map:
		return leafMatches(t.Key(), c) || leafMatches(t.Elem(), c) ||
			containerMentions(t.Elem(), c, seen)
	case reflect.Slice, reflect.Array, reflect.Chan:
		return leafMatches(t.Elem(), c) || containerMentions(t.Elem(), c, seen)
	case reflect.Pointer:
		return containerMentions(t.Elem(), c, seen)
	case reflect.Struct:
		if reflectx.IsStdType(t) {
			return false
		}
		return t.Implements(rebuildableType) && reflectx.Mentions(t, c) ||
			reflect.PointerTo(t).Implements(reflect.TypeFor[patch.ElementWalker]()) && reflectx.Mentions(t, c)
	}
	return false
}

// leafMatches reports whether an element of type leaf can hold an instance
// of capability c.
func leafMatches(leaf, c reflect.Type) bool {
	if leaf == c {
		return true
	}
	if leaf.Kind() == reflect.Interface {
		return c.Implements(leaf)
	}
	return leaf.Implements(c)
}
