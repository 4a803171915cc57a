// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package reflectx holds the reflection primitives shared by the graph
// patcher and the registry updater: reading and writing slots reached
// through unexported fields, identity checks, and type classification.
package reflectx

import (
	"reflect"
	"strings"
	"sync"
	"unsafe"
)

// Interface returns v as an interface value.
//
// Values reached through unexported fields cannot be converted with
// reflect.Value.Interface. For reference kinds the same object is rebuilt
// from its address, which yields an equivalent, unrestricted value.
func Interface(v reflect.Value) (any, bool) {
	if !v.IsValid() {
		return nil, false
	}
	if v.CanInterface() {
		return v.Interface(), true
	}
	if e, ok := Expose(v); ok {
		return e.Interface(), true
	}
	return nil, false
}

// Expose returns an unrestricted copy of v.
//
// Addressable values are re-derived from their address, so the result is
// also settable. Non-addressable reference values (pointers, maps,
// channels, slices) are rebuilt from the pointer word. Other non-addressable
// restricted values cannot be exposed.
func Expose(v reflect.Value) (reflect.Value, bool) {
	if !v.IsValid() {
		return reflect.Value{}, false
	}
	if v.CanAddr() {
		return reflect.NewAt(v.Type(), unsafe.Pointer(v.UnsafeAddr())).Elem(), true
	}
	if v.CanInterface() {
		return v, true
	}
	switch v.Kind() {
	case reflect.Pointer:
		if v.IsNil() {
			return reflect.Zero(v.Type()), true
		}
		return reflect.NewAt(v.Type().Elem(), v.UnsafePointer()).Convert(v.Type()), true
	case reflect.Map, reflect.Chan:
		p := v.UnsafePointer()
		return reflect.NewAt(v.Type(), unsafe.Pointer(&p)).Elem(), true
	case reflect.Slice:
		if v.IsNil() {
			return reflect.Zero(v.Type()), true
		}
		return reflect.SliceAt(v.Type().Elem(), v.UnsafePointer(), v.Len()).Convert(v.Type()), true
	default:
		return reflect.Value{}, false
	}
}

// Field returns field i of the struct v.
//
// When v is addressable the field is exposed, so unexported fields become
// readable and settable. Otherwise the plain (possibly restricted) field is
// returned.
func Field(v reflect.Value, i int) reflect.Value {
	f := v.Field(i)
	if f.CanSet() || !v.CanAddr() {
		return f
	}
	return reflect.NewAt(f.Type(), unsafe.Pointer(f.UnsafeAddr())).Elem()
}

// AddrOf returns an unrestricted pointer to v.
func AddrOf(v reflect.Value) (reflect.Value, bool) {
	if !v.CanAddr() {
		return reflect.Value{}, false
	}
	return reflect.NewAt(v.Type(), unsafe.Pointer(v.UnsafeAddr())), true
}

// Clone returns a settable copy of v.
func Clone(v reflect.Value) (reflect.Value, bool) {
	src, ok := Expose(v)
	if !ok {
		return reflect.Value{}, false
	}
	cp := reflect.New(v.Type()).Elem()
	cp.Set(src)
	return cp, true
}

// HasIdentity reports whether v is a non-nil pointer, map or channel.
func HasIdentity(v reflect.Value) bool {
	switch v.Kind() {
	case reflect.Pointer, reflect.Map, reflect.Chan:
		return !v.IsNil()
	default:
		return false
	}
}

// Identity is a comparable object identity.
type Identity struct {
	Type reflect.Type
	Ptr  unsafe.Pointer
}

// IdentityOf returns the identity of a reference value, or false.
func IdentityOf(v reflect.Value) (Identity, bool) {
	if !HasIdentity(v) {
		return Identity{}, false
	}
	return Identity{Type: v.Type(), Ptr: v.UnsafePointer()}, true
}

// SliceIdentity distinguishes slice headers sharing a backing array.
type SliceIdentity struct {
	Type reflect.Type
	Ptr  unsafe.Pointer
	Len  int
}

// SliceIdentityOf returns the identity of a non-empty slice.
func SliceIdentityOf(v reflect.Value) (SliceIdentity, bool) {
	if v.Kind() != reflect.Slice || v.Len() == 0 {
		return SliceIdentity{}, false
	}
	return SliceIdentity{Type: v.Type(), Ptr: v.UnsafePointer(), Len: v.Len()}, true
}

// IsStdType reports whether t is declared in the standard library.
//
// Pointer types are classified by their element. Unnamed composite types
// are never standard library types.
func IsStdType(t reflect.Type) bool {
	for t.Kind() == reflect.Pointer && t.Name() == "" {
		t = t.Elem()
	}
	return IsStdPackage(t.PkgPath())
}

// IsStdPackage reports whether path names a standard library package.
func IsStdPackage(path string) bool {
	if path == "" {
		return false
	}
	first, _, _ := strings.Cut(path, "/")
	return !strings.Contains(first, ".")
}

var refsCache sync.Map // reflect.Type -> bool

// MayHoldRefs reports whether a value of type t can contain a reference
// to another object. Scalars, strings, functions and raw pointers cannot.
func MayHoldRefs(t reflect.Type) bool {
	if cached, ok := refsCache.Load(t); ok {
		return cached.(bool)
	}
	// Provisional answer for recursive types such as struct{ kids []T }.
	refsCache.Store(t, true)
	result := computeMayHoldRefs(t)
	refsCache.Store(t, result)
	return result
}

func computeMayHoldRefs(t reflect.Type) bool {
	switch t.Kind() {
	case reflect.Pointer, reflect.Interface, reflect.Map, reflect.Chan:
		return true
	case reflect.Slice, reflect.Array:
		return MayHoldRefs(t.Elem())
	case reflect.Struct:
		for i := 0; i < t.NumField(); i++ {
			if MayHoldRefs(t.Field(i).Type) {
				return true
			}
		}
		return false
	default:
		return false
	}
}

// Mentions reports whether t refers to target anywhere in its structure:
// as itself, an element, a key, a pointee, or a struct field, however deeply
// nested. Named types are expanded once.
func Mentions(t, target reflect.Type) bool {
	return mentions(t, target, make(map[reflect.Type]bool))
}

func mentions(t, target reflect.Type, seen map[reflect.Type]bool) bool {
	if t == target {
		return true
	}
	if seen[t] {
		return false
	}
	seen[t] = true

	switch t.Kind() {
	case reflect.Pointer, reflect.Slice, reflect.Array, reflect.Chan:
		return mentions(t.Elem(), target, seen)
	case reflect.Map:
		return mentions(t.Key(), target, seen) || mentions(t.Elem(), target, seen)
	case reflect.Struct:
		for i := 0; i < t.NumField(); i++ {
			if mentions(t.Field(i).Type, target, seen) {
				return true
			}
		}
	}
	return false
}
