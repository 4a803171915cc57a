// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package engine

import (
	"reflect"

	"github.com/AleutianAI/livemigrate/services/migrate/internal/reflectx"
)

// typeSet is an insertion-ordered set of types.
type typeSet struct {
	seen  map[reflect.Type]bool
	order []reflect.Type
}

func newTypeSet() *typeSet {
	return &typeSet{seen: make(map[reflect.Type]bool)}
}

func (s *typeSet) add(t reflect.Type) bool {
	if t == nil || s.seen[t] {
		return false
	}
	s.seen[t] = true
	s.order = append(s.order, t)
	return true
}

// classClosure returns the types whose statics, registries and instances
// may reference migrated objects.
//
// # Description
//
// For every scan type and every dynamic type of objs: the type itself, the
// chain of types reached through pointers, slices, arrays, maps and
// channels, and the field types of the struct at the end of that chain,
// one level deep. Standard library types are left out; nothing in them is
// patched.
func classClosure(scan []reflect.Type, objs ...[]any) []reflect.Type {
	set := newTypeSet()
	for _, t := range scan {
		addWithNested(set, t)
	}
	for _, group := range objs {
		for _, o := range group {
			if o != nil {
				addWithNested(set, reflect.TypeOf(o))
			}
		}
	}
	return set.order
}

func addWithNested(set *typeSet, t reflect.Type) {
	for _, c := range elemChain(t) {
		if interesting(c) {
			set.add(c)
		}
	}
	st := structAtEnd(t)
	if st == nil {
		return
	}
	for i := 0; i < st.NumField(); i++ {
		for _, c := range elemChain(st.Field(i).Type) {
			if c.Kind() == reflect.Struct && interesting(c) {
				set.add(c)
			}
		}
	}
}

// interesting reports whether t is declared outside the standard library:
// a named type with a package, or a pointer to one.
func interesting(t reflect.Type) bool {
	named := t
	if named.Kind() == reflect.Pointer && named.Name() == "" {
		named = named.Elem()
	}
	return named.PkgPath() != "" && !reflectx.IsStdType(named)
}

// elemChain returns t and the element types reached from it.
func elemChain(t reflect.Type) []reflect.Type {
	var chain []reflect.Type
	for t != nil {
		chain = append(chain, t)
		switch t.Kind() {
		case reflect.Pointer, reflect.Slice, reflect.Array, reflect.Chan:
			t = t.Elem()
		case reflect.Map:
			chain = append(chain, elemChain(t.Key())...)
			t = t.Elem()
		default:
			return chain
		}
	}
	return chain
}

func structAtEnd(t reflect.Type) reflect.Type {
	chain := elemChain(t)
	if len(chain) == 0 {
		return nil
	}
	last := chain[len(chain)-1]
	if last.Kind() != reflect.Struct {
		return nil
	}
	return last
}
