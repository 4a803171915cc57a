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
	"errors"
	"fmt"
	"reflect"
	"sync"
)

var (
	// ErrNilOwner is returned when a static is registered without an owner type.
	ErrNilOwner = errors.New("static owner type must not be nil")

	// ErrNotVariable is returned when the registered value is not a non-nil pointer.
	ErrNotVariable = errors.New("static must be registered as a pointer to the variable")

	// ErrDuplicateStatic is returned when the same name is registered twice for an owner.
	ErrDuplicateStatic = errors.New("static already registered for owner")
)

// StaticVar is a package-level variable attributed to an owner type.
type StaticVar struct {
	// Owner is the type the variable belongs to, with pointers stripped.
	Owner reflect.Type

	// Name identifies the variable in logs.
	Name string

	// Tag carries registry options using the migrate struct tag syntax,
	// for example "registry,keys=false". Empty for plain statics.
	Tag string

	ptr reflect.Value
}

// Value returns the settable variable.
func (v StaticVar) Value() reflect.Value {
	return v.ptr.Elem()
}

// Statics records package-level variables by owner type.
//
// # Description
//
// Go has no class-level fields, so state that a class would hold in static
// fields lives in package-level variables. Registering them here makes them
// visible to PatchStaticFields and to the registry updater.
//
// # Thread Safety
//
// Safe for concurrent use.
type Statics struct {
	mu      sync.RWMutex
	byOwner map[reflect.Type][]StaticVar
	owners  []reflect.Type
}

// NewStatics creates an empty registry.
func NewStatics() *Statics {
	return &Statics{byOwner: make(map[reflect.Type][]StaticVar)}
}

// Register records the variable ptr points to under owner.
//
// # Example
//
//	var usersByID = map[int]User{}
//	statics.Register(reflect.TypeFor[UserService](), "usersByID", &usersByID)
func (s *Statics) Register(owner reflect.Type, name string, ptr any) error {
	return s.RegisterTagged(owner, name, ptr, "")
}

// RegisterTagged is Register with registry options attached.
func (s *Statics) RegisterTagged(owner reflect.Type, name string, ptr any, tag string) error {
	if owner == nil {
		return ErrNilOwner
	}
	pv := reflect.ValueOf(ptr)
	if pv.Kind() != reflect.Pointer || pv.IsNil() {
		return fmt.Errorf("%w: %s got %T", ErrNotVariable, name, ptr)
	}
	owner = ownerType(owner)

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.byOwner[owner] {
		if existing.Name == name {
			return fmt.Errorf("%w: %s.%s", ErrDuplicateStatic, owner, name)
		}
	}
	if _, known := s.byOwner[owner]; !known {
		s.owners = append(s.owners, owner)
	}
	s.byOwner[owner] = append(s.byOwner[owner], StaticVar{
		Owner: owner,
		Name:  name,
		Tag:   tag,
		ptr:   pv,
	})
	return nil
}

// RegisterFor registers ptr under the owner type O.
func RegisterFor[O any](s *Statics, name string, ptr any) error {
	return s.Register(reflect.TypeFor[O](), name, ptr)
}

// Of returns the variables registered for owner.
func (s *Statics) Of(owner reflect.Type) []StaticVar {
	if s == nil || owner == nil {
		return nil
	}
	owner = ownerType(owner)

	s.mu.RLock()
	defer s.mu.RUnlock()
	vars := s.byOwner[owner]
	out := make([]StaticVar, len(vars))
	copy(out, vars)
	return out
}

// Owners returns every owner type in registration order.
func (s *Statics) Owners() []reflect.Type {
	if s == nil {
		return nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]reflect.Type, len(s.owners))
	copy(out, s.owners)
	return out
}

// Len returns the number of registered variables.
func (s *Statics) Len() int {
	if s == nil {
		return 0
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, vars := range s.byOwner {
		n += len(vars)
	}
	return n
}

func ownerType(t reflect.Type) reflect.Type {
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	return t
}
