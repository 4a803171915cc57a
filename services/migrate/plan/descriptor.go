// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package plan

import (
	"errors"
	"fmt"
	"reflect"
)

// -----------------------------------------------------------------------------
// Errors
// -----------------------------------------------------------------------------

var (
	// ErrNilMigrator is returned when a descriptor is built without a converter.
	ErrNilMigrator = errors.New("migrator must not be nil")

	// ErrCapabilityNotInterface is returned when the capability type is not an interface.
	ErrCapabilityNotInterface = errors.New("capability type must be an interface")

	// ErrNoCapability is returned when no candidate interface is shared by source and target.
	ErrNoCapability = errors.New("source and target share no capability interface")

	// ErrIncompatible is returned when source or target does not implement the capability.
	ErrIncompatible = errors.New("type does not implement capability")

	// ErrNilResult is returned when a converter produces a nil replacement.
	ErrNilResult = errors.New("migrator returned nil")

	// ErrWrongSourceType is returned when a converter receives an object of another type.
	ErrWrongSourceType = errors.New("object is not of the migrator's source type")
)

// ConversionError reports a per-instance conversion failure.
type ConversionError struct {
	// Migrator is the descriptor name.
	Migrator string

	// SourceType is the dynamic type of the object being converted.
	SourceType string

	// Err is the underlying cause.
	Err error
}

// Error implements error.
func (e *ConversionError) Error() string {
	return fmt.Sprintf("migrator %s failed on %s: %v", e.Migrator, e.SourceType, e.Err)
}

// Unwrap returns the underlying cause.
func (e *ConversionError) Unwrap() error {
	return e.Err
}

// -----------------------------------------------------------------------------
// Migrators
// -----------------------------------------------------------------------------

// Migrator converts one instance of From into an equivalent To.
//
// Implementations must be obtainable without migration-time parameters and
// must tolerate concurrent calls.
type Migrator[From, To any] interface {
	Migrate(old From) (To, error)
}

// MigratorFunc adapts a function to Migrator.
type MigratorFunc[From, To any] func(old From) (To, error)

// Migrate calls f.
func (f MigratorFunc[From, To]) Migrate(old From) (To, error) {
	return f(old)
}

// -----------------------------------------------------------------------------
// Descriptor
// -----------------------------------------------------------------------------

// Descriptor binds a source type, a target type, their shared capability
// interface and the converter between them.
//
// # Thread Safety
//
// Immutable after construction.
type Descriptor struct {
	from       reflect.Type
	to         reflect.Type
	capability reflect.Type
	name       string
	convert    func(old any) (any, error)
}

// NewDescriptor builds a descriptor from runtime types.
//
// # Description
//
// This is the type-erased constructor used by For and Infer. It validates
// that capability is an interface implemented by both from and to.
//
// # Inputs
//
//   - from: Source type, usually a pointer type such as *OldUser.
//   - to: Target type.
//   - capability: Interface type implemented by both.
//   - name: Human readable migrator name for logs and metrics.
//   - convert: The converter. Must not be nil.
//
// # Outputs
//
//   - *Descriptor: The descriptor.
//   - error: ErrNilMigrator, ErrCapabilityNotInterface or ErrIncompatible.
func NewDescriptor(from, to, capability reflect.Type, name string, convert func(any) (any, error)) (*Descriptor, error) {
	if convert == nil {
		return nil, ErrNilMigrator
	}
	if err := checkCompatibility(from, to, capability); err != nil {
		return nil, err
	}
	if name == "" {
		name = from.String() + "->" + to.String()
	}
	return &Descriptor{
		from:       from,
		to:         to,
		capability: capability,
		name:       name,
		convert:    convert,
	}, nil
}

// For builds a descriptor whose capability interface is Cap.
//
// # Example
//
//	d, err := plan.For[User](plan.MigratorFunc[*OldUser, *NewUser](
//	    func(o *OldUser) (*NewUser, error) {
//	        return &NewUser{ID: o.ID, Name: o.Name}, nil
//	    }))
func For[Cap, From, To any](m Migrator[From, To]) (*Descriptor, error) {
	if m == nil {
		return nil, ErrNilMigrator
	}
	return NewDescriptor(
		reflect.TypeFor[From](),
		reflect.TypeFor[To](),
		reflect.TypeFor[Cap](),
		migratorName(m),
		erase(m),
	)
}

// Infer builds a descriptor whose capability is the first candidate
// interface implemented by both From and To.
//
// Go cannot enumerate the interfaces a type satisfies, so the candidates
// are supplied by the caller.
func Infer[From, To any](m Migrator[From, To], candidates ...reflect.Type) (*Descriptor, error) {
	if m == nil {
		return nil, ErrNilMigrator
	}
	from, to := reflect.TypeFor[From](), reflect.TypeFor[To]()
	for _, c := range candidates {
		if c == nil || c.Kind() != reflect.Interface {
			continue
		}
		if from.Implements(c) && to.Implements(c) {
			return NewDescriptor(from, to, c, migratorName(m), erase(m))
		}
	}
	return nil, fmt.Errorf("%w: %s and %s", ErrNoCapability, from, to)
}

// From returns the source type.
func (d *Descriptor) From() reflect.Type { return d.from }

// To returns the target type.
func (d *Descriptor) To() reflect.Type { return d.to }

// Capability returns the shared interface type.
func (d *Descriptor) Capability() reflect.Type { return d.capability }

// Name returns the migrator name.
func (d *Descriptor) Name() string { return d.name }

// String implements fmt.Stringer.
func (d *Descriptor) String() string {
	return fmt.Sprintf("%s(%s -> %s via %s)", d.name, d.from, d.to, d.capability)
}

// Convert runs the converter on old.
//
// # Outputs
//
//   - any: The replacement. Never nil when error is nil.
//   - error: A *ConversionError wrapping the converter's error, a recovered
//     panic, ErrWrongSourceType or ErrNilResult.
func (d *Descriptor) Convert(old any) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			result = nil
			err = d.conversionError(old, fmt.Errorf("panic: %v", r))
		}
	}()

	out, err := d.convert(old)
	if err != nil {
		return nil, d.conversionError(old, err)
	}
	if isNil(out) {
		return nil, d.conversionError(old, ErrNilResult)
	}
	return out, nil
}

func (d *Descriptor) conversionError(old any, err error) *ConversionError {
	return &ConversionError{
		Migrator:   d.name,
		SourceType: fmt.Sprintf("%T", old),
		Err:        err,
	}
}

func checkCompatibility(from, to, capability reflect.Type) error {
	if from == nil || to == nil {
		return fmt.Errorf("%w: nil type", ErrIncompatible)
	}
	if capability == nil || capability.Kind() != reflect.Interface {
		return ErrCapabilityNotInterface
	}
	if !from.Implements(capability) {
		return fmt.Errorf("%w: source %s does not implement %s", ErrIncompatible, from, capability)
	}
	if !to.Implements(capability) {
		return fmt.Errorf("%w: target %s does not implement %s", ErrIncompatible, to, capability)
	}
	return nil
}

// erase adapts a typed migrator to the type-erased converter.
func erase[From, To any](m Migrator[From, To]) func(any) (any, error) {
	return func(old any) (any, error) {
		typed, ok := old.(From)
		if !ok {
			return nil, fmt.Errorf("%w: got %T", ErrWrongSourceType, old)
		}
		out, err := m.Migrate(typed)
		if err != nil {
			return nil, err
		}
		return out, nil
	}
}

func migratorName(m any) string {
	if n, ok := m.(interface{ Name() string }); ok {
		return n.Name()
	}
	t := reflect.TypeOf(m)
	if t.Kind() == reflect.Func {
		return ""
	}
	return t.String()
}

func isNil(v any) bool {
	if v == nil {
		return true
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Pointer, reflect.Map, reflect.Slice, reflect.Interface, reflect.Chan, reflect.Func:
		return rv.IsNil()
	default:
		return false
	}
}
