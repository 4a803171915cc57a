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

var (
	// ErrEmptyPlan is returned when Build receives no descriptors.
	ErrEmptyPlan = errors.New("migration plan has no descriptors")

	// ErrNilDescriptor is returned when Build receives a nil descriptor.
	ErrNilDescriptor = errors.New("descriptor must not be nil")

	// ErrDuplicateSource is returned when two descriptors share a source type.
	ErrDuplicateSource = errors.New("duplicate migrator for source type")

	// ErrDuplicateTarget is returned when two descriptors share a target type.
	ErrDuplicateTarget = errors.New("multiple migrators target the same type")

	// ErrCycle is returned when the source-to-target edges form a cycle.
	ErrCycle = errors.New("migration cycle detected")
)

// Plan is an ordered, deduplicated set of descriptors.
//
// # Description
//
// A plan is built once per migration and never mutated afterwards. For a
// chain A -> B -> C the descriptor migrating B runs before the one
// migrating A, so every instance produced by a later step already exists
// when an earlier step's converter runs.
//
// # Thread Safety
//
// Immutable; safe for concurrent use.
type Plan struct {
	ordered  []*Descriptor
	bySource map[reflect.Type]*Descriptor
}

// Build validates descriptors and orders them.
//
// # Inputs
//
//   - descs: The descriptors, in caller preference order.
//
// # Outputs
//
//   - *Plan: The immutable plan.
//   - error: ErrEmptyPlan, ErrNilDescriptor, ErrDuplicateSource,
//     ErrDuplicateTarget, ErrIncompatible or ErrCycle.
func Build(descs ...*Descriptor) (*Plan, error) {
	if len(descs) == 0 {
		return nil, ErrEmptyPlan
	}

	bySource := make(map[reflect.Type]*Descriptor, len(descs))
	sourceByTarget := make(map[reflect.Type]reflect.Type, len(descs))
	edges := make(map[reflect.Type]reflect.Type, len(descs))

	for _, d := range descs {
		if d == nil {
			return nil, ErrNilDescriptor
		}
		if _, dup := bySource[d.from]; dup {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateSource, d.from)
		}
		if _, dup := sourceByTarget[d.to]; dup {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateTarget, d.to)
		}
		if err := checkCompatibility(d.from, d.to, d.capability); err != nil {
			return nil, err
		}
		bySource[d.from] = d
		sourceByTarget[d.to] = d.from
		edges[d.from] = d.to
	}

	if err := detectCycles(descs, edges); err != nil {
		return nil, err
	}

	return &Plan{
		ordered:  topologicalOrder(descs, bySource, edges),
		bySource: bySource,
	}, nil
}

// MustBuild is Build for static plans; it panics on error.
func MustBuild(descs ...*Descriptor) *Plan {
	p, err := Build(descs...)
	if err != nil {
		panic(err)
	}
	return p
}

// Ordered returns the descriptors in execution order.
func (p *Plan) Ordered() []*Descriptor {
	out := make([]*Descriptor, len(p.ordered))
	copy(out, p.ordered)
	return out
}

// Len returns the number of descriptors.
func (p *Plan) Len() int {
	return len(p.ordered)
}

// Has reports whether t is migrated by this plan.
func (p *Plan) Has(t reflect.Type) bool {
	_, ok := p.bySource[t]
	return ok
}

// For returns the descriptor migrating t.
func (p *Plan) For(t reflect.Type) (*Descriptor, bool) {
	d, ok := p.bySource[t]
	return d, ok
}

// TargetOf returns the type t migrates to.
func (p *Plan) TargetOf(t reflect.Type) (reflect.Type, bool) {
	d, ok := p.bySource[t]
	if !ok {
		return nil, false
	}
	return d.to, true
}

// Capabilities returns the distinct capability interfaces of the plan.
func (p *Plan) Capabilities() []reflect.Type {
	seen := make(map[reflect.Type]bool)
	var out []reflect.Type
	for _, d := range p.ordered {
		if !seen[d.capability] {
			seen[d.capability] = true
			out = append(out, d.capability)
		}
	}
	return out
}

func detectCycles(descs []*Descriptor, edges map[reflect.Type]reflect.Type) error {
	visited := make(map[reflect.Type]bool)
	onStack := make(map[reflect.Type]bool)

	var dfs func(node reflect.Type) bool
	dfs = func(node reflect.Type) bool {
		if onStack[node] {
			return true
		}
		if visited[node] {
			return false
		}
		visited[node] = true
		onStack[node] = true
		if next, ok := edges[node]; ok && dfs(next) {
			return true
		}
		onStack[node] = false
		return false
	}

	for _, d := range descs {
		if dfs(d.from) {
			return fmt.Errorf("%w starting at %s", ErrCycle, d.from)
		}
	}
	return nil
}

func topologicalOrder(descs []*Descriptor, bySource map[reflect.Type]*Descriptor, edges map[reflect.Type]reflect.Type) []*Descriptor {
	out := make([]*Descriptor, 0, len(descs))
	visited := make(map[reflect.Type]bool)

	var dfs func(node reflect.Type)
	dfs = func(node reflect.Type) {
		if visited[node] {
			return
		}
		visited[node] = true
		if next, ok := edges[node]; ok {
			if _, migrated := bySource[next]; migrated {
				dfs(next)
			}
		}
		out = append(out, bySource[node])
	}

	for _, d := range descs {
		dfs(d.from)
	}
	return out
}
