// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package registry updates process-wide registries after objects have been
// migrated.
//
// Registries are declared either with a struct tag on an instance field:
//
//	type Service struct {
//	    byID map[int]User `migrate:"registry,keys=false"`
//	}
//
// or on a package-level variable registered with patch.Statics and a tag.
// The updater also rewrites generic containers whose element type is a
// capability interface of the migration plan.
package registry

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/AleutianAI/livemigrate/services/migrate/patch"
)

// TagKey is the struct tag key read by the updater.
const TagKey = "migrate"

// ErrInvalidTag is returned for malformed registry tags.
var ErrInvalidTag = errors.New("invalid registry tag")

// ConcurrentMap is the mutation contract used for concurrent registries.
// *sync.Map satisfies it.
type ConcurrentMap = patch.ConcurrentMap

// Aware is implemented by registries that need to rebuild derived state,
// such as indexes, after their entries were replaced.
type Aware interface {
	OnRegistryUpdated()
}

// Spec controls how one registry is updated.
type Spec struct {
	// ReplaceKeys replaces forwarded map keys.
	ReplaceKeys bool

	// ReplaceValues replaces forwarded values and elements.
	ReplaceValues bool

	// DeepPatch descends into entries that are not forwarded.
	DeepPatch bool

	// UseDynamicOps drives custom registry types through their own methods.
	UseDynamicOps bool
}

// DefaultSpec returns the options of a bare "registry" tag.
func DefaultSpec() Spec {
	return Spec{ReplaceKeys: true, ReplaceValues: true, DeepPatch: true}
}

// ParseTag parses a migrate tag value.
//
// # Inputs
//
//   - tag: For example "registry", "registry,keys=false,deep=false" or
//     "registry,dynamic".
//
// # Outputs
//
//   - Spec: The parsed options, starting from DefaultSpec.
//   - bool: False when the tag does not declare a registry.
//   - error: ErrInvalidTag for unknown options or bad booleans.
func ParseTag(tag string) (Spec, bool, error) {
	parts := strings.Split(tag, ",")
	if strings.TrimSpace(parts[0]) != "registry" {
		return Spec{}, false, nil
	}

	spec := DefaultSpec()
	for _, opt := range parts[1:] {
		opt = strings.TrimSpace(opt)
		if opt == "" {
			continue
		}
		name, raw, hasValue := strings.Cut(opt, "=")
		value := true
		if hasValue {
			b, err := strconv.ParseBool(strings.TrimSpace(raw))
			if err != nil {
				return Spec{}, false, fmt.Errorf("%w: %q", ErrInvalidTag, opt)
			}
			value = b
		}
		switch strings.TrimSpace(name) {
		case "keys":
			spec.ReplaceKeys = value
		case "values":
			spec.ReplaceValues = value
		case "deep":
			spec.DeepPatch = value
		case "dynamic":
			spec.UseDynamicOps = value
		default:
			return Spec{}, false, fmt.Errorf("%w: unknown option %q", ErrInvalidTag, name)
		}
	}
	return spec, true, nil
}

func (s Spec) mode() patch.EntryMode {
	return patch.EntryMode{Keys: s.ReplaceKeys, Values: s.ReplaceValues, Deep: s.DeepPatch}
}
