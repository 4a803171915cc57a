// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package heap

import (
	"cmp"
	"context"
	"log/slog"
	"reflect"
	"runtime"
	"slices"
	"sync"
	"unsafe"
	"weak"
)

// objectKey identifies a tracked object without keeping it alive.
type objectKey struct {
	typ reflect.Type
	ptr weak.Pointer[byte]
}

type trackedObject struct {
	key     objectKey
	seq     uint64
	cleanup runtime.Cleanup
}

// value rebuilds a strong reference, or reports false once collected.
func (o *trackedObject) value() (any, bool) {
	p := o.key.ptr.Value()
	if p == nil {
		return nil, false
	}
	return reflect.NewAt(o.key.typ.Elem(), unsafe.Pointer(p)).Interface(), true
}

// Registry is an in-process Walker fed by the host application.
//
// # Description
//
// The host calls Track for every object that may take part in a migration
// (domain instances, services holding references to them, registries).
// Objects are held weakly: tracking never extends a lifetime. Tags are
// issued per epoch by Snapshot and resolve only within that epoch.
//
// # Thread Safety
//
// All methods are safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	objects map[objectKey]*trackedObject
	nextSeq uint64

	epoch   uint64
	tags    map[Tag]*trackedObject
	nextTag Tag

	logger *slog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		objects: make(map[objectKey]*trackedObject),
		tags:    make(map[Tag]*trackedObject),
		nextTag: 1,
		logger:  slog.Default().With("component", "heap.Registry"),
	}
}

// Track registers obj. Tracking an object twice is a no-op.
//
// # Inputs
//
//   - obj: A non-nil pointer.
//
// # Outputs
//
//   - error: ErrNotPointer for anything else.
func (r *Registry) Track(obj any) error {
	k, addr, ok := keyOf(obj)
	if !ok {
		return ErrNotPointer
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.objects[k]; exists {
		return nil
	}
	r.nextSeq++
	o := &trackedObject{key: k, seq: r.nextSeq}
	o.cleanup = runtime.AddCleanup((*byte)(addr), r.collected, k)
	r.objects[k] = o
	return nil
}

// TrackAll registers every object, stopping at the first failure.
func (r *Registry) TrackAll(objs ...any) error {
	for _, obj := range objs {
		if err := r.Track(obj); err != nil {
			return err
		}
	}
	return nil
}

// Forget stops tracking obj.
func (r *Registry) Forget(obj any) {
	k, _, ok := keyOf(obj)
	if !ok {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if o, exists := r.objects[k]; exists {
		o.cleanup.Stop()
		delete(r.objects, k)
	}
}

// Len returns the number of tracked objects, including collected objects
// whose cleanup has not run yet.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.objects)
}

// Epoch returns the current tag epoch.
func (r *Registry) Epoch() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.epoch
}

// Snapshot issues tags for every live tracked instance of typ.
//
// typ is matched exactly against the tracked pointer type, or against its
// element type, so both *User and User select pointers to User.
func (r *Registry) Snapshot(ctx context.Context, typ reflect.Type) (Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return Snapshot{}, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	var entries []Entry
	for _, o := range r.ordered() {
		if !matchesType(o.key.typ, typ) {
			continue
		}
		if o.key.ptr.Value() == nil {
			continue
		}
		tag := r.nextTag
		r.nextTag++
		r.tags[tag] = o
		entries = append(entries, Entry{Tag: tag, TypeName: o.key.typ.Elem().String()})
	}
	return Snapshot{Entries: entries}, nil
}

// Resolve maps tag to its object within the current epoch.
func (r *Registry) Resolve(tag Tag) (any, bool) {
	r.mu.RLock()
	o, ok := r.tags[tag]
	r.mu.RUnlock()
	if !ok {
		return nil, false
	}
	return o.value()
}

// WalkAll returns every live tracked object in tracking order.
func (r *Registry) WalkAll(ctx context.Context) ([]any, error) {
	return r.walk(ctx, nil)
}

// WalkFiltered returns live tracked objects of the given types.
func (r *Registry) WalkFiltered(ctx context.Context, types []reflect.Type) ([]any, error) {
	if len(types) == 0 {
		return nil, nil
	}
	return r.walk(ctx, types)
}

func (r *Registry) walk(ctx context.Context, types []reflect.Type) ([]any, error) {
	r.mu.RLock()
	objs := r.ordered()
	r.mu.RUnlock()

	out := make([]any, 0, len(objs))
	for i, o := range objs {
		if i%1024 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		if types != nil && !matchesAny(o.key.typ, types) {
			continue
		}
		if v, ok := o.value(); ok {
			out = append(out, v)
		}
	}
	return out, nil
}

// AdvanceEpoch invalidates every tag issued so far.
func (r *Registry) AdvanceEpoch() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.epoch++
	r.tags = make(map[Tag]*trackedObject)
	r.logger.Debug("heap epoch advanced", "epoch", r.epoch)
}

// collected runs on the runtime cleanup goroutine.
func (r *Registry) collected(k objectKey) {
	r.mu.Lock()
	defer r.mu.Unlock()

	o, ok := r.objects[k]
	if !ok {
		return
	}
	delete(r.objects, k)
	for tag, t := range r.tags {
		if t == o {
			delete(r.tags, tag)
		}
	}
}

// ordered returns tracked objects in registration order. Caller holds mu.
func (r *Registry) ordered() []*trackedObject {
	out := make([]*trackedObject, 0, len(r.objects))
	for _, o := range r.objects {
		out = append(out, o)
	}
	slices.SortFunc(out, func(a, b *trackedObject) int {
		return cmp.Compare(a.seq, b.seq)
	})
	return out
}

func keyOf(obj any) (objectKey, unsafe.Pointer, bool) {
	if obj == nil {
		return objectKey{}, nil, false
	}
	rv := reflect.ValueOf(obj)
	if rv.Kind() != reflect.Pointer || rv.IsNil() {
		return objectKey{}, nil, false
	}
	addr := rv.UnsafePointer()
	return objectKey{typ: rv.Type(), ptr: weak.Make((*byte)(addr))}, addr, true
}

func matchesType(tracked, want reflect.Type) bool {
	return tracked == want || tracked.Elem() == want
}

func matchesAny(tracked reflect.Type, types []reflect.Type) bool {
	for _, t := range types {
		if matchesType(tracked, t) {
			return true
		}
	}
	return false
}

var (
	_ Walker  = (*Registry)(nil)
	_ Tracker = (*Registry)(nil)
)
