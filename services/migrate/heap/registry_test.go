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
	"context"
	"reflect"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type account struct {
	ID    int
	Owner *account
	pad   [4]int64
}

type ledger struct {
	Accounts []*account
}

func TestRegistry_TrackRejectsNonPointers(t *testing.T) {
	r := NewRegistry()

	assert.ErrorIs(t, r.Track(nil), ErrNotPointer)
	assert.ErrorIs(t, r.Track(account{}), ErrNotPointer)
	assert.ErrorIs(t, r.Track((*account)(nil)), ErrNotPointer)
	assert.ErrorIs(t, r.Track(map[string]int{}), ErrNotPointer)
}

func TestRegistry_SnapshotAndResolve(t *testing.T) {
	ctx := context.Background()
	r := NewRegistry()

	a1, a2 := &account{ID: 1}, &account{ID: 2}
	l := &ledger{Accounts: []*account{a1, a2}}
	require.NoError(t, r.TrackAll(a1, l, a2))
	require.NoError(t, r.Track(a1)) // idempotent
	assert.Equal(t, 3, r.Len())

	snap, err := r.Snapshot(ctx, reflect.TypeOf(account{}))
	require.NoError(t, err)
	require.Equal(t, 2, snap.Len())
	assert.Equal(t, "heap.account", snap.Entries[0].TypeName)

	first, ok := r.Resolve(snap.Entries[0].Tag)
	require.True(t, ok)
	assert.Same(t, a1, first)

	second, ok := r.Resolve(snap.Entries[1].Tag)
	require.True(t, ok)
	assert.Same(t, a2, second)

	// Pointer type selects the same instances.
	byPtr, err := r.Snapshot(ctx, reflect.TypeOf(&account{}))
	require.NoError(t, err)
	assert.Equal(t, 2, byPtr.Len())

	_, ok = r.Resolve(Tag(12345))
	assert.False(t, ok)
}

func TestRegistry_AdvanceEpochInvalidatesTags(t *testing.T) {
	ctx := context.Background()
	r := NewRegistry()
	a := &account{ID: 1}
	require.NoError(t, r.Track(a))

	snap, err := r.Snapshot(ctx, reflect.TypeOf(account{}))
	require.NoError(t, err)
	require.Equal(t, 1, snap.Len())

	r.AdvanceEpoch()
	assert.Equal(t, uint64(1), r.Epoch())

	_, ok := r.Resolve(snap.Entries[0].Tag)
	assert.False(t, ok, "tags from a previous epoch must not resolve")

	fresh, err := r.Snapshot(ctx, reflect.TypeOf(account{}))
	require.NoError(t, err)
	require.Equal(t, 1, fresh.Len())
	assert.NotEqual(t, snap.Entries[0].Tag, fresh.Entries[0].Tag)
}

func TestRegistry_Walk(t *testing.T) {
	ctx := context.Background()
	r := NewRegistry()

	a := &account{ID: 1}
	l := &ledger{Accounts: []*account{a}}
	require.NoError(t, r.TrackAll(a, l))

	all, err := r.WalkAll(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Same(t, a, all[0])
	assert.Same(t, l, all[1])

	filtered, err := r.WalkFiltered(ctx, []reflect.Type{reflect.TypeOf(ledger{})})
	require.NoError(t, err)
	require.Len(t, filtered, 1)
	assert.Same(t, l, filtered[0])

	none, err := r.WalkFiltered(ctx, nil)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestRegistry_WalkHonorsContext(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Track(&account{}))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := r.WalkAll(ctx)
	assert.ErrorIs(t, err, context.Canceled)

	_, err = r.Snapshot(ctx, reflect.TypeOf(account{}))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRegistry_Forget(t *testing.T) {
	r := NewRegistry()
	a := &account{ID: 1}
	require.NoError(t, r.Track(a))

	r.Forget(a)
	r.Forget(&account{}) // unknown, no-op

	all, err := r.WalkAll(context.Background())
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestRegistry_CollectedObjectsDisappear(t *testing.T) {
	r := NewRegistry()
	keep := &account{ID: 1}
	require.NoError(t, r.Track(keep))

	func() {
		for i := 0; i < 4; i++ {
			require.NoError(t, r.Track(&account{ID: 10 + i}))
		}
	}()

	require.Eventually(t, func() bool {
		runtime.GC()
		return r.Len() == 1
	}, 5*time.Second, 10*time.Millisecond)

	all, err := r.WalkAll(context.Background())
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Same(t, keep, all[0])
}
