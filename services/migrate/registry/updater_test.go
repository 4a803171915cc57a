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
	"maps"
	"reflect"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/livemigrate/services/migrate/container"
	"github.com/AleutianAI/livemigrate/services/migrate/forwarding"
	"github.com/AleutianAI/livemigrate/services/migrate/patch"
)

type User interface{ Name() string }

type oldUser struct {
	name string
	pad  [4]int64
}

type newUser struct {
	name string
	pad  [4]int64
}

func (u *oldUser) Name() string { return u.name }
func (u *newUser) Name() string { return u.name }

type oldDoc struct {
	title string
	pad   [4]int64
}

type newDoc struct {
	title string
	pad   [4]int64
}

type indexRegistry struct {
	mu     sync.Mutex
	byID   map[int]User
	stores int
}

func (r *indexRegistry) Range(fn func(int, User) bool) {
	r.mu.Lock()
	snap := maps.Clone(r.byID)
	r.mu.Unlock()
	for k, v := range snap {
		if !fn(k, v) {
			return
		}
	}
}

func (r *indexRegistry) Store(id int, u User) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byID[id] = u
	r.stores++
}

type userService struct {
	byName map[string]User `migrate:"registry"`
	byUser map[User]User   `migrate:"registry,keys=false"`
	index  *indexRegistry  `migrate:"registry,dynamic,deep=false"`
	plain  map[string]User
}

type awareRegistry struct {
	items   map[string]User
	updated int
}

func (a *awareRegistry) OnRegistryUpdated() { a.updated++ }

type panickyRegistry struct {
	items map[string]User
}

func (p *panickyRegistry) OnRegistryUpdated() { panic("index rebuild failed") }

var (
	usersByID sync.Map
	recent    []User
	slots     [2]User
	untagged  map[string]User
	awareReg  *awareRegistry
	panicky   *panickyRegistry
)

type fixture struct {
	old       *oldUser
	repl      *newUser
	bystander *oldUser
	table     *forwarding.Table
	statics   *patch.Statics
	updater   *Updater
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		old:       &oldUser{name: "alice"},
		repl:      &newUser{name: "alice"},
		bystander: &oldUser{name: "bob"},
		table:     forwarding.NewTable(),
		statics:   patch.NewStatics(),
	}
	require.NoError(t, f.table.Put(f.old, f.repl))
	f.updater = NewUpdater(patch.New(f.table, patch.Options{Statics: f.statics}))
	return f
}

func TestParseTag(t *testing.T) {
	tests := []struct {
		tag      string
		want     Spec
		registry bool
		wantErr  bool
	}{
		{tag: "registry", want: DefaultSpec(), registry: true},
		{tag: "registry,keys=false", want: Spec{ReplaceValues: true, DeepPatch: true}, registry: true},
		{tag: "registry, deep=false ,dynamic", want: Spec{ReplaceKeys: true, ReplaceValues: true, UseDynamicOps: true}, registry: true},
		{tag: "registry,values=0", want: Spec{ReplaceKeys: true, DeepPatch: true}, registry: true},
		{tag: "other", registry: false},
		{tag: "", registry: false},
		{tag: "registry,keys=maybe", wantErr: true},
		{tag: "registry,bogus", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.tag, func(t *testing.T) {
			spec, ok, err := ParseTag(tt.tag)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidTag)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.registry, ok)
			assert.Equal(t, tt.want, spec)
		})
	}
}

func TestUpdateDeclaredRegistries(t *testing.T) {
	f := newFixture(t)
	owner := reflect.TypeFor[userService]()

	usersByID.Clear()
	usersByID.Store(1, f.old)
	recent = []User{f.old, f.bystander}
	slots = [2]User{f.old, nil}
	untagged = map[string]User{"a": f.old}

	require.NoError(t, f.statics.RegisterTagged(owner, "usersByID", &usersByID, "registry"))
	require.NoError(t, f.statics.RegisterTagged(owner, "recent", &recent, "registry"))
	require.NoError(t, f.statics.RegisterTagged(owner, "slots", &slots, "registry"))
	require.NoError(t, f.statics.Register(owner, "untagged", &untagged))

	svc := &userService{
		byName: map[string]User{"alice": f.old},
		byUser: map[User]User{f.old: f.old},
		index:  &indexRegistry{byID: map[int]User{1: f.old}},
		plain:  map[string]User{"alice": f.old},
	}

	types := []reflect.Type{reflect.TypeFor[*userService](), owner}
	n := f.updater.UpdateDeclaredRegistries(types, []any{svc, "not a service", nil})
	assert.Equal(t, 6, n)

	v, _ := usersByID.Load(1)
	assert.Same(t, f.repl, v)
	assert.Same(t, f.repl, recent[0])
	assert.Same(t, f.bystander, recent[1])
	assert.Same(t, f.repl, slots[0])
	assert.Same(t, f.old, untagged["a"], "untagged statics are not registries")

	assert.Same(t, f.repl, svc.byName["alice"])
	assert.Same(t, f.repl, svc.byUser[f.old], "keys=false keeps the old key")
	assert.Len(t, svc.byUser, 1)
	assert.Same(t, f.repl, svc.index.byID[1])
	assert.Equal(t, 1, svc.index.stores)
	assert.Same(t, f.old, svc.plain["alice"])
}

func TestUpdateDeclaredRegistries_AwareHooks(t *testing.T) {
	f := newFixture(t)
	owner := reflect.TypeFor[userService]()

	panicky = &panickyRegistry{items: map[string]User{"a": f.old}}
	awareReg = &awareRegistry{items: map[string]User{"a": f.old}}
	require.NoError(t, f.statics.RegisterTagged(owner, "panicky", &panicky, "registry"))
	require.NoError(t, f.statics.RegisterTagged(owner, "awareReg", &awareReg, "registry"))

	assert.NotPanics(t, func() {
		assert.Equal(t, 2, f.updater.UpdateDeclaredRegistries([]reflect.Type{owner}, nil))
	})
	assert.Same(t, f.repl, panicky.items["a"])
	assert.Same(t, f.repl, awareReg.items["a"])
	assert.Equal(t, 1, awareReg.updated)
}

func TestUpdateDeclaredRegistries_DirectReplacement(t *testing.T) {
	f := newFixture(t)
	owner := reflect.TypeFor[userService]()

	var current User = f.old
	require.NoError(t, f.statics.RegisterTagged(owner, "current", &current, "registry"))

	assert.Equal(t, 1, f.updater.UpdateDeclaredRegistries([]reflect.Type{owner}, nil))
	assert.Same(t, f.repl, current)
}

type userBox struct {
	items []User
	extra User
}

type ringStore struct {
	elems [3]any
}

type ring struct {
	store *ringStore
}

func (r *ring) ForEachElement(fn func(index int, value any, set func(any) error)) {
	for i := range r.store.elems {
		fn(i, r.store.elems[i], func(v any) error {
			r.store.elems[i] = v
			return nil
		})
	}
}

func TestUpdateGenericContainer(t *testing.T) {
	f := newFixture(t)
	doc, docRepl := &oldDoc{title: "d"}, &newDoc{title: "d"}
	require.NoError(t, f.table.Put(doc, docRepl))
	capability := reflect.TypeFor[User]()

	t.Run("map filters by capability", func(t *testing.T) {
		m := map[string]any{"u": f.old, "d": doc}
		assert.Equal(t, 1, f.updater.UpdateGenericContainer(m, capability))
		assert.Same(t, f.repl, m["u"])
		assert.Same(t, doc, m["d"])
	})

	t.Run("slice", func(t *testing.T) {
		s := []User{f.old, f.bystander}
		assert.Equal(t, 1, f.updater.UpdateGenericContainer(s, capability))
		assert.Same(t, f.repl, s[0])
	})

	t.Run("array through pointer", func(t *testing.T) {
		arr := [2]User{f.old, f.old}
		assert.Equal(t, 2, f.updater.UpdateGenericContainer(&arr, capability))
		assert.Same(t, f.repl, arr[1])
	})

	t.Run("concurrent map", func(t *testing.T) {
		var sm sync.Map
		sm.Store("k", f.old)
		assert.Equal(t, 1, f.updater.UpdateGenericContainer(&sm, capability))
		v, _ := sm.Load("k")
		assert.Same(t, f.repl, v)
	})

	t.Run("custom container fields", func(t *testing.T) {
		box := &userBox{items: []User{f.old}, extra: f.old}
		assert.Equal(t, 2, f.updater.UpdateGenericContainer(box, capability))
		assert.Same(t, f.repl, box.items[0])
		assert.Same(t, f.repl, box.extra)
	})

	t.Run("element walker", func(t *testing.T) {
		r := &ring{store: &ringStore{elems: [3]any{f.old, nil, doc}}}
		assert.Equal(t, 1, f.updater.UpdateGenericContainer(r, capability))
		assert.Same(t, f.repl, r.store.elems[0])
		assert.Same(t, doc, r.store.elems[2])
	})

	t.Run("nil inputs", func(t *testing.T) {
		assert.Equal(t, 0, f.updater.UpdateGenericContainer(nil, capability))
		assert.Equal(t, 0, f.updater.UpdateGenericContainer(map[string]any{}, nil))
		assert.Equal(t, 0, f.updater.UpdateGenericContainers([]any{nil}, capability))
	})
}

type team struct {
	members []User
	lead    User
	history container.List[User]
	counts  map[string]int
}

var roster map[string]User

func TestUpdateGenericFieldsInClasses(t *testing.T) {
	f := newFixture(t)
	roster = map[string]User{"alice": f.old}
	require.NoError(t, f.statics.Register(reflect.TypeFor[team](), "roster", &roster))

	tm := &team{
		members: []User{f.old},
		lead:    f.old,
		history: container.ListOf[User](f.old),
		counts:  map[string]int{"a": 1},
	}

	n := f.updater.UpdateGenericFieldsInClasses(
		[]reflect.Type{reflect.TypeFor[*team]()},
		[]any{tm, "noise"},
		[]reflect.Type{reflect.TypeFor[User]()},
	)
	assert.Equal(t, 3, n)
	assert.Same(t, f.repl, roster["alice"])
	assert.Same(t, f.repl, tm.members[0])
	assert.Same(t, f.repl, tm.history.At(0))
	assert.Same(t, f.old, tm.lead, "plain interface fields are left to the graph patcher")

	assert.Equal(t, 0, f.updater.UpdateGenericFieldsInClasses(nil, []any{tm}, []reflect.Type{reflect.TypeFor[User]()}))
	assert.Equal(t, 0, f.updater.UpdateGenericFieldsInClasses([]reflect.Type{reflect.TypeFor[team]()}, []any{tm}, nil))
}

func TestMatchCapability(t *testing.T) {
	user := reflect.TypeFor[User]()
	caps := []reflect.Type{user}

	tests := []struct {
		name string
		typ  reflect.Type
		want bool
	}{
		{"slice of capability", reflect.TypeFor[[]User](), true},
		{"map value", reflect.TypeFor[map[string]User](), true},
		{"map key", reflect.TypeFor[map[User]int](), true},
		{"concrete implementer", reflect.TypeFor[[]*oldUser](), true},
		{"broader interface", reflect.TypeFor[[]any](), true},
		{"nested", reflect.TypeFor[map[string][]User](), true},
		{"generic wrapper", reflect.TypeFor[container.List[User]](), true},
		{"plain field", user, false},
		{"unrelated", reflect.TypeFor[map[string]int](), false},
		{"std struct", reflect.TypeFor[sync.Map](), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, matchCapability(tt.typ, caps) != nil)
		})
	}
}
