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
	"container/list"
	"errors"
	"reflect"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/livemigrate/services/migrate/container"
	"github.com/AleutianAI/livemigrate/services/migrate/forwarding"
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

type graph struct {
	Primary User
	Others  []User
	ByID    map[int]User
	byName  map[string]User
	Arr     [2]User
	Any     any
	Exact   *oldUser
	Nested  struct{ Inner User }
	Self    *graph
	Keys    map[User]string
	Sync    sync.Map
	Linked  *list.List
	Atomic  atomic.Value
	Holder  atomic.Pointer[oldUser]
	Boxed   any
}

type wrapped struct {
	U    User
	Tags []string
}

func fixture() (*oldUser, *newUser, *forwarding.Table) {
	old := &oldUser{name: "alice"}
	repl := &newUser{name: "alice"}
	table := forwarding.NewTable()
	if err := table.Put(old, repl); err != nil {
		panic(err)
	}
	return old, repl, table
}

func TestPatchObject_NoForwardingIsNoop(t *testing.T) {
	old := &oldUser{name: "alice"}
	g := &graph{
		Primary: old,
		Others:  []User{old},
		ByID:    map[int]User{1: old},
		Exact:   old,
	}
	g.Self = g

	p := New(forwarding.NewTable(), Options{})
	assert.Equal(t, 0, p.PatchObject(g))

	assert.Same(t, old, g.Primary)
	assert.Same(t, old, g.Others[0])
	assert.Same(t, old, g.ByID[1])
	assert.Same(t, old, g.Exact)
}

func TestPatchObject_RetargetsEverySlot(t *testing.T) {
	old, repl, table := fixture()
	bystander := &oldUser{name: "bob"}

	g := &graph{
		Primary: old,
		Others:  []User{bystander, old},
		ByID:    map[int]User{1: old, 2: bystander},
		byName:  map[string]User{"alice": old},
		Arr:     [2]User{old, nil},
		Any:     old,
		Exact:   old,
		Keys:    map[User]string{old: "alice"},
		Linked:  list.New(),
		Boxed:   wrapped{U: old, Tags: []string{"x"}},
	}
	g.Nested.Inner = old
	g.Self = g
	g.Sync.Store("alice", old)
	g.Linked.PushBack(old)
	g.Atomic.Store(User(old))

	n := New(table, Options{}).PatchObject(g)

	assert.Same(t, repl, g.Primary)
	assert.Same(t, bystander, g.Others[0])
	assert.Same(t, repl, g.Others[1])
	assert.Same(t, repl, g.ByID[1])
	assert.Same(t, bystander, g.ByID[2])
	assert.Same(t, repl, g.byName["alice"])
	assert.Same(t, repl, g.Arr[0])
	assert.Nil(t, g.Arr[1])
	assert.Same(t, repl, g.Any)
	assert.Same(t, repl, g.Nested.Inner)
	assert.Same(t, old, g.Exact, "a *oldUser slot cannot hold the replacement")

	require.Len(t, g.Keys, 1)
	for k, v := range g.Keys {
		assert.Same(t, repl, k)
		assert.Equal(t, "alice", v)
	}

	synced, ok := g.Sync.Load("alice")
	require.True(t, ok)
	assert.Same(t, repl, synced)

	assert.Same(t, repl, g.Linked.Front().Value)
	assert.Same(t, repl, g.Atomic.Load())

	boxed, ok := g.Boxed.(wrapped)
	require.True(t, ok)
	assert.Same(t, repl, boxed.U)
	assert.Equal(t, []string{"x"}, boxed.Tags)

	assert.Equal(t, 12, n)
}

type node struct {
	Next *node
	Prev *node
	Val  User
}

func TestPatchObject_CyclesTerminate(t *testing.T) {
	old, repl, table := fixture()

	a := &node{Val: old}
	b := &node{Val: old}
	a.Next, a.Prev = b, b
	b.Next, b.Prev = a, a

	m := map[string]any{}
	m["self"] = m
	s := make([]any, 1)
	s[0] = s

	p := New(table, Options{})
	assert.Equal(t, 2, p.PatchObject(a))
	assert.Same(t, repl, a.Val)
	assert.Same(t, repl, b.Val)

	assert.Equal(t, 0, p.PatchObject(m))
	assert.Equal(t, 0, p.PatchObject(s))
}

func TestPatchObject_LongChain(t *testing.T) {
	old, repl, table := fixture()

	head := &node{}
	cur := head
	for i := 0; i < 200_000; i++ {
		cur.Next = &node{Prev: cur}
		cur = cur.Next
	}
	cur.Val = old

	assert.Equal(t, 1, New(table, Options{}).PatchObject(head))
	assert.Same(t, repl, cur.Val)
}

func TestPatchObject_AtomicPointerTypeMismatch(t *testing.T) {
	old, _, table := fixture()

	g := &graph{}
	g.Holder.Store(old)

	assert.Equal(t, 0, New(table, Options{}).PatchObject(g))
	assert.Same(t, old, g.Holder.Load())
}

func TestPatchObject_AtomicValueSameType(t *testing.T) {
	old := &oldUser{name: "a"}
	repl := &oldUser{name: "a2"}
	table := forwarding.NewTable()
	require.NoError(t, table.Put(old, repl))

	g := &graph{}
	g.Atomic.Store(old)
	g.Holder.Store(old)

	assert.Equal(t, 2, New(table, Options{}).PatchObject(g))
	assert.Same(t, repl, g.Atomic.Load())
	assert.Same(t, repl, g.Holder.Load())
}

type pair struct {
	first, second any
}

func (p pair) Elements() []any { return []any{p.first, p.second} }

func (p pair) Rebuild(elems []any) (any, error) {
	if len(elems) != 2 {
		return nil, errors.New("want two elements")
	}
	return pair{first: elems[0], second: elems[1]}, nil
}

type frozenHolder struct {
	P pair
}

func TestPatchObject_Rebuildable(t *testing.T) {
	old, repl, table := fixture()
	h := &frozenHolder{P: pair{first: "k", second: old}}

	assert.Equal(t, 1, New(table, Options{}).PatchObject(h))
	assert.Equal(t, "k", h.P.first)
	assert.Same(t, repl, h.P.second)
}

type managed struct {
	hidden User
	sets   int
}

func (m *managed) ForEachField(fn func(name string, value any, set func(any) error)) {
	fn("hidden", m.hidden, func(v any) error {
		u, ok := v.(User)
		if !ok {
			return errors.New("not a user")
		}
		m.hidden = u
		m.sets++
		return nil
	})
}

func TestPatchObject_FieldWalker(t *testing.T) {
	old, repl, table := fixture()
	m := &managed{hidden: old}

	assert.Equal(t, 1, New(table, Options{}).PatchObject(m))
	assert.Same(t, repl, m.hidden)
	assert.Equal(t, 1, m.sets)
}

type recordingUndo struct {
	undos []func()
}

func (r *recordingUndo) Record(undo func()) { r.undos = append(r.undos, undo) }

func (r *recordingUndo) replay() {
	for i := len(r.undos) - 1; i >= 0; i-- {
		r.undos[i]()
	}
}

func TestPatchObject_UndoRestoresGraph(t *testing.T) {
	old, repl, table := fixture()
	g := &graph{
		Primary: old,
		Others:  []User{old},
		ByID:    map[int]User{1: old},
		Keys:    map[User]string{old: "alice"},
	}
	g.Sync.Store("alice", old)

	undo := &recordingUndo{}
	p := New(table, Options{Undo: undo})
	require.Equal(t, 5, p.PatchObject(g))
	require.Same(t, repl, g.Primary)

	undo.replay()

	assert.Same(t, old, g.Primary)
	assert.Same(t, old, g.Others[0])
	assert.Same(t, old, g.ByID[1])
	_, hasOld := g.Keys[old]
	assert.True(t, hasOld)
	assert.Len(t, g.Keys, 1)
	synced, _ := g.Sync.Load("alice")
	assert.Same(t, old, synced)
}

type userService struct{}

var (
	currentUser User
	userCache   = map[string]User{}
)

func TestPatchStaticFields(t *testing.T) {
	old, repl, table := fixture()
	currentUser = old
	userCache["alice"] = old
	t.Cleanup(func() {
		currentUser = nil
		clear(userCache)
	})

	statics := NewStatics()
	require.NoError(t, RegisterFor[userService](statics, "currentUser", &currentUser))
	require.NoError(t, statics.Register(reflect.TypeFor[*userService](), "userCache", &userCache))

	p := New(table, Options{Statics: statics})
	assert.Equal(t, 2, p.PatchStaticFields(reflect.TypeFor[userService]()))
	assert.Same(t, repl, currentUser)
	assert.Same(t, repl, userCache["alice"])

	assert.Equal(t, 0, p.PatchStaticFields(reflect.TypeFor[sync.Mutex]()))
	assert.Equal(t, 0, p.PatchStaticFields(nil))
}

func TestStatics_Register(t *testing.T) {
	s := NewStatics()
	var v int

	assert.ErrorIs(t, s.Register(nil, "v", &v), ErrNilOwner)
	assert.ErrorIs(t, s.Register(reflect.TypeFor[userService](), "v", v), ErrNotVariable)
	require.NoError(t, s.RegisterTagged(reflect.TypeFor[userService](), "v", &v, "registry"))
	assert.ErrorIs(t, s.Register(reflect.TypeFor[userService](), "v", &v), ErrDuplicateStatic)

	vars := s.Of(reflect.TypeFor[*userService]())
	require.Len(t, vars, 1)
	assert.Equal(t, "registry", vars[0].Tag)
	assert.Equal(t, []reflect.Type{reflect.TypeFor[userService]()}, s.Owners())
	assert.Equal(t, 1, s.Len())
}

func TestRewriteMap_Modes(t *testing.T) {
	old, repl, table := fixture()
	p := New(table, Options{})

	t.Run("values only", func(t *testing.T) {
		m := map[User]User{old: old}
		assert.Equal(t, 1, p.RewriteMap(reflect.ValueOf(m), EntryMode{Values: true}))
		assert.Same(t, repl, m[old])
	})

	t.Run("keys only", func(t *testing.T) {
		m := map[User]User{old: old}
		assert.Equal(t, 1, p.RewriteMap(reflect.ValueOf(m), EntryMode{Keys: true}))
		assert.Same(t, old, m[repl])
	})

	t.Run("accept filter", func(t *testing.T) {
		m := map[int]User{1: old}
		reject := func(any) bool { return false }
		assert.Equal(t, 0, p.RewriteMap(reflect.ValueOf(m), EntryMode{Values: true, Accept: reject}))
		assert.Same(t, old, m[1])
	})

	t.Run("deep values leave struct keys alone", func(t *testing.T) {
		m := map[keyed]string{{U: old}: "x"}
		assert.Equal(t, 0, p.RewriteMap(reflect.ValueOf(m), EntryMode{Values: true, Deep: true}))
		assert.Equal(t, "x", m[keyed{U: old}])
	})

	t.Run("deep keys rewrite struct keys", func(t *testing.T) {
		m := map[keyed]string{{U: old}: "x"}
		assert.Equal(t, 1, p.RewriteMap(reflect.ValueOf(m), AllEntries))
		require.Len(t, m, 1)
		assert.Equal(t, "x", m[keyed{U: repl}])
	})
}

type keyed struct {
	U User
}

type casRefusing struct {
	sync.Map
}

func (c *casRefusing) CompareAndSwap(key, old, new any) bool { return false }

func TestRewriteConcurrentMap(t *testing.T) {
	old, repl, table := fixture()
	p := New(table, Options{})

	t.Run("key change keeps the entry present", func(t *testing.T) {
		var m sync.Map
		m.Store(User(old), "alice")

		assert.Equal(t, 1, p.RewriteConcurrentMap(&m, AllEntries))
		_, stale := m.Load(User(old))
		assert.False(t, stale)
		v, ok := m.Load(User(repl))
		require.True(t, ok)
		assert.Equal(t, "alice", v)
	})

	t.Run("failed swap falls back to reinsert", func(t *testing.T) {
		m := &casRefusing{}
		m.Store("alice", old)

		assert.Equal(t, 1, p.RewriteConcurrentMap(m, AllEntries))
		v, _ := m.Load("alice")
		assert.Same(t, repl, v)
	})

	t.Run("deep values leave struct keys alone", func(t *testing.T) {
		var m sync.Map
		m.Store(keyed{U: old}, "x")

		assert.Equal(t, 0, p.RewriteConcurrentMap(&m, EntryMode{Values: true, Deep: true}))
		_, ok := m.Load(keyed{U: old})
		assert.True(t, ok)
	})

	t.Run("deep keys rewrite struct keys", func(t *testing.T) {
		var m sync.Map
		m.Store(keyed{U: old}, "x")

		assert.Equal(t, 1, p.RewriteConcurrentMap(&m, AllEntries))
		_, stale := m.Load(keyed{U: old})
		assert.False(t, stale)
		v, ok := m.Load(keyed{U: repl})
		require.True(t, ok)
		assert.Equal(t, "x", v)
	})
}

type syncHolder struct {
	M sync.Map
}

func TestPatchObject_IncomparableConcurrentValues(t *testing.T) {
	old, repl, table := fixture()
	h := &syncHolder{}
	h.M.Store("wrapped", wrapped{U: old, Tags: []string{"x"}})
	h.M.Store("recent", container.ListOf[User](old))
	h.M.Store("plain", "untouched")

	assert.Equal(t, 2, New(table, Options{}).PatchObject(h))

	v, ok := h.M.Load("wrapped")
	require.True(t, ok)
	w, ok := v.(wrapped)
	require.True(t, ok)
	assert.Same(t, repl, w.U)
	assert.Equal(t, []string{"x"}, w.Tags)

	v, ok = h.M.Load("recent")
	require.True(t, ok)
	recent, ok := v.(container.List[User])
	require.True(t, ok)
	require.Equal(t, 1, recent.Len())
	assert.Same(t, repl, recent.At(0))

	v, _ = h.M.Load("plain")
	assert.Equal(t, "untouched", v)
}

func TestPatchObject_IncomparableConcurrentValuesUndo(t *testing.T) {
	old, repl, table := fixture()
	undo := &recordingUndo{}
	h := &syncHolder{}
	h.M.Store("wrapped", wrapped{U: old, Tags: []string{"x"}})

	require.Equal(t, 1, New(table, Options{Undo: undo}).PatchObject(h))
	v, _ := h.M.Load("wrapped")
	assert.Same(t, repl, v.(wrapped).U)

	undo.replay()
	v, _ = h.M.Load("wrapped")
	assert.Same(t, old, v.(wrapped).U)
}

func TestSameValue(t *testing.T) {
	old, repl, _ := fixture()
	tags := []string{"x"}

	tests := []struct {
		name string
		a, b any
		want bool
	}{
		{"nil", nil, nil, true},
		{"nil and value", nil, "x", false},
		{"same pointer", old, old, true},
		{"different pointers", User(old), User(repl), false},
		{"equal strings", "a", "a", true},
		{"shared slice", wrapped{U: old, Tags: tags}, wrapped{U: old, Tags: tags}, true},
		{"equal but distinct slices", wrapped{U: old, Tags: tags}, wrapped{U: old, Tags: []string{"x"}}, false},
		{"different element", wrapped{U: old, Tags: tags}, wrapped{U: repl, Tags: tags}, false},
		{"different types", "a", 1, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, sameValue(tt.a, tt.b))
		})
	}
}

func TestRewriteElements(t *testing.T) {
	old, repl, table := fixture()
	p := New(table, Options{})

	users := []User{old, nil, old}
	assert.Equal(t, 2, p.RewriteElements(reflect.ValueOf(users), EntryMode{Values: true}))
	assert.Same(t, repl, users[0])
	assert.Nil(t, users[1])
	assert.Same(t, repl, users[2])

	arr := [1]User{old}
	assert.Equal(t, 1, p.RewriteElements(reflect.ValueOf(&arr).Elem(), EntryMode{Values: true}))
	assert.Same(t, repl, arr[0])
}
