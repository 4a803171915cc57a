// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package checkpoint

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/livemigrate/services/migrate/forwarding"
	"github.com/AleutianAI/livemigrate/services/migrate/patch"
)

type fakeController struct {
	deleteErr    error
	restoreErr   error
	restorePanic bool
	deletes      int
	restores     int
}

func (f *fakeController) DeleteCheckpoint(context.Context) error {
	f.deletes++
	return f.deleteErr
}

func (f *fakeController) RestoreFromCheckpoint(context.Context) error {
	f.restores++
	if f.restorePanic {
		panic("restore exploded")
	}
	return f.restoreErr
}

var (
	_ Controller     = Noop{}
	_ Controller     = (*Journal)(nil)
	_ patch.UndoLog  = (*Journal)(nil)
	_ CommitListener = CommitListenerFunc(nil)
)

func TestNoop(t *testing.T) {
	ctx := context.Background()
	assert.NoError(t, Noop{}.DeleteCheckpoint(ctx))
	assert.ErrorIs(t, Noop{}.RestoreFromCheckpoint(ctx), ErrRestoreUnsupported)
}

func TestNewManagers_NilController(t *testing.T) {
	_, err := NewCommitter(nil, nil)
	assert.ErrorIs(t, err, ErrNilController)
	_, err = NewRollbacker(nil)
	assert.ErrorIs(t, err, ErrNilController)
}

func TestCommitter_Commit(t *testing.T) {
	ctx := context.Background()

	t.Run("deletes checkpoint then notifies listener", func(t *testing.T) {
		ctrl := &fakeController{}
		notified := 0
		c, err := NewCommitter(ctrl, CommitListenerFunc(func(context.Context) error {
			assert.Equal(t, 1, ctrl.deletes, "listener runs after the checkpoint is gone")
			notified++
			return nil
		}))
		require.NoError(t, err)

		require.NoError(t, c.Commit(ctx))
		assert.Equal(t, 1, notified)
	})

	t.Run("listener failure is ignored", func(t *testing.T) {
		c, err := NewCommitter(&fakeController{}, CommitListenerFunc(func(context.Context) error {
			return errors.New("listener down")
		}))
		require.NoError(t, err)
		assert.NoError(t, c.Commit(ctx))
	})

	t.Run("listener panic is ignored", func(t *testing.T) {
		c, err := NewCommitter(&fakeController{}, CommitListenerFunc(func(context.Context) error {
			panic("boom")
		}))
		require.NoError(t, err)
		assert.NotPanics(t, func() { assert.NoError(t, c.Commit(ctx)) })
	})

	t.Run("delete failure skips listener", func(t *testing.T) {
		cause := errors.New("disk full")
		notified := false
		c, err := NewCommitter(&fakeController{deleteErr: cause}, CommitListenerFunc(func(context.Context) error {
			notified = true
			return nil
		}))
		require.NoError(t, err)

		err = c.Commit(ctx)
		assert.ErrorIs(t, err, ErrCommitFailed)
		assert.ErrorIs(t, err, cause)
		assert.False(t, notified)
	})
}

func TestRollbacker_Rollback(t *testing.T) {
	ctx := context.Background()

	t.Run("successful restore returns nil", func(t *testing.T) {
		ctrl := &fakeController{}
		r, err := NewRollbacker(ctrl)
		require.NoError(t, err)
		assert.NoError(t, r.Rollback(ctx))
		assert.Equal(t, 1, ctrl.restores)
	})

	t.Run("unsupported restore fails", func(t *testing.T) {
		r, err := NewRollbacker(Noop{})
		require.NoError(t, err)
		err = r.Rollback(ctx)
		assert.ErrorIs(t, err, ErrRollbackFailed)
		assert.ErrorIs(t, err, ErrRestoreUnsupported)
	})

	t.Run("panic becomes error", func(t *testing.T) {
		r, err := NewRollbacker(&fakeController{restorePanic: true})
		require.NoError(t, err)
		err = r.Rollback(ctx)
		assert.ErrorIs(t, err, ErrRollbackFailed)
		assert.Contains(t, err.Error(), "restore exploded")
	})
}

func TestJournal_RestoreReplaysNewestFirst(t *testing.T) {
	j := NewJournal()
	var order []int
	for i := 0; i < 3; i++ {
		j.Record(func() { order = append(order, i) })
	}
	j.Record(nil)
	assert.Equal(t, 3, j.Len())

	require.NoError(t, j.RestoreFromCheckpoint(context.Background()))
	assert.Equal(t, []int{2, 1, 0}, order)
	assert.Equal(t, 0, j.Len())
}

func TestJournal_RestoreContinuesPastPanics(t *testing.T) {
	j := NewJournal()
	ran := 0
	j.Record(func() { ran++ })
	j.Record(func() { panic("bad undo") })
	j.Record(func() { ran++ })

	err := j.RestoreFromCheckpoint(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad undo")
	assert.Equal(t, 2, ran)
}

func TestJournal_DeleteDiscards(t *testing.T) {
	j := NewJournal()
	ran := false
	j.Record(func() { ran = true })

	require.NoError(t, j.DeleteCheckpoint(context.Background()))
	require.NoError(t, j.RestoreFromCheckpoint(context.Background()))
	assert.False(t, ran)
}

type account struct {
	owner any
	pad   [4]int64
}

type oldOwner struct {
	name string
	pad  [4]int64
}

type newOwner struct {
	name string
	pad  [4]int64
}

func TestJournal_UndoesPatcherRewrites(t *testing.T) {
	old, repl := &oldOwner{name: "a"}, &newOwner{name: "a"}
	table := forwarding.NewTable()
	require.NoError(t, table.Put(old, repl))

	j := NewJournal()
	p := patch.New(table, patch.Options{Undo: j})

	acct := &account{owner: old}
	index := map[string]any{"a": old}
	assert.Equal(t, 1, p.PatchObject(acct))
	assert.Equal(t, 1, p.PatchObject(index))
	assert.Same(t, repl, acct.owner)
	assert.Same(t, repl, index["a"])

	r, err := NewRollbacker(j)
	require.NoError(t, err)
	require.NoError(t, r.Rollback(context.Background()))

	assert.Same(t, old, acct.owner)
	assert.Same(t, old, index["a"])
}
