// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package phase

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

var (
	_ Signal = Noop{}
	_ Signal = Funcs{}
	_ Signal = (*Recorder)(nil)
)

func TestContext(t *testing.T) {
	run := uuid.New()
	before := time.Now()
	mc := NewContext(nil, 7, run)

	assert.Nil(t, mc.Plan())
	assert.Equal(t, uint64(7), mc.ID())
	assert.Equal(t, run, mc.RunID())
	assert.False(t, mc.StartedAt().Before(before))
	assert.GreaterOrEqual(t, mc.Elapsed(), time.Duration(0))
}

func TestNoopAndFuncs(t *testing.T) {
	ctx := context.Background()
	mc := NewContext(nil, 1, uuid.New())

	assert.NoError(t, Noop{}.BeforeCritical(ctx, mc))
	assert.NoError(t, Noop{}.AfterCritical(ctx, mc))
	assert.NoError(t, Funcs{}.BeforeCritical(ctx, mc))
	assert.NoError(t, Funcs{}.AfterCritical(ctx, mc))

	refused := errors.New("busy")
	f := Funcs{Before: func(context.Context, *Context) error { return refused }}
	assert.ErrorIs(t, f.BeforeCritical(ctx, mc), refused)
	assert.NoError(t, f.AfterCritical(ctx, mc))
}

func TestRecorder(t *testing.T) {
	ctx := context.Background()
	resumeErr := errors.New("resume failed")
	r := &Recorder{AfterErr: resumeErr}

	assert.NoError(t, r.BeforeCritical(ctx, NewContext(nil, 3, uuid.New())))
	assert.ErrorIs(t, r.AfterCritical(ctx, NewContext(nil, 3, uuid.New())), resumeErr)
	assert.NoError(t, r.BeforeCritical(ctx, nil))

	assert.Equal(t, []string{"BEFORE_CRITICAL:3", "AFTER_CRITICAL:3", "BEFORE_CRITICAL:0"}, r.Events())
	assert.Equal(t, 2, r.Count("BEFORE_CRITICAL"))
	assert.Equal(t, 1, r.Count("AFTER_CRITICAL"))
	assert.Equal(t, 0, r.Count("BEFORE"))
}
