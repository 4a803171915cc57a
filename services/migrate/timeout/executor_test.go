// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package timeout

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCall_Disabled(t *testing.T) {
	for _, d := range []time.Duration{0, -time.Second} {
		t.Run(d.String(), func(t *testing.T) {
			v, err := Call(context.Background(), "sync", d, func(ctx context.Context) (int, error) {
				time.Sleep(5 * time.Millisecond)
				return 42, nil
			})
			require.NoError(t, err)
			assert.Equal(t, 42, v)
		})
	}
}

func TestCall_DisabledRunsOnCallerGoroutine(t *testing.T) {
	ran := false
	_, err := Call(context.Background(), "sync", 0, func(ctx context.Context) (struct{}, error) {
		ran = true
		return struct{}{}, nil
	})
	require.NoError(t, err)
	// No synchronization needed: the op ran before Call returned on this goroutine.
	assert.True(t, ran)
}

func TestCall_CompletesWithinBound(t *testing.T) {
	v, err := Call(context.Background(), "fast", time.Second, func(ctx context.Context) (string, error) {
		return "ok", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", v)
}

func TestCall_TimesOut(t *testing.T) {
	release := make(chan struct{})
	defer close(release)

	_, err := Call(context.Background(), "heapWalkFull", 20*time.Millisecond, func(ctx context.Context) (int, error) {
		select {
		case <-release:
		case <-time.After(time.Second):
		}
		return 1, nil
	})

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTimeout)

	var te *TimeoutError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, "heapWalkFull", te.Operation)
	assert.Equal(t, 20*time.Millisecond, te.Timeout)
	assert.Contains(t, err.Error(), "heapWalkFull")
	assert.Contains(t, err.Error(), "20 ms")
}

func TestCall_CancelsWorkerContext(t *testing.T) {
	cancelled := make(chan struct{})

	err := Run(context.Background(), "cooperative", 10*time.Millisecond, func(ctx context.Context) error {
		<-ctx.Done()
		close(cancelled)
		return ctx.Err()
	})

	assert.ErrorIs(t, err, ErrTimeout)
	select {
	case <-cancelled:
	case <-time.After(time.Second):
		t.Fatal("worker context was not cancelled")
	}
}

func TestRun_ReturnsOriginalError(t *testing.T) {
	sentinel := errors.New("boom")

	tests := []struct {
		name string
		d    time.Duration
	}{
		{"synchronous", 0},
		{"bounded", time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Run(context.Background(), "op", tt.d, func(ctx context.Context) error {
				return sentinel
			})
			assert.Same(t, sentinel, err)
		})
	}
}

func TestRun_RecoversPanic(t *testing.T) {
	for _, d := range []time.Duration{0, time.Second} {
		err := Run(context.Background(), "smokeTests", d, func(ctx context.Context) error {
			panic("kaboom")
		})

		var pe *PanicError
		require.ErrorAs(t, err, &pe)
		assert.Equal(t, "smokeTests", pe.Operation)
		assert.Equal(t, "kaboom", pe.Value)
		assert.NotEmpty(t, pe.Stack)
	}
}

func TestRun_ParentCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := Run(ctx, "op", time.Second, func(ctx context.Context) error {
		<-ctx.Done()
		return nil
	})
	// Either the worker observed cancellation and returned nil first, or the
	// parent error won. It must never be reported as a timeout.
	if err != nil {
		assert.ErrorIs(t, err, context.Canceled)
		assert.NotErrorIs(t, err, ErrTimeout)
	}
}

func TestTimeoutError_Message(t *testing.T) {
	err := &TimeoutError{Operation: "onAfterCriticalPhase", Timeout: 1500 * time.Millisecond}
	assert.Equal(t, `operation "onAfterCriticalPhase" timed out after 1500 ms`, err.Error())
	assert.True(t, errors.Is(err, ErrTimeout))
}
