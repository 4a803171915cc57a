// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package timeout bounds the execution time of externally supplied or
// potentially unbounded operations: heap enumeration, per-type snapshots,
// host quiescence callbacks and validation.
//
// # Description
//
// A bound of zero or less disables the guard and the operation runs on the
// caller's goroutine. Otherwise the operation runs on a worker goroutine
// with a derived context that is cancelled when the bound fires.
// Cancellation is cooperative: an operation that ignores its context keeps
// running after the caller has been released.
//
// # Errors
//
// A timed out operation yields a *TimeoutError that matches ErrTimeout.
// An operation's own error is returned as-is, never wrapped, so callers can
// compare it by identity.
package timeout

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"
)

// ErrTimeout matches every *TimeoutError via errors.Is.
var ErrTimeout = errors.New("operation timed out")

// TimeoutError reports a bounded operation that exceeded its limit.
type TimeoutError struct {
	// Operation is the name the operation was run under.
	Operation string

	// Timeout is the configured bound.
	Timeout time.Duration
}

// Error implements error.
func (e *TimeoutError) Error() string {
	return fmt.Sprintf("operation %q timed out after %d ms", e.Operation, e.Timeout.Milliseconds())
}

// Is makes errors.Is(err, ErrTimeout) true.
func (e *TimeoutError) Is(target error) bool {
	return target == ErrTimeout
}

// PanicError wraps a panic raised by a bounded operation.
type PanicError struct {
	Operation string
	Value     any
	Stack     []byte
}

// Error implements error.
func (e *PanicError) Error() string {
	return fmt.Sprintf("operation %q panicked: %v", e.Operation, e.Value)
}

// Unwrap exposes a panic value that was itself an error.
func (e *PanicError) Unwrap() error {
	if err, ok := e.Value.(error); ok {
		return err
	}
	return nil
}

// Enabled reports whether d activates the guard.
func Enabled(d time.Duration) bool {
	return d > 0
}

// Run executes op under the bound d.
//
// # Inputs
//
//   - ctx: Parent context. Its cancellation releases the caller early.
//   - name: Operation name, reported in timeout errors.
//   - d: The bound. Zero or negative runs op synchronously.
//   - op: The operation. Receives a context cancelled on timeout.
//
// # Outputs
//
//   - error: op's own error unchanged, a *TimeoutError, a *PanicError,
//     or the parent context's error.
//
// # Example
//
//	err := timeout.Run(ctx, "onBeforeCriticalPhase", 5*time.Second,
//	    func(ctx context.Context) error { return signal.BeforeCriticalPhase(ctx, mc) })
func Run(ctx context.Context, name string, d time.Duration, op func(context.Context) error) error {
	_, err := Call(ctx, name, d, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, op(ctx)
	})
	return err
}

// Call executes op under the bound d and returns its result.
//
// # Description
//
// Same contract as Run. On timeout the zero T is returned with the
// *TimeoutError; a late result from the worker is discarded.
//
// # Thread Safety
//
// Safe for concurrent use. Each call owns its worker.
func Call[T any](ctx context.Context, name string, d time.Duration, op func(context.Context) (T, error)) (T, error) {
	var zero T
	if ctx == nil {
		ctx = context.Background()
	}

	if !Enabled(d) {
		return callGuarded(ctx, name, op)
	}

	workCtx, cancel := context.WithTimeout(ctx, d)
	defer cancel()

	type result struct {
		value T
		err   error
	}
	done := make(chan result, 1)

	go func() {
		v, err := callGuarded(workCtx, name, op)
		done <- result{value: v, err: err}
	}()

	select {
	case r := <-done:
		return r.value, r.err
	case <-workCtx.Done():
		// A result that raced the deadline still wins.
		select {
		case r := <-done:
			return r.value, r.err
		default:
		}
		if parentErr := ctx.Err(); parentErr != nil {
			return zero, parentErr
		}
		return zero, &TimeoutError{Operation: name, Timeout: d}
	}
}

// callGuarded converts a panic in op into a *PanicError.
func callGuarded[T any](ctx context.Context, name string, op func(context.Context) (T, error)) (v T, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Operation: name, Value: r, Stack: debug.Stack()}
		}
	}()
	return op(ctx)
}
