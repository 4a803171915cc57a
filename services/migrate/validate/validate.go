// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package validate runs post-migration health checks and smoke tests.
package validate

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/livemigrate/services/migrate/plan"
)

// Converted maps each descriptor to the objects it created in one run.
type Converted map[*plan.Descriptor][]any

// HealthCheck verifies general system health. It does not see migrated
// objects. Returning false or an error fails the check.
type HealthCheck func(ctx context.Context) (bool, error)

// SmokeTest validates the objects created by a migration.
//
// # Description
//
// Implementations should be fast and side-effect free. A nil result fails
// the test. A result without a name is named after its position.
type SmokeTest interface {
	Run(ctx context.Context, converted Converted) *Result
}

// SmokeTestFunc adapts a function to SmokeTest.
type SmokeTestFunc func(ctx context.Context, converted Converted) *Result

// Run implements SmokeTest.
func (f SmokeTestFunc) Run(ctx context.Context, converted Converted) *Result {
	return f(ctx, converted)
}

// Result is the outcome of one health check or smoke test.
type Result struct {
	Name    string
	OK      bool
	Message string
	Err     error
}

// Pass returns a passing result.
func Pass(name string) *Result {
	return &Result{Name: name, OK: true}
}

// Fail returns a failing result. err may be nil.
func Fail(name, message string, err error) *Result {
	return &Result{Name: name, Message: message, Err: err}
}

// String formats the result for logs.
func (r Result) String() string {
	if r.OK {
		return r.Name + ": ok"
	}
	return r.Name + ": " + r.Message
}

// Report aggregates the results of one RunAll call.
type Report struct {
	results []Result
}

// Success reports whether every result passed. An empty report passes.
func (r Report) Success() bool {
	for _, res := range r.results {
		if !res.OK {
			return false
		}
	}
	return true
}

// Results returns a copy of the results, health checks first.
func (r Report) Results() []Result {
	out := make([]Result, len(r.results))
	copy(out, r.results)
	return out
}

// Failures returns the failing results.
func (r Report) Failures() []Result {
	var out []Result
	for _, res := range r.results {
		if !res.OK {
			out = append(out, res)
		}
	}
	return out
}

// Summary joins the failing results into one line.
func (r Report) Summary() string {
	failures := r.Failures()
	if len(failures) == 0 {
		return fmt.Sprintf("%d checks passed", len(r.results))
	}
	parts := make([]string, len(failures))
	for i, f := range failures {
		parts[i] = f.String()
	}
	return fmt.Sprintf("%d of %d checks failed: %s", len(failures), len(r.results), strings.Join(parts, "; "))
}

// Runner executes health checks, then smoke tests.
//
// # Description
//
// Every check runs isolated: a failing or panicking check never prevents
// the others from running. Health checks run concurrently, bounded by the
// parallelism set with SetParallelism; smoke tests run sequentially in
// registration order. Results keep registration order.
//
// # Thread Safety
//
// Register checks before the first RunAll. RunAll is safe for concurrent use.
type Runner struct {
	health      []HealthCheck
	smoke       []SmokeTest
	parallelism int
	logger      *slog.Logger
}

// NewRunner creates an empty runner. Health checks run one at a time until
// SetParallelism is called.
func NewRunner() *Runner {
	return &Runner{
		parallelism: 1,
		logger:      slog.Default().With("component", "validate.Runner"),
	}
}

// AddHealthCheck registers a health check.
func (r *Runner) AddHealthCheck(hc HealthCheck) *Runner {
	if hc != nil {
		r.health = append(r.health, hc)
	}
	return r
}

// AddSmokeTest registers a smoke test.
func (r *Runner) AddSmokeTest(st SmokeTest) *Runner {
	if st != nil {
		r.smoke = append(r.smoke, st)
	}
	return r
}

// SetParallelism bounds concurrent health checks. n <= 0 means unbounded.
func (r *Runner) SetParallelism(n int) *Runner {
	r.parallelism = n
	return r
}

// Len returns the number of registered checks.
func (r *Runner) Len() int {
	return len(r.health) + len(r.smoke)
}

// RunAll runs every check and aggregates the results.
//
// # Inputs
//
//   - ctx: Passed to each check. Cancellation is up to the checks.
//   - converted: Objects created per descriptor, passed to smoke tests.
//
// # Outputs
//
//   - Report: Health check results named healthcheck#i, then smoke test
//     results; unnamed ones are named smoketest#i.
func (r *Runner) RunAll(ctx context.Context, converted Converted) Report {
	results := make([]Result, 0, r.Len())
	results = append(results, r.runHealthChecks(ctx)...)
	results = append(results, r.runSmokeTests(ctx, converted)...)

	report := Report{results: results}
	if !report.Success() {
		r.logger.Warn("validation failed", "summary", report.Summary())
	}
	return report
}

func (r *Runner) runHealthChecks(ctx context.Context) []Result {
	results := make([]Result, len(r.health))
	var g errgroup.Group
	if r.parallelism > 0 {
		g.SetLimit(r.parallelism)
	}
	for i, hc := range r.health {
		g.Go(func() error {
			results[i] = runHealthCheck(ctx, fmt.Sprintf("healthcheck#%d", i), hc)
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func runHealthCheck(ctx context.Context, name string, hc HealthCheck) (res Result) {
	defer func() {
		if rec := recover(); rec != nil {
			res = *Fail(name, fmt.Sprintf("panicked: %v", rec), fmt.Errorf("panic: %v", rec))
		}
	}()

	ok, err := hc(ctx)
	switch {
	case err != nil:
		return *Fail(name, "failed: "+err.Error(), err)
	case !ok:
		return *Fail(name, "returned false", nil)
	default:
		return *Pass(name)
	}
}

func (r *Runner) runSmokeTests(ctx context.Context, converted Converted) []Result {
	results := make([]Result, 0, len(r.smoke))
	for i, st := range r.smoke {
		results = append(results, runSmokeTest(ctx, fmt.Sprintf("smoketest#%d", i), st, converted))
	}
	return results
}

func runSmokeTest(ctx context.Context, name string, st SmokeTest, converted Converted) (res Result) {
	defer func() {
		if rec := recover(); rec != nil {
			res = *Fail(name, fmt.Sprintf("panicked: %v", rec), fmt.Errorf("panic: %v", rec))
		}
	}()

	out := st.Run(ctx, converted)
	if out == nil {
		return *Fail(name, "returned nil result", nil)
	}
	res = *out
	if res.Name == "" {
		res.Name = name
	}
	return res
}
