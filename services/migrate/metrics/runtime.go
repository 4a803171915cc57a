// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package metrics

import (
	"fmt"
	"math"
	"runtime"
	"runtime/debug"
	rtmetrics "runtime/metrics"

	"github.com/dustin/go-humanize"
)

const (
	heapObjectsMetric = "/memory/classes/heap/objects:bytes"
	totalMemoryMetric = "/memory/classes/total:bytes"
	stacksMetric      = "/memory/classes/heap/stacks:bytes"
	cpuTotalMetric    = "/cpu/classes/total:cpu-seconds"
	cpuIdleMetric     = "/cpu/classes/idle:cpu-seconds"
)

// Memory is a snapshot of the Go runtime's memory.
type Memory struct {
	// HeapUsed is the memory occupied by live and not yet swept heap objects.
	HeapUsed uint64 `json:"heap_used"`

	// Committed is all memory mapped by the runtime.
	Committed uint64 `json:"committed"`

	// Limit is the soft memory limit (GOMEMLIMIT), 0 when unset.
	Limit uint64 `json:"limit"`

	// Stacks is the memory used by goroutine stacks.
	Stacks uint64 `json:"stacks"`
}

// Summary formats the snapshot as "used / committed (limit L)".
func (m Memory) Summary() string {
	limit := "none"
	if m.Limit > 0 {
		limit = humanize.IBytes(m.Limit)
	}
	return fmt.Sprintf("%s / %s (limit %s)", humanize.IBytes(m.HeapUsed), humanize.IBytes(m.Committed), limit)
}

// ReadMemory samples the runtime's memory statistics.
func ReadMemory() Memory {
	samples := []rtmetrics.Sample{
		{Name: heapObjectsMetric},
		{Name: totalMemoryMetric},
		{Name: stacksMetric},
	}
	rtmetrics.Read(samples)

	m := Memory{
		HeapUsed:  uint64Value(samples[0]),
		Committed: uint64Value(samples[1]),
		Stacks:    uint64Value(samples[2]),
	}
	if limit := debug.SetMemoryLimit(-1); limit > 0 && limit != math.MaxInt64 {
		m.Limit = uint64(limit)
	}
	return m
}

// cpuSample holds cumulative CPU seconds available to and idle in the
// process since it started.
type cpuSample struct {
	total float64
	idle  float64
}

func readCPU() cpuSample {
	samples := []rtmetrics.Sample{{Name: cpuTotalMetric}, {Name: cpuIdleMetric}}
	rtmetrics.Read(samples)
	return cpuSample{total: float64Value(samples[0]), idle: float64Value(samples[1])}
}

// load returns the busy fraction of the available CPU time since the
// process started, or -1 when unknown.
func (s cpuSample) load() float64 {
	return busyFraction(s.total, s.idle)
}

// loadSince returns the busy fraction between prev and s, or -1 when no CPU
// time elapsed.
func (s cpuSample) loadSince(prev cpuSample) float64 {
	return busyFraction(s.total-prev.total, s.idle-prev.idle)
}

// used returns the CPU time spent busy between prev and s.
func (s cpuSample) used(prev cpuSample) float64 {
	busy := (s.total - prev.total) - (s.idle - prev.idle)
	if busy < 0 {
		return 0
	}
	return busy
}

func busyFraction(total, idle float64) float64 {
	if total <= 0 {
		return -1
	}
	return math.Min(1, math.Max(0, 1-idle/total))
}

func uint64Value(s rtmetrics.Sample) uint64 {
	if s.Value.Kind() == rtmetrics.KindUint64 {
		return s.Value.Uint64()
	}
	return 0
}

func float64Value(s rtmetrics.Sample) float64 {
	if s.Value.Kind() == rtmetrics.KindFloat64 {
		return s.Value.Float64()
	}
	return 0
}

func processors() int {
	return runtime.GOMAXPROCS(0)
}
