// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package metrics collects timing and resource figures for one migration.
package metrics

import (
	"fmt"
	"maps"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
)

// Phase identifies a timed part of a migration.
type Phase int

const (
	// FirstPass converts every live instance of the old types.
	FirstPass Phase = iota

	// CriticalPhase spans signals, patching and registry updates.
	CriticalPhase

	// SecondPass patches references across the heap.
	SecondPass

	// RegistryUpdate rewrites declared registries and generic containers.
	RegistryUpdate

	// SmokeTest runs health checks and smoke tests.
	SmokeTest
)

var phaseNames = [...]string{"FIRST_PASS", "CRITICAL_PHASE", "SECOND_PASS", "REGISTRY_UPDATE", "SMOKE_TEST"}

// String returns the upper-case phase name.
func (p Phase) String() string {
	if p < 0 || int(p) >= len(phaseNames) {
		return fmt.Sprintf("PHASE(%d)", int(p))
	}
	return phaseNames[p]
}

// MarshalText encodes the phase by name.
func (p Phase) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// UnmarshalText decodes a phase name.
func (p *Phase) UnmarshalText(text []byte) error {
	parsed, err := ParsePhase(string(text))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// ParsePhase returns the phase with the given name.
func ParsePhase(name string) (Phase, error) {
	for i, n := range phaseNames {
		if n == name {
			return Phase(i), nil
		}
	}
	return 0, fmt.Errorf("unknown phase %q", name)
}

// Phases returns every phase in execution order.
func Phases() []Phase {
	return []Phase{FirstPass, CriticalPhase, SecondPass, RegistryUpdate, SmokeTest}
}

// CPU summarizes processor usage during a migration.
type CPU struct {
	// LoadBefore is the busy fraction of available CPU since process start,
	// -1 when unknown.
	LoadBefore float64 `json:"load_before"`

	// LoadAfter is the busy fraction during the migration.
	LoadAfter float64 `json:"load_after"`

	// LoadPeak is the highest busy fraction of any timed phase.
	LoadPeak float64 `json:"load_peak"`

	// Used is the CPU time the process spent busy during the migration.
	Used time.Duration `json:"used"`

	// Processors is GOMAXPROCS at the start of the migration.
	Processors int `json:"processors"`
}

// Summary formats the loads as percentages.
func (c CPU) Summary() string {
	return fmt.Sprintf("%.1f%% -> %.1f%% (peak: %.1f%%, %d procs)",
		c.LoadBefore*100, c.LoadAfter*100, c.LoadPeak*100, c.Processors)
}

// Metrics is the immutable result of one collection.
type Metrics struct {
	ID              uint64                  `json:"migration_id"`
	Start           time.Time               `json:"start_time"`
	End             time.Time               `json:"end_time"`
	MemoryBefore    Memory                  `json:"memory_before"`
	MemoryAfter     Memory                  `json:"memory_after"`
	CPU             CPU                     `json:"cpu"`
	PhaseDurations  map[Phase]time.Duration `json:"phase_durations"`
	TotalDuration   time.Duration           `json:"total_duration"`
	ObjectsMigrated int                     `json:"objects_migrated"`
	ObjectsPatched  int                     `json:"objects_patched"`
	MigratorCount   int                     `json:"migrator_count"`
}

// HeapDelta returns the change in heap use; positive means growth.
func (m Metrics) HeapDelta() int64 {
	return int64(m.MemoryAfter.HeapUsed) - int64(m.MemoryBefore.HeapUsed)
}

// PhaseDuration returns the time spent in p, 0 when not recorded.
func (m Metrics) PhaseDuration(p Phase) time.Duration {
	return m.PhaseDurations[p]
}

// Summary returns a one-line human-readable summary.
func (m Metrics) Summary() string {
	delta := m.HeapDelta()
	sign := "+"
	if delta < 0 {
		sign, delta = "-", -delta
	}
	return fmt.Sprintf("Migration #%d in %dms | Heap: %s (delta: %s%s) | CPU: %s | Objects: %d migrated, %d patched",
		m.ID, m.TotalDuration.Milliseconds(), m.MemoryAfter.Summary(), sign, humanize.IBytes(uint64(delta)),
		m.CPU.Summary(), m.ObjectsMigrated, m.ObjectsPatched)
}

// ToMap flattens the metrics for JSON output. Phase durations appear as
// "<phase>_duration_ms".
func (m Metrics) ToMap() map[string]any {
	out := map[string]any{
		"migration_id":      m.ID,
		"start_time":        m.Start.Format(time.RFC3339Nano),
		"end_time":          m.End.Format(time.RFC3339Nano),
		"total_duration_ms": m.TotalDuration.Milliseconds(),
		"heap_used_before":  m.MemoryBefore.HeapUsed,
		"heap_used_after":   m.MemoryAfter.HeapUsed,
		"heap_delta":        m.HeapDelta(),
		"cpu_load_before":   m.CPU.LoadBefore,
		"cpu_load_after":    m.CPU.LoadAfter,
		"cpu_load_peak":     m.CPU.LoadPeak,
		"cpu_used_ms":       m.CPU.Used.Milliseconds(),
		"objects_migrated":  m.ObjectsMigrated,
		"objects_patched":   m.ObjectsPatched,
		"migrator_count":    m.MigratorCount,
	}
	for p, d := range m.PhaseDurations {
		out[strings.ToLower(p.String())+"_duration_ms"] = d.Milliseconds()
	}
	return out
}

// Collector gathers metrics for one migration at a time.
//
// # Description
//
// Start samples memory and CPU, Timed accumulates phase durations and CPU
// peaks, Finish samples again and returns the Metrics. Phases timed more
// than once accumulate.
//
// # Thread Safety
//
// Safe for concurrent use.
//
// # Example
//
//	c := metrics.NewCollector().Start(id)
//	err := c.Timed(metrics.FirstPass, firstPass)
//	c.ObjectsMigrated(n)
//	m := c.Finish()
type Collector struct {
	mu sync.Mutex

	id           uint64
	start        time.Time
	memoryBefore Memory
	cpuBefore    cpuSample
	loadBefore   float64
	loadPeak     float64
	processors   int
	phases       map[Phase]time.Duration
	migrated     int
	patched      int
	migrators    int

	now        func() time.Time
	readMemory func() Memory
	readCPU    func() cpuSample
}

// NewCollector creates a collector backed by the Go runtime.
func NewCollector() *Collector {
	return &Collector{
		phases:     make(map[Phase]time.Duration),
		now:        time.Now,
		readMemory: ReadMemory,
		readCPU:    readCPU,
	}
}

// Start resets the collector for migration id.
func (c *Collector) Start(id uint64) *Collector {
	mem := c.readMemory()
	cpu := c.readCPU()

	c.mu.Lock()
	defer c.mu.Unlock()
	c.id = id
	c.start = c.now()
	c.memoryBefore = mem
	c.cpuBefore = cpu
	c.loadBefore = cpu.load()
	c.loadPeak = -1
	c.processors = processors()
	c.phases = make(map[Phase]time.Duration)
	c.migrated, c.patched, c.migrators = 0, 0, 0
	return c
}

// Timed runs fn and adds its duration to phase, whether or not it fails.
func (c *Collector) Timed(phase Phase, fn func() error) error {
	cpuStart := c.readCPU()
	start := c.now()
	defer func() {
		elapsed := c.now().Sub(start)
		load := c.readCPU().loadSince(cpuStart)

		c.mu.Lock()
		c.phases[phase] += elapsed
		if load > c.loadPeak {
			c.loadPeak = load
		}
		c.mu.Unlock()
	}()
	return fn()
}

// ObjectsMigrated records the number of converted objects.
func (c *Collector) ObjectsMigrated(n int) *Collector {
	c.mu.Lock()
	c.migrated = n
	c.mu.Unlock()
	return c
}

// ObjectsPatched records the number of rewritten reference slots.
func (c *Collector) ObjectsPatched(n int) *Collector {
	c.mu.Lock()
	c.patched = n
	c.mu.Unlock()
	return c
}

// MigratorCount records the number of descriptors in the plan.
func (c *Collector) MigratorCount(n int) *Collector {
	c.mu.Lock()
	c.migrators = n
	c.mu.Unlock()
	return c
}

// Finish samples the runtime and returns the collected metrics. The
// collector may be started again afterwards.
func (c *Collector) Finish() Metrics {
	mem := c.readMemory()
	cpu := c.readCPU()
	end := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()

	after := cpu.loadSince(c.cpuBefore)
	return Metrics{
		ID:           c.id,
		Start:        c.start,
		End:          end,
		MemoryBefore: c.memoryBefore,
		MemoryAfter:  mem,
		CPU: CPU{
			LoadBefore: c.loadBefore,
			LoadAfter:  after,
			LoadPeak:   max(c.loadPeak, after),
			Used:       time.Duration(cpu.used(c.cpuBefore) * float64(time.Second)),
			Processors: c.processors,
		},
		PhaseDurations:  maps.Clone(c.phases),
		TotalDuration:   end.Sub(c.start),
		ObjectsMigrated: c.migrated,
		ObjectsPatched:  c.patched,
		MigratorCount:   c.migrators,
	}
}
