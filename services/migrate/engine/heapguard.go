// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package engine

import (
	"fmt"

	"github.com/AleutianAI/livemigrate/services/migrate/config"
	"github.com/AleutianAI/livemigrate/services/migrate/metrics"
)

const mib = 1 << 20

// ValidateHeapSize checks the process memory against the configured guards.
//
// # Description
//
// The minimum is compared with the memory limit (GOMEMLIMIT or
// debug.SetMemoryLimit). Without a limit the process may grow freely and
// the minimum always holds. The maximum is compared with the heap in use.
// Zero guards are disabled; a nil config passes.
//
// # Outputs
//
//   - error: ErrHeapBelowMinimum or ErrHeapAboveMaximum, wrapped with the
//     measured values.
func ValidateHeapSize(cfg *config.Config) error {
	if cfg == nil {
		return nil
	}
	return checkHeap(cfg.Heap, metrics.ReadMemory())
}

func checkHeap(h config.HeapConfig, mem metrics.Memory) error {
	if h.MinMB > 0 && mem.Limit > 0 {
		limitMB := int64(mem.Limit / mib)
		if limitMB < h.MinMB {
			return fmt.Errorf("%w: limit %d MB, minimum %d MB", ErrHeapBelowMinimum, limitMB, h.MinMB)
		}
	}
	if h.MaxMB > 0 {
		usedMB := int64(mem.HeapUsed / mib)
		if usedMB > h.MaxMB {
			return fmt.Errorf("%w: used %d MB, maximum %d MB", ErrHeapAboveMaximum, usedMB, h.MaxMB)
		}
	}
	return nil
}
