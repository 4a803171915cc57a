// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/AleutianAI/livemigrate/services/migrate/engine"
	"github.com/AleutianAI/livemigrate/services/migrate/metrics"
	"github.com/AleutianAI/livemigrate/services/migrate/statusapi"
)

func newDemoCmd(a *app) *cobra.Command {
	var (
		users          int
		failValidation bool
		bound          time.Duration
		asJSON         bool
	)

	cmd := &cobra.Command{
		Use:   "demo",
		Short: "Upgrade OldUser objects to NewUser in-process and print the outcome",
		Long: `demo builds a small in-process host of OldUser objects referenced from a
service, a declared registry and a package-level list, migrates them to
NewUser and prints the outcome. With --fail-validation a smoke test fails
and the migration rolls back.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := a.loadConfig()
			if err != nil {
				return err
			}
			host, err := newDemoHost(users, failValidation)
			if err != nil {
				return err
			}

			opts := host.options()
			opts.Config = cfg
			opts.Logger = a.logger.Slog()
			eng, err := engine.New(opts)
			if err != nil {
				return err
			}

			out, err := eng.MigrateWithTimeout(cmd.Context(), host.request(), bound)
			if out.ID == 0 {
				return err
			}

			oldCount, newCount := host.versions()
			w := cmd.OutOrStdout()
			if asJSON {
				if encErr := printDemoJSON(w, out, oldCount, newCount); encErr != nil {
					return encErr
				}
			} else {
				printOutcome(w, out)
				fmt.Fprintf(w, "references: %d old, %d new\n", oldCount, newCount)
			}

			if err != nil && !failValidation {
				return err
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&users, "users", 3, "number of users in the demo host")
	cmd.Flags().BoolVar(&failValidation, "fail-validation", false, "add a failing smoke test to force a rollback")
	cmd.Flags().DurationVar(&bound, "timeout", 0, "bound the whole migration (0 runs unbounded)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the outcome as JSON")
	return cmd
}

// printOutcome renders an outcome as an aligned table.
func printOutcome(w io.Writer, out *engine.Outcome) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	defer tw.Flush()

	fmt.Fprintf(tw, "migration\t#%d (%s)\n", out.ID, out.RunID)
	fmt.Fprintf(tw, "status\t%s\n", out.Status)
	fmt.Fprintf(tw, "duration\t%s\n", out.Duration.Round(time.Microsecond))
	fmt.Fprintf(tw, "migrated\t%s objects\n", humanize.Comma(int64(out.ObjectsMigrated)))
	fmt.Fprintf(tw, "patched\t%s references\n", humanize.Comma(int64(out.ObjectsPatched)))

	m := out.Metrics
	fmt.Fprintf(tw, "heap\t%s -> %s\n", humanize.IBytes(m.MemoryBefore.HeapUsed), humanize.IBytes(m.MemoryAfter.HeapUsed))
	for _, p := range metrics.Phases() {
		if d, ok := m.PhaseDurations[p]; ok {
			fmt.Fprintf(tw, "  %s\t%s\n", p, d.Round(time.Microsecond))
		}
	}

	if out.Report != nil {
		for _, r := range out.Report.Results() {
			fmt.Fprintf(tw, "check\t%s\n", r)
		}
	}
	switch {
	case out.RolledBack:
		fmt.Fprintf(tw, "rollback\tok\n")
	case out.RollbackAttempted:
		fmt.Fprintf(tw, "rollback\tFAILED: %v\n", out.RollbackErr)
	}
	if out.Err != nil {
		fmt.Fprintf(tw, "error\t%v\n", out.Err)
	}
}

type demoResult struct {
	*statusapi.RunResponse
	OldReferences int `json:"old_references"`
	NewReferences int `json:"new_references"`
}

func printDemoJSON(w io.Writer, out *engine.Outcome, oldCount, newCount int) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(demoResult{
		RunResponse:   statusapi.RunResponseFromOutcome(out),
		OldReferences: oldCount,
		NewReferences: newCount,
	})
}
