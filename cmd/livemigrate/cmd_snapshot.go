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
	"os"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/AleutianAI/livemigrate/services/migrate/heap"
)

func newSnapshotCmd(_ *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "snapshot",
		Short: "Work with encoded heap snapshots",
	}

	var asJSON bool
	decode := &cobra.Command{
		Use:   "decode FILE",
		Short: "Print the entries of an encoded heap snapshot ('-' reads stdin)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var (
				data []byte
				err  error
			)
			if args[0] == "-" {
				data, err = io.ReadAll(cmd.InOrStdin())
			} else {
				data, err = os.ReadFile(args[0])
			}
			if err != nil {
				return fmt.Errorf("read snapshot: %w", err)
			}

			snap := heap.DecodeSnapshot(data)
			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(snap.Entries)
			}
			printSnapshot(cmd.OutOrStdout(), snap, len(data))
			return nil
		},
	}
	decode.Flags().BoolVar(&asJSON, "json", false, "print entries as JSON")

	cmd.AddCommand(decode)
	return cmd
}

func printSnapshot(w io.Writer, snap heap.Snapshot, size int) {
	fmt.Fprintf(w, "%s entries decoded from %s\n", humanize.Comma(int64(snap.Len())), humanize.IBytes(uint64(size)))
	if snap.Len() == 0 {
		return
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	defer tw.Flush()
	fmt.Fprintln(tw, "TAG\tTYPE")
	for _, e := range snap.Entries {
		fmt.Fprintf(tw, "%d\t%s\n", e.Tag, e.TypeName)
	}
}
