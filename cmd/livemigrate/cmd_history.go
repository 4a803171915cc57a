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
	"errors"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/AleutianAI/livemigrate/services/migrate/state"
	storage "github.com/AleutianAI/livemigrate/services/migrate/storage/badger"
)

// errNoHistoryPath is returned when neither --db nor history.path is set.
var errNoHistoryPath = errors.New("no history store configured: set history.path or pass --db")

func newHistoryCmd(a *app) *cobra.Command {
	var (
		dbPath string
		limit  int
	)

	cmd := &cobra.Command{
		Use:   "history",
		Short: "Print persisted migration history, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if dbPath == "" {
				cfg, err := a.loadConfig()
				if err != nil {
					return err
				}
				dbPath = cfg.History.Path
			}
			if dbPath == "" {
				return errNoHistoryPath
			}

			cfg := storage.DefaultConfig(dbPath)
			cfg.GCInterval = 0
			db, err := storage.Open(cfg)
			if err != nil {
				return err
			}
			defer db.Close()

			sink, err := state.NewBadgerHistory(db, 0)
			if err != nil {
				return err
			}
			records, err := sink.Load(cmd.Context(), limit)
			if err != nil {
				return err
			}
			printHistory(cmd.OutOrStdout(), records, time.Now())
			return nil
		},
	}

	cmd.Flags().StringVar(&dbPath, "db", "", "history database directory (default history.path)")
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum number of records, 0 for all")
	return cmd
}

func printHistory(w io.Writer, records []state.Record, now time.Time) {
	if len(records) == 0 {
		fmt.Fprintln(w, "no migrations recorded")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	defer tw.Flush()
	fmt.Fprintln(tw, "ID\tSTATUS\tENDED\tDURATION\tMIGRATED\tERROR")
	for _, r := range records {
		migrated := "-"
		if r.Metrics != nil {
			migrated = humanize.Comma(int64(r.Metrics.ObjectsMigrated))
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%s\n",
			r.ID, r.Status, humanize.RelTime(r.Ended, now, "ago", "from now"),
			r.Duration().Round(time.Millisecond), migrated, r.Error)
	}
}
