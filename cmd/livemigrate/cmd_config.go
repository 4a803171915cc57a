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
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/livemigrate/services/migrate/config"
)

func newConfigCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect and validate the migration configuration",
	}

	show := &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration, defaults and overrides applied",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := a.loadConfig()
			if err != nil {
				return err
			}
			data, err := cfg.YAML()
			if err != nil {
				return fmt.Errorf("render config: %w", err)
			}
			_, err = cmd.OutOrStdout().Write(data)
			return err
		},
	}

	var showKeys bool
	show.Flags().BoolVar(&showKeys, "env", false, "list the environment variables that override the file")
	show.PreRunE = func(cmd *cobra.Command, args []string) error {
		if !showKeys {
			return nil
		}
		out := cmd.OutOrStdout()
		for _, key := range config.OverrideKeys() {
			name := config.EnvName(key)
			value, set := os.LookupEnv(name)
			if !set {
				value = "(unset)"
			}
			fmt.Fprintf(out, "# %s=%s\n", name, value)
		}
		return nil
	}

	validate := &cobra.Command{
		Use:   "validate [FILE]",
		Short: "Check a configuration file without applying it",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := a.resolveConfigPath()
			if len(args) == 1 {
				path = args[0]
			}
			data, err := os.ReadFile(path)
			if err != nil {
				return fmt.Errorf("read %s: %w", path, err)
			}
			cfg, err := config.Parse(data)
			if err != nil {
				return fmt.Errorf("%s: %w", path, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: valid\n%s\n", path, strings.TrimSpace(cfg.String()))
			return nil
		},
	}

	cmd.AddCommand(show, validate)
	return cmd
}
