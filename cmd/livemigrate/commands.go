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

	"github.com/spf13/cobra"

	"github.com/AleutianAI/livemigrate/pkg/logging"
	"github.com/AleutianAI/livemigrate/services/migrate/config"
)

// app holds the global flags and the resources they configure.
type app struct {
	configPath string
	logLevel   string
	logFormat  string
	logDir     string

	logger *logging.Logger
}

// newRootCmd builds the command tree. Every call returns an independent
// tree, so tests can execute commands in isolation.
func newRootCmd() *cobra.Command {
	a := &app{}

	root := &cobra.Command{
		Use:           "livemigrate",
		Short:         "Live in-process object migration",
		Long:          "livemigrate converts live objects to a new type and rewrites every reference to them while the process keeps running.",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.setupLogging(cmd)
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if a.logger != nil {
				_ = a.logger.Close()
			}
		},
	}

	flags := root.PersistentFlags()
	flags.StringVarP(&a.configPath, "config", "c", "", "configuration file (default $MIGRATION_CONFIG or "+config.DefaultPath+")")
	flags.StringVar(&a.logLevel, "log-level", "info", "log level: debug, info, warn, error")
	flags.StringVar(&a.logFormat, "log-format", "auto", "log format: auto, text, json")
	flags.StringVar(&a.logDir, "log-dir", "", "also write JSON logs to this directory")

	root.AddCommand(
		newConfigCmd(a),
		newDemoCmd(a),
		newServeCmd(a),
		newSnapshotCmd(a),
		newHistoryCmd(a),
	)
	return root
}

func (a *app) setupLogging(cmd *cobra.Command) error {
	level, err := logging.ParseLevel(a.logLevel)
	if err != nil {
		return err
	}
	var format logging.Format
	switch a.logFormat {
	case "auto", "":
		format = logging.FormatAuto
	case "text":
		format = logging.FormatText
	case "json":
		format = logging.FormatJSON
	default:
		return fmt.Errorf("unknown log format %q", a.logFormat)
	}

	a.logger = logging.New(logging.Config{
		Level:   level,
		Format:  format,
		LogDir:  a.logDir,
		Service: "livemigrate",
		Output:  cmd.ErrOrStderr(),
	})
	a.logger.Install()
	return nil
}

// resolveConfigPath returns the --config flag, then $MIGRATION_CONFIG,
// then config.DefaultPath.
func (a *app) resolveConfigPath() string {
	if a.configPath != "" {
		return a.configPath
	}
	if env := os.Getenv("MIGRATION_CONFIG"); env != "" {
		return env
	}
	return config.DefaultPath
}

// loadConfig loads the resolved configuration file. A missing file yields
// the defaults.
func (a *app) loadConfig() (*config.Config, error) {
	return config.Load(a.resolveConfigPath())
}
