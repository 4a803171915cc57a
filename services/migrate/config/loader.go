// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/livemigrate/services/migrate/alert"
)

// DefaultPath is the file LoadDefault reads when MIGRATION_CONFIG is unset.
const DefaultPath = "migration.yaml"

var (
	// defaultCfg is the process-wide configuration loaded by LoadDefault.
	defaultCfg *Config
	defaultErr error
	once       sync.Once
)

// LoadDefault loads the process-wide configuration once, from
// $MIGRATION_CONFIG or DefaultPath.
func LoadDefault() (*Config, error) {
	once.Do(func() {
		path := os.Getenv("MIGRATION_CONFIG")
		if path == "" {
			path = DefaultPath
		}
		defaultCfg, defaultErr = Load(path)
	})
	return defaultCfg, defaultErr
}

// Load reads the YAML file at path over DefaultConfig, applies environment
// overrides and validates the result.
//
// # Description
//
// A missing file is not an error: the defaults (plus overrides) are used.
// An empty file also yields the defaults. Keys absent from the file keep
// their default values.
//
// # Outputs
//
//   - *Config: the validated configuration.
//   - error: read or parse failure, or ErrInvalidConfig.
func Load(path string) (*Config, error) {
	logger := slog.Default().With("component", "config.Loader")
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		logger.Info("no config file, using defaults", "path", path)
	case err != nil:
		return nil, fmt.Errorf("failed to read the config file %s: %w", path, err)
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse the config file %s: %w", path, err)
		}
		logger.Info("loaded config", "path", path)
	}

	ApplyOverrides(cfg, os.LookupEnv)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse decodes YAML over DefaultConfig and validates it. No environment
// overrides are applied.
func Parse(data []byte) (*Config, error) {
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// =============================================================================
// Overrides
// =============================================================================

// override binds a flattened property key to a setter. Setters return an
// error for unparsable values, which are logged and skipped.
type override struct {
	key string
	set func(c *Config, v string) error
}

var overrides = []override{
	{"migration.heap.walk.mode", func(c *Config, v string) error {
		switch strings.ToLower(v) {
		case WalkFull:
			c.HeapWalk.Mode = WalkFull
		case WalkFiltered, "spec":
			c.HeapWalk.Mode = WalkFiltered
		default:
			return fmt.Errorf("unknown heap walk mode %q", v)
		}
		return nil
	}},
	{"migration.timeout.heap.walk", durationSetter(func(c *Config) *time.Duration { return &c.Timeouts.HeapWalk })},
	{"migration.timeout.heap.snapshot", durationSetter(func(c *Config) *time.Duration { return &c.Timeouts.HeapSnapshot })},
	{"migration.timeout.critical.phase", durationSetter(func(c *Config) *time.Duration { return &c.Timeouts.CriticalPhase })},
	{"migration.timeout.smoke.test", durationSetter(func(c *Config) *time.Duration { return &c.Timeouts.SmokeTest })},
	{"migration.heap.size.min", func(c *Config, v string) error {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return err
		}
		c.Heap.MinMB = n
		return nil
	}},
	{"migration.heap.size.max", func(c *Config, v string) error {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return err
		}
		c.Heap.MaxMB = n
		return nil
	}},
	{"migration.history.size", func(c *Config, v string) error {
		n, err := strconv.Atoi(v)
		if err != nil {
			return err
		}
		if n <= 0 {
			return fmt.Errorf("history size must be positive, got %d", n)
		}
		c.History.Size = n
		return nil
	}},
	{"migration.alert.level", func(c *Config, v string) error {
		l, err := alert.ParseLevel(v)
		if err != nil {
			return err
		}
		c.Alert.Level = l.String()
		return nil
	}},
}

// durationSetter accepts whole seconds ("30") or a Go duration ("1m30s").
// Non-positive values disable the bound.
func durationSetter(field func(*Config) *time.Duration) func(*Config, string) error {
	return func(c *Config, v string) error {
		var d time.Duration
		if secs, err := strconv.ParseInt(v, 10, 64); err == nil {
			d = time.Duration(secs) * time.Second
		} else {
			parsed, perr := time.ParseDuration(v)
			if perr != nil {
				return perr
			}
			d = parsed
		}
		*field(c) = max(d, 0)
		return nil
	}
}

// EnvName returns the environment variable overriding a property key.
func EnvName(key string) string {
	return strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
}

// OverrideKeys returns every overridable property key.
func OverrideKeys() []string {
	keys := make([]string, len(overrides))
	for i, o := range overrides {
		keys[i] = o.key
	}
	return keys
}

// ApplyOverrides sets every property whose environment variable lookup
// finds a value. Invalid values are logged and ignored.
func ApplyOverrides(c *Config, lookup func(string) (string, bool)) {
	logger := slog.Default().With("component", "config.Loader")
	for _, o := range overrides {
		v, ok := lookup(EnvName(o.key))
		if !ok {
			continue
		}
		v = strings.TrimSpace(v)
		if err := o.set(c, v); err != nil {
			logger.Warn("ignoring invalid override", "key", o.key, "value", v, "error", err)
		}
	}
}

// =============================================================================
// Watch
// =============================================================================

// Watch reloads the file at path whenever it changes and passes the result
// to fn, until ctx is done.
//
// # Description
//
// The parent directory is watched rather than the file, so editors that
// replace the file on save are seen. Bursts of events are collapsed by a
// short debounce. fn receives either a validated config or the load error;
// the caller decides whether to keep the previous config.
//
// # Outputs
//
//   - error: nil when ctx ends, or the watcher setup error.
func Watch(ctx context.Context, path string, fn func(*Config, error)) error {
	logger := slog.Default().With("component", "config.Watcher")

	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("resolve %s: %w", path, err)
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(abs), err)
	}

	const debounce = 50 * time.Millisecond
	var timer *time.Timer
	var fire <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != abs {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(debounce)
			} else {
				timer.Reset(debounce)
			}
			fire = timer.C
		case <-fire:
			fire = nil
			cfg, err := Load(abs)
			if err != nil {
				logger.Warn("config reload failed", "path", abs, "error", err)
			} else {
				logger.Info("config reloaded", "path", abs)
			}
			fn(cfg, err)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Warn("watcher error", "error", err)
		}
	}
}
