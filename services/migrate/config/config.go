// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config holds the migration engine configuration.
//
// Configuration is read from YAML, then environment overrides named after
// the flattened property keys are applied (migration.heap.walk.mode is
// overridden by MIGRATION_HEAP_WALK_MODE), then the result is validated.
package config

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/livemigrate/services/migrate/alert"
)

// Heap walk modes.
const (
	// WalkFull walks every tracked object during SECOND_PASS.
	WalkFull = "full"

	// WalkFiltered walks only objects of the scan types.
	WalkFiltered = "filtered"
)

// ErrInvalidConfig wraps every validation failure.
var ErrInvalidConfig = errors.New("invalid migration config")

var validate *validator.Validate

func init() {
	validate = validator.New()
	// Report yaml key names in validation errors.
	validate.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("yaml"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
}

// Config is the full engine configuration.
//
// # Description
//
// Zero timeouts disable the corresponding bound. Zero heap limits disable
// the corresponding guard.
//
// # Example
//
//	heap_walk:
//	  mode: filtered
//	timeouts:
//	  critical_phase: 5s
//	  smoke_test: 30s
//	history:
//	  size: 20
//	alert:
//	  level: debug
type Config struct {
	HeapWalk HeapWalkConfig `yaml:"heap_walk"`
	Timeouts TimeoutConfig  `yaml:"timeouts"`
	Heap     HeapConfig     `yaml:"heap"`
	History  HistoryConfig  `yaml:"history"`
	Alert    AlertConfig    `yaml:"alert"`
	Server   ServerConfig   `yaml:"server"`
}

// HeapWalkConfig selects the SECOND_PASS strategy.
type HeapWalkConfig struct {
	Mode string `yaml:"mode" validate:"oneof=full filtered"`
}

// TimeoutConfig bounds the blocking operations of a migration.
type TimeoutConfig struct {
	HeapWalk      time.Duration `yaml:"heap_walk" validate:"gte=0"`
	HeapSnapshot  time.Duration `yaml:"heap_snapshot" validate:"gte=0"`
	CriticalPhase time.Duration `yaml:"critical_phase" validate:"gte=0"`
	SmokeTest     time.Duration `yaml:"smoke_test" validate:"gte=0"`
}

// HeapConfig holds the memory guards checked before a migration starts.
type HeapConfig struct {
	MinMB int64 `yaml:"min_mb" validate:"gte=0"`
	MaxMB int64 `yaml:"max_mb" validate:"omitempty,gtefield=MinMB"`
}

// HistoryConfig bounds the in-memory history and optionally persists it.
type HistoryConfig struct {
	Size int `yaml:"size" validate:"gt=0"`

	// Path is a BadgerDB directory. Empty keeps history in memory only.
	Path string `yaml:"path,omitempty"`

	// MaxRecords bounds the persisted history; 0 keeps everything.
	MaxRecords int `yaml:"max_records" validate:"gte=0"`
}

// AlertConfig sets the lifecycle event level.
type AlertConfig struct {
	Level string `yaml:"level" validate:"oneof=debug warning error"`
}

// ServerConfig configures the status API.
type ServerConfig struct {
	Addr     string  `yaml:"addr" validate:"required"`
	RunRate  float64 `yaml:"run_rate" validate:"gt=0"`
	RunBurst int     `yaml:"run_burst" validate:"gt=0"`
}

// DefaultConfig returns the configuration used when no file is present.
func DefaultConfig() *Config {
	return &Config{
		HeapWalk: HeapWalkConfig{Mode: WalkFull},
		History:  HistoryConfig{Size: 10},
		Alert:    AlertConfig{Level: alert.LevelWarning.String()},
		Server: ServerConfig{
			Addr:     "127.0.0.1:8089",
			RunRate:  0.2,
			RunBurst: 1,
		},
	}
}

// Validate checks every field against its constraints.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	return nil
}

// FullHeapWalk reports whether SECOND_PASS walks every tracked object.
func (c *Config) FullHeapWalk() bool {
	return c.HeapWalk.Mode != WalkFiltered
}

// AlertLevel returns the parsed alert level, LevelWarning if unparsable.
func (c *Config) AlertLevel() alert.Level {
	l, err := alert.ParseLevel(c.Alert.Level)
	if err != nil {
		return alert.LevelWarning
	}
	return l
}

// Clone returns a deep copy.
func (c *Config) Clone() *Config {
	cp := *c
	return &cp
}

// YAML renders the configuration.
func (c *Config) YAML() ([]byte, error) {
	return yaml.Marshal(c)
}

// String returns a one-line summary.
func (c *Config) String() string {
	return fmt.Sprintf("Config{heap_walk=%s, critical_phase=%s, smoke_test=%s, heap=%d..%dMB, history=%d, alert=%s}",
		c.HeapWalk.Mode, c.Timeouts.CriticalPhase, c.Timeouts.SmokeTest,
		c.Heap.MinMB, c.Heap.MaxMB, c.History.Size, c.Alert.Level)
}
