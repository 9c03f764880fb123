// Copyright 2025 UMH Systems GmbH
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config loads the runtime configuration: a YAML file with
// environment overrides, plus the control loop policies it references.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/united-manufacturing-hub/remediation-core/pkg/actor/guard"
	"github.com/united-manufacturing-hub/remediation-core/pkg/actor/rest"
	"github.com/united-manufacturing-hub/remediation-core/pkg/api"
	"github.com/united-manufacturing-hub/remediation-core/pkg/policy"
	"gopkg.in/yaml.v3"
)

const DefaultConfigPath = "/data/config.yaml"

// History backends.
const (
	HistoryNone   = "none"
	HistoryMemory = "memory"
	HistorySQLite = "sqlite"
)

type HistoryConfig struct {
	Backend string `yaml:"backend" validate:"omitempty,oneof=none memory sqlite"`
	// DSN is the sqlite database path.
	DSN            string `yaml:"dsn,omitempty" validate:"required_if=Backend sqlite"`
	MaxQueueLength int    `yaml:"maxQueueLength,omitempty" validate:"gte=0"`
	BatchSize      int    `yaml:"batchSize,omitempty" validate:"gte=0"`
}

type SnapshotConfig struct {
	// Dir of the snapshot database. Empty disables snapshots.
	Dir string `yaml:"dir,omitempty"`
}

type KafkaConfig struct {
	Brokers           []string `yaml:"brokers,omitempty"`
	EventTopic        string   `yaml:"eventTopic,omitempty"`
	NotificationTopic string   `yaml:"notificationTopic,omitempty"`
	GroupID           string   `yaml:"groupId,omitempty"`
}

// Enabled reports whether brokers are configured.
func (k KafkaConfig) Enabled() bool {
	return len(k.Brokers) > 0
}

type ControlConfig struct {
	TickerTime          time.Duration `yaml:"tickerTime,omitempty"`
	StarvationThreshold time.Duration `yaml:"starvationThreshold,omitempty"`
	MaxConcurrent       int           `yaml:"maxConcurrent,omitempty" validate:"gte=0"`
	Workers             int64         `yaml:"workers,omitempty" validate:"gte=0"`
	LockMaxHold         time.Duration `yaml:"lockMaxHold,omitempty"`
}

// FullConfig is the whole runtime configuration.
type FullConfig struct {
	MetricsAddr string         `yaml:"metricsAddr,omitempty"`
	SentryDSN   string         `yaml:"sentryDsn,omitempty"`
	API         api.Config     `yaml:"api,omitempty"`
	Control     ControlConfig  `yaml:"control,omitempty"`
	History     HistoryConfig  `yaml:"history,omitempty"`
	Snapshot    SnapshotConfig `yaml:"snapshot,omitempty"`
	Kafka       KafkaConfig    `yaml:"kafka,omitempty"`
	Guard       guard.Config   `yaml:"guard,omitempty"`
	Actors      []rest.Config  `yaml:"actors,omitempty" validate:"dive"`
	// PolicyFiles are read relative to the configuration file.
	PolicyFiles []string             `yaml:"policyFiles,omitempty"`
	Policies    []policy.ControlLoop `yaml:"policies,omitempty"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

var ErrInvalidConfig = errors.New("invalid configuration")

// Default returns the configuration used when no file exists.
func Default() FullConfig {
	return FullConfig{
		MetricsAddr: ":8080",
		API:         api.Config{Addr: ":8081"},
		Control: ControlConfig{
			TickerTime:          100 * time.Millisecond,
			StarvationThreshold: 15 * time.Second,
			MaxConcurrent:       16,
			Workers:             64,
			LockMaxHold:         time.Hour,
		},
		History: HistoryConfig{Backend: HistoryMemory},
	}
}

// Parse decodes data on top of the defaults.
func Parse(data []byte) (FullConfig, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return FullConfig{}, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}

	return cfg, nil
}

// Load reads path, applies the environment overrides, loads the policy
// files and validates the result. A missing file yields the defaults.
func Load(path string) (FullConfig, error) {
	cfg := Default()

	data, err := os.ReadFile(path)

	switch {
	case err == nil:
		if cfg, err = Parse(data); err != nil {
			return FullConfig{}, err
		}
	case errors.Is(err, os.ErrNotExist):
	default:
		return FullConfig{}, fmt.Errorf("read config %s: %w", path, err)
	}

	if err := ApplyEnvOverrides(&cfg); err != nil {
		return FullConfig{}, err
	}

	for _, file := range cfg.PolicyFiles {
		if !filepath.IsAbs(file) {
			file = filepath.Join(filepath.Dir(path), file)
		}

		loops, err := LoadPolicies(file)
		if err != nil {
			return FullConfig{}, err
		}

		cfg.Policies = append(cfg.Policies, loops...)
	}

	if err := cfg.Validate(); err != nil {
		return FullConfig{}, err
	}

	return cfg, nil
}

// ApplyEnvOverrides lets the environment override file settings.
func ApplyEnvOverrides(cfg *FullConfig) error {
	var err error

	if cfg.MetricsAddr, err = GetAsString("METRICS_ADDR", false, cfg.MetricsAddr); err != nil {
		return err
	}

	if cfg.API.Addr, err = GetAsString("API_ADDR", false, cfg.API.Addr); err != nil {
		return err
	}

	if cfg.SentryDSN, err = GetAsString("SENTRY_DSN", false, cfg.SentryDSN); err != nil {
		return err
	}

	if brokers := GetAsList("KAFKA_BROKERS"); len(brokers) > 0 {
		cfg.Kafka.Brokers = brokers
	}

	if cfg.History.Backend, err = GetAsString("HISTORY_BACKEND", false, cfg.History.Backend); err != nil {
		return err
	}

	if cfg.History.DSN, err = GetAsString("HISTORY_DSN", false, cfg.History.DSN); err != nil {
		return err
	}

	if cfg.Snapshot.Dir, err = GetAsString("SNAPSHOT_DIR", false, cfg.Snapshot.Dir); err != nil {
		return err
	}

	return nil
}

// LoadPolicies reads a YAML file holding a list of control loops.
func LoadPolicies(path string) ([]policy.ControlLoop, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read policies %s: %w", path, err)
	}

	var loops []policy.ControlLoop
	if err := yaml.Unmarshal(data, &loops); err != nil {
		return nil, fmt.Errorf("%w: policies %s: %w", ErrInvalidConfig, path, err)
	}

	return loops, nil
}

// Validate checks the field constraints and every policy.
func (c *FullConfig) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}

	seen := make(map[string]struct{}, len(c.Policies))

	for i := range c.Policies {
		loop := &c.Policies[i]
		if err := loop.Validate(); err != nil {
			return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
		}

		if _, dup := seen[loop.Name]; dup {
			return fmt.Errorf("%w: duplicate control loop %q", ErrInvalidConfig, loop.Name)
		}

		seen[loop.Name] = struct{}{}
	}

	return nil
}

// PolicyStore returns a store holding every configured policy.
func (c *FullConfig) PolicyStore() (*policy.Store, error) {
	store := policy.NewStore()

	for i := range c.Policies {
		if err := store.Put(&c.Policies[i]); err != nil {
			return nil, err
		}
	}

	return store, nil
}
