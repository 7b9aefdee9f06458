// Package config holds the orchestrator's tunable knobs, loadable from a
// YAML file with sane defaults for every field.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full configuration surface of the diagnosis orchestrator.
// Durations are expressed in the units their names state so the YAML stays
// plain integers.
type Config struct {
	// RouteThreshold is the classifier confidence at or above which only
	// the route_to branches run; below it the also_check hedge set is
	// added.
	RouteThreshold float64 `yaml:"route_threshold"`

	// MinConfidence is the floor below which a primary diagnosis is
	// flagged low-confidence and secondaries are dropped.
	MinConfidence float64 `yaml:"min_confidence"`

	PerBranchTimeoutMS int `yaml:"per_branch_timeout_ms"`
	TotalTimeoutMS     int `yaml:"total_timeout_ms"`

	// MinSuccessful is the number of SUCCESS branches below which the
	// fan-out reports a shortfall (the saga still aggregates).
	MinSuccessful int `yaml:"min_successful"`

	MaxSecondary int `yaml:"max_secondary"`

	// AttemptCeiling caps crash resumes plus in-band retries of a
	// retryable step before the saga fails permanently.
	AttemptCeiling int `yaml:"attempt_ceiling"`

	CheckpointRetentionHours int `yaml:"checkpoint_retention_hours"`

	// ClassifierName is the registry name of the triage capability.
	ClassifierName string `yaml:"classifier_name"`
}

// Default returns the documented default configuration.
func Default() Config {
	return Config{
		RouteThreshold:           0.7,
		MinConfidence:            0.5,
		PerBranchTimeoutMS:       30_000,
		TotalTimeoutMS:           60_000,
		MinSuccessful:            1,
		MaxSecondary:             2,
		AttemptCeiling:           5,
		CheckpointRetentionHours: 24,
		ClassifierName:           "triage",
	}
}

// Load reads a YAML file over the defaults. A missing path returns the
// defaults unchanged so the service runs without a config file.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("config: read %q: %w", path, err)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("config: parse %q: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate rejects values the orchestrator cannot run with.
func (c Config) Validate() error {
	if c.RouteThreshold < 0 || c.RouteThreshold > 1 {
		return fmt.Errorf("config: route_threshold %v out of [0,1]", c.RouteThreshold)
	}
	if c.MinConfidence < 0 || c.MinConfidence > 1 {
		return fmt.Errorf("config: min_confidence %v out of [0,1]", c.MinConfidence)
	}
	if c.PerBranchTimeoutMS <= 0 {
		return fmt.Errorf("config: per_branch_timeout_ms must be positive, got %d", c.PerBranchTimeoutMS)
	}
	if c.TotalTimeoutMS <= 0 {
		return fmt.Errorf("config: total_timeout_ms must be positive, got %d", c.TotalTimeoutMS)
	}
	if c.MinSuccessful < 0 {
		return fmt.Errorf("config: min_successful must not be negative, got %d", c.MinSuccessful)
	}
	if c.MaxSecondary < 0 {
		return fmt.Errorf("config: max_secondary must not be negative, got %d", c.MaxSecondary)
	}
	if c.AttemptCeiling <= 0 {
		return fmt.Errorf("config: attempt_ceiling must be positive, got %d", c.AttemptCeiling)
	}
	if c.CheckpointRetentionHours <= 0 {
		return fmt.Errorf("config: checkpoint_retention_hours must be positive, got %d", c.CheckpointRetentionHours)
	}
	if c.ClassifierName == "" {
		return fmt.Errorf("config: classifier_name is required")
	}
	return nil
}

func (c Config) PerBranchTimeout() time.Duration {
	return time.Duration(c.PerBranchTimeoutMS) * time.Millisecond
}

func (c Config) TotalTimeout() time.Duration {
	return time.Duration(c.TotalTimeoutMS) * time.Millisecond
}

func (c Config) CheckpointRetention() time.Duration {
	return time.Duration(c.CheckpointRetentionHours) * time.Hour
}
