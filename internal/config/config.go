// Package config loads the daemon configuration. Defaults are embedded as
// a YAML document; a config file, when present, is layered on top.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

const defaultConfigYAML = `# parleyd configuration
listen: "127.0.0.1:8420"
database: "parley.db"

planner:
  base_url: "http://localhost:1234/v1"
  model: ""
  api_key: ""
  timeout_seconds: 30

worker:
  base_url: "http://localhost:3000/api"
  timeout_seconds: 30
  fetch_retries: 2

orchestrator:
  default_max_iterations: 10
  first_check_delay_seconds: 1
  idle_poll_seconds: 5
  active_poll_seconds: 3
  cooldown_seconds: 30
  max_cooldown_wait_seconds: 120
`

type Config struct {
	Listen   string `yaml:"listen"`
	Database string `yaml:"database"`

	Planner struct {
		BaseURL        string `yaml:"base_url"`
		Model          string `yaml:"model"`
		APIKey         string `yaml:"api_key"`
		TimeoutSeconds int    `yaml:"timeout_seconds"`
	} `yaml:"planner"`

	Worker struct {
		BaseURL        string `yaml:"base_url"`
		TimeoutSeconds int    `yaml:"timeout_seconds"`
		FetchRetries   int    `yaml:"fetch_retries"`
	} `yaml:"worker"`

	Orchestrator struct {
		DefaultMaxIterations   int `yaml:"default_max_iterations"`
		FirstCheckDelaySeconds int `yaml:"first_check_delay_seconds"`
		IdlePollSeconds        int `yaml:"idle_poll_seconds"`
		ActivePollSeconds      int `yaml:"active_poll_seconds"`
		CooldownSeconds        int `yaml:"cooldown_seconds"`
		MaxCooldownWaitSeconds int `yaml:"max_cooldown_wait_seconds"`
	} `yaml:"orchestrator"`
}

// Load returns the embedded defaults overlaid with the file at path. An
// empty path or a missing file yields the defaults unchanged.
func Load(path string) (Config, error) {
	var cfg Config
	if err := yaml.Unmarshal([]byte(defaultConfigYAML), &cfg); err != nil {
		return Config{}, fmt.Errorf("config: parse defaults: %w", err)
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return Config{}, fmt.Errorf("config: read %s: %w", path, err)
			}
		} else if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate enforces the timing invariant the settlement policy relies on:
// active poll < cooldown < max cooldown wait.
func (c Config) Validate() error {
	o := c.Orchestrator
	for name, v := range map[string]int{
		"default_max_iterations":    o.DefaultMaxIterations,
		"first_check_delay_seconds": o.FirstCheckDelaySeconds,
		"idle_poll_seconds":         o.IdlePollSeconds,
		"active_poll_seconds":       o.ActivePollSeconds,
		"cooldown_seconds":          o.CooldownSeconds,
		"max_cooldown_wait_seconds": o.MaxCooldownWaitSeconds,
	} {
		if v <= 0 {
			return fmt.Errorf("config: orchestrator.%s must be > 0", name)
		}
	}
	if o.ActivePollSeconds >= o.CooldownSeconds {
		return fmt.Errorf("config: active_poll_seconds (%d) must be < cooldown_seconds (%d)", o.ActivePollSeconds, o.CooldownSeconds)
	}
	if o.CooldownSeconds >= o.MaxCooldownWaitSeconds {
		return fmt.Errorf("config: cooldown_seconds (%d) must be < max_cooldown_wait_seconds (%d)", o.CooldownSeconds, o.MaxCooldownWaitSeconds)
	}
	if c.Planner.TimeoutSeconds <= 0 {
		return fmt.Errorf("config: planner.timeout_seconds must be > 0")
	}
	if c.Worker.TimeoutSeconds <= 0 {
		return fmt.Errorf("config: worker.timeout_seconds must be > 0")
	}
	if c.Worker.FetchRetries < 0 {
		return fmt.Errorf("config: worker.fetch_retries must be >= 0")
	}
	return nil
}

func (c Config) PlannerTimeout() time.Duration {
	return time.Duration(c.Planner.TimeoutSeconds) * time.Second
}

func (c Config) WorkerTimeout() time.Duration {
	return time.Duration(c.Worker.TimeoutSeconds) * time.Second
}
