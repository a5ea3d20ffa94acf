// Package config loads the daemon's YAML configuration plus the two JSON
// side files: the operator roster and the relay uplink targets.
package config

import (
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Tick    TickConfig    `yaml:"tick"`
	Roots   RootsConfig   `yaml:"roots"`
	History HistoryConfig `yaml:"history"`
}

type ServerConfig struct {
	Port int    `yaml:"port"`
	Host string `yaml:"host"`
}

type TickConfig struct {
	Interval      time.Duration `yaml:"interval"`
	AdapterBudget time.Duration `yaml:"adapter_budget"`
}

// RootsConfig overrides the default rollout roots of the local user.
type RootsConfig struct {
	Claude string `yaml:"claude"`
	Codex  string `yaml:"codex"`
}

type HistoryConfig struct {
	ParseBudget int `yaml:"parse_budget"`
}

// StateDir returns ~/.observatory, where the daemon keeps its persistent
// side files.
func StateDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		home = os.TempDir()
	}
	return filepath.Join(home, ".observatory")
}

// Default returns the built-in configuration used when no file exists.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port: 7117,
			Host: "127.0.0.1",
		},
		Tick: TickConfig{
			Interval:      time.Second,
			AdapterBudget: 5 * time.Second,
		},
		History: HistoryConfig{
			ParseBudget: 20,
		},
	}
}

// Load reads the YAML config, layering it over the defaults. A missing
// file returns the defaults; a malformed one returns an error.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}
