// Copyright (C) 2025 zajel-project
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with this program. If not, see <https://www.gnu.org/licenses/>.

// SPDX-License-Identifier: LGPL-3.0-or-later

package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the main configuration structure
type Config struct {
	Environment string             `yaml:"environment" json:"environment"`
	Client      *ClientConfig      `yaml:"client" json:"client"`
	Coordinator *CoordinatorConfig `yaml:"coordinator" json:"coordinator"`
	Logging     *LoggingConfig     `yaml:"logging" json:"logging"`
	Metrics     *MetricsConfig     `yaml:"metrics" json:"metrics"`
}

// ClientConfig holds the client-side settings
type ClientConfig struct {
	BootstrapURL    string        `yaml:"bootstrap_url" json:"bootstrap_url"`
	SignalingURL    string        `yaml:"signaling_url" json:"signaling_url"`
	PreferredRegion string        `yaml:"preferred_region" json:"preferred_region"`
	StunServers     []string      `yaml:"stun_servers" json:"stun_servers"`
	DataDir         string        `yaml:"data_dir" json:"data_dir"`
	MaxFileSize     int64         `yaml:"max_file_size" json:"max_file_size"`
	RefreshInterval time.Duration `yaml:"refresh_interval" json:"refresh_interval"`
	FetchTimeout    time.Duration `yaml:"fetch_timeout" json:"fetch_timeout"`
}

// CoordinatorConfig holds the coordinator-side settings
type CoordinatorConfig struct {
	ListenAddr     string `yaml:"listen_addr" json:"listen_addr"`
	Region         string `yaml:"region" json:"region"`
	OperatorKey    string `yaml:"operator_key" json:"operator_key"`
	BootstrapPeers string `yaml:"bootstrap_peers" json:"bootstrap_peers"`
}

// LoggingConfig represents logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" json:"level"`
	Format string `yaml:"format" json:"format"`
	Output string `yaml:"output" json:"output"`
}

// MetricsConfig represents metrics configuration
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	Port    int    `yaml:"port" json:"port"`
	Path    string `yaml:"path" json:"path"`
}

// LoadFromFile loads configuration from a file
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := &Config{}

	// Try to parse as YAML first
	if err := yaml.Unmarshal(data, cfg); err != nil {
		// Try JSON if YAML fails
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file (tried YAML and JSON): %w", err)
		}
	}

	applyEnvOverrides(cfg)
	setDefaults(cfg)

	return cfg, nil
}

// Default returns a configuration with all defaults applied and environment
// overrides honored; used when no config file is given.
func Default() *Config {
	cfg := &Config{}
	applyEnvOverrides(cfg)
	setDefaults(cfg)
	return cfg
}

// SaveToFile saves configuration to a file
func SaveToFile(cfg *Config, path string) error {
	var data []byte
	var err error

	if strings.HasSuffix(path, ".json") {
		data, err = json.MarshalIndent(cfg, "", "  ")
	} else {
		data, err = yaml.Marshal(cfg)
	}
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// setDefaults sets default values for configuration
func setDefaults(cfg *Config) {
	if cfg.Environment == "" {
		cfg.Environment = "development"
	}

	if cfg.Client == nil {
		cfg.Client = &ClientConfig{}
	}
	if cfg.Client.StunServers == nil {
		cfg.Client.StunServers = []string{"stun:stun.l.google.com:19302"}
	}
	if cfg.Client.DataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			home = "."
		}
		cfg.Client.DataDir = home + "/.zajel"
	}
	if cfg.Client.MaxFileSize == 0 {
		cfg.Client.MaxFileSize = 100 << 20
	}
	if cfg.Client.RefreshInterval == 0 {
		cfg.Client.RefreshInterval = 60 * time.Second
	}
	if cfg.Client.FetchTimeout == 0 {
		cfg.Client.FetchTimeout = 10 * time.Second
	}

	if cfg.Coordinator == nil {
		cfg.Coordinator = &CoordinatorConfig{}
	}
	if cfg.Coordinator.ListenAddr == "" {
		cfg.Coordinator.ListenAddr = ":8420"
	}

	if cfg.Logging == nil {
		cfg.Logging = &LoggingConfig{Level: "info", Format: "json", Output: "stdout"}
	}

	if cfg.Metrics == nil {
		cfg.Metrics = &MetricsConfig{Enabled: false, Port: 9090, Path: "/metrics"}
	}
}
