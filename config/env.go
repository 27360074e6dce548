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
	"os"
	"strings"

	"github.com/joho/godotenv"
)

// LoadEnv loads a .env file if present. Missing files are not an error.
func LoadEnv(paths ...string) {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			_ = godotenv.Load(p)
		}
	}
}

// applyEnvOverrides overlays ZAJEL_* environment variables onto cfg.
func applyEnvOverrides(cfg *Config) {
	if cfg.Client == nil {
		cfg.Client = &ClientConfig{}
	}
	if v := os.Getenv("ZAJEL_BOOTSTRAP_URL"); v != "" {
		cfg.Client.BootstrapURL = v
	}
	if v := os.Getenv("ZAJEL_SIGNALING_URL"); v != "" {
		cfg.Client.SignalingURL = v
	}
	if v := os.Getenv("ZAJEL_STUN_SERVERS"); v != "" {
		cfg.Client.StunServers = splitList(v)
	}
	if v := os.Getenv("ZAJEL_DATA_DIR"); v != "" {
		cfg.Client.DataDir = v
	}
	if v := os.Getenv("ZAJEL_REGION"); v != "" {
		cfg.Client.PreferredRegion = v
	}
}

func splitList(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// GetEnvironment returns the current environment from ZAJEL_ENV or defaults to development
func GetEnvironment() string {
	env := os.Getenv("ZAJEL_ENV")
	if env == "" {
		env = os.Getenv("ENVIRONMENT")
	}
	if env == "" {
		env = "development"
	}
	return strings.ToLower(env)
}

// IsE2ETest reports whether the end-to-end test flag is set.
func IsE2ETest() bool {
	v := strings.ToLower(os.Getenv("ZAJEL_E2E_TEST"))
	return v == "1" || v == "true"
}
