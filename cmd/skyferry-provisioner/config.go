// Copyright (C) The Skyferry Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/ghodss/yaml"
	"github.com/skyferry/skyferry/lib/cloud"
)

// Duration is a time.Duration that marshals to/from a string like
// "10s" or "5m".
type Duration time.Duration

// UnmarshalJSON implements json.Unmarshaler.
func (d *Duration) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		dur, err := time.ParseDuration(s)
		if err != nil {
			return err
		}
		*d = Duration(dur)
		return nil
	}
	return fmt.Errorf("duration must be given as a string like \"600s\"")
}

// MarshalJSON implements json.Marshaler.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

func (d Duration) String() string {
	return time.Duration(d).String()
}

// Duration returns the native type.
func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

// CloudConfig holds one cloud's driver parameters, opaque to this
// binary.
type CloudConfig struct {
	DriverParameters json.RawMessage `json:"DriverParameters"`
}

// Config is the service configuration, loaded from a YAML file.
type Config struct {
	Listen          string `json:"Listen"`
	ManagementToken string `json:"ManagementToken"`
	LogLevel        string `json:"LogLevel"`
	LogFormat       string `json:"LogFormat"`
	// PostgreSQL connection string for cluster state and locks.
	PostgresDSN string `json:"PostgresDSN"`
	// UserHash feeds the deterministic name-on-cloud derivation so
	// two deployments sharing a cloud account don't collide.
	UserHash string `json:"UserHash"`
	// Outgoing cloud API calls per second per cloud; 0 means
	// unlimited.
	MaxCloudOpsPerSecond int `json:"MaxCloudOpsPerSecond"`

	Clouds map[cloud.CloudID]CloudConfig `json:"Clouds"`

	ProgressTimeout  Duration `json:"ProgressTimeout"`
	ProgressPoll     Duration `json:"ProgressPoll"`
	LockTimeout      Duration `json:"LockTimeout"`
	MaxShapeAttempts int      `json:"MaxShapeAttempts"`
}

func defaultConfig() Config {
	return Config{
		Listen:    ":9460",
		LogLevel:  "info",
		LogFormat: "json",
	}
}

func loadConfig(path string) (Config, error) {
	cfg := defaultConfig()
	buf, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if err := yaml.Unmarshal(buf, &cfg); err != nil {
		return cfg, fmt.Errorf("parse %s: %w", path, err)
	}
	if len(cfg.Clouds) == 0 {
		return cfg, fmt.Errorf("%s: no Clouds configured", path)
	}
	return cfg, nil
}
