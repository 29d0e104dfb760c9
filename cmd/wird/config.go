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
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/wird/pkg/logging"
)

// Config is the CLI configuration, read from
// ~/.config/wird/config.yaml (override with WIRD_CONFIG). A missing
// file selects local-only mode with defaults.
type Config struct {
	// BackendURL is the sessiond address. Empty runs local-only.
	BackendURL string `yaml:"backend_url"`

	// UserID identifies this user to the backend. Empty participates
	// anonymously.
	UserID string `yaml:"user_id"`

	// AdminToken grants admin rights when it matches the backend's
	// shared secret. Takes precedence over UserID for authentication.
	AdminToken string `yaml:"admin_token"`

	// DataDir holds the local session store and the sync queue.
	DataDir string `yaml:"data_dir"`

	// LogDir enables file logging when set.
	LogDir string `yaml:"log_dir"`

	// LogLevel is debug, info, warn, or error.
	LogLevel logging.Level `yaml:"log_level"`
}

func defaultConfig() Config {
	return Config{
		DataDir:  "~/.local/share/wird",
		LogLevel: logging.LevelWarn,
	}
}

func configPath() string {
	if p := os.Getenv("WIRD_CONFIG"); p != "" {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "config.yaml"
	}
	return filepath.Join(home, ".config", "wird", "config.yaml")
}

func loadConfig() (Config, error) {
	cfg := defaultConfig()

	raw, err := os.ReadFile(configPath())
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("parse %s: %w", configPath(), err)
	}
	return cfg, nil
}

// token derives the bearer token from the config.
func (c Config) token() string {
	if c.AdminToken != "" {
		return c.AdminToken
	}
	if c.UserID != "" {
		return "user:" + c.UserID
	}
	return ""
}

func expandHome(path string) (string, error) {
	if !strings.HasPrefix(path, "~") {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home directory: %w", err)
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~")), nil
}
