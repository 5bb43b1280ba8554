// Copyright 2025 The mcpdesk Authors
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

// Package config resolves the application home directory and loads the app
// settings file. The MCP server-list document is not handled here; it lives
// behind the storage adapter.
package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// settingsFile is the app settings file name inside the home dir.
const settingsFile = "settings.yaml"

// Settings holds application-level configuration.
type Settings struct {
	// Log configures logging; env vars still take precedence.
	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`

	// Audit configures the transition audit trail.
	Audit struct {
		// Path of the sqlite database; relative paths resolve against
		// the home dir. Empty disables the trail.
		Path string `yaml:"path"`
		// RetentionDays bounds how long records are kept. 0 keeps forever.
		RetentionDays int `yaml:"retention_days"`
	} `yaml:"audit"`

	// Metrics configures the optional metrics endpoint used by serve.
	Metrics struct {
		Addr string `yaml:"addr"`
	} `yaml:"metrics"`

	// ToolCalls configures registry-wide tool call throttling.
	ToolCalls struct {
		// RatePerSecond is the sustained rate; 0 disables the limiter.
		RatePerSecond float64 `yaml:"rate_per_second"`
		Burst         int     `yaml:"burst"`
	} `yaml:"tool_calls"`

	// Keyring is the keychain service name for "keyring:" references.
	Keyring struct {
		Service string `yaml:"service"`
	} `yaml:"keyring"`
}

// DefaultSettings returns settings with sensible defaults.
func DefaultSettings() *Settings {
	s := &Settings{}
	s.Log.Level = "info"
	s.Log.Format = "json"
	s.Audit.Path = "audit.db"
	s.Audit.RetentionDays = 30
	s.Metrics.Addr = "127.0.0.1:9464"
	s.ToolCalls.RatePerSecond = 20
	s.ToolCalls.Burst = 40
	s.Keyring.Service = "mcpdesk"
	return s
}

// HomeDir resolves the application home directory: $MCPDESK_HOME if set,
// otherwise ~/.mcpdesk. The directory is created if missing.
func HomeDir() (string, error) {
	dir := os.Getenv("MCPDESK_HOME")
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home dir: %w", err)
		}
		dir = filepath.Join(home, ".mcpdesk")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("create home dir: %w", err)
	}
	return dir, nil
}

// Load reads settings from homeDir, falling back to defaults when the file
// is missing. Unknown keys are rejected to catch typos.
func Load(homeDir string) (*Settings, error) {
	s := DefaultSettings()

	data, err := os.ReadFile(filepath.Join(homeDir, settingsFile))
	if os.IsNotExist(err) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read settings: %w", err)
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(s); err != nil {
		return nil, fmt.Errorf("parse settings: %w", err)
	}
	return s, nil
}

// Save writes settings to homeDir.
func Save(homeDir string, s *Settings) error {
	data, err := yaml.Marshal(s)
	if err != nil {
		return fmt.Errorf("marshal settings: %w", err)
	}
	return os.WriteFile(filepath.Join(homeDir, settingsFile), data, 0o600)
}

// AuditPath resolves the audit database path against homeDir. Returns ""
// when the trail is disabled.
func (s *Settings) AuditPath(homeDir string) string {
	if s.Audit.Path == "" {
		return ""
	}
	if filepath.IsAbs(s.Audit.Path) {
		return s.Audit.Path
	}
	return filepath.Join(homeDir, s.Audit.Path)
}
