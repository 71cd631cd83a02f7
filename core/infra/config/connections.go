package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// ConnectionConfig describes one named queue connection target.
type ConnectionConfig struct {
	SubjectPrefix string `yaml:"subject_prefix,omitempty"`
}

// ConnectionsConfig maps connection names to their transport settings.
type ConnectionsConfig struct {
	Connections map[string]ConnectionConfig `yaml:"connections"`
}

// ParseConnections parses a connection map from YAML bytes.
func ParseConnections(data []byte) (*ConnectionsConfig, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var cfg ConnectionsConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse connections config: %w", err)
	}
	if len(cfg.Connections) == 0 {
		return nil, errors.New("connections config has no connections")
	}
	for name := range cfg.Connections {
		if strings.TrimSpace(name) == "" {
			return nil, errors.New("connections config has an empty connection name")
		}
	}
	return &cfg, nil
}

// LoadConnections reads a YAML file mapping connection names to settings.
func LoadConnections(path string) (*ConnectionsConfig, error) {
	if path == "" {
		return nil, errors.New("connections config path is empty")
	}

	// #nosec G304 -- connections config path is operator-provided.
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read connections config %s: %w", path, err)
	}
	cfg, err := ParseConnections(data)
	if err != nil {
		return nil, fmt.Errorf("load connections config %s: %w", path, err)
	}
	if cfg == nil {
		return nil, fmt.Errorf("connections config %s is empty", path)
	}
	return cfg, nil
}

// SubjectPrefix resolves the step-subject prefix for a connection name.
// Unknown connections fall back to a prefix derived from the name itself.
func (c *ConnectionsConfig) SubjectPrefix(name string) string {
	if c != nil {
		if conn, ok := c.Connections[name]; ok && conn.SubjectPrefix != "" {
			return conn.SubjectPrefix
		}
	}
	return "hay.steps." + name
}
