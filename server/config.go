// Package server wires the engine together behind a unix-socket HTTP
// daemon: the object store, the checkin/checkout engine, the package
// resolver, the build scheduler, the JS runtime, and the process runner.
package server

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config is the daemon's YAML configuration.
type Config struct {
	// Path is the server root; the database, artifacts, blobs, temps,
	// and socket all live under it.
	Path string `yaml:"path"`
	// Parent is the URL of an upstream server to delegate to, e.g.
	// "http://unix/path/to/socket" or "https://registry.example.com".
	Parent string `yaml:"parent"`
	// FileDescriptorLimit bounds concurrent opens during checkin.
	FileDescriptorLimit int64 `yaml:"fileDescriptorLimit"`
	// Telemetry configures trace export.
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// TelemetryConfig configures the OTLP trace exporter. An empty endpoint
// disables export.
type TelemetryConfig struct {
	Endpoint string `yaml:"endpoint"`
}

// DefaultPath returns the default server root.
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".tangram"), nil
}

// LoadConfig reads a YAML config file, filling defaults. A missing file
// yields the defaults.
func LoadConfig(path string) (Config, error) {
	var config Config
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil && !os.IsNotExist(err) {
			return config, fmt.Errorf("failed to read config: %w", err)
		}
		if err == nil {
			if err := yaml.Unmarshal(b, &config); err != nil {
				return config, fmt.Errorf("failed to parse config: %w", err)
			}
		}
	}
	if config.Path == "" {
		defaultPath, err := DefaultPath()
		if err != nil {
			return config, err
		}
		config.Path = defaultPath
	}
	return config, nil
}
