// Package config provides configuration loading and management for fmapflows.
// It handles loading configuration from YAML files and provides default values.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"gopkg.in/yaml.v3"
)

// Config represents the application configuration loaded from YAML
type Config struct {
	// Workflow parameters
	Workflow struct {
		// Fmapless permits the degenerate fieldmap-less fallback for
		// subjects without a real distortion source
		Fmapless bool `yaml:"fmapless"`

		// Demean subtracts the voxel-wise median from
		// displacement-derived fieldmaps
		Demean bool `yaml:"demean"`

		// NumWorkers bounds concurrent step execution in the local engine
		NumWorkers int `yaml:"numWorkers"`
	} `yaml:"workflow"`

	// Paths parameters
	Paths struct {
		// DatasetDir is the root of the dataset to index
		DatasetDir string `yaml:"datasetDir"`

		// WorkDir is the root working area for intermediate volumes
		WorkDir string `yaml:"workDir"`
	} `yaml:"paths"`

	// Output parameters
	Output struct {
		// Verbose controls the level of logging output
		Verbose bool `yaml:"verbose"`
	} `yaml:"output"`
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	cfg := &Config{}

	// Set default workflow parameters
	cfg.Workflow.Fmapless = false
	cfg.Workflow.Demean = false
	cfg.Workflow.NumWorkers = runtime.NumCPU() // Use all available cores by default

	// Set default path parameters
	cfg.Paths.WorkDir = "work"

	// Set default output parameters
	cfg.Output.Verbose = false

	return cfg
}

// LoadConfig loads configuration from a YAML file
// If the file doesn't exist, it returns the default configuration
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	// Check if config file exists
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return cfg, nil
	}

	// Read config file
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	// Parse YAML
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	return cfg, nil
}

// SaveConfig saves the configuration to a YAML file
func SaveConfig(cfg *Config, configPath string) error {
	// Create directory if it doesn't exist
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("error creating config directory: %w", err)
	}

	// Marshal config to YAML
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("error marshaling config: %w", err)
	}

	// Write to file
	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return fmt.Errorf("error writing config file: %w", err)
	}

	return nil
}
