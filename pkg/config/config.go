// Package config provides configuration loading and management for
// hover-net. It handles loading configuration from YAML files and
// provides default values.
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
	// Processing parameters
	Processing struct {
		// ProcMag is the magnification the slide is processed at
		ProcMag float64 `yaml:"procMag"`

		// ChunkSize is the requested chunk input size in pixels; the
		// effective size is rounded to align with the patch grid
		ChunkSize int `yaml:"chunkSize"`

		// TileSize is the post-processing tile size in pixels
		TileSize int `yaml:"tileSize"`

		// AmbiguousSize is the width of the band around tile seams
		// where instances may be split
		AmbiguousSize int `yaml:"ambiguousSize"`

		// PatchInputSize is the model input patch size in pixels
		PatchInputSize int `yaml:"patchInputSize"`

		// PatchOutputSize is the model output patch size in pixels
		PatchOutputSize int `yaml:"patchOutputSize"`

		// BatchSize is the number of patches per inference batch
		BatchSize int `yaml:"batchSize"`

		// PostProcWorkers is the number of post-processing workers;
		// zero or less processes tiles on the calling goroutine
		PostProcWorkers int `yaml:"postProcWorkers"`

		// TypeCount is the number of nucleus type classes; zero
		// disables type prediction
		TypeCount int `yaml:"typeCount"`
	} `yaml:"processing"`

	// Output parameters
	Output struct {
		// SaveThumbnail determines whether to save a slide thumbnail
		SaveThumbnail bool `yaml:"saveThumbnail"`

		// SaveMask determines whether to save the tissue mask
		SaveMask bool `yaml:"saveMask"`

		// Verbose controls the level of logging output
		Verbose bool `yaml:"verbose"`
	} `yaml:"output"`

	// Cache parameters
	Cache struct {
		// Dir is the directory for the intermediate prediction and
		// instance map buffers; empty uses a per-run temp directory
		Dir string `yaml:"dir"`
	} `yaml:"cache"`
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	cfg := &Config{}

	// Set default processing parameters
	cfg.Processing.ProcMag = 40.0
	cfg.Processing.ChunkSize = 1024
	cfg.Processing.TileSize = 256
	cfg.Processing.AmbiguousSize = 128
	cfg.Processing.PatchInputSize = 256
	cfg.Processing.PatchOutputSize = 164
	cfg.Processing.BatchSize = 8
	cfg.Processing.PostProcWorkers = runtime.NumCPU()
	cfg.Processing.TypeCount = 0

	// Set default output parameters
	cfg.Output.SaveThumbnail = true
	cfg.Output.SaveMask = true
	cfg.Output.Verbose = true

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

// CreateDefaultConfigFile creates a default configuration file at the specified path
func CreateDefaultConfigFile(configPath string) error {
	cfg := DefaultConfig()
	return SaveConfig(cfg, configPath)
}
