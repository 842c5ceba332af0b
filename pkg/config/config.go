// Package config provides configuration loading and management for
// fmriqc. It handles loading configuration from YAML files and provides
// default values matching the upstream pipeline's conventions.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the application configuration loaded from YAML.
type Config struct {
	// Template parameters
	Template struct {
		// Space is the template space identifier used for queries and
		// output naming.
		Space string `yaml:"space"`

		// BrainFile is the template brain image filename inside the
		// mask directory, used as the resampling reference.
		BrainFile string `yaml:"brainFile"`

		// MaskFile is the template brain mask filename inside the
		// mask directory.
		MaskFile string `yaml:"maskFile"`

		// Res is the template resolution tag queried for in the
		// precomputed-mask variant.
		Res string `yaml:"res"`
	} `yaml:"template"`

	// Tools parameters
	Tools struct {
		// AntsBinary is the transform-application executable.
		AntsBinary string `yaml:"antsBinary"`

		// SkullstripBinary is the brain-extraction executable; leave
		// empty to always use the threshold fallback mask.
		SkullstripBinary string `yaml:"skullstripBinary"`

		// TimeoutMinutes bounds each external tool invocation.
		TimeoutMinutes int `yaml:"timeoutMinutes"`
	} `yaml:"tools"`

	// Flagging thresholds
	Flags struct {
		// MinDice is the dice score below which a run is flagged.
		MinDice float64 `yaml:"minDice"`

		// MaxVoxOutMask is the out-of-mask percentage above which a
		// run is flagged.
		MaxVoxOutMask float64 `yaml:"maxVoxOutMask"`
	} `yaml:"flags"`

	// Processing parameters
	Processing struct {
		// Workers is the number of runs processed concurrently.
		Workers int `yaml:"workers"`
	} `yaml:"processing"`
}

// DefaultConfig returns a configuration with default values.
func DefaultConfig() *Config {
	cfg := &Config{}

	// Template defaults match the MNI152NLin2009cAsym 2mm release the
	// upstream pipeline registers against.
	cfg.Template.Space = "MNI152NLin2009cAsym"
	cfg.Template.BrainFile = "tpl-MNI152NLin2009cAsym_res-02_desc-brain_T1w.nii.gz"
	cfg.Template.MaskFile = "tpl-MNI152NLin2009cAsym_res-02_desc-brain_mask.nii.gz"
	cfg.Template.Res = "2"

	cfg.Tools.AntsBinary = "antsApplyTransforms"
	cfg.Tools.SkullstripBinary = ""
	cfg.Tools.TimeoutMinutes = 15

	cfg.Flags.MinDice = 0.80
	cfg.Flags.MaxVoxOutMask = 20

	cfg.Processing.Workers = runtime.NumCPU()

	return cfg
}

// Timeout returns the configured external-tool timeout as a duration.
func (c *Config) Timeout() time.Duration {
	return time.Duration(c.Tools.TimeoutMinutes) * time.Minute
}

// LoadConfig loads configuration from a YAML file.
// If the file doesn't exist, it returns the default configuration.
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return cfg, nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	return cfg, nil
}

// SaveConfig saves the configuration to a YAML file.
func SaveConfig(cfg *Config, configPath string) error {
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("error creating config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("error marshaling config: %w", err)
	}

	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return fmt.Errorf("error writing config file: %w", err)
	}

	return nil
}
