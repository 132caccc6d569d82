package main

import (
	"os"
	"path/filepath"

	"github.com/urfave/cli/v3"
	"gopkg.in/yaml.v3"
)

// Config represents the lens configuration file (~/.config/lens/config.yaml).
// Pointer fields distinguish "not set" from zero values.
type Config struct {
	LogLevel    string `yaml:"log_level"`
	LogFormat   string `yaml:"log_format"`
	MetricsFile string `yaml:"metrics_file"`

	// Experiment defaults
	Replicas  *int64 `yaml:"replicas"`
	OutputDir string `yaml:"output_dir"`
}

var userCfg Config

func configPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "lens", "config.yaml")
}

// applyGlobalConfig applies config file defaults to the global flags when
// they were not set on the command line.
func applyGlobalConfig(c *cli.Command, cfg Config) {
	if cfg.LogLevel != "" && !c.IsSet("log-level") {
		logLevel = cfg.LogLevel
	}
	if cfg.LogFormat != "" && !c.IsSet("log-format") {
		logFormat = cfg.LogFormat
	}
	if cfg.MetricsFile != "" && !c.IsSet("metrics-file") {
		metricsFile = cfg.MetricsFile
	}
}

// applyExperimentConfig applies config file defaults to the experiment
// flags of a command.
func applyExperimentConfig(c *cli.Command, cfg Config) {
	if cfg.Replicas != nil && !c.IsSet("replicas") {
		replicas = *cfg.Replicas
	}
	if cfg.OutputDir != "" && !c.IsSet("output-dir") {
		outputDir = cfg.OutputDir
	}
}

// LoadConfig reads the config file. Returns a zero Config if the file doesn't exist.
func LoadConfig() Config {
	path := configPath()
	if path == "" {
		return Config{}
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}
	}
	return cfg
}
