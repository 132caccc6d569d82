package model

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config describes the shape of a Transformer.
type Config struct {
	Layers    int `yaml:"n_layers"`
	Heads     int `yaml:"n_heads"`
	DModel    int `yaml:"d_model"`
	DHead     int `yaml:"d_head"`
	DMLP      int `yaml:"d_mlp"` // 0 builds an attention-only model
	VocabSize int `yaml:"d_vocab"`
	MaxLen    int `yaml:"n_ctx"`
}

// AttnOnly reports whether the model has no MLP sublayers.
func (c Config) AttnOnly() bool {
	return c.DMLP == 0
}

func (c Config) Validate() error {
	if c.Layers <= 0 {
		return fmt.Errorf("invalid n_layers: %d (must be positive)", c.Layers)
	}
	if c.Heads <= 0 {
		return fmt.Errorf("invalid n_heads: %d (must be positive)", c.Heads)
	}
	if c.DModel <= 0 {
		return fmt.Errorf("invalid d_model: %d (must be positive)", c.DModel)
	}
	if c.DHead <= 0 {
		return fmt.Errorf("invalid d_head: %d (must be positive)", c.DHead)
	}
	if c.DMLP < 0 {
		return fmt.Errorf("invalid d_mlp: %d (must be non-negative)", c.DMLP)
	}
	if c.VocabSize <= 0 {
		return fmt.Errorf("invalid d_vocab: %d (must be positive)", c.VocabSize)
	}
	if c.MaxLen <= 0 {
		return fmt.Errorf("invalid n_ctx: %d (must be positive)", c.MaxLen)
	}
	return nil
}

// LoadConfig reads a YAML model config.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read model config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse model config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Small returns a GPT-2 small shaped config (12 layers, 12 heads). Weights
// for it are random unless loaded from a file.
func Small() Config {
	return Config{
		Layers:    12,
		Heads:     12,
		DModel:    768,
		DHead:     64,
		DMLP:      3072,
		VocabSize: 50257,
		MaxLen:    1024,
	}
}
