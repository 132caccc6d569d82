package model

import (
	"fmt"
	"math/rand"
	"os"

	"gopkg.in/yaml.v3"
)

// BertModelName lists the encoder checkpoints BertConfig accepts.
const BertModelName = "bert-base-uncased"

// BertConfig describes a BERT-style encoder variant. It is carried alongside
// the decoder config so that experiment files can describe either family;
// the engine itself only drives decoders.
type BertConfig struct {
	Model string `yaml:"model"`

	Layers     int `yaml:"layers"`
	Heads      int `yaml:"heads"`
	HiddenSize int `yaml:"hidden_size"`
	// HeadSize may equal HiddenSize/Heads or be smaller so heads can be
	// evaluated in parallel.
	HeadSize int `yaml:"head_size"`

	VocabSize int `yaml:"vocab_size"`
	MLPSize   int `yaml:"mlp_size"`
	MaxLength int `yaml:"max_length"`

	Dropout   *float64 `yaml:"dropout"`
	Device    string   `yaml:"device"`
	Tokenizer string   `yaml:"tokenizer"`
	Seed      *int64   `yaml:"seed"`
}

// Defaults for unset BertConfig fields.
const (
	DefaultBertDropout = 0.1
	DefaultBertSeed    = int64(42)
	DefaultBertDevice  = "cpu"
)

// Normalize fills unset optional fields: the tokenizer defaults to the model
// name, the device to cpu, dropout to 0.1 and the seed to 42.
func (c *BertConfig) Normalize() {
	if c.Dropout == nil {
		d := DefaultBertDropout
		c.Dropout = &d
	}
	if c.Device == "" {
		c.Device = DefaultBertDevice
	}
	if c.Tokenizer == "" {
		c.Tokenizer = c.Model
	}
	if c.Seed == nil {
		s := DefaultBertSeed
		c.Seed = &s
	}
}

func (c *BertConfig) Validate() error {
	if c.Model != BertModelName {
		return fmt.Errorf("invalid model: %q (supported: %s)", c.Model, BertModelName)
	}
	if c.Tokenizer != "" && c.Tokenizer != BertModelName {
		return fmt.Errorf("invalid tokenizer: %q (supported: %s)", c.Tokenizer, BertModelName)
	}
	if c.Layers <= 0 {
		return fmt.Errorf("invalid layers: %d (must be positive)", c.Layers)
	}
	if c.Heads <= 0 {
		return fmt.Errorf("invalid heads: %d (must be positive)", c.Heads)
	}
	if c.HiddenSize <= 0 {
		return fmt.Errorf("invalid hidden_size: %d (must be positive)", c.HiddenSize)
	}
	if c.HeadSize <= 0 || c.HeadSize*c.Heads > c.HiddenSize {
		return fmt.Errorf("invalid head_size: %d (must be positive and heads*head_size <= hidden_size %d)", c.HeadSize, c.HiddenSize)
	}
	if c.VocabSize <= 0 {
		return fmt.Errorf("invalid vocab_size: %d (must be positive)", c.VocabSize)
	}
	if c.MLPSize <= 0 {
		return fmt.Errorf("invalid mlp_size: %d (must be positive)", c.MLPSize)
	}
	if c.MaxLength <= 0 {
		return fmt.Errorf("invalid max_length: %d (must be positive)", c.MaxLength)
	}
	if c.Dropout != nil && (*c.Dropout < 0 || *c.Dropout >= 1) {
		return fmt.Errorf("invalid dropout: %f (must be in [0, 1))", *c.Dropout)
	}
	switch c.Device {
	case "", "cpu", "cuda":
	default:
		return fmt.Errorf("invalid device: %q (cpu, cuda)", c.Device)
	}
	return nil
}

// Rand returns a generator seeded from the config. Every component that
// needs randomness for this model should draw from it.
func (c *BertConfig) Rand() *rand.Rand {
	seed := DefaultBertSeed
	if c.Seed != nil {
		seed = *c.Seed
	}
	return rand.New(rand.NewSource(seed))
}

// BertBase returns the bert-base-uncased shape with defaults applied.
func BertBase() BertConfig {
	c := BertConfig{
		Model:      BertModelName,
		Layers:     12,
		Heads:      12,
		HiddenSize: 768,
		HeadSize:   64,
		VocabSize:  30522,
		MLPSize:    3072,
		MaxLength:  512,
	}
	c.Normalize()
	return c
}

// LoadBertConfig reads, normalizes and validates a YAML encoder config.
func LoadBertConfig(path string) (BertConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return BertConfig{}, fmt.Errorf("read bert config: %w", err)
	}
	var cfg BertConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return BertConfig{}, fmt.Errorf("parse bert config %s: %w", path, err)
	}
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return BertConfig{}, err
	}
	return cfg, nil
}
