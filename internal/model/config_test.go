package model

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"ok", func(*Config) {}, ""},
		{"layers", func(c *Config) { c.Layers = 0 }, "n_layers"},
		{"heads", func(c *Config) { c.Heads = -1 }, "n_heads"},
		{"d_mlp", func(c *Config) { c.DMLP = -1 }, "d_mlp"},
		{"vocab", func(c *Config) { c.VocabSize = 0 }, "d_vocab"},
		{"ctx", func(c *Config) { c.MaxLen = 0 }, "n_ctx"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			c := tinyConfig()
			tc.mutate(&c)
			err := c.Validate()
			if tc.want == "" {
				if err != nil {
					t.Fatal(err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("expected error mentioning %q, got %v", tc.want, err)
			}
		})
	}
	if err := Small().Validate(); err != nil {
		t.Fatalf("Small(): %v", err)
	}
}

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "model.yaml")
	body := "n_layers: 2\nn_heads: 4\nd_model: 8\nd_head: 2\nd_mlp: 0\nd_vocab: 10\nn_ctx: 16\n"
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Heads != 4 || !cfg.AttnOnly() || cfg.MaxLen != 16 {
		t.Fatalf("unexpected config %+v", cfg)
	}
}

func TestBertConfigDefaults(t *testing.T) {
	c := BertConfig{Model: BertModelName, Layers: 2, Heads: 2, HiddenSize: 8, HeadSize: 4, VocabSize: 10, MLPSize: 16, MaxLength: 32}
	c.Normalize()
	if c.Tokenizer != BertModelName {
		t.Fatalf("tokenizer default = %q", c.Tokenizer)
	}
	if c.Device != DefaultBertDevice || *c.Seed != DefaultBertSeed || *c.Dropout != DefaultBertDropout {
		t.Fatalf("unexpected defaults %+v", c)
	}
	if err := c.Validate(); err != nil {
		t.Fatal(err)
	}
	a, b := c.Rand().Int63(), c.Rand().Int63()
	if a != b {
		t.Fatal("Rand must be reproducible from the seed")
	}
}

func TestBertConfigValidate(t *testing.T) {
	base := BertBase()
	if err := base.Validate(); err != nil {
		t.Fatalf("BertBase: %v", err)
	}
	tests := []struct {
		name   string
		mutate func(*BertConfig)
		want   string
	}{
		{"model", func(c *BertConfig) { c.Model = "gpt2" }, "invalid model"},
		{"head size", func(c *BertConfig) { c.HeadSize = 128 }, "head_size"},
		{"dropout", func(c *BertConfig) { d := 1.5; c.Dropout = &d }, "dropout"},
		{"device", func(c *BertConfig) { c.Device = "tpu" }, "device"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			c := BertBase()
			tc.mutate(&c)
			if err := c.Validate(); err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("expected error mentioning %q, got %v", tc.want, err)
			}
		})
	}
}

func TestLoadBertConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bert.yaml")
	body := "model: bert-base-uncased\nlayers: 12\nheads: 12\nhidden_size: 768\nhead_size: 64\nvocab_size: 30522\nmlp_size: 3072\nmax_length: 512\nseed: 7\n"
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	c, err := LoadBertConfig(path)
	if err != nil {
		t.Fatal(err)
	}
	if *c.Seed != 7 || c.Tokenizer != BertModelName {
		t.Fatalf("unexpected config %+v", c)
	}
}
