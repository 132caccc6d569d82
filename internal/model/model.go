// Package model defines the boundary the interpretability engine drives and a
// small GPT-style reference transformer that exposes named hook points at
// every interesting site of its forward pass.
package model

import (
	"context"

	"github.com/samcharles93/lens/internal/hook"
	"github.com/samcharles93/lens/internal/tensor"
)

// Model is a hooked language model. Forward runs one batched pass over
// pre-tokenised sequences and returns logits shaped [batch, pos, vocab];
// sequences shorter than the longest one are right padded. Every hook point
// the model fires is reachable through Hooks by name.
type Model interface {
	Forward(ctx context.Context, tokens [][]int) (*tensor.Tensor, error)
	Hooks() *hook.Registry
	Config() Config
}

// ResetHooks removes every callback installed on m. It is safe to call before
// each independent experiment.
func ResetHooks(m Model) {
	m.Hooks().Reset()
}
