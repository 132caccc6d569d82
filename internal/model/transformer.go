package model

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/samcharles93/lens/internal/hook"
	"github.com/samcharles93/lens/internal/tensor"
)

var (
	// ErrEmptyBatch is returned when Forward receives no sequences or an
	// empty sequence.
	ErrEmptyBatch = errors.New("empty batch")
	// ErrTokenRange is returned for token ids outside the vocabulary.
	ErrTokenRange = errors.New("token id out of range")
	// ErrTooLong is returned when a sequence exceeds the context length.
	ErrTooLong = errors.New("sequence exceeds context length")
)

// PadToken fills the tail of sequences shorter than the longest one in a
// batch. Causal attention means padding never influences earlier positions.
const PadToken = 0

type blockHooks struct {
	residPre, q, k, v, pattern, z, result, attnOut, residMid, mlpOut, residPost *hook.Point
}

// Transformer is a GPT-style decoder: token and learned position embeddings,
// blocks of multi-head causal attention (optionally followed by a GELU MLP),
// and an unembedding. There is no layer norm, which keeps every head's
// contribution to the residual stream strictly additive.
type Transformer struct {
	cfg Config
	w   *Weights

	hooks    *hook.Registry
	embed    *hook.Point
	posEmbed *hook.Point
	blocks   []blockHooks
}

// NewTransformer builds a model around w and registers its hook points.
func NewTransformer(cfg Config, w *Weights) (*Transformer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if w == nil {
		return nil, fmt.Errorf("nil weights")
	}
	if len(w.Blocks) != cfg.Layers {
		return nil, fmt.Errorf("weights have %d blocks, config wants %d", len(w.Blocks), cfg.Layers)
	}
	reg := hook.NewRegistry()
	m := &Transformer{
		cfg:      cfg,
		w:        w,
		hooks:    reg,
		embed:    reg.MustRegister(HookEmbed),
		posEmbed: reg.MustRegister(HookPosEmbed),
		blocks:   make([]blockHooks, cfg.Layers),
	}
	for l := range m.blocks {
		b := &m.blocks[l]
		b.residPre = reg.MustRegister(ActName(ActResidPre, l))
		b.q = reg.MustRegister(ActName(ActQ, l))
		b.k = reg.MustRegister(ActName(ActK, l))
		b.v = reg.MustRegister(ActName(ActV, l))
		b.pattern = reg.MustRegister(ActName(ActPattern, l))
		b.z = reg.MustRegister(ActName(ActZ, l))
		b.result = reg.MustRegister(ActName(ActResult, l))
		b.attnOut = reg.MustRegister(ActName(ActAttnOut, l))
		b.residMid = reg.MustRegister(ActName(ActResidMid, l))
		if !cfg.AttnOnly() {
			b.mlpOut = reg.MustRegister(ActName(ActMLPOut, l))
		}
		b.residPost = reg.MustRegister(ActName(ActResidPost, l))
	}
	return m, nil
}

// NewRandomTransformer is NewTransformer with RandomWeights.
func NewRandomTransformer(cfg Config, seed int64) (*Transformer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return NewTransformer(cfg, RandomWeights(cfg, seed))
}

// Replica returns an independent model sharing the (read-only) weights of m
// but owning a fresh hook registry.
func (m *Transformer) Replica() (*Transformer, error) {
	return NewTransformer(m.cfg, m.w)
}

func (m *Transformer) Config() Config        { return m.cfg }
func (m *Transformer) Hooks() *hook.Registry { return m.hooks }
func (m *Transformer) Weights() *Weights     { return m.w }

// fire runs v through p and checks that callbacks preserved its shape.
func fire(p *hook.Point, v *tensor.Tensor) (*tensor.Tensor, error) {
	out, err := p.Forward(v)
	if err != nil {
		return nil, err
	}
	if err := tensor.CheckShape(v.Shape, out.Shape); err != nil {
		return nil, fmt.Errorf("hook %s: %w", p.Name(), err)
	}
	return out, nil
}

func (m *Transformer) checkTokens(tokens [][]int) (int, error) {
	if len(tokens) == 0 {
		return 0, ErrEmptyBatch
	}
	maxLen := 0
	for i, seq := range tokens {
		if len(seq) == 0 {
			return 0, fmt.Errorf("sequence %d: %w", i, ErrEmptyBatch)
		}
		if len(seq) > m.cfg.MaxLen {
			return 0, fmt.Errorf("sequence %d has %d tokens, n_ctx %d: %w", i, len(seq), m.cfg.MaxLen, ErrTooLong)
		}
		for j, tok := range seq {
			if tok < 0 || tok >= m.cfg.VocabSize {
				return 0, fmt.Errorf("sequence %d position %d: token %d: %w", i, j, tok, ErrTokenRange)
			}
		}
		maxLen = max(maxLen, len(seq))
	}
	return maxLen, nil
}

// Forward runs the batch through the model, firing every hook point in the
// order the points were registered. A pass is not interruptible once
// started; ctx is only consulted before the first layer.
func (m *Transformer) Forward(ctx context.Context, tokens [][]int) (*tensor.Tensor, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	T, err := m.checkTokens(tokens)
	if err != nil {
		return nil, err
	}
	B := len(tokens)
	D := m.cfg.DModel

	embed := tensor.New(B, T, D)
	pos := tensor.New(B, T, D)
	for b, seq := range tokens {
		for t := 0; t < T; t++ {
			tok := PadToken
			if t < len(seq) {
				tok = seq[t]
			}
			copy(embed.Sub(b, t), m.w.Embed.Row(tok))
			copy(pos.Sub(b, t), m.w.PosEmbed.Row(t))
		}
	}
	if embed, err = fire(m.embed, embed); err != nil {
		return nil, err
	}
	if pos, err = fire(m.posEmbed, pos); err != nil {
		return nil, err
	}
	resid := embed.Clone()
	tensor.Add(resid.Data, pos.Data)

	for l := range m.blocks {
		if resid, err = m.block(l, resid); err != nil {
			return nil, err
		}
	}

	V := m.cfg.VocabSize
	logits := tensor.New(B, T, V)
	for b := 0; b < B; b++ {
		for t := 0; t < T; t++ {
			dst := logits.Sub(b, t)
			tensor.MatVec(dst, &m.w.Unembed, resid.Sub(b, t))
			tensor.Add(dst, m.w.BU)
		}
	}
	return logits, nil
}

func (m *Transformer) block(l int, resid *tensor.Tensor) (*tensor.Tensor, error) {
	hp := &m.blocks[l]
	w := &m.w.Blocks[l]
	B, T := resid.Shape[0], resid.Shape[1]
	H, Dh, D := m.cfg.Heads, m.cfg.DHead, m.cfg.DModel

	resid, err := fire(hp.residPre, resid)
	if err != nil {
		return nil, err
	}

	q := tensor.New(B, T, H, Dh)
	k := tensor.New(B, T, H, Dh)
	v := tensor.New(B, T, H, Dh)
	for b := 0; b < B; b++ {
		for t := 0; t < T; t++ {
			x := resid.Sub(b, t)
			for h := 0; h < H; h++ {
				project(q.Sub(b, t, h), &w.WQ[h], w.BQ[h], x)
				project(k.Sub(b, t, h), &w.WK[h], w.BK[h], x)
				project(v.Sub(b, t, h), &w.WV[h], w.BV[h], x)
			}
		}
	}
	if q, err = fire(hp.q, q); err != nil {
		return nil, err
	}
	if k, err = fire(hp.k, k); err != nil {
		return nil, err
	}
	if v, err = fire(hp.v, v); err != nil {
		return nil, err
	}

	scale := float32(1.0 / math.Sqrt(float64(Dh)))
	pattern := tensor.New(B, H, T, T)
	for b := 0; b < B; b++ {
		for h := 0; h < H; h++ {
			for i := 0; i < T; i++ {
				row := pattern.Sub(b, h, i)
				qi := q.Sub(b, i, h)
				for j := 0; j <= i; j++ {
					row[j] = tensor.Dot(qi, k.Sub(b, j, h)) * scale
				}
				tensor.Softmax(row[:i+1])
			}
		}
	}
	if pattern, err = fire(hp.pattern, pattern); err != nil {
		return nil, err
	}

	z := tensor.New(B, T, H, Dh)
	for b := 0; b < B; b++ {
		for h := 0; h < H; h++ {
			for i := 0; i < T; i++ {
				dst := z.Sub(b, i, h)
				row := pattern.Sub(b, h, i)
				for j := 0; j <= i; j++ {
					tensor.Axpy(dst, row[j], v.Sub(b, j, h))
				}
			}
		}
	}
	if z, err = fire(hp.z, z); err != nil {
		return nil, err
	}

	result := tensor.New(B, T, H, D)
	for b := 0; b < B; b++ {
		for t := 0; t < T; t++ {
			for h := 0; h < H; h++ {
				tensor.MatVec(result.Sub(b, t, h), &w.WO[h], z.Sub(b, t, h))
			}
		}
	}
	if result, err = fire(hp.result, result); err != nil {
		return nil, err
	}

	attnOut := tensor.New(B, T, D)
	for b := 0; b < B; b++ {
		for t := 0; t < T; t++ {
			dst := attnOut.Sub(b, t)
			for h := 0; h < H; h++ {
				tensor.Add(dst, result.Sub(b, t, h))
			}
			tensor.Add(dst, w.BO)
		}
	}
	if attnOut, err = fire(hp.attnOut, attnOut); err != nil {
		return nil, err
	}

	mid := resid.Clone()
	tensor.Add(mid.Data, attnOut.Data)
	if mid, err = fire(hp.residMid, mid); err != nil {
		return nil, err
	}

	post := mid.Clone()
	if !m.cfg.AttnOnly() {
		mlpOut, err := m.mlp(w, mid)
		if err != nil {
			return nil, err
		}
		if mlpOut, err = fire(hp.mlpOut, mlpOut); err != nil {
			return nil, err
		}
		tensor.Add(post.Data, mlpOut.Data)
	}
	return fire(hp.residPost, post)
}

func (m *Transformer) mlp(w *BlockWeights, x *tensor.Tensor) (*tensor.Tensor, error) {
	B, T := x.Shape[0], x.Shape[1]
	out := tensor.New(B, T, m.cfg.DModel)
	hidden := make([]float32, m.cfg.DMLP)
	for b := 0; b < B; b++ {
		for t := 0; t < T; t++ {
			project(hidden, &w.WIn, w.BIn, x.Sub(b, t))
			for i, hv := range hidden {
				hidden[i] = tensor.GeluNew(hv)
			}
			project(out.Sub(b, t), &w.WOut, w.BOut, hidden)
		}
	}
	return out, nil
}

// project computes dst = x·W + bias.
func project(dst []float32, w *tensor.Mat, bias, x []float32) {
	tensor.MatVec(dst, w, x)
	tensor.Add(dst, bias)
}
