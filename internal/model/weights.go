package model

import (
	"fmt"
	"io"

	"github.com/samcharles93/lens/internal/safetensors"
	"github.com/samcharles93/lens/internal/tensor"
)

// BlockWeights holds the parameters of one transformer block. Attention
// projections are stored per head so that head contributions can be read
// off directly.
type BlockWeights struct {
	WQ, WK, WV []tensor.Mat // per head [DModel x DHead]
	BQ, BK, BV [][]float32  // per head [DHead]
	WO         []tensor.Mat // per head [DHead x DModel]
	BO         []float32    // [DModel]

	WIn  tensor.Mat // [DModel x DMLP]
	BIn  []float32  // [DMLP]
	WOut tensor.Mat // [DMLP x DModel]
	BOut []float32  // [DModel]
}

// Weights holds every parameter of a Transformer.
type Weights struct {
	Embed    tensor.Mat // [VocabSize x DModel]
	PosEmbed tensor.Mat // [MaxLen x DModel]
	Blocks   []BlockWeights
	Unembed  tensor.Mat // [DModel x VocabSize]
	BU       []float32  // [VocabSize]
}

// NewWeights allocates zeroed weights for cfg.
func NewWeights(cfg Config) *Weights {
	w := &Weights{
		Embed:    tensor.NewMat(cfg.VocabSize, cfg.DModel),
		PosEmbed: tensor.NewMat(cfg.MaxLen, cfg.DModel),
		Blocks:   make([]BlockWeights, cfg.Layers),
		Unembed:  tensor.NewMat(cfg.DModel, cfg.VocabSize),
		BU:       make([]float32, cfg.VocabSize),
	}
	for l := range w.Blocks {
		b := &w.Blocks[l]
		b.WQ = make([]tensor.Mat, cfg.Heads)
		b.WK = make([]tensor.Mat, cfg.Heads)
		b.WV = make([]tensor.Mat, cfg.Heads)
		b.WO = make([]tensor.Mat, cfg.Heads)
		b.BQ = make([][]float32, cfg.Heads)
		b.BK = make([][]float32, cfg.Heads)
		b.BV = make([][]float32, cfg.Heads)
		for h := 0; h < cfg.Heads; h++ {
			b.WQ[h] = tensor.NewMat(cfg.DModel, cfg.DHead)
			b.WK[h] = tensor.NewMat(cfg.DModel, cfg.DHead)
			b.WV[h] = tensor.NewMat(cfg.DModel, cfg.DHead)
			b.WO[h] = tensor.NewMat(cfg.DHead, cfg.DModel)
			b.BQ[h] = make([]float32, cfg.DHead)
			b.BK[h] = make([]float32, cfg.DHead)
			b.BV[h] = make([]float32, cfg.DHead)
		}
		b.BO = make([]float32, cfg.DModel)
		if cfg.DMLP > 0 {
			b.WIn = tensor.NewMat(cfg.DModel, cfg.DMLP)
			b.BIn = make([]float32, cfg.DMLP)
			b.WOut = tensor.NewMat(cfg.DMLP, cfg.DModel)
			b.BOut = make([]float32, cfg.DModel)
		}
	}
	return w
}

// RandomWeights deterministically initialises weights for cfg from seed.
// Every matrix gets its own derived seed so that changing one dimension does
// not reshuffle the others. Biases stay zero.
func RandomWeights(cfg Config, seed int64) *Weights {
	w := NewWeights(cfg)
	// Embeddings get a wider spread so attention patterns are not uniform.
	tensor.FillRandScaled(&w.Embed, seed+11, 2)
	tensor.FillRandScaled(&w.PosEmbed, seed+13, 1)
	tensor.FillRandScaled(&w.Unembed, seed+23, 2)
	s := seed + 100
	for l := range w.Blocks {
		b := &w.Blocks[l]
		for h := range b.WQ {
			tensor.FillRandScaled(&b.WQ[h], s+1, 1)
			tensor.FillRandScaled(&b.WK[h], s+2, 1)
			tensor.FillRandScaled(&b.WV[h], s+3, 1)
			tensor.FillRandScaled(&b.WO[h], s+4, 1)
			s += 4
		}
		if cfg.DMLP > 0 {
			tensor.FillRandScaled(&b.WIn, s+1, 1)
			tensor.FillRandScaled(&b.WOut, s+2, 1)
			s += 2
		}
	}
	return w
}

// Weight tensor names used in safetensors files.
const (
	nameEmbed    = "embed.W_E"
	namePosEmbed = "pos_embed.W_pos"
	nameUnembed  = "unembed.W_U"
	nameBU       = "unembed.b_U"
)

func blockName(l int, suffix string) string {
	return fmt.Sprintf("blocks.%d.%s", l, suffix)
}

// SaveWeights writes w as an F32 safetensors stream.
func SaveWeights(wr io.Writer, cfg Config, w *Weights) error {
	var ts []safetensors.Named
	add := func(name string, data []float32, shape ...int) {
		ts = append(ts, safetensors.Named{Name: name, Shape: shape, Data: data})
	}
	add(nameEmbed, w.Embed.Data, cfg.VocabSize, cfg.DModel)
	add(namePosEmbed, w.PosEmbed.Data, cfg.MaxLen, cfg.DModel)
	for l, b := range w.Blocks {
		add(blockName(l, "attn.W_Q"), stackMats(b.WQ), cfg.Heads, cfg.DModel, cfg.DHead)
		add(blockName(l, "attn.W_K"), stackMats(b.WK), cfg.Heads, cfg.DModel, cfg.DHead)
		add(blockName(l, "attn.W_V"), stackMats(b.WV), cfg.Heads, cfg.DModel, cfg.DHead)
		add(blockName(l, "attn.W_O"), stackMats(b.WO), cfg.Heads, cfg.DHead, cfg.DModel)
		add(blockName(l, "attn.b_Q"), stackVecs(b.BQ), cfg.Heads, cfg.DHead)
		add(blockName(l, "attn.b_K"), stackVecs(b.BK), cfg.Heads, cfg.DHead)
		add(blockName(l, "attn.b_V"), stackVecs(b.BV), cfg.Heads, cfg.DHead)
		add(blockName(l, "attn.b_O"), b.BO, cfg.DModel)
		if cfg.DMLP > 0 {
			add(blockName(l, "mlp.W_in"), b.WIn.Data, cfg.DModel, cfg.DMLP)
			add(blockName(l, "mlp.b_in"), b.BIn, cfg.DMLP)
			add(blockName(l, "mlp.W_out"), b.WOut.Data, cfg.DMLP, cfg.DModel)
			add(blockName(l, "mlp.b_out"), b.BOut, cfg.DModel)
		}
	}
	add(nameUnembed, w.Unembed.Data, cfg.DModel, cfg.VocabSize)
	add(nameBU, w.BU, cfg.VocabSize)
	return safetensors.Write(wr, ts, map[string]string{"format": "lens"})
}

// LoadWeights reads weights for cfg from a safetensors file.
func LoadWeights(path string, cfg Config) (*Weights, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	st, err := safetensors.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open weights: %w", err)
	}
	w := NewWeights(cfg)
	load := func(dst []float32, name string, shape ...int) error {
		t, err := st.Float32(name)
		if err != nil {
			return err
		}
		if !tensor.ShapeEqual(t.Shape, shape) {
			return fmt.Errorf("tensor %s: %w: want %v, got %v", name, tensor.ErrShapeMismatch, shape, t.Shape)
		}
		copy(dst, t.Data)
		return nil
	}
	if err := load(w.Embed.Data, nameEmbed, cfg.VocabSize, cfg.DModel); err != nil {
		return nil, err
	}
	if err := load(w.PosEmbed.Data, namePosEmbed, cfg.MaxLen, cfg.DModel); err != nil {
		return nil, err
	}
	for l := range w.Blocks {
		b := &w.Blocks[l]
		qkv := []struct {
			mats  []tensor.Mat
			vecs  [][]float32
			wName string
			bName string
		}{
			{b.WQ, b.BQ, "attn.W_Q", "attn.b_Q"},
			{b.WK, b.BK, "attn.W_K", "attn.b_K"},
			{b.WV, b.BV, "attn.W_V", "attn.b_V"},
		}
		for _, p := range qkv {
			buf := make([]float32, cfg.Heads*cfg.DModel*cfg.DHead)
			if err := load(buf, blockName(l, p.wName), cfg.Heads, cfg.DModel, cfg.DHead); err != nil {
				return nil, err
			}
			unstackMats(p.mats, buf)
			bbuf := make([]float32, cfg.Heads*cfg.DHead)
			if err := load(bbuf, blockName(l, p.bName), cfg.Heads, cfg.DHead); err != nil {
				return nil, err
			}
			unstackVecs(p.vecs, bbuf)
		}
		buf := make([]float32, cfg.Heads*cfg.DHead*cfg.DModel)
		if err := load(buf, blockName(l, "attn.W_O"), cfg.Heads, cfg.DHead, cfg.DModel); err != nil {
			return nil, err
		}
		unstackMats(b.WO, buf)
		if err := load(b.BO, blockName(l, "attn.b_O"), cfg.DModel); err != nil {
			return nil, err
		}
		if cfg.DMLP > 0 {
			if err := load(b.WIn.Data, blockName(l, "mlp.W_in"), cfg.DModel, cfg.DMLP); err != nil {
				return nil, err
			}
			if err := load(b.BIn, blockName(l, "mlp.b_in"), cfg.DMLP); err != nil {
				return nil, err
			}
			if err := load(b.WOut.Data, blockName(l, "mlp.W_out"), cfg.DMLP, cfg.DModel); err != nil {
				return nil, err
			}
			if err := load(b.BOut, blockName(l, "mlp.b_out"), cfg.DModel); err != nil {
				return nil, err
			}
		}
	}
	if err := load(w.Unembed.Data, nameUnembed, cfg.DModel, cfg.VocabSize); err != nil {
		return nil, err
	}
	if err := load(w.BU, nameBU, cfg.VocabSize); err != nil {
		return nil, err
	}
	return w, nil
}

func stackMats(ms []tensor.Mat) []float32 {
	var out []float32
	for i := range ms {
		out = append(out, ms[i].Data...)
	}
	return out
}

func stackVecs(vs [][]float32) []float32 {
	var out []float32
	for _, v := range vs {
		out = append(out, v...)
	}
	return out
}

func unstackMats(ms []tensor.Mat, buf []float32) {
	off := 0
	for i := range ms {
		n := len(ms[i].Data)
		copy(ms[i].Data, buf[off:off+n])
		off += n
	}
}

func unstackVecs(vs [][]float32, buf []float32) {
	off := 0
	for _, v := range vs {
		copy(v, buf[off:off+len(v)])
		off += len(v)
	}
}
