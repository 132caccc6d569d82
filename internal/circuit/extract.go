package circuit

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/samcharles93/lens/internal/activation"
	"github.com/samcharles93/lens/internal/dataset"
	"github.com/samcharles93/lens/internal/hook"
	"github.com/samcharles93/lens/internal/logger"
	"github.com/samcharles93/lens/internal/metrics"
	"github.com/samcharles93/lens/internal/model"
	"github.com/samcharles93/lens/internal/tensor"
)

// Mode selects what an ablated component is replaced with.
type Mode int

const (
	// Zero removes the component's contribution.
	Zero Mode = iota
	// Mean replaces it with its mean over every token of the dataset.
	Mean
)

func (m Mode) String() string {
	if m == Mean {
		return "mean"
	}
	return "zero"
}

// ParseMode parses "zero" or "mean".
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(s) {
	case "", "zero":
		return Zero, nil
	case "mean":
		return Mean, nil
	}
	return 0, fmt.Errorf("unknown ablation mode %q (zero, mean)", s)
}

// DefaultTag marks the hooks Extract installs when Options.Tag is empty.
const DefaultTag = "circuit"

// Options tune Extract.
type Options struct {
	Mode Mode
	// Tag identifies the installed hooks. A later Extract with the same tag
	// replaces them.
	Tag string
	// Positions restricts kept heads to the given roles of the dataset;
	// they are ablated at every other position. Heads without an entry are
	// kept everywhere.
	Positions map[HeadID][]string
	Log       logger.Logger
}

// Record describes an installed ablation.
type Record struct {
	Tag     string   `json:"tag"`
	Mode    string   `json:"mode"`
	Kept    []HeadID `json:"kept"`
	Ablated []HeadID `json:"ablated"`
	MLPs    []int    `json:"mlps_removed,omitempty"`
	Hooks   []string `json:"hooks"`
}

// Extract ablates every head not in keep, and the MLPs of the listed layers,
// for all later forward passes on m until Release or a registry reset.
// Ablated heads have their result replaced at every position. Calling Extract
// again with the same tag first removes the earlier ablation, so repeated
// calls never compound; a call that fails leaves the earlier ablation in
// place. ds is required for Mean mode and for restricted
// positions; the means are taken from a clean pass over it.
func Extract(ctx context.Context, m model.Model, keep []HeadID, mlpsToRemove []int, ds *dataset.Dataset, opts Options) (rec *Record, err error) {
	start := time.Now()
	defer func() { metrics.RecordPhase(metrics.PhaseAblation, time.Since(start), err) }()

	cfg := m.Config()
	log := opts.Log
	if log == nil {
		log = logger.Nop()
	}
	tag := opts.Tag
	if tag == "" {
		tag = DefaultTag
	}
	for _, h := range keep {
		if h.Layer < 0 || h.Layer >= cfg.Layers || h.Head < 0 || h.Head >= cfg.Heads {
			return nil, fmt.Errorf("keep head %v outside %d layers x %d heads", h, cfg.Layers, cfg.Heads)
		}
	}
	mlps := slices.Clone(mlpsToRemove)
	slices.Sort(mlps)
	mlps = slices.Compact(mlps)
	for _, l := range mlps {
		if l < 0 || l >= cfg.Layers {
			return nil, fmt.Errorf("mlp layer %d outside %d layers", l, cfg.Layers)
		}
		if cfg.AttnOnly() {
			return nil, fmt.Errorf("mlp layer %d: model has no mlps", l)
		}
	}
	if (opts.Mode == Mean || len(opts.Positions) > 0) && ds == nil {
		return nil, fmt.Errorf("%v ablation with restricted positions or means needs a dataset", opts.Mode)
	}

	// The earlier ablation under tag comes off before the mean pass and
	// goes back if anything below fails.
	reg := m.Hooks()
	replaced, restore := reg.DetachTag(tag)
	defer func() {
		if err != nil {
			reg.RemoveTag(tag)
			restore()
		}
	}()

	mask := Mask(cfg.Layers, cfg.Heads, keep)
	keepPos := map[HeadID][][]int{}
	for h, roles := range opts.Positions {
		if !mask[h.Layer][h.Head] || len(roles) == 0 {
			continue
		}
		pos, err := rolePositions(ds, roles)
		if err != nil {
			return nil, fmt.Errorf("kept head %v: %w", h, err)
		}
		keepPos[h] = pos
	}

	rec = &Record{Tag: tag, Mode: opts.Mode.String(), MLPs: mlps}
	var layers []int
	for l := 0; l < cfg.Layers; l++ {
		touched := false
		for h := 0; h < cfg.Heads; h++ {
			id := HeadID{l, h}
			switch {
			case !mask[l][h]:
				rec.Ablated = append(rec.Ablated, id)
				touched = true
			default:
				rec.Kept = append(rec.Kept, id)
				if _, partial := keepPos[id]; partial {
					touched = true
				}
			}
		}
		if touched {
			layers = append(layers, l)
		}
	}

	var means *activation.Cache
	if opts.Mode == Mean {
		var names []string
		for _, l := range layers {
			names = append(names, model.ActName(model.ActResult, l))
		}
		for _, l := range mlps {
			names = append(names, model.ActName(model.ActMLPOut, l))
		}
		if means, err = meanCache(ctx, m, names, ds); err != nil {
			return nil, err
		}
	}

	for _, l := range layers {
		name := model.ActName(model.ActResult, l)
		a := &headAblation{layer: l, mask: mask[l], keepPos: keepPos}
		if means != nil {
			a.mean, _ = means.Get(name)
		}
		if _, err := reg.AddTagged(name, tag, a.hookFunc()); err != nil {
			return nil, err
		}
		rec.Hooks = append(rec.Hooks, name)
	}
	for _, l := range mlps {
		name := model.ActName(model.ActMLPOut, l)
		var mean *tensor.Tensor
		if means != nil {
			mean, _ = means.Get(name)
		}
		if _, err := reg.AddTagged(name, tag, replaceAll(mean)); err != nil {
			return nil, err
		}
		rec.Hooks = append(rec.Hooks, name)
	}
	if replaced > 0 {
		log.Debug("replaced earlier ablation", "tag", tag, "hooks", replaced)
	}
	log.Info("circuit extracted", "tag", tag, "mode", rec.Mode, "kept", len(rec.Kept), "ablated", len(rec.Ablated), "mlps", len(mlps))
	return rec, nil
}

// Release removes the ablation installed under tag and returns the number
// of hooks removed.
func Release(m model.Model, tag string) int {
	if tag == "" {
		tag = DefaultTag
	}
	return m.Hooks().RemoveTag(tag)
}

func rolePositions(ds *dataset.Dataset, roles []string) ([][]int, error) {
	out := make([][]int, ds.N())
	for _, r := range roles {
		idx, err := ds.Positions(r)
		if err != nil {
			return nil, err
		}
		if len(idx) != len(out) {
			return nil, fmt.Errorf("role %s has %d positions for %d prompts", r, len(idx), len(out))
		}
		for b := range out {
			out[b] = append(out[b], idx[b])
		}
	}
	return out, nil
}

// meanCache captures names over ds and reduces each to its token mean.
func meanCache(ctx context.Context, m model.Model, names []string, ds *dataset.Dataset) (*activation.Cache, error) {
	out := activation.NewCache()
	if len(names) == 0 {
		return out, nil
	}
	cache, _, err := activation.Capture(ctx, m, activation.Names(names...), ds.Tokens)
	if err != nil {
		return nil, fmt.Errorf("mean activations: %w", err)
	}
	for _, n := range names {
		v, _ := cache.Get(n)
		mean, err := activation.MeanOverTokens(v, ds.Lengths())
		if err != nil {
			return nil, fmt.Errorf("mean of %s: %w", n, err)
		}
		out.Put(n, mean)
	}
	return out, nil
}

// headAblation rewrites the [batch, pos, head, d_model] result of one layer.
type headAblation struct {
	layer   int
	mask    []bool
	keepPos map[HeadID][][]int
	mean    *tensor.Tensor // [head, d_model], nil for zero ablation
}

func (a *headAblation) hookFunc() hook.Func {
	return func(v *tensor.Tensor, p *hook.Point) (*tensor.Tensor, error) {
		if v.Rank() != 4 || v.Shape[2] != len(a.mask) {
			return nil, fmt.Errorf("%w: result of shape %v for %d heads", tensor.ErrShapeMismatch, v.Shape, len(a.mask))
		}
		if a.mean != nil {
			if err := tensor.CheckShape(v.Shape[2:], a.mean.Shape); err != nil {
				return nil, err
			}
		}
		out := v.Clone()
		B, T := v.Shape[0], v.Shape[1]
		for h, kept := range a.mask {
			pos, partial := a.keepPos[HeadID{a.layer, h}]
			if kept && !partial {
				continue
			}
			if partial && len(pos) != B {
				return nil, fmt.Errorf("%w: batch of %d, positions for %d prompts", tensor.ErrShapeMismatch, B, len(pos))
			}
			for b := 0; b < B; b++ {
				for t := 0; t < T; t++ {
					if partial && slices.Contains(pos[b], t) {
						continue
					}
					dst := out.Sub(b, t, h)
					if a.mean == nil {
						clear(dst)
					} else {
						copy(dst, a.mean.Sub(h))
					}
				}
			}
		}
		return out, nil
	}
}

// replaceAll overwrites every position of a [batch, pos, d_model] value with
// mean, or zeros when mean is nil.
func replaceAll(mean *tensor.Tensor) hook.Func {
	return func(v *tensor.Tensor, _ *hook.Point) (*tensor.Tensor, error) {
		out := tensor.New(v.Shape...)
		if mean == nil {
			return out, nil
		}
		if err := tensor.CheckShape(v.Shape[2:], mean.Shape); err != nil {
			return nil, err
		}
		for b := 0; b < v.Shape[0]; b++ {
			for t := 0; t < v.Shape[1]; t++ {
				copy(out.Sub(b, t), mean.Data)
			}
		}
		return out, nil
	}
}
