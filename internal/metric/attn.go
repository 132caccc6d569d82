package metric

import (
	"errors"
	"fmt"
	"slices"

	"github.com/samcharles93/lens/internal/activation"
	"github.com/samcharles93/lens/internal/dataset"
	"github.com/samcharles93/lens/internal/model"
)

// Head addresses one attention head.
type Head struct {
	Layer int `yaml:"layer" json:"layer"`
	Head  int `yaml:"head" json:"head"`
}

// AttnProb returns a metric reading, for every prompt, the attention
// probability from the end token to the token of role key, averaged over
// heads. key defaults to IO. The metric records the attention patterns of
// the heads' layers during its pass; combine it with Variation or Relative
// to measure the change against a baseline.
func AttnProb(heads []Head, key string) (Metric, error) {
	if len(heads) == 0 {
		return Metric{}, errors.New("attn_prob: no heads")
	}
	if key == "" {
		key = dataset.RoleIO
	}
	var names []string
	for _, h := range heads {
		if h.Layer < 0 || h.Head < 0 {
			return Metric{}, fmt.Errorf("attn_prob: invalid head %d.%d", h.Layer, h.Head)
		}
		if n := model.ActName(model.ActPattern, h.Layer); !slices.Contains(names, n) {
			names = append(names, n)
		}
	}
	heads = slices.Clone(heads)

	fn := func(out Output, ds *dataset.Dataset) ([]float64, error) {
		if out.Acts == nil {
			return nil, errors.New("attn_prob: pass recorded no attention patterns")
		}
		end, err := ds.Positions(dataset.RoleEnd)
		if err != nil {
			return nil, err
		}
		to, err := ds.Positions(key)
		if err != nil {
			return nil, err
		}
		vals := make([]float64, ds.N())
		for _, h := range heads {
			pat, err := out.Acts.Lookup(model.ActName(model.ActPattern, h.Layer))
			if err != nil {
				return nil, err
			}
			// [batch, head, query, key]
			if pat.Rank() != 4 || pat.Shape[0] != len(vals) || h.Head >= pat.Shape[1] {
				return nil, fmt.Errorf("attn_prob: head %d.%d outside pattern of shape %v", h.Layer, h.Head, pat.Shape)
			}
			T := pat.Shape[2]
			for b := range vals {
				if end[b] >= T || to[b] >= T {
					return nil, fmt.Errorf("attn_prob: prompt %d positions %d, %d outside %d", b, end[b], to[b], T)
				}
				vals[b] += float64(pat.At(b, h.Head, end[b], to[b]))
			}
		}
		for b := range vals {
			vals[b] /= float64(len(heads))
		}
		return vals, nil
	}
	return Metric{Name: "attn_prob", Fn: fn, Hooks: activation.Names(names...)}, nil
}
