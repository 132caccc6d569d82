// Package metric turns the output of a forward pass into the numbers an
// experiment reports.
package metric

import (
	"context"
	"errors"
	"fmt"
	"math"
	"slices"

	"gonum.org/v1/gonum/stat"

	"github.com/samcharles93/lens/internal/activation"
	"github.com/samcharles93/lens/internal/dataset"
	"github.com/samcharles93/lens/internal/model"
	"github.com/samcharles93/lens/internal/tensor"
)

var (
	// ErrZeroBaseline is returned when a relative metric would divide by a
	// zero baseline value.
	ErrZeroBaseline = errors.New("zero baseline in relative metric")
	// ErrUnknownMetric is returned by ByName.
	ErrUnknownMetric = errors.New("unknown metric")
)

// Output is what one forward pass hands to a metric: the logits, and the
// activations the metric selected with its Hooks predicate.
type Output struct {
	Logits *tensor.Tensor
	Acts   *activation.Cache
}

// Func computes one value per prompt from the output of a forward pass
// over ds.
type Func func(out Output, ds *dataset.Dataset) ([]float64, error)

// Metric wraps a Func with its reporting mode. Against a baseline, a
// Variation metric reports patched-baseline per prompt and a Relative metric
// reports (patched-baseline)/|baseline|. A scalar metric drops the
// per-prompt vector and keeps only the summary.
type Metric struct {
	Name string
	Fn   Func
	// Hooks selects activations recorded during the pass that feeds Fn.
	// Nil records nothing.
	Hooks activation.Predicate

	Relative  bool
	Variation bool
	Scalar    bool
}

// Value is a reported metric.
type Value struct {
	PerPrompt []float64 `json:"per_prompt,omitempty"`
	Mean      float64   `json:"mean"`
	Std       float64   `json:"std"`
}

// Run performs the forward pass of m over ds, recording the activations the
// metric reads. Hooks already installed on m shape both the logits and the
// recorded activations.
func (mt Metric) Run(ctx context.Context, m model.Model, ds *dataset.Dataset) (Output, error) {
	if mt.Hooks == nil {
		logits, err := m.Forward(ctx, ds.Tokens)
		if err != nil {
			return Output{}, err
		}
		return Output{Logits: logits}, nil
	}
	acts, logits, err := activation.Capture(ctx, m, mt.Hooks, ds.Tokens)
	if err != nil {
		return Output{}, err
	}
	return Output{Logits: logits, Acts: acts}, nil
}

// Summarize computes the mean and sample standard deviation of xs.
func Summarize(xs []float64) Value {
	v := Value{PerPrompt: xs}
	switch len(xs) {
	case 0:
	case 1:
		v.Mean = xs[0]
	default:
		v.Mean, v.Std = stat.MeanStdDev(xs, nil)
	}
	return v
}

// Raw runs the metric function and checks it produced one value per prompt.
func (m Metric) Raw(out Output, ds *dataset.Dataset) ([]float64, error) {
	if m.Fn == nil {
		return nil, fmt.Errorf("metric %q has no function", m.Name)
	}
	xs, err := m.Fn(out, ds)
	if err != nil {
		return nil, fmt.Errorf("metric %s: %w", m.Name, err)
	}
	if len(xs) != ds.N() {
		return nil, fmt.Errorf("metric %s: %d values for %d prompts", m.Name, len(xs), ds.N())
	}
	return xs, nil
}

// Evaluate reports the metric in absolute mode.
func (m Metric) Evaluate(out Output, ds *dataset.Dataset) (Value, error) {
	xs, err := m.Raw(out, ds)
	if err != nil {
		return Value{}, err
	}
	return m.finish(xs), nil
}

// Compare reports the metric for a patched pass against baseline raw
// values, honouring the Relative and Variation flags.
func (m Metric) Compare(baseline []float64, out Output, ds *dataset.Dataset) (Value, error) {
	xs, err := m.Raw(out, ds)
	if err != nil {
		return Value{}, err
	}
	switch {
	case m.Relative:
		xs, err = RelativeChange(xs, baseline)
	case m.Variation:
		xs, err = Difference(xs, baseline)
	}
	if err != nil {
		return Value{}, fmt.Errorf("metric %s: %w", m.Name, err)
	}
	return m.finish(xs), nil
}

func (m Metric) finish(xs []float64) Value {
	v := Summarize(xs)
	if m.Scalar {
		v.PerPrompt = nil
	}
	return v
}

// RelativeChange returns (patched[i]-baseline[i])/|baseline[i]|.
func RelativeChange(patched, baseline []float64) ([]float64, error) {
	if len(patched) != len(baseline) {
		return nil, fmt.Errorf("relative change: %d patched values, %d baseline values", len(patched), len(baseline))
	}
	out := make([]float64, len(patched))
	for i := range patched {
		if baseline[i] == 0 {
			return nil, fmt.Errorf("%w at prompt %d", ErrZeroBaseline, i)
		}
		out[i] = (patched[i] - baseline[i]) / math.Abs(baseline[i])
	}
	return out, nil
}

// Difference returns patched[i]-baseline[i].
func Difference(patched, baseline []float64) ([]float64, error) {
	if len(patched) != len(baseline) {
		return nil, fmt.Errorf("variation: %d patched values, %d baseline values", len(patched), len(baseline))
	}
	out := make([]float64, len(patched))
	for i := range patched {
		out[i] = patched[i] - baseline[i]
	}
	return out, nil
}

// endLogits returns the logit row at each prompt's end position together
// with its IO and S answer tokens.
func endLogits(logits *tensor.Tensor, ds *dataset.Dataset) (rows [][]float32, io, s []int, err error) {
	if logits.Rank() != 3 {
		return nil, nil, nil, fmt.Errorf("logits must be [batch, pos, vocab], got %v", logits.Shape)
	}
	n := ds.N()
	if logits.Shape[0] != n {
		return nil, nil, nil, fmt.Errorf("logits batch %d, dataset has %d prompts", logits.Shape[0], n)
	}
	if len(ds.IOTokens) != n || len(ds.STokens) != n {
		return nil, nil, nil, fmt.Errorf("dataset %q lacks IO/S answer tokens", ds.Name)
	}
	end, err := ds.Positions(dataset.RoleEnd)
	if err != nil {
		return nil, nil, nil, err
	}
	V := logits.Shape[2]
	rows = make([][]float32, n)
	for i := 0; i < n; i++ {
		if end[i] < 0 || end[i] >= logits.Shape[1] {
			return nil, nil, nil, fmt.Errorf("prompt %d: end position %d outside %d positions", i, end[i], logits.Shape[1])
		}
		if a, b := ds.IOTokens[i], ds.STokens[i]; a < 0 || a >= V || b < 0 || b >= V {
			return nil, nil, nil, fmt.Errorf("prompt %d: answer token outside vocabulary of %d", i, V)
		}
		rows[i] = logits.Sub(i, end[i])
	}
	return rows, ds.IOTokens, ds.STokens, nil
}

// LogitDiff is the IO logit minus the S logit at the end position.
func LogitDiff(out Output, ds *dataset.Dataset) ([]float64, error) {
	rows, io, s, err := endLogits(out.Logits, ds)
	if err != nil {
		return nil, err
	}
	out := make([]float64, len(rows))
	for i, row := range rows {
		out[i] = float64(row[io[i]]) - float64(row[s[i]])
	}
	return out, nil
}

// IOProb is the softmax probability of the IO token at the end position.
func IOProb(out Output, ds *dataset.Dataset) ([]float64, error) {
	rows, io, _, err := endLogits(out.Logits, ds)
	if err != nil {
		return nil, err
	}
	out := make([]float64, len(rows))
	for i, row := range rows {
		maxv := float64(slices.Max(row))
		var sum float64
		for _, v := range row {
			sum += math.Exp(float64(v) - maxv)
		}
		out[i] = math.Exp(float64(row[io[i]])-maxv) / sum
	}
	return out, nil
}

// Params configures the built-ins that need more than a name.
type Params struct {
	// Heads and Key configure attn_prob.
	Heads []Head `yaml:"heads,omitempty" json:"heads,omitempty"`
	Key   string `yaml:"key,omitempty" json:"key,omitempty"`
}

// ByName returns a built-in metric. Reporting flags are left unset.
func ByName(name string, p Params) (Metric, error) {
	switch name {
	case "logit_diff":
		return Metric{Name: name, Fn: LogitDiff}, nil
	case "io_prob":
		return Metric{Name: name, Fn: IOProb}, nil
	case "attn_prob":
		return AttnProb(p.Heads, p.Key)
	default:
		return Metric{}, fmt.Errorf("%w: %q (logit_diff, io_prob, attn_prob)", ErrUnknownMetric, name)
	}
}

// Token is a vocabulary entry with its logit.
type Token struct {
	ID    int     `json:"id"`
	Logit float32 `json:"logit"`
}

// TopK returns the k highest logits at (prompt b, position pos), highest
// first. Ties keep the lower token id first.
func TopK(logits *tensor.Tensor, b, pos, k int) ([]Token, error) {
	if logits.Rank() != 3 {
		return nil, fmt.Errorf("logits must be [batch, pos, vocab], got %v", logits.Shape)
	}
	if b < 0 || b >= logits.Shape[0] || pos < 0 || pos >= logits.Shape[1] {
		return nil, fmt.Errorf("prompt %d position %d outside logits of shape %v", b, pos, logits.Shape)
	}
	row := logits.Sub(b, pos)
	toks := make([]Token, len(row))
	for i, v := range row {
		toks[i] = Token{ID: i, Logit: v}
	}
	slices.SortStableFunc(toks, func(x, y Token) int {
		switch {
		case x.Logit > y.Logit:
			return -1
		case x.Logit < y.Logit:
			return 1
		}
		return 0
	})
	if k >= 0 && k < len(toks) {
		toks = toks[:k]
	}
	return toks, nil
}
