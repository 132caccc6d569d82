// Package patch runs activation patching experiments: a baseline pass over
// the target prompts, one capture pass over the source prompts, then one
// patched target pass per grid point with source values spliced in.
package patch

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/samcharles93/lens/internal/activation"
	"github.com/samcharles93/lens/internal/dataset"
	"github.com/samcharles93/lens/internal/hook"
	"github.com/samcharles93/lens/internal/model"
	"github.com/samcharles93/lens/internal/tensor"
)

// Kind selects how a patch combines the target value with the source.
type Kind int

const (
	// FullOverwrite replaces the whole value (or one head of it) with the
	// source value. Source and target shapes must be identical.
	FullOverwrite Kind = iota
	// PositionalSplice copies source slots into the target at the selected
	// role positions, looked up per sequence in each dataset.
	PositionalSplice
	// ZeroAblate zeroes the selected slots.
	ZeroAblate
	// MeanAblate replaces the selected slots with the source mean over every
	// non-padding token.
	MeanAblate
	// Custom hands the values to a caller-supplied function.
	Custom
)

var kindNames = [...]string{"full", "splice", "zero", "mean", "custom"}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return "kind(" + strconv.Itoa(int(k)) + ")"
}

// ParseKind parses the names printed by Kind.String.
func ParseKind(s string) (Kind, error) {
	for i, n := range kindNames {
		if strings.EqualFold(s, n) {
			return Kind(i), nil
		}
	}
	return 0, fmt.Errorf("unknown patch kind %q (%s)", s, strings.Join(kindNames[:], ", "))
}

// needsSource reports whether the kind cannot run without a source cache.
func (k Kind) needsSource() bool {
	return k == FullOverwrite || k == PositionalSplice || k == MeanAblate
}

// Target names the grid point and hook a custom patch is applied at.
type Target struct {
	Point GridPoint
	Hook  string
}

// CustomFunc is the escape hatch for patches the built-in kinds do not
// cover. source is the cached source value at the same hook, or nil when no
// source dataset is configured. The returned tensor must keep the shape of
// value.
type CustomFunc func(value, source *tensor.Tensor, t Target, p *hook.Point) (*tensor.Tensor, error)

// Func is a patch function: one of the built-in kinds, or Custom.
type Func struct {
	Kind   Kind
	Custom CustomFunc
}

// Positions selects the token positions a patch touches. The zero value
// selects every non-padding token.
type Positions struct {
	roles []string
}

// Roles selects the positions of the given word roles, looked up per
// sequence in the dataset's position table.
func Roles(roles ...string) Positions {
	return Positions{roles: append([]string(nil), roles...)}
}

// AllTokens selects every non-padding token.
func AllTokens() Positions {
	return Positions{}
}

// RoleNames returns the selected roles, or nil for every token.
func (p Positions) RoleNames() []string {
	return append([]string(nil), p.roles...)
}

func (p Positions) String() string {
	if len(p.roles) == 0 {
		return "all"
	}
	return strings.Join(p.roles, ",")
}

// resolve returns, for every sequence of ds, the positions p selects.
func (p Positions) resolve(ds *dataset.Dataset) ([][]int, error) {
	out := make([][]int, ds.N())
	if len(p.roles) == 0 {
		for b := range out {
			n := ds.SeqLen(b)
			out[b] = make([]int, n)
			for t := range n {
				out[b][t] = t
			}
		}
		return out, nil
	}
	for _, r := range p.roles {
		idx, err := ds.Positions(r)
		if err != nil {
			return nil, err
		}
		if len(idx) != ds.N() {
			return nil, fmt.Errorf("role %s has %d positions for %d prompts", r, len(idx), ds.N())
		}
		for b, t := range idx {
			out[b] = append(out[b], t)
		}
	}
	return out, nil
}

// Modules a sweep can target.
const (
	ModuleAttnHead = "attn_head"
	ModuleMLP      = "mlp"
)

// Config fully describes one experiment. It is treated as immutable once
// handed to New.
type Config struct {
	Source *dataset.Dataset
	Target *dataset.Dataset

	// Module is ModuleAttnHead or ModuleMLP. HeadCircuit names the per-head
	// activation to patch for ModuleAttnHead: result, z, q, k, v or attn.
	Module      string
	HeadCircuit string
	// HookNames, when set, replaces the layer sweep with a single grid point
	// that patches every listed hook at once.
	HookNames []string

	Positions Positions
	Patch     Func

	// Layers is the inclusive range of layers swept.
	Layers [2]int
	// PerHead adds one grid point per head after the whole-layer point.
	PerHead bool
}

var (
	// ErrInvalidConfig wraps every configuration error.
	ErrInvalidConfig = errors.New("invalid patch config")
	// ErrNotPrepared is returned by Hook before CaptureSource has run.
	ErrNotPrepared = errors.New("source activations not captured")
)

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidConfig, fmt.Sprintf(format, args...))
}

// Validate checks the config on its own; hook names are checked against a
// model by New.
func (c *Config) Validate() error {
	if c.Target == nil {
		return invalid("no target dataset")
	}
	if c.Target.N() == 0 {
		return invalid("empty target dataset")
	}
	switch c.Patch.Kind {
	case FullOverwrite, PositionalSplice, ZeroAblate, MeanAblate:
	case Custom:
		if c.Patch.Custom == nil {
			return invalid("custom patch without a function")
		}
	default:
		return invalid("patch kind %v", c.Patch.Kind)
	}
	if c.Patch.Kind.needsSource() && c.Source == nil {
		return invalid("%v patch needs a source dataset", c.Patch.Kind)
	}
	if c.Source != nil && c.Patch.Kind != MeanAblate && c.Source.N() != c.Target.N() {
		return invalid("source has %d prompts, target has %d", c.Source.N(), c.Target.N())
	}
	if c.Patch.Kind == PositionalSplice && len(c.Positions.roles) == 0 {
		return invalid("positional splice needs at least one role")
	}
	if len(c.HookNames) > 0 {
		return nil
	}
	switch c.Module {
	case ModuleAttnHead:
		if model.HeadAxis(c.HeadCircuit) < 0 {
			return invalid("head circuit %q is not split by head", c.HeadCircuit)
		}
		if c.Patch.Kind == MeanAblate && model.HeadAxis(c.HeadCircuit) != 2 {
			return invalid("mean ablation is not defined for %q", c.HeadCircuit)
		}
	case ModuleMLP:
		if c.PerHead {
			return invalid("per-head sweep over mlp")
		}
	default:
		return invalid("module %q (%s, %s)", c.Module, ModuleAttnHead, ModuleMLP)
	}
	if c.Layers[0] < 0 || c.Layers[1] < c.Layers[0] {
		return invalid("layer range %v", c.Layers)
	}
	return nil
}

// hookName returns the hook a layer sweep patches at layer l.
func (c *Config) hookName(l int) string {
	if c.Module == ModuleMLP {
		return model.ActName(model.ActMLPOut, l)
	}
	return model.ActName(c.HeadCircuit, l)
}

// GridPoint is one cell of a sweep. Head is nil for the whole layer; Layer
// is -1 for the single point of an explicit hook list.
type GridPoint struct {
	Layer int  `json:"layer"`
	Head  *int `json:"head,omitempty"`
}

// Head returns a pointer to h for building grid points.
func Head(h int) *int {
	return &h
}

func (g GridPoint) String() string {
	if g.Layer < 0 {
		return "hooks"
	}
	if g.Head == nil {
		return fmt.Sprintf("L%d", g.Layer)
	}
	return fmt.Sprintf("L%dH%d", g.Layer, *g.Head)
}

// sourceMean averages a cached source value over tokens for mean ablation.
func sourceMean(v *tensor.Tensor, ds *dataset.Dataset) (*tensor.Tensor, error) {
	return activation.MeanOverTokens(v, ds.Lengths())
}
