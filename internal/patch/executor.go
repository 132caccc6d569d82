package patch

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/samcharles93/lens/internal/activation"
	"github.com/samcharles93/lens/internal/hook"
	"github.com/samcharles93/lens/internal/logger"
	"github.com/samcharles93/lens/internal/metric"
	"github.com/samcharles93/lens/internal/metrics"
	"github.com/samcharles93/lens/internal/model"
	"github.com/samcharles93/lens/internal/tensor"
)

// Stats counts the forward passes an executor ran, by phase.
type Stats struct {
	Baseline int `json:"baseline"`
	Capture  int `json:"capture"`
	Patch    int `json:"patch"`
}

// Result is the metric at one grid point.
type Result struct {
	Point GridPoint    `json:"point"`
	Value metric.Value `json:"value"`
}

// Sweep is the outcome of Run.
type Sweep struct {
	Baseline metric.Value `json:"baseline"`
	Results  []Result     `json:"results"`
	Stats    Stats        `json:"stats"`
}

// Matrix lays the sweep means out as layer rows. Column 0 is the whole
// layer, column h+1 is head h.
func (s *Sweep) Matrix() [][]float64 {
	var rows [][]float64
	idx := map[int]int{}
	for _, r := range s.Results {
		i, ok := idx[r.Point.Layer]
		if !ok {
			i = len(rows)
			idx[r.Point.Layer] = i
			rows = append(rows, nil)
		}
		col := 0
		if r.Point.Head != nil {
			col = *r.Point.Head + 1
		}
		for len(rows[i]) <= col {
			rows[i] = append(rows[i], 0)
		}
		rows[i][col] = r.Value.Mean
	}
	return rows
}

// Option configures an Executor.
type Option func(*Executor)

// WithLogger sets the executor's logger.
func WithLogger(l logger.Logger) Option {
	return func(e *Executor) { e.log = l }
}

// WithReplicas adds independent model instances that Run spreads grid points
// over. Each replica must have the same architecture as the primary model
// and must not be shared with another experiment while Run is active.
func WithReplicas(ms ...model.Model) Option {
	return func(e *Executor) { e.replicas = append(e.replicas, ms...) }
}

// WithLabel names the model in exported metrics.
func WithLabel(label string) Option {
	return func(e *Executor) { e.label = label }
}

// Executor runs one patching experiment against a model. It is not safe for
// concurrent use; replicas give Run its parallelism.
type Executor struct {
	m        model.Model
	cfg      Config
	metric   metric.Metric
	log      logger.Logger
	label    string
	replicas []model.Model

	targetPos [][]int
	sourcePos [][]int
	hooks     []string

	baseline    []float64
	baselineVal metric.Value
	haveBase    bool
	source      *activation.Cache
	means       map[string]*tensor.Tensor

	nBaseline, nCapture, nPatch atomic.Int64
}

// New validates cfg against m and returns an executor. Every hook the
// experiment could touch is checked here, so an unknown name fails before
// any forward pass runs.
func New(m model.Model, cfg Config, met metric.Metric, opts ...Option) (*Executor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if met.Fn == nil {
		return nil, invalid("no metric function")
	}
	e := &Executor{m: m, cfg: cfg, metric: met, log: logger.Nop(), label: "primary"}
	for _, o := range opts {
		o(e)
	}

	if len(cfg.HookNames) > 0 {
		e.hooks = append(e.hooks, cfg.HookNames...)
	} else {
		for l := cfg.Layers[0]; l <= cfg.Layers[1]; l++ {
			e.hooks = append(e.hooks, cfg.hookName(l))
		}
	}
	for _, mm := range e.models() {
		if err := mm.Hooks().Check(e.hooks...); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
		}
	}
	if cfg.Patch.Kind == MeanAblate {
		for _, n := range e.hooks {
			if headAxisOf(n) == 1 {
				return nil, invalid("mean ablation is not defined for %s", n)
			}
		}
	}

	var err error
	if e.targetPos, err = cfg.Positions.resolve(cfg.Target); err != nil {
		return nil, fmt.Errorf("%w: target: %w", ErrInvalidConfig, err)
	}
	if cfg.Patch.Kind == PositionalSplice {
		if e.sourcePos, err = e.splicePositions(cfg.Positions, e.targetPos); err != nil {
			return nil, err
		}
	}
	return e, nil
}

// splicePositions resolves pos in the source dataset and checks it selects
// as many positions per prompt as target does.
func (e *Executor) splicePositions(pos Positions, target [][]int) ([][]int, error) {
	src, err := pos.resolve(e.cfg.Source)
	if err != nil {
		return nil, fmt.Errorf("%w: source: %w", ErrInvalidConfig, err)
	}
	for b := range target {
		if len(src[b]) != len(target[b]) {
			return nil, invalid("prompt %d selects %d source positions and %d target positions", b, len(src[b]), len(target[b]))
		}
	}
	return src, nil
}

func (e *Executor) models() []model.Model {
	return append([]model.Model{e.m}, e.replicas...)
}

// HookNames returns the hooks the experiment patches, in sweep order.
func (e *Executor) HookNames() []string {
	return append([]string(nil), e.hooks...)
}

// Stats returns the forward passes run so far.
func (e *Executor) Stats() Stats {
	return Stats{
		Baseline: int(e.nBaseline.Load()),
		Capture:  int(e.nCapture.Load()),
		Patch:    int(e.nPatch.Load()),
	}
}

// Grid returns the sweep grid: for every layer the whole-layer point, then
// one point per head when PerHead is set.
func (e *Executor) Grid() []GridPoint {
	if len(e.cfg.HookNames) > 0 {
		return []GridPoint{{Layer: -1}}
	}
	var grid []GridPoint
	heads := e.m.Config().Heads
	for l := e.cfg.Layers[0]; l <= e.cfg.Layers[1]; l++ {
		grid = append(grid, GridPoint{Layer: l})
		if e.cfg.PerHead {
			for h := range heads {
				grid = append(grid, GridPoint{Layer: l, Head: Head(h)})
			}
		}
	}
	return grid
}

func (e *Executor) phase(phase string, fn func() error) error {
	start := time.Now()
	err := fn()
	metrics.RecordPhase(phase, time.Since(start), err)
	return err
}

// Baseline runs the target prompts with no patch installed and records the
// metric. Later calls return the recorded value without another pass.
func (e *Executor) Baseline(ctx context.Context) (metric.Value, error) {
	if e.haveBase {
		return e.baselineVal, nil
	}
	err := e.phase(metrics.PhaseBaseline, func() error {
		out, err := e.metric.Run(ctx, e.m, e.cfg.Target)
		e.nBaseline.Add(1)
		if err != nil {
			return fmt.Errorf("baseline: %w", err)
		}
		if e.baseline, err = e.metric.Raw(out, e.cfg.Target); err != nil {
			return fmt.Errorf("baseline: %w", err)
		}
		return nil
	})
	if err != nil {
		return metric.Value{}, err
	}
	// The baseline itself is always reported in absolute terms.
	e.baselineVal = metric.Summarize(e.baseline)
	if e.metric.Scalar {
		e.baselineVal.PerPrompt = nil
	}
	e.haveBase = true
	e.log.Info("baseline", "metric", e.metric.Name, "mean", e.baselineVal.Mean, "std", e.baselineVal.Std)
	return e.baselineVal, nil
}

// CaptureSource runs the source prompts once, recording every hook the
// experiment patches. Later calls return the same cache. Without a source
// dataset it returns a nil cache.
func (e *Executor) CaptureSource(ctx context.Context) (*activation.Cache, error) {
	if e.source != nil || e.cfg.Source == nil {
		return e.source, nil
	}
	var cache *activation.Cache
	err := e.phase(metrics.PhaseCapture, func() error {
		var err error
		cache, _, err = activation.Capture(ctx, e.m, activation.Names(e.hooks...), e.cfg.Source.Tokens)
		e.nCapture.Add(1)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("capture source: %w", err)
	}
	if e.cfg.Patch.Kind == MeanAblate {
		e.means = make(map[string]*tensor.Tensor, len(e.hooks))
		for _, n := range e.hooks {
			v, _ := cache.Get(n)
			if e.means[n], err = sourceMean(v, e.cfg.Source); err != nil {
				return nil, fmt.Errorf("mean of %s: %w", n, err)
			}
		}
	}
	e.source = cache
	e.log.Debug("captured source", "dataset", e.cfg.Source.Name, "hooks", cache.Len())
	return cache, nil
}

func (e *Executor) prepared() bool {
	return e.cfg.Source == nil || e.source != nil
}

func (e *Executor) patcher(name string, pt GridPoint) (*patcher, error) {
	if !e.prepared() {
		return nil, ErrNotPrepared
	}
	p := &patcher{
		name:      name,
		axis:      headAxisOf(name),
		head:      pt.Head,
		kind:      e.cfg.Patch.Kind,
		custom:    e.cfg.Patch.Custom,
		point:     pt,
		targetPos: e.targetPos,
		sourcePos: e.sourcePos,
	}
	if p.head != nil && p.axis < 0 {
		return nil, invalid("hook %s has no head axis", name)
	}
	if e.source != nil {
		src, err := e.source.Lookup(name)
		if err != nil {
			return nil, err
		}
		p.source = src
		p.mean = e.means[name]
	}
	return p, nil
}

// HookOption overrides a setting of the experiment for one hook built by
// Executor.Hook.
type HookOption func(*hookSettings)

type hookSettings struct {
	patch     *Func
	positions *Positions
}

// WithPatch replaces the experiment's patch function.
func WithPatch(f Func) HookOption {
	return func(s *hookSettings) { s.patch = &f }
}

// AtPositions replaces the experiment's positions.
func AtPositions(p Positions) HookOption {
	return func(s *hookSettings) { s.positions = &p }
}

// Hook returns the hook name and patch function for one layer and optional
// head, for callers that install patches by hand. CaptureSource must have
// run when the experiment has a source dataset. Options replace the patch
// function or the positions for this hook only.
func (e *Executor) Hook(layer int, head *int, opts ...HookOption) (string, hook.Func, error) {
	if len(e.cfg.HookNames) > 0 {
		return "", nil, errors.New("hook list experiments have no layers")
	}
	if layer < e.cfg.Layers[0] || layer > e.cfg.Layers[1] {
		return "", nil, fmt.Errorf("layer %d outside swept range %v", layer, e.cfg.Layers)
	}
	var s hookSettings
	for _, o := range opts {
		o(&s)
	}
	name := e.cfg.hookName(layer)
	p, err := e.patcher(name, GridPoint{Layer: layer, Head: head})
	if err != nil {
		return "", nil, err
	}
	if s.patch != nil {
		if err := e.overridePatch(p, *s.patch); err != nil {
			return "", nil, err
		}
	}
	if s.positions != nil {
		if p.targetPos, err = s.positions.resolve(e.cfg.Target); err != nil {
			return "", nil, fmt.Errorf("%w: target: %w", ErrInvalidConfig, err)
		}
	}
	if p.kind == PositionalSplice && (s.positions != nil || p.sourcePos == nil) {
		pos := e.cfg.Positions
		if s.positions != nil {
			pos = *s.positions
		}
		if p.sourcePos, err = e.splicePositions(pos, p.targetPos); err != nil {
			return "", nil, err
		}
	}
	return name, p.hookFunc(), nil
}

func (e *Executor) overridePatch(p *patcher, f Func) error {
	if f.Kind == Custom && f.Custom == nil {
		return invalid("custom patch without a function")
	}
	if f.Kind.needsSource() && p.source == nil {
		return invalid("%v patch needs a source dataset", f.Kind)
	}
	if f.Kind == MeanAblate && p.mean == nil {
		if p.axis == 1 {
			return invalid("mean ablation is not defined for %s", p.name)
		}
		m, err := sourceMean(p.source, e.cfg.Source)
		if err != nil {
			return fmt.Errorf("mean of %s: %w", p.name, err)
		}
		p.mean = m
	}
	p.kind, p.custom = f.Kind, f.Custom
	return nil
}

func (e *Executor) pointHooks(pt GridPoint) []string {
	if pt.Layer < 0 {
		return e.hooks
	}
	return []string{e.cfg.hookName(pt.Layer)}
}

// RunPoint evaluates one grid point, running the baseline and the capture
// first if they have not run yet.
func (e *Executor) RunPoint(ctx context.Context, pt GridPoint) (Result, error) {
	if _, err := e.Baseline(ctx); err != nil {
		return Result{}, err
	}
	if _, err := e.CaptureSource(ctx); err != nil {
		return Result{}, err
	}
	return e.patchOn(ctx, e.m, pt)
}

// patchOn installs the patch for pt on m, runs the target prompts and
// removes the patch again on every path.
func (e *Executor) patchOn(ctx context.Context, m model.Model, pt GridPoint) (Result, error) {
	var res Result
	err := e.phase(metrics.PhasePatch, func() (ferr error) {
		scope := m.Hooks().NewScope()
		defer func() {
			if cerr := scope.Close(); cerr != nil && ferr == nil {
				ferr = cerr
			}
		}()
		for _, name := range e.pointHooks(pt) {
			p, err := e.patcher(name, pt)
			if err != nil {
				return err
			}
			if err := scope.Add(name, p.hookFunc()); err != nil {
				return err
			}
		}
		out, err := e.metric.Run(ctx, m, e.cfg.Target)
		e.nPatch.Add(1)
		if err != nil {
			return err
		}
		v, err := e.metric.Compare(e.baseline, out, e.cfg.Target)
		if err != nil {
			return err
		}
		res = Result{Point: pt, Value: v}
		return nil
	})
	if err != nil {
		return Result{}, fmt.Errorf("patch %v: %w", pt, err)
	}
	metrics.RecordGridPoint()
	return res, nil
}

// Run sweeps the whole grid. The baseline and the source capture run exactly
// once; each grid point then costs one patched forward pass. With replicas,
// grid points are spread round-robin over the primary model and the
// replicas. The first error stops the sweep.
func (e *Executor) Run(ctx context.Context) (*Sweep, error) {
	base, err := e.Baseline(ctx)
	if err != nil {
		return nil, err
	}
	if _, err := e.CaptureSource(ctx); err != nil {
		return nil, err
	}

	grid := e.Grid()
	results := make([]Result, len(grid))
	ms := e.models()
	e.log.Info("sweep", "points", len(grid), "hooks", len(e.hooks), "patch", e.cfg.Patch.Kind.String(), "positions", e.cfg.Positions.String(), "models", len(ms))

	g, gctx := errgroup.WithContext(ctx)
	for w, m := range ms {
		g.Go(func() error {
			for i := w; i < len(grid); i += len(ms) {
				if err := gctx.Err(); err != nil {
					return err
				}
				r, err := e.patchOn(gctx, m, grid[i])
				if err != nil {
					return err
				}
				results[i] = r
				e.log.Debug("grid point", "point", grid[i].String(), "mean", r.Value.Mean)
			}
			return nil
		})
	}
	err = g.Wait()
	for w, m := range ms {
		metrics.RecordInstalledHooks(fmt.Sprintf("%s/%d", e.label, w), m.Hooks().Installed())
	}
	if err != nil {
		return nil, err
	}
	return &Sweep{Baseline: base, Results: results, Stats: e.Stats()}, nil
}
