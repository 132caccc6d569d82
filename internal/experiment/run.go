package experiment

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/samcharles93/lens/internal/circuit"
	"github.com/samcharles93/lens/internal/dataset"
	"github.com/samcharles93/lens/internal/export"
	"github.com/samcharles93/lens/internal/logger"
	"github.com/samcharles93/lens/internal/metric"
	"github.com/samcharles93/lens/internal/metrics"
	"github.com/samcharles93/lens/internal/model"
	"github.com/samcharles93/lens/internal/patch"
	"github.com/samcharles93/lens/internal/version"
)

// Experiment is a built File: a model with its replicas, the loaded
// datasets and the metric.
type Experiment struct {
	File     *File
	Model    *model.Transformer
	Replicas []model.Model
	Target   *dataset.Dataset
	Source   *dataset.Dataset
	Mean     *dataset.Dataset
	Metric   metric.Metric

	log logger.Logger
}

// Report summarises one run.
type Report struct {
	RunID    string            `json:"run_id"`
	Version  string            `json:"version"`
	Name     string            `json:"name"`
	Started  time.Time         `json:"started"`
	Duration string            `json:"duration"`
	Model    model.Config      `json:"model"`
	Bert     *model.BertConfig `json:"bert,omitempty"`
	Metric   string            `json:"metric"`

	Circuit       *circuit.Record `json:"circuit,omitempty"`
	CircuitMetric *metric.Value   `json:"circuit_metric,omitempty"`
	Sweep         *patch.Sweep    `json:"sweep,omitempty"`
	Outputs       []string        `json:"outputs,omitempty"`
}

// BuildModel constructs the model a ModelSection describes.
func (f *File) BuildModel() (*model.Transformer, error) {
	var cfg model.Config
	if f.Model.Config != nil {
		cfg = *f.Model.Config
	} else {
		var err error
		if cfg, err = model.LoadConfig(f.path(f.Model.ConfigFile)); err != nil {
			return nil, err
		}
	}
	if f.Model.Weights == "" {
		return model.NewRandomTransformer(cfg, f.Seed)
	}
	w, err := model.LoadWeights(f.path(f.Model.Weights), cfg)
	if err != nil {
		return nil, err
	}
	return model.NewTransformer(cfg, w)
}

func loadDataset(path string) (*dataset.Dataset, error) {
	if path == "" {
		return nil, nil
	}
	return dataset.Load(path)
}

// Build loads everything f refers to.
func Build(f *File, log logger.Logger) (*Experiment, error) {
	if log == nil {
		log = logger.Nop()
	}
	m, err := f.BuildModel()
	if err != nil {
		return nil, fmt.Errorf("build model: %w", err)
	}
	e := &Experiment{File: f, Model: m, log: log.With("experiment", f.Name)}
	for range f.Replicas {
		r, err := m.Replica()
		if err != nil {
			return nil, err
		}
		e.Replicas = append(e.Replicas, r)
	}

	if e.Target, err = loadDataset(f.path(f.Datasets.Target)); err != nil {
		return nil, err
	}
	if e.Source, err = loadDataset(f.path(f.Datasets.Source)); err != nil {
		return nil, err
	}
	switch {
	case f.Datasets.Mean != "":
		if e.Mean, err = loadDataset(f.path(f.Datasets.Mean)); err != nil {
			return nil, err
		}
	case e.Source != nil:
		e.Mean = e.Source
	default:
		e.Mean = e.Target
	}

	if e.Metric, err = f.Metric.Build(); err != nil {
		return nil, err
	}
	return e, nil
}

func (e *Experiment) models() []model.Model {
	return append([]model.Model{e.Model}, e.Replicas...)
}

// PatchConfig translates the patch section.
func (e *Experiment) PatchConfig() (patch.Config, error) {
	s := e.File.Patch
	if s == nil {
		return patch.Config{}, invalid("no patch section")
	}
	kind, err := patch.ParseKind(s.Kind)
	if err != nil {
		return patch.Config{}, err
	}
	cfg := patch.Config{
		Source:      e.Source,
		Target:      e.Target,
		Module:      s.Module,
		HeadCircuit: s.HeadCircuit,
		HookNames:   s.Hooks,
		Patch:       patch.Func{Kind: kind},
		Layers:      [2]int{0, e.Model.Config().Layers - 1},
		PerHead:     s.PerHead,
	}
	if kind == patch.MeanAblate {
		cfg.Source = e.Mean
	}
	if len(s.Positions) > 0 {
		cfg.Positions = patch.Roles(s.Positions...)
	}
	if len(s.Layers) == 2 {
		cfg.Layers = [2]int{s.Layers[0], s.Layers[1]}
	}
	return cfg, nil
}

// circuitKeep returns the heads to keep and, with AtRoles, where to keep
// them.
func (e *Experiment) circuitKeep() ([]circuit.HeadID, map[circuit.HeadID][]string, error) {
	s := e.File.Circuit
	spec := circuit.IOI()
	if s.Spec != nil {
		spec = *s.Spec
	}
	cfg := e.Model.Config()
	if err := spec.Validate(cfg.Layers, cfg.Heads); err != nil {
		return nil, nil, err
	}
	keep, err := spec.Heads(s.Keep...)
	if err != nil {
		return nil, nil, err
	}
	keep = append(keep, s.ExtraHeads...)
	if !s.AtRoles {
		return keep, nil, nil
	}
	pos := map[circuit.HeadID][]string{}
	for _, h := range keep {
		if roles := spec.Roles(h); len(roles) > 0 {
			pos[h] = roles
		}
	}
	return keep, pos, nil
}

// Run executes the experiment. Every model starts and ends with an empty
// hook registry.
func (e *Experiment) Run(ctx context.Context) (*Report, error) {
	f := e.File
	start := time.Now()
	rep := &Report{
		RunID:   uuid.NewString(),
		Version: version.String(),
		Name:    f.Name,
		Started: start.UTC(),
		Model:   e.Model.Config(),
		Bert:    f.Bert,
		Metric:  e.Metric.Name,
	}
	log := e.log.With("run_id", rep.RunID)

	for _, m := range e.models() {
		model.ResetHooks(m)
	}
	defer func() {
		for i, m := range e.models() {
			model.ResetHooks(m)
			metrics.RecordInstalledHooks(fmt.Sprintf("%s/%d", f.Name, i), m.Hooks().Installed())
		}
	}()

	if f.Circuit != nil {
		keep, pos, err := e.circuitKeep()
		if err != nil {
			return nil, fmt.Errorf("circuit: %w", err)
		}
		mode, _ := circuit.ParseMode(f.Circuit.Mode)
		opts := circuit.Options{Mode: mode, Positions: pos, Log: log}
		for _, m := range e.models() {
			if rep.Circuit, err = circuit.Extract(ctx, m, keep, f.Circuit.RemoveMLPs, e.Mean, opts); err != nil {
				return nil, fmt.Errorf("circuit: %w", err)
			}
		}
		out, err := e.Metric.Run(ctx, e.Model, e.Target)
		if err != nil {
			return nil, fmt.Errorf("circuit forward pass: %w", err)
		}
		v, err := e.Metric.Evaluate(out, e.Target)
		if err != nil {
			return nil, err
		}
		rep.CircuitMetric = &v
		log.Info("circuit metric", "mean", v.Mean, "std", v.Std)
	}

	var exec *patch.Executor
	if f.Patch != nil {
		cfg, err := e.PatchConfig()
		if err != nil {
			return nil, err
		}
		exec, err = patch.New(e.Model, cfg, e.Metric,
			patch.WithLogger(log), patch.WithReplicas(e.Replicas...), patch.WithLabel(f.Name))
		if err != nil {
			return nil, err
		}
		if rep.Sweep, err = exec.Run(ctx); err != nil {
			return nil, err
		}
	}

	rep.Duration = time.Since(start).Round(time.Millisecond).String()
	if err := e.writeOutputs(ctx, rep, exec); err != nil {
		return rep, err
	}
	log.Info("experiment finished", "duration", rep.Duration, "outputs", len(rep.Outputs))
	return rep, nil
}

func (e *Experiment) writeOutputs(ctx context.Context, rep *Report, exec *patch.Executor) error {
	out := e.File.Output
	md := map[string]string{"run_id": rep.RunID, "experiment": rep.Name, "lens_version": rep.Version}
	if p := e.File.outPath(out.SweepArrow); p != "" && rep.Sweep != nil {
		if err := export.SaveSweepArrow(p, rep.Sweep, md); err != nil {
			return err
		}
		rep.Outputs = append(rep.Outputs, p)
	}
	if p := e.File.outPath(out.SourceCache); p != "" && exec != nil {
		cache, err := exec.CaptureSource(ctx)
		if err != nil {
			return err
		}
		if cache != nil {
			if err := export.SaveCacheArrow(p, cache, md); err != nil {
				return err
			}
			rep.Outputs = append(rep.Outputs, p)
		}
	}
	// The report goes last so that it lists every other output.
	if p := e.File.outPath(out.Report); p != "" {
		rep.Outputs = append(rep.Outputs, p)
		if err := export.SaveJSON(p, rep); err != nil {
			return err
		}
	}
	return nil
}
