// Package experiment loads a self-contained experiment description from
// YAML and runs it: optional circuit extraction followed by a patching
// sweep, with results written to disk.
package experiment

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/samcharles93/lens/internal/circuit"
	"github.com/samcharles93/lens/internal/metric"
	"github.com/samcharles93/lens/internal/model"
	"github.com/samcharles93/lens/internal/patch"
)

// ErrInvalid wraps every validation error of an experiment file.
var ErrInvalid = errors.New("invalid experiment")

// File is the on-disk experiment description. Every setting an experiment
// depends on lives here; nothing is inherited from earlier runs.
type File struct {
	Name string `yaml:"name"`
	Seed int64  `yaml:"seed"`

	Model    ModelSection      `yaml:"model"`
	Bert     *model.BertConfig `yaml:"bert,omitempty"`
	Datasets DatasetSection    `yaml:"datasets"`
	Patch    *PatchSection     `yaml:"patch,omitempty"`
	Metric   MetricSection     `yaml:"metric"`
	Circuit  *CircuitSection   `yaml:"circuit,omitempty"`
	Replicas int               `yaml:"replicas"`
	Output   OutputSection     `yaml:"output"`

	// dir resolves relative paths; it is the directory of the loaded file.
	dir string
}

// ModelSection selects the model. Config may be given inline or through
// ConfigFile; without Weights the model is randomly initialised from Seed.
type ModelSection struct {
	Config     *model.Config `yaml:"config,omitempty"`
	ConfigFile string        `yaml:"config_file,omitempty"`
	Weights    string        `yaml:"weights,omitempty"`
}

// DatasetSection names the dataset files. Mean defaults to Source, then
// Target.
type DatasetSection struct {
	Target string `yaml:"target"`
	Source string `yaml:"source,omitempty"`
	Mean   string `yaml:"mean,omitempty"`
}

// PatchSection mirrors patch.Config.
type PatchSection struct {
	Module      string   `yaml:"module"`
	HeadCircuit string   `yaml:"head_circuit"`
	Hooks       []string `yaml:"hooks,omitempty"`
	Positions   []string `yaml:"positions,omitempty"`
	Kind        string   `yaml:"kind"`
	Layers      []int    `yaml:"layers,omitempty"`
	PerHead     bool     `yaml:"per_head"`
}

// MetricSection selects a built-in metric and its reporting mode.
// Relative wins over Variation when both are set.
type MetricSection struct {
	Name          string `yaml:"name"`
	Relative      bool   `yaml:"relative"`
	Variation     bool   `yaml:"variation"`
	Scalar        bool   `yaml:"scalar"`
	metric.Params `yaml:",inline"`
}

// Build returns the metric the section selects.
func (s MetricSection) Build() (metric.Metric, error) {
	m, err := metric.ByName(s.Name, s.Params)
	if err != nil {
		return metric.Metric{}, err
	}
	m.Relative, m.Variation, m.Scalar = s.Relative, s.Variation, s.Scalar
	return m, nil
}

// CircuitSection configures circuit extraction before the sweep.
type CircuitSection struct {
	// Spec defaults to the IOI circuit.
	Spec *circuit.Spec `yaml:"spec,omitempty"`
	// Keep lists the groups to keep; empty keeps every group.
	Keep       []string         `yaml:"keep,omitempty"`
	ExtraHeads []circuit.HeadID `yaml:"extra_heads,omitempty"`
	RemoveMLPs []int            `yaml:"remove_mlps,omitempty"`
	Mode       string           `yaml:"mode"`
	// AtRoles keeps each head only at the roles its groups list.
	AtRoles bool `yaml:"at_roles"`
}

// OutputSection lists the files written after a run. Empty entries are
// skipped; relative paths are resolved against Dir.
type OutputSection struct {
	Dir         string `yaml:"dir"`
	Report      string `yaml:"report,omitempty"`
	SweepArrow  string `yaml:"sweep_arrow,omitempty"`
	SourceCache string `yaml:"source_cache,omitempty"`
}

// Parse decodes an experiment from YAML. Unknown keys are errors. Relative
// paths resolve against dir.
func Parse(data []byte, dir string) (*File, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	var f File
	if err := dec.Decode(&f); err != nil {
		return nil, fmt.Errorf("parse experiment: %w", err)
	}
	f.dir = dir
	if f.Bert != nil {
		f.Bert.Normalize()
	}
	if err := f.Validate(); err != nil {
		return nil, err
	}
	return &f, nil
}

// Load reads and validates an experiment file.
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read experiment: %w", err)
	}
	f, err := Parse(data, filepath.Dir(path))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return f, nil
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalid, fmt.Sprintf(format, args...))
}

// Validate checks the file without touching the filesystem.
func (f *File) Validate() error {
	if f.Name == "" {
		return invalid("missing name")
	}
	if f.Model.Config == nil && f.Model.ConfigFile == "" {
		return invalid("model needs config or config_file")
	}
	if f.Model.Config != nil && f.Model.ConfigFile != "" {
		return invalid("model has both config and config_file")
	}
	if f.Model.Config != nil {
		if err := f.Model.Config.Validate(); err != nil {
			return invalid("model: %v", err)
		}
	}
	if f.Bert != nil {
		if err := f.Bert.Validate(); err != nil {
			return invalid("bert: %v", err)
		}
	}
	if f.Datasets.Target == "" {
		return invalid("missing datasets.target")
	}
	if _, err := f.Metric.Build(); err != nil {
		return invalid("metric: %v", err)
	}
	if f.Patch == nil && f.Circuit == nil {
		return invalid("nothing to do: no patch or circuit section")
	}
	if f.Patch != nil {
		if _, err := patch.ParseKind(f.Patch.Kind); err != nil {
			return invalid("patch: %v", err)
		}
		if len(f.Patch.Layers) != 0 && len(f.Patch.Layers) != 2 {
			return invalid("patch.layers must be [first, last]")
		}
	}
	if f.Circuit != nil {
		if _, err := circuit.ParseMode(f.Circuit.Mode); err != nil {
			return invalid("circuit: %v", err)
		}
	}
	if f.Replicas < 0 {
		return invalid("negative replicas")
	}
	return nil
}

// path resolves p against the experiment file's directory.
func (f *File) path(p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(f.dir, p)
}

// outPath resolves an output name against Output.Dir.
func (f *File) outPath(name string) string {
	if name == "" || filepath.IsAbs(name) {
		return name
	}
	return filepath.Join(f.path(f.Output.Dir), name)
}
