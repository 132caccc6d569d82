package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/lens/internal/experiment"
	"github.com/samcharles93/lens/internal/logger"
	"github.com/samcharles93/lens/internal/patch"
)

func sweepCmd() *cli.Command {
	return &cli.Command{
		Name:      "sweep",
		Usage:     "Run an experiment file: optional circuit extraction, then the patching sweep",
		ArgsUsage: "<experiment.yaml>",
		Flags:     experimentFlags(),
		Action: func(ctx context.Context, c *cli.Command) error {
			f, err := loadExperiment(c)
			if err != nil {
				return err
			}
			if f.Patch == nil {
				return fmt.Errorf("%s has no patch section", f.Name)
			}
			rep, err := runExperiment(ctx, f)
			if err != nil {
				return err
			}
			printReport(os.Stdout, rep)
			return nil
		},
	}
}

func extractCmd() *cli.Command {
	return &cli.Command{
		Name:      "extract",
		Usage:     "Run only the circuit section of an experiment and report the circuit metric",
		ArgsUsage: "<experiment.yaml>",
		Flags:     experimentFlags(),
		Action: func(ctx context.Context, c *cli.Command) error {
			f, err := loadExperiment(c)
			if err != nil {
				return err
			}
			if f.Circuit == nil {
				return fmt.Errorf("%s has no circuit section", f.Name)
			}
			f.Patch = nil
			f.Output.SweepArrow = ""
			f.Output.SourceCache = ""
			rep, err := runExperiment(ctx, f)
			if err != nil {
				return err
			}
			printReport(os.Stdout, rep)
			return nil
		},
	}
}

// loadExperiment reads the experiment named by the first argument and
// applies command line and user config overrides.
func loadExperiment(c *cli.Command) (*experiment.File, error) {
	if c.NArg() != 1 {
		return nil, fmt.Errorf("expected exactly one experiment file")
	}
	applyExperimentConfig(c, userCfg)
	f, err := experiment.Load(c.Args().First())
	if err != nil {
		return nil, err
	}
	if replicas >= 0 {
		f.Replicas = int(replicas)
	}
	if outputDir != "" {
		dir, err := filepath.Abs(outputDir)
		if err != nil {
			return nil, err
		}
		f.Output.Dir = dir
	}
	return f, nil
}

func runExperiment(ctx context.Context, f *experiment.File) (*experiment.Report, error) {
	log := logger.FromContext(ctx)
	if f.Output.Dir != "" {
		if err := os.MkdirAll(f.Output.Dir, 0o755); err != nil {
			return nil, fmt.Errorf("create output dir: %w", err)
		}
	}
	e, err := experiment.Build(f, log)
	if err != nil {
		return nil, err
	}
	log.Info("running experiment", "name", f.Name, "replicas", f.Replicas)
	return e.Run(ctx)
}

func printReport(w io.Writer, rep *experiment.Report) {
	_, _ = fmt.Fprintf(w, "run:      %s\n", rep.RunID)
	_, _ = fmt.Fprintf(w, "name:     %s\n", rep.Name)
	_, _ = fmt.Fprintf(w, "duration: %s\n", rep.Duration)
	if rep.Circuit != nil {
		_, _ = fmt.Fprintf(w, "circuit:  %d heads kept, %d ablated (%s)\n", len(rep.Circuit.Kept), len(rep.Circuit.Ablated), rep.Circuit.Mode)
	}
	if v := rep.CircuitMetric; v != nil {
		_, _ = fmt.Fprintf(w, "circuit %s: %.4f ± %.4f\n", rep.Metric, v.Mean, v.Std)
	}
	if s := rep.Sweep; s != nil {
		_, _ = fmt.Fprintf(w, "baseline %s: %.4f ± %.4f\n", rep.Metric, s.Baseline.Mean, s.Baseline.Std)
		_, _ = fmt.Fprintf(w, "forward passes: baseline %d, capture %d, patch %d\n", s.Stats.Baseline, s.Stats.Capture, s.Stats.Patch)
		printSweep(w, s.Results)
	}
	for _, p := range rep.Outputs {
		_, _ = fmt.Fprintf(w, "wrote %s\n", p)
	}
}

// printSweep prints one line per layer: the whole-layer value first, then
// one column per head when the sweep was per head.
func printSweep(w io.Writer, results []patch.Result) {
	layer := -2
	for _, r := range results {
		if r.Point.Layer != layer {
			if layer != -2 {
				_, _ = fmt.Fprintln(w)
			}
			layer = r.Point.Layer
			_, _ = fmt.Fprintf(w, "%-10s", layerLabel(layer))
		}
		_, _ = fmt.Fprintf(w, " %9.4f", r.Value.Mean)
	}
	if layer != -2 {
		_, _ = fmt.Fprintln(w)
	}
}

func layerLabel(l int) string {
	if l < 0 {
		return "hooks"
	}
	return fmt.Sprintf("layer %d", l)
}
