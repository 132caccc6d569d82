package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/lens/internal/activation"
	"github.com/samcharles93/lens/internal/dataset"
	"github.com/samcharles93/lens/internal/experiment"
	"github.com/samcharles93/lens/internal/export"
	"github.com/samcharles93/lens/internal/logger"
)

func captureCmd() *cli.Command {
	var (
		datasetPath string
		pattern     string
		out         string
	)
	return &cli.Command{
		Name:      "capture",
		Usage:     "Record activations of an experiment's model over a dataset",
		ArgsUsage: "<experiment.yaml>",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "dataset",
				Usage:       "dataset to run (default: the experiment's target dataset)",
				Destination: &datasetPath,
			},
			&cli.StringFlag{
				Name:        "hooks",
				Usage:       "regular expression selecting hook points",
				Value:       ".*",
				Destination: &pattern,
			},
			&cli.StringFlag{
				Name:        "out",
				Aliases:     []string{"o"},
				Usage:       "output file (.arrow or .safetensors)",
				Required:    true,
				Destination: &out,
			},
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			log := logger.FromContext(ctx)
			if c.NArg() != 1 {
				return fmt.Errorf("expected exactly one experiment file")
			}
			f, err := experiment.Load(c.Args().First())
			if err != nil {
				return err
			}
			m, err := f.BuildModel()
			if err != nil {
				return err
			}
			if datasetPath == "" {
				datasetPath = filepath.Join(filepath.Dir(c.Args().First()), f.Datasets.Target)
				if filepath.IsAbs(f.Datasets.Target) {
					datasetPath = f.Datasets.Target
				}
			}
			ds, err := dataset.Load(datasetPath)
			if err != nil {
				return err
			}
			pred, err := activation.Match(pattern)
			if err != nil {
				return err
			}
			cache, _, err := activation.Capture(ctx, m, pred, ds.Tokens)
			if err != nil {
				return err
			}
			md := map[string]string{"experiment": f.Name, "dataset": datasetPath, "hooks": pattern}
			switch strings.ToLower(filepath.Ext(out)) {
			case ".arrow":
				err = export.SaveCacheArrow(out, cache, md)
			case ".safetensors":
				err = saveSafetensors(out, cache, md)
			default:
				return fmt.Errorf("unsupported output format %q (.arrow, .safetensors)", filepath.Ext(out))
			}
			if err != nil {
				return err
			}
			log.Info("captured activations", "hooks", cache.Len(), "prompts", ds.N(), "out", out)
			return nil
		},
	}
}

func saveSafetensors(path string, cache *activation.Cache, md map[string]string) (err error) {
	fh, err := os.Create(path)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := fh.Close(); err == nil {
			err = cerr
		}
	}()
	return cache.WriteSafetensors(fh, md)
}
