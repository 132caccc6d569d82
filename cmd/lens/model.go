package main

import (
	"context"
	"fmt"
	"os"
	"regexp"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/lens/internal/logger"
	"github.com/samcharles93/lens/internal/model"
)

func loadModelConfig(c *cli.Command) (model.Config, error) {
	if c.NArg() != 1 {
		return model.Config{}, fmt.Errorf("expected exactly one model config file")
	}
	return model.LoadConfig(c.Args().First())
}

func hooksCmd() *cli.Command {
	var filter string
	return &cli.Command{
		Name:      "hooks",
		Usage:     "List the hook points of a model config in firing order",
		ArgsUsage: "<model.yaml>",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "filter",
				Usage:       "only list hooks matching this regular expression",
				Destination: &filter,
			},
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			cfg, err := loadModelConfig(c)
			if err != nil {
				return err
			}
			var re *regexp.Regexp
			if filter != "" {
				if re, err = regexp.Compile(filter); err != nil {
					return fmt.Errorf("invalid filter: %w", err)
				}
			}
			m, err := model.NewTransformer(cfg, model.NewWeights(cfg))
			if err != nil {
				return err
			}
			for _, name := range m.Hooks().Names() {
				if re != nil && !re.MatchString(name) {
					continue
				}
				if axis := model.HeadAxis(model.KindOf(name)); axis >= 0 {
					fmt.Printf("%s\thead axis %d\n", name, axis)
				} else {
					fmt.Println(name)
				}
			}
			return nil
		},
	}
}

func weightsCmd() *cli.Command {
	var (
		seed int64
		out  string
	)
	return &cli.Command{
		Name:      "weights",
		Usage:     "Write randomly initialised weights for a model config as safetensors",
		ArgsUsage: "<model.yaml>",
		Flags: []cli.Flag{
			&cli.Int64Flag{
				Name:        "seed",
				Usage:       "initialisation seed",
				Destination: &seed,
			},
			&cli.StringFlag{
				Name:        "out",
				Aliases:     []string{"o"},
				Usage:       "output .safetensors file",
				Required:    true,
				Destination: &out,
			},
		},
		Action: func(ctx context.Context, c *cli.Command) (err error) {
			cfg, err := loadModelConfig(c)
			if err != nil {
				return err
			}
			fh, err := os.Create(out)
			if err != nil {
				return err
			}
			defer func() {
				if cerr := fh.Close(); err == nil {
					err = cerr
				}
			}()
			if err := model.SaveWeights(fh, cfg, model.RandomWeights(cfg, seed)); err != nil {
				return err
			}
			logger.FromContext(ctx).Info("wrote weights", "out", out, "layers", cfg.Layers, "heads", cfg.Heads, "seed", seed)
			return nil
		},
	}
}
