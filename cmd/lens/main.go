package main

import (
	"context"
	"fmt"
	"os"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/lens/internal/logger"
)

func main() {
	app := &cli.Command{
		Name:  "lens",
		Usage: "Activation capture, patching and circuit extraction for transformer models",
		Flags: append(loggingFlags(), metricsFlags()...),
		Before: func(ctx context.Context, cmd *cli.Command) (context.Context, error) {
			userCfg = LoadConfig()
			applyGlobalConfig(cmd, userCfg)
			level := logLevel
			if debug {
				level = "debug"
			}
			return logger.WithContext(ctx, logger.Setup(os.Stderr, level, logFormat)), nil
		},
		After: func(ctx context.Context, cmd *cli.Command) error {
			return writeMetricsFile()
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			return cli.ShowAppHelp(cmd)
		},
		Commands: []*cli.Command{
			sweepCmd(),
			extractCmd(),
			captureCmd(),
			hooksCmd(),
			weightsCmd(),
			versionCmd(),
		},
	}

	if err := app.Run(context.Background(), os.Args); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
