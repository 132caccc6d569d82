package main

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/urfave/cli/v3"
)

var (
	logLevel    string
	logFormat   string
	debug       bool
	metricsFile string
	replicas    int64
	outputDir   string
)

func loggingFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "log-level",
			Usage:       "log level (debug, info, warn, error)",
			Value:       "info",
			Destination: &logLevel,
		},
		&cli.StringFlag{
			Name:        "log-format",
			Usage:       "log format (pretty, json, text)",
			Value:       "pretty",
			Destination: &logFormat,
		},
		&cli.BoolFlag{
			Name:        "debug",
			Usage:       "enable debug logging (shorthand for --log-level=debug)",
			Destination: &debug,
		},
	}
}

func metricsFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "metrics-file",
			Usage:       "write Prometheus metrics in text format to this file on exit",
			Destination: &metricsFile,
		},
	}
}

func experimentFlags() []cli.Flag {
	return []cli.Flag{
		&cli.Int64Flag{
			Name:        "replicas",
			Usage:       "extra model instances for the sweep (overrides the experiment file)",
			Value:       -1,
			Destination: &replicas,
		},
		&cli.StringFlag{
			Name:        "output-dir",
			Aliases:     []string{"o"},
			Usage:       "directory for experiment outputs (overrides the experiment file)",
			Destination: &outputDir,
		},
	}
}

func writeMetricsFile() error {
	if metricsFile == "" {
		return nil
	}
	if err := prometheus.WriteToTextfile(metricsFile, prometheus.DefaultGatherer); err != nil {
		return fmt.Errorf("write metrics: %w", err)
	}
	return nil
}
