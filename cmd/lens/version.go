package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/goccy/go-json"
	"github.com/urfave/cli/v3"

	"github.com/samcharles93/lens/internal/version"
)

func versionCmd() *cli.Command {
	return &cli.Command{
		Name:  "version",
		Usage: "Print version and build information",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "json", Usage: "Print as JSON"},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			return printVersion(os.Stdout, version.Resolve(), cmd.Bool("json"))
		},
	}
}

func printVersion(w io.Writer, info version.Info, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	}
	rows := [][2]string{{"version", info.Version}, {"commit", info.Commit}, {"built", info.BuildTime}, {"go", info.GoVersion}}
	if info.Commit != "" {
		tree := "clean"
		if info.Modified {
			tree = "modified"
		}
		rows = append(rows, [2]string{"tree", tree})
	}
	for _, r := range rows {
		if r[1] == "" {
			continue
		}
		if _, err := fmt.Fprintf(w, "%-8s %s\n", r[0]+":", r[1]); err != nil {
			return err
		}
	}
	return nil
}
