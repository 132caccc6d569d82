package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/goccy/go-json"
	"github.com/google/go-cmp/cmp"
	"github.com/urfave/cli/v3"

	"github.com/samcharles93/lens/internal/metric"
	"github.com/samcharles93/lens/internal/patch"
	"github.com/samcharles93/lens/internal/version"
)

func TestLoadConfig(t *testing.T) {
	t.Run("missing file gives zero config", func(t *testing.T) {
		t.Setenv("XDG_CONFIG_HOME", t.TempDir())
		t.Setenv("HOME", t.TempDir())
		cfg := LoadConfig()
		if cfg.LogLevel != "" || cfg.Replicas != nil {
			t.Fatalf("expected zero config, got %+v", cfg)
		}
	})

	t.Run("reads lens/config.yaml", func(t *testing.T) {
		dir := t.TempDir()
		t.Setenv("XDG_CONFIG_HOME", dir)
		t.Setenv("HOME", dir)
		path := configPath()
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			t.Fatal(err)
		}
		data := []byte("log_level: warn\nreplicas: 3\noutput_dir: /tmp/lens-out\n")
		if err := os.WriteFile(path, data, 0o644); err != nil {
			t.Fatal(err)
		}
		cfg := LoadConfig()
		if cfg.LogLevel != "warn" || cfg.OutputDir != "/tmp/lens-out" {
			t.Fatalf("unexpected config %+v", cfg)
		}
		if cfg.Replicas == nil || *cfg.Replicas != 3 {
			t.Fatalf("replicas = %v, want 3", cfg.Replicas)
		}
	})
}

func TestExperimentConfigOnlyFillsUnsetFlags(t *testing.T) {
	three := int64(3)
	cfg := Config{Replicas: &three, OutputDir: "from-config"}

	run := func(args ...string) {
		t.Helper()
		replicas, outputDir = -1, ""
		cmd := &cli.Command{
			Name:  "test",
			Flags: experimentFlags(),
			Action: func(ctx context.Context, c *cli.Command) error {
				applyExperimentConfig(c, cfg)
				return nil
			},
		}
		if err := cmd.Run(context.Background(), append([]string{"test"}, args...)); err != nil {
			t.Fatal(err)
		}
	}

	run()
	if replicas != 3 || outputDir != "from-config" {
		t.Fatalf("defaults not applied: replicas=%d output=%q", replicas, outputDir)
	}
	run("--replicas", "0", "-o", "cli")
	if replicas != 0 || outputDir != "cli" {
		t.Fatalf("flags overridden by config: replicas=%d output=%q", replicas, outputDir)
	}
}

func TestPrintSweep(t *testing.T) {
	h := patch.Head
	results := []patch.Result{
		{Point: patch.GridPoint{Layer: 0}, Value: metric.Value{Mean: 1}},
		{Point: patch.GridPoint{Layer: 0, Head: h(0)}, Value: metric.Value{Mean: 0.5}},
		{Point: patch.GridPoint{Layer: 1}, Value: metric.Value{Mean: -2}},
	}
	var buf bytes.Buffer
	printSweep(&buf, results)
	want := "layer 0       1.0000    0.5000\nlayer 1      -2.0000\n"
	if buf.String() != want {
		t.Fatalf("got %q, want %q", buf.String(), want)
	}
}

func TestPrintVersion(t *testing.T) {
	info := version.Info{Version: "v0.3.1", Commit: "abc123", BuildTime: "2026-01-02T03:04:05Z", Modified: true}

	var buf bytes.Buffer
	if err := printVersion(&buf, info, false); err != nil {
		t.Fatal(err)
	}
	want := "version: v0.3.1\ncommit:  abc123\nbuilt:   2026-01-02T03:04:05Z\ntree:    modified\n"
	if buf.String() != want {
		t.Fatalf("got %q, want %q", buf.String(), want)
	}

	buf.Reset()
	if err := printVersion(&buf, version.Info{Version: "devel"}, false); err != nil {
		t.Fatal(err)
	}
	if buf.String() != "version: devel\n" {
		t.Fatalf("got %q for a build without vcs stamps", buf.String())
	}

	buf.Reset()
	if err := printVersion(&buf, info, true); err != nil {
		t.Fatal(err)
	}
	var got version.Info
	if err := json.Unmarshal(buf.Bytes(), &got); err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(info, got); diff != "" {
		t.Fatalf("json mismatch (-want +got):\n%s", diff)
	}
}
