package version

import (
	"runtime/debug"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestFillFromBuildInfo(t *testing.T) {
	bi := &debug.BuildInfo{
		GoVersion: "go1.25.1",
		Main:      debug.Module{Version: "v0.3.1"},
		Settings: []debug.BuildSetting{
			{Key: "vcs.revision", Value: "0123456789abcdef0123"},
			{Key: "vcs.time", Value: "2026-01-02T03:04:05Z"},
			{Key: "vcs.modified", Value: "true"},
		},
	}

	t.Run("build info fills blanks", func(t *testing.T) {
		var got Info
		fillFromBuildInfo(&got, bi)
		want := Info{Version: "v0.3.1", Commit: "0123456789abcdef0123", BuildTime: "2026-01-02T03:04:05Z", Modified: true, GoVersion: "go1.25.1"}
		if diff := cmp.Diff(want, got); diff != "" {
			t.Fatalf("info mismatch (-want +got):\n%s", diff)
		}
	})

	t.Run("ldflags win", func(t *testing.T) {
		got := Info{Version: "v1.0.0", Commit: "feedface"}
		fillFromBuildInfo(&got, bi)
		if got.Version != "v1.0.0" || got.Commit != "feedface" {
			t.Fatalf("ldflags overwritten: %+v", got)
		}
	})

	t.Run("devel main module is ignored", func(t *testing.T) {
		var got Info
		fillFromBuildInfo(&got, &debug.BuildInfo{Main: debug.Module{Version: "(devel)"}})
		if got.Version != "" {
			t.Fatalf("version %q, want empty", got.Version)
		}
	})
}

func TestShortCommit(t *testing.T) {
	if got := shortCommit("0123456789abcdef"); got != "0123456789ab" {
		t.Fatalf("shortCommit = %q", got)
	}
	if got := shortCommit("abc"); got != "abc" {
		t.Fatalf("shortCommit = %q", got)
	}
}
