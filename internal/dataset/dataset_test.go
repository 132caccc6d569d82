package dataset

import (
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func sample() *Dataset {
	return &Dataset{
		Name:        "ioi",
		TextPrompts: []string{"a b c a d e f to", "b a b c to"},
		Tokens: [][]int{
			{1, 2, 3, 1, 4, 5, 6, 7},
			{2, 1, 2, 3, 7},
		},
		WordIdx: map[string][]int{
			RoleIO:  {1, 1},
			RoleS:   {0, 0},
			RoleS2:  {3, 2},
			RoleEnd: {7, 4},
		},
		IOTokens: []int{2, 1},
		STokens:  []int{1, 2},
	}
}

func TestPositionsAreDatasetRelative(t *testing.T) {
	d := sample()
	got, err := d.Positions(RoleEnd)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]int{7, 4}, got); diff != "" {
		t.Fatalf("end positions mismatch (-want +got):\n%s", diff)
	}
	if _, err := d.Positions(RoleS1); !errors.Is(err, ErrUnknownRole) {
		t.Fatalf("expected ErrUnknownRole, got %v", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Dataset)
		want   string
	}{
		{"ok", func(*Dataset) {}, ""},
		{"empty", func(d *Dataset) { d.Tokens = nil }, "no prompts"},
		{"role length", func(d *Dataset) { d.WordIdx[RoleIO] = []int{1} }, "role IO has 1 entries"},
		{"role out of range", func(d *Dataset) { d.WordIdx[RoleEnd] = []int{7, 5} }, "position 5 outside"},
		{"prompt count", func(d *Dataset) { d.TextPrompts = d.TextPrompts[:1] }, "1 text prompts"},
		{"io tokens", func(d *Dataset) { d.IOTokens = []int{1, 2, 3} }, "3 io tokens"},
		{"negative io token", func(d *Dataset) { d.IOTokens[1] = -1 }, "prompt 1: negative io token -1"},
		{"negative s token", func(d *Dataset) { d.STokens[0] = -4 }, "prompt 0: negative s token -4"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			d := sample()
			tc.mutate(d)
			err := d.Validate()
			if tc.want == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("expected error containing %q, got %v", tc.want, err)
			}
		})
	}
}

func TestSaveLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ds.json")
	d := sample()
	if err := d.Save(path); err != nil {
		t.Fatal(err)
	}
	got, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(d, got); diff != "" {
		t.Fatalf("dataset mismatch (-want +got):\n%s", diff)
	}
	if got.MaxLen() != 8 {
		t.Fatalf("MaxLen = %d", got.MaxLen())
	}
	if diff := cmp.Diff([]int{8, 5}, got.Lengths()); diff != "" {
		t.Fatalf("lengths mismatch (-want +got):\n%s", diff)
	}
}
