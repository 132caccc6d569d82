package activation

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/samcharles93/lens/internal/hook"
	"github.com/samcharles93/lens/internal/model"
	"github.com/samcharles93/lens/internal/tensor"
)

func newTestModel(t *testing.T) *model.Transformer {
	t.Helper()
	cfg := model.Config{Layers: 2, Heads: 3, DModel: 6, DHead: 2, DMLP: 8, VocabSize: 11, MaxLen: 8}
	m, err := model.NewRandomTransformer(cfg, 7)
	if err != nil {
		t.Fatal(err)
	}
	return m
}

var batch = [][]int{{1, 2, 3, 4}, {5, 6}}

func TestCaptureRecordsMatchedPoints(t *testing.T) {
	m := newTestModel(t)
	ctx := context.Background()

	cache, logits, err := Capture(ctx, m, Suffix("hook_result"), batch)
	if err != nil {
		t.Fatal(err)
	}
	want := []string{model.ActName(model.ActResult, 0), model.ActName(model.ActResult, 1)}
	if diff := cmp.Diff(want, cache.Names()); diff != "" {
		t.Fatalf("cached names mismatch (-want +got):\n%s", diff)
	}
	res, err := cache.Lookup(want[0])
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]int{2, 4, 3, 6}, res.Shape); diff != "" {
		t.Fatalf("result shape mismatch (-want +got):\n%s", diff)
	}

	plain, err := m.Forward(ctx, batch)
	if err != nil {
		t.Fatal(err)
	}
	if !plain.Equal(logits) {
		t.Fatal("capture must not change the model output")
	}
	if m.Hooks().Installed() != 0 {
		t.Fatalf("capture left %d hooks installed", m.Hooks().Installed())
	}
}

func TestCaptureRecordsValueAfterEarlierHooks(t *testing.T) {
	m := newTestModel(t)
	name := model.ActName(model.ActAttnOut, 0)
	_, err := m.Hooks().Add(name, func(v *tensor.Tensor, _ *hook.Point) (*tensor.Tensor, error) {
		out := tensor.New(v.Shape...)
		return out, nil
	})
	if err != nil {
		t.Fatal(err)
	}
	cache, _, err := Capture(context.Background(), m, Names(name), batch)
	if err != nil {
		t.Fatal(err)
	}
	got, _ := cache.Get(name)
	for _, v := range got.Data {
		if v != 0 {
			t.Fatal("expected the zeroed value installed by the earlier hook")
		}
	}
	if diff := cmp.Diff(map[string]int{name: 1}, m.Hooks().Counts()); diff != "" {
		t.Fatalf("registry changed (-want +got):\n%s", diff)
	}
}

func TestCaptureLeavesNoResidualHooks(t *testing.T) {
	boom := errors.New("boom")
	preds := map[string]Predicate{
		"all":    All(),
		"none":   Names(),
		"prefix": Prefix("blocks.1."),
	}
	for name, pred := range preds {
		for _, fail := range []bool{false, true} {
			m := newTestModel(t)
			reg := m.Hooks()
			_, _ = reg.Add(model.HookEmbed, func(v *tensor.Tensor, _ *hook.Point) (*tensor.Tensor, error) { return v, nil })
			if fail {
				_, _ = reg.Add(model.ActName(model.ActResidPost, 1), func(*tensor.Tensor, *hook.Point) (*tensor.Tensor, error) {
					return nil, boom
				})
			}
			before := reg.Counts()

			cache, _, err := Capture(context.Background(), m, pred, batch)
			if fail {
				if !errors.Is(err, boom) {
					t.Fatalf("%s: expected boom, got %v", name, err)
				}
				if cache != nil {
					t.Fatalf("%s: partial cache returned on failure", name)
				}
			} else if err != nil {
				t.Fatalf("%s: %v", name, err)
			}
			if diff := cmp.Diff(before, reg.Counts()); diff != "" {
				t.Fatalf("%s fail=%v: registry changed (-want +got):\n%s", name, fail, diff)
			}
		}
	}
}

func TestCaptureIncompleteWhenPointDoesNotFire(t *testing.T) {
	m := newTestModel(t)
	// A registered point the forward pass never reaches.
	if _, err := m.Hooks().Register("blocks.9.hook_unused"); err != nil {
		t.Fatal(err)
	}
	_, _, err := Capture(context.Background(), m, Prefix("blocks.9."), batch)
	if !errors.Is(err, ErrIncompleteCapture) {
		t.Fatalf("expected ErrIncompleteCapture, got %v", err)
	}
	if m.Hooks().Installed() != 0 {
		t.Fatal("incomplete capture left hooks installed")
	}
}

func TestMatchPredicate(t *testing.T) {
	p, err := Match(`^blocks\.\d+\.attn\.hook_(q|k)$`)
	if err != nil {
		t.Fatal(err)
	}
	if !p("blocks.3.attn.hook_q") || p("blocks.3.attn.hook_v") {
		t.Fatal("regexp predicate mismatch")
	}
	if _, err := Match("("); err == nil {
		t.Fatal("expected compile error")
	}
}

func TestMeanOverTokensSkipsPadding(t *testing.T) {
	x := tensor.FromData([]float32{
		1, 2, // b0 p0
		3, 4, // b0 p1
		5, 6, // b1 p0
		100, 100, // b1 p1 (padding)
	}, 2, 2, 2)
	mean, err := MeanOverTokens(x, []int{2, 1})
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]float32{3, 4}, mean.Data); diff != "" {
		t.Fatalf("mean mismatch (-want +got):\n%s", diff)
	}
	if _, err := MeanOverTokens(x, []int{0, 0}); err == nil {
		t.Fatal("expected error when no tokens are counted")
	}
}

func TestSafetensorsRoundTrip(t *testing.T) {
	m := newTestModel(t)
	cache, _, err := Capture(context.Background(), m, Prefix("blocks.0."), batch)
	if err != nil {
		t.Fatal(err)
	}
	var buf bytes.Buffer
	if err := cache.WriteSafetensors(&buf, nil); err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(t.TempDir(), "cache.safetensors")
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		t.Fatal(err)
	}
	got, err := ReadSafetensors(path)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(cache.Names(), got.Names()); diff != "" {
		t.Fatalf("names mismatch (-want +got):\n%s", diff)
	}
	for _, n := range cache.Names() {
		a, _ := cache.Get(n)
		b, _ := got.Get(n)
		if !a.Equal(b) {
			t.Fatalf("%s differs after round trip", n)
		}
	}
}
