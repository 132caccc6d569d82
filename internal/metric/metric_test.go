package metric

import (
	"errors"
	"math"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"github.com/samcharles93/lens/internal/dataset"
	"github.com/samcharles93/lens/internal/tensor"
)

func logitsOnly(t *tensor.Tensor) Output { return Output{Logits: t} }

// twoPrompts has prompt 0 ending at position 2 and prompt 1 at position 1.
func twoPrompts() (*tensor.Tensor, *dataset.Dataset) {
	logits := tensor.New(2, 3, 4)
	copy(logits.Sub(0, 2), []float32{0, 3, 1, 0})
	copy(logits.Sub(1, 1), []float32{2, 0, 0, 5})
	// Garbage at a non-end position must be ignored.
	copy(logits.Sub(0, 0), []float32{100, -100, 100, 100})
	ds := &dataset.Dataset{
		Tokens:   [][]int{{1, 2, 3}, {1, 2}},
		WordIdx:  map[string][]int{dataset.RoleEnd: {2, 1}},
		IOTokens: []int{1, 3},
		STokens:  []int{2, 0},
	}
	return logits, ds
}

func TestLogitDiffUsesPerPromptEnd(t *testing.T) {
	logits, ds := twoPrompts()
	got, err := LogitDiff(logitsOnly(logits), ds)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]float64{2, 3}, got); diff != "" {
		t.Fatalf("logit diff mismatch (-want +got):\n%s", diff)
	}
}

func TestIOProb(t *testing.T) {
	logits, ds := twoPrompts()
	got, err := IOProb(logitsOnly(logits), ds)
	if err != nil {
		t.Fatal(err)
	}
	e := math.Exp
	want := []float64{
		e(3) / (e(0) + e(3) + e(1) + e(0)),
		e(5) / (e(2) + e(0) + e(0) + e(5)),
	}
	if diff := cmp.Diff(want, got, cmpopts.EquateApprox(0, 1e-12)); diff != "" {
		t.Fatalf("io prob mismatch (-want +got):\n%s", diff)
	}
}

func TestMissingAnswerTokens(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*dataset.Dataset)
	}{
		{"no S tokens", func(d *dataset.Dataset) { d.STokens = nil }},
		{"IO past vocabulary", func(d *dataset.Dataset) { d.IOTokens[1] = 4 }},
		{"negative IO", func(d *dataset.Dataset) { d.IOTokens[0] = -1 }},
		{"negative S", func(d *dataset.Dataset) { d.STokens[1] = -3 }},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			logits, ds := twoPrompts()
			tc.mutate(ds)
			if _, err := LogitDiff(logitsOnly(logits), ds); err == nil {
				t.Fatal("expected an error from LogitDiff")
			}
			if _, err := IOProb(logitsOnly(logits), ds); err == nil {
				t.Fatal("expected an error from IOProb")
			}
		})
	}
}

func TestCompareModes(t *testing.T) {
	logits, ds := twoPrompts()
	baseline := []float64{4, -6}

	abs := Metric{Name: "ld", Fn: LogitDiff}
	v, err := abs.Compare(baseline, logitsOnly(logits), ds)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(Value{PerPrompt: []float64{2, 3}, Mean: 2.5, Std: math.Sqrt(0.5)}, v, cmpopts.EquateApprox(0, 1e-12)); diff != "" {
		t.Fatalf("absolute value mismatch (-want +got):\n%s", diff)
	}

	rel := Metric{Name: "ld", Fn: LogitDiff, Relative: true}
	v, err = rel.Compare(baseline, logitsOnly(logits), ds)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]float64{-0.5, 1.5}, v.PerPrompt); diff != "" {
		t.Fatalf("relative mismatch (-want +got):\n%s", diff)
	}

	scalar := Metric{Name: "ld", Fn: LogitDiff, Relative: true, Scalar: true}
	v, err = scalar.Compare(baseline, logitsOnly(logits), ds)
	if err != nil {
		t.Fatal(err)
	}
	if v.PerPrompt != nil || v.Mean != 0.5 {
		t.Fatalf("scalar value = %+v", v)
	}

	variation := Metric{Name: "ld", Fn: LogitDiff, Variation: true}
	v, err = variation.Compare(baseline, logitsOnly(logits), ds)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]float64{-2, 9}, v.PerPrompt); diff != "" {
		t.Fatalf("variation mismatch (-want +got):\n%s", diff)
	}

	// Relative takes precedence: it is the scaled variation.
	both := Metric{Name: "ld", Fn: LogitDiff, Variation: true, Relative: true}
	v, err = both.Compare(baseline, logitsOnly(logits), ds)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]float64{-0.5, 1.5}, v.PerPrompt); diff != "" {
		t.Fatalf("scaled variation mismatch (-want +got):\n%s", diff)
	}
}

func TestRelativeChangeZeroBaseline(t *testing.T) {
	if _, err := RelativeChange([]float64{1}, []float64{0}); !errors.Is(err, ErrZeroBaseline) {
		t.Fatalf("expected ErrZeroBaseline, got %v", err)
	}
	if _, err := RelativeChange([]float64{1, 2}, []float64{1}); err == nil {
		t.Fatal("expected length mismatch error")
	}
}

func TestRawChecksLength(t *testing.T) {
	logits, ds := twoPrompts()
	m := Metric{Name: "short", Fn: func(Output, *dataset.Dataset) ([]float64, error) {
		return []float64{1}, nil
	}}
	if _, err := m.Evaluate(logitsOnly(logits), ds); err == nil {
		t.Fatal("expected a length error")
	}
}

func TestTopK(t *testing.T) {
	logits, _ := twoPrompts()
	got, err := TopK(logits, 1, 1, 2)
	if err != nil {
		t.Fatal(err)
	}
	want := []Token{{ID: 3, Logit: 5}, {ID: 0, Logit: 2}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("top-k mismatch (-want +got):\n%s", diff)
	}
	all, err := TopK(logits, 0, 0, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 4 {
		t.Fatalf("TopK with k > vocab returned %d tokens", len(all))
	}

	for _, bad := range [][2]int{{2, 0}, {-1, 0}, {0, 3}, {0, -1}} {
		if _, err := TopK(logits, bad[0], bad[1], 1); err == nil {
			t.Fatalf("TopK(%d, %d): expected an out of range error", bad[0], bad[1])
		}
	}
}

func TestByName(t *testing.T) {
	m, err := ByName("logit_diff", Params{})
	if err != nil {
		t.Fatal(err)
	}
	if m.Name != "logit_diff" || m.Fn == nil || m.Hooks != nil {
		t.Fatalf("unexpected metric %+v", m)
	}
	m, err = ByName("attn_prob", Params{Heads: []Head{{Layer: 1, Head: 0}}, Key: dataset.RoleS2})
	if err != nil {
		t.Fatal(err)
	}
	if m.Hooks == nil || !m.Hooks("blocks.1.attn.hook_attn") || m.Hooks("blocks.0.attn.hook_attn") {
		t.Fatal("attn_prob must record exactly the pattern of its heads' layers")
	}
	if _, err := ByName("attn_prob", Params{}); err == nil {
		t.Fatal("expected an error for attn_prob without heads")
	}
	if _, err := ByName("accuracy", Params{}); !errors.Is(err, ErrUnknownMetric) {
		t.Fatalf("expected ErrUnknownMetric, got %v", err)
	}
}
