package hook

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/samcharles93/lens/internal/tensor"
)

func addN(n float32) Func {
	return func(v *tensor.Tensor, _ *Point) (*tensor.Tensor, error) {
		out := v.Clone()
		for i := range out.Data {
			out.Data[i] += n
		}
		return out, nil
	}
}

func mulN(n float32) Func {
	return func(v *tensor.Tensor, _ *Point) (*tensor.Tensor, error) {
		out := v.Clone()
		for i := range out.Data {
			out.Data[i] *= n
		}
		return out, nil
	}
}

func TestForwardWithoutHooksIsIdentity(t *testing.T) {
	r := NewRegistry()
	p := r.MustRegister("x")
	in := tensor.FromData([]float32{1, 2, 3}, 3)
	out, err := p.Forward(in)
	if err != nil {
		t.Fatal(err)
	}
	if out != in {
		t.Fatal("expected the same tensor back with no hooks installed")
	}
}

func TestRegistrationOrderIsObservable(t *testing.T) {
	tests := []struct {
		name  string
		hooks []Func
		want  float32
	}{
		{"add then mul", []Func{addN(5), mulN(2)}, (1 + 5) * 2},
		{"mul then add", []Func{mulN(2), addN(5)}, 1*2 + 5},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			r := NewRegistry()
			p := r.MustRegister("x")
			for _, fn := range tc.hooks {
				if _, err := r.Add("x", fn); err != nil {
					t.Fatal(err)
				}
			}
			out, err := p.Forward(tensor.FromData([]float32{1}, 1))
			if err != nil {
				t.Fatal(err)
			}
			if out.Data[0] != tc.want {
				t.Fatalf("got %f, want %f", out.Data[0], tc.want)
			}
		})
	}
}

func TestCallbackReceivesItsPoint(t *testing.T) {
	r := NewRegistry()
	r.MustRegister("a")
	r.MustRegister("b")
	var seen []string
	record := func(v *tensor.Tensor, p *Point) (*tensor.Tensor, error) {
		seen = append(seen, p.Name())
		return v, nil
	}
	for _, n := range []string{"a", "b"} {
		if _, err := r.Add(n, record); err != nil {
			t.Fatal(err)
		}
	}
	for _, n := range []string{"b", "a"} {
		p, _ := r.Point(n)
		if _, err := p.Forward(tensor.New(1)); err != nil {
			t.Fatal(err)
		}
	}
	if diff := cmp.Diff([]string{"b", "a"}, seen); diff != "" {
		t.Fatalf("point identity mismatch (-want +got):\n%s", diff)
	}
}

func TestUnknownHookFailsAtAdd(t *testing.T) {
	r := NewRegistry()
	r.MustRegister("x")
	_, err := r.Add("nope", addN(1))
	if !errors.Is(err, ErrNoSuchHook) {
		t.Fatalf("expected ErrNoSuchHook, got %v", err)
	}
	if err := r.Check("x", "nope"); !errors.Is(err, ErrNoSuchHook) {
		t.Fatalf("Check: expected ErrNoSuchHook, got %v", err)
	}
}

func TestDuplicateRegistration(t *testing.T) {
	r := NewRegistry()
	r.MustRegister("x")
	if _, err := r.Register("x"); !errors.Is(err, ErrDuplicateHook) {
		t.Fatalf("expected ErrDuplicateHook, got %v", err)
	}
}

func TestRemoveAndReset(t *testing.T) {
	r := NewRegistry()
	p := r.MustRegister("x")
	r.MustRegister("y")
	h1, _ := r.Add("x", addN(1))
	_, _ = r.Add("x", addN(10))
	_, _ = r.Add("y", addN(100))

	if err := r.Remove(h1); err != nil {
		t.Fatal(err)
	}
	if err := r.Remove(h1); !errors.Is(err, ErrUnknownHandle) {
		t.Fatalf("second remove: expected ErrUnknownHandle, got %v", err)
	}
	out, _ := p.Forward(tensor.FromData([]float32{0}, 1))
	if out.Data[0] != 10 {
		t.Fatalf("got %f after removing first hook, want 10", out.Data[0])
	}
	if diff := cmp.Diff(map[string]int{"x": 1, "y": 1}, r.Counts()); diff != "" {
		t.Fatalf("counts mismatch (-want +got):\n%s", diff)
	}

	r.Reset()
	if r.Installed() != 0 {
		t.Fatalf("Installed() = %d after Reset", r.Installed())
	}
	if !r.Has("x") || !r.Has("y") {
		t.Fatal("Reset must not destroy points")
	}
}

func TestRemoveTag(t *testing.T) {
	r := NewRegistry()
	r.MustRegister("x")
	r.MustRegister("y")
	_, _ = r.AddTagged("x", "circuit", addN(1))
	_, _ = r.AddTagged("y", "circuit", addN(1))
	_, _ = r.Add("x", addN(1))
	if n := r.RemoveTag("circuit"); n != 2 {
		t.Fatalf("RemoveTag removed %d, want 2", n)
	}
	if diff := cmp.Diff(map[string]int{"x": 1}, r.Counts()); diff != "" {
		t.Fatalf("counts mismatch (-want +got):\n%s", diff)
	}
}

func TestDetachTagRestoresOrder(t *testing.T) {
	r := NewRegistry()
	x := r.MustRegister("x")
	r.MustRegister("y")
	_, _ = r.Add("x", addN(1))
	_, _ = r.AddTagged("x", "circuit", mulN(3))
	_, _ = r.Add("x", addN(2))
	_, _ = r.AddTagged("y", "circuit", addN(1))

	n, restore := r.DetachTag("circuit")
	if n != 2 {
		t.Fatalf("DetachTag removed %d, want 2", n)
	}
	if diff := cmp.Diff(map[string]int{"x": 2}, r.Counts()); diff != "" {
		t.Fatalf("counts after detach (-want +got):\n%s", diff)
	}
	_, _ = r.AddTagged("x", "circuit", addN(10))
	restore()

	// ((0+1)*3+2)+10
	out, err := x.Forward(tensor.FromData([]float32{0}, 1))
	if err != nil {
		t.Fatal(err)
	}
	if out.Data[0] != 15 {
		t.Fatalf("restored chain gave %g, want 15", out.Data[0])
	}
	if diff := cmp.Diff(map[string]int{"x": 4, "y": 1}, r.Counts()); diff != "" {
		t.Fatalf("counts after restore (-want +got):\n%s", diff)
	}
}

func TestCallbackErrorAndNil(t *testing.T) {
	r := NewRegistry()
	p := r.MustRegister("x")
	boom := errors.New("boom")
	_, _ = r.Add("x", func(*tensor.Tensor, *Point) (*tensor.Tensor, error) { return nil, boom })
	if _, err := p.Forward(tensor.New(1)); !errors.Is(err, boom) {
		t.Fatalf("expected wrapped callback error, got %v", err)
	}
	r.Reset()
	_, _ = r.Add("x", func(*tensor.Tensor, *Point) (*tensor.Tensor, error) { return nil, nil })
	if _, err := p.Forward(tensor.New(1)); !errors.Is(err, ErrNilValue) {
		t.Fatalf("expected ErrNilValue, got %v", err)
	}
}

func TestScopeRemovesOnlyItsHooks(t *testing.T) {
	r := NewRegistry()
	r.MustRegister("x")
	r.MustRegister("y")
	_, _ = r.Add("x", addN(1))
	before := r.Counts()

	func() {
		s := r.NewScope()
		defer func() { _ = s.Close() }()
		if err := s.Add("x", addN(2)); err != nil {
			t.Fatal(err)
		}
		if err := s.Add("y", addN(3)); err != nil {
			t.Fatal(err)
		}
		if err := s.Add("missing", addN(3)); !errors.Is(err, ErrNoSuchHook) {
			t.Fatalf("expected ErrNoSuchHook, got %v", err)
		}
		if s.Len() != 2 {
			t.Fatalf("scope len %d, want 2", s.Len())
		}
	}()

	if diff := cmp.Diff(before, r.Counts()); diff != "" {
		t.Fatalf("scope left residual hooks (-want +got):\n%s", diff)
	}
}

func TestScopeCloseOnPanic(t *testing.T) {
	r := NewRegistry()
	r.MustRegister("x")
	func() {
		defer func() { _ = recover() }()
		s := r.NewScope()
		defer func() { _ = s.Close() }()
		_ = s.Add("x", addN(1))
		panic("forward pass blew up")
	}()
	if r.Installed() != 0 {
		t.Fatalf("Installed() = %d after panic", r.Installed())
	}
}
