package tensor

import (
	"errors"
	"math"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestOffsetAndSub(t *testing.T) {
	x := New(2, 3, 4)
	for i := range x.Data {
		x.Data[i] = float32(i)
	}
	if got := x.Offset(1, 2, 3); got != 23 {
		t.Fatalf("Offset(1,2,3) = %d, want 23", got)
	}
	if got := x.At(1, 0, 2); got != 14 {
		t.Fatalf("At(1,0,2) = %f, want 14", got)
	}
	sub := x.Sub(1, 1)
	if diff := cmp.Diff([]float32{16, 17, 18, 19}, sub); diff != "" {
		t.Fatalf("Sub(1,1) mismatch (-want +got):\n%s", diff)
	}
	sub[0] = -1
	if x.At(1, 1, 0) != -1 {
		t.Fatal("Sub must be a view")
	}
	if diff := cmp.Diff([]int{12, 4, 1}, x.Strides()); diff != "" {
		t.Fatalf("Strides mismatch (-want +got):\n%s", diff)
	}
}

func TestCloneIsDeep(t *testing.T) {
	x := FromData([]float32{1, 2, 3, 4}, 2, 2)
	y := x.Clone()
	y.Set(9, 0, 0)
	y.Shape[0] = 7
	if x.At(0, 0) != 1 || x.Shape[0] != 2 {
		t.Fatal("Clone shares storage with source")
	}
}

func TestCheckShape(t *testing.T) {
	if err := CheckShape([]int{2, 3}, []int{2, 3}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	err := CheckShape([]int{2, 3}, []int{3, 2})
	if !errors.Is(err, ErrShapeMismatch) {
		t.Fatalf("expected ErrShapeMismatch, got %v", err)
	}
}

func TestEqualIsBitwise(t *testing.T) {
	nan := float32(math.NaN())
	a := FromData([]float32{nan, 1}, 2)
	b := FromData([]float32{nan, 1}, 2)
	if !a.Equal(b) {
		t.Fatal("identical NaN payloads should compare equal")
	}
	c := FromData([]float32{float32(math.Copysign(0, -1)), 1}, 2)
	d := FromData([]float32{0, 1}, 2)
	if c.Equal(d) {
		t.Fatal("-0 and +0 differ bitwise")
	}
	if a.Equal(FromData([]float32{1, 1}, 1, 2)) {
		t.Fatal("different shapes must not compare equal")
	}
}

func TestFromDataPanicsOnLengthMismatch(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic")
		}
	}()
	FromData(make([]float32, 5), 2, 3)
}
