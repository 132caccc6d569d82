package tensor

import (
	"errors"
	"fmt"
	"math"
)

// ErrShapeMismatch is returned whenever two tensors that must agree in shape
// do not.
var ErrShapeMismatch = errors.New("shape mismatch")

// Tensor is a dense row-major n-dimensional array of float32 values.
//
// Shape lists the extent of every dimension from outermost to innermost.
// Data always has exactly Numel() elements. A Tensor is a plain value holder:
// callers own the backing slice and may mutate it in place.
type Tensor struct {
	Shape []int
	Data  []float32
}

// New allocates a zeroed tensor with the given shape.
func New(shape ...int) *Tensor {
	n := numel(shape)
	return &Tensor{
		Shape: append([]int(nil), shape...),
		Data:  make([]float32, n),
	}
}

// FromData wraps data in a tensor of the given shape. It panics if the data
// length does not match the shape.
func FromData(data []float32, shape ...int) *Tensor {
	if numel(shape) != len(data) {
		panic(fmt.Sprintf("data length %d does not match shape %v", len(data), shape))
	}
	return &Tensor{
		Shape: append([]int(nil), shape...),
		Data:  data,
	}
}

func numel(shape []int) int {
	n := 1
	for _, d := range shape {
		if d < 0 {
			panic("negative dimension for tensor")
		}
		n *= d
	}
	return n
}

// Numel returns the number of elements held by t.
func (t *Tensor) Numel() int {
	return numel(t.Shape)
}

// Rank returns the number of dimensions.
func (t *Tensor) Rank() int {
	return len(t.Shape)
}

// Clone returns a deep copy of t.
func (t *Tensor) Clone() *Tensor {
	if t == nil {
		return nil
	}
	out := &Tensor{
		Shape: append([]int(nil), t.Shape...),
		Data:  make([]float32, len(t.Data)),
	}
	copy(out.Data, t.Data)
	return out
}

// SameShape reports whether t and o have identical shapes.
func (t *Tensor) SameShape(o *Tensor) bool {
	return ShapeEqual(t.Shape, o.Shape)
}

// ShapeEqual reports whether two shapes are identical.
func ShapeEqual(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// CheckShape returns a wrapped ErrShapeMismatch when got differs from want.
func CheckShape(want, got []int) error {
	if ShapeEqual(want, got) {
		return nil
	}
	return fmt.Errorf("%w: want %v, got %v", ErrShapeMismatch, want, got)
}

// Strides returns the row-major element strides of t.
func (t *Tensor) Strides() []int {
	s := make([]int, len(t.Shape))
	acc := 1
	for i := len(t.Shape) - 1; i >= 0; i-- {
		s[i] = acc
		acc *= t.Shape[i]
	}
	return s
}

// Offset returns the flat index of the element addressed by idx. Fewer
// indices than dimensions address the start of the corresponding sub-block.
func (t *Tensor) Offset(idx ...int) int {
	if len(idx) > len(t.Shape) {
		panic("too many indices for tensor")
	}
	off := 0
	stride := t.Numel()
	for i, v := range idx {
		stride /= t.Shape[i]
		if v < 0 || v >= t.Shape[i] {
			panic(fmt.Sprintf("index %d out of range for dim %d (size %d)", v, i, t.Shape[i]))
		}
		off += v * stride
	}
	return off
}

// SubLen returns the number of elements in the sub-block addressed by a
// prefix of k indices.
func (t *Tensor) SubLen(k int) int {
	return numel(t.Shape[k:])
}

// Sub returns a view of the contiguous sub-block addressed by the index
// prefix idx. Writes through the view update t.
func (t *Tensor) Sub(idx ...int) []float32 {
	off := t.Offset(idx...)
	return t.Data[off : off+t.SubLen(len(idx))]
}

// At returns the element at idx. len(idx) must equal the rank.
func (t *Tensor) At(idx ...int) float32 {
	if len(idx) != len(t.Shape) {
		panic("At requires one index per dimension")
	}
	return t.Data[t.Offset(idx...)]
}

// Set stores v at idx. len(idx) must equal the rank.
func (t *Tensor) Set(v float32, idx ...int) {
	if len(idx) != len(t.Shape) {
		panic("Set requires one index per dimension")
	}
	t.Data[t.Offset(idx...)] = v
}

// Fill sets every element of t to v.
func (t *Tensor) Fill(v float32) {
	for i := range t.Data {
		t.Data[i] = v
	}
}

// Equal reports whether t and o have the same shape and bitwise identical
// contents. NaNs compare equal to NaNs with the same bit pattern.
func (t *Tensor) Equal(o *Tensor) bool {
	if t == nil || o == nil {
		return t == o
	}
	if !t.SameShape(o) {
		return false
	}
	for i := range t.Data {
		if math.Float32bits(t.Data[i]) != math.Float32bits(o.Data[i]) {
			return false
		}
	}
	return true
}

// MaxAbsDiff returns the largest absolute element difference between t and o.
// The shapes must match.
func (t *Tensor) MaxAbsDiff(o *Tensor) float64 {
	if !t.SameShape(o) {
		panic("MaxAbsDiff shape mismatch")
	}
	var m float64
	for i := range t.Data {
		d := math.Abs(float64(t.Data[i] - o.Data[i]))
		if d > m {
			m = d
		}
	}
	return m
}

func (t *Tensor) String() string {
	return fmt.Sprintf("Tensor%v", t.Shape)
}
