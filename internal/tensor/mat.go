package tensor

import (
	"math/rand"
)

// Mat is a dense row-major [R x C] weight matrix. Model weights keep the
// [in x out] orientation so that MatVec computes x·W.
type Mat struct {
	R, C int
	Data []float32
}

// NewMat allocates a zeroed r x c matrix.
func NewMat(r, c int) Mat {
	if r < 0 || c < 0 {
		panic("negative dimension for matrix")
	}
	return Mat{R: r, C: c, Data: make([]float32, r*c)}
}

// Row returns row i as a view into the matrix.
func (m *Mat) Row(i int) []float32 {
	if i < 0 || i >= m.R {
		panic("row index out of range")
	}
	return m.Data[i*m.C : (i+1)*m.C]
}

// FillRand fills m with values in (-0.01, 0.01) drawn from seed.
func FillRand(m *Mat, seed int64) {
	FillRandScaled(m, seed, 0.02)
}

// FillRandScaled draws from (-scale/2, scale/2). The same seed always gives
// the same matrix.
func FillRandScaled(m *Mat, seed int64, scale float32) {
	rng := rand.New(rand.NewSource(seed))
	for i := range m.Data {
		m.Data[i] = (rng.Float32() - 0.5) * scale
	}
}
