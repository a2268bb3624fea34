package tensor

import "math/rand"

// Mat is a dense row-major matrix of float32 values with a gradient buffer
// of the same shape.
//
// R and C are the number of rows and columns. Stride is the number of
// elements between the starts of two consecutive rows (equal to C for the
// matrices the trainer builds). Data holds the flattened values and Grad the
// accumulated gradient with respect to each value.
//
// Mat does not perform any memory safety beyond the checks performed by Go's
// slice types; out-of-range indices panic.
type Mat struct {
	R, C   int
	Stride int

	Data []float32
	Grad []float32
}

// NewMat allocates a zero-initialised matrix with a matching gradient buffer.
func NewMat(r, c int) *Mat {
	if r < 0 || c < 0 {
		panic("negative dimension for matrix")
	}
	return &Mat{
		R:      r,
		C:      c,
		Stride: c,
		Data:   make([]float32, r*c),
		Grad:   make([]float32, r*c),
	}
}

// NewMatFromData creates a matrix wrapping existing data. The data length
// must match r*c.
func NewMatFromData(r, c int, data []float32) *Mat {
	if r*c != len(data) {
		panic("data length mismatch")
	}
	return &Mat{
		R:      r,
		C:      c,
		Stride: c,
		Data:   data,
		Grad:   make([]float32, r*c),
	}
}

// Row returns a view of the i-th row. Modifications to the returned slice
// update the underlying matrix values.
func (m *Mat) Row(i int) []float32 {
	if i < 0 || i >= m.R {
		panic("row index out of range")
	}
	start := i * m.Stride
	return m.Data[start : start+m.C]
}

// GradRow returns a view of the i-th row of the gradient buffer.
func (m *Mat) GradRow(i int) []float32 {
	if i < 0 || i >= m.R {
		panic("row index out of range")
	}
	start := i * m.Stride
	return m.Grad[start : start+m.C]
}

// At returns the element at (i, j).
func (m *Mat) At(i, j int) float32 {
	if i < 0 || i >= m.R || j < 0 || j >= m.C {
		panic("matrix index out of range")
	}
	return m.Data[i*m.Stride+j]
}

// Set assigns the element at (i, j).
func (m *Mat) Set(i, j int, v float32) {
	if i < 0 || i >= m.R || j < 0 || j >= m.C {
		panic("matrix index out of range")
	}
	m.Data[i*m.Stride+j] = v
}

// ZeroGrad clears the gradient buffer.
func (m *Mat) ZeroGrad() {
	for i := range m.Grad {
		m.Grad[i] = 0
	}
}

// Clone returns a deep copy of the matrix values. Gradients are not copied.
func (m *Mat) Clone() *Mat {
	out := NewMat(m.R, m.C)
	copy(out.Data, m.Data)
	return out
}

// NumParams returns the number of elements.
func (m *Mat) NumParams() int { return m.R * m.C }

// FillRand fills the matrix with reproducible pseudo-random values drawn
// from a normal distribution scaled by stddev. Multiple calls with the same
// seed produce identical matrices.
func FillRand(m *Mat, stddev float64, seed int64) {
	rng := rand.New(rand.NewSource(seed))
	for i := range m.Data {
		m.Data[i] = float32(rng.NormFloat64() * stddev)
	}
}

// FillOnes sets every value to one. Used for norm gains.
func FillOnes(m *Mat) {
	for i := range m.Data {
		m.Data[i] = 1
	}
}
