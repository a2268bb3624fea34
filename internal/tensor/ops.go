package tensor

import "math"

// Gelu computes the exact (erf-based) GELU activation.
func Gelu(x float32) float32 {
	return float32(0.5 * float64(x) * (1.0 + math.Erf(float64(x)*invSqrt2)))
}

// GeluDeriv computes d/dx Gelu(x) given x and Gelu(x).
func GeluDeriv(x, gelu float32) float32 {
	xf := float64(x)
	phi := invSqrt2pi * math.Exp(-0.5*xf*xf)
	var cdf float64
	if math.Abs(xf) < 1e-9 {
		cdf = 0.5
	} else {
		cdf = float64(gelu) / xf
	}
	return float32(cdf + xf*phi)
}

// Sigmoid computes the logistic function.
func Sigmoid(x float32) float32 {
	return float32(1.0 / (1.0 + math.Exp(-float64(x))))
}

const (
	invSqrt2   = 0.7071067811865476
	invSqrt2pi = 0.3989422804014327
)

// MatVec computes dst = m * x for an R x C matrix and a C-vector.
func MatVec(dst []float32, m *Mat, x []float32) {
	if len(x) < m.C || len(dst) < m.R {
		panic("matvec buffer size mismatch")
	}
	for i := 0; i < m.R; i++ {
		row := m.Data[i*m.Stride : i*m.Stride+m.C]
		var acc float32
		for j, v := range row {
			acc += v * x[j]
		}
		dst[i] = acc
	}
}

// Dot computes the inner product of two equal-length vectors.
func Dot(a, b []float32) float32 {
	if len(a) != len(b) {
		panic("dot length mismatch")
	}
	var acc float32
	for i := range a {
		acc += a[i] * b[i]
	}
	return acc
}

// Axpy computes dst += alpha * x.
func Axpy(dst []float32, alpha float32, x []float32) {
	if len(x) != len(dst) {
		panic("axpy length mismatch")
	}
	for i := range dst {
		dst[i] += alpha * x[i]
	}
}
