package nn

import (
	"math"

	"github.com/peerlm/peer/internal/tensor"
)

// Mul computes a*b for a (R x K) and b (K x C).
func (g *Graph) Mul(a, b *tensor.Mat) *tensor.Mat {
	if a.C != b.R {
		panic("mul: dimension mismatch")
	}
	out := tensor.NewMat(a.R, b.C)
	for i := 0; i < a.R; i++ {
		arow := a.Row(i)
		orow := out.Row(i)
		for k, av := range arow {
			if av == 0 {
				continue
			}
			brow := b.Row(k)
			for j := range orow {
				orow[j] += av * brow[j]
			}
		}
	}
	g.record(func() {
		// dA += dOut * B^T ; dB += A^T * dOut
		for i := 0; i < a.R; i++ {
			arow := a.Row(i)
			agrad := a.GradRow(i)
			ograd := out.GradRow(i)
			for k := range arow {
				brow := b.Row(k)
				bgrad := b.GradRow(k)
				var acc float32
				for j, gv := range ograd {
					acc += gv * brow[j]
					bgrad[j] += arow[k] * gv
				}
				agrad[k] += acc
			}
		}
	})
	return out
}

// TransposeMul computes a^T * b for a (K x R) and b (K x C).
func (g *Graph) TransposeMul(a, b *tensor.Mat) *tensor.Mat {
	if a.R != b.R {
		panic("transposemul: dimension mismatch")
	}
	out := tensor.NewMat(a.C, b.C)
	for k := 0; k < a.R; k++ {
		arow := a.Row(k)
		brow := b.Row(k)
		for i, av := range arow {
			if av == 0 {
				continue
			}
			orow := out.Row(i)
			for j := range orow {
				orow[j] += av * brow[j]
			}
		}
	}
	g.record(func() {
		// dA += B * dOut^T ; dB += A * dOut
		for k := 0; k < a.R; k++ {
			arow := a.Row(k)
			agrad := a.GradRow(k)
			brow := b.Row(k)
			bgrad := b.GradRow(k)
			for i := range arow {
				ograd := out.GradRow(i)
				var acc float32
				for j, gv := range ograd {
					acc += brow[j] * gv
					bgrad[j] += arow[i] * gv
				}
				agrad[i] += acc
			}
		}
	})
	return out
}

// MulTranspose computes a * b^T for a (R x K) and b (C x K).
func (g *Graph) MulTranspose(a, b *tensor.Mat) *tensor.Mat {
	if a.C != b.C {
		panic("multranspose: dimension mismatch")
	}
	out := tensor.NewMat(a.R, b.R)
	for i := 0; i < a.R; i++ {
		arow := a.Row(i)
		orow := out.Row(i)
		for j := 0; j < b.R; j++ {
			orow[j] = tensor.Dot(arow, b.Row(j))
		}
	}
	g.record(func() {
		// dA += dOut * B ; dB += dOut^T * A
		for i := 0; i < a.R; i++ {
			ograd := out.GradRow(i)
			agrad := a.GradRow(i)
			arow := a.Row(i)
			for j, gv := range ograd {
				if gv == 0 {
					continue
				}
				tensor.Axpy(agrad, gv, b.Row(j))
				tensor.Axpy(b.GradRow(j), gv, arow)
			}
		}
	})
	return out
}

// Add computes the element-wise sum of two equally shaped matrices.
func (g *Graph) Add(a, b *tensor.Mat) *tensor.Mat {
	if a.R != b.R || a.C != b.C {
		panic("add: shape mismatch")
	}
	out := tensor.NewMat(a.R, a.C)
	for i := range out.Data {
		out.Data[i] = a.Data[i] + b.Data[i]
	}
	g.record(func() {
		for i := range out.Grad {
			a.Grad[i] += out.Grad[i]
			b.Grad[i] += out.Grad[i]
		}
	})
	return out
}

// AddBias adds a column vector (R x 1) to every column of m.
func (g *Graph) AddBias(m, bias *tensor.Mat) *tensor.Mat {
	if bias.C != 1 || bias.R != m.R {
		panic("addbias: bias must be a column vector matching rows")
	}
	out := tensor.NewMat(m.R, m.C)
	for i := 0; i < m.R; i++ {
		b := bias.Data[i]
		mrow := m.Row(i)
		orow := out.Row(i)
		for j := range orow {
			orow[j] = mrow[j] + b
		}
	}
	g.record(func() {
		for i := 0; i < m.R; i++ {
			mgrad := m.GradRow(i)
			ograd := out.GradRow(i)
			var acc float32
			for j, gv := range ograd {
				mgrad[j] += gv
				acc += gv
			}
			bias.Grad[i] += acc
		}
	})
	return out
}

// Scale multiplies every element by s.
func (g *Graph) Scale(m *tensor.Mat, s float32) *tensor.Mat {
	out := tensor.NewMat(m.R, m.C)
	for i := range out.Data {
		out.Data[i] = m.Data[i] * s
	}
	g.record(func() {
		for i := range out.Grad {
			m.Grad[i] += out.Grad[i] * s
		}
	})
	return out
}

// Gelu applies the GELU activation element-wise.
func (g *Graph) Gelu(m *tensor.Mat) *tensor.Mat {
	out := tensor.NewMat(m.R, m.C)
	for i, v := range m.Data {
		out.Data[i] = tensor.Gelu(v)
	}
	g.record(func() {
		for i := range out.Grad {
			m.Grad[i] += tensor.GeluDeriv(m.Data[i], out.Data[i]) * out.Grad[i]
		}
	})
	return out
}

// Lookup gathers rows of table (N x d) by id and lays them out as columns of
// a (d x T) activation. Negative ids produce a zero column and receive no
// gradient.
func (g *Graph) Lookup(table *tensor.Mat, ids []int) *tensor.Mat {
	if len(ids) == 0 {
		panic("lookup: empty id list")
	}
	d := table.C
	out := tensor.NewMat(d, len(ids))
	for t, id := range ids {
		if id < 0 || id >= table.R {
			continue
		}
		row := table.Row(id)
		for i := 0; i < d; i++ {
			out.Data[i*out.Stride+t] = row[i]
		}
	}
	g.record(func() {
		for t, id := range ids {
			if id < 0 || id >= table.R {
				continue
			}
			grow := table.GradRow(id)
			for i := 0; i < d; i++ {
				grow[i] += out.Grad[i*out.Stride+t]
			}
		}
	})
	return out
}

// RMSNorm normalises each column of x by its root-mean-square and scales
// element-wise by gain (R x 1).
func (g *Graph) RMSNorm(x, gain *tensor.Mat) *tensor.Mat {
	if gain.C != 1 || gain.R != x.R {
		panic("rmsnorm: gain must be a column vector matching rows")
	}
	const eps = 1e-5
	d := x.R
	out := tensor.NewMat(x.R, x.C)
	invRMS := make([]float32, x.C)
	for j := 0; j < x.C; j++ {
		var ss float64
		for i := 0; i < d; i++ {
			v := float64(x.Data[i*x.Stride+j])
			ss += v * v
		}
		invRMS[j] = float32(1.0 / math.Sqrt(ss/float64(d)+eps))
	}
	for i := 0; i < d; i++ {
		gi := gain.Data[i]
		xrow := x.Row(i)
		orow := out.Row(i)
		for j := range orow {
			orow[j] = xrow[j] * invRMS[j] * gi
		}
	}
	g.record(func() {
		for j := 0; j < x.C; j++ {
			inv := invRMS[j]
			// s = sum_i dOut_i * gain_i * x_i
			var s float64
			for i := 0; i < d; i++ {
				s += float64(out.Grad[i*out.Stride+j]) * float64(gain.Data[i]) * float64(x.Data[i*x.Stride+j])
			}
			k := float32(s) * inv * inv * inv / float32(d)
			for i := 0; i < d; i++ {
				gv := out.Grad[i*out.Stride+j]
				xv := x.Data[i*x.Stride+j]
				x.Grad[i*x.Stride+j] += gv*gain.Data[i]*inv - xv*k
				gain.Grad[i] += gv * xv * inv
			}
		}
	})
	return out
}

// CausalSoftmaxCols applies a column-wise softmax to a (T x T) score matrix
// where column j holds the attention scores of the query at position j over
// key positions i. Entries with i > j are masked out (future keys) and stay
// zero in the output.
func (g *Graph) CausalSoftmaxCols(s *tensor.Mat) *tensor.Mat {
	if s.R != s.C {
		panic("causal softmax: matrix must be square")
	}
	n := s.R
	out := tensor.NewMat(n, n)
	for j := 0; j < n; j++ {
		maxv := float32(math.Inf(-1))
		for i := 0; i <= j; i++ {
			if v := s.Data[i*s.Stride+j]; v > maxv {
				maxv = v
			}
		}
		var sum float64
		for i := 0; i <= j; i++ {
			e := math.Exp(float64(s.Data[i*s.Stride+j] - maxv))
			out.Data[i*out.Stride+j] = float32(e)
			sum += e
		}
		inv := float32(1.0 / sum)
		for i := 0; i <= j; i++ {
			out.Data[i*out.Stride+j] *= inv
		}
	}
	g.record(func() {
		for j := 0; j < n; j++ {
			var dot float64
			for i := 0; i <= j; i++ {
				dot += float64(out.Grad[i*out.Stride+j]) * float64(out.Data[i*out.Stride+j])
			}
			for i := 0; i <= j; i++ {
				p := out.Data[i*out.Stride+j]
				s.Grad[i*s.Stride+j] += p * (out.Grad[i*out.Stride+j] - float32(dot))
			}
		}
	})
	return out
}

// ConcatRows stacks matrices with equal column counts vertically.
func (g *Graph) ConcatRows(mats ...*tensor.Mat) *tensor.Mat {
	if len(mats) == 0 {
		panic("concat: no inputs")
	}
	cols := mats[0].C
	rows := 0
	for _, m := range mats {
		if m.C != cols {
			panic("concat: column mismatch")
		}
		rows += m.R
	}
	out := tensor.NewMat(rows, cols)
	off := 0
	for _, m := range mats {
		for i := 0; i < m.R; i++ {
			copy(out.Row(off+i), m.Row(i))
		}
		off += m.R
	}
	g.record(func() {
		off := 0
		for _, m := range mats {
			for i := 0; i < m.R; i++ {
				tensor.Axpy(m.GradRow(i), 1, out.GradRow(off+i))
			}
			off += m.R
		}
	})
	return out
}
