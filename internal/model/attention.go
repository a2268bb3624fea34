package model

import (
	"math"
	"strconv"

	"github.com/peerlm/peer/internal/nn"
	"github.com/peerlm/peer/internal/tensor"
)

// attention is causal multi-head self-attention over column-major
// activations. Each head carries its own (headDim x dim) projections; the
// concatenated head outputs pass through a final (dim x dim) projection.
type attention struct {
	heads   int
	headDim int

	wq, wk, wv []*tensor.Mat // per head, (headDim x dim)
	wo         *tensor.Mat   // (dim x dim)
}

func newAttention(dim, heads int, next func() int64) *attention {
	a := &attention{heads: heads, headDim: dim / heads}
	for h := 0; h < heads; h++ {
		for _, dst := range []*[]*tensor.Mat{&a.wq, &a.wk, &a.wv} {
			m := tensor.NewMat(a.headDim, dim)
			tensor.FillRand(m, initStddev, next())
			*dst = append(*dst, m)
		}
	}
	a.wo = tensor.NewMat(dim, dim)
	tensor.FillRand(a.wo, initStddev, next())
	return a
}

func (a *attention) forward(g *nn.Graph, x *tensor.Mat) *tensor.Mat {
	scale := float32(1.0 / math.Sqrt(float64(a.headDim)))
	outs := make([]*tensor.Mat, a.heads)
	for h := 0; h < a.heads; h++ {
		q := g.Mul(a.wq[h], x)
		k := g.Mul(a.wk[h], x)
		v := g.Mul(a.wv[h], x)
		// scores (T x T): column j holds query j against all keys.
		s := g.Scale(g.TransposeMul(k, q), scale)
		attn := g.CausalSoftmaxCols(s)
		outs[h] = g.Mul(v, attn)
	}
	return g.Mul(a.wo, g.ConcatRows(outs...))
}

func (a *attention) namedParameters(prefix string) []NamedParam {
	var params []NamedParam
	for h := 0; h < a.heads; h++ {
		suffix := strconv.Itoa(h)
		params = append(params,
			NamedParam{prefix + "q." + suffix, a.wq[h]},
			NamedParam{prefix + "k." + suffix, a.wk[h]},
			NamedParam{prefix + "v." + suffix, a.wv[h]},
		)
	}
	return append(params, NamedParam{prefix + "out", a.wo})
}
