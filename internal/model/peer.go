package model

import (
	"math"
	"sort"

	"github.com/peerlm/peer/internal/nn"
	"github.com/peerlm/peer/internal/tensor"
)

// peerLayer is the product-key expert retrieval layer. A query is computed
// per token and split in two halves; each half is scored against its own
// sub-key table of sqrt(numExperts) rows. The top-k rows per half form a
// k x k candidate grid whose scores are the sums of the half scores, and
// the top-k candidates overall are retrieved. Each retrieved expert is a
// singleton MLP: e_n(x) = gelu(u_n . x) * v_n, mixed by a softmax over the
// selected raw scores.
//
// The index selection is non-differentiable, so the backward pass is
// derived by hand and recorded as a single tape closure: gradients flow to
// the mixture weights, the expert rows, the selected sub-key rows, the
// query projection, and the input.
type peerLayer struct {
	dim  int
	half int
	root int // sqrt(numExperts), rows per sub-key table
	topK int

	wq    *tensor.Mat // (dim x dim) query projection
	keysA *tensor.Mat // (root x half)
	keysB *tensor.Mat // (root x half)
	up    *tensor.Mat // (numExperts x dim) expert input rows u_n
	down  *tensor.Mat // (numExperts x dim) expert output rows v_n
}

func newPEERLayer(dim, numExperts, topK int, next func() int64) *peerLayer {
	root := int(math.Round(math.Sqrt(float64(numExperts))))
	p := &peerLayer{
		dim:   dim,
		half:  dim / 2,
		root:  root,
		topK:  topK,
		wq:    tensor.NewMat(dim, dim),
		keysA: tensor.NewMat(root, dim/2),
		keysB: tensor.NewMat(root, dim/2),
		up:    tensor.NewMat(numExperts, dim),
		down:  tensor.NewMat(numExperts, dim),
	}
	for _, m := range []*tensor.Mat{p.wq, p.keysA, p.keysB, p.up, p.down} {
		tensor.FillRand(m, initStddev, next())
	}
	return p
}

// tokenState captures everything the backward pass needs for one position.
type tokenState struct {
	q       []float32 // full query
	rowsA   []int     // selected keysA row per retrieved expert
	rowsB   []int     // selected keysB row per retrieved expert
	experts []int     // retrieved expert indices
	weights []float32 // softmax mixture weights
	pre     []float32 // u_n . x per retrieved expert
	act     []float32 // gelu(pre)
}

func (p *peerLayer) forward(g *nn.Graph, x *tensor.Mat) *tensor.Mat {
	out := tensor.NewMat(p.dim, x.C)
	states := make([]tokenState, x.C)

	xcol := make([]float32, p.dim)
	sa := make([]float32, p.root)
	sb := make([]float32, p.root)
	for t := 0; t < x.C; t++ {
		for i := 0; i < p.dim; i++ {
			xcol[i] = x.Data[i*x.Stride+t]
		}
		states[t] = p.retrieve(xcol, sa, sb)
		st := &states[t]
		for j, n := range st.experts {
			w := st.weights[j] * st.act[j]
			vrow := p.down.Row(n)
			for i := 0; i < p.dim; i++ {
				out.Data[i*out.Stride+t] += w * vrow[i]
			}
		}
	}

	if !g.NeedsGrad() {
		return out
	}
	g.Record(func() { p.backward(x, out, states) })
	return out
}

// retrieve computes the query for one token column, selects the experts and
// their mixture weights, and evaluates the expert activations.
func (p *peerLayer) retrieve(xcol, sa, sb []float32) tokenState {
	q := make([]float32, p.dim)
	tensor.MatVec(q, p.wq, xcol)
	qa, qb := q[:p.half], q[p.half:]
	tensor.MatVec(sa, p.keysA, qa)
	tensor.MatVec(sb, p.keysB, qb)

	kh := p.topK
	if kh > p.root {
		kh = p.root
	}
	ia := topIndices(sa, kh)
	ib := topIndices(sb, kh)

	type cand struct {
		score  float32
		ra, rb int
	}
	cands := make([]cand, 0, kh*kh)
	for _, ra := range ia {
		for _, rb := range ib {
			cands = append(cands, cand{sa[ra] + sb[rb], ra, rb})
		}
	}
	sort.Slice(cands, func(i, j int) bool { return cands[i].score > cands[j].score })
	k := p.topK
	if k > len(cands) {
		k = len(cands)
	}
	cands = cands[:k]

	st := tokenState{
		q:       q,
		rowsA:   make([]int, k),
		rowsB:   make([]int, k),
		experts: make([]int, k),
		weights: make([]float32, k),
		pre:     make([]float32, k),
		act:     make([]float32, k),
	}

	// Softmax over the selected raw scores.
	maxv := cands[0].score
	var sum float64
	for j, c := range cands {
		e := math.Exp(float64(c.score - maxv))
		st.weights[j] = float32(e)
		sum += e
	}
	inv := float32(1.0 / sum)
	for j, c := range cands {
		st.weights[j] *= inv
		st.rowsA[j] = c.ra
		st.rowsB[j] = c.rb
		n := c.ra*p.root + c.rb
		st.experts[j] = n
		st.pre[j] = tensor.Dot(p.up.Row(n), xcol)
		st.act[j] = tensor.Gelu(st.pre[j])
	}
	return st
}

func (p *peerLayer) backward(x, out *tensor.Mat, states []tokenState) {
	xcol := make([]float32, p.dim)
	dOut := make([]float32, p.dim)
	dq := make([]float32, p.dim)
	for t := 0; t < x.C; t++ {
		st := &states[t]
		for i := 0; i < p.dim; i++ {
			xcol[i] = x.Data[i*x.Stride+t]
			dOut[i] = out.Grad[i*out.Stride+t]
			dq[i] = 0
		}

		k := len(st.experts)
		dw := make([]float32, k)
		var wdw float64
		for j, n := range st.experts {
			a := tensor.Dot(p.down.Row(n), dOut)
			w := st.weights[j]

			// dV[n] += w * act * dOut
			tensor.Axpy(p.down.GradRow(n), w*st.act[j], dOut)

			dw[j] = st.act[j] * a
			wdw += float64(w) * float64(dw[j])

			// Expert pre-activation path.
			dh := w * a * tensor.GeluDeriv(st.pre[j], st.act[j])
			tensor.Axpy(p.up.GradRow(n), dh, xcol)
			for i := 0; i < p.dim; i++ {
				x.Grad[i*x.Stride+t] += dh * p.up.At(n, i)
			}
		}

		// Softmax backward gives the raw-score gradients, which split into
		// the two sub-key halves.
		dqa := dq[:p.half]
		dqb := dq[p.half:]
		qa := st.q[:p.half]
		qb := st.q[p.half:]
		for j := range st.experts {
			dz := st.weights[j] * (dw[j] - float32(wdw))
			ra, rb := st.rowsA[j], st.rowsB[j]
			tensor.Axpy(p.keysA.GradRow(ra), dz, qa)
			tensor.Axpy(p.keysB.GradRow(rb), dz, qb)
			tensor.Axpy(dqa, dz, p.keysA.Row(ra))
			tensor.Axpy(dqb, dz, p.keysB.Row(rb))
		}

		// Query projection: dWq += dq x^T, dx += Wq^T dq.
		for r := 0; r < p.dim; r++ {
			g := dq[r]
			if g == 0 {
				continue
			}
			tensor.Axpy(p.wq.GradRow(r), g, xcol)
			wrow := p.wq.Row(r)
			for i := 0; i < p.dim; i++ {
				x.Grad[i*x.Stride+t] += g * wrow[i]
			}
		}
	}
}

func (p *peerLayer) namedParameters(prefix string) []NamedParam {
	return []NamedParam{
		{prefix + "query", p.wq},
		{prefix + "keys_a", p.keysA},
		{prefix + "keys_b", p.keysB},
		{prefix + "up", p.up},
		{prefix + "down", p.down},
	}
}

// topIndices returns the indices of the k largest values, highest first.
func topIndices(vals []float32, k int) []int {
	idx := make([]int, len(vals))
	for i := range idx {
		idx[i] = i
	}
	sort.Slice(idx, func(a, b int) bool { return vals[idx[a]] > vals[idx[b]] })
	return idx[:k]
}
