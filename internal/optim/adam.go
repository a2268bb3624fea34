// Package optim implements the gradient-based optimizers used by the
// training loop. Optimizer state is process-local; parameters stay in sync
// across ranks because every rank applies the same averaged gradients.
package optim

import (
	"math"

	"github.com/peerlm/peer/internal/tensor"
)

// Adam holds first/second moment estimates for one set of parameters.
type Adam struct {
	params []*tensor.Mat
	m      [][]float32
	v      [][]float32
	step   int

	LR       float64
	Beta1    float64
	Beta2    float64
	Eps      float64
	GradClip float64 // global-norm clip threshold, 0 disables
}

// NewAdam binds an optimizer to the given parameters at the configured
// learning rate.
func NewAdam(params []*tensor.Mat, lr float64) *Adam {
	a := &Adam{
		params: params,
		m:      make([][]float32, len(params)),
		v:      make([][]float32, len(params)),
		LR:     lr,
		Beta1:  0.9,
		Beta2:  0.999,
		Eps:    1e-8,
	}
	for i, p := range params {
		a.m[i] = make([]float32, len(p.Data))
		a.v[i] = make([]float32, len(p.Data))
	}
	return a
}

// Step applies one update from the accumulated gradients, then zeroes them.
// p -= lr * mhat / (sqrt(vhat) + eps) with bias correction.
func (a *Adam) Step() {
	if a.GradClip > 0 {
		a.clipGradNorm()
	}

	a.step++
	c1 := 1.0 / (1.0 - math.Pow(a.Beta1, float64(a.step)))
	c2 := 1.0 / (1.0 - math.Pow(a.Beta2, float64(a.step)))

	for i, p := range a.params {
		m := a.m[i]
		v := a.v[i]
		for j := range p.Data {
			g := float64(p.Grad[j])
			mj := a.Beta1*float64(m[j]) + (1.0-a.Beta1)*g
			vj := a.Beta2*float64(v[j]) + (1.0-a.Beta2)*g*g
			m[j] = float32(mj)
			v[j] = float32(vj)
			update := (mj * c1) / (math.Sqrt(vj*c2) + a.Eps)
			p.Data[j] -= float32(a.LR * update)
		}
		p.ZeroGrad()
	}
}

// ZeroGrad clears all parameter gradients without stepping.
func (a *Adam) ZeroGrad() {
	for _, p := range a.params {
		p.ZeroGrad()
	}
}

func (a *Adam) clipGradNorm() {
	var normSq float64
	for _, p := range a.params {
		for _, g := range p.Grad {
			normSq += float64(g) * float64(g)
		}
	}
	norm := math.Sqrt(normSq)
	if norm <= a.GradClip || norm == 0 {
		return
	}
	scale := float32(a.GradClip / (norm + 1e-7))
	for _, p := range a.params {
		for j := range p.Grad {
			p.Grad[j] *= scale
		}
	}
}
