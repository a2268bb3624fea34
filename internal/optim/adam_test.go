package optim

import (
	"math"
	"testing"

	"github.com/peerlm/peer/internal/tensor"
)

func TestAdamFirstStep(t *testing.T) {
	p := tensor.NewMatFromData(1, 2, []float32{1, 1})
	p.Grad[0] = 0.5
	p.Grad[1] = -0.5

	a := NewAdam([]*tensor.Mat{p}, 0.1)
	a.Step()

	// On the first step bias correction makes mhat = g and vhat = g*g, so the
	// update is lr * g/(|g|+eps) = lr * sign(g).
	if math.Abs(float64(p.Data[0])-0.9) > 1e-4 {
		t.Fatalf("p[0] = %f, want ~0.9", p.Data[0])
	}
	if math.Abs(float64(p.Data[1])-1.1) > 1e-4 {
		t.Fatalf("p[1] = %f, want ~1.1", p.Data[1])
	}
	for j, g := range p.Grad {
		if g != 0 {
			t.Fatalf("grad[%d] not zeroed after step: %f", j, g)
		}
	}
}

func TestAdamConvergesOnQuadratic(t *testing.T) {
	// Minimise (x - 3)^2.
	p := tensor.NewMatFromData(1, 1, []float32{0})
	a := NewAdam([]*tensor.Mat{p}, 0.1)
	for i := 0; i < 500; i++ {
		p.Grad[0] = 2 * (p.Data[0] - 3)
		a.Step()
	}
	if math.Abs(float64(p.Data[0])-3) > 0.05 {
		t.Fatalf("did not converge: x = %f, want ~3", p.Data[0])
	}
}

func TestGradClip(t *testing.T) {
	p := tensor.NewMatFromData(1, 2, []float32{0, 0})
	p.Grad[0] = 30
	p.Grad[1] = 40 // norm 50

	a := NewAdam([]*tensor.Mat{p}, 0.1)
	a.GradClip = 5
	a.clipGradNorm()

	norm := math.Hypot(float64(p.Grad[0]), float64(p.Grad[1]))
	if math.Abs(norm-5) > 1e-3 {
		t.Fatalf("clipped norm %f, want 5", norm)
	}
}

func TestZeroGrad(t *testing.T) {
	p := tensor.NewMat(2, 2)
	for i := range p.Grad {
		p.Grad[i] = 1
	}
	a := NewAdam([]*tensor.Mat{p}, 0.1)
	a.ZeroGrad()
	for i, g := range p.Grad {
		if g != 0 {
			t.Fatalf("grad[%d] = %f after ZeroGrad", i, g)
		}
	}
}
