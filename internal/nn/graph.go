// Package nn implements a small reverse-mode automatic differentiation
// engine over tensor.Mat values. Forward operations record backward closures
// on a tape; Backward replays the tape in reverse. Activations are freshly
// allocated per op, parameters accumulate gradients in their Grad buffers.
package nn

// Graph records the backward pass for one forward computation.
//
// A graph built with needsGrad=false skips tape recording entirely, which is
// what the validation pass uses.
type Graph struct {
	needsGrad bool
	tape      []func()
}

// NewGraph creates a graph. Pass needsGrad=false for inference-only passes.
func NewGraph(needsGrad bool) *Graph {
	return &Graph{needsGrad: needsGrad}
}

// NeedsGrad reports whether the graph records backward closures.
func (g *Graph) NeedsGrad() bool { return g.needsGrad }

// Backward runs the recorded closures in reverse order. The caller seeds the
// gradient of the output (typically via a loss function writing into Grad)
// before calling it.
func (g *Graph) Backward() {
	for i := len(g.tape) - 1; i >= 0; i-- {
		g.tape[i]()
	}
}

// Record appends a backward closure to the tape. Layers with hand-derived
// backward passes (expert retrieval, where selection is non-differentiable)
// use it directly.
func (g *Graph) Record(f func()) { g.record(f) }

func (g *Graph) record(f func()) {
	if g.needsGrad {
		g.tape = append(g.tape, f)
	}
}
