package model

import (
	"math"
	"testing"

	"github.com/peerlm/peer/internal/nn"
	"github.com/peerlm/peer/internal/tensor"
)

// crossEntropy averages -log p(target) over the columns of logits and, when
// seedGrad is set, writes (softmax - onehot)/n into logits.Grad.
func crossEntropy(logits *tensor.Mat, targets []int, seedGrad bool) (float64, int) {
	var total float64
	n := 0
	probs := make([]float64, logits.R)
	for t, target := range targets {
		if target < 0 {
			continue
		}
		maxv := math.Inf(-1)
		for i := 0; i < logits.R; i++ {
			if v := float64(logits.Data[i*logits.Stride+t]); v > maxv {
				maxv = v
			}
		}
		var sum float64
		for i := 0; i < logits.R; i++ {
			probs[i] = math.Exp(float64(logits.Data[i*logits.Stride+t]) - maxv)
			sum += probs[i]
		}
		for i := range probs {
			probs[i] /= sum
		}
		total += -math.Log(probs[target])
		n++
		if seedGrad {
			for i := 0; i < logits.R; i++ {
				g := probs[i]
				if i == target {
					g -= 1
				}
				logits.Grad[i*logits.Stride+t] += float32(g / float64(len(targets)))
			}
		}
	}
	if n == 0 {
		return 0, 0
	}
	return total / float64(n), n
}

func testConfig() Config {
	return Config{
		VocabSize:  32,
		Dim:        8,
		NumLayers:  2,
		NumHeads:   2,
		NumExperts: 9,
		TopK:       2,
		MaxSeqLen:  16,
		Seed:       7,
	}
}

func TestConfigValidate(t *testing.T) {
	mutations := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero vocab", func(c *Config) { c.VocabSize = 0 }},
		{"odd dim", func(c *Config) { c.Dim = 7 }},
		{"zero layers", func(c *Config) { c.NumLayers = 0 }},
		{"heads do not divide dim", func(c *Config) { c.NumHeads = 3 }},
		{"experts not a perfect square", func(c *Config) { c.NumExperts = 10 }},
		{"zero experts", func(c *Config) { c.NumExperts = 0 }},
		{"top-k zero", func(c *Config) { c.TopK = 0 }},
		{"top-k above expert count", func(c *Config) { c.TopK = 10 }},
		{"zero max seq len", func(c *Config) { c.MaxSeqLen = 0 }},
	}
	if err := testConfig().Validate(); err != nil {
		t.Fatalf("base config should validate: %v", err)
	}
	for _, m := range mutations {
		t.Run(m.name, func(t *testing.T) {
			cfg := testConfig()
			m.mutate(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}

func TestForwardShape(t *testing.T) {
	m, err := New(testConfig())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ids := []int{3, 1, 4, 1, 5}
	logits := m.Forward(nn.NewGraph(false), ids)
	if logits.R != 32 || logits.C != len(ids) {
		t.Fatalf("logits shape (%d x %d), want (32 x %d)", logits.R, logits.C, len(ids))
	}
}

func TestForwardDeterministic(t *testing.T) {
	a, err := New(testConfig())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	b, err := New(testConfig())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ids := []int{9, 2, 7}
	la := a.Forward(nn.NewGraph(false), ids)
	lb := b.Forward(nn.NewGraph(false), ids)
	for i := range la.Data {
		if la.Data[i] != lb.Data[i] {
			t.Fatalf("same seed diverged at element %d: %f vs %f", i, la.Data[i], lb.Data[i])
		}
	}
}

func TestParameterCount(t *testing.T) {
	cfg := testConfig()
	m, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	headDim := cfg.Dim / cfg.NumHeads
	root := 3 // sqrt(9)
	perLayer := cfg.Dim + // attention norm
		cfg.NumHeads*3*headDim*cfg.Dim + cfg.Dim*cfg.Dim + // attention projections
		cfg.Dim + // retrieval norm
		cfg.Dim*cfg.Dim + // query projection
		2*root*(cfg.Dim/2) + // sub-key tables
		2*cfg.NumExperts*cfg.Dim // expert rows
	want := cfg.VocabSize*cfg.Dim + cfg.MaxSeqLen*cfg.Dim + cfg.NumLayers*perLayer + cfg.Dim
	if got := m.ParameterCount(); got != want {
		t.Fatalf("ParameterCount = %d, want %d", got, want)
	}
}

func TestNamedParametersStable(t *testing.T) {
	m, err := New(testConfig())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	named := m.NamedParameters()
	seen := make(map[string]bool, len(named))
	for _, p := range named {
		if p.Name == "" || p.Mat == nil {
			t.Fatalf("incomplete parameter entry: %+v", p)
		}
		if seen[p.Name] {
			t.Fatalf("duplicate parameter name %q", p.Name)
		}
		seen[p.Name] = true
	}
	if len(m.Parameters()) != len(named) {
		t.Fatal("Parameters and NamedParameters disagree on length")
	}
}

func TestTrainingStepReducesLoss(t *testing.T) {
	cfg := testConfig()
	m, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ids := []int{1, 2, 3, 4}
	targets := []int{2, 3, 4, 5}

	loss := func() float64 {
		logits := m.Forward(nn.NewGraph(false), ids)
		l, _ := crossEntropy(logits, targets, false)
		return l
	}

	before := loss()
	for step := 0; step < 50; step++ {
		g := nn.NewGraph(true)
		logits := m.Forward(g, ids)
		if _, n := crossEntropy(logits, targets, true); n != len(targets) {
			t.Fatalf("expected %d valid targets, got %d", len(targets), n)
		}
		g.Backward()
		for _, p := range m.Parameters() {
			for i := range p.Data {
				p.Data[i] -= 0.1 * p.Grad[i]
			}
			p.ZeroGrad()
		}
	}
	after := loss()
	if after >= before {
		t.Fatalf("loss did not improve: before %f after %f", before, after)
	}
}
