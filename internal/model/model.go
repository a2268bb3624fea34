// Package model implements the PEER language model: a decoder-only
// transformer whose feed-forward blocks are replaced by parameter-efficient
// expert retrieval layers. Activations are laid out column-major: a sequence
// of T tokens flows through the network as a (dim x T) matrix with one column
// per position.
package model

import (
	"fmt"
	"math"

	"github.com/peerlm/peer/internal/nn"
	"github.com/peerlm/peer/internal/tensor"
)

// Config holds the architecture hyperparameters. It is created once from
// process input and read-only afterwards.
type Config struct {
	VocabSize  int
	Dim        int
	NumLayers  int
	NumHeads   int
	NumExperts int
	TopK       int
	MaxSeqLen  int
	Seed       int64
}

// Validate checks the structural constraints the architecture relies on.
func (c Config) Validate() error {
	if c.VocabSize <= 0 {
		return fmt.Errorf("vocab size must be positive, got %d", c.VocabSize)
	}
	if c.Dim <= 0 || c.Dim%2 != 0 {
		return fmt.Errorf("dim must be positive and even, got %d", c.Dim)
	}
	if c.NumLayers <= 0 {
		return fmt.Errorf("num layers must be positive, got %d", c.NumLayers)
	}
	if c.NumHeads <= 0 || c.Dim%c.NumHeads != 0 {
		return fmt.Errorf("dim %d must divide evenly into %d heads", c.Dim, c.NumHeads)
	}
	root := int(math.Round(math.Sqrt(float64(c.NumExperts))))
	if c.NumExperts <= 0 || root*root != c.NumExperts {
		return fmt.Errorf("num experts must be a perfect square, got %d", c.NumExperts)
	}
	if c.TopK <= 0 || c.TopK > c.NumExperts {
		return fmt.Errorf("top-k must be in [1, %d], got %d", c.NumExperts, c.TopK)
	}
	if c.MaxSeqLen <= 0 {
		return fmt.Errorf("max sequence length must be positive, got %d", c.MaxSeqLen)
	}
	return nil
}

type block struct {
	attnNorm *tensor.Mat
	attn     *attention
	peerNorm *tensor.Mat
	peer     *peerLayer
}

// PEER is the full language model. The token embedding table doubles as the
// output projection (tied weights).
type PEER struct {
	cfg Config

	tokEmbed *tensor.Mat // (vocab x dim)
	posEmbed *tensor.Mat // (maxSeqLen x dim)
	blocks   []*block
	finNorm  *tensor.Mat // (dim x 1)
}

const initStddev = 0.02

// New builds a model with reproducible random initialisation.
func New(cfg Config) (*PEER, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("model config: %w", err)
	}
	m := &PEER{cfg: cfg}
	seed := cfg.Seed

	next := func() int64 { seed++; return seed }

	m.tokEmbed = tensor.NewMat(cfg.VocabSize, cfg.Dim)
	tensor.FillRand(m.tokEmbed, initStddev, next())
	m.posEmbed = tensor.NewMat(cfg.MaxSeqLen, cfg.Dim)
	tensor.FillRand(m.posEmbed, initStddev, next())

	for i := 0; i < cfg.NumLayers; i++ {
		b := &block{
			attnNorm: tensor.NewMat(cfg.Dim, 1),
			attn:     newAttention(cfg.Dim, cfg.NumHeads, next),
			peerNorm: tensor.NewMat(cfg.Dim, 1),
			peer:     newPEERLayer(cfg.Dim, cfg.NumExperts, cfg.TopK, next),
		}
		tensor.FillOnes(b.attnNorm)
		tensor.FillOnes(b.peerNorm)
		m.blocks = append(m.blocks, b)
	}

	m.finNorm = tensor.NewMat(cfg.Dim, 1)
	tensor.FillOnes(m.finNorm)
	return m, nil
}

// Config returns the architecture hyperparameters.
func (m *PEER) Config() Config { return m.cfg }

// Forward runs one sequence through the model and returns logits shaped
// (vocab x T), one column of scores per position. Negative ids (padding)
// embed to zero columns.
func (m *PEER) Forward(g *nn.Graph, ids []int) *tensor.Mat {
	if len(ids) == 0 || len(ids) > m.cfg.MaxSeqLen {
		panic(fmt.Sprintf("sequence length %d outside [1, %d]", len(ids), m.cfg.MaxSeqLen))
	}
	positions := make([]int, len(ids))
	for t := range positions {
		positions[t] = t
	}

	x := g.Add(g.Lookup(m.tokEmbed, ids), g.Lookup(m.posEmbed, positions))
	for _, b := range m.blocks {
		x = g.Add(x, b.attn.forward(g, g.RMSNorm(x, b.attnNorm)))
		x = g.Add(x, b.peer.forward(g, g.RMSNorm(x, b.peerNorm)))
	}
	y := g.RMSNorm(x, m.finNorm)
	return g.Mul(m.tokEmbed, y)
}

// NamedParam pairs a parameter tensor with its checkpoint name.
type NamedParam struct {
	Name string
	Mat  *tensor.Mat
}

// NamedParameters returns every trainable tensor in a stable order. The
// names and order define the checkpoint layout.
func (m *PEER) NamedParameters() []NamedParam {
	params := []NamedParam{
		{"embed.token", m.tokEmbed},
		{"embed.position", m.posEmbed},
	}
	for i, b := range m.blocks {
		prefix := fmt.Sprintf("block.%d.", i)
		params = append(params, NamedParam{prefix + "attn.norm", b.attnNorm})
		params = append(params, b.attn.namedParameters(prefix+"attn.")...)
		params = append(params, NamedParam{prefix + "peer.norm", b.peerNorm})
		params = append(params, b.peer.namedParameters(prefix+"peer.")...)
	}
	params = append(params, NamedParam{"final.norm", m.finNorm})
	return params
}

// Parameters returns the trainable tensors in the same order as
// NamedParameters, for the optimizer and gradient all-reduce.
func (m *PEER) Parameters() []*tensor.Mat {
	named := m.NamedParameters()
	out := make([]*tensor.Mat, len(named))
	for i, p := range named {
		out[i] = p.Mat
	}
	return out
}

// ParameterCount returns the total number of trainable scalars.
func (m *PEER) ParameterCount() int {
	total := 0
	for _, p := range m.Parameters() {
		total += p.NumParams()
	}
	return total
}

// ZeroGrad clears every parameter gradient.
func (m *PEER) ZeroGrad() {
	for _, p := range m.Parameters() {
		p.ZeroGrad()
	}
}
