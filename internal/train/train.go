// Package train drives the epoch loop: the per-batch training and validation
// passes and the Runner state machine that sequences them across epochs and
// ranks.
package train

import (
	"context"
	"fmt"

	"gonum.org/v1/gonum/stat"

	"github.com/peerlm/peer/internal/data"
	"github.com/peerlm/peer/internal/dist"
	"github.com/peerlm/peer/internal/model"
	"github.com/peerlm/peer/internal/nn"
	"github.com/peerlm/peer/internal/optim"
)

// Train runs one training epoch. For every batch it accumulates gradients
// over the batch's sequences, averages them across the batch and the process
// group, and applies one optimizer step. Every rank participates in every
// batch's all-reduce, even when all of its local sequences were degenerate
// (all-pad targets): the contributing example count rides along with the
// gradients, so the averaging scale is group-wide and identical on all
// ranks, and no rank can fall behind on collectives.
//
// Returns the mean loss over the epoch and the per-batch losses.
func Train(ctx context.Context, m *model.PEER, loader *data.Loader, opt *optim.Adam, group *dist.Group, padID int) (float64, []float64, error) {
	if loader.NumBatches() == 0 {
		return 0, nil, fmt.Errorf("training epoch produced no batches")
	}
	params := m.Parameters()
	total := 0
	for _, p := range params {
		total += len(p.Grad)
	}
	// Last element carries this rank's contributing example count.
	gradBuf := make([]float32, total+1)

	batchLosses := make([]float64, 0, loader.NumBatches())
	for b := 0; b < loader.NumBatches(); b++ {
		if err := ctx.Err(); err != nil {
			return 0, batchLosses, err
		}
		batch := loader.Batch(b)

		var batchLoss float64
		counted := 0
		for _, seq := range batch {
			input := seq[:len(seq)-1]
			targets := seq[1:]
			g := nn.NewGraph(true)
			logits := m.Forward(g, input)
			loss, valid := crossEntropy(logits, targets, padID, true)
			if valid == 0 {
				continue
			}
			g.Backward()
			batchLoss += loss
			counted++
		}

		off := 0
		for _, p := range params {
			copy(gradBuf[off:], p.Grad)
			off += len(p.Grad)
		}
		gradBuf[total] = float32(counted)
		if err := group.AllReduceSum(gradBuf); err != nil {
			return 0, batchLosses, fmt.Errorf("gradient all-reduce: %w", err)
		}

		groupCount := gradBuf[total]
		if groupCount > 0 {
			scale := 1.0 / groupCount
			off = 0
			for _, p := range params {
				for i := range p.Grad {
					p.Grad[i] = gradBuf[off+i] * scale
				}
				off += len(p.Grad)
			}
			opt.Step()
		}
		if counted > 0 {
			batchLosses = append(batchLosses, batchLoss/float64(counted))
		}
	}

	if len(batchLosses) == 0 {
		return 0, batchLosses, nil
	}
	return stat.Mean(batchLosses, nil), batchLosses, nil
}

// Validate runs a forward-only pass over the loader and returns the mean
// loss, its perplexity, and the per-batch losses.
func Validate(ctx context.Context, m *model.PEER, loader *data.Loader, padID int) (float64, float64, []float64, error) {
	batchLosses := make([]float64, 0, loader.NumBatches())
	for b := 0; b < loader.NumBatches(); b++ {
		if err := ctx.Err(); err != nil {
			return 0, 0, batchLosses, err
		}
		batch := loader.Batch(b)

		var batchLoss float64
		counted := 0
		for _, seq := range batch {
			g := nn.NewGraph(false)
			logits := m.Forward(g, seq[:len(seq)-1])
			loss, valid := crossEntropy(logits, seq[1:], padID, false)
			if valid == 0 {
				continue
			}
			batchLoss += loss
			counted++
		}
		if counted == 0 {
			continue
		}
		batchLosses = append(batchLosses, batchLoss/float64(counted))
	}

	if len(batchLosses) == 0 {
		return 0, 0, batchLosses, fmt.Errorf("validation pass produced no batches")
	}
	loss := stat.Mean(batchLosses, nil)
	return loss, perplexity(loss), batchLosses, nil
}
