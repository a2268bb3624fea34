package train

import (
	"math"

	"github.com/peerlm/peer/internal/tensor"
)

// crossEntropy computes the mean next-token cross-entropy over the columns
// of logits (vocab x T). Positions whose target is the pad token or negative
// are masked out of both the loss and the gradient. When seedGrad is set the
// softmax gradient, scaled by 1/valid, is accumulated into logits.Grad so a
// subsequent Backward propagates it.
//
// Returns the mean loss and the number of unmasked positions.
func crossEntropy(logits *tensor.Mat, targets []int, padID int, seedGrad bool) (float64, int) {
	if len(targets) != logits.C {
		panic("crossEntropy: target count must match logit columns")
	}
	probs := make([]float64, logits.R)

	valid := 0
	for _, target := range targets {
		if target >= 0 && target != padID {
			valid++
		}
	}
	if valid == 0 {
		return 0, 0
	}

	var total float64
	for t, target := range targets {
		if target < 0 || target == padID {
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
		inv := 1.0 / sum
		total += -math.Log(probs[target] * inv)
		if seedGrad {
			scale := 1.0 / float64(valid)
			for i := 0; i < logits.R; i++ {
				g := probs[i] * inv
				if i == target {
					g -= 1
				}
				logits.Grad[i*logits.Stride+t] += float32(g * scale)
			}
		}
	}
	return total / float64(valid), valid
}

// perplexity is the conventional exponent of the mean cross-entropy.
func perplexity(loss float64) float64 { return math.Exp(loss) }
