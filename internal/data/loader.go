package data

import "fmt"

// Loader yields batches of examples from a split, following an index order.
// The validation loader uses the natural order (no sharding, no shuffling);
// the train loader takes a ShardSampler's indices.
type Loader struct {
	split     *Split
	batchSize int
	indices   []int
}

// NewLoader creates a loader. A nil index slice means natural order over the
// whole split.
func NewLoader(split *Split, batchSize int, indices []int) (*Loader, error) {
	if batchSize <= 0 {
		return nil, fmt.Errorf("batch size must be positive, got %d", batchSize)
	}
	if indices == nil {
		indices = make([]int, split.Len())
		for i := range indices {
			indices[i] = i
		}
	}
	for _, idx := range indices {
		if idx < 0 || idx >= split.Len() {
			return nil, fmt.Errorf("index %d out of range for split of %d", idx, split.Len())
		}
	}
	return &Loader{split: split, batchSize: batchSize, indices: indices}, nil
}

// SetIndices replaces the index order, e.g. with a new epoch's shard.
func (l *Loader) SetIndices(indices []int) error {
	for _, idx := range indices {
		if idx < 0 || idx >= l.split.Len() {
			return fmt.Errorf("index %d out of range for split of %d", idx, l.split.Len())
		}
	}
	l.indices = indices
	return nil
}

// SeqLen returns the example length.
func (l *Loader) SeqLen() int { return l.split.SeqLen }

// NumBatches returns the number of batches per pass, including a final
// partial batch.
func (l *Loader) NumBatches() int {
	return (len(l.indices) + l.batchSize - 1) / l.batchSize
}

// Batch materialises the i-th batch as a slice of token sequences.
func (l *Loader) Batch(i int) [][]int {
	lo := i * l.batchSize
	hi := lo + l.batchSize
	if hi > len(l.indices) {
		hi = len(l.indices)
	}
	out := make([][]int, 0, hi-lo)
	for _, idx := range l.indices[lo:hi] {
		out = append(out, l.split.Examples[idx])
	}
	return out
}
