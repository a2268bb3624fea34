package data

import (
	"fmt"
	"math/rand"
)

// ShardSampler deterministically partitions example indices across
// data-parallel ranks. The permutation is reseeded per epoch so each rank's
// shard order changes between epochs while staying reproducible given
// (seed, epoch). The index list is padded by wrapping so every rank receives
// exactly the same number of examples; equal shard sizes are what keep the
// per-epoch step count identical on all ranks.
type ShardSampler struct {
	n     int
	rank  int
	world int
	seed  int64
	epoch int
}

// NewShardSampler creates a sampler over n examples for the given rank.
func NewShardSampler(n, rank, world int, seed int64) (*ShardSampler, error) {
	if n <= 0 {
		return nil, fmt.Errorf("sampler needs at least one example, got %d", n)
	}
	if world <= 0 {
		return nil, fmt.Errorf("world size must be positive, got %d", world)
	}
	if rank < 0 || rank >= world {
		return nil, fmt.Errorf("rank %d out of range for world size %d", rank, world)
	}
	return &ShardSampler{n: n, rank: rank, world: world, seed: seed}, nil
}

// SetEpoch fixes the epoch used to reseed the shuffle. Call before drawing
// indices each epoch.
func (s *ShardSampler) SetEpoch(epoch int) { s.epoch = epoch }

// Len returns the per-rank shard size: ceil(n / world).
func (s *ShardSampler) Len() int {
	return (s.n + s.world - 1) / s.world
}

// Indices returns this rank's shard for the current epoch.
func (s *ShardSampler) Indices() []int {
	rng := rand.New(rand.NewSource(s.seed + int64(s.epoch)))
	perm := rng.Perm(s.n)

	total := s.Len() * s.world
	// Pad by wrapping so the permutation divides evenly across ranks.
	for len(perm) < total {
		perm = append(perm, perm[len(perm)-s.n])
	}

	out := make([]int, 0, s.Len())
	for i := s.rank; i < total; i += s.world {
		out = append(out, perm[i])
	}
	return out
}
