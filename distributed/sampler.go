package distributed

import (
	"fmt"
	"math/rand/v2"
)

// Sampler shards dataset indices across ranks. The order depends only on
// the seed and the epoch, so every rank derives the same permutation without
// exchanging messages and takes the disjoint slice indices[rank::world].
type Sampler struct {
	n       int
	rank    int
	world   int
	seed    uint64
	shuffle bool
	epoch   int
}

// NewSampler creates a sampler over n samples.
func NewSampler(n, rank, world int, seed uint64, shuffle bool) (*Sampler, error) {
	if n < 0 {
		return nil, fmt.Errorf("sample count must be >= 0, got %d", n)
	}
	if world < 1 || rank < 0 || rank >= world {
		return nil, fmt.Errorf("rank %d outside world of size %d", rank, world)
	}
	return &Sampler{n: n, rank: rank, world: world, seed: seed, shuffle: shuffle}, nil
}

// SetEpoch reseeds the permutation for epoch.
func (s *Sampler) SetEpoch(epoch int) {
	s.epoch = epoch
}

// Len is the number of indices assigned to this rank, the same on every rank.
func (s *Sampler) Len() int {
	return (s.n + s.world - 1) / s.world
}

// Indices returns this rank's indices for the current epoch. The permutation
// is padded by wrapping around so that every rank gets Len indices.
func (s *Sampler) Indices() []int {
	if s.n == 0 {
		return nil
	}
	order := make([]int, s.n)
	for i := range order {
		order[i] = i
	}
	if s.shuffle {
		rng := rand.New(rand.NewPCG(s.seed, uint64(s.epoch)))
		rng.Shuffle(len(order), func(i, j int) { order[i], order[j] = order[j], order[i] })
	}

	total := s.Len() * s.world
	for i := 0; len(order) < total; i++ {
		order = append(order, order[i%s.n])
	}

	out := make([]int, 0, s.Len())
	for i := s.rank; i < total; i += s.world {
		out = append(out, order[i])
	}
	return out
}
