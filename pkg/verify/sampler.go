package verify

import (
	"math/rand/v2"
	"sync"
)

// Sampler draws uniform values in [0, 1). Implementations must be safe for
// concurrent use.
type Sampler interface {
	Float64() float64
}

type globalSampler struct{}

func (globalSampler) Float64() float64 { return rand.Float64() }

// DefaultSampler draws from the process-wide generator. It is unseeded.
func DefaultSampler() Sampler { return globalSampler{} }

// SeededSampler is a reproducible Sampler.
type SeededSampler struct {
	mu  sync.Mutex
	rng *rand.Rand
}

// NewSeededSampler returns a Sampler whose draws are fully determined by seed.
func NewSeededSampler(seed uint64) *SeededSampler {
	return &SeededSampler{rng: rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))}
}

func (s *SeededSampler) Float64() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rng.Float64()
}

// FixedSampler always returns the same draw. Useful in tests.
type FixedSampler float64

func (f FixedSampler) Float64() float64 { return float64(f) }
