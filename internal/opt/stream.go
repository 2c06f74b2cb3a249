package opt

import "math/rand"

// Stream is a session's seeded pseudo-random source. It counts the raw
// values it has produced so the exact position can be persisted and restored
// with Resume.
type Stream struct {
	seed int64
	src  *countingSource
	rng  *rand.Rand
}

type countingSource struct {
	src   rand.Source64
	draws int64
}

func (c *countingSource) Int63() int64 {
	c.draws++
	return c.src.Int63()
}

func (c *countingSource) Uint64() uint64 {
	c.draws++
	return c.src.Uint64()
}

func (c *countingSource) Seed(seed int64) {
	c.draws = 0
	c.src.Seed(seed)
}

// NewStream returns a stream seeded with seed.
func NewStream(seed int64) *Stream {
	src := &countingSource{src: rand.NewSource(seed).(rand.Source64)}
	return &Stream{seed: seed, src: src, rng: rand.New(src)}
}

// Resume returns a stream seeded with seed that has already produced draws
// values.
func Resume(seed int64, draws int64) *Stream {
	s := NewStream(seed)
	for i := int64(0); i < draws; i++ {
		s.src.Uint64()
	}
	return s
}

// Seed returns the seed the stream was created with.
func (s *Stream) Seed() int64 { return s.seed }

// Draws returns the number of raw values consumed so far.
func (s *Stream) Draws() int64 { return s.src.draws }

// Float64 returns a value in [0, 1).
func (s *Stream) Float64() float64 { return s.rng.Float64() }

// Uniform returns a value in [lo, hi).
func (s *Stream) Uniform(lo, hi float64) float64 {
	return lo + (hi-lo)*s.rng.Float64()
}

// Intn returns a value in [0, n). It panics if n <= 0.
func (s *Stream) Intn(n int) int { return s.rng.Intn(n) }
