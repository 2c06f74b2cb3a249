package opt

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStream_SameSeedSameSequence(t *testing.T) {
	a, b := NewStream(42), NewStream(42)
	for i := 0; i < 100; i++ {
		assert.Equal(t, a.Float64(), b.Float64())
	}
	assert.Equal(t, int64(100), a.Draws())
}

func TestStream_ResumeContinuesExactly(t *testing.T) {
	s := NewStream(7)
	for i := 0; i < 37; i++ {
		s.Float64()
		s.Intn(5)
	}
	draws := s.Draws()

	resumed := Resume(7, draws)
	assert.Equal(t, draws, resumed.Draws())
	for i := 0; i < 50; i++ {
		assert.Equal(t, s.Float64(), resumed.Float64())
		assert.Equal(t, s.Intn(3), resumed.Intn(3))
	}
}

func TestStream_Uniform(t *testing.T) {
	s := NewStream(1)
	for i := 0; i < 1000; i++ {
		v := s.Uniform(-2, 3)
		assert.GreaterOrEqual(t, v, -2.0)
		assert.Less(t, v, 3.0)
	}
	assert.Equal(t, int64(1), NewStream(1).Seed())
}
