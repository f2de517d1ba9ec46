package jitter

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSamplerBounds(t *testing.T) {
	s := NewSeeded(42)

	for i := 0; i < 10000; i++ {
		d := s.Between(10, 50)
		assert.GreaterOrEqual(t, d, 10*time.Millisecond)
		assert.LessOrEqual(t, d, 50*time.Millisecond)
	}
}

func TestSamplerDeterministic(t *testing.T) {
	a := NewSeeded(7)
	b := NewSeeded(7)

	for i := 0; i < 100; i++ {
		assert.Equal(t, a.Between(100, 300), b.Between(100, 300))
	}
}

func TestSamplerDegenerateRange(t *testing.T) {
	s := NewSeeded(1)
	assert.Equal(t, 25*time.Millisecond, s.Between(25, 25))
	// Inverted range collapses to the upper bound.
	assert.Equal(t, 10*time.Millisecond, s.Between(50, 10))
}

func TestManualClock(t *testing.T) {
	start := time.Date(2025, 11, 16, 0, 0, 0, 0, time.UTC)
	c := NewManualClock(start)

	assert.Equal(t, start, c.Now())

	c.Advance(30 * time.Second)
	assert.Equal(t, start.Add(30*time.Second), c.Now())
	assert.Equal(t, 30*time.Second, c.Since(start))
}
