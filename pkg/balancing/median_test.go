package balancing

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMedian(t *testing.T) {
	assert.Equal(t, 0.0, Median(nil))
	assert.Equal(t, 2.0, Median([]float64{3, 1, 2}))
	assert.Equal(t, 2.5, Median([]float64{4, 1, 3, 2}))

	in := []float64{3, 1, 2}
	Median(in)
	assert.Equal(t, []float64{3, 1, 2}, in, "input must not be reordered")
}

func TestValidateWindowMedian(t *testing.T) {
	reference := make([]float64, 0, 192)
	for i := 0; i < 192; i++ {
		reference = append(reference, float64(i%24))
	}
	median := Median(reference)

	t.Run("All Above", func(t *testing.T) {
		window := make([]float64, 12)
		for i := range window {
			window[i] = median + 1
		}
		assert.True(t, ValidateWindowMedian(window, reference))
	})

	t.Run("Equal Passes", func(t *testing.T) {
		assert.True(t, ValidateWindowMedian([]float64{median, median}, reference))
	})

	t.Run("One Below Fails", func(t *testing.T) {
		window := make([]float64, 16)
		for i := range window {
			window[i] = median + 2
		}
		window[9] = median - 0.01
		assert.False(t, ValidateWindowMedian(window, reference))
	})

	t.Run("Empty", func(t *testing.T) {
		assert.False(t, ValidateWindowMedian(nil, reference))
		assert.False(t, ValidateWindowMedian([]float64{1}, nil))
	})
}

func TestValidateWindowMedianMonotonic(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	for trial := 0; trial < 500; trial++ {
		reference := make([]float64, 192)
		for i := range reference {
			reference[i] = rng.Float64() * 5
		}
		start := rng.Intn(192 - 12)
		window := reference[start : start+12]
		before := ValidateWindowMedian(window, reference)

		// raise every window price, the window is part of the reference
		delta := rng.Float64()
		raised := append([]float64(nil), reference...)
		for i := start; i < start+12; i++ {
			raised[i] += delta
		}
		after := ValidateWindowMedian(raised[start:start+12], raised)

		if before {
			assert.True(t, after, "trial %d: raising prices made the window fail", trial)
		}
	}
}
