package balancing

import "sort"

// Median returns the median of prices or 0 for an empty slice.
func Median(prices []float64) float64 {
	if len(prices) == 0 {
		return 0
	}
	s := append([]float64(nil), prices...)
	sort.Float64s(s)
	mid := len(s) / 2
	if len(s)%2 == 0 {
		return (s[mid-1] + s[mid]) / 2
	}
	return s[mid]
}

// ValidateWindowMedian reports whether every price in window is at or above
// the median of reference. The window is walked in order and rejected at the
// first sample below the median.
func ValidateWindowMedian(window, reference []float64) bool {
	if len(window) == 0 || len(reference) == 0 {
		return false
	}
	median := Median(reference)
	for _, p := range window {
		if p < median {
			return false
		}
	}
	return true
}
