package transform

import "math"

// Quantile returns the p-quantile of sorted using linear interpolation
// between closest ranks (Hyndman-Fan type 7): h = (n-1)p and
// q = x[floor(h)] + (h-floor(h)) * (x[floor(h)+1] - x[floor(h)]).
// sorted must be ascending and non-empty.
func Quantile(sorted []float64, p float64) float64 {
	n := len(sorted)
	if n == 1 {
		return sorted[0]
	}
	h := float64(n-1) * p
	lo := math.Floor(h)
	i := int(lo)
	if i >= n-1 {
		return sorted[n-1]
	}
	return sorted[i] + (h-lo)*(sorted[i+1]-sorted[i])
}
