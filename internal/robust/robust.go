// Package robust holds the order-independent statistics used for outlier
// rejection: median, mean and MAD-based sigma clipping over sorted samples.
package robust

import (
	"math"
	"sort"
)

// MADToSigma scales a median absolute deviation to a Gaussian sigma.
const MADToSigma = 1.4826

// Median of an ascending slice. NaN when empty.
func Median(sorted []float64) float64 {
	n := len(sorted)
	switch {
	case n == 0:
		return math.NaN()
	case n%2 == 1:
		return sorted[n/2]
	default:
		return (sorted[n/2-1] + sorted[n/2]) / 2
	}
}

// Mean of an ascending slice. Summing in sorted order keeps the result
// independent of the order the samples were gathered in.
func Mean(sorted []float64) float64 {
	if len(sorted) == 0 {
		return math.NaN()
	}
	sum := 0.0
	for _, v := range sorted {
		sum += v
	}
	return sum / float64(len(sorted))
}

// Sigma is the MAD-based scale of an ascending slice around center.
// scratch is reused to avoid an allocation per pixel.
func Sigma(sorted []float64, center float64, scratch []float64) float64 {
	dev := scratch[:0]
	for _, v := range sorted {
		dev = append(dev, math.Abs(v-center))
	}
	sort.Float64s(dev)
	return MADToSigma * Median(dev)
}

// Clip iteratively rejects samples of an ascending slice lying more than
// lo (below) or hi (above) robust sigmas from the median. The sigma never
// drops below floor, so ties on the median do not collapse the bounds onto it.
// Rejection is strict: a sample exactly on the threshold survives. Because the
// input is sorted the survivors are always a contiguous window, which is returned.
func Clip(sorted []float64, lo, hi, floor float64, maxIter int, scratch []float64) []float64 {
	kept := sorted
	for it := 0; it < maxIter && len(kept) > 1; it++ {
		center := Median(kept)
		sigma := math.Max(Sigma(kept, center, scratch), floor)
		lower, upper := center-lo*sigma, center+hi*sigma

		first := sort.Search(len(kept), func(i int) bool { return kept[i] >= lower })
		last := sort.Search(len(kept), func(i int) bool { return kept[i] > upper })
		if first == 0 && last == len(kept) {
			break
		}
		kept = kept[first:last]
	}
	return kept
}

// MedianOf returns the median of unsorted values without modifying them.
func MedianOf(values []float64) float64 {
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	return Median(sorted)
}
