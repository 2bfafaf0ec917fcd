package stages

import (
	"context"
	"math"
	"sort"
	"strconv"

	"frameforge/internal/frame"
	"frameforge/internal/robust"
)

// cosmicRayReject replaces isolated positive outliers with their local median.
// The plane's robust sigma is held at or above floor, so a flat plane does
// not turn every pixel slightly above its neighbours into a hit.
type cosmicRayReject struct {
	threshold float64
	floor     float64
}

func (cosmicRayReject) Name() string { return CosmicRayReject }

func (s cosmicRayReject) Apply(_ context.Context, f *frame.Frame) (Outcome, error) {
	if f.Width < 3 || f.Height < 3 {
		return Skip("frame %dx%d is smaller than the 3x3 neighbourhood", f.Width, f.Height), nil
	}
	replaced := 0
	window := make([]float64, 0, 9)
	for p, plane := range f.Planes {
		orig := append([]float64(nil), plane...)
		sorted := append([]float64(nil), orig...)
		sort.Float64s(sorted)
		sigma := math.Max(robust.Sigma(sorted, robust.Median(sorted), nil), s.floor)
		limit := s.threshold * sigma

		for y := 0; y < f.Height; y++ {
			for x := 0; x < f.Width; x++ {
				window = window[:0]
				for dy := -1; dy <= 1; dy++ {
					for dx := -1; dx <= 1; dx++ {
						nx, ny := x+dx, y+dy
						if nx < 0 || ny < 0 || nx >= f.Width || ny >= f.Height {
							continue
						}
						window = append(window, orig[f.Index(nx, ny)])
					}
				}
				sort.Float64s(window)
				local := robust.Median(window)
				idx := f.Index(x, y)
				if orig[idx]-local > limit {
					plane[idx] = local
					f.Flag(p, idx)
					replaced++
				}
			}
		}
	}
	return Apply(map[string]string{
		"threshold": strconv.FormatFloat(s.threshold, 'g', -1, 64),
		"min_sigma": strconv.FormatFloat(s.floor, 'g', -1, 64),
		"replaced":  strconv.Itoa(replaced),
	}), nil
}
