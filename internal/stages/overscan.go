package stages

import (
	"context"
	"fmt"
	"strconv"

	"frameforge/internal/frame"
	"frameforge/internal/robust"
)

// overscanTrim removes the overscan level and crops to the data region.
type overscanTrim struct{}

func (overscanTrim) Name() string { return OverscanTrim }

func (overscanTrim) Apply(_ context.Context, f *frame.Frame) (Outcome, error) {
	biasSec, hasBias := f.Keyword(frame.KeyBiasSection)
	trimSec, hasTrim := f.Keyword(frame.KeyTrimSection)
	if !hasBias && !hasTrim {
		return Skip("no %s or %s keyword", frame.KeyBiasSection, frame.KeyTrimSection), nil
	}

	params := map[string]string{}
	if hasBias {
		sec, err := frame.ParseSection(biasSec)
		if err != nil {
			return Outcome{}, fmt.Errorf("%s: %w", frame.KeyBiasSection, err)
		}
		if err := sec.Within(f.Width, f.Height); err != nil {
			return Outcome{}, fmt.Errorf("%s: %w", frame.KeyBiasSection, err)
		}
		params["biassec"] = sec.String()
		for p, plane := range f.Planes {
			region := make([]float64, 0, sec.Width()*sec.Height())
			for y := sec.Y0; y < sec.Y1; y++ {
				for x := sec.X0; x < sec.X1; x++ {
					idx := f.Index(x, y)
					if !f.Flagged(p, idx) {
						region = append(region, plane[idx])
					}
				}
			}
			if len(region) == 0 {
				return Outcome{}, fmt.Errorf("overscan region %s of plane %d is fully masked", sec, p)
			}
			level := robust.MedianOf(region)
			for i := range plane {
				plane[i] -= level
			}
			params["level_"+strconv.Itoa(p)] = strconv.FormatFloat(level, 'f', 3, 64)
		}
	}

	if hasTrim {
		sec, err := frame.ParseSection(trimSec)
		if err != nil {
			return Outcome{}, fmt.Errorf("%s: %w", frame.KeyTrimSection, err)
		}
		if err := f.Reshape(sec); err != nil {
			return Outcome{}, err
		}
		params["trimsec"] = sec.String()
	}
	return Apply(params), nil
}
