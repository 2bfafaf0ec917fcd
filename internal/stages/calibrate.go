package stages

import (
	"context"
	"fmt"
	"strconv"

	"frameforge/internal/frame"
)

type biasSubtract struct{ cals CalibrationSource }

func (biasSubtract) Name() string { return BiasSubtract }

func (s biasSubtract) Apply(ctx context.Context, f *frame.Frame) (Outcome, error) {
	master, err := selectMaster(ctx, s.cals, frame.Bias, f)
	if err != nil {
		return Outcome{}, err
	}
	for p, plane := range f.Planes {
		mp := master.Planes[p]
		for i := range plane {
			plane[i] -= mp[i]
			if master.Flagged(p, i) {
				f.Flag(p, i)
			}
		}
	}
	return Apply(masterParams(master, nil)), nil
}

type darkSubtract struct{ cals CalibrationSource }

func (darkSubtract) Name() string { return DarkSubtract }

func (s darkSubtract) Apply(ctx context.Context, f *frame.Frame) (Outcome, error) {
	if f.Header.ExposureTime <= 0 {
		return Skip("exposure time %g s", f.Header.ExposureTime), nil
	}
	master, err := selectMaster(ctx, s.cals, frame.Dark, f)
	if err != nil {
		return Outcome{}, err
	}
	masterExp := master.Header.ExposureTime
	if masterExp <= 0 {
		masterExp = 1
	}
	scale := f.Header.ExposureTime / masterExp
	for p, plane := range f.Planes {
		mp := master.Planes[p]
		for i := range plane {
			plane[i] -= mp[i] * scale
			if master.Flagged(p, i) {
				f.Flag(p, i)
			}
		}
	}
	return Apply(masterParams(master, map[string]string{
		"scale": strconv.FormatFloat(scale, 'g', -1, 64),
	})), nil
}

type flatCorrect struct {
	cals   CalibrationSource
	noFlat map[string]bool
}

func (flatCorrect) Name() string { return FlatCorrect }

func (s flatCorrect) Apply(ctx context.Context, f *frame.Frame) (Outcome, error) {
	if filter := f.Header.Fingerprint.Filter; s.noFlat[filter] {
		return Skip("filter %s needs no flat correction", filter), nil
	}
	master, err := selectMaster(ctx, s.cals, frame.Flat, f)
	if err != nil {
		return Outcome{}, err
	}
	bad := 0
	for p, plane := range f.Planes {
		mp := master.Planes[p]
		for i := range plane {
			if mp[i] <= 0 || master.Flagged(p, i) {
				plane[i] = 0
				f.Flag(p, i)
				bad++
				continue
			}
			plane[i] /= mp[i]
		}
	}
	return Apply(masterParams(master, map[string]string{"bad_pixels": strconv.Itoa(bad)})), nil
}

func selectMaster(ctx context.Context, cals CalibrationSource, kind frame.ObservationType, f *frame.Frame) (*frame.CalibrationFrame, error) {
	master, err := cals.Select(ctx, kind, f.Header.Fingerprint, f.Header.ObservedAt)
	if err != nil {
		return nil, err
	}
	if !master.Compatible(f) {
		return nil, fmt.Errorf("master %s %s is %dx%dx%d, frame %s is %dx%dx%d", kind, master.ID,
			master.Width, master.Height, len(master.Planes), f.ID, f.Width, f.Height, len(f.Planes))
	}
	return master, nil
}

func masterParams(m *frame.CalibrationFrame, extra map[string]string) map[string]string {
	params := map[string]string{"master": m.ID}
	if m.LowConfidence {
		params["low_confidence"] = "true"
	}
	for k, v := range extra {
		params[k] = v
	}
	return params
}
