// Package stages implements the closed set of correction steps a reduction
// pipeline is built from.
package stages

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"frameforge/internal/frame"
)

// Stage names.
const (
	OverscanTrim    = "overscan-trim"
	BiasSubtract    = "bias-subtract"
	DarkSubtract    = "dark-subtract"
	FlatCorrect     = "flat-correct"
	CosmicRayReject = "cosmic-ray-reject"
)

// ErrAlreadyApplied is returned when a stage would run a second time on the same frame.
var ErrAlreadyApplied = errors.New("stage already applied")

// State is the phase of one stage within one reduction.
type State string

const (
	NotRun  State = "not_run"
	Applied State = "applied"
	Skipped State = "skipped"
	Failed  State = "failed"
)

// Outcome is what a stage did to a frame. Params are recorded in provenance
// for applied stages; Reason explains a skip.
type Outcome struct {
	State  State
	Params map[string]string
	Reason string
}

// Apply reports a successful application.
func Apply(params map[string]string) Outcome {
	return Outcome{State: Applied, Params: params}
}

// Skip reports that a stage declined to run.
func Skip(format string, args ...any) Outcome {
	return Outcome{State: Skipped, Reason: fmt.Sprintf(format, args...)}
}

// Entry converts an outcome into the provenance entry recorded on the frame.
func (o Outcome) Entry(stage string, at time.Time) frame.ProvenanceEntry {
	e := frame.ProvenanceEntry{Stage: stage, At: at, Parameters: o.Params}
	if o.State == Skipped {
		e.Parameters = map[string]string{"reason": o.Reason}
	}
	return e
}

// Stage is one correction step. Apply mutates f in place and either applies,
// skips, or returns an error; it never leaves a half-corrected frame behind
// that the caller is expected to keep.
type Stage interface {
	Name() string
	Apply(ctx context.Context, f *frame.Frame) (Outcome, error)
}

// CalibrationSource resolves the master a calibration stage needs.
type CalibrationSource interface {
	Select(ctx context.Context, kind frame.ObservationType, fp frame.Fingerprint, t time.Time) (*frame.CalibrationFrame, error)
}

// CosmicRayConfig tunes single-frame cosmic ray rejection.
type CosmicRayConfig struct {
	Threshold float64 `json:"threshold"` // robust sigmas above the local median
	MinSigma  float64 `json:"min_sigma"` // floor on the plane's robust sigma in ADU, negative disables
}

// Deps are the collaborators and settings stages are built with.
type Deps struct {
	Calibrations  CalibrationSource
	NoFlatFilters []string
	CosmicRay     CosmicRayConfig
}

// Names lists every known stage in canonical pipeline order.
func Names() []string {
	return []string{OverscanTrim, BiasSubtract, DarkSubtract, FlatCorrect, CosmicRayReject}
}

// New builds the stage called name.
func New(name string, deps Deps) (Stage, error) {
	switch name {
	case OverscanTrim:
		return overscanTrim{}, nil
	case BiasSubtract:
		if deps.Calibrations == nil {
			return nil, fmt.Errorf("stage %s needs a calibration source", name)
		}
		return biasSubtract{cals: deps.Calibrations}, nil
	case DarkSubtract:
		if deps.Calibrations == nil {
			return nil, fmt.Errorf("stage %s needs a calibration source", name)
		}
		return darkSubtract{cals: deps.Calibrations}, nil
	case FlatCorrect:
		if deps.Calibrations == nil {
			return nil, fmt.Errorf("stage %s needs a calibration source", name)
		}
		skip := make(map[string]bool, len(deps.NoFlatFilters))
		for _, f := range deps.NoFlatFilters {
			skip[f] = true
		}
		return flatCorrect{cals: deps.Calibrations, noFlat: skip}, nil
	case CosmicRayReject:
		th := deps.CosmicRay.Threshold
		if th <= 0 {
			th = 5
		}
		floor := deps.CosmicRay.MinSigma
		if floor == 0 {
			floor = 1
		}
		return cosmicRayReject{threshold: th, floor: floor}, nil
	}
	known := Names()
	sort.Strings(known)
	return nil, fmt.Errorf("unknown stage %q (known: %v)", name, known)
}
