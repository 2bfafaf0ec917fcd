// Package combine builds master calibration frames from raw calibration
// exposures with per-pixel robust outlier rejection.
package combine

import (
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"frameforge/internal/frame"
	"frameforge/internal/robust"
)

// StageName is the provenance name recorded on every master.
const StageName = "combine"

// ErrIncompatibleInputs marks a combine request whose frames cannot be
// combined with each other. It is a caller error and is never retried.
var ErrIncompatibleInputs = errors.New("incompatible inputs")

// CombineFailure reports a combine that was well-formed but could not
// produce a usable master.
type CombineFailure struct {
	Kind   frame.ObservationType
	Reason string
}

func (e *CombineFailure) Error() string {
	return fmt.Sprintf("combine %s: %s", e.Kind, e.Reason)
}

// Estimator picks how surviving samples are reduced to one value.
type Estimator string

const (
	EstimatorMean   Estimator = "mean"
	EstimatorMedian Estimator = "median"
)

// Config controls rejection and combination.
type Config struct {
	SigmaLow      float64   `json:"sigma_low"`
	SigmaHigh     float64   `json:"sigma_high"`
	MaxIterations int       `json:"max_iterations"`
	MinSigma      float64   `json:"min_sigma"` // scale floor in input ADU, negative disables
	Estimator     Estimator `json:"estimator"`
	MinInputs     int       `json:"min_inputs"` // below this the master is flagged low-confidence
	Workers       int       `json:"workers"`
}

// DefaultConfig returns 3-sigma, 5-iteration clipping with a mean of survivors
// and a 1 ADU floor on the clipping scale.
func DefaultConfig() Config {
	return Config{
		SigmaLow:      3,
		SigmaHigh:     3,
		MaxIterations: 5,
		MinSigma:      1,
		Estimator:     EstimatorMean,
		MinInputs:     3,
		Workers:       4,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.SigmaLow <= 0 {
		c.SigmaLow = def.SigmaLow
	}
	if c.SigmaHigh <= 0 {
		c.SigmaHigh = def.SigmaHigh
	}
	if c.MaxIterations <= 0 {
		c.MaxIterations = def.MaxIterations
	}
	if c.MinSigma == 0 {
		c.MinSigma = def.MinSigma
	}
	if c.Estimator == "" {
		c.Estimator = def.Estimator
	}
	if c.MinInputs <= 0 {
		c.MinInputs = def.MinInputs
	}
	if c.Workers <= 0 {
		c.Workers = 1
	}
	return c
}

// Combiner is a pure function object: it performs no storage I/O.
type Combiner struct {
	cfg Config
	log *slog.Logger
	now func() time.Time
}

// New returns a Combiner. Zero config fields take DefaultConfig values.
func New(cfg Config, log *slog.Logger) *Combiner {
	if log == nil {
		log = slog.Default()
	}
	return &Combiner{cfg: cfg.withDefaults(), log: log, now: time.Now}
}

// WithClock overrides the provenance timestamp source.
func (c *Combiner) WithClock(now func() time.Time) *Combiner {
	c.now = now
	return c
}

// Config returns the effective configuration.
func (c *Combiner) Config() Config { return c.cfg }

// Combine produces one master from raw calibration frames of one kind and
// one configuration. The result does not depend on the order of inputs.
func (c *Combiner) Combine(inputs []*frame.Frame) (*frame.CalibrationFrame, error) {
	kind, err := checkInputs(inputs)
	if err != nil {
		return nil, err
	}

	ordered := append([]*frame.Frame(nil), inputs...)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].ID < ordered[j].ID })

	scales := make([]float64, len(ordered))
	minScale := 1.0
	for i, f := range ordered {
		scales[i] = 1
		if kind == frame.Dark {
			scales[i] = 1 / f.Header.ExposureTime
		}
		if i == 0 || scales[i] < minScale {
			minScale = scales[i]
		}
	}
	floor := c.cfg.MinSigma * minScale

	first := ordered[0]
	out := frame.New("", first.Width, first.Height, len(first.Planes))
	out.Weights = make([][]uint16, len(first.Planes))
	var rejected int64
	for p := range first.Planes {
		out.Weights[p] = make([]uint16, first.Width*first.Height)
		rejected += c.combinePlane(ordered, scales, floor, p, out)
	}

	if kind == frame.Flat {
		for p, plane := range out.Planes {
			sorted := append([]float64(nil), plane...)
			sort.Float64s(sorted)
			norm := robust.Median(sorted)
			if !(norm > 0) {
				return nil, &CombineFailure{Kind: kind, Reason: fmt.Sprintf("plane %d median %g is not positive, cannot normalize flat", p, norm)}
			}
			for i := range plane {
				plane[i] /= norm
			}
		}
	}

	for p, w := range out.Weights {
		for i, n := range w {
			if n == 0 {
				out.Flag(p, i)
			}
		}
	}

	ids := make([]string, len(ordered))
	from, until := first.Header.ObservedAt, first.Header.ObservedAt
	exposures := make([]float64, len(ordered))
	site := first.Header.Site
	for i, f := range ordered {
		ids[i] = f.ID
		exposures[i] = f.Header.ExposureTime
		if t := f.Header.ObservedAt; t.Before(from) {
			from = t
		} else if t.After(until) {
			until = t
		}
		if f.Header.Site != site {
			site = ""
		}
	}
	sort.Strings(ids)
	sort.Float64s(exposures)

	lowConf := len(ordered) < c.cfg.MinInputs
	fp := first.Header.Fingerprint.ForKind(kind)
	out.ID = MasterID(kind, fp, from, ids)
	out.Header.Type = kind
	out.Header.Site = site
	out.Header.Fingerprint = fp
	out.Header.ObservedAt = from.Add(until.Sub(from) / 2)
	out.Header.ExposureTime = robust.Median(exposures)
	if kind == frame.Dark {
		out.Header.ExposureTime = 1
	}
	out.SetKeyword("NINPUTS", strconv.Itoa(len(ordered)))
	out.Record(frame.ProvenanceEntry{
		Stage: StageName,
		At:    c.now(),
		Parameters: map[string]string{
			"kind":           string(kind),
			"n_inputs":       strconv.Itoa(len(ordered)),
			"estimator":      string(c.cfg.Estimator),
			"sigma_low":      strconv.FormatFloat(c.cfg.SigmaLow, 'g', -1, 64),
			"sigma_high":     strconv.FormatFloat(c.cfg.SigmaHigh, 'g', -1, 64),
			"max_iterations": strconv.Itoa(c.cfg.MaxIterations),
			"min_sigma":      strconv.FormatFloat(c.cfg.MinSigma, 'g', -1, 64),
			"rejected":       strconv.FormatInt(rejected, 10),
			"low_confidence": strconv.FormatBool(lowConf),
			"input_stages":   stageNames(first),
		},
	})

	if lowConf {
		c.log.Warn("master built from few inputs", "kind", kind, "inputs", len(ordered), "min_inputs", c.cfg.MinInputs)
	}
	c.log.Info("master combined",
		"kind", kind,
		"master", out.ID,
		"fingerprint", out.Header.Fingerprint.Key(),
		"inputs", len(ordered),
		"rejected", rejected,
	)

	return &frame.CalibrationFrame{
		Frame:         out,
		Kind:          kind,
		ValidFrom:     from,
		ValidUntil:    until,
		Inputs:        ids,
		LowConfidence: lowConf,
	}, nil
}

// combinePlane fills plane p of out in row bands and returns the number of
// samples rejected by clipping or flagging. floor is the clipping scale floor
// in the units of the scaled samples.
func (c *Combiner) combinePlane(inputs []*frame.Frame, scales []float64, floor float64, p int, out *frame.Frame) int64 {
	width, height := out.Width, out.Height
	bands := c.cfg.Workers
	if bands > height {
		bands = height
	}
	rowsPer := (height + bands - 1) / bands
	counts := make([]int64, bands)

	var g errgroup.Group
	g.SetLimit(c.cfg.Workers)
	for b := 0; b < bands; b++ {
		b := b
		y0, y1 := b*rowsPer, (b+1)*rowsPer
		if y1 > height {
			y1 = height
		}
		g.Go(func() error {
			good := make([]float64, 0, len(inputs))
			all := make([]float64, 0, len(inputs))
			scratch := make([]float64, 0, len(inputs))
			for idx := y0 * width; idx < y1*width; idx++ {
				good, all = good[:0], all[:0]
				for i, f := range inputs {
					raw := f.Planes[p][idx]
					v := raw * scales[i]
					all = append(all, v)
					if f.Flagged(p, idx) || f.Saturated(raw) {
						continue
					}
					good = append(good, v)
				}
				sort.Float64s(good)
				kept := robust.Clip(good, c.cfg.SigmaLow, c.cfg.SigmaHigh, floor, c.cfg.MaxIterations, scratch)
				counts[b] += int64(len(all) - len(kept))

				var value float64
				switch {
				case len(kept) == 0:
					sort.Float64s(all)
					value = robust.Median(all)
				case c.cfg.Estimator == EstimatorMedian:
					value = robust.Median(kept)
				default:
					value = robust.Mean(kept)
				}
				out.Planes[p][idx] = value
				out.Weights[p][idx] = uint16(len(kept))
			}
			return nil
		})
	}
	_ = g.Wait()

	var total int64
	for _, n := range counts {
		total += n
	}
	return total
}

func checkInputs(inputs []*frame.Frame) (frame.ObservationType, error) {
	if len(inputs) == 0 {
		return "", fmt.Errorf("%w: no frames", ErrIncompatibleInputs)
	}
	first := inputs[0]
	kind := first.Header.Type
	if !kind.IsCalibration() {
		return "", fmt.Errorf("%w: %s frames cannot be combined into a master", ErrIncompatibleInputs, kind)
	}
	seen := make(map[string]bool, len(inputs))
	for _, f := range inputs {
		if seen[f.ID] {
			return "", fmt.Errorf("%w: frame %s given more than once", ErrIncompatibleInputs, f.ID)
		}
		seen[f.ID] = true
		if err := f.Validate(); err != nil {
			return "", fmt.Errorf("%w: %v", ErrIncompatibleInputs, err)
		}
		if f.Header.Type != kind {
			return "", fmt.Errorf("%w: %s is %s, expected %s", ErrIncompatibleInputs, f.ID, f.Header.Type, kind)
		}
		if got, want := f.Header.Fingerprint.ForKind(kind), first.Header.Fingerprint.ForKind(kind); got != want {
			return "", fmt.Errorf("%w: %s has fingerprint %s, expected %s", ErrIncompatibleInputs, f.ID, got, want)
		}
		if !f.SameGeometry(first) {
			return "", fmt.Errorf("%w: %s is %dx%dx%d, expected %dx%dx%d", ErrIncompatibleInputs,
				f.ID, f.Width, f.Height, len(f.Planes), first.Width, first.Height, len(first.Planes))
		}
		if kind == frame.Dark && !(f.Header.ExposureTime > 0) {
			return "", fmt.Errorf("%w: dark %s has exposure %g", ErrIncompatibleInputs, f.ID, f.Header.ExposureTime)
		}
	}
	return kind, nil
}

// MasterID derives a stable identifier from what went into a master.
func MasterID(kind frame.ObservationType, fp frame.Fingerprint, from time.Time, sortedInputs []string) string {
	h := fnv.New32a()
	h.Write([]byte(fp.Key()))
	for _, id := range sortedInputs {
		h.Write([]byte{0})
		h.Write([]byte(id))
	}
	inst := fp.Instrument
	if inst == "" {
		inst = "unknown"
	}
	return fmt.Sprintf("%s-%s-%s-%08x", kind, inst, frame.EpochOf(from), h.Sum32())
}

func stageNames(f *frame.Frame) string {
	names := make([]string, len(f.Provenance))
	for i, e := range f.Provenance {
		names[i] = e.Stage
	}
	return strings.Join(names, ";")
}
