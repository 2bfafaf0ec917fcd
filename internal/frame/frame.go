package frame

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ObservationType is the declared kind of an exposure.
type ObservationType string

const (
	Science ObservationType = "science"
	Bias    ObservationType = "bias"
	Dark    ObservationType = "dark"
	Flat    ObservationType = "flat"
)

// ParseObservationType accepts canonical names as well as the raw header
// spellings written by the instrument control software.
func ParseObservationType(s string) (ObservationType, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "SCIENCE", "EXPOSE", "OBJECT":
		return Science, nil
	case "BIAS", "ZERO":
		return Bias, nil
	case "DARK":
		return Dark, nil
	case "FLAT", "SKYFLAT", "LAMPFLAT":
		return Flat, nil
	default:
		return "", fmt.Errorf("unknown observation type %q", s)
	}
}

// IsCalibration reports whether frames of this type can be combined into a master.
func (t ObservationType) IsCalibration() bool {
	return t == Bias || t == Dark || t == Flat
}

// Header carries the metadata the reduction core relies on.
type Header struct {
	Type         ObservationType   `json:"type" msgpack:"type"`
	Site         string            `json:"site" msgpack:"site"`
	Fingerprint  Fingerprint       `json:"fingerprint" msgpack:"fingerprint"`
	ExposureTime float64           `json:"exposure_time" msgpack:"exposure_time"` // seconds
	ObservedAt   time.Time         `json:"observed_at" msgpack:"observed_at"`
	Saturation   float64           `json:"saturation,omitempty" msgpack:"saturation,omitempty"` // 0 disables the check
	Keywords     map[string]string `json:"keywords,omitempty" msgpack:"keywords,omitempty"`
}

// ProvenanceEntry records one stage decision on a frame.
type ProvenanceEntry struct {
	Stage      string            `json:"stage" msgpack:"stage"`
	At         time.Time         `json:"at" msgpack:"at"`
	Parameters map[string]string `json:"parameters,omitempty" msgpack:"parameters,omitempty"`
}

// Frame is one exposure: pixel planes of identical size plus header metadata.
//
// Planes hold row-major samples, one slice per extension. Masks, when
// present, flag unusable pixels with a non-zero byte. Weights is only set on
// master frames and holds the per-pixel survivor counts of the combine.
type Frame struct {
	ID         string            `json:"id" msgpack:"id"`
	Width      int               `json:"width" msgpack:"width"`
	Height     int               `json:"height" msgpack:"height"`
	Planes     [][]float64       `json:"planes" msgpack:"planes"`
	Masks      [][]uint8         `json:"masks,omitempty" msgpack:"masks,omitempty"`
	Weights    [][]uint16        `json:"weights,omitempty" msgpack:"weights,omitempty"`
	Header     Header            `json:"header" msgpack:"header"`
	Provenance []ProvenanceEntry `json:"provenance" msgpack:"provenance"`
	Skipped    []ProvenanceEntry `json:"skipped,omitempty" msgpack:"skipped,omitempty"`
}

// New allocates a zeroed frame with the given geometry.
func New(id string, width, height, planes int) *Frame {
	f := &Frame{ID: id, Width: width, Height: height, Planes: make([][]float64, planes)}
	for i := range f.Planes {
		f.Planes[i] = make([]float64, width*height)
	}
	f.Header.Keywords = map[string]string{}
	return f
}

// Validate checks that every plane, mask and weight map matches the declared geometry.
func (f *Frame) Validate() error {
	if f == nil {
		return errors.New("nil frame")
	}
	if f.Width <= 0 || f.Height <= 0 {
		return fmt.Errorf("frame %s: invalid dimensions %dx%d", f.ID, f.Width, f.Height)
	}
	if len(f.Planes) == 0 {
		return fmt.Errorf("frame %s: no pixel planes", f.ID)
	}
	n := f.Width * f.Height
	for i, p := range f.Planes {
		if len(p) != n {
			return fmt.Errorf("frame %s: plane %d has %d samples, want %d", f.ID, i, len(p), n)
		}
	}
	if f.Masks != nil && len(f.Masks) != len(f.Planes) {
		return fmt.Errorf("frame %s: %d masks for %d planes", f.ID, len(f.Masks), len(f.Planes))
	}
	for i, m := range f.Masks {
		if m != nil && len(m) != n {
			return fmt.Errorf("frame %s: mask %d has %d entries, want %d", f.ID, i, len(m), n)
		}
	}
	for i, w := range f.Weights {
		if len(w) != n {
			return fmt.Errorf("frame %s: weight map %d has %d entries, want %d", f.ID, i, len(w), n)
		}
	}
	return nil
}

// SameGeometry reports whether g has the same width, height and plane count as f.
func (f *Frame) SameGeometry(g *Frame) bool {
	return f.Width == g.Width && f.Height == g.Height && len(f.Planes) == len(g.Planes)
}

// Clone returns a deep copy.
func (f *Frame) Clone() *Frame {
	c := *f
	c.Planes = make([][]float64, len(f.Planes))
	for i, p := range f.Planes {
		c.Planes[i] = append([]float64(nil), p...)
	}
	if f.Masks != nil {
		c.Masks = make([][]uint8, len(f.Masks))
		for i, m := range f.Masks {
			if m != nil {
				c.Masks[i] = append([]uint8(nil), m...)
			}
		}
	}
	if f.Weights != nil {
		c.Weights = make([][]uint16, len(f.Weights))
		for i, w := range f.Weights {
			c.Weights[i] = append([]uint16(nil), w...)
		}
	}
	c.Header.Keywords = make(map[string]string, len(f.Header.Keywords))
	for k, v := range f.Header.Keywords {
		c.Header.Keywords[k] = v
	}
	c.Provenance = cloneEntries(f.Provenance)
	c.Skipped = cloneEntries(f.Skipped)
	return &c
}

func cloneEntries(in []ProvenanceEntry) []ProvenanceEntry {
	if in == nil {
		return nil
	}
	out := make([]ProvenanceEntry, len(in))
	for i, e := range in {
		out[i] = e
		if e.Parameters != nil {
			out[i].Parameters = make(map[string]string, len(e.Parameters))
			for k, v := range e.Parameters {
				out[i].Parameters[k] = v
			}
		}
	}
	return out
}

// Index converts 0-based pixel coordinates into a plane offset.
func (f *Frame) Index(x, y int) int { return y*f.Width + x }

// Keyword returns a free header keyword.
func (f *Frame) Keyword(key string) (string, bool) {
	v, ok := f.Header.Keywords[key]
	return v, ok
}

// SetKeyword sets a free header keyword.
func (f *Frame) SetKeyword(key, value string) {
	if f.Header.Keywords == nil {
		f.Header.Keywords = map[string]string{}
	}
	f.Header.Keywords[key] = value
}

// Flag marks pixel idx of plane p as unusable, allocating the mask on demand.
func (f *Frame) Flag(p, idx int) {
	if f.Masks == nil {
		f.Masks = make([][]uint8, len(f.Planes))
	}
	if f.Masks[p] == nil {
		f.Masks[p] = make([]uint8, f.Width*f.Height)
	}
	f.Masks[p][idx] = 1
}

// Flagged reports whether pixel idx of plane p is masked.
func (f *Frame) Flagged(p, idx int) bool {
	return f.Masks != nil && f.Masks[p] != nil && f.Masks[p][idx] != 0
}

// Saturated reports whether v reaches the frame's saturation level.
func (f *Frame) Saturated(v float64) bool {
	return f.Header.Saturation > 0 && v >= f.Header.Saturation
}

// Applied reports whether a stage with the given name is already in the provenance.
func (f *Frame) Applied(stage string) bool {
	for _, e := range f.Provenance {
		if e.Stage == stage {
			return true
		}
	}
	return false
}

// Record appends an applied-stage entry.
func (f *Frame) Record(e ProvenanceEntry) {
	f.Provenance = append(f.Provenance, e)
}

// RecordSkip appends a skipped-stage entry.
func (f *Frame) RecordSkip(e ProvenanceEntry) {
	f.Skipped = append(f.Skipped, e)
}

// Epoch is the UTC observing date of the frame, formatted YYYYMMDD.
func (f *Frame) Epoch() string {
	return EpochOf(f.Header.ObservedAt)
}

// EpochOf formats t as a YYYYMMDD observing date.
func EpochOf(t time.Time) string {
	return t.UTC().Format("20060102")
}

// Reshape crops every plane, mask and weight map to sec and rewrites the
// section keywords in the same step, so geometry and header never disagree.
func (f *Frame) Reshape(sec Section) error {
	if err := sec.Within(f.Width, f.Height); err != nil {
		return fmt.Errorf("reshape %s: %w", f.ID, err)
	}
	w, h := sec.Width(), sec.Height()
	crop := func(src []float64) []float64 {
		dst := make([]float64, w*h)
		for y := 0; y < h; y++ {
			copy(dst[y*w:(y+1)*w], src[(sec.Y0+y)*f.Width+sec.X0:(sec.Y0+y)*f.Width+sec.X0+w])
		}
		return dst
	}
	planes := make([][]float64, len(f.Planes))
	for i, p := range f.Planes {
		planes[i] = crop(p)
	}
	var masks [][]uint8
	if f.Masks != nil {
		masks = make([][]uint8, len(f.Masks))
		for i, m := range f.Masks {
			if m == nil {
				continue
			}
			masks[i] = make([]uint8, w*h)
			for y := 0; y < h; y++ {
				copy(masks[i][y*w:(y+1)*w], m[(sec.Y0+y)*f.Width+sec.X0:])
			}
		}
	}
	var weights [][]uint16
	if f.Weights != nil {
		weights = make([][]uint16, len(f.Weights))
		for i, wm := range f.Weights {
			weights[i] = make([]uint16, w*h)
			for y := 0; y < h; y++ {
				copy(weights[i][y*w:(y+1)*w], wm[(sec.Y0+y)*f.Width+sec.X0:])
			}
		}
	}

	f.Planes, f.Masks, f.Weights = planes, masks, weights
	f.Width, f.Height = w, h
	delete(f.Header.Keywords, KeyBiasSection)
	delete(f.Header.Keywords, KeyTrimSection)
	f.SetKeyword(KeyDataSection, Section{X1: w, Y1: h}.String())
	return nil
}
