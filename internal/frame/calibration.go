package frame

import "time"

// CalibrationFrame is a master bias, dark or flat. The embedded frame's
// Weights hold the per-pixel count of inputs that survived rejection.
type CalibrationFrame struct {
	*Frame
	Kind          ObservationType
	ValidFrom     time.Time
	ValidUntil    time.Time
	Inputs        []string
	LowConfidence bool
}

// Covers reports whether t falls inside the validity window (inclusive).
func (c *CalibrationFrame) Covers(t time.Time) bool {
	return !t.Before(c.ValidFrom) && !t.After(c.ValidUntil)
}

// Compatible reports whether the master can be applied to f: exact
// fingerprint equality for the master's kind and identical geometry.
func (c *CalibrationFrame) Compatible(f *Frame) bool {
	return c.Header.Fingerprint == f.Header.Fingerprint.ForKind(c.Kind) && c.SameGeometry(f)
}
