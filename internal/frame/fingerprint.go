package frame

import (
	"fmt"
	"strings"
)

// Fingerprint captures the instrument configuration that decides whether two
// frames are comparable. Equality is exact on every field.
type Fingerprint struct {
	Instrument  string `json:"instrument" msgpack:"instrument"`
	Binning     string `json:"binning" msgpack:"binning"`
	ReadoutMode string `json:"readout_mode" msgpack:"readout_mode"`
	Filter      string `json:"filter" msgpack:"filter"`
	Detector    string `json:"detector" msgpack:"detector"`
}

const keySep = "|"

// Key is the canonical string form used for storage and lookups.
func (fp Fingerprint) Key() string {
	return strings.Join([]string{fp.Instrument, fp.Binning, fp.ReadoutMode, fp.Filter, fp.Detector}, keySep)
}

func (fp Fingerprint) String() string { return fp.Key() }

// ParseFingerprintKey reverses Key.
func ParseFingerprintKey(key string) (Fingerprint, error) {
	parts := strings.Split(key, keySep)
	if len(parts) != 5 {
		return Fingerprint{}, fmt.Errorf("malformed fingerprint key %q", key)
	}
	return Fingerprint{
		Instrument:  parts[0],
		Binning:     parts[1],
		ReadoutMode: parts[2],
		Filter:      parts[3],
		Detector:    parts[4],
	}, nil
}

// ForKind returns the fingerprint a master of the given kind must carry to be
// applicable to a frame with this fingerprint. Bias and dark levels do not
// depend on the filter in the beam, so the filter is blanked for them.
func (fp Fingerprint) ForKind(kind ObservationType) Fingerprint {
	if kind == Bias || kind == Dark {
		fp.Filter = ""
	}
	return fp
}

// NormalizeBinning turns header spellings like "2 2" or "2X2" into "2x2".
func NormalizeBinning(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	fields := strings.FieldsFunc(s, func(r rune) bool { return r == ' ' || r == 'x' || r == ',' })
	if len(fields) == 2 {
		return fields[0] + "x" + fields[1]
	}
	return s
}
