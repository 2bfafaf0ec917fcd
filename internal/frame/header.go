package frame

import (
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Card is one rendered header keyword.
type Card struct {
	Key     string
	Value   string
	Comment string
}

// Cards renders the header in the order downstream pipelines expect: the
// standard keywords, any free keywords sorted by name, then one PROVnnn card
// per applied stage and one SKIPnnn card per skipped stage, in order.
func (f *Frame) Cards() []Card {
	h := f.Header
	cards := []Card{
		{"OBSTYPE", string(h.Type), "observation type"},
		{"SITEID", h.Site, "site"},
		{"INSTRUME", h.Fingerprint.Instrument, "instrument"},
		{"FILTER", h.Fingerprint.Filter, "filter"},
		{"CCDSUM", h.Fingerprint.Binning, "binning"},
		{"READMODE", h.Fingerprint.ReadoutMode, "readout mode"},
		{"DETECTOR", h.Fingerprint.Detector, "detector"},
		{"EXPTIME", strconv.FormatFloat(h.ExposureTime, 'f', -1, 64), "[s] exposure time"},
		{"DATE-OBS", h.ObservedAt.UTC().Format(time.RFC3339Nano), "observation start"},
	}
	if h.Saturation > 0 {
		cards = append(cards, Card{"SATURATE", strconv.FormatFloat(h.Saturation, 'f', -1, 64), "[ADU] saturation level"})
	}
	keys := make([]string, 0, len(h.Keywords))
	for k := range h.Keywords {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		cards = append(cards, Card{Key: k, Value: h.Keywords[k]})
	}
	for i, e := range f.Provenance {
		cards = append(cards, Card{fmt.Sprintf("PROV%03d", i+1), FormatEntry(e), "applied stage"})
	}
	for i, e := range f.Skipped {
		cards = append(cards, Card{fmt.Sprintf("SKIP%03d", i+1), FormatEntry(e), "skipped stage"})
	}
	return cards
}

// Separators inside parameter keys and values are percent-encoded so that
// values such as "[1:2048,1:4096]" survive a round trip.
var paramEscaper = strings.NewReplacer("%", "%25", ",", "%2C", "=", "%3D", "|", "%7C")

// FormatEntry renders a provenance entry as "stage|timestamp|k=v,k=v" with
// parameters sorted by key.
func FormatEntry(e ProvenanceEntry) string {
	keys := make([]string, 0, len(e.Parameters))
	for k := range e.Parameters {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	params := make([]string, len(keys))
	for i, k := range keys {
		params[i] = paramEscaper.Replace(k) + "=" + paramEscaper.Replace(e.Parameters[k])
	}
	return e.Stage + "|" + e.At.UTC().Format(time.RFC3339Nano) + "|" + strings.Join(params, ",")
}

// ParseEntry reverses FormatEntry.
func ParseEntry(s string) (ProvenanceEntry, error) {
	parts := strings.SplitN(s, "|", 3)
	if len(parts) != 3 {
		return ProvenanceEntry{}, fmt.Errorf("malformed provenance card %q", s)
	}
	at, err := time.Parse(time.RFC3339Nano, parts[1])
	if err != nil {
		return ProvenanceEntry{}, fmt.Errorf("provenance card %q: %w", s, err)
	}
	e := ProvenanceEntry{Stage: parts[0], At: at}
	if parts[2] != "" {
		e.Parameters = map[string]string{}
		for _, kv := range strings.Split(parts[2], ",") {
			k, v, ok := strings.Cut(kv, "=")
			if !ok {
				return ProvenanceEntry{}, fmt.Errorf("provenance card %q: parameter %q has no value", s, kv)
			}
			if k, err = url.PathUnescape(k); err != nil {
				return ProvenanceEntry{}, fmt.Errorf("provenance card %q: %w", s, err)
			}
			if v, err = url.PathUnescape(v); err != nil {
				return ProvenanceEntry{}, fmt.Errorf("provenance card %q: %w", s, err)
			}
			e.Parameters[k] = v
		}
	}
	return e, nil
}
