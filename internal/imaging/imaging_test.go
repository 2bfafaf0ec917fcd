package imaging

import (
	"reflect"
	"strings"
	"testing"
	"time"

	"frameforge/internal/frame"
)

func TestApplyCards(t *testing.T) {
	f := frame.New("lsc1m005-fl03-20151001-0042-e00", 2, 2, 1)
	err := ApplyCards(f, map[string]string{
		"OBSTYPE":  "'EXPOSE  '",
		"SITEID":   "lsc",
		"INSTRUME": "fl03",
		"FILTER":   "rp",
		"CCDSUM":   "2 2",
		"CONFMODE": "full_frame",
		"EXPTIME":  "120.0",
		"SATURATE": "47000",
		"DATE-OBS": "2015-10-01T03:12:45.123",
		"BIASSEC":  "[3100:3136,1:3072]",
	})
	if err != nil {
		t.Fatalf("ApplyCards: %v", err)
	}
	h := f.Header
	if h.Type != frame.Science || h.Site != "lsc" || h.ExposureTime != 120 || h.Saturation != 47000 {
		t.Fatalf("header = %+v", h)
	}
	want := frame.Fingerprint{Instrument: "fl03", Binning: "2x2", ReadoutMode: "full_frame", Filter: "rp"}
	if h.Fingerprint != want {
		t.Fatalf("fingerprint = %+v, want %+v", h.Fingerprint, want)
	}
	if !h.ObservedAt.Equal(time.Date(2015, 10, 1, 3, 12, 45, 123e6, time.UTC)) {
		t.Fatalf("observed at %v", h.ObservedAt)
	}
	if v, _ := f.Keyword("BIASSEC"); v != "[3100:3136,1:3072]" {
		t.Fatalf("BIASSEC = %q", v)
	}
}

func cardMap(f *frame.Frame) map[string]string {
	m := map[string]string{}
	for _, c := range f.Cards() {
		m[c.Key] = c.Value
	}
	return m
}

func TestCardsRoundTripProvenance(t *testing.T) {
	at := time.Date(2015, 10, 1, 3, 0, 0, 0, time.UTC)
	f := frame.New("sci-0042", 2, 2, 1)
	f.Header.Type = frame.Science
	f.Header.ObservedAt = at
	f.SetKeyword(frame.KeyDataSection, "[1:2,1:2]")
	for i := 1; i <= 10; i++ {
		f.Record(frame.ProvenanceEntry{Stage: "stage-" + string(rune('a'+i-1)), At: at.Add(time.Duration(i) * time.Second)})
	}
	f.Provenance[0] = frame.ProvenanceEntry{Stage: "overscan-trim", At: at, Parameters: map[string]string{
		"biassec": "[4097:4128,1:4096]",
		"trimsec": "[1:4096,1:4096]",
		"level_0": "512.000",
	}}
	f.RecordSkip(frame.ProvenanceEntry{Stage: "flat-correct", At: at, Parameters: map[string]string{"reason": "filter air, no flat"}})

	imported := frame.New("sci-0042", 2, 2, 1)
	if err := ApplyCards(imported, cardMap(f)); err != nil {
		t.Fatalf("ApplyCards: %v", err)
	}
	if !reflect.DeepEqual(imported.Provenance, f.Provenance) {
		t.Fatalf("provenance = %+v, want %+v", imported.Provenance, f.Provenance)
	}
	if !reflect.DeepEqual(imported.Skipped, f.Skipped) {
		t.Fatalf("skipped = %+v, want %+v", imported.Skipped, f.Skipped)
	}
	if !imported.Applied("overscan-trim") {
		t.Fatalf("imported frame lost its applied stages")
	}
	for k := range imported.Header.Keywords {
		if strings.HasPrefix(k, "PROV") || strings.HasPrefix(k, "SKIP") {
			t.Fatalf("provenance card %s kept as a free keyword", k)
		}
	}

	again := cardMap(imported)
	if len(again) != len(cardMap(f)) {
		t.Fatalf("second export has %d cards, first had %d", len(again), len(cardMap(f)))
	}
}

func TestApplyCardsRejectsMalformedProvenance(t *testing.T) {
	err := ApplyCards(frame.New("x", 1, 1, 1), map[string]string{"OBSTYPE": "BIAS", "PROV001": "overscan-trim"})
	if err == nil {
		t.Fatalf("expected error for malformed PROV001")
	}
}

func TestApplyCardsErrors(t *testing.T) {
	for _, cards := range []map[string]string{
		{"EXPTIME": "30"},
		{"OBSTYPE": "STANDARD"},
		{"OBSTYPE": "BIAS", "EXPTIME": "fast"},
		{"OBSTYPE": "BIAS", "DATE-OBS": "yesterday"},
	} {
		if err := ApplyCards(frame.New("x", 1, 1, 1), cards); err == nil {
			t.Fatalf("expected error for %v", cards)
		}
	}
}

func TestClamp(t *testing.T) {
	if clamp(-1) != 0 || clamp(2) != 1 || clamp(0.5) != 0.5 {
		t.Fatal("clamp out of range")
	}
}
