package frame

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseSection(t *testing.T) {
	sec, err := ParseSection("[3:6, 2:4]")
	require.NoError(t, err)
	assert.Equal(t, Section{X0: 2, Y0: 1, X1: 6, Y1: 4}, sec)
	assert.Equal(t, 4, sec.Width())
	assert.Equal(t, 3, sec.Height())
	assert.Equal(t, "[3:6,2:4]", sec.String())

	rev, err := ParseSection("[6:3,4:2]")
	require.NoError(t, err)
	assert.Equal(t, sec, rev)

	for _, bad := range []string{"3:6,2:4", "[3:6]", "[0:4,1:2]", "[a:4,1:2]"} {
		_, err := ParseSection(bad)
		assert.Error(t, err, bad)
	}
}

func TestReshapeCropsAndRewritesSections(t *testing.T) {
	f := New("raw-1", 4, 3, 1)
	for i := range f.Planes[0] {
		f.Planes[0][i] = float64(i)
	}
	f.Flag(0, f.Index(2, 1))
	f.SetKeyword(KeyBiasSection, "[4:4,1:3]")
	f.SetKeyword(KeyTrimSection, "[2:3,1:2]")

	require.NoError(t, f.Reshape(Section{X0: 1, Y0: 0, X1: 3, Y1: 2}))

	assert.Equal(t, 2, f.Width)
	assert.Equal(t, 2, f.Height)
	assert.Equal(t, []float64{1, 2, 5, 6}, f.Planes[0])
	assert.Equal(t, []uint8{0, 0, 0, 1}, f.Masks[0])
	_, hasBias := f.Keyword(KeyBiasSection)
	_, hasTrim := f.Keyword(KeyTrimSection)
	assert.False(t, hasBias)
	assert.False(t, hasTrim)
	data, _ := f.Keyword(KeyDataSection)
	assert.Equal(t, "[1:2,1:2]", data)
	require.NoError(t, f.Validate())
}

func TestReshapeRejectsOutOfBounds(t *testing.T) {
	f := New("raw-1", 4, 3, 1)
	err := f.Reshape(Section{X0: 0, Y0: 0, X1: 5, Y1: 3})
	require.Error(t, err)
	assert.Equal(t, 4, f.Width, "geometry must be untouched on failure")
}

func TestCloneIsDeep(t *testing.T) {
	f := New("a", 2, 2, 2)
	f.SetKeyword("K", "v")
	f.Record(ProvenanceEntry{Stage: "s", Parameters: map[string]string{"p": "1"}})

	c := f.Clone()
	c.Planes[1][0] = 9
	c.SetKeyword("K", "w")
	c.Provenance[0].Parameters["p"] = "2"
	c.Flag(0, 0)

	assert.Zero(t, f.Planes[1][0])
	assert.Equal(t, "v", f.Header.Keywords["K"])
	assert.Equal(t, "1", f.Provenance[0].Parameters["p"])
	assert.Nil(t, f.Masks)
}

func TestFingerprintForKind(t *testing.T) {
	fp := Fingerprint{Instrument: "kb78", Binning: "2x2", ReadoutMode: "full", Filter: "rp", Detector: "ccd0"}
	assert.Equal(t, "", fp.ForKind(Bias).Filter)
	assert.Equal(t, "", fp.ForKind(Dark).Filter)
	assert.Equal(t, "rp", fp.ForKind(Flat).Filter)

	back, err := ParseFingerprintKey(fp.Key())
	require.NoError(t, err)
	assert.Equal(t, fp, back)
	assert.Equal(t, "2x2", NormalizeBinning("2 2"))
	assert.Equal(t, "1x1", NormalizeBinning("1X1"))
}

func TestParseObservationTypeAliases(t *testing.T) {
	cases := map[string]ObservationType{
		"EXPOSE":   Science,
		"bias":     Bias,
		"DARK":     Dark,
		"SKYFLAT":  Flat,
		"lampflat": Flat,
	}
	for in, want := range cases {
		got, err := ParseObservationType(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := ParseObservationType("arc")
	assert.Error(t, err)
}

func TestCardsKeepProvenanceOrder(t *testing.T) {
	at := time.Date(2015, 10, 1, 3, 0, 0, 0, time.UTC)
	f := New("sci", 1, 1, 1)
	f.Header.Type = Science
	f.Record(ProvenanceEntry{Stage: "overscan-trim", At: at})
	f.Record(ProvenanceEntry{Stage: "bias-subtract", At: at.Add(time.Second), Parameters: map[string]string{"master": "b1", "epoch": "20151001"}})
	f.RecordSkip(ProvenanceEntry{Stage: "flat-correct", At: at, Parameters: map[string]string{"reason": "no flat for filter"}})

	var prov []string
	var skip []string
	for _, c := range f.Cards() {
		switch c.Key[:4] {
		case "PROV":
			prov = append(prov, c.Value)
		case "SKIP":
			skip = append(skip, c.Value)
		}
	}
	require.Len(t, prov, 2)
	require.Len(t, skip, 1)
	assert.Equal(t, "bias-subtract|2015-10-01T03:00:01Z|epoch=20151001,master=b1", prov[1])

	e, err := ParseEntry(prov[1])
	require.NoError(t, err)
	assert.Equal(t, f.Provenance[1], e)
}

func TestEntryRoundTripsSeparatorsInValues(t *testing.T) {
	e := ProvenanceEntry{
		Stage: "overscan-trim",
		At:    time.Date(2015, 10, 1, 3, 0, 0, 0, time.UTC),
		Parameters: map[string]string{
			"biassec": "[4097:4128,1:4096]",
			"note":    "a=b|c 100%",
		},
	}
	got, err := ParseEntry(FormatEntry(e))
	require.NoError(t, err)
	assert.Equal(t, e, got)

	_, err = ParseEntry("overscan-trim|2015-10-01T03:00:00Z|biassec")
	assert.Error(t, err)
}
