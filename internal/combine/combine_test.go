package combine

import (
	"errors"
	"fmt"
	"math"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"frameforge/internal/frame"
)

var night = time.Date(2015, 10, 1, 18, 0, 0, 0, time.UTC)

func testFP() frame.Fingerprint {
	return frame.Fingerprint{Instrument: "kb74", Binning: "2x2", ReadoutMode: "full_frame"}
}

func rawFrame(id string, kind frame.ObservationType, offset time.Duration, fill float64) *frame.Frame {
	f := frame.New(id, 4, 4, 1)
	for i := range f.Planes[0] {
		f.Planes[0][i] = fill
	}
	f.Header.Type = kind
	f.Header.Fingerprint = testFP()
	f.Header.ObservedAt = night.Add(offset)
	return f
}

func fixedClock() time.Time { return time.Date(2015, 10, 2, 12, 0, 0, 0, time.UTC) }

func newCombiner(cfg Config) *Combiner {
	return New(cfg, nil).WithClock(fixedClock)
}

func TestCombineRejectsCosmicRay(t *testing.T) {
	a := rawFrame("bias-a", frame.Bias, 0, 0)
	b := rawFrame("bias-b", frame.Bias, time.Minute, 0)
	c := rawFrame("bias-c", frame.Bias, 2*time.Minute, 0)
	b.Planes[0][b.Index(2, 2)] = 5000

	master, err := newCombiner(DefaultConfig()).Combine([]*frame.Frame{a, b, c})
	require.NoError(t, err)

	for y := 0; y < 4; y++ {
		for x := 0; x < 4; x++ {
			idx := master.Index(x, y)
			assert.Equal(t, 0.0, master.Planes[0][idx], "pixel (%d,%d)", x, y)
			want := uint16(3)
			if x == 2 && y == 2 {
				want = 2
			}
			assert.Equal(t, want, master.Weights[0][idx], "survivors at (%d,%d)", x, y)
		}
	}
	assert.Equal(t, frame.Bias, master.Kind)
	assert.Equal(t, []string{"bias-a", "bias-b", "bias-c"}, master.Inputs)
	assert.False(t, master.LowConfidence)
	assert.Equal(t, night, master.ValidFrom)
	assert.Equal(t, night.Add(2*time.Minute), master.ValidUntil)
	require.Len(t, master.Provenance, 1)
	assert.Equal(t, StageName, master.Provenance[0].Stage)
	assert.Equal(t, "1", master.Provenance[0].Parameters["rejected"])
	assert.Equal(t, fixedClock(), master.Provenance[0].At)
}

func noisyInputs(n int, seed int64) []*frame.Frame {
	rng := rand.New(rand.NewSource(seed))
	out := make([]*frame.Frame, n)
	for i := range out {
		f := rawFrame(string(rune('a'+i))+"-flat", frame.Flat, time.Duration(i)*time.Minute, 0)
		for j := range f.Planes[0] {
			f.Planes[0][j] = 1000 + rng.NormFloat64()*10
		}
		out[i] = f
	}
	out[2].Planes[0][5] = 90000
	return out
}

func TestCombineIsOrderIndependent(t *testing.T) {
	inputs := noisyInputs(7, 42)
	first, err := newCombiner(DefaultConfig()).Combine(inputs)
	require.NoError(t, err)

	rng := rand.New(rand.NewSource(7))
	for round := 0; round < 5; round++ {
		shuffled := append([]*frame.Frame(nil), inputs...)
		rng.Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })
		got, err := newCombiner(DefaultConfig()).Combine(shuffled)
		require.NoError(t, err)
		for i := range first.Planes[0] {
			if math.Float64bits(first.Planes[0][i]) != math.Float64bits(got.Planes[0][i]) {
				t.Fatalf("round %d pixel %d: %v != %v", round, i, got.Planes[0][i], first.Planes[0][i])
			}
		}
		assert.Equal(t, first.Weights, got.Weights)
		assert.Equal(t, first.ID, got.ID)
	}
}

func TestCombineIsDeterministicAcrossWorkerCounts(t *testing.T) {
	inputs := noisyInputs(5, 3)
	cfg := DefaultConfig()
	cfg.Workers = 1
	serial, err := newCombiner(cfg).Combine(inputs)
	require.NoError(t, err)
	cfg.Workers = 8
	parallel, err := newCombiner(cfg).Combine(inputs)
	require.NoError(t, err)
	assert.Equal(t, serial.Planes, parallel.Planes)
	assert.Equal(t, serial.Weights, parallel.Weights)
}

func TestCombineWithoutOutliersIsPlainMean(t *testing.T) {
	inputs := []*frame.Frame{
		rawFrame("b1", frame.Bias, 0, 100),
		rawFrame("b2", frame.Bias, time.Minute, 102),
		rawFrame("b3", frame.Bias, 2*time.Minute, 104),
		rawFrame("b4", frame.Bias, 3*time.Minute, 106),
	}
	master, err := newCombiner(DefaultConfig()).Combine(inputs)
	require.NoError(t, err)
	for i, v := range master.Planes[0] {
		assert.InDelta(t, 103.0, v, 1e-9, "pixel %d", i)
		assert.Equal(t, uint16(4), master.Weights[0][i])
	}
}

func TestCombineKeepsReadNoiseWhenSamplesTie(t *testing.T) {
	inputs := []*frame.Frame{
		rawFrame("b1", frame.Bias, 0, 100),
		rawFrame("b2", frame.Bias, time.Minute, 100),
		rawFrame("b3", frame.Bias, 2*time.Minute, 100),
		rawFrame("b4", frame.Bias, 3*time.Minute, 101),
		rawFrame("b5", frame.Bias, 4*time.Minute, 99),
	}
	master, err := newCombiner(DefaultConfig()).Combine(inputs)
	require.NoError(t, err)
	for i, v := range master.Planes[0] {
		assert.InDelta(t, 100.0, v, 1e-9, "pixel %d", i)
		assert.Equal(t, uint16(5), master.Weights[0][i], "pixel %d", i)
	}
	assert.Equal(t, "0", master.Provenance[0].Parameters["rejected"])

	master, err = newCombiner(DefaultConfig()).Combine([]*frame.Frame{inputs[0], inputs[1], inputs[3]})
	require.NoError(t, err)
	assert.InDelta(t, 301.0/3, master.Planes[0][0], 1e-9)
	assert.Equal(t, uint16(3), master.Weights[0][0])

	cfg := DefaultConfig()
	cfg.MinSigma = -1
	master, err = newCombiner(cfg).Combine(inputs)
	require.NoError(t, err)
	assert.Equal(t, uint16(3), master.Weights[0][0], "no floor clips every off-median sample")
}

func TestCombineScalesSigmaFloorForDarks(t *testing.T) {
	var inputs []*frame.Frame
	for i, v := range []float64{30, 30, 30, 31} {
		d := rawFrame(fmt.Sprintf("d-%d", i), frame.Dark, time.Duration(i)*time.Minute, v)
		d.Header.ExposureTime = 30
		inputs = append(inputs, d)
	}
	master, err := newCombiner(DefaultConfig()).Combine(inputs)
	require.NoError(t, err)
	assert.Equal(t, uint16(4), master.Weights[0][0])
	assert.InDelta(t, 121.0/120, master.Planes[0][0], 1e-12)
}

func TestCombineRejectsDuplicateInputs(t *testing.T) {
	a := rawFrame("bias-a", frame.Bias, 0, 100)
	dup := rawFrame("bias-a", frame.Bias, time.Minute, 200)
	b := rawFrame("bias-b", frame.Bias, 2*time.Minute, 100)
	_, err := newCombiner(DefaultConfig()).Combine([]*frame.Frame{a, b, dup})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrIncompatibleInputs))
}

func TestCombineMedianEstimator(t *testing.T) {
	inputs := []*frame.Frame{
		rawFrame("b1", frame.Bias, 0, 100),
		rawFrame("b2", frame.Bias, time.Minute, 101),
		rawFrame("b3", frame.Bias, 2*time.Minute, 110),
	}
	cfg := DefaultConfig()
	cfg.Estimator = EstimatorMedian
	cfg.SigmaLow, cfg.SigmaHigh = 100, 100
	master, err := newCombiner(cfg).Combine(inputs)
	require.NoError(t, err)
	assert.Equal(t, 101.0, master.Planes[0][0])
}

func TestCombineSkipsSaturatedAndMaskedSamples(t *testing.T) {
	a := rawFrame("a", frame.Bias, 0, 10)
	b := rawFrame("b", frame.Bias, time.Minute, 12)
	c := rawFrame("c", frame.Bias, 2*time.Minute, 14)
	for _, f := range []*frame.Frame{a, b, c} {
		f.Header.Saturation = 60000
	}
	c.Planes[0][0] = 65000
	b.Flag(0, 1)

	master, err := newCombiner(DefaultConfig()).Combine([]*frame.Frame{a, b, c})
	require.NoError(t, err)
	assert.Equal(t, 11.0, master.Planes[0][0])
	assert.Equal(t, uint16(2), master.Weights[0][0])
	assert.Equal(t, 12.0, master.Planes[0][1])
	assert.Equal(t, uint16(2), master.Weights[0][1])
}

func TestCombineFallsBackWhenEverySampleIsRejected(t *testing.T) {
	a := rawFrame("a", frame.Bias, 0, 10)
	b := rawFrame("b", frame.Bias, time.Minute, 20)
	c := rawFrame("c", frame.Bias, 2*time.Minute, 40)
	for _, f := range []*frame.Frame{a, b, c} {
		f.Flag(0, 3)
	}

	master, err := newCombiner(DefaultConfig()).Combine([]*frame.Frame{a, b, c})
	require.NoError(t, err)
	assert.Equal(t, 20.0, master.Planes[0][3])
	assert.Equal(t, uint16(0), master.Weights[0][3])
	assert.True(t, master.Flagged(0, 3))
	assert.False(t, master.Flagged(0, 2))
}

func TestCombineRejectsIncompatibleInputs(t *testing.T) {
	otherFP := rawFrame("x", frame.Bias, 0, 0)
	otherFP.Header.Fingerprint.Binning = "1x1"
	otherSize := frame.New("y", 8, 8, 1)
	otherSize.Header.Type = frame.Bias
	otherSize.Header.Fingerprint = testFP()
	zeroDark := rawFrame("d0", frame.Dark, 0, 0)

	cases := map[string][]*frame.Frame{
		"empty":       nil,
		"science":     {rawFrame("s", frame.Science, 0, 0)},
		"mixed kinds": {rawFrame("b", frame.Bias, 0, 0), rawFrame("d", frame.Dark, 0, 0)},
		"fingerprint": {rawFrame("b", frame.Bias, 0, 0), otherFP},
		"geometry":    {rawFrame("b", frame.Bias, 0, 0), otherSize},
		"zero dark":   {zeroDark},
	}
	for name, inputs := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := newCombiner(DefaultConfig()).Combine(inputs)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrIncompatibleInputs), "got %v", err)
		})
	}
}

func TestCombineFlagsLowConfidence(t *testing.T) {
	master, err := newCombiner(DefaultConfig()).Combine([]*frame.Frame{
		rawFrame("a", frame.Bias, 0, 1),
		rawFrame("b", frame.Bias, time.Minute, 1),
	})
	require.NoError(t, err)
	assert.True(t, master.LowConfidence)
	assert.Equal(t, "true", master.Provenance[0].Parameters["low_confidence"])
}

func TestCombineNormalizesFlats(t *testing.T) {
	inputs := make([]*frame.Frame, 3)
	for i := range inputs {
		f := rawFrame(string(rune('a'+i)), frame.Flat, time.Duration(i)*time.Minute, 0)
		for j := range f.Planes[0] {
			f.Planes[0][j] = 2000
		}
		f.Planes[0][0] = 1000
		inputs[i] = f
	}
	master, err := newCombiner(DefaultConfig()).Combine(inputs)
	require.NoError(t, err)
	assert.InDelta(t, 0.5, master.Planes[0][0], 1e-12)
	assert.InDelta(t, 1.0, master.Planes[0][1], 1e-12)
}

func TestCombineFlatWithNonPositiveMedianFails(t *testing.T) {
	_, err := newCombiner(DefaultConfig()).Combine([]*frame.Frame{
		rawFrame("a", frame.Flat, 0, 0),
		rawFrame("b", frame.Flat, time.Minute, 0),
		rawFrame("c", frame.Flat, 2*time.Minute, 0),
	})
	var failure *CombineFailure
	require.ErrorAs(t, err, &failure)
	assert.Equal(t, frame.Flat, failure.Kind)
}

func TestCombineScalesDarksToPerSecond(t *testing.T) {
	short := rawFrame("d-30", frame.Dark, 0, 30)
	short.Header.ExposureTime = 30
	long := rawFrame("d-60", frame.Dark, time.Minute, 60)
	long.Header.ExposureTime = 60
	longer := rawFrame("d-120", frame.Dark, 2*time.Minute, 120)
	longer.Header.ExposureTime = 120

	master, err := newCombiner(DefaultConfig()).Combine([]*frame.Frame{short, long, longer})
	require.NoError(t, err)
	for _, v := range master.Planes[0] {
		assert.InDelta(t, 1.0, v, 1e-12)
	}
	assert.Equal(t, 1.0, master.Header.ExposureTime)
}

func TestCombineBiasIgnoresFilter(t *testing.T) {
	a := rawFrame("a", frame.Bias, 0, 1)
	b := rawFrame("b", frame.Bias, time.Minute, 1)
	a.Header.Fingerprint.Filter = "rp"
	b.Header.Fingerprint.Filter = "air"

	master, err := newCombiner(DefaultConfig()).Combine([]*frame.Frame{a, b})
	require.NoError(t, err)
	assert.Empty(t, master.Header.Fingerprint.Filter)
	assert.Equal(t, testFP().Key(), master.Header.Fingerprint.Key())
}
