package calib

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"frameforge/internal/frame"
)

type mapLoader map[string]*frame.Frame

func (m mapLoader) FetchMaster(ctx context.Context, location string) (*frame.Frame, error) {
	f, ok := m[location]
	if !ok {
		return nil, fmt.Errorf("missing %s", location)
	}
	return f, nil
}

var (
	obsTime = time.Date(2015, 10, 2, 4, 0, 0, 0, time.UTC)
	fpF1    = frame.Fingerprint{Instrument: "kb78", Binning: "2x2", ReadoutMode: "full", Filter: "rp", Detector: "ccd0"}
	fpF2    = frame.Fingerprint{Instrument: "kb78", Binning: "1x1", ReadoutMode: "full", Filter: "rp", Detector: "ccd0"}
)

func register(t *testing.T, store *MemStore, loader mapLoader, id string, kind frame.ObservationType, fp frame.Fingerprint, at time.Time) MasterRecord {
	t.Helper()
	f := frame.New(id, 2, 2, 1)
	f.Header.Type = kind
	f.Header.Fingerprint = fp.ForKind(kind)
	loader[id] = f
	rec := MasterRecord{
		ID:             id,
		Kind:           kind,
		FingerprintKey: fp.ForKind(kind).Key(),
		Epoch:          frame.EpochOf(at),
		ObservedAt:     at,
		ValidFrom:      at,
		ValidUntil:     at,
		CreatedAt:      at.Add(time.Hour),
		Location:       id,
	}
	_, err := store.InsertOrSupersede(context.Background(), rec)
	require.NoError(t, err)
	return rec
}

func TestSelectorIgnoresCloserMasterWithOtherFingerprint(t *testing.T) {
	store, loader := NewMemStore(), mapLoader{}
	register(t, store, loader, "flat-day", frame.Flat, fpF1, obsTime.Add(-24*time.Hour))
	register(t, store, loader, "flat-hour", frame.Flat, fpF2, obsTime.Add(-time.Hour))

	sel := NewSelector(store, loader, nil)
	cal, err := sel.Select(context.Background(), frame.Flat, fpF1, obsTime)
	require.NoError(t, err)
	assert.Equal(t, "flat-day", cal.ID)
	assert.Equal(t, frame.Flat, cal.Kind)
}

func TestSelectorNoMatch(t *testing.T) {
	store, loader := NewMemStore(), mapLoader{}
	register(t, store, loader, "dark-1", frame.Dark, fpF2, obsTime)

	sel := NewSelector(store, loader, nil)
	_, err := sel.Select(context.Background(), frame.Dark, fpF1, obsTime)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNoMatchFound))

	_, err = sel.Select(context.Background(), frame.Bias, fpF2, obsTime)
	assert.True(t, errors.Is(err, ErrNoMatchFound))
}

func TestSelectorPicksClosestInTime(t *testing.T) {
	store, loader := NewMemStore(), mapLoader{}
	register(t, store, loader, "bias-a", frame.Bias, fpF1, obsTime.Add(-48*time.Hour))
	register(t, store, loader, "bias-b", frame.Bias, fpF1, obsTime.Add(30*time.Hour))
	register(t, store, loader, "bias-c", frame.Bias, fpF1, obsTime.Add(-20*time.Hour))

	sel := NewSelector(store, loader, nil)
	// bias masters ignore the filter, so a different filter still matches
	other := fpF1
	other.Filter = "gp"
	rec, err := sel.Choose(context.Background(), frame.Bias, other, obsTime)
	require.NoError(t, err)
	assert.Equal(t, "bias-c", rec.ID)
}

func TestSelectorTieBreaksOnCreation(t *testing.T) {
	store := NewMemStore()
	ctx := context.Background()
	base := MasterRecord{Kind: frame.Dark, FingerprintKey: fpF1.ForKind(frame.Dark).Key(), Current: true}

	early := base
	early.ID, early.Epoch, early.ObservedAt, early.CreatedAt = "dark-early", "20151001", obsTime.Add(-time.Hour), obsTime
	late := base
	late.ID, late.Epoch, late.ObservedAt, late.CreatedAt = "dark-late", "20151002", obsTime.Add(time.Hour), obsTime.Add(time.Minute)
	_, err := store.InsertOrSupersede(ctx, early)
	require.NoError(t, err)
	_, err = store.InsertOrSupersede(ctx, late)
	require.NoError(t, err)

	rec, err := NewSelector(store, mapLoader{}, nil).Choose(ctx, frame.Dark, fpF1, obsTime)
	require.NoError(t, err)
	assert.Equal(t, "dark-late", rec.ID)
}

func TestSelectorPrefersExplicitWindow(t *testing.T) {
	store := NewMemStore()
	ctx := context.Background()
	key := fpF1.Key()

	near := MasterRecord{ID: "near", Kind: frame.Flat, FingerprintKey: key, Epoch: "20151002", ObservedAt: obsTime.Add(-time.Minute)}
	window := MasterRecord{
		ID: "window", Kind: frame.Flat, FingerprintKey: key, Epoch: "20150920",
		ObservedAt: obsTime.Add(-12 * 24 * time.Hour), ExplicitWindow: true,
		ValidFrom: obsTime.Add(-12 * 24 * time.Hour), ValidUntil: obsTime.Add(24 * time.Hour),
	}
	for _, r := range []MasterRecord{near, window} {
		_, err := store.InsertOrSupersede(ctx, r)
		require.NoError(t, err)
	}
	rec, err := NewSelector(store, mapLoader{}, nil).Choose(ctx, frame.Flat, fpF1, obsTime)
	require.NoError(t, err)
	assert.Equal(t, "window", rec.ID)

	// outside every window the general closest-in-time rule applies
	rec, err = NewSelector(store, mapLoader{}, nil).Choose(ctx, frame.Flat, fpF1, obsTime.Add(72*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, "near", rec.ID)
}

func TestSelectorConcurrentReads(t *testing.T) {
	store, loader := NewMemStore(), mapLoader{}
	for i := 0; i < 5; i++ {
		register(t, store, loader, fmt.Sprintf("bias-%d", i), frame.Bias, fpF1, obsTime.Add(time.Duration(i-2)*24*time.Hour))
	}
	sel := NewSelector(store, loader, nil)

	var wg sync.WaitGroup
	errs := make(chan error, 32)
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			cal, err := sel.Select(context.Background(), frame.Bias, fpF1, obsTime)
			if err == nil && cal.ID != "bias-2" {
				err = fmt.Errorf("got %s", cal.ID)
			}
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}
}

func TestMemStoreSupersedesWithinEpoch(t *testing.T) {
	store := NewMemStore()
	ctx := context.Background()
	rec := MasterRecord{ID: "m1", Kind: frame.Bias, FingerprintKey: "k", Epoch: "20151001"}

	out, err := store.InsertOrSupersede(ctx, rec)
	require.NoError(t, err)
	assert.Equal(t, Accepted, out.Outcome)

	rec.ID = "m2"
	out, err = store.InsertOrSupersede(ctx, rec)
	require.NoError(t, err)
	assert.Equal(t, CommittedOutcome{Outcome: Superseded, Previous: "m1"}, out)

	rec.ID, rec.Epoch = "m3", "20151002"
	out, err = store.InsertOrSupersede(ctx, rec)
	require.NoError(t, err)
	assert.Equal(t, Accepted, out.Outcome)

	current, err := store.Query(ctx, frame.Bias, "k")
	require.NoError(t, err)
	require.Len(t, current, 2)
	assert.Equal(t, "m2", current[0].ID)
	assert.Equal(t, "m3", current[1].ID)
}
