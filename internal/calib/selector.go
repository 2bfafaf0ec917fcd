package calib

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"frameforge/internal/frame"
)

// Selector picks the master calibration frame for a science frame. It only
// reads from the store and is safe for concurrent use.
type Selector struct {
	store  Store
	loader MasterLoader
	log    *slog.Logger
}

// NewSelector wires a selector to its collaborators.
func NewSelector(store Store, loader MasterLoader, log *slog.Logger) *Selector {
	if log == nil {
		log = slog.Default()
	}
	return &Selector{store: store, loader: loader, log: log}
}

// Choose returns the record of the best master of kind for fingerprint fp at
// time t. Only exact fingerprint matches are eligible. A record whose
// explicit validity window contains t beats every record without one; within
// each group the record observed closest to t wins, ties going to the most
// recently created.
func (s *Selector) Choose(ctx context.Context, kind frame.ObservationType, fp frame.Fingerprint, t time.Time) (MasterRecord, error) {
	key := fp.ForKind(kind).Key()
	recs, err := s.store.Query(ctx, kind, key)
	if err != nil {
		return MasterRecord{}, fmt.Errorf("query %s masters: %w", kind, err)
	}

	eligible := recs[:0:0]
	for _, r := range recs {
		if r.Kind == kind && r.FingerprintKey == key && r.Current {
			eligible = append(eligible, r)
		}
	}
	if len(eligible) == 0 {
		return MasterRecord{}, fmt.Errorf("%w: %s for %s at %s", ErrNoMatchFound, kind, key, t.UTC().Format(time.RFC3339))
	}

	sort.Slice(eligible, func(i, j int) bool { return better(eligible[i], eligible[j], t) })
	return eligible[0], nil
}

// Select resolves the best master and loads its pixels.
func (s *Selector) Select(ctx context.Context, kind frame.ObservationType, fp frame.Fingerprint, t time.Time) (*frame.CalibrationFrame, error) {
	rec, err := s.Choose(ctx, kind, fp, t)
	if err != nil {
		return nil, err
	}
	f, err := s.loader.FetchMaster(ctx, rec.Location)
	if err != nil {
		return nil, fmt.Errorf("load %s master %s: %w", kind, rec.ID, err)
	}
	if f.Header.Fingerprint.Key() != rec.FingerprintKey {
		return nil, fmt.Errorf("master %s at %s carries fingerprint %s, registry says %s",
			rec.ID, rec.Location, f.Header.Fingerprint.Key(), rec.FingerprintKey)
	}
	s.log.Debug("calibration selected",
		"kind", kind,
		"master", rec.ID,
		"epoch", rec.Epoch,
		"distance", absDuration(rec.ObservedAt.Sub(t)).String(),
	)
	return &frame.CalibrationFrame{
		Frame:         f,
		Kind:          kind,
		ValidFrom:     rec.ValidFrom,
		ValidUntil:    rec.ValidUntil,
		LowConfidence: rec.LowConfidence,
	}, nil
}

// better is a strict total order over records for observation time t.
func better(a, b MasterRecord, t time.Time) bool {
	if ac, bc := a.Covers(t), b.Covers(t); ac != bc {
		return ac
	}
	if da, db := absDuration(a.ObservedAt.Sub(t)), absDuration(b.ObservedAt.Sub(t)); da != db {
		return da < db
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.After(b.CreatedAt)
	}
	return a.ID > b.ID
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
