// Package calib selects master calibration frames for science reductions and
// defines the registry the masters are recorded in.
package calib

import (
	"context"
	"errors"
	"time"

	"frameforge/internal/frame"
)

// ErrNoMatchFound is returned when no master of the requested kind and
// configuration exists.
var ErrNoMatchFound = errors.New("no matching calibration frame")

// MasterRecord describes one registered master frame.
type MasterRecord struct {
	ID             string                `json:"id"`
	Kind           frame.ObservationType `json:"kind"`
	FingerprintKey string                `json:"fingerprint"`
	Epoch          string                `json:"epoch"`
	ObservedAt     time.Time             `json:"observed_at"`
	ValidFrom      time.Time             `json:"valid_from"`
	ValidUntil     time.Time             `json:"valid_until"`
	ExplicitWindow bool                  `json:"explicit_window"`
	CreatedAt      time.Time             `json:"created_at"`
	Location       string                `json:"location"`
	NInputs        int                   `json:"n_inputs"`
	LowConfidence  bool                  `json:"low_confidence"`
	Current        bool                  `json:"current"`
}

// Covers reports whether the record declares an explicit window containing t.
func (r MasterRecord) Covers(t time.Time) bool {
	return r.ExplicitWindow && !t.Before(r.ValidFrom) && !t.After(r.ValidUntil)
}

// Outcome of registering a master.
type Outcome string

const (
	Accepted   Outcome = "accepted"
	Superseded Outcome = "superseded"
)

// CommittedOutcome reports what InsertOrSupersede did. Previous is the ID of
// the record that stopped being current, if any.
type CommittedOutcome struct {
	Outcome  Outcome `json:"outcome"`
	Previous string  `json:"previous,omitempty"`
}

// Store is the calibration metadata registry.
//
// Query returns the current records for a kind and fingerprint key.
// InsertOrSupersede commits rec as the current master for its
// (kind, fingerprint, epoch) key; at most one record per key is ever current,
// concurrent writers are serialized and the last one wins.
type Store interface {
	Query(ctx context.Context, kind frame.ObservationType, fingerprintKey string) ([]MasterRecord, error)
	InsertOrSupersede(ctx context.Context, rec MasterRecord) (CommittedOutcome, error)
}

// MasterLoader fetches the pixel data of a registered master.
type MasterLoader interface {
	FetchMaster(ctx context.Context, location string) (*frame.Frame, error)
}

// RecordFor builds the registry record for a freshly combined master stored at location.
func RecordFor(id string, m *frame.CalibrationFrame, location string, createdAt time.Time) MasterRecord {
	mid := m.ValidFrom.Add(m.ValidUntil.Sub(m.ValidFrom) / 2)
	return MasterRecord{
		ID:             id,
		Kind:           m.Kind,
		FingerprintKey: m.Header.Fingerprint.Key(),
		Epoch:          frame.EpochOf(m.ValidFrom),
		ObservedAt:     mid,
		ValidFrom:      m.ValidFrom,
		ValidUntil:     m.ValidUntil,
		CreatedAt:      createdAt,
		Location:       location,
		NInputs:        len(m.Inputs),
		LowConfidence:  m.LowConfidence,
		Current:        true,
	}
}
