package calib

import (
	"context"
	"sort"
	"sync"

	"frameforge/internal/frame"
)

// MemStore is an in-process Store. It backs tests and single-process runs
// that do not need a database.
type MemStore struct {
	mu      sync.RWMutex
	records map[string]MasterRecord
}

// NewMemStore returns an empty store.
func NewMemStore() *MemStore {
	return &MemStore{records: make(map[string]MasterRecord)}
}

func (m *MemStore) Query(ctx context.Context, kind frame.ObservationType, fingerprintKey string) ([]MasterRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []MasterRecord
	for _, r := range m.records {
		if r.Current && r.Kind == kind && r.FingerprintKey == fingerprintKey {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemStore) InsertOrSupersede(ctx context.Context, rec MasterRecord) (CommittedOutcome, error) {
	if err := ctx.Err(); err != nil {
		return CommittedOutcome{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	res := CommittedOutcome{Outcome: Accepted}
	for id, r := range m.records {
		if r.Current && r.Kind == rec.Kind && r.FingerprintKey == rec.FingerprintKey && r.Epoch == rec.Epoch {
			r.Current = false
			m.records[id] = r
			if id != rec.ID {
				res = CommittedOutcome{Outcome: Superseded, Previous: id}
			}
		}
	}
	rec.Current = true
	m.records[rec.ID] = rec
	return res, nil
}

// All returns every record, current or not, ordered by ID.
func (m *MemStore) All() []MasterRecord {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]MasterRecord, 0, len(m.records))
	for _, r := range m.records {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
