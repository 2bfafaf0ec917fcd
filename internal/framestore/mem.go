package framestore

import (
	"bytes"
	"context"
	"fmt"
	"path"
	"sync"

	"frameforge/internal/frame"
)

// MemStore is an in-process Store. Frames are encoded on write so callers
// never share pixel buffers with the store.
type MemStore struct {
	mu      sync.RWMutex
	objects map[string][]byte
	// Fail, when set, is returned wrapped in ErrStorageUnavailable by every call.
	Fail error
}

// NewMemStore returns an empty store.
func NewMemStore() *MemStore {
	return &MemStore{objects: make(map[string][]byte)}
}

func (m *MemStore) FetchRaw(ctx context.Context, id string) (*frame.Frame, error) {
	return m.Fetch(ctx, Location(AreaRaw, id))
}

func (m *MemStore) PutRaw(ctx context.Context, f *frame.Frame) (string, error) {
	return m.put(ctx, AreaRaw, f)
}

func (m *MemStore) Persist(ctx context.Context, f *frame.Frame) (string, error) {
	return m.put(ctx, AreaProcessed, f)
}

func (m *MemStore) PersistMaster(ctx context.Context, c *frame.CalibrationFrame) (string, error) {
	return m.put(ctx, AreaMasters, c.Frame)
}

func (m *MemStore) FetchMaster(ctx context.Context, location string) (*frame.Frame, error) {
	return m.Fetch(ctx, location)
}

func (m *MemStore) Fetch(ctx context.Context, location string) (*frame.Frame, error) {
	if err := m.check(ctx); err != nil {
		return nil, err
	}
	m.mu.RLock()
	data, ok := m.objects[location]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, location)
	}
	return Decode(bytes.NewReader(data))
}

func (m *MemStore) List(ctx context.Context, area Area) ([]Entry, error) {
	if err := m.check(ctx); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Entry
	for loc, data := range m.objects {
		if path.Dir(loc) != string(area) {
			continue
		}
		e, err := DecodeEntry(bytes.NewReader(data), loc)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	sortEntries(out)
	return out, nil
}

// Len reports how many frames are stored in area.
func (m *MemStore) Len(area Area) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for loc := range m.objects {
		if path.Dir(loc) == string(area) {
			n++
		}
	}
	return n
}

func (m *MemStore) put(ctx context.Context, area Area, f *frame.Frame) (string, error) {
	if err := m.check(ctx); err != nil {
		return "", err
	}
	if err := checkID(f.ID); err != nil {
		return "", err
	}
	data, err := Marshal(f)
	if err != nil {
		return "", err
	}
	loc := Location(area, f.ID)
	m.mu.Lock()
	m.objects[loc] = data
	m.mu.Unlock()
	return loc, nil
}

func (m *MemStore) check(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if m.Fail != nil {
		return fmt.Errorf("%w: %v", ErrStorageUnavailable, m.Fail)
	}
	return nil
}
