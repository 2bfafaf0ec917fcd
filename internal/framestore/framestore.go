// Package framestore reads raw frames and persists reduced frames and
// master calibrations.
package framestore

import (
	"context"
	"errors"
	"fmt"
	"path"
	"sort"

	"frameforge/internal/frame"
)

var (
	// ErrStorageUnavailable wraps transport failures talking to the backing store.
	ErrStorageUnavailable = errors.New("storage unavailable")
	// ErrNotFound means the requested frame does not exist.
	ErrNotFound = errors.New("frame not found")
)

// Area is a top-level namespace inside a store.
type Area string

const (
	AreaRaw       Area = "raw"
	AreaProcessed Area = "processed"
	AreaMasters   Area = "masters"
)

// Entry describes a stored frame without its pixels.
type Entry struct {
	ID       string       `json:"id"`
	Location string       `json:"location"`
	Width    int          `json:"width"`
	Height   int          `json:"height"`
	Summary  frame.Header `json:"header"`
}

// Store is the frame store adapter the job layer reduces against.
type Store interface {
	FetchRaw(ctx context.Context, id string) (*frame.Frame, error)
	PutRaw(ctx context.Context, f *frame.Frame) (string, error)
	Persist(ctx context.Context, f *frame.Frame) (string, error)
	PersistMaster(ctx context.Context, m *frame.CalibrationFrame) (string, error)
	FetchMaster(ctx context.Context, location string) (*frame.Frame, error)
	Fetch(ctx context.Context, location string) (*frame.Frame, error)
	List(ctx context.Context, area Area) ([]Entry, error)
}

// Location returns the store-relative location of a frame id in area.
func Location(area Area, id string) string {
	return path.Join(string(area), id+Ext)
}

func checkID(id string) error {
	if id == "" || id == "." || id == ".." || path.Base(id) != id {
		return fmt.Errorf("invalid frame id %q", id)
	}
	return nil
}

func sortEntries(entries []Entry) {
	sort.Slice(entries, func(i, j int) bool { return entries[i].ID < entries[j].ID })
}

// Filter narrows raw frame listings.
type Filter struct {
	From, To   string // inclusive YYYYMMDD epochs
	Site       string
	Instrument string
	Filter     string
	Binning    string
	Types      []frame.ObservationType
}

// Match reports whether e passes every set criterion.
func (f Filter) Match(e Entry) bool {
	epoch := frame.EpochOf(e.Summary.ObservedAt)
	if f.From != "" && epoch < f.From {
		return false
	}
	if f.To != "" && epoch > f.To {
		return false
	}
	fp := e.Summary.Fingerprint
	if f.Site != "" && e.Summary.Site != f.Site {
		return false
	}
	if f.Instrument != "" && fp.Instrument != f.Instrument {
		return false
	}
	if f.Filter != "" && fp.Filter != f.Filter {
		return false
	}
	if f.Binning != "" && fp.Binning != frame.NormalizeBinning(f.Binning) {
		return false
	}
	if len(f.Types) > 0 {
		ok := false
		for _, t := range f.Types {
			ok = ok || t == e.Summary.Type
		}
		if !ok {
			return false
		}
	}
	return true
}
