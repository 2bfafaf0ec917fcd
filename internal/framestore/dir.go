package framestore

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"frameforge/internal/frame"
	"frameforge/internal/fsutil"
)

// DirStore keeps natively encoded frames under a root directory, one
// subdirectory per area.
type DirStore struct {
	root string
	log  *slog.Logger
}

// NewDirStore creates the area directories under root.
func NewDirStore(root string, log *slog.Logger) (*DirStore, error) {
	if log == nil {
		log = slog.Default()
	}
	for _, a := range []Area{AreaRaw, AreaProcessed, AreaMasters} {
		if err := os.MkdirAll(filepath.Join(root, string(a)), 0o755); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
		}
	}
	return &DirStore{root: root, log: log}, nil
}

// Root is the directory the store lives in.
func (d *DirStore) Root() string { return d.root }

func (d *DirStore) FetchRaw(ctx context.Context, id string) (*frame.Frame, error) {
	if err := checkID(id); err != nil {
		return nil, err
	}
	return d.Fetch(ctx, Location(AreaRaw, id))
}

func (d *DirStore) PutRaw(ctx context.Context, f *frame.Frame) (string, error) {
	return d.write(ctx, AreaRaw, f)
}

func (d *DirStore) Persist(ctx context.Context, f *frame.Frame) (string, error) {
	return d.write(ctx, AreaProcessed, f)
}

func (d *DirStore) PersistMaster(ctx context.Context, m *frame.CalibrationFrame) (string, error) {
	return d.write(ctx, AreaMasters, m.Frame)
}

func (d *DirStore) FetchMaster(ctx context.Context, location string) (*frame.Frame, error) {
	return d.Fetch(ctx, location)
}

func (d *DirStore) Fetch(ctx context.Context, location string) (*frame.Frame, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p, err := d.resolve(location)
	if err != nil {
		return nil, err
	}
	file, err := os.Open(p)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, location)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	defer file.Close()
	f, err := Decode(bufio.NewReader(file))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", location, err)
	}
	return f, nil
}

func (d *DirStore) List(ctx context.Context, area Area) ([]Entry, error) {
	paths, err := fsutil.ListFiles(filepath.Join(d.root, string(area)), Ext)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	entries := make([]Entry, 0, len(paths))
	for _, p := range paths {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		rel, _ := filepath.Rel(d.root, p)
		e, err := d.entry(p, filepath.ToSlash(rel))
		if err != nil {
			d.log.Warn("skipping unreadable frame", "path", p, "error", err)
			continue
		}
		entries = append(entries, e)
	}
	sortEntries(entries)
	return entries, nil
}

func (d *DirStore) entry(p, location string) (Entry, error) {
	file, err := os.Open(p)
	if err != nil {
		return Entry{}, err
	}
	defer file.Close()
	return DecodeEntry(bufio.NewReader(file), location)
}

func (d *DirStore) write(ctx context.Context, area Area, f *frame.Frame) (string, error) {
	if err := ctx.Err(); err != nil {
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
	p := filepath.Join(d.root, filepath.FromSlash(loc))
	if err := fsutil.WriteFileAtomic(p, data, 0o644); err != nil {
		return "", fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	d.log.Debug("frame written", "location", loc, "bytes", len(data))
	return loc, nil
}

func (d *DirStore) resolve(location string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(location))
	if filepath.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("location %q escapes the store", location)
	}
	return filepath.Join(d.root, clean), nil
}
