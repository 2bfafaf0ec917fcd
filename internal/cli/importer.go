package cli

import (
	"context"
	"fmt"
	"os"

	"frameforge/internal/frame"
	"frameforge/internal/framestore"
	"frameforge/internal/fsutil"
	"frameforge/internal/imaging"
)

type readFunc func(path, id string, scale float64) (*frame.Frame, error)

// frameImporter reads FITS/TIFF files and stores them as raw frames.
type frameImporter struct {
	frames framestore.Store
	read   readFunc
	scale  float64
}

func newImporter(frames framestore.Store) *frameImporter {
	return &frameImporter{frames: frames, read: imaging.Read, scale: imaging.DefaultScale}
}

func (i *frameImporter) Import(ctx context.Context, path string) (*frame.Frame, error) {
	f, err := i.read(path, fsutil.FrameID(path), i.scale)
	if err != nil {
		return nil, err
	}
	if err := f.Validate(); err != nil {
		return nil, err
	}
	if _, err := i.frames.PutRaw(ctx, f); err != nil {
		return nil, fmt.Errorf("store %s: %w", f.ID, err)
	}
	return f, nil
}

// expandFrameArgs replaces directory arguments with the frame files under them.
func expandFrameArgs(args []string) ([]string, error) {
	var paths []string
	for _, arg := range args {
		info, err := os.Stat(arg)
		if err != nil {
			return nil, err
		}
		if !info.IsDir() {
			paths = append(paths, arg)
			continue
		}
		files, err := fsutil.ListFrameFiles(arg)
		if err != nil {
			return nil, fmt.Errorf("list %s: %w", arg, err)
		}
		paths = append(paths, files...)
	}
	return paths, nil
}
