package fsutil

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

var frameExts = map[string]struct{}{
	".fits": {},
	".fit":  {},
	".fts":  {},
	".fz":   {},
	".tif":  {},
	".tiff": {},
}

// ListFiles returns files under root whose extension is one of exts
// (case-insensitive), sorted. A missing root yields no files.
func ListFiles(root string, exts ...string) ([]string, error) {
	want := make(map[string]struct{}, len(exts))
	for _, e := range exts {
		want[strings.ToLower(e)] = struct{}{}
	}
	var files []string
	err := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) && path == root {
				return filepath.SkipDir
			}
			return err
		}
		if d.IsDir() || strings.HasPrefix(d.Name(), ".") {
			return nil
		}
		if _, ok := want[strings.ToLower(filepath.Ext(d.Name()))]; ok {
			files = append(files, path)
		}
		return nil
	})
	sort.Strings(files)
	return files, err
}

// ListFrameFiles returns all FITS and TIFF files under root.
func ListFrameFiles(root string) ([]string, error) {
	exts := make([]string, 0, len(frameExts))
	for e := range frameExts {
		exts = append(exts, e)
	}
	return ListFiles(root, exts...)
}

// IsFrameFile checks if a file is an importable FITS or TIFF image.
func IsFrameFile(path string) bool {
	_, ok := frameExts[strings.ToLower(filepath.Ext(path))]
	return ok
}

// FrameID derives a frame id from a file name by dropping directory and extensions.
func FrameID(path string) string {
	base := filepath.Base(path)
	if strings.ToLower(filepath.Ext(base)) == ".fz" {
		base = strings.TrimSuffix(base, filepath.Ext(base))
	}
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// WriteFileAtomic writes data to a temporary file next to path and renames
// it into place, so readers never observe a partial file.
func WriteFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*")
	if err != nil {
		return err
	}
	name := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(name)
		return fmt.Errorf("write %s: %w", name, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(name)
		return err
	}
	if err := os.Chmod(name, perm); err != nil {
		os.Remove(name)
		return err
	}
	return os.Rename(name, path)
}
