package fsutil

import (
	"os"
	"path/filepath"
	"testing"
)

func TestListFrameFiles(t *testing.T) {
	root := t.TempDir()
	for _, name := range []string{"a.fits", "sub/b.FIT", "c.tif", "d.jpg", ".hidden.fits", "e.fits.fz"} {
		p := filepath.Join(root, name)
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(p, []byte("x"), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	files, err := ListFrameFiles(root)
	if err != nil {
		t.Fatalf("ListFrameFiles: %v", err)
	}
	want := []string{"a.fits", "c.tif", "e.fits.fz", "sub/b.FIT"}
	if len(files) != len(want) {
		t.Fatalf("got %v", files)
	}
	for i, w := range want {
		if files[i] != filepath.Join(root, w) {
			t.Fatalf("files[%d] = %s, want %s", i, files[i], w)
		}
	}
}

func TestListFilesMissingRoot(t *testing.T) {
	files, err := ListFiles(filepath.Join(t.TempDir(), "nope"), ".ffm")
	if err != nil || len(files) != 0 {
		t.Fatalf("got %v, %v", files, err)
	}
}

func TestFrameID(t *testing.T) {
	cases := map[string]string{
		"/data/raw/lsc1m005-fl03-20151001-0042-e00.fits":    "lsc1m005-fl03-20151001-0042-e00",
		"/data/raw/lsc1m005-fl03-20151001-0042-e00.fits.fz": "lsc1m005-fl03-20151001-0042-e00",
		"bias.tif": "bias",
	}
	for in, want := range cases {
		if got := FrameID(in); got != want {
			t.Fatalf("FrameID(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestWriteFileAtomic(t *testing.T) {
	p := filepath.Join(t.TempDir(), "deep", "frame.ffm")
	if err := WriteFileAtomic(p, []byte("one"), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := WriteFileAtomic(p, []byte("two"), 0o600); err != nil {
		t.Fatal(err)
	}
	data, err := os.ReadFile(p)
	if err != nil || string(data) != "two" {
		t.Fatalf("read back %q, %v", data, err)
	}
	entries, _ := os.ReadDir(filepath.Dir(p))
	if len(entries) != 1 {
		t.Fatalf("temporary files left behind: %v", entries)
	}
}
