package jobsource

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"frameforge/internal/frame"
	"frameforge/internal/fsutil"
	"frameforge/internal/pipeline"
)

// Subdirectories of a drop directory that handled files are moved into.
const (
	DoneDir     = "done"
	RejectedDir = "rejected"
)

// FrameImporter loads a frame file into the raw area of the frame store.
type FrameImporter interface {
	Import(ctx context.Context, path string) (*frame.Frame, error)
}

// DropDir watches a directory for job files and, when an importer is set,
// raw frame files. Job files are decoded by extension: .json, .msgpack, .pb.
// Imported science frames get a reduce job of their own.
type DropDir struct {
	dir      string
	submit   Submitter
	importer FrameImporter
	log      *slog.Logger
	codecs   map[string]Codec
	settle   time.Duration

	mu      sync.Mutex
	pending map[string]*time.Timer
	ready   chan string
}

// NewDropDir returns a watcher for dir. importer may be nil.
func NewDropDir(dir string, submit Submitter, importer FrameImporter, log *slog.Logger) *DropDir {
	if log == nil {
		log = slog.Default()
	}
	return &DropDir{
		dir:      dir,
		submit:   submit,
		importer: importer,
		log:      log,
		codecs: map[string]Codec{
			".json":    JSONCodec{},
			".msgpack": MsgpackCodec{},
			".pb":      ProtoCodec{},
		},
		settle:  500 * time.Millisecond,
		pending: make(map[string]*time.Timer),
		ready:   make(chan string, 64),
	}
}

// SetSettle changes how long a file must stay unmodified before it is handled.
func (d *DropDir) SetSettle(settle time.Duration) { d.settle = settle }

// Run handles files already present, then watches for new ones until ctx is done.
func (d *DropDir) Run(ctx context.Context) error {
	for _, sub := range []string{DoneDir, RejectedDir} {
		if err := os.MkdirAll(filepath.Join(d.dir, sub), 0o755); err != nil {
			return err
		}
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()
	if err := watcher.Add(d.dir); err != nil {
		return fmt.Errorf("watch %s: %w", d.dir, err)
	}
	d.log.Info("watching drop directory", "dir", d.dir, "frames", d.importer != nil)

	existing, err := os.ReadDir(d.dir)
	if err != nil {
		return err
	}
	for _, e := range existing {
		if !e.IsDir() {
			d.process(ctx, filepath.Join(d.dir, e.Name()))
		}
	}

	for {
		select {
		case <-ctx.Done():
			d.stopTimers()
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}
			if d.wants(event.Name) {
				d.schedule(event.Name)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			d.log.Warn("drop directory watcher error", "dir", d.dir, "error", err)
		case path := <-d.ready:
			d.process(ctx, path)
		}
	}
}

func (d *DropDir) wants(path string) bool {
	base := filepath.Base(path)
	if strings.HasPrefix(base, ".") {
		return false
	}
	if _, ok := d.codecs[strings.ToLower(filepath.Ext(path))]; ok {
		return true
	}
	return d.importer != nil && fsutil.IsFrameFile(path)
}

// schedule restarts the settle timer for path.
func (d *DropDir) schedule(path string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if t, ok := d.pending[path]; ok {
		t.Reset(d.settle)
		return
	}
	d.pending[path] = time.AfterFunc(d.settle, func() {
		d.mu.Lock()
		delete(d.pending, path)
		d.mu.Unlock()
		select {
		case d.ready <- path:
		default:
			d.schedule(path)
		}
	})
}

func (d *DropDir) stopTimers() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for p, t := range d.pending {
		t.Stop()
		delete(d.pending, p)
	}
}

func (d *DropDir) process(ctx context.Context, path string) {
	if !d.wants(path) {
		return
	}
	if _, err := os.Stat(path); err != nil {
		return
	}

	var err error
	if codec, ok := d.codecs[strings.ToLower(filepath.Ext(path))]; ok {
		err = d.submitFile(ctx, path, codec)
	} else {
		err = d.importFrame(ctx, path)
	}

	dest := DoneDir
	if err != nil {
		dest = RejectedDir
		d.log.Warn("rejected dropped file", "path", path, "error", err)
	}
	if err := os.Rename(path, filepath.Join(d.dir, dest, filepath.Base(path))); err != nil {
		d.log.Error("failed to move dropped file", "path", path, "error", err)
	}
}

func (d *DropDir) submitFile(ctx context.Context, path string, codec Codec) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	job, err := codec.Decode(data)
	if err != nil {
		return err
	}
	job, err = d.submit.Enqueue(ctx, job)
	if err != nil {
		return err
	}
	d.log.Info("job submitted from drop directory", "path", path, "id", job.ID, "type", job.Type)
	return nil
}

func (d *DropDir) importFrame(ctx context.Context, path string) error {
	f, err := d.importer.Import(ctx, path)
	if err != nil {
		return err
	}
	d.log.Info("frame imported", "path", path, "frame", f.ID, "obstype", f.Header.Type)
	if f.Header.Type != frame.Science {
		return nil
	}
	_, err = d.submit.Enqueue(ctx, pipeline.Job{
		Type:            pipeline.JobReduce,
		FrameIDs:        []string{f.ID},
		ObservationType: frame.Science,
	})
	return err
}

