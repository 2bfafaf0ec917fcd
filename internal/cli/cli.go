package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"frameforge/internal/calib"
	"frameforge/internal/combine"
	"frameforge/internal/config"
	"frameforge/internal/framestore"
	"frameforge/internal/metrics"
	"frameforge/internal/pipeline"
	"frameforge/internal/reduce"
	"frameforge/internal/stages"
	"frameforge/internal/storage"
)

// Version is set at build time.
var Version = "dev"

type framesFactory func(ctx context.Context, cfg *config.Config, log *slog.Logger) (framestore.Store, error)

// Root wires CLI commands to the reduction services. Services are built on
// first use so that commands like version and config need no database.
type Root struct {
	cfg       *config.Config
	log       *slog.Logger
	out       io.Writer
	newFrames framesFactory
	now       func() time.Time

	once     sync.Once
	svc      *services
	buildErr error
}

type services struct {
	store    *storage.Store
	frames   framestore.Store
	metrics  *metrics.Collector
	pipeline *pipeline.Pipeline
}

// NewRoot constructs the CLI root.
func NewRoot(cfg *config.Config, logger *slog.Logger) *Root {
	if logger == nil {
		logger = slog.Default()
	}
	return &Root{
		cfg:       cfg,
		log:       logger,
		out:       os.Stdout,
		newFrames: openFrameStore,
		now:       time.Now,
	}
}

// Close stops the pipeline and closes the database, if they were opened.
func (r *Root) Close() error {
	if r.svc == nil {
		return nil
	}
	r.svc.pipeline.Stop()
	return r.svc.store.Close()
}

func openFrameStore(ctx context.Context, cfg *config.Config, log *slog.Logger) (framestore.Store, error) {
	switch cfg.FrameStore.Kind {
	case "memory":
		return framestore.NewMemStore(), nil
	case "minio":
		m := cfg.FrameStore.MinIO
		return framestore.NewObjectStore(ctx, framestore.ObjectConfig{
			Endpoint:  m.Endpoint,
			AccessKey: m.AccessKey,
			SecretKey: m.SecretKey,
			Bucket:    m.Bucket,
			Region:    m.Region,
			UseSSL:    m.UseSSL,
		}, log)
	default:
		root, err := config.ExpandUser(cfg.Paths.ProcessedDir)
		if err != nil {
			return nil, err
		}
		return framestore.NewDirStore(root, log)
	}
}

// services builds the store, frame store, reduction core and worker pool once.
func (r *Root) services(ctx context.Context) (*services, error) {
	r.once.Do(func() {
		r.svc, r.buildErr = r.build(ctx)
	})
	return r.svc, r.buildErr
}

func (r *Root) build(ctx context.Context) (*services, error) {
	dbPath, err := config.ExpandUser(r.cfg.Paths.DatabasePath)
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(r.cfg.Storage.Driver, dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	frames, err := r.newFrames(ctx, r.cfg, r.log)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("open frame store: %w", err)
	}

	defs, err := config.LoadPipelines(r.cfg.Paths.PipelinesFile)
	if err != nil {
		store.Close()
		return nil, err
	}
	collector := metrics.New()
	built, err := reduce.Build(defs.Pipelines, stages.Deps{
		Calibrations:  calib.NewSelector(store, frames, r.log),
		NoFlatFilters: defs.NoFlatFilters,
		CosmicRay:     r.cfg.CosmicRay,
	})
	if err != nil {
		store.Close()
		return nil, err
	}
	reducer := reduce.New(built,
		reduce.WithLogger(r.log),
		reduce.WithObserver(collector),
		reduce.WithClock(r.now),
		reduce.AllowReapply(r.cfg.Processing.AllowReapply),
	)
	combiner := combine.New(r.cfg.Combine, r.log).WithClock(r.now)
	proc := pipeline.NewRouter(pipeline.RouterDeps{
		Frames:   frames,
		Reducer:  reducer,
		Combiner: combiner,
		Masters:  store,
		Observer: collector,
		Logger:   r.log,
		Now:      r.now,
	})
	pipe := pipeline.New(ctx, pipeline.Options{
		Workers:    r.cfg.Processing.ParallelJobs,
		QueueDepth: r.cfg.Processing.QueueDepth,
		Observer:   collector,
	}, r.log, store, proc)

	return &services{
		store:    store,
		frames:   frames,
		metrics:  collector,
		pipeline: pipe,
	}, nil
}

// enqueueAndWait runs jobs on the local pool and reports each result.
// It fails when any job failed.
func (r *Root) enqueueAndWait(ctx context.Context, jobs ...pipeline.Job) error {
	svc, err := r.services(ctx)
	if err != nil {
		return err
	}
	results, err := svc.pipeline.Wait(ctx, jobs...)
	if err != nil {
		return err
	}
	failed := 0
	for _, res := range results {
		r.printResult(res)
		if res.Error != nil {
			failed++
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d jobs failed", failed, len(results))
	}
	return nil
}

func (r *Root) printResult(res pipeline.Result) {
	status := "ok"
	if res.Error != nil {
		status = "FAILED: " + res.Error.Error()
	}
	fmt.Fprintf(r.out, "%s %s [%s] %s\n", res.Job.Type, res.Job.ID, strings.Join(res.Job.FrameIDs, ","), status)
	keys := make([]string, 0, len(res.Meta))
	for k := range res.Meta {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(r.out, "  %s: %v\n", k, res.Meta[k])
	}
}

func defaultDropDir(cfg *config.Config) string {
	raw, err := config.ExpandUser(cfg.Paths.RawDir)
	if err != nil {
		return cfg.Paths.RawDir
	}
	return filepath.Join(raw, "incoming")
}
