package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"frameforge/internal/calib"
	"frameforge/internal/combine"
	"frameforge/internal/frame"
	"frameforge/internal/framestore"
	"frameforge/internal/reduce"
)

// Reducer runs the stage pipeline for a frame.
type Reducer interface {
	Reduce(ctx context.Context, f *frame.Frame) (*frame.Frame, reduce.Report, error)
}

// Combiner builds a master from reduced calibration frames.
type Combiner interface {
	Combine(inputs []*frame.Frame) (*frame.CalibrationFrame, error)
}

// MasterObserver is told about every registry commit.
type MasterObserver interface {
	MasterRegistered(kind frame.ObservationType, outcome calib.Outcome)
}

// RouterDeps wires the router to the reduction core and its adapters.
type RouterDeps struct {
	Frames     framestore.Store
	Reducer    Reducer
	Combiner   Combiner
	Masters    calib.Store
	Observer   MasterObserver
	Logger     *slog.Logger
	Now        func() time.Time
	FetchLimit int
}

type router struct {
	log        *slog.Logger
	frames     framestore.Store
	reducer    Reducer
	combiner   Combiner
	masters    calib.Store
	observer   MasterObserver
	now        func() time.Time
	fetchLimit int
}

// NewRouter returns the Processor that dispatches jobs by type.
func NewRouter(d RouterDeps) Processor {
	r := &router{
		log:        d.Logger,
		frames:     d.Frames,
		reducer:    d.Reducer,
		combiner:   d.Combiner,
		masters:    d.Masters,
		observer:   d.Observer,
		now:        d.Now,
		fetchLimit: d.FetchLimit,
	}
	if r.log == nil {
		r.log = slog.Default()
	}
	if r.now == nil {
		r.now = time.Now
	}
	if r.fetchLimit < 1 {
		r.fetchLimit = 4
	}
	return r
}

func (r *router) Process(ctx context.Context, job Job) Result {
	switch job.Type {
	case JobReduce:
		return r.handleReduce(ctx, job)
	case JobBuildMaster:
		return r.handleBuildMaster(ctx, job)
	default:
		err := fmt.Errorf("unknown job type: %s", job.Type)
		return Result{Job: job, Error: err, Meta: failureMeta(err)}
	}
}

// handleReduce reduces every frame of the job and persists them only when
// all succeeded.
func (r *router) handleReduce(ctx context.Context, job Job) Result {
	raws, err := r.fetchAll(ctx, job.FrameIDs)
	if err != nil {
		return Result{Job: job, Error: err, Meta: failureMeta(err)}
	}
	if err := checkDeclaredType(job, raws); err != nil {
		return Result{Job: job, Error: err, Meta: failureMeta(err)}
	}

	reduced := make([]*frame.Frame, len(raws))
	reports := make([]reduce.Report, len(raws))
	for i, f := range raws {
		out, report, err := r.reducer.Reduce(ctx, f)
		if err != nil {
			meta := failureMeta(err)
			meta["frame"] = f.ID
			return Result{Job: job, Error: fmt.Errorf("reduce %s: %w", f.ID, err), Meta: meta}
		}
		reduced[i], reports[i] = out, report
	}

	// Each processed frame is written whole to its own location, so a failed
	// persist leaves the earlier frames complete. They are reported so the
	// caller can tell; a retry overwrites them.
	locations := make([]string, len(reduced))
	skipped := 0
	for i, f := range reduced {
		loc, err := r.frames.Persist(ctx, f)
		if err != nil {
			meta := failureMeta(err)
			meta["frame"] = f.ID
			meta["persisted"] = append([]string{}, locations[:i]...)
			return Result{Job: job, Error: fmt.Errorf("persist %s: %w", f.ID, err), Meta: meta}
		}
		locations[i] = loc
		skipped += len(f.Skipped)
	}

	return Result{Job: job, Meta: map[string]any{
		"frames":        len(reduced),
		"locations":     locations,
		"skipped":       skipped,
		"stages":        stepSummary(reports),
	}}
}

// handleBuildMaster reduces each input with its own pipeline, combines them
// and registers the master.
func (r *router) handleBuildMaster(ctx context.Context, job Job) Result {
	raws, err := r.fetchAll(ctx, job.FrameIDs)
	if err != nil {
		return Result{Job: job, Error: err, Meta: failureMeta(err)}
	}
	if err := checkDeclaredType(job, raws); err != nil {
		return Result{Job: job, Error: err, Meta: failureMeta(err)}
	}

	reduced := make([]*frame.Frame, len(raws))
	for i, f := range raws {
		out, _, err := r.reducer.Reduce(ctx, f)
		if err != nil {
			meta := failureMeta(err)
			meta["frame"] = f.ID
			return Result{Job: job, Error: fmt.Errorf("reduce %s: %w", f.ID, err), Meta: meta}
		}
		reduced[i] = out
	}

	master, err := r.combiner.Combine(reduced)
	if err != nil {
		return Result{Job: job, Error: err, Meta: failureMeta(err)}
	}

	loc, err := r.frames.PersistMaster(ctx, master)
	if err != nil {
		return Result{Job: job, Error: fmt.Errorf("persist master %s: %w", master.ID, err), Meta: failureMeta(err)}
	}
	rec := calib.RecordFor(master.ID, master, loc, r.now().UTC())
	outcome, err := r.masters.InsertOrSupersede(ctx, rec)
	if err != nil {
		return Result{Job: job, Error: fmt.Errorf("register master %s: %w", master.ID, err), Meta: failureMeta(err)}
	}

	if r.observer != nil {
		r.observer.MasterRegistered(master.Kind, outcome.Outcome)
	}
	r.log.Info("master registered",
		"master", master.ID,
		"kind", master.Kind,
		"fingerprint", rec.FingerprintKey,
		"epoch", rec.Epoch,
		"outcome", outcome.Outcome,
		"previous", outcome.Previous,
		"low_confidence", master.LowConfidence)

	meta := map[string]any{
		"master":         master.ID,
		"kind":           string(master.Kind),
		"fingerprint":    rec.FingerprintKey,
		"epoch":          rec.Epoch,
		"location":       loc,
		"outcome":        string(outcome.Outcome),
		"n_inputs":       len(master.Inputs),
		"low_confidence": master.LowConfidence,
	}
	if outcome.Previous != "" {
		meta["previous"] = outcome.Previous
	}
	return Result{Job: job, Meta: meta}
}

// fetchAll loads the raw frames concurrently, keeping job order.
func (r *router) fetchAll(ctx context.Context, ids []string) ([]*frame.Frame, error) {
	out := make([]*frame.Frame, len(ids))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.fetchLimit)
	for i, id := range ids {
		g.Go(func() error {
			f, err := r.frames.FetchRaw(gctx, id)
			if err != nil {
				return fmt.Errorf("fetch %s: %w", id, err)
			}
			out[i] = f
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

func checkDeclaredType(job Job, frames []*frame.Frame) error {
	if job.ObservationType == "" {
		return nil
	}
	for _, f := range frames {
		if f.Header.Type != job.ObservationType {
			return fmt.Errorf("%w: frame %s is %s, job declares %s",
				ErrInvalidJob, f.ID, f.Header.Type, job.ObservationType)
		}
	}
	return nil
}

// ErrInvalidJob marks jobs whose contents contradict their declaration.
var ErrInvalidJob = errors.New("invalid job")

func stepSummary(reports []reduce.Report) map[string]map[string]int {
	out := map[string]map[string]int{}
	for _, rep := range reports {
		for _, s := range rep.Steps {
			if out[s.Stage] == nil {
				out[s.Stage] = map[string]int{}
			}
			out[s.Stage][string(s.State)]++
		}
	}
	return out
}

// Classify names the failure class of a job error. Storage outages are the
// only retryable class.
func Classify(err error) (class string, retryable bool) {
	var stageErr *reduce.StageFailure
	var combineErr *combine.CombineFailure
	switch {
	case err == nil:
		return "", false
	case errors.Is(err, framestore.ErrStorageUnavailable):
		return "storage_unavailable", true
	case errors.Is(err, framestore.ErrNotFound):
		return "not_found", false
	case errors.Is(err, reduce.ErrUnknownObservationType):
		return "unknown_observation_type", false
	case errors.As(err, &stageErr):
		return "stage_failure", false
	case errors.Is(err, combine.ErrIncompatibleInputs):
		return "incompatible_inputs", false
	case errors.As(err, &combineErr):
		return "combine_failure", false
	case errors.Is(err, ErrInvalidJob):
		return "invalid_job", false
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled", true
	default:
		return "internal", false
	}
}

func failureMeta(err error) map[string]any {
	class, retryable := Classify(err)
	meta := map[string]any{"error_class": class, "retryable": retryable}
	var stageErr *reduce.StageFailure
	if errors.As(err, &stageErr) {
		meta["stage"] = stageErr.Stage
		meta["reason"] = stageErr.Reason
	}
	var combineErr *combine.CombineFailure
	if errors.As(err, &combineErr) {
		meta["kind"] = string(combineErr.Kind)
		meta["reason"] = combineErr.Reason
	}
	return meta
}
