// Package reduce applies an observation type's ordered stages to a frame.
package reduce

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"frameforge/internal/frame"
	"frameforge/internal/logging"
	"frameforge/internal/stages"
)

// ErrUnknownObservationType means no pipeline is configured for a frame's type.
var ErrUnknownObservationType = errors.New("unknown observation type")

// StageFailure aborts a reduction. It names the stage and wraps the cause.
type StageFailure struct {
	Stage  string
	Reason string
	Err    error
}

func (e *StageFailure) Error() string {
	return fmt.Sprintf("stage %s failed: %s", e.Stage, e.Reason)
}

func (e *StageFailure) Unwrap() error { return e.Err }

// Pipelines maps observation types to their resolved stage sequences.
type Pipelines map[frame.ObservationType][]stages.Stage

// Build resolves stage names into stage instances once, at startup.
func Build(names map[frame.ObservationType][]string, deps stages.Deps) (Pipelines, error) {
	out := make(Pipelines, len(names))
	for typ, list := range names {
		seq := make([]stages.Stage, 0, len(list))
		for _, n := range list {
			st, err := stages.New(n, deps)
			if err != nil {
				return nil, fmt.Errorf("pipeline %s: %w", typ, err)
			}
			seq = append(seq, st)
		}
		out[typ] = seq
	}
	return out, nil
}

// Names returns the stage names of the pipeline for typ.
func (p Pipelines) Names(typ frame.ObservationType) []string {
	seq := p[typ]
	names := make([]string, len(seq))
	for i, s := range seq {
		names[i] = s.Name()
	}
	return names
}

// Observer is told about every stage and reduction outcome.
type Observer interface {
	StageFinished(stage string, state stages.State, d time.Duration)
	ReductionFinished(typ frame.ObservationType, err error, d time.Duration)
}

// Step is the state one stage reached during a reduction.
type Step struct {
	Stage    string        `json:"stage"`
	State    stages.State  `json:"state"`
	Reason   string        `json:"reason,omitempty"`
	Duration time.Duration `json:"duration"`
}

// Report summarizes one reduction.
type Report struct {
	FrameID  string                `json:"frame_id"`
	Type     frame.ObservationType `json:"type"`
	Steps    []Step                `json:"steps"`
	Duration time.Duration         `json:"duration"`
}

// Orchestrator runs pipelines. It is safe for concurrent use as long as its
// stages are, which the built-in ones are.
type Orchestrator struct {
	pipelines    Pipelines
	allowReapply bool
	log          *slog.Logger
	now          func() time.Time
	observer     Observer
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the logger for stage logging. nil means slog.Default().
func WithLogger(l *slog.Logger) Option { return func(o *Orchestrator) { o.log = l } }

// WithClock sets the source of provenance timestamps.
func WithClock(now func() time.Time) Option { return func(o *Orchestrator) { o.now = now } }

// WithObserver registers a hook told about every stage outcome.
func WithObserver(obs Observer) Option { return func(o *Orchestrator) { o.observer = obs } }

// AllowReapply lets a stage run on a frame whose provenance already records it.
// By default that is a StageFailure wrapping stages.ErrAlreadyApplied.
func AllowReapply(allow bool) Option { return func(o *Orchestrator) { o.allowReapply = allow } }

// New returns an orchestrator over resolved pipelines.
func New(p Pipelines, opts ...Option) *Orchestrator {
	o := &Orchestrator{pipelines: p, log: slog.Default(), now: time.Now}
	for _, opt := range opts {
		opt(o)
	}
	if o.log == nil {
		o.log = slog.Default()
	}
	return o
}

// Pipelines exposes the resolved stage table.
func (o *Orchestrator) Pipelines() Pipelines { return o.pipelines }

// Reduce applies the pipeline for f's observation type to a copy of f. The
// input frame is never modified. On failure no frame is returned.
func (o *Orchestrator) Reduce(ctx context.Context, f *frame.Frame) (*frame.Frame, Report, error) {
	start := time.Now()
	var report Report
	if f != nil {
		report.FrameID, report.Type = f.ID, f.Header.Type
	}
	out, err := o.reduce(ctx, f, &report)
	report.Duration = time.Since(start)
	if o.observer != nil {
		o.observer.ReductionFinished(report.Type, err, report.Duration)
	}
	if err != nil {
		return nil, report, err
	}
	return out, report, nil
}

func (o *Orchestrator) reduce(ctx context.Context, f *frame.Frame, report *Report) (*frame.Frame, error) {
	if err := f.Validate(); err != nil {
		return nil, fmt.Errorf("reduce: %w", err)
	}
	seq, ok := o.pipelines[f.Header.Type]
	if !ok {
		return nil, fmt.Errorf("%w: %q (frame %s)", ErrUnknownObservationType, f.Header.Type, f.ID)
	}

	report.Steps = make([]Step, len(seq))
	for i, st := range seq {
		report.Steps[i] = Step{Stage: st.Name(), State: stages.NotRun}
	}

	work := f.Clone()
	for i, st := range seq {
		step := &report.Steps[i]
		began := time.Now()
		outcome, err := o.apply(ctx, st, work)
		step.Duration = time.Since(began)

		if err != nil {
			step.State = stages.Failed
			step.Reason = err.Error()
			o.finish(work, step)
			return nil, &StageFailure{Stage: st.Name(), Reason: err.Error(), Err: err}
		}

		step.State = outcome.State
		entry := outcome.Entry(st.Name(), o.now())
		switch outcome.State {
		case stages.Applied:
			work.Record(entry)
		case stages.Skipped:
			step.Reason = outcome.Reason
			work.RecordSkip(entry)
		default:
			step.State = stages.Failed
			step.Reason = fmt.Sprintf("stage returned state %q", outcome.State)
			o.finish(work, step)
			return nil, &StageFailure{Stage: st.Name(), Reason: step.Reason}
		}
		o.finish(work, step)
	}
	return work, nil
}

func (o *Orchestrator) apply(ctx context.Context, st stages.Stage, f *frame.Frame) (stages.Outcome, error) {
	if !o.allowReapply && f.Applied(st.Name()) {
		return stages.Outcome{}, fmt.Errorf("%w: frame %s already records %s", stages.ErrAlreadyApplied, f.ID, st.Name())
	}
	return st.Apply(ctx, f)
}

func (o *Orchestrator) finish(f *frame.Frame, step *Step) {
	logging.LogStage(o.log, f, step.Stage, string(step.State), step.Duration, step.Reason)
	if o.observer != nil {
		o.observer.StageFinished(step.Stage, step.State, step.Duration)
	}
}
