package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"frameforge/internal/frame"
	"frameforge/internal/framestore"
)

// Step is one job kind of an epoch run. Steps always run in the order of AllSteps.
type Step string

const (
	StepBias    Step = "make-bias"
	StepDark    Step = "make-dark"
	StepFlat    Step = "make-flat"
	StepScience Step = "reduce-science"
)

// AllSteps returns the steps of a full epoch run in execution order.
func AllSteps() []Step {
	return []Step{StepBias, StepDark, StepFlat, StepScience}
}

func (s Step) observationType() frame.ObservationType {
	switch s {
	case StepBias:
		return frame.Bias
	case StepDark:
		return frame.Dark
	case StepFlat:
		return frame.Flat
	default:
		return frame.Science
	}
}

func stepIndex(name string) int {
	for i, s := range AllSteps() {
		if string(s) == name {
			return i
		}
	}
	return -1
}

// ParseSteps accepts "", a single step name or "from-to" and returns the
// contiguous slice of steps it names.
func ParseSteps(s string) ([]Step, error) {
	all := AllSteps()
	s = strings.TrimSpace(s)
	if s == "" {
		return all, nil
	}
	if i := stepIndex(s); i >= 0 {
		return all[i : i+1], nil
	}
	for _, from := range all {
		rest, ok := strings.CutPrefix(s, string(from)+"-")
		if !ok {
			continue
		}
		i, j := stepIndex(string(from)), stepIndex(rest)
		if j < 0 {
			break
		}
		if j < i {
			return nil, fmt.Errorf("stage range %q runs backwards", s)
		}
		return all[i : j+1], nil
	}
	return nil, fmt.Errorf("unknown stage %q (want one of %s, or from-to)", s, joinSteps(all))
}

func joinSteps(steps []Step) string {
	names := make([]string, len(steps))
	for i, s := range steps {
		names[i] = string(s)
	}
	return strings.Join(names, ", ")
}

// ParseEpochs parses "YYYYMMDD" or "YYYYMMDD-YYYYMMDD" into an inclusive range.
func ParseEpochs(s string) (from, to string, err error) {
	from, to, ranged := strings.Cut(strings.TrimSpace(s), "-")
	if !ranged {
		to = from
	}
	for _, e := range []string{from, to} {
		if _, err := time.Parse("20060102", e); err != nil {
			return "", "", fmt.Errorf("epoch %q: want YYYYMMDD", e)
		}
	}
	if to < from {
		return "", "", fmt.Errorf("epoch range %s ends before it starts", s)
	}
	return from, to, nil
}

// Plan is the ordered job list of an epoch run. Jobs within a stage are
// independent; a stage only starts once the previous one has finished.
type Plan struct {
	Stages []PlannedStage
}

// PlannedStage groups the jobs of one step.
type PlannedStage struct {
	Step Step
	Jobs []Job
}

// Jobs counts the jobs across every stage.
func (p Plan) Jobs() int {
	n := 0
	for _, s := range p.Stages {
		n += len(s.Jobs)
	}
	return n
}

// Planner turns raw frame listings into epoch run plans.
type Planner struct {
	frames framestore.Store
	log    *slog.Logger
}

// NewPlanner returns a planner listing raw frames from frames.
func NewPlanner(frames framestore.Store, log *slog.Logger) *Planner {
	if log == nil {
		log = slog.Default()
	}
	return &Planner{frames: frames, log: log}
}

// Plan lists raw frames matching filter and groups them into jobs for steps.
// Calibration frames become one build-master job per kind, fingerprint and
// night; each science frame becomes its own reduce job.
func (p *Planner) Plan(ctx context.Context, filter framestore.Filter, steps []Step) (Plan, error) {
	entries, err := p.frames.List(ctx, framestore.AreaRaw)
	if err != nil {
		return Plan{}, fmt.Errorf("list raw frames: %w", err)
	}

	byType := map[frame.ObservationType][]framestore.Entry{}
	for _, e := range entries {
		if filter.Match(e) {
			byType[e.Summary.Type] = append(byType[e.Summary.Type], e)
		}
	}

	var plan Plan
	for _, step := range steps {
		typ := step.observationType()
		var jobs []Job
		if typ == frame.Science {
			jobs = scienceJobs(byType[typ])
		} else {
			jobs = masterJobs(typ, byType[typ])
		}
		p.log.Info("planned stage", "stage", step, "frames", len(byType[typ]), "jobs", len(jobs))
		plan.Stages = append(plan.Stages, PlannedStage{Step: step, Jobs: jobs})
	}
	return plan, nil
}

type groupKey struct {
	fingerprint string
	epoch       string
}

func masterJobs(kind frame.ObservationType, entries []framestore.Entry) []Job {
	groups := map[groupKey][]string{}
	for _, e := range entries {
		k := groupKey{
			fingerprint: e.Summary.Fingerprint.ForKind(kind).Key(),
			epoch:       frame.EpochOf(e.Summary.ObservedAt),
		}
		groups[k] = append(groups[k], e.ID)
	}
	keys := make([]groupKey, 0, len(groups))
	for k := range groups {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].epoch != keys[j].epoch {
			return keys[i].epoch < keys[j].epoch
		}
		return keys[i].fingerprint < keys[j].fingerprint
	})

	jobs := make([]Job, 0, len(keys))
	for _, k := range keys {
		ids := groups[k]
		sort.Strings(ids)
		jobs = append(jobs, Job{
			Type:            JobBuildMaster,
			FrameIDs:        ids,
			ObservationType: kind,
			Options:         map[string]any{"epoch": k.epoch, "fingerprint": k.fingerprint},
		})
	}
	return jobs
}

func scienceJobs(entries []framestore.Entry) []Job {
	sorted := append([]framestore.Entry(nil), entries...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })
	jobs := make([]Job, 0, len(sorted))
	for _, e := range sorted {
		jobs = append(jobs, Job{
			Type:            JobReduce,
			FrameIDs:        []string{e.ID},
			ObservationType: frame.Science,
			Options:         map[string]any{"epoch": frame.EpochOf(e.Summary.ObservedAt)},
		})
	}
	return jobs
}

// RunSummary counts the outcome of an executed plan.
type RunSummary struct {
	Succeeded int
	Failed    []Result
}

// Run executes plan stage by stage on p. A failed job does not stop the run;
// later stages simply find fewer masters.
func (p *Pipeline) Run(ctx context.Context, plan Plan) (RunSummary, error) {
	var sum RunSummary
	for _, st := range plan.Stages {
		if len(st.Jobs) == 0 {
			continue
		}
		results, err := p.Wait(ctx, st.Jobs...)
		if err != nil {
			return sum, fmt.Errorf("stage %s: %w", st.Step, err)
		}
		for _, res := range results {
			if res.Error != nil {
				sum.Failed = append(sum.Failed, res)
			} else {
				sum.Succeeded++
			}
		}
		p.log.Info("stage finished", "stage", st.Step, "jobs", len(st.Jobs), "failed", len(sum.Failed))
	}
	return sum, nil
}
