package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"frameforge/internal/frame"
	"frameforge/internal/logging"
	"frameforge/internal/storage"
)

// JobType enumerates supported job kinds.
type JobType string

const (
	JobReduce      JobType = "reduce"
	JobBuildMaster JobType = "build-master"
)

// ErrQueueFull is returned by Submit when the bounded queue has no room.
var ErrQueueFull = errors.New("job queue is full")

// ErrStopped is returned when submitting to a stopped pipeline.
var ErrStopped = errors.New("pipeline stopped")

// Job is one unit of work pulled from the queue.
type Job struct {
	ID              string                `json:"id"`
	Type            JobType               `json:"type"`
	FrameIDs        []string              `json:"frame_ids"`
	ObservationType frame.ObservationType `json:"observation_type,omitempty"`
	Options         map[string]any        `json:"options,omitempty"`
}

// Validate checks the fields every job needs and fills in a missing ID.
func (j *Job) Validate() error {
	switch j.Type {
	case JobReduce, JobBuildMaster:
	default:
		return fmt.Errorf("unknown job type: %q", j.Type)
	}
	if len(j.FrameIDs) == 0 {
		return fmt.Errorf("%s job has no frames", j.Type)
	}
	if j.ObservationType != "" {
		t, err := frame.ParseObservationType(string(j.ObservationType))
		if err != nil {
			return err
		}
		j.ObservationType = t
	}
	if j.Type == JobBuildMaster && j.ObservationType != "" && !j.ObservationType.IsCalibration() {
		return fmt.Errorf("cannot build a master from %s frames", j.ObservationType)
	}
	if j.ID == "" {
		j.ID = uuid.NewString()
	}
	return nil
}

// Result captures the outcome of a Job.
type Result struct {
	Job   Job
	Error error
	Meta  map[string]any
}

// Processor executes a job and returns a Result.
type Processor interface {
	Process(ctx context.Context, job Job) Result
}

// JobObserver is told when jobs start and finish.
type JobObserver interface {
	JobStarted(t JobType)
	JobFinished(t JobType, status string, d time.Duration)
	QueueDepth(n int)
}

// Options sizes the worker pool.
type Options struct {
	Workers    int
	QueueDepth int
	Observer   JobObserver
}

// Pipeline feeds a bounded job queue to a fixed pool of workers.
type Pipeline struct {
	processor Processor
	log       *slog.Logger
	jobs      chan Job
	wg        sync.WaitGroup
	cancel    context.CancelFunc
	stopOnce  sync.Once
	store     *storage.Store
	observer  JobObserver
	mu        sync.Mutex
	closed    bool
	subs      map[int]chan Result
	nextSubID int
}

// New starts opts.Workers workers processing jobs with proc.
func New(ctx context.Context, opts Options, logger *slog.Logger, store *storage.Store, proc Processor) *Pipeline {
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	if opts.QueueDepth < 1 {
		opts.QueueDepth = opts.Workers * 2
	}
	if logger == nil {
		logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(ctx)
	p := &Pipeline{
		processor: proc,
		log:       logger,
		jobs:      make(chan Job, opts.QueueDepth),
		cancel:    cancel,
		store:     store,
		observer:  opts.Observer,
		subs:      make(map[int]chan Result),
	}
	for i := 0; i < opts.Workers; i++ {
		p.wg.Add(1)
		go p.worker(ctx, i)
	}
	return p
}

// Submit adds a job to the processing queue without blocking.
func (p *Pipeline) Submit(job Job) (Job, error) {
	if err := job.Validate(); err != nil {
		return job, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return job, ErrStopped
	}
	select {
	case p.jobs <- job:
		p.recordQueued(job)
		return job, nil
	default:
		return job, ErrQueueFull
	}
}

// Enqueue adds a job, waiting for queue space until ctx is done.
func (p *Pipeline) Enqueue(ctx context.Context, job Job) (Job, error) {
	if err := job.Validate(); err != nil {
		return job, err
	}
	for {
		queued, err := p.Submit(job)
		if !errors.Is(err, ErrQueueFull) {
			return queued, err
		}
		select {
		case <-ctx.Done():
			return job, ctx.Err()
		case <-time.After(20 * time.Millisecond):
		}
	}
}

func (p *Pipeline) recordQueued(job Job) {
	if p.observer != nil {
		p.observer.QueueDepth(len(p.jobs))
	}
	if p.store == nil {
		return
	}
	optsJSON, _ := json.Marshal(job.Options)
	if err := p.store.RecordJobQueued(storage.JobRecord{
		ID:              job.ID,
		JobType:         string(job.Type),
		Status:          "queued",
		ObservationType: string(job.ObservationType),
		FrameIDs:        job.FrameIDs,
		OptionsJSON:     string(optsJSON),
	}); err != nil {
		p.log.Warn("failed to record queued job", "id", job.ID, "error", err)
	}
}

// Stop signals workers to exit after their current job and waits for them.
// Jobs still queued are dropped.
func (p *Pipeline) Stop() {
	p.stopOnce.Do(func() {
		p.mu.Lock()
		p.closed = true
		p.mu.Unlock()
		p.cancel()
		close(p.jobs)
		p.wg.Wait()
		p.mu.Lock()
		for id, ch := range p.subs {
			close(ch)
			delete(p.subs, id)
		}
		p.mu.Unlock()
	})
}

func (p *Pipeline) worker(ctx context.Context, id int) {
	defer p.wg.Done()
	// A started job runs to completion even if the pipeline is stopped.
	jobCtx := context.WithoutCancel(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case job, ok := <-p.jobs:
			if !ok {
				return
			}
			if ctx.Err() != nil {
				return
			}
			p.run(jobCtx, id, job)
		}
	}
}

func (p *Pipeline) run(ctx context.Context, worker int, job Job) {
	start := time.Now()
	logging.LogJobStart(p.log, string(job.Type), job.ID, job.FrameIDs, job.Options)
	if p.observer != nil {
		p.observer.JobStarted(job.Type)
		p.observer.QueueDepth(len(p.jobs))
	}
	if p.store != nil {
		_ = p.store.RecordJobStart(job.ID)
	}

	res := p.processor.Process(ctx, job)
	res.Job = job
	duration := time.Since(start)

	status := "completed"
	if res.Error != nil {
		status = "failed"
		logging.LogJobError(p.log, string(job.Type), job.ID, duration, res.Error, map[string]any{
			"worker":           worker,
			"frames":           job.FrameIDs,
			"observation_type": job.ObservationType,
			"meta":             res.Meta,
		})
	} else {
		logging.LogJobComplete(p.log, string(job.Type), job.ID, duration, res.Meta)
	}
	if p.store != nil {
		if err := p.store.RecordJobResult(job.ID, status, res.Meta, errString(res.Error)); err != nil {
			p.log.Warn("failed to record job result", "id", job.ID, "error", err)
		}
	}
	if p.observer != nil {
		p.observer.JobFinished(job.Type, status, duration)
	}
	p.broadcast(res)
}

// Subscribe returns a channel for receiving job results and an unsubscribe function.
func (p *Pipeline) Subscribe() (<-chan Result, func()) {
	return p.subscribe(8)
}

func (p *Pipeline) subscribe(buffer int) (<-chan Result, func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	id := p.nextSubID
	p.nextSubID++
	ch := make(chan Result, buffer)
	p.subs[id] = ch
	unsub := func() {
		p.mu.Lock()
		if c, ok := p.subs[id]; ok {
			close(c)
			delete(p.subs, id)
		}
		p.mu.Unlock()
	}
	return ch, unsub
}

// Wait submits jobs and blocks until every one of them has a result.
func (p *Pipeline) Wait(ctx context.Context, jobs ...Job) ([]Result, error) {
	results, unsub := p.subscribe(len(jobs) + 8)
	defer unsub()

	pending := make(map[string]int, len(jobs))
	for i := range jobs {
		queued, err := p.Enqueue(ctx, jobs[i])
		if err != nil {
			return nil, fmt.Errorf("submit job %d: %w", i, err)
		}
		jobs[i] = queued
		pending[queued.ID] = i
	}

	out := make([]Result, len(jobs))
	for len(pending) > 0 {
		select {
		case <-ctx.Done():
			return out, ctx.Err()
		case res, ok := <-results:
			if !ok {
				return out, ErrStopped
			}
			if i, mine := pending[res.Job.ID]; mine {
				out[i] = res
				delete(pending, res.Job.ID)
			}
		}
	}
	return out, nil
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func (p *Pipeline) broadcast(res Result) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for id, ch := range p.subs {
		select {
		case ch <- res:
		default:
			p.log.Warn("result channel full", "subscriber", id, "job", res.Job.ID)
		}
	}
}
