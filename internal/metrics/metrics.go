// Package metrics exposes reduction and job counters to Prometheus.
package metrics

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"frameforge/internal/calib"
	"frameforge/internal/frame"
	"frameforge/internal/framestore"
	"frameforge/internal/pipeline"
	"frameforge/internal/reduce"
	"frameforge/internal/stages"
)

// Collector implements reduce.Observer and pipeline.JobObserver.
type Collector struct {
	stages     *prometheus.HistogramVec
	reductions *prometheus.CounterVec
	reduceTime *prometheus.HistogramVec
	jobs       *prometheus.CounterVec
	jobTime    *prometheus.HistogramVec
	running    *prometheus.GaugeVec
	queueDepth prometheus.Gauge
	masters    *prometheus.CounterVec
	registry   *prometheus.Registry
}

var (
	_ reduce.Observer         = (*Collector)(nil)
	_ pipeline.JobObserver    = (*Collector)(nil)
	_ pipeline.MasterObserver = (*Collector)(nil)
)

// New registers the collectors on a fresh registry.
func New() *Collector {
	c := &Collector{
		stages: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "frameforge",
			Name:      "stage_duration_seconds",
			Help:      "Time spent in each reduction stage by outcome.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 8),
		}, []string{"stage", "state"}),
		reductions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "frameforge",
			Name:      "reductions_total",
			Help:      "Frame reductions by observation type and result.",
		}, []string{"type", "result"}),
		reduceTime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "frameforge",
			Name:      "reduction_duration_seconds",
			Help:      "Wall time of whole-frame reductions.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 4, 8),
		}, []string{"type"}),
		jobs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "frameforge",
			Name:      "jobs_total",
			Help:      "Finished jobs by type and status.",
		}, []string{"type", "status"}),
		jobTime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "frameforge",
			Name:      "job_duration_seconds",
			Help:      "Wall time of jobs.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 4, 9),
		}, []string{"type"}),
		running: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "frameforge",
			Name:      "jobs_running",
			Help:      "Jobs currently being processed.",
		}, []string{"type"}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "frameforge",
			Name:      "job_queue_depth",
			Help:      "Jobs waiting in the queue.",
		}),
		masters: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "frameforge",
			Name:      "masters_registered_total",
			Help:      "Masters registered by kind and outcome.",
		}, []string{"kind", "outcome"}),
		registry: prometheus.NewRegistry(),
	}
	c.registry.MustRegister(
		c.stages, c.reductions, c.reduceTime,
		c.jobs, c.jobTime, c.running, c.queueDepth, c.masters,
		collectors.NewGoCollector(),
	)
	return c
}

// Registry is the registry to serve on /metrics.
func (c *Collector) Registry() *prometheus.Registry { return c.registry }

func (c *Collector) StageFinished(stage string, state stages.State, d time.Duration) {
	c.stages.WithLabelValues(stage, string(state)).Observe(d.Seconds())
}

func (c *Collector) ReductionFinished(typ frame.ObservationType, err error, d time.Duration) {
	c.reductions.WithLabelValues(string(typ), resultLabel(err)).Inc()
	c.reduceTime.WithLabelValues(string(typ)).Observe(d.Seconds())
}

func (c *Collector) JobStarted(t pipeline.JobType) {
	c.running.WithLabelValues(string(t)).Inc()
}

func (c *Collector) JobFinished(t pipeline.JobType, status string, d time.Duration) {
	c.running.WithLabelValues(string(t)).Dec()
	c.jobs.WithLabelValues(string(t), status).Inc()
	c.jobTime.WithLabelValues(string(t)).Observe(d.Seconds())
}

func (c *Collector) QueueDepth(n int) { c.queueDepth.Set(float64(n)) }

// MasterRegistered counts a registry commit.
func (c *Collector) MasterRegistered(kind frame.ObservationType, outcome calib.Outcome) {
	c.masters.WithLabelValues(string(kind), string(outcome)).Inc()
}

func resultLabel(err error) string {
	var stageErr *reduce.StageFailure
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, framestore.ErrStorageUnavailable):
		return "storage_unavailable"
	case errors.As(err, &stageErr):
		return "stage_failure"
	case errors.Is(err, reduce.ErrUnknownObservationType):
		return "unknown_type"
	default:
		return "error"
	}
}
