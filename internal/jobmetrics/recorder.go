package jobmetrics

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Run collects the metrics of one batch job execution in its own registry.
type Run struct {
	job      string
	registry *prometheus.Registry
	started  time.Time

	duration    prometheus.Gauge
	lastSuccess prometheus.Gauge
	lastFailure prometheus.Gauge
	items       *prometheus.GaugeVec
}

func NewRun(job string) *Run {
	registry := prometheus.NewRegistry()
	labels := prometheus.Labels{"job_name": job}

	r := &Run{
		job:      job,
		registry: registry,
		started:  time.Now(),
		duration: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "applykit_job_duration_seconds",
			Help:        "Duration of the last job run.",
			ConstLabels: labels,
		}),
		lastSuccess: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "applykit_job_last_success_timestamp_seconds",
			Help:        "Unix time of the last successful job run.",
			ConstLabels: labels,
		}),
		lastFailure: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "applykit_job_last_failure_timestamp_seconds",
			Help:        "Unix time of the last failed job run.",
			ConstLabels: labels,
		}),
		items: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name:        "applykit_job_items",
			Help:        "Items handled by the last job run, by kind.",
			ConstLabels: labels,
		}, []string{"kind"}),
	}
	registry.MustRegister(r.duration, r.lastSuccess, r.lastFailure, r.items)
	return r
}

func (r *Run) Registry() *prometheus.Registry {
	return r.registry
}

func (r *Run) SetItems(kind string, n int) {
	r.items.WithLabelValues(kind).Set(float64(n))
}

// Finish records the outcome and pushes when a pusher is configured.
func (r *Run) Finish(ctx context.Context, pusher Pusher, runErr error) error {
	now := time.Now()
	r.duration.Set(now.Sub(r.started).Seconds())
	if runErr != nil {
		r.lastFailure.Set(float64(now.Unix()))
	} else {
		r.lastSuccess.Set(float64(now.Unix()))
	}
	if pusher == nil {
		return nil
	}
	return pusher.Push(ctx, r.registry)
}
