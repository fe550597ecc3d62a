// Package metrics exports chain runs as Prometheus metrics.
package metrics

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/dcshock/stagechain/pipeline"
)

// Observer counts runs and stage executions and records their durations. It implements pipeline.Observer.
type Observer struct {
	pipeline.NopObserver

	StageRuns     *prometheus.CounterVec
	StageDuration *prometheus.HistogramVec
	Runs          *prometheus.CounterVec
	RunDuration   *prometheus.HistogramVec
	ActiveRuns    prometheus.Gauge
}

// NewObserver registers the stagechain metrics on reg (prometheus.DefaultRegisterer when nil).
func NewObserver(reg prometheus.Registerer) *Observer {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)
	return &Observer{
		StageRuns: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "stagechain_stage_runs_total",
				Help: "Total number of stage executions by outcome",
			},
			[]string{"chain", "stage", "outcome"},
		),
		StageDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "stagechain_stage_duration_seconds",
				Help:    "Duration of stage executions",
				Buckets: prometheus.ExponentialBuckets(0.01, 2, 14),
			},
			[]string{"chain", "stage"},
		),
		Runs: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "stagechain_runs_total",
				Help: "Total number of finished runs by terminal",
			},
			[]string{"chain", "terminal"},
		),
		RunDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "stagechain_run_duration_seconds",
				Help:    "Summed stage durations of finished runs",
				Buckets: prometheus.ExponentialBuckets(0.1, 2, 14),
			},
			[]string{"chain"},
		),
		ActiveRuns: f.NewGauge(prometheus.GaugeOpts{
			Name: "stagechain_active_runs",
			Help: "Number of runs in progress",
		}),
	}
}

// BeforeRun implements pipeline.Observer.
func (o *Observer) BeforeRun(context.Context, string, string, *pipeline.State) error {
	o.ActiveRuns.Inc()
	return nil
}

// AfterStage implements pipeline.Observer.
func (o *Observer) AfterStage(_ context.Context, ev pipeline.StageEvent, _ *pipeline.State) error {
	o.StageRuns.WithLabelValues(ev.Chain, ev.Stage, ev.Outcome.String()).Inc()
	o.StageDuration.WithLabelValues(ev.Chain, ev.Stage).Observe(ev.Duration.Seconds())
	return nil
}

// AfterRun implements pipeline.Observer.
func (o *Observer) AfterRun(_ context.Context, report *pipeline.Report, _ error) error {
	o.ActiveRuns.Dec()
	terminal := report.Terminal
	if terminal == "" {
		terminal = "none"
	}
	o.Runs.WithLabelValues(report.Chain, terminal).Inc()
	var total time.Duration
	for _, s := range report.Steps {
		total += s.Duration
	}
	o.RunDuration.WithLabelValues(report.Chain).Observe(total.Seconds())
	return nil
}

var _ pipeline.Observer = (*Observer)(nil)
