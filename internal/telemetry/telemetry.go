/**
 * Pipeline Telemetry
 *
 * Sink receives stage timings, run outcomes and run-level error kinds.
 * The core depends only on the interface; PrometheusSink backs /metrics.
 */

package telemetry

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Sink records pipeline observations. Implementations must be safe for concurrent use.
type Sink interface {
	RecordStage(stage string, d time.Duration)
	RecordRun(outcome string, d time.Duration, questions int)
	RecordError(kind string)
}

// Run outcomes
const (
	OutcomeSuccess   = "success"
	OutcomeCached    = "cached"
	OutcomeNoResult  = "no_result"
	OutcomePartial   = "partial"
	OutcomeFailed    = "failed"
	OutcomeCancelled = "cancelled"
)

// NopSink discards everything
type NopSink struct{}

func (NopSink) RecordStage(string, time.Duration)    {}
func (NopSink) RecordRun(string, time.Duration, int) {}
func (NopSink) RecordError(string)                   {}

// OrNop returns s, or a NopSink when s is nil
func OrNop(s Sink) Sink {
	if s == nil {
		return NopSink{}
	}
	return s
}

// PrometheusSink exports observations as Prometheus metrics
type PrometheusSink struct {
	stageDuration *prometheus.HistogramVec
	runsTotal     *prometheus.CounterVec
	runDuration   prometheus.Histogram
	questions     prometheus.Histogram
	errorsTotal   *prometheus.CounterVec
}

// NewPrometheusSink registers the pipeline metrics on reg
func NewPrometheusSink(reg prometheus.Registerer) *PrometheusSink {
	factory := promauto.With(reg)
	return &PrometheusSink{
		stageDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "questionprocess_stage_duration_seconds",
				Help:    "Pipeline stage duration in seconds",
				Buckets: []float64{0.005, 0.025, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
			},
			[]string{"stage"},
		),
		runsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "questionprocess_runs_total",
				Help: "Total number of pipeline runs by outcome",
			},
			[]string{"outcome"},
		),
		runDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "questionprocess_run_duration_seconds",
				Help:    "End-to-end pipeline duration in seconds",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
			},
		),
		questions: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "questionprocess_questions_per_run",
				Help:    "Number of questions extracted per run",
				Buckets: []float64{0, 1, 2, 5, 10, 20, 50},
			},
		),
		errorsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "questionprocess_errors_total",
				Help: "Total number of run-level errors by kind",
			},
			[]string{"kind"},
		),
	}
}

func (p *PrometheusSink) RecordStage(stage string, d time.Duration) {
	p.stageDuration.WithLabelValues(stage).Observe(d.Seconds())
}

func (p *PrometheusSink) RecordRun(outcome string, d time.Duration, questions int) {
	p.runsTotal.WithLabelValues(outcome).Inc()
	p.runDuration.Observe(d.Seconds())
	p.questions.Observe(float64(questions))
}

func (p *PrometheusSink) RecordError(kind string) {
	p.errorsTotal.WithLabelValues(kind).Inc()
}
