package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	Submissions            = prometheus.NewCounter(prometheus.CounterOpts{Name: "medscan_submissions_total", Help: "Artifacts accepted at intake"})
	RateLimitRejects       = prometheus.NewCounter(prometheus.CounterOpts{Name: "medscan_rate_limit_rejects_total", Help: "Submissions rejected by the rate limiter"})
	Completions            = prometheus.NewCounter(prometheus.CounterOpts{Name: "medscan_completions_total", Help: "Analyses that reached completed"})
	NegativeDeterminations = prometheus.NewCounter(prometheus.CounterOpts{Name: "medscan_negative_determinations_total", Help: "Analyses completed early as unsupported modality"})
	Failures               = prometheus.NewCounter(prometheus.CounterOpts{Name: "medscan_failures_total", Help: "Analyses that reached failed"})
	StageCalls             = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "medscan_stage_calls_total", Help: "Inference stage calls by stage and outcome"}, []string{"stage", "outcome"})
	StageLatency           = prometheus.NewHistogramVec(prometheus.HistogramOpts{Name: "medscan_stage_latency_seconds", Help: "Inference stage call latency", Buckets: prometheus.DefBuckets}, []string{"stage"})
	QueueDepthGauge        = prometheus.NewGauge(prometheus.GaugeOpts{Name: "medscan_queue_depth", Help: "Ready queue depth"})
	PendingGauge           = prometheus.NewGauge(prometheus.GaugeOpts{Name: "medscan_pending_analyses", Help: "Analyses in submitted state awaiting a worker"})
	InFlightGauge          = prometheus.NewGauge(prometheus.GaugeOpts{Name: "medscan_inflight", Help: "Pipeline runs currently executing"})
)

// Handler exposes the /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			Submissions,
			RateLimitRejects,
			Completions,
			NegativeDeterminations,
			Failures,
			StageCalls,
			StageLatency,
			QueueDepthGauge,
			PendingGauge,
			InFlightGauge,
		)
	})
	return promhttp.Handler()
}
