// SPDX-License-Identifier: Apache-2.0

package metrics

import (
	"sync"
	"time"

	"github.com/adiadia/draftpipe/internal/domain"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	initOnce sync.Once

	jobsTotalCounter          *prometheus.CounterVec
	stageDurationMetric       prometheus.Histogram
	chunkEventsCounter        prometheus.Counter
	busDroppedEventsCounter   prometheus.Counter
	insightsEmittedCounter    prometheus.Counter
	insightFailuresCounter    prometheus.Counter
	sessionResumesCounter     prometheus.Counter
	sessionsPurgedCounter     prometheus.Counter
	enrichmentFailuresCounter prometheus.Counter
)

// Init registers metrics on the default Prometheus registry exactly once.
func Init() {
	initOnce.Do(func() {
		jobsTotalCounter = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pipeline_jobs_total",
				Help: "Total number of pipeline jobs by terminal status.",
			},
			[]string{"status"},
		)

		stageDurationMetric = prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "pipeline_stage_duration_seconds",
				Help:    "Duration of generation stage executions in seconds.",
				Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
			},
		)

		chunkEventsCounter = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "pipeline_chunk_events_total",
				Help: "Total number of coalesced chunk events published.",
			},
		)

		busDroppedEventsCounter = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "event_bus_dropped_events_total",
				Help: "Total number of events dropped for slow subscribers.",
			},
		)

		insightsEmittedCounter = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "insights_emitted_total",
				Help: "Total number of insight events published.",
			},
		)

		insightFailuresCounter = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "insight_failures_total",
				Help: "Total number of swallowed insight extraction failures.",
			},
		)

		sessionResumesCounter = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "session_resumes_total",
				Help: "Total number of recovery session resume attempts.",
			},
		)

		sessionsPurgedCounter = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "sessions_purged_total",
				Help: "Total number of expired sessions purged by the sweep.",
			},
		)

		enrichmentFailuresCounter = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "enrichment_failures_total",
				Help: "Total number of best-effort enrichment branch failures.",
			},
		)

		prometheus.MustRegister(
			jobsTotalCounter,
			stageDurationMetric,
			chunkEventsCounter,
			busDroppedEventsCounter,
			insightsEmittedCounter,
			insightFailuresCounter,
			sessionResumesCounter,
			sessionsPurgedCounter,
			enrichmentFailuresCounter,
		)

		// Ensure counter vectors are visible at /metrics before first increment.
		for _, status := range []domain.JobStatus{
			domain.JobCompleted,
			domain.JobFailed,
			domain.JobCanceled,
		} {
			jobsTotalCounter.WithLabelValues(string(status))
		}
	})
}

func IncJobStatus(status domain.JobStatus) {
	Init()
	jobsTotalCounter.WithLabelValues(string(status)).Inc()
}

func ObserveStageDuration(d time.Duration) {
	Init()
	stageDurationMetric.Observe(d.Seconds())
}

func IncChunkEvents() {
	Init()
	chunkEventsCounter.Inc()
}

func IncBusDroppedEvents(n int) {
	Init()
	busDroppedEventsCounter.Add(float64(n))
}

func IncInsightsEmitted() {
	Init()
	insightsEmittedCounter.Inc()
}

func IncInsightFailures() {
	Init()
	insightFailuresCounter.Inc()
}

func IncSessionResumes() {
	Init()
	sessionResumesCounter.Inc()
}

func AddSessionsPurged(n int) {
	Init()
	sessionsPurgedCounter.Add(float64(n))
}

func IncEnrichmentFailures() {
	Init()
	enrichmentFailuresCounter.Inc()
}
