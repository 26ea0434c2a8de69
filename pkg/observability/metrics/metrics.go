package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "splatforge"

var JobsSubmitted = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "pipeline",
	Name:      "jobs_submitted_total",
	Help:      "Reconstruction jobs accepted for processing",
}, []string{"preset"})

var JobsFinished = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "pipeline",
	Name:      "jobs_finished_total",
	Help:      "Reconstruction jobs that reached a terminal status",
}, []string{"preset", "status", "error_kind"})

var JobsActive = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: namespace,
	Subsystem: "pipeline",
	Name:      "jobs_active",
	Help:      "Jobs currently owned by the orchestrator",
})

var StageDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Namespace: namespace,
	Subsystem: "pipeline",
	Name:      "stage_duration_seconds",
	Help:      "Wall time of each pipeline stage",
	Buckets:   []float64{1, 5, 30, 60, 300, 900, 1800, 3600, 7200, 14400},
}, []string{"stage", "outcome"})

var TrainingSlotsHeld = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: namespace,
	Subsystem: "admission",
	Name:      "training_slots_held",
	Help:      "Training slots currently held",
})

var TrainingQueueLength = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: namespace,
	Subsystem: "admission",
	Name:      "training_queue_length",
	Help:      "Jobs waiting for a training slot",
})

var HTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "api",
	Name:      "http_requests_total",
	Help:      "HTTP requests served, by route and status code",
}, []string{"route", "method", "code"})

var HTTPDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Namespace: namespace,
	Subsystem: "api",
	Name:      "http_request_duration_seconds",
	Help:      "HTTP request latency",
	Buckets:   prometheus.DefBuckets,
}, []string{"route", "method"})

var EventsPublished = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "events",
	Name:      "published_total",
	Help:      "Job status events handed to the event stream",
}, []string{"result"})

var StatusCacheLookups = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "status_cache",
	Name:      "lookups_total",
	Help:      "Status cache lookups by result",
}, []string{"result"})

func ObserveStage(stage, outcome string, elapsed time.Duration) {
	StageDuration.WithLabelValues(stage, outcome).Observe(elapsed.Seconds())
}

// ObserveSlots is shaped to be the admission controller's change hook.
func ObserveSlots(holding, waiting int) {
	TrainingSlotsHeld.Set(float64(holding))
	TrainingQueueLength.Set(float64(waiting))
}

func Handler() http.Handler {
	return promhttp.Handler()
}
