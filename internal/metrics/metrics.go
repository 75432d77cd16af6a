package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	JobsSubmitted = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "xhaka",
			Name:      "jobs_submitted_total",
			Help:      "Total jobs accepted for execution",
		},
	)

	// JobsFinished counts terminal outcomes; kind is empty on success.
	JobsFinished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "xhaka",
			Name:      "jobs_finished_total",
			Help:      "Total jobs that reached a terminal status",
		},
		[]string{"status", "kind"},
	)

	JobDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "xhaka",
			Name:      "job_duration_seconds",
			Help:      "Wall time of one job from dequeue to finalization",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
		},
		[]string{"status"},
	)

	RecordAnomalies = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "xhaka",
			Name:      "record_anomalies_total",
			Help:      "Job records found missing or in an unexpected state while finalizing",
		},
		[]string{"reason"},
	)

	QueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "xhaka",
			Name:      "queue_depth",
			Help:      "Tasks waiting in the queue",
		},
	)

	QueueRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "xhaka",
			Name:      "queue_rejected_total",
			Help:      "Tasks refused by the queue",
		},
		[]string{"reason"},
	)

	UploadBytes = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "xhaka",
			Name:      "upload_bytes_total",
			Help:      "Total bytes accepted by the upload endpoint",
		},
	)

	RecordsSwept = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "xhaka",
			Name:      "records_swept_total",
			Help:      "Total expired job records deleted by the sweeper",
		},
	)

	SubmitsThrottled = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "xhaka",
			Name:      "submits_throttled_total",
			Help:      "Job submissions refused by the rate limiter",
		},
		[]string{"by"},
	)

	HTTPRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "xhaka",
			Name:      "http_requests_total",
			Help:      "Total HTTP requests",
		},
		[]string{"method", "route", "status"},
	)
)
