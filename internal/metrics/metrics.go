package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	HTTPRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "engine",
		Name:      "http_requests_total",
		Help:      "Total HTTP requests by method, path and status code.",
	}, []string{"method", "path", "status"})

	HTTPRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "engine",
		Name:      "http_request_duration_seconds",
		Help:      "HTTP request duration in seconds.",
		Buckets:   []float64{0.05, 0.1, 0.3, 0.5, 1, 2, 5, 10, 30},
	}, []string{"method", "path"})

	ActiveSwarms = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "engine",
		Name:      "active_swarms",
		Help:      "Number of currently joined swarms.",
	})

	ActiveWatchers = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "engine",
		Name:      "active_watchers",
		Help:      "Number of currently attached watchers.",
	})

	PeersConnected = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "engine",
		Name:      "peers_connected",
		Help:      "Total number of peers connected across all swarms.",
	})

	DownloadSpeedBytes = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "engine",
		Name:      "download_speed_bytes",
		Help:      "Current aggregate download speed in bytes per second.",
	})

	UploadSpeedBytes = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "engine",
		Name:      "upload_speed_bytes",
		Help:      "Current aggregate upload speed in bytes per second.",
	})

	StreamOpensTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "engine",
		Name:      "stream_opens_total",
		Help:      "Total streams opened by delivery mode (direct or transcode).",
	}, []string{"mode"})

	StageTransitionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "engine",
		Name:      "stage_transitions_total",
		Help:      "Total connection stage transitions by target stage.",
	}, []string{"stage"})

	IdleTeardownsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "engine",
		Name:      "idle_teardowns_total",
		Help:      "Total swarm file entries torn down after the idle grace period.",
	})

	TranscodeActiveProcesses = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "engine",
		Name:      "transcode_active_processes",
		Help:      "Number of currently running transcode processes.",
	})

	TranscodeStartsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "engine",
		Name:      "transcode_starts_total",
		Help:      "Total number of transcode processes started.",
	})

	TranscodeFailuresTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "engine",
		Name:      "transcode_failures_total",
		Help:      "Total number of transcode processes that exited with an error.",
	})

	TranscodePoolExhausted = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "engine",
		Name:      "transcode_pool_exhausted_total",
		Help:      "Total acquisitions rejected because every pool slot was busy.",
	})
)

func Register(reg prometheus.Registerer) {
	reg.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		ActiveSwarms,
		ActiveWatchers,
		PeersConnected,
		DownloadSpeedBytes,
		UploadSpeedBytes,
		StreamOpensTotal,
		StageTransitionsTotal,
		IdleTeardownsTotal,
		TranscodeActiveProcesses,
		TranscodeStartsTotal,
		TranscodeFailuresTotal,
		TranscodePoolExhausted,
	)
}
