// Package metrics declares the Prometheus collectors of the monitor.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Passes counts monitoring passes by trigger and outcome.
	Passes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "plagiarism_monitor_passes_total",
		Help: "Monitoring passes by trigger and outcome",
	}, []string{"trigger", "outcome"})

	// PassDuration records how long a monitoring pass takes.
	PassDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "plagiarism_monitor_pass_duration_seconds",
		Help:    "Duration of monitoring passes",
		Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
	}, []string{"trigger"})

	// GroupRuns counts per-group runs by outcome.
	GroupRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "plagiarism_monitor_group_runs_total",
		Help: "Per-group monitoring runs by outcome",
	}, []string{"outcome"})

	// PostsProcessed counts posts by source and result.
	PostsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "plagiarism_monitor_posts_processed_total",
		Help: "Posts processed by source and result",
	}, []string{"source", "result"})

	// FetchErrors counts fetch failures by error kind.
	FetchErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "plagiarism_monitor_fetch_errors_total",
		Help: "Fetch failures by kind",
	}, []string{"kind"})

	// CasesRecorded counts new cases by risk.
	CasesRecorded = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "plagiarism_monitor_cases_total",
		Help: "Recorded plagiarism cases by risk",
	}, []string{"risk"})

	// Notifications counts notification attempts by channel and outcome.
	Notifications = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "plagiarism_monitor_notifications_total",
		Help: "Notification attempts by channel and outcome",
	}, []string{"channel", "outcome"})

	// IndexSize is the number of posts in the similarity index.
	IndexSize = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "plagiarism_monitor_index_posts",
		Help: "Posts held in the similarity index",
	})

	// HTTPRequests records API latency by route and status.
	HTTPRequests = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "plagiarism_monitor_http_request_duration_seconds",
		Help:    "HTTP request latency by route and status",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "route", "status"})
)

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
