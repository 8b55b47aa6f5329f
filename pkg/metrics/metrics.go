package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Controller metrics
	TicksTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "gridpack_ticks_total",
			Help: "Total number of controller ticks",
		},
	)

	TickDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "gridpack_tick_duration_seconds",
			Help:    "Controller tick duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		},
	)

	GridpacksTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "gridpack_documents_total",
			Help: "Total number of gridpacks by status",
		},
		[]string{"status"},
	)

	SubmissionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gridpack_submissions_total",
			Help: "Total number of batch submissions by result",
		},
		[]string{"result"},
	)

	CollectionsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "gridpack_collections_total",
			Help: "Total number of output collections",
		},
	)

	ReuseProbesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gridpack_reuse_probes_total",
			Help: "Total number of artifact reuse probes by result",
		},
		[]string{"result"},
	)

	RequestsCreatedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "gridpack_mcm_requests_total",
			Help: "Total number of downstream McM requests created",
		},
	)

	// Notifier metrics
	NotificationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gridpack_notifications_total",
			Help: "Total number of notifications by result",
		},
		[]string{"result"},
	)

	// API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gridpack_api_requests_total",
			Help: "Total number of API requests by method and status",
		},
		[]string{"method", "status"},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(TicksTotal)
	prometheus.MustRegister(TickDuration)
	prometheus.MustRegister(GridpacksTotal)
	prometheus.MustRegister(SubmissionsTotal)
	prometheus.MustRegister(CollectionsTotal)
	prometheus.MustRegister(ReuseProbesTotal)
	prometheus.MustRegister(RequestsCreatedTotal)
	prometheus.MustRegister(NotificationsTotal)
	prometheus.MustRegister(APIRequestsTotal)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
