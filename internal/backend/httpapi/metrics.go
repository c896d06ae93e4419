package httpapi

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	backendRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lobbylink_backend_requests_total",
			Help: "Total number of backend calls issued, by service and result.",
		},
		[]string{"service", "method", "result"},
	)

	backendRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "lobbylink_backend_request_duration_seconds",
			Help:    "Backend call duration in seconds, including rate-limit wait.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"service"},
	)
)

func init() {
	prometheus.MustRegister(backendRequestsTotal)
	prometheus.MustRegister(backendRequestDuration)
}

func observeRequest(service, method string, err error, d time.Duration) {
	if service == "" {
		service = "default"
	}
	if method == "" {
		method = "GET"
	}
	backendRequestsTotal.WithLabelValues(service, method, statusLabel(err)).Inc()
	backendRequestDuration.WithLabelValues(service).Observe(d.Seconds())
}
