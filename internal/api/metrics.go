package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/seantiz/lobbylink/internal/connection"
	"github.com/seantiz/lobbylink/internal/subsystem"
)

const unmatched = "unmatched"

var (
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lobbylink_http_requests_total",
			Help: "Total number of admin API requests.",
		},
		[]string{"method", "route", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "lobbylink_http_request_duration_seconds",
			Help:    "Admin API request duration in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)
)

func init() {
	prometheus.MustRegister(httpRequestsTotal)
	prometheus.MustRegister(httpRequestDuration)
}

// metricsMiddleware records count and duration per chi route pattern.
func metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		route := routePattern(r)
		httpRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(status)).Inc()
		httpRequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}

func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
		return rctx.RoutePattern()
	}
	return unmatched
}

var (
	connectionsDesc = prometheus.NewDesc(
		"lobbylink_connections",
		"Local users by real-time connection state.",
		[]string{"state"}, nil,
	)
	schedulerRunningDesc = prometheus.NewDesc(
		"lobbylink_scheduler_running",
		"1 while the designated scheduler loop is running.",
		nil, nil,
	)
	servicesDesc = prometheus.NewDesc(
		"lobbylink_services_registered",
		"Backend services registered with the subsystem.",
		nil, nil,
	)
)

// subsystemCollector reads live subsystem state at scrape time.
type subsystemCollector struct {
	sub *subsystem.Subsystem
}

func (c subsystemCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- connectionsDesc
	ch <- schedulerRunningDesc
	ch <- servicesDesc
}

func (c subsystemCollector) Collect(ch chan<- prometheus.Metric) {
	counts := map[connection.State]int{
		connection.StateDisconnected: 0,
		connection.StateConnecting:   0,
		connection.StateConnected:    0,
		connection.StateReconnecting: 0,
	}
	for _, snap := range c.sub.Manager.Snapshots() {
		counts[snap.State]++
	}
	for state, n := range counts {
		ch <- prometheus.MustNewConstMetric(connectionsDesc, prometheus.GaugeValue, float64(n), string(state))
	}

	running := 0.0
	if c.sub.Scheduler.Running() {
		running = 1
	}
	ch <- prometheus.MustNewConstMetric(schedulerRunningDesc, prometheus.GaugeValue, running)
	ch <- prometheus.MustNewConstMetric(servicesDesc, prometheus.GaugeValue, float64(len(c.sub.Registry.List())))
}

// metricsHandler serves the process-wide collectors plus this server's
// subsystem gauges.
func (s *Server) metricsHandler() http.Handler {
	reg := prometheus.NewRegistry()
	reg.MustRegister(subsystemCollector{sub: s.sub})
	return promhttp.HandlerFor(prometheus.Gatherers{prometheus.DefaultGatherer, reg}, promhttp.HandlerOpts{})
}
