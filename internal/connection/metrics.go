package connection

import "github.com/prometheus/client_golang/prometheus"

var (
	connectionTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lobbylink_connection_transitions_total",
			Help: "Connection state transitions, by source and target state.",
		},
		[]string{"from", "to"},
	)

	connectionClosesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lobbylink_connection_closes_total",
			Help: "Transport closes after connect, by close class.",
		},
		[]string{"class"},
	)

	connectionEventsDroppedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "lobbylink_connection_events_dropped_total",
			Help: "Channel events dropped because they came from a superseded channel.",
		},
	)
)

func init() {
	prometheus.MustRegister(connectionTransitionsTotal)
	prometheus.MustRegister(connectionClosesTotal)
	prometheus.MustRegister(connectionEventsDroppedTotal)
}
