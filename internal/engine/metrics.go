package engine

import "github.com/prometheus/client_golang/prometheus"

var (
	tasksSubmittedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lobbylink_tasks_submitted_total",
			Help: "Total number of tasks submitted, by work name.",
		},
		[]string{"task"},
	)

	tasksCompletedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lobbylink_tasks_completed_total",
			Help: "Total number of tasks completed, by work name and outcome.",
		},
		[]string{"task", "outcome"},
	)

	tasksActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "lobbylink_tasks_active",
			Help: "Number of submitted tasks that have not completed.",
		},
	)

	driveDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "lobbylink_scheduler_drive_duration_seconds",
			Help:    "Duration of one scheduler drive cycle.",
			Buckets: []float64{.0001, .0005, .001, .005, .01, .05, .1},
		},
	)

	tokensDroppedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lobbylink_tokens_dropped_total",
			Help: "Backend results dropped by completion tokens, by reason.",
		},
		[]string{"reason"},
	)

	collaboratorPanicsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lobbylink_collaborator_panics_total",
			Help: "Panics recovered from collaborator hooks, by work name and hook.",
		},
		[]string{"task", "hook"},
	)

	journalErrorsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "lobbylink_journal_errors_total",
			Help: "Task journal writes that failed or timed out.",
		},
	)
)

func init() {
	prometheus.MustRegister(tasksSubmittedTotal)
	prometheus.MustRegister(tasksCompletedTotal)
	prometheus.MustRegister(tasksActive)
	prometheus.MustRegister(driveDuration)
	prometheus.MustRegister(tokensDroppedTotal)
	prometheus.MustRegister(collaboratorPanicsTotal)
	prometheus.MustRegister(journalErrorsTotal)
}
