package telemetry

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "echallenge"

var (
	HTTPRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests.",
		},
		[]string{"method", "route", "status"},
	)

	HTTPDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "Duration of HTTP requests.",
			Buckets:   []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 2},
		},
		[]string{"method", "route"},
	)

	Transitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "competition_transitions_total",
			Help:      "Competition status transitions by target status.",
		},
		[]string{"status"},
	)

	Answers = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "answers_total",
			Help:      "Answer submissions by outcome.",
		},
		[]string{"outcome"},
	)

	Finalizations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "finalize_attempts_total",
			Help:      "Finalization checks by outcome.",
		},
		[]string{"outcome"},
	)

	RatingUpdates = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rating_updates_total",
			Help:      "Pairwise rating updates by outcome.",
		},
		[]string{"outcome"},
	)
)

// RegisterMetrics registers every collector of the service. Collectors that
// are already registered are left as they are.
func RegisterMetrics(r prometheus.Registerer) error {
	for _, c := range []prometheus.Collector{HTTPRequests, HTTPDuration, Transitions, Answers, Finalizations, RatingUpdates} {
		if err := r.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	return nil
}
