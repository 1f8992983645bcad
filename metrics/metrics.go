// Package metrics provides Prometheus metrics for the client engine.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	metadataFetchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "oidcclient_metadata_fetches_total",
			Help: "Total number of discovery and key set fetches",
		},
		[]string{"document", "result"}, // document: "metadata", "jwks"
	)

	tokenValidationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "oidcclient_token_validations_total",
			Help: "Total number of JWT validations",
		},
		[]string{"result"},
	)

	stateSweptTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "oidcclient_state_swept_total",
			Help: "Total number of state entries removed by the stale-state sweep",
		},
		[]string{"reason"}, // "stale", "missing", "corrupt"
	)

	timerFiredTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "oidcclient_timer_fired_total",
			Help: "Total number of timer expirations",
		},
		[]string{"timer"},
	)
)

// RecordFetch records a metadata or key set fetch.
func RecordFetch(document string, err error) {
	metadataFetchesTotal.WithLabelValues(document, result(err)).Inc()
}

// RecordValidation records a token validation outcome.
func RecordValidation(err error) {
	tokenValidationsTotal.WithLabelValues(result(err)).Inc()
}

// RecordSwept records a state entry removed by the sweep.
func RecordSwept(reason string) {
	stateSweptTotal.WithLabelValues(reason).Inc()
}

// RecordTimerFired records a timer expiration.
func RecordTimerFired(name string) {
	timerFiredTotal.WithLabelValues(name).Inc()
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

func result(err error) string {
	if err != nil {
		return "failure"
	}
	return "success"
}
