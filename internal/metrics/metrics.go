// Package metrics holds the gateway's Prometheus collectors.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Bootstrap

	BootstrapAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_bootstrap_attempts_total",
			Help: "Finished gateway start-up attempts by outcome",
		},
		[]string{"outcome"},
	)

	BootstrapState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "gateway_bootstrap_state",
			Help: "1 for the bootstrap state the process is currently in",
		},
		[]string{"state"},
	)

	// Subgraph traffic

	SubgraphRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_subgraph_requests_total",
			Help: "Outbound requests to subgraphs by HTTP status (0 for transport errors)",
		},
		[]string{"subgraph", "status"},
	)

	SubgraphRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "gateway_subgraph_request_duration_seconds",
			Help:    "Outbound subgraph request latency in seconds",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"subgraph"},
	)

	// Composition

	SupergraphCompositionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_supergraph_compositions_total",
			Help: "Supergraph composition runs by result",
		},
		[]string{"result"},
	)
)

var bootstrapStates = []string{"waiting", "attempting", "serving", "aborted"}

// SetBootstrapState marks state as current and clears the others.
func SetBootstrapState(state string) {
	for _, s := range bootstrapStates {
		v := 0.0
		if s == state {
			v = 1
		}
		BootstrapState.WithLabelValues(s).Set(v)
	}
}

// RecordSubgraphRequest tracks one outbound call. status is 0 when the
// request never produced a response.
func RecordSubgraphRequest(subgraph string, status int, elapsed time.Duration) {
	SubgraphRequestsTotal.WithLabelValues(subgraph, strconv.Itoa(status)).Inc()
	SubgraphRequestDuration.WithLabelValues(subgraph).Observe(elapsed.Seconds())
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
