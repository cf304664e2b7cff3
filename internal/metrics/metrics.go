// Package metrics provides Prometheus instrumentation for the gateway.
// It exposes gauges for active downstream sessions, counters for command
// and directive throughput, and a histogram for correlated-reply latency.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ActiveSessions tracks the current number of downstream connections.
	ActiveSessions = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "gateway_active_sessions",
		Help: "Current number of active downstream sessions",
	})

	// CommandsTotal counts downstream commands processed, labeled by command
	// keyword ("IDENTIFY", "GETACCESS", ...) and outcome ("ok", "denied",
	// "malformed", "killed").
	CommandsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_commands_total",
		Help: "Total number of downstream commands processed",
	}, []string{"command", "outcome"})

	// UpstreamQueriesTotal counts correlated requests sent to the lobby server.
	UpstreamQueriesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "gateway_upstream_queries_total",
		Help: "Total number of correlated requests sent upstream",
	})

	// ReplyLatency records the time between sending a correlated request and
	// receiving its reply, in seconds.
	ReplyLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "gateway_reply_latency_seconds",
		Help:    "Correlated upstream reply latency in seconds",
		Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
	})

	// MutesTotal counts mute directives issued by the abuse engine.
	MutesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "gateway_mutes_total",
		Help: "Total number of mute directives issued",
	})

	// KicksTotal counts kick directives issued by the abuse engine.
	KicksTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "gateway_kicks_total",
		Help: "Total number of kick directives issued",
	})
)

func init() {
	prometheus.MustRegister(
		ActiveSessions,
		CommandsTotal,
		UpstreamQueriesTotal,
		ReplyLatency,
		MutesTotal,
		KicksTotal,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
