// Package metrics defines the Prometheus collectors exposed by the relay.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var startTime = time.Now()

var (
	SessionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "airelay_sessions_total",
			Help: "Relay sessions by provider and outcome",
		},
		[]string{"provider", "status"},
	)

	TimeToFirstDelta = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "airelay_time_to_first_delta_seconds",
			Help:    "Time from dispatch to the first forwarded delta",
			Buckets: []float64{.1, .25, .5, 1, 2.5, 5, 10, 20, 30, 60},
		},
		[]string{"provider"},
	)

	SessionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "airelay_session_duration_seconds",
			Help:    "Total time taken by a relay session",
			Buckets: []float64{.5, 1, 2.5, 5, 10, 20, 30, 60, 120, 300},
		},
		[]string{"provider"},
	)

	DeltasTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "airelay_deltas_total",
			Help: "Text deltas forwarded to clients",
		},
		[]string{"provider"},
	)

	ParseFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "airelay_stream_parse_failures_total",
			Help: "Malformed stream events skipped",
		},
		[]string{"provider"},
	)

	InflightSessions = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "airelay_inflight_sessions",
			Help: "Relay sessions currently in progress",
		},
		[]string{"provider"},
	)

	WSConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "airelay_ws_connections",
			Help: "Open websocket connections",
		},
	)

	InboundRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "airelay_inbound_rejections_total",
			Help: "Inbound messages or attachments dropped before dispatch",
		},
		[]string{"reason"},
	)

	_ = promauto.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "airelay_uptime_seconds",
			Help: "Seconds since process start",
		},
		func() float64 { return time.Since(startTime).Seconds() },
	)
)

// Handler serves the default registry in the Prometheus exposition format.
func Handler() http.Handler {
	return promhttp.Handler()
}
