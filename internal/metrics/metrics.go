// Package metrics holds the gateway's Prometheus collectors.
package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

// LatencyBuckets spans quick listing calls up to long generations.
var LatencyBuckets = []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60, 120}

var (
	// RequestsTotal counts HTTP requests by route, method and status class.
	RequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_requests_total",
			Help: "Total requests",
		},
		[]string{"route", "method", "status"},
	)

	RequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "gateway_request_duration_seconds",
			Help:    "Request duration",
			Buckets: LatencyBuckets,
		},
		[]string{"route", "method"},
	)

	// StreamingConnections tracks open SSE responses.
	StreamingConnections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "gateway_streaming_connections_active",
			Help: "Active streaming connections",
		},
	)

	StreamChunksTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "gateway_stream_chunks_total",
			Help: "SSE chunks written to clients",
		},
	)

	// BackendRequestsTotal counts Gemini calls by operation and outcome.
	BackendRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_backend_requests_total",
			Help: "Backend requests",
		},
		[]string{"operation", "status"},
	)

	BackendLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "gateway_backend_latency_seconds",
			Help:    "Backend latency",
			Buckets: LatencyBuckets,
		},
		[]string{"operation"},
	)

	// TokensTotal counts tokens reported by the backend, by direction (input/output/reasoning).
	TokensTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_tokens_total",
			Help: "Token count",
		},
		[]string{"direction"},
	)

	// UnknownToolCallsTotal counts model tool calls naming a tool the request did not declare.
	UnknownToolCallsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "gateway_unknown_tool_calls_total",
			Help: "Tool calls to undeclared tools",
		},
	)
)

func init() {
	prometheus.MustRegister(
		RequestsTotal,
		RequestDuration,
		StreamingConnections,
		StreamChunksTotal,
		BackendRequestsTotal,
		BackendLatency,
		TokensTotal,
		UnknownToolCallsTotal,
	)
}

// StatusClass buckets an HTTP status as "2xx", "4xx" and so on.
func StatusClass(code int) string {
	if code < 100 || code > 599 {
		return "unknown"
	}
	return strconv.Itoa(code/100) + "xx"
}

// ObserveTokens adds backend-reported token counts. Zero counts are skipped.
func ObserveTokens(input, output, reasoning int32) {
	for direction, n := range map[string]int32{"input": input, "output": output, "reasoning": reasoning} {
		if n > 0 {
			TokensTotal.WithLabelValues(direction).Add(float64(n))
		}
	}
}
