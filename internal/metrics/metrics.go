package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// RelayMetrics exposes counters/histograms for the relay flow.
type RelayMetrics struct {
	updatesTotal      *prometheus.CounterVec
	completionsTotal  *prometheus.CounterVec
	completionLatency prometheus.Histogram
	repliesTotal      *prometheus.CounterVec
	pollErrorsTotal   prometheus.Counter
	panicsTotal       prometheus.Counter
}

func NewRelayMetrics(reg prometheus.Registerer) *RelayMetrics {
	m := &RelayMetrics{
		updatesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "relaybot",
			Subsystem: "relay",
			Name:      "updates_total",
			Help:      "Inbound updates by handler kind",
		}, []string{"kind"}),
		completionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "relaybot",
			Subsystem: "relay",
			Name:      "completions_total",
			Help:      "Completion requests by outcome",
		}, []string{"status"}),
		completionLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "relaybot",
			Subsystem: "relay",
			Name:      "completion_latency_seconds",
			Help:      "Latency of completion requests",
			Buckets:   []float64{0.25, 0.5, 1, 2, 4, 8, 16, 32, 64},
		}),
		repliesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "relaybot",
			Subsystem: "relay",
			Name:      "replies_total",
			Help:      "Outbound messages by delivery outcome",
		}, []string{"status"}),
		pollErrorsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "relaybot",
			Subsystem: "dispatcher",
			Name:      "poll_errors_total",
			Help:      "Failed getUpdates calls",
		}),
		panicsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "relaybot",
			Subsystem: "dispatcher",
			Name:      "handler_panics_total",
			Help:      "Recovered panics in update handlers",
		}),
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(
		m.updatesTotal,
		m.completionsTotal,
		m.completionLatency,
		m.repliesTotal,
		m.pollErrorsTotal,
		m.panicsTotal,
	)
	return m
}

func (m *RelayMetrics) ObserveUpdate(kind string) {
	if m == nil {
		return
	}
	m.updatesTotal.WithLabelValues(kind).Inc()
}

func (m *RelayMetrics) ObserveCompletion(status string, seconds float64) {
	if m == nil {
		return
	}
	m.completionsTotal.WithLabelValues(status).Inc()
	m.completionLatency.Observe(seconds)
}

func (m *RelayMetrics) ObserveReply(delivered bool) {
	if m == nil {
		return
	}
	status := "failed"
	if delivered {
		status = "sent"
	}
	m.repliesTotal.WithLabelValues(status).Inc()
}

func (m *RelayMetrics) ObservePollError() {
	if m == nil {
		return
	}
	m.pollErrorsTotal.Inc()
}

func (m *RelayMetrics) ObservePanic() {
	if m == nil {
		return
	}
	m.panicsTotal.Inc()
}

// Handler serves the given gatherer in the Prometheus text format.
func Handler(g prometheus.Gatherer) http.Handler {
	if g == nil {
		g = prometheus.DefaultGatherer
	}
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
