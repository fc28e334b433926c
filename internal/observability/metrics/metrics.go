package metrics

import "github.com/prometheus/client_golang/prometheus"

// RelayMetrics exposes counters/histograms for the outbox relay.
type RelayMetrics struct {
	dispatchTotal *prometheus.CounterVec
	fetchErrors   *prometheus.CounterVec
	writeErrors   *prometheus.CounterVec
	cycleDuration prometheus.Histogram
	sessionReady  prometheus.Gauge
}

func NewRelayMetrics(reg prometheus.Registerer) *RelayMetrics {
	m := &RelayMetrics{
		dispatchTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kargo",
			Subsystem: "relay",
			Name:      "dispatch_total",
			Help:      "Total outbound WhatsApp dispatch attempts",
		}, []string{"kind", "outcome", "reason"}),
		fetchErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kargo",
			Subsystem: "relay",
			Name:      "fetch_errors_total",
			Help:      "Failed reads of pending records",
		}, []string{"kind"}),
		writeErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kargo",
			Subsystem: "relay",
			Name:      "writeback_errors_total",
			Help:      "Failed status write-backs",
		}, []string{"kind"}),
		cycleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "kargo",
			Subsystem: "relay",
			Name:      "cycle_duration_seconds",
			Help:      "Duration of one poll cycle over both record kinds",
			Buckets:   prometheus.DefBuckets,
		}),
		sessionReady: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "kargo",
			Subsystem: "relay",
			Name:      "session_ready",
			Help:      "1 while the WhatsApp session is linked and ready",
		}),
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(m.dispatchTotal, m.fetchErrors, m.writeErrors, m.cycleDuration, m.sessionReady)
	return m
}

func (m *RelayMetrics) ObserveDispatch(kind, outcome, reason string) {
	if m == nil {
		return
	}
	m.dispatchTotal.WithLabelValues(kind, outcome, reason).Inc()
}

func (m *RelayMetrics) ObserveFetchError(kind string) {
	if m == nil {
		return
	}
	m.fetchErrors.WithLabelValues(kind).Inc()
}

func (m *RelayMetrics) ObserveWriteError(kind string) {
	if m == nil {
		return
	}
	m.writeErrors.WithLabelValues(kind).Inc()
}

func (m *RelayMetrics) ObserveCycle(seconds float64) {
	if m == nil {
		return
	}
	m.cycleDuration.Observe(seconds)
}

func (m *RelayMetrics) SetSessionReady(ready bool) {
	if m == nil {
		return
	}
	if ready {
		m.sessionReady.Set(1)
		return
	}
	m.sessionReady.Set(0)
}
