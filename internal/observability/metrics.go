package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the Prometheus registry and the broker/session meters.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	Registry          *prometheus.Registry
	OperationDuration *prometheus.HistogramVec
	OperationTotal    *prometheus.CounterVec
	ErrorsTotal       *prometheus.CounterVec
	SessionsOpen      prometheus.Gauge
	XAOutcomes        *prometheus.CounterVec
	Deliveries        *prometheus.CounterVec
}

// NewMetrics creates a registry with the standard arc-session metrics.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		Registry: reg,
		OperationDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "arc_session_operation_duration_seconds",
			Help:    "Duration of session and broker operations in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"operation", "status"}),
		OperationTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "arc_session_operation_total",
			Help: "Total number of session and broker operations.",
		}, []string{"operation", "status"}),
		ErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "arc_session_errors_total",
			Help: "Total number of failed operations by error type.",
		}, []string{"operation", "type"}),
		SessionsOpen: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "arc_session_sessions_open",
			Help: "Number of sessions currently open.",
		}),
		XAOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "arc_session_xa_outcomes_total",
			Help: "Completed XA branches by outcome.",
		}, []string{"outcome"}),
		Deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "arc_session_deliveries_total",
			Help: "Message deliveries by result (delivered, acked, requeued).",
		}, []string{"result"}),
	}

	reg.MustRegister(m.OperationDuration, m.OperationTotal, m.ErrorsTotal,
		m.SessionsOpen, m.XAOutcomes, m.Deliveries)
	return m
}

// Observe records one finished operation.
func (m *Metrics) Observe(operation, status string, seconds float64) {
	if m == nil {
		return
	}
	m.OperationDuration.WithLabelValues(operation, status).Observe(seconds)
	m.OperationTotal.WithLabelValues(operation, status).Inc()
}

// Error counts a failure of operation classified as typ.
func (m *Metrics) Error(operation, typ string) {
	if m == nil {
		return
	}
	m.ErrorsTotal.WithLabelValues(operation, typ).Inc()
}

// SessionOpened increments the open session gauge.
func (m *Metrics) SessionOpened() {
	if m != nil {
		m.SessionsOpen.Inc()
	}
}

// SessionClosed decrements the open session gauge.
func (m *Metrics) SessionClosed() {
	if m != nil {
		m.SessionsOpen.Dec()
	}
}

// XAOutcome counts a completed branch ("commit", "rollback", "read-only",
// "heuristic-commit", "heuristic-rollback", "forget").
func (m *Metrics) XAOutcome(outcome string) {
	if m != nil {
		m.XAOutcomes.WithLabelValues(outcome).Inc()
	}
}

// Delivery counts a delivery event.
func (m *Metrics) Delivery(result string) {
	if m != nil {
		m.Deliveries.WithLabelValues(result).Inc()
	}
}
