package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "remedyforge"

// Metrics holds Prometheus metrics for RemedyForge. All recording methods
// are safe on a nil receiver so components can run without metrics.
type Metrics struct {
	// Evaluation metrics
	Evaluations        *prometheus.CounterVec
	EvaluationDuration *prometheus.HistogramVec
	InventoryRetries   *prometheus.CounterVec

	// Verdict store metrics
	Transitions *prometheus.CounterVec
	Emissions   *prometheus.CounterVec

	// Routing metrics
	Dispatches *prometheus.CounterVec
	QueueDepth prometheus.Gauge

	// Remediation metrics
	Remediations        *prometheus.CounterVec
	RemediationDuration *prometheus.HistogramVec

	// Sink metrics
	Notifications     *prometheus.CounterVec
	FindingsSubmitted *prometheus.CounterVec

	// Bus metrics
	BusMessages *prometheus.CounterVec

	// API metrics
	RequestsTotal *prometheus.CounterVec
}

// NewMetrics registers the RemedyForge metrics with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		Evaluations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "evaluations_total",
				Help:      "Total rule evaluations by rule and verdict status",
			},
			[]string{"rule", "status"},
		),
		EvaluationDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "evaluation_duration_seconds",
				Help:      "Rule evaluation duration including inventory fetch",
				Buckets:   prometheus.ExponentialBuckets(0.01, 2, 10),
			},
			[]string{"rule"},
		),
		InventoryRetries: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "inventory_retries_total",
				Help:      "Inventory fetch retries by resource type",
			},
			[]string{"resource_type"},
		),
		Transitions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "transitions_total",
				Help:      "Verdict status transitions recorded",
			},
			[]string{"rule", "new_status"},
		),
		Emissions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "change_events_emitted_total",
				Help:      "Compliance-change events emitted by outcome",
			},
			[]string{"status"},
		),
		Dispatches: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "dispatches_total",
				Help:      "Routed dispatches by routing rule and target",
			},
			[]string{"route", "target"},
		),
		QueueDepth: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "dispatch_queue_depth",
				Help:      "Dispatches waiting for a worker",
			},
		),
		Remediations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "remediations_total",
				Help:      "Remediation outcomes by action and result",
			},
			[]string{"action", "result"},
		),
		RemediationDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "remediation_duration_seconds",
				Help:      "Remediation attempt duration by action",
				Buckets:   prometheus.ExponentialBuckets(0.05, 2, 10),
			},
			[]string{"action"},
		),
		Notifications: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "notifications_total",
				Help:      "Notifications by delivery status",
			},
			[]string{"status"},
		),
		FindingsSubmitted: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "findings_submitted_total",
				Help:      "Findings submitted to the aggregator by item status",
			},
			[]string{"status"},
		),
		BusMessages: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "bus_messages_total",
				Help:      "Bus messages consumed by outcome",
			},
			[]string{"outcome"},
		),
		RequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
	}
}

// ObserveEvaluation records one evaluation.
func (m *Metrics) ObserveEvaluation(rule, status string, took time.Duration) {
	if m == nil {
		return
	}
	m.Evaluations.WithLabelValues(rule, status).Inc()
	m.EvaluationDuration.WithLabelValues(rule).Observe(took.Seconds())
}

// IncInventoryRetry records one inventory fetch retry.
func (m *Metrics) IncInventoryRetry(resourceType string) {
	if m == nil {
		return
	}
	m.InventoryRetries.WithLabelValues(resourceType).Inc()
}

// IncTransition records one verdict status transition.
func (m *Metrics) IncTransition(rule, newStatus string) {
	if m == nil {
		return
	}
	m.Transitions.WithLabelValues(rule, newStatus).Inc()
}

// IncEmission records one change event emission attempt.
func (m *Metrics) IncEmission(status string) {
	if m == nil {
		return
	}
	m.Emissions.WithLabelValues(status).Inc()
}

// IncDispatch records one routed dispatch.
func (m *Metrics) IncDispatch(route, target string) {
	if m == nil {
		return
	}
	m.Dispatches.WithLabelValues(route, target).Inc()
}

// SetQueueDepth records the dispatch backlog.
func (m *Metrics) SetQueueDepth(n int) {
	if m == nil {
		return
	}
	m.QueueDepth.Set(float64(n))
}

// ObserveRemediation records one remediation outcome.
func (m *Metrics) ObserveRemediation(action, result string, took time.Duration) {
	if m == nil {
		return
	}
	m.Remediations.WithLabelValues(action, result).Inc()
	m.RemediationDuration.WithLabelValues(action).Observe(took.Seconds())
}

// IncNotification records one notification delivery status.
func (m *Metrics) IncNotification(status string) {
	if m == nil {
		return
	}
	m.Notifications.WithLabelValues(status).Inc()
}

// AddFindings records aggregator item statuses.
func (m *Metrics) AddFindings(status string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.FindingsSubmitted.WithLabelValues(status).Add(float64(n))
}

// IncBusMessage records one consumed bus message.
func (m *Metrics) IncBusMessage(outcome string) {
	if m == nil {
		return
	}
	m.BusMessages.WithLabelValues(outcome).Inc()
}

// IncRequest records one HTTP request.
func (m *Metrics) IncRequest(method, path, status string) {
	if m == nil {
		return
	}
	m.RequestsTotal.WithLabelValues(method, path, status).Inc()
}
