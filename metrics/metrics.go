package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "playground"

// Rejection reasons
const (
	RejectOverloaded  = "overloaded"
	RejectRateLimited = "rate_limited"
	RejectClosed      = "closed"
)

// Metrics holds the execution service collectors. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	ExecutionsTotal   *prometheus.CounterVec
	ExecutionDuration *prometheus.HistogramVec
	QueueWait         prometheus.Histogram
	QueueDepth        prometheus.Gauge
	RunningSlots      prometheus.Gauge
	TruncatedTotal    prometheus.Counter
	RejectionsTotal   *prometheus.CounterVec
}

// New creates the collectors and registers them with reg
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		ExecutionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "executions_total",
				Help:      "Total number of code executions",
			},
			[]string{"language", "status"},
		),
		ExecutionDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "execution_duration_ms",
				Help:      "Execution duration in milliseconds",
				Buckets:   []float64{50, 100, 250, 500, 1000, 2500, 5000, 10000},
			},
			[]string{"language"},
		),
		QueueWait: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "queue_wait_ms",
				Help:      "Time a request waited for an execution slot in milliseconds",
				Buckets:   []float64{1, 10, 50, 100, 500, 1000, 5000},
			},
		),
		QueueDepth: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "queue_depth",
				Help:      "Current number of requests waiting for a slot",
			},
		),
		RunningSlots: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "running_executions",
				Help:      "Number of execution slots currently held",
			},
		),
		TruncatedTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "output_truncated_total",
				Help:      "Total number of executions whose output hit the cap",
			},
		),
		RejectionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rejections_total",
				Help:      "Total number of requests rejected before execution",
			},
			[]string{"reason"},
		),
	}
}

// ObserveExecution records one finished execution
func (m *Metrics) ObserveExecution(language, status string, duration time.Duration, truncated bool) {
	if m == nil {
		return
	}
	m.ExecutionsTotal.WithLabelValues(language, status).Inc()
	m.ExecutionDuration.WithLabelValues(language).Observe(float64(duration.Milliseconds()))
	if truncated {
		m.TruncatedTotal.Inc()
	}
}

// ObserveQueueWait records how long a request waited before dispatch
func (m *Metrics) ObserveQueueWait(wait time.Duration) {
	if m == nil {
		return
	}
	m.QueueWait.Observe(float64(wait.Milliseconds()))
}

// SetOccupancy publishes the current queue depth and running count
func (m *Metrics) SetOccupancy(queued, running int) {
	if m == nil {
		return
	}
	m.QueueDepth.Set(float64(queued))
	m.RunningSlots.Set(float64(running))
}

// Rejected counts a request turned away for reason
func (m *Metrics) Rejected(reason string) {
	if m == nil {
		return
	}
	m.RejectionsTotal.WithLabelValues(reason).Inc()
}
