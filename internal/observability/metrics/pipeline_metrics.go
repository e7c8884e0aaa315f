package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Breaker state values exported by the breaker state gauge.
const (
	BreakerStateClosed   = 0
	BreakerStateHalfOpen = 1
	BreakerStateOpen     = 2
)

// PipelineMetrics tracks queue throughput and circuit breaker health.
type PipelineMetrics struct {
	queueEnqueued     *prometheus.CounterVec
	queueDequeued     *prometheus.CounterVec
	queueAcked        *prometheus.CounterVec
	queueNacked       *prometheus.CounterVec
	queueDeferred     *prometheus.CounterVec
	queueDeadLettered *prometheus.CounterVec
	queueEnqueueFail  *prometheus.CounterVec
	consumerBackoff   *prometheus.HistogramVec
	breakerState      *prometheus.GaugeVec
	breakerTransition *prometheus.CounterVec
	breakerRejected   *prometheus.CounterVec
}

var (
	pipelineMetricsOnce sync.Once
	pipelineMetrics     *PipelineMetrics
)

// Pipeline returns the singleton pipeline metrics registry.
func Pipeline() *PipelineMetrics {
	return PipelineWithConfig(Config{})
}

// PipelineWithConfig returns the singleton pipeline metrics registry using config labels.
func PipelineWithConfig(cfg Config) *PipelineMetrics {
	pipelineMetricsOnce.Do(func() {
		pipelineMetrics = newPipelineMetrics(prometheus.DefaultRegisterer, cfg)
	})
	return pipelineMetrics
}

// NewPipelineMetricsForTest builds pipeline metrics against a private registry.
func NewPipelineMetricsForTest(registerer prometheus.Registerer) *PipelineMetrics {
	return newPipelineMetrics(registerer, Config{Environment: "test"})
}

func newPipelineMetrics(registerer prometheus.Registerer, cfg Config) *PipelineMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	labels := constLabels(cfg)

	m := &PipelineMetrics{
		queueEnqueued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "movepoint_queue_enqueued_total",
			Help:        "Messages enqueued per queue.",
			ConstLabels: labels,
		}, []string{"queue"}),
		queueDequeued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "movepoint_queue_dequeued_total",
			Help:        "Messages handed to consumers per queue.",
			ConstLabels: labels,
		}, []string{"queue"}),
		queueAcked: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "movepoint_queue_acked_total",
			Help:        "Messages acknowledged per queue.",
			ConstLabels: labels,
		}, []string{"queue"}),
		queueNacked: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "movepoint_queue_nacked_total",
			Help:        "Messages returned for redelivery per queue.",
			ConstLabels: labels,
		}, []string{"queue"}),
		queueDeferred: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "movepoint_queue_deferred_total",
			Help:        "Messages parked until a dependency accepts calls again, without spending a delivery.",
			ConstLabels: labels,
		}, []string{"queue"}),
		queueDeadLettered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "movepoint_queue_dead_lettered_total",
			Help:        "Messages moved to the dead-letter list after exhausting deliveries.",
			ConstLabels: labels,
		}, []string{"queue"}),
		queueEnqueueFail: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "movepoint_queue_enqueue_failures_total",
			Help:        "Enqueue attempts that failed.",
			ConstLabels: labels,
		}, []string{"queue"}),
		consumerBackoff: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:        "movepoint_queue_consumer_backoff_seconds",
			Help:        "Backoff applied by consumers after dequeue failures.",
			Buckets:     []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
			ConstLabels: labels,
		}, []string{"queue"}),
		breakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name:        "movepoint_circuit_breaker_state",
			Help:        "Circuit breaker state per service (0 closed, 1 half-open, 2 open).",
			ConstLabels: labels,
		}, []string{"service"}),
		breakerTransition: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "movepoint_circuit_breaker_transitions_total",
			Help:        "Circuit breaker state transitions.",
			ConstLabels: labels,
		}, []string{"service", "from", "to"}),
		breakerRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "movepoint_circuit_breaker_rejected_total",
			Help:        "Calls short-circuited by an open breaker.",
			ConstLabels: labels,
		}, []string{"service"}),
	}

	registerer.MustRegister(
		m.queueEnqueued,
		m.queueDequeued,
		m.queueAcked,
		m.queueNacked,
		m.queueDeferred,
		m.queueDeadLettered,
		m.queueEnqueueFail,
		m.consumerBackoff,
		m.breakerState,
		m.breakerTransition,
		m.breakerRejected,
	)
	return m
}

func (m *PipelineMetrics) IncEnqueued(queue string) {
	if m == nil {
		return
	}
	m.queueEnqueued.WithLabelValues(queue).Inc()
}

func (m *PipelineMetrics) IncEnqueueFailure(queue string) {
	if m == nil {
		return
	}
	m.queueEnqueueFail.WithLabelValues(queue).Inc()
}

func (m *PipelineMetrics) IncDequeued(queue string) {
	if m == nil {
		return
	}
	m.queueDequeued.WithLabelValues(queue).Inc()
}

func (m *PipelineMetrics) IncAcked(queue string) {
	if m == nil {
		return
	}
	m.queueAcked.WithLabelValues(queue).Inc()
}

func (m *PipelineMetrics) IncNacked(queue string) {
	if m == nil {
		return
	}
	m.queueNacked.WithLabelValues(queue).Inc()
}

func (m *PipelineMetrics) IncDeferred(queue string) {
	if m == nil {
		return
	}
	m.queueDeferred.WithLabelValues(queue).Inc()
}

func (m *PipelineMetrics) IncDeadLettered(queue string) {
	if m == nil {
		return
	}
	m.queueDeadLettered.WithLabelValues(queue).Inc()
}

// ObserveConsumerBackoff records the sleep a consumer takes after a failed dequeue.
func (m *PipelineMetrics) ObserveConsumerBackoff(queue string, seconds float64) {
	if m == nil {
		return
	}
	m.consumerBackoff.WithLabelValues(queue).Observe(seconds)
}

// SetBreakerState records the current state and, when it changed, the transition.
func (m *PipelineMetrics) SetBreakerState(service, from, to string, value float64) {
	if m == nil {
		return
	}
	m.breakerState.WithLabelValues(service).Set(value)
	if from != "" && from != to {
		m.breakerTransition.WithLabelValues(service, from, to).Inc()
	}
}

func (m *PipelineMetrics) IncBreakerRejected(service string) {
	if m == nil {
		return
	}
	m.breakerRejected.WithLabelValues(service).Inc()
}
