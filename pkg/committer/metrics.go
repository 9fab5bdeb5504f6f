package committer

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/hashicorp-forge/hermes-committer/pkg/queue"
)

const metricsNamespace = "hermes_committer"

// Metrics holds the committer's Prometheus collectors.
type Metrics struct {
	QueueDepth    prometheus.Gauge
	Enqueued      *prometheus.CounterVec
	Flushed       *prometheus.CounterVec
	FlushFailures *prometheus.CounterVec
	FlushDuration prometheus.Histogram
}

// NewMetrics creates the collectors and registers them with reg when reg is
// not nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "queue_depth",
			Help:      "Number of operations waiting in the queue.",
		}),
		Enqueued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "enqueued_total",
			Help:      "Operations durably enqueued, by kind.",
		}, []string{"kind"}),
		Flushed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "flushed_total",
			Help:      "Operations committed to the backend, by kind.",
		}, []string{"kind"}),
		FlushFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "flush_failures_total",
			Help:      "Failed flushes, by failure class.",
		}, []string{"class"}),
		FlushDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "flush_duration_seconds",
			Help:      "Duration of a single batch flush.",
			Buckets:   prometheus.DefBuckets,
		}),
	}

	if reg != nil {
		reg.MustRegister(m.QueueDepth, m.Enqueued, m.Flushed, m.FlushFailures, m.FlushDuration)
	}
	return m
}

func (m *Metrics) observeEnqueue(kind queue.Kind, depth int) {
	m.Enqueued.WithLabelValues(string(kind)).Inc()
	m.QueueDepth.Set(float64(depth))
}

func (m *Metrics) observeFlush(res FlushResult, depth int, seconds float64) {
	m.Flushed.WithLabelValues(string(queue.KindAdd)).Add(float64(res.Adds))
	m.Flushed.WithLabelValues(string(queue.KindDelete)).Add(float64(res.Deletes))
	m.FlushDuration.Observe(seconds)
	m.QueueDepth.Set(float64(depth))
}

func (m *Metrics) observeFailure(err error) {
	m.FlushFailures.WithLabelValues(classify(err)).Inc()
}
