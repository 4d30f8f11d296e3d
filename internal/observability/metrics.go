package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "simrunner"

// Metrics holds the Prometheus collectors for job supervision and event delivery.
type Metrics struct {
	JobsStarted  prometheus.Counter
	JobsFinished *prometheus.CounterVec // labels: phase={completed,failed}
	JobsRunning  prometheus.Gauge
	RunDuration  prometheus.Histogram

	// Event pipeline.
	EventsPublished     *prometheus.CounterVec // labels: kind
	ClassificationDrops *prometheus.CounterVec // labels: rule
	Subscribers         prometheus.Gauge
	SubscriberDrops     prometheus.Counter

	// Mirrors.
	MirrorDrops  *prometheus.CounterVec // labels: sink={kafka,redis}
	MirrorErrors *prometheus.CounterVec // labels: sink={kafka,redis}

	LogsPruned prometheus.Counter
}

// NewMetrics creates all collectors and registers them with reg. A nil
// reg leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		JobsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_started_total",
			Help:      "Total calculations spawned.",
		}),
		JobsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_finished_total",
			Help:      "Total calculations which reached a terminal phase.",
		}, []string{"phase"}),
		JobsRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "jobs_running",
			Help:      "Calculations currently in progress.",
		}),
		RunDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "run_duration_seconds",
			Help:      "Wall clock duration of a calculation process.",
			Buckets:   []float64{1, 10, 60, 300, 900, 1800, 3600, 7200, 14400, 28800},
		}),
		EventsPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_published_total",
			Help:      "Job events published by kind.",
		}, []string{"kind"}),
		ClassificationDrops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "classification_drops_total",
			Help:      "Output lines matched by a rule but rejected by its validation.",
		}, []string{"rule"}),
		Subscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "subscribers",
			Help:      "Live event subscriptions.",
		}),
		SubscriberDrops: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "subscriber_drops_total",
			Help:      "Events discarded from full subscriber queues.",
		}),
		MirrorDrops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "mirror_drops_total",
			Help:      "Events discarded from full mirror queues.",
		}, []string{"sink"}),
		MirrorErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "mirror_errors_total",
			Help:      "Events a mirror failed to deliver.",
		}, []string{"sink"}),
		LogsPruned: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "logs_pruned_total",
			Help:      "Calculation logs removed by retention.",
		}),
	}

	if reg != nil {
		reg.MustRegister(
			m.JobsStarted,
			m.JobsFinished,
			m.JobsRunning,
			m.RunDuration,
			m.EventsPublished,
			m.ClassificationDrops,
			m.Subscribers,
			m.SubscriberDrops,
			m.MirrorDrops,
			m.MirrorErrors,
			m.LogsPruned,
		)
	}

	return m
}

// NewMetricsForTesting creates unregistered Metrics to avoid
// "already registered" panics when called from multiple tests.
func NewMetricsForTesting() *Metrics {
	return NewMetrics(nil)
}
