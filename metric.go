package event

import (
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/multierr"
)

// Metrics receives instrumentation callbacks from the scheduler components.
// Implementations must be safe for concurrent use.
type Metrics interface {
	// Register attaches all metrics to r. Pass nil to use the default
	// Prometheus registerer.
	Register(r prometheus.Registerer) error

	Transferred()
	Claimed()
	Dispatched()
	Completed()
	Failed()
	Requeued()
	Reaped()
	Skipped()
	ObserveQueueLatency(coldSeconds, hotSeconds float64)
}

var _ Metrics = (*metrics)(nil)

type metrics struct {
	transferred prometheus.Counter
	claimed     prometheus.Counter
	dispatched  prometheus.Counter
	completed   prometheus.Counter
	failed      prometheus.Counter
	requeued    prometheus.Counter
	reaped      prometheus.Counter
	skipped     prometheus.Counter
	coldLatency prometheus.Histogram
	hotLatency  prometheus.Histogram
}

// NewMetric creates the Prometheus-backed Metrics implementation used by
// the Engine. namespace defaults to "scheduler" when empty.
func NewMetric(namespace string) Metrics {
	if namespace == "" {
		namespace = "scheduler"
	}
	return &metrics{
		transferred: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "transferred_total",
			Help: "Entries promoted from cold to hot storage",
		}),
		claimed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "claimed_total",
			Help: "Entries claimed for dispatch by a HotLoop worker",
		}),
		dispatched: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "dispatched_total",
			Help: "Publish attempts made",
		}),
		completed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "completed_total",
			Help: "Entries dispatched successfully",
		}),
		failed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "failed_total",
			Help: "Entries that exhausted their retry budget",
		}),
		requeued: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "requeued_total",
			Help: "Entries requeued after a transient publish failure",
		}),
		reaped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "reaped_total",
			Help: "Stale claims reverted by the reaper",
		}),
		skipped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "skipped_total",
			Help: "Entries dropped as stale past their max delay budget",
		}),
		coldLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Name: "cold_queue_seconds",
			Help:    "Time an entry spent in the cold store before transfer",
			Buckets: prometheus.ExponentialBuckets(1, 2, 16),
		}),
		hotLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Name: "hot_queue_seconds",
			Help:    "Time an entry spent in the hot store before dispatch",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 16),
		}),
	}
}

func (m *metrics) Register(r prometheus.Registerer) error {
	if r == nil {
		r = prometheus.DefaultRegisterer
	}
	var err error
	for _, c := range []prometheus.Collector{
		m.transferred, m.claimed, m.dispatched, m.completed,
		m.failed, m.requeued, m.reaped, m.skipped, m.coldLatency, m.hotLatency,
	} {
		if regErr := r.Register(c); regErr != nil {
			err = multierr.Append(err, regErr)
		}
	}
	return err
}

func (m *metrics) Transferred() { m.transferred.Inc() }
func (m *metrics) Claimed()     { m.claimed.Inc() }
func (m *metrics) Dispatched()  { m.dispatched.Inc() }
func (m *metrics) Completed()   { m.completed.Inc() }
func (m *metrics) Failed()      { m.failed.Inc() }
func (m *metrics) Requeued()    { m.requeued.Inc() }
func (m *metrics) Reaped()      { m.reaped.Inc() }
func (m *metrics) Skipped()     { m.skipped.Inc() }

func (m *metrics) ObserveQueueLatency(coldSeconds, hotSeconds float64) {
	if coldSeconds > 0 {
		m.coldLatency.Observe(coldSeconds)
	}
	if hotSeconds >= 0 {
		m.hotLatency.Observe(hotSeconds)
	}
}

// dummyMetrics is the no-op Metrics used when the caller doesn't configure one.
type dummyMetrics struct{}

func (dummyMetrics) Register(prometheus.Registerer) error       { return nil }
func (dummyMetrics) Transferred()                               {}
func (dummyMetrics) Claimed()                                   {}
func (dummyMetrics) Dispatched()                                {}
func (dummyMetrics) Completed()                                 {}
func (dummyMetrics) Failed()                                    {}
func (dummyMetrics) Requeued()                                  {}
func (dummyMetrics) Reaped()                                    {}
func (dummyMetrics) Skipped()                                   {}
func (dummyMetrics) ObserveQueueLatency(float64, float64)       {}
