package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/rulefleet/rulefleet/pkg/core"
)

// PrometheusCollector implements Collector on a dedicated registry so
// callers control what gets exposed.
type PrometheusCollector struct {
	transitions    *prometheus.CounterVec
	manageDuration *prometheus.HistogramVec
	restarts       *prometheus.CounterVec
	startFailures  *prometheus.CounterVec
	dispatchSkips  *prometheus.CounterVec
	sweepDuration  prometheus.Histogram
	sweepParents   prometheus.Gauge
	queueDepth     prometheus.Gauge
	healthyQueues  prometheus.Gauge

	registry *prometheus.Registry
}

// NewPrometheus builds a collector under the given metric namespace.
func NewPrometheus(namespace string) *PrometheusCollector {
	if namespace == "" {
		namespace = "rulefleet"
	}
	c := &PrometheusCollector{registry: prometheus.NewRegistry()}

	c.transitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "status_transitions_total",
		Help:      "Total parent status transitions",
	}, []string{"parent_type", "from", "to"})

	c.manageDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "manage_duration_seconds",
		Help:      "Duration of management passes",
		Buckets:   prometheus.DefBuckets,
	}, []string{"parent_type", "status"})

	c.restarts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "restarts_total",
		Help:      "Total automatic restarts",
	}, []string{"parent_type"})

	c.startFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "start_failures_total",
		Help:      "Total failed start attempts",
	}, []string{"parent_type", "reason"})

	c.dispatchSkips = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "dispatch_skipped_total",
		Help:      "Dispatch attempts abandoned because the parent lock was held",
	}, []string{"parent_type"})

	c.sweepDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "sweep_duration_seconds",
		Help:      "Duration of periodic monitor sweeps",
		Buckets:   prometheus.DefBuckets,
	})

	c.sweepParents = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "sweep_parents",
		Help:      "Parents visited by the last monitor sweep",
	})

	c.queueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "work_queue_depth",
		Help:      "Current dispatcher work queue depth",
	})

	c.healthyQueues = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "healthy_worker_queues",
		Help:      "Worker queues that passed the last health check",
	})

	c.registry.MustRegister(c.transitions, c.manageDuration, c.restarts,
		c.startFailures, c.dispatchSkips, c.sweepDuration, c.sweepParents,
		c.queueDepth, c.healthyQueues)
	return c
}

// Registry returns the backing registry for HTTP exposition.
func (c *PrometheusCollector) Registry() *prometheus.Registry { return c.registry }

func (c *PrometheusCollector) StatusTransition(pt core.ParentType, from, to core.ProcessStatus) {
	c.transitions.WithLabelValues(string(pt), string(from), string(to)).Inc()
}

func (c *PrometheusCollector) ManageDuration(pt core.ParentType, d time.Duration, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	c.manageDuration.WithLabelValues(string(pt), status).Observe(d.Seconds())
}

func (c *PrometheusCollector) Restart(pt core.ParentType) {
	c.restarts.WithLabelValues(string(pt)).Inc()
}

func (c *PrometheusCollector) StartFailure(pt core.ParentType, reason string) {
	c.startFailures.WithLabelValues(string(pt), reason).Inc()
}

func (c *PrometheusCollector) DispatchSkipped(pt core.ParentType) {
	c.dispatchSkips.WithLabelValues(string(pt)).Inc()
}

func (c *PrometheusCollector) SweepDuration(d time.Duration, parents int) {
	c.sweepDuration.Observe(d.Seconds())
	c.sweepParents.Set(float64(parents))
}

func (c *PrometheusCollector) WorkQueueDepth(depth int) {
	c.queueDepth.Set(float64(depth))
}

func (c *PrometheusCollector) HealthyQueues(n int) {
	c.healthyQueues.Set(float64(n))
}

var _ Collector = (*PrometheusCollector)(nil)
