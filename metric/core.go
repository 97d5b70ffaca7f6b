package metric

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "eventpub"

// Core contains the subsystem-level metrics shared by every component.
type Core struct {
	// Publish metrics
	PublishesTotal  *prometheus.CounterVec
	DuplicatesTotal *prometheus.CounterVec
	PublishLatency  *prometheus.HistogramVec

	// Dispatch metrics
	DispatchTotal *prometheus.CounterVec

	// Pool metrics
	PoolConnections *prometheus.GaugeVec
	PoolHealthy     *prometheus.GaugeVec

	// Durable queue metrics
	QueueDepth *prometheus.GaugeVec

	// Drain worker pool metrics
	WorkerQueueDepth  *prometheus.GaugeVec
	WorkerUtilization *prometheus.GaugeVec
	WorkerTasks       *prometheus.GaugeVec
}

// NewCore creates the core metric instruments.
func NewCore() *Core {
	return &Core{
		PublishesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "publish",
				Name:      "total",
				Help:      "Total publish attempts by config, mode, and outcome",
			},
			[]string{"config", "mode", "status"},
		),

		DuplicatesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "publish",
				Name:      "duplicates_total",
				Help:      "Durable publishes deduplicated by the broker",
			},
			[]string{"config"},
		),

		PublishLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "publish",
				Name:      "duration_seconds",
				Help:      "Publish round-trip duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"config", "mode"},
		),

		DispatchTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "dispatch",
				Name:      "total",
				Help:      "Hybrid dispatch path outcomes",
			},
			[]string{"path", "status"},
		),

		PoolConnections: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "pool",
				Name:      "connections",
				Help:      "Configured connections per pool",
			},
			[]string{"config"},
		),

		PoolHealthy: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "pool",
				Name:      "healthy_connections",
				Help:      "Currently healthy connections per pool",
			},
			[]string{"config"},
		),

		QueueDepth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "queue",
				Name:      "depth",
				Help:      "Rows awaiting delivery in the durable queue",
			},
			[]string{"status"},
		),

		WorkerQueueDepth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "worker",
				Name:      "queue_depth",
				Help:      "Tasks waiting in the worker pool queue",
			},
			[]string{"pool"},
		),

		WorkerUtilization: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "worker",
				Name:      "queue_utilization",
				Help:      "Fraction of the worker pool queue in use",
			},
			[]string{"pool"},
		),

		WorkerTasks: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "worker",
				Name:      "tasks",
				Help:      "Cumulative task counts by pool and state",
			},
			[]string{"pool", "state"},
		),
	}
}

func (c *Core) register(reg *prometheus.Registry) {
	reg.MustRegister(
		c.PublishesTotal,
		c.DuplicatesTotal,
		c.PublishLatency,
		c.DispatchTotal,
		c.PoolConnections,
		c.PoolHealthy,
		c.QueueDepth,
		c.WorkerQueueDepth,
		c.WorkerUtilization,
		c.WorkerTasks,
	)
}

// RecordPublish increments the publish counter and latency histogram.
func (c *Core) RecordPublish(configName, mode string, err error, latency time.Duration) {
	status := "success"
	if err != nil {
		status = "error"
	}
	c.PublishesTotal.WithLabelValues(configName, mode, status).Inc()
	c.PublishLatency.WithLabelValues(configName, mode).Observe(latency.Seconds())
}

// RecordDuplicate increments the broker dedup counter.
func (c *Core) RecordDuplicate(configName string) {
	c.DuplicatesTotal.WithLabelValues(configName).Inc()
}

// RecordDispatch increments a dispatch path outcome.
func (c *Core) RecordDispatch(path string, success bool) {
	status := "success"
	if !success {
		status = "error"
	}
	c.DispatchTotal.WithLabelValues(path, status).Inc()
}

// RecordPoolHealth updates the pool gauges.
func (c *Core) RecordPoolHealth(configName string, healthy, total int) {
	c.PoolConnections.WithLabelValues(configName).Set(float64(total))
	c.PoolHealthy.WithLabelValues(configName).Set(float64(healthy))
}

// SetQueueDepth updates the queue depth gauge for one status.
func (c *Core) SetQueueDepth(status string, depth int) {
	c.QueueDepth.WithLabelValues(status).Set(float64(depth))
}

// RecordWorkerPool updates the worker pool gauges from a stats snapshot.
func (c *Core) RecordWorkerPool(pool string, depth, size int, submitted, processed, failed, dropped int64) {
	c.WorkerQueueDepth.WithLabelValues(pool).Set(float64(depth))
	if size > 0 {
		c.WorkerUtilization.WithLabelValues(pool).Set(float64(depth) / float64(size))
	}
	c.WorkerTasks.WithLabelValues(pool, "submitted").Set(float64(submitted))
	c.WorkerTasks.WithLabelValues(pool, "processed").Set(float64(processed))
	c.WorkerTasks.WithLabelValues(pool, "failed").Set(float64(failed))
	c.WorkerTasks.WithLabelValues(pool, "dropped").Set(float64(dropped))
}
