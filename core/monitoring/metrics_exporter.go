package monitoring

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"ml-orchestrator/core/models"
	"ml-orchestrator/core/queue"
)

// Collector exports orchestrator metrics for Prometheus. It is the queue's
// Recorder and also tracks sweeps, alerts, health and accrued cost.
type Collector struct {
	registry *prometheus.Registry

	enqueued   *prometheus.CounterVec
	dispatched *prometheus.CounterVec
	completed  *prometheus.CounterVec
	retried    *prometheus.CounterVec
	dead       *prometheus.CounterVec
	latency    *prometheus.HistogramVec
	depth      *prometheus.GaugeVec

	sweeps        *prometheus.CounterVec
	sweepDuration *prometheus.HistogramVec
	alerts        *prometheus.CounterVec
	connections   prometheus.Gauge
	health        *prometheus.GaugeVec
	cost          *prometheus.GaugeVec
}

var _ queue.Recorder = (*Collector)(nil)

// NewCollector registers all metrics on reg. A nil reg gets a fresh registry.
func NewCollector(reg *prometheus.Registry) *Collector {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	c := &Collector{
		registry: reg,
		enqueued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "orchestrator_queue_enqueued_total",
			Help: "Total number of queue items enqueued",
		}, []string{"domain"}),
		dispatched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "orchestrator_queue_dispatched_total",
			Help: "Total number of queue items handed to a processor",
		}, []string{"domain"}),
		completed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "orchestrator_queue_completed_total",
			Help: "Total number of queue items processed successfully",
		}, []string{"domain"}),
		retried: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "orchestrator_queue_retried_total",
			Help: "Total number of queue items rescheduled after a failure",
		}, []string{"domain"}),
		dead: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "orchestrator_queue_dead_total",
			Help: "Total number of queue items moved to the dead letter set",
		}, []string{"domain"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "orchestrator_queue_latency_seconds",
			Help:    "Processing latency of queue items in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 300, 600},
		}, []string{"domain"}),
		depth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "orchestrator_queue_items",
			Help: "Current number of queue items by state",
		}, []string{"domain", "state"}),
		sweeps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "orchestrator_sweeps_total",
			Help: "Scheduler sweep runs by task and outcome",
		}, []string{"task", "outcome"}),
		sweepDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "orchestrator_sweep_duration_seconds",
			Help:    "Duration of scheduler sweeps in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"task"}),
		alerts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "orchestrator_alerts_total",
			Help: "Alerts raised by type and severity",
		}, []string{"type", "severity"}),
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "orchestrator_realtime_connections",
			Help: "Current number of live realtime connections",
		}),
		health: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "orchestrator_component_healthy",
			Help: "1 when a dependency check passed on the last health sweep",
		}, []string{"component"}),
		cost: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "orchestrator_accrued_cost_usd",
			Help: "Cost accrued on the last cost sweep",
		}, []string{"domain"}),
	}

	reg.MustRegister(c.enqueued, c.dispatched, c.completed, c.retried, c.dead, c.latency, c.depth,
		c.sweeps, c.sweepDuration, c.alerts, c.connections, c.health, c.cost)
	return c
}

// Handler serves the registry in the Prometheus text format
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

func (c *Collector) Registry() *prometheus.Registry { return c.registry }

func (c *Collector) RecordEnqueue(d models.Domain) {
	c.enqueued.WithLabelValues(string(d)).Inc()
}

func (c *Collector) RecordDispatch(d models.Domain) {
	c.dispatched.WithLabelValues(string(d)).Inc()
}

func (c *Collector) RecordCompleted(d models.Domain, latencySeconds float64) {
	c.completed.WithLabelValues(string(d)).Inc()
	c.latency.WithLabelValues(string(d)).Observe(latencySeconds)
}

func (c *Collector) RecordRetry(d models.Domain) {
	c.retried.WithLabelValues(string(d)).Inc()
}

func (c *Collector) RecordDead(d models.Domain) {
	c.dead.WithLabelValues(string(d)).Inc()
}

func (c *Collector) UpdateQueueStats(d models.Domain, ready, delayed, active, dead int) {
	c.depth.WithLabelValues(string(d), "ready").Set(float64(ready))
	c.depth.WithLabelValues(string(d), "delayed").Set(float64(delayed))
	c.depth.WithLabelValues(string(d), "active").Set(float64(active))
	c.depth.WithLabelValues(string(d), "dead").Set(float64(dead))
}

// RecordSweep counts one sweep run
func (c *Collector) RecordSweep(task string, took time.Duration, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	c.sweeps.WithLabelValues(task, outcome).Inc()
	c.sweepDuration.WithLabelValues(task).Observe(took.Seconds())
}

func (c *Collector) RecordAlert(a models.Alert) {
	c.alerts.WithLabelValues(string(a.Type), string(a.Severity)).Inc()
}

func (c *Collector) SetConnections(n int) {
	c.connections.Set(float64(n))
}

func (c *Collector) SetComponentHealth(component string, healthy bool) {
	v := 0.0
	if healthy {
		v = 1
	}
	c.health.WithLabelValues(component).Set(v)
}

func (c *Collector) SetAccruedCost(d models.Domain, usd float64) {
	c.cost.WithLabelValues(string(d)).Set(usd)
}
