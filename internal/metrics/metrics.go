// Package metrics exports lifecycle pass metrics to Prometheus, either
// scraped from the status server or written as a node-exporter textfile
// after a cron-driven pass.
package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/3leaps/batchkeeper/pkg/batchstore"
	"github.com/3leaps/batchkeeper/pkg/lifecycle"
)

const namespace = "batchkeeper"

// Collector holds the pass metrics on a private registry.
type Collector struct {
	registry *prometheus.Registry

	transitions   *prometheus.CounterVec
	batches       *prometheus.GaugeVec
	notDone       prometheus.Gauge
	unknown       prometheus.Gauge
	capacity      prometheus.Gauge
	passDuration  prometheus.Histogram
	passes        *prometheus.CounterVec
	lastPass      prometheus.Gauge
	lockContended prometheus.Counter

	mu sync.Mutex
}

// NewCollector creates a Collector with all metrics registered.
func NewCollector() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transition_batches_total",
			Help:      "Batches handled by lifecycle transitions, by outcome",
		}, []string{"transition", "outcome"}),
		batches: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "batches",
			Help:      "Batches in the store by state",
		}, []string{"state"}),
		notDone: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queued_not_done",
			Help:      "Queued batches whose scheduler status was not terminal in the last pass",
		}),
		unknown: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queued_unknown_status",
			Help:      "Queued batches with an unrecognised scheduler status in the last pass",
		}),
		capacity: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "scheduler_capacity",
			Help:      "Submission capacity computed at the start of the last pass",
		}),
		passDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "pass_duration_seconds",
			Help:      "Duration of coordinator passes",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800, 3600},
		}),
		passes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "passes_total",
			Help:      "Coordinator passes by result",
		}, []string{"result"}),
		lastPass: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_pass_timestamp_seconds",
			Help:      "Unix time the last pass finished",
		}),
		lockContended: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lock_contended_total",
			Help:      "Passes skipped because another pass held the run lock",
		}),
	}

	c.registry.MustRegister(
		c.transitions,
		c.batches,
		c.notDone,
		c.unknown,
		c.capacity,
		c.passDuration,
		c.passes,
		c.lastPass,
		c.lockContended,
	)
	return c
}

// Registry exposes the underlying registry.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// ObserveReport adds a pass report's counts.
func (c *Collector) ObserveReport(rep *lifecycle.Report) {
	if rep == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, t := range rep.Transitions() {
		counts := rep.Get(t)
		c.transitions.WithLabelValues(string(t), "advanced").Add(float64(counts.Advanced))
		c.transitions.WithLabelValues(string(t), "unchanged").Add(float64(counts.Unchanged))
		c.transitions.WithLabelValues(string(t), "failed").Add(float64(counts.Failed))
	}
	c.notDone.Set(float64(rep.NotDone))
	c.unknown.Set(float64(rep.Unknown))
}

// ObservePass records the end of a pass. result is "ok", "failed" or
// "cancelled".
func (c *Collector) ObservePass(result string, started time.Time, finished time.Time) {
	c.passDuration.Observe(finished.Sub(started).Seconds())
	c.passes.WithLabelValues(result).Inc()
	c.lastPass.Set(float64(finished.Unix()))
}

// SetCapacity records the capacity computed for a pass.
func (c *Collector) SetCapacity(n int) {
	c.capacity.Set(float64(n))
}

// LockContended counts a pass that could not take the run lock.
func (c *Collector) LockContended() {
	c.lockContended.Inc()
}

// SetStateCounts replaces the per-state batch gauges.
func (c *Collector) SetStateCounts(counts map[batchstore.State]int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.batches.Reset()
	for _, st := range batchstore.AllStates {
		c.batches.WithLabelValues(string(st)).Set(float64(counts[st]))
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// WriteToTextfile writes the registry for the node exporter textfile
// collector. The file is replaced atomically.
func (c *Collector) WriteToTextfile(path string) error {
	return prometheus.WriteToTextfile(path, c.registry)
}
