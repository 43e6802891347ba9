package graph

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusMetrics collects executor and gateway metrics.
//
// Metrics exposed, all under the "leadgraph" namespace:
//
//  1. inflight_nodes (gauge): nodes executing right now, across instances
//  2. frontier_size (gauge): activations waiting for dispatch, across instances
//  3. node_latency_ms (histogram): node execution time, labelled by
//     graph, node and status (success, error, timeout)
//  4. retries_total (counter): node retry attempts by graph and node
//  5. merge_conflicts_total (counter): writes to undeclared output fields
//  6. loop_traversals_total (counter): traversals of bounded edges
//  7. instances_total (counter): instances reaching a resting status
//  8. resumes_total (counter): resume attempts by result
//
// All methods are safe on a nil receiver, which disables collection.
//
// Example:
//
//	registry := prometheus.NewRegistry()
//	metrics := graph.NewPrometheusMetrics(registry)
//	exec, err := graph.NewExecutor(st, graph.WithMetrics(metrics))
//	http.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
type PrometheusMetrics struct {
	inflightNodes prometheus.Gauge
	frontierSize  prometheus.Gauge

	nodeLatency *prometheus.HistogramVec

	retries        *prometheus.CounterVec
	mergeConflicts *prometheus.CounterVec
	loops          *prometheus.CounterVec
	instances      *prometheus.CounterVec
	resumes        *prometheus.CounterVec

	mu      sync.RWMutex
	enabled bool
}

// NewPrometheusMetrics registers the collectors with registry, or with the
// default registerer when registry is nil.
func NewPrometheusMetrics(registry prometheus.Registerer) *PrometheusMetrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}
	factory := promauto.With(registry)

	return &PrometheusMetrics{
		enabled: true,
		inflightNodes: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "leadgraph",
			Name:      "inflight_nodes",
			Help:      "Nodes currently executing across all instances",
		}),
		frontierSize: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "leadgraph",
			Name:      "frontier_size",
			Help:      "Node activations waiting for dispatch across all instances",
		}),
		nodeLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "leadgraph",
			Name:      "node_latency_ms",
			Help:      "Node execution duration in milliseconds, retries included",
			Buckets:   []float64{1, 5, 10, 50, 100, 500, 1000, 5000, 10000, 30000},
		}, []string{"graph", "node", "status"}),
		retries: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "leadgraph",
			Name:      "retries_total",
			Help:      "Node retry attempts",
		}, []string{"graph", "node"}),
		mergeConflicts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "leadgraph",
			Name:      "merge_conflicts_total",
			Help:      "Node writes to fields outside the node's declared outputs",
		}, []string{"graph", "node"}),
		loops: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "leadgraph",
			Name:      "loop_traversals_total",
			Help:      "Traversals of bounded loop edges",
		}, []string{"graph", "edge"}),
		instances: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "leadgraph",
			Name:      "instances_total",
			Help:      "Instances reaching a resting status",
		}, []string{"graph", "status"}),
		resumes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "leadgraph",
			Name:      "resumes_total",
			Help:      "Resume requests by result (resumed, duplicate, stale, not_found, in_progress)",
		}, []string{"graph", "result"}),
	}
}

func (pm *PrometheusMetrics) on() bool {
	if pm == nil {
		return false
	}
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	return pm.enabled
}

// RecordNodeLatency observes one node execution.
func (pm *PrometheusMetrics) RecordNodeLatency(graphName, nodeID string, latency time.Duration, status string) {
	if !pm.on() {
		return
	}
	pm.nodeLatency.WithLabelValues(graphName, nodeID, status).Observe(float64(latency.Milliseconds()))
}

// IncrementRetries counts a retry attempt.
func (pm *PrometheusMetrics) IncrementRetries(graphName, nodeID string) {
	if !pm.on() {
		return
	}
	pm.retries.WithLabelValues(graphName, nodeID).Inc()
}

// IncrementMergeConflicts counts a write outside declared outputs.
func (pm *PrometheusMetrics) IncrementMergeConflicts(graphName, nodeID string) {
	if !pm.on() {
		return
	}
	pm.mergeConflicts.WithLabelValues(graphName, nodeID).Inc()
}

// IncrementLoopTraversals counts a traversal of a bounded edge.
func (pm *PrometheusMetrics) IncrementLoopTraversals(graphName, edge string) {
	if !pm.on() {
		return
	}
	pm.loops.WithLabelValues(graphName, edge).Inc()
}

// IncrementInstances counts an instance reaching status.
func (pm *PrometheusMetrics) IncrementInstances(graphName string, status Status) {
	if !pm.on() {
		return
	}
	pm.instances.WithLabelValues(graphName, string(status)).Inc()
}

// IncrementResumes counts a resume attempt.
func (pm *PrometheusMetrics) IncrementResumes(graphName, result string) {
	if !pm.on() {
		return
	}
	pm.resumes.WithLabelValues(graphName, result).Inc()
}

// AddInflightNodes adjusts the inflight gauge by delta.
func (pm *PrometheusMetrics) AddInflightNodes(delta int) {
	if !pm.on() {
		return
	}
	pm.inflightNodes.Add(float64(delta))
}

// AddFrontier adjusts the frontier gauge by delta.
func (pm *PrometheusMetrics) AddFrontier(delta int) {
	if !pm.on() {
		return
	}
	pm.frontierSize.Add(float64(delta))
}

// Disable stops collection until Enable is called.
func (pm *PrometheusMetrics) Disable() {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	pm.enabled = false
}

// Enable resumes collection.
func (pm *PrometheusMetrics) Enable() {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	pm.enabled = true
}

// Reset zeroes the gauges.
func (pm *PrometheusMetrics) Reset() {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	pm.inflightNodes.Set(0)
	pm.frontierSize.Set(0)
}
