package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// MeshCollector exposes topology and routing metrics. It satisfies
// core.MeshMetricsRecorder.
type MeshCollector struct {
	Nodes             prometheus.Gauge
	ActiveLinks       prometheus.Gauge
	RebuildDuration   prometheus.Histogram
	RouteDuration     prometheus.Histogram
	UnreachableRoutes prometheus.Counter
}

// NewMeshCollector registers mesh metrics against reg.
func NewMeshCollector(reg prometheus.Registerer) (*MeshCollector, error) {
	reg, _ = resolve(reg)

	nodes, err := registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "otc_mesh_nodes",
		Help: "Orbital nodes in the current mesh snapshot.",
	}), "otc_mesh_nodes")
	if err != nil {
		return nil, err
	}
	links, err := registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "otc_mesh_active_links",
		Help: "Active undirected links in the current mesh snapshot.",
	}), "otc_mesh_active_links")
	if err != nil {
		return nil, err
	}
	rebuild, err := registerHistogram(reg, prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "otc_mesh_rebuild_duration_seconds",
		Help:    "Duration of full topology rebuilds.",
		Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
	}), "otc_mesh_rebuild_duration_seconds")
	if err != nil {
		return nil, err
	}
	route, err := registerHistogram(reg, prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "otc_mesh_route_duration_seconds",
		Help:    "Duration of shortest-latency route computations.",
		Buckets: []float64{0.00001, 0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1},
	}), "otc_mesh_route_duration_seconds")
	if err != nil {
		return nil, err
	}
	unreachable, err := registerCounter(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "otc_mesh_unreachable_routes_total",
		Help: "Route queries that found no path.",
	}), "otc_mesh_unreachable_routes_total")
	if err != nil {
		return nil, err
	}

	return &MeshCollector{
		Nodes:             nodes,
		ActiveLinks:       links,
		RebuildDuration:   rebuild,
		RouteDuration:     route,
		UnreachableRoutes: unreachable,
	}, nil
}

// ObserveTopologyRebuild records one rebuild and the resulting graph size.
func (c *MeshCollector) ObserveTopologyRebuild(d time.Duration, nodes, activeLinks int) {
	if c == nil {
		return
	}
	c.RebuildDuration.Observe(d.Seconds())
	c.Nodes.Set(float64(nodes))
	c.ActiveLinks.Set(float64(activeLinks))
}

// ObserveRoute records one route query.
func (c *MeshCollector) ObserveRoute(d time.Duration, valid bool) {
	if c == nil {
		return
	}
	c.RouteDuration.Observe(d.Seconds())
	if !valid {
		c.UnreachableRoutes.Inc()
	}
}
