package core

import (
	"container/heap"
	"context"
	"fmt"
	"math"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// Route is the result of a shortest-latency query. An empty Path means the
// destination is unreachable or an endpoint is unknown; a self route holds
// only the source and connects nothing.
type Route struct {
	SourceID         string   `json:"source_id"`
	DestinationID    string   `json:"destination_id"`
	Path             []string `json:"path"`
	TotalLatencyMs   float64  `json:"total_latency_ms"`
	MinBandwidthGbps float64  `json:"min_bandwidth_gbps"`
	NumHops          int      `json:"num_hops"`
	TotalDistanceKm  float64  `json:"total_distance_km"`
}

// Valid reports whether the route connects two distinct vertices.
func (r Route) Valid() bool { return len(r.Path) >= 2 }

func emptyRoute(src, dst string) Route {
	return Route{SourceID: src, DestinationID: dst, Path: []string{}}
}

// FindRoute returns the minimum-latency path from src to dst over active
// links in the current snapshot. Unknown endpoints and unreachable
// destinations yield an empty route rather than an error.
func (m *SpaceMesh) FindRoute(src, dst string) Route {
	r, _ := m.FindRouteContext(context.Background(), src, dst)
	return r
}

// FindRouteContext is FindRoute with cancellation and tracing. It returns
// ErrUnknownNode when either endpoint is absent, alongside an empty route.
func (m *SpaceMesh) FindRouteContext(ctx context.Context, src, dst string) (Route, error) {
	ctx, span := m.tracer.Start(ctx, "SpaceMesh.FindRoute")
	defer span.End()
	span.SetAttributes(attribute.String("route.src", src), attribute.String("route.dst", dst))

	start := time.Now()
	route, err := dijkstra(ctx, m.current.Load(), src, dst)
	if m.metrics != nil {
		m.metrics.ObserveRoute(time.Since(start), len(route.Path) > 0)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return route, err
	}
	span.SetAttributes(
		attribute.Int("route.hops", route.NumHops),
		attribute.Float64("route.latency_ms", route.TotalLatencyMs),
	)
	return route, nil
}

func dijkstra(ctx context.Context, t *topology, src, dst string) (Route, error) {
	from, okSrc := t.index[src]
	to, okDst := t.index[dst]
	if !okSrc || !okDst {
		return emptyRoute(src, dst), fmt.Errorf("%w: %q -> %q", ErrUnknownNode, src, dst)
	}
	if from == to {
		return Route{SourceID: src, DestinationID: dst, Path: []string{src}, MinBandwidthGbps: math.Inf(1)}, nil
	}

	n := t.vertexCount()
	dist := make([]float64, n)
	prev := make([]int, n)
	for i := range dist {
		dist[i] = math.Inf(1)
		prev[i] = -1
	}
	dist[from] = 0

	pq := &vertexQueue{{vertex: from, cost: 0}}
	for pq.Len() > 0 {
		if err := ctx.Err(); err != nil {
			return emptyRoute(src, dst), err
		}
		cur := heap.Pop(pq).(queuedVertex)
		if cur.cost > dist[cur.vertex] {
			continue
		}
		if cur.vertex == to {
			break
		}
		for _, nb := range t.adjacency[cur.vertex] {
			link := t.links[linkKey{cur.vertex, nb}]
			if !link.Active {
				continue
			}
			alt := cur.cost + link.LatencyMs
			if alt < dist[nb] {
				dist[nb] = alt
				prev[nb] = cur.vertex
				heap.Push(pq, queuedVertex{vertex: nb, cost: alt})
			}
		}
	}

	if prev[to] == -1 {
		return emptyRoute(src, dst), nil
	}

	var handles []int
	for v := to; v != -1; v = prev[v] {
		handles = append(handles, v)
	}
	route := Route{
		SourceID:         src,
		DestinationID:    dst,
		Path:             make([]string, 0, len(handles)),
		TotalLatencyMs:   dist[to],
		MinBandwidthGbps: math.Inf(1),
		NumHops:          len(handles) - 1,
	}
	for i := len(handles) - 1; i >= 0; i-- {
		route.Path = append(route.Path, t.ids[handles[i]])
		if i > 0 {
			link := t.links[linkKey{handles[i], handles[i-1]}]
			route.MinBandwidthGbps = math.Min(route.MinBandwidthGbps, link.BandwidthGbps)
			route.TotalDistanceKm += link.DistanceKm
		}
	}
	return route, nil
}

type queuedVertex struct {
	vertex int
	cost   float64
}

// vertexQueue is a min-heap on cost.
type vertexQueue []queuedVertex

func (q vertexQueue) Len() int           { return len(q) }
func (q vertexQueue) Less(i, j int) bool { return q[i].cost < q[j].cost }
func (q vertexQueue) Swap(i, j int)      { q[i], q[j] = q[j], q[i] }
func (q *vertexQueue) Push(x any)        { *q = append(*q, x.(queuedVertex)) }
func (q *vertexQueue) Pop() any {
	old := *q
	last := old[len(old)-1]
	*q = old[:len(old)-1]
	return last
}
