package core

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/signalsfoundry/orbital-training-coordinator/internal/logging"
	"github.com/signalsfoundry/orbital-training-coordinator/model"
)

const tracerName = "github.com/signalsfoundry/orbital-training-coordinator/core"

var (
	// ErrUnknownNode indicates a request referenced a node that is not in the mesh.
	ErrUnknownNode = errors.New("unknown mesh node")
	// ErrLinkNotFound indicates no link exists between two nodes in the current snapshot.
	ErrLinkNotFound = errors.New("link not found")
	// ErrDuplicateNode indicates an orbital node and a ground station share an ID.
	ErrDuplicateNode = errors.New("mesh node id already used")
)

// LinkType is the physical layer of a mesh link.
type LinkType int

const (
	LinkOptical LinkType = iota // satellite-to-satellite laser terminal
	LinkRF                      // ground gateway feeder
	LinkHybrid
)

// ISLLink is one direction of a link between two mesh vertices.
type ISLLink struct {
	SourceID      string   `json:"source_id"`
	TargetID      string   `json:"target_id"`
	DistanceKm    float64  `json:"distance_km"`
	BandwidthGbps float64  `json:"bandwidth_gbps"`
	LatencyMs     float64  `json:"latency_ms"`
	Type          LinkType `json:"link_type"`
	Active        bool     `json:"active"`
}

// linkKey addresses a directed link by vertex handle.
type linkKey struct {
	from, to int
}

// topology is an immutable snapshot. Vertices [0, len(nodes)) are orbital
// nodes; the remainder are ground stations.
type topology struct {
	nodes    []model.OrbitalNode
	stations []model.GroundStation
	ids      []string
	index    map[string]int

	links     map[linkKey]ISLLink
	adjacency [][]int

	epoch   time.Time
	builtAt time.Time
}

func (t *topology) vertexCount() int { return len(t.ids) }

// MeshMetricsRecorder receives rebuild and route measurements.
type MeshMetricsRecorder interface {
	ObserveTopologyRebuild(d time.Duration, nodes, activeLinks int)
	ObserveRoute(d time.Duration, valid bool)
}

// MeshOption customises SpaceMesh construction.
type MeshOption func(*SpaceMesh)

// WithLogger attaches a structured logger.
func WithLogger(l logging.Logger) MeshOption {
	return func(m *SpaceMesh) {
		if l != nil {
			m.log = l
		}
	}
}

// WithMetricsRecorder attaches an optional metrics recorder.
func WithMetricsRecorder(r MeshMetricsRecorder) MeshOption {
	return func(m *SpaceMesh) {
		m.metrics = r
	}
}

// WithEpoch sets the inertial-frame epoch used to place ground stations.
func WithEpoch(t time.Time) MeshOption {
	return func(m *SpaceMesh) {
		if !t.IsZero() {
			m.epoch = t.UTC()
		}
	}
}

// SpaceMesh answers shortest-latency routing queries over an
// inter-satellite-link graph.
//
// Readers load the current snapshot atomically and never observe a partial
// rebuild. Writers (AddNode, UpdateTopology, Propagate, SetLinkActive) are
// serialised by mu and publish a fresh snapshot when done. Links are only
// recomputed by UpdateTopology; between rebuilds they may be stale.
type SpaceMesh struct {
	DefaultISLRangeKm float64

	mu      sync.Mutex
	current atomic.Pointer[topology]
	epoch   time.Time

	log     logging.Logger
	metrics MeshMetricsRecorder
	tracer  trace.Tracer
}

// j2000 is the default epoch: 2000-01-01T12:00:00Z.
var j2000 = time.Date(2000, time.January, 1, 12, 0, 0, 0, time.UTC)

// NewSpaceMesh returns an empty mesh. Nodes added with a zero ISL range
// inherit defaultISLRangeKm.
func NewSpaceMesh(defaultISLRangeKm float64, opts ...MeshOption) *SpaceMesh {
	m := &SpaceMesh{
		DefaultISLRangeKm: defaultISLRangeKm,
		epoch:             j2000,
		log:               logging.Noop(),
		tracer:            otel.Tracer(tracerName),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	m.current.Store(&topology{
		index: map[string]int{},
		links: map[linkKey]ISLLink{},
		epoch: m.epoch,
	})
	return m
}

// AddNode registers an orbital node. No links are created until the next
// UpdateTopology; existing links are kept. Re-adding an existing ID replaces
// its orbital elements. An ID already used by a ground station is rejected
// with ErrDuplicateNode.
func (m *SpaceMesh) AddNode(n model.OrbitalNode) error {
	if n.ISLRangeKm <= 0 {
		n.ISLRangeKm = m.DefaultISLRangeKm
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	cur := m.current.Load()
	idx, ok := cur.index[n.ID]
	switch {
	case ok && idx >= len(cur.nodes):
		return fmt.Errorf("%w: %q is a ground station", ErrDuplicateNode, n.ID)
	case ok:
		m.current.Store(cur.withNodes(replaceAt(cur.nodes, idx, n), cur.stations))
	default:
		m.current.Store(cur.withNodes(append(cloneNodes(cur.nodes), n), cur.stations))
	}
	return nil
}

// AddGroundStation registers a ground gateway. Like AddNode, it only takes
// part in routing after the next UpdateTopology. A name already used by an
// orbital node is rejected with ErrDuplicateNode.
func (m *SpaceMesh) AddGroundStation(gs model.GroundStation) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur := m.current.Load()
	if idx, ok := cur.index[gs.Name]; ok && idx < len(cur.nodes) {
		return fmt.Errorf("%w: %q is an orbital node", ErrDuplicateNode, gs.Name)
	}
	stations := append([]model.GroundStation(nil), cur.stations...)
	replaced := false
	for i := range stations {
		if stations[i].Name == gs.Name {
			stations[i] = gs
			replaced = true
		}
	}
	if !replaced {
		stations = append(stations, gs)
	}
	m.current.Store(cur.withNodes(cur.nodes, stations))
	return nil
}

// UpdateTopology rebuilds every link from the current orbital geometry and
// swaps the result in atomically. Cost is O(V²).
func (m *SpaceMesh) UpdateTopology(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, span := m.tracer.Start(ctx, "SpaceMesh.UpdateTopology")
	defer span.End()

	start := time.Now()
	m.mu.Lock()
	cur := m.current.Load()
	next := buildTopology(cur.nodes, cur.stations, m.epoch)
	m.current.Store(next)
	m.mu.Unlock()

	active := next.activeLinkCount()
	span.SetAttributes(
		attribute.Int("mesh.nodes", len(next.nodes)),
		attribute.Int("mesh.ground_stations", len(next.stations)),
		attribute.Int("mesh.active_links", active),
	)
	if m.metrics != nil {
		m.metrics.ObserveTopologyRebuild(time.Since(start), len(next.nodes), active)
	}
	m.log.Debug(ctx, "mesh topology rebuilt",
		logging.Int("nodes", len(next.nodes)),
		logging.Int("ground_stations", len(next.stations)),
		logging.Int("active_links", active),
	)
}

// SetLinkActive toggles both directions of the link between a and b in the
// current snapshot. The flag is lost on the next rebuild.
func (m *SpaceMesh) SetLinkActive(a, b string, active bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur := m.current.Load()
	ia, okA := cur.index[a]
	ib, okB := cur.index[b]
	if !okA || !okB {
		return fmt.Errorf("%w: %q-%q", ErrUnknownNode, a, b)
	}
	fwd, ok := cur.links[linkKey{ia, ib}]
	if !ok {
		return fmt.Errorf("%w: %q-%q", ErrLinkNotFound, a, b)
	}
	rev := cur.links[linkKey{ib, ia}]

	next := *cur
	next.links = make(map[linkKey]ISLLink, len(cur.links))
	for k, v := range cur.links {
		next.links[k] = v
	}
	fwd.Active, rev.Active = active, active
	next.links[linkKey{ia, ib}] = fwd
	next.links[linkKey{ib, ia}] = rev
	m.current.Store(&next)
	return nil
}

// Propagate advances every node along its circular orbit by dt and moves
// the frame epoch forward. Links are not touched; call UpdateTopology.
func (m *SpaceMesh) Propagate(dt time.Duration) {
	if dt == 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	cur := m.current.Load()
	nodes := cloneNodes(cur.nodes)
	for i := range nodes {
		period := OrbitalPeriod(nodes[i].AltitudeKm)
		nodes[i].MeanAnomalyDeg = normalizeDegrees(nodes[i].MeanAnomalyDeg + 360*dt.Seconds()/period)
	}
	m.epoch = m.epoch.Add(dt)
	next := cur.withNodes(nodes, cur.stations)
	next.epoch = m.epoch
	m.current.Store(next)
}

// Epoch returns the current frame epoch.
func (m *SpaceMesh) Epoch() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.epoch
}

// Node returns the orbital node with the given ID.
func (m *SpaceMesh) Node(id string) (model.OrbitalNode, bool) {
	cur := m.current.Load()
	idx, ok := cur.index[id]
	if !ok || idx >= len(cur.nodes) {
		return model.OrbitalNode{}, false
	}
	return cur.nodes[idx], true
}

// Station returns the ground gateway registered under name.
func (m *SpaceMesh) Station(name string) (model.GroundStation, bool) {
	cur := m.current.Load()
	idx, ok := cur.index[name]
	if !ok || idx < len(cur.nodes) {
		return model.GroundStation{}, false
	}
	return cur.stations[idx-len(cur.nodes)], true
}

// NodeIDs returns every vertex ID (orbital nodes then ground stations).
func (m *SpaceMesh) NodeIDs() []string {
	return append([]string(nil), m.current.Load().ids...)
}

// Neighbors returns the IDs linked to id by an active link, sorted.
func (m *SpaceMesh) Neighbors(id string) []string {
	cur := m.current.Load()
	idx, ok := cur.index[id]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(cur.adjacency[idx]))
	for _, nb := range cur.adjacency[idx] {
		if l := cur.links[linkKey{idx, nb}]; l.Active {
			out = append(out, cur.ids[nb])
		}
	}
	sort.Strings(out)
	return out
}

// Link returns the directed link from a to b in the current snapshot.
func (m *SpaceMesh) Link(a, b string) (ISLLink, bool) {
	cur := m.current.Load()
	ia, okA := cur.index[a]
	ib, okB := cur.index[b]
	if !okA || !okB {
		return ISLLink{}, false
	}
	l, ok := cur.links[linkKey{ia, ib}]
	return l, ok
}

// MeshStats summarises the current snapshot.
type MeshStats struct {
	TotalNodes      int       `json:"total_nodes"`
	GroundStations  int       `json:"ground_stations"`
	ActiveLinks     int       `json:"active_links"`
	AvgLinksPerNode float64   `json:"avg_links_per_node"`
	BuiltAt         time.Time `json:"built_at"`
}

// Stats counts undirected active links and the mean vertex degree.
func (m *SpaceMesh) Stats() MeshStats {
	cur := m.current.Load()
	active := cur.activeLinkCount()
	avg := 0.0
	if n := cur.vertexCount(); n > 0 {
		avg = math.Round(200*float64(active)/float64(n)) / 100
	}
	return MeshStats{
		TotalNodes:      len(cur.nodes),
		GroundStations:  len(cur.stations),
		ActiveLinks:     active,
		AvgLinksPerNode: avg,
		BuiltAt:         cur.builtAt,
	}
}

func buildTopology(nodes []model.OrbitalNode, stations []model.GroundStation, epoch time.Time) *topology {
	t := (&topology{epoch: epoch}).withNodes(nodes, stations)
	t.builtAt = time.Now()
	t.links = make(map[linkKey]ISLLink)
	t.adjacency = make([][]int, len(t.ids))

	for i := 0; i < len(nodes); i++ {
		for j := i + 1; j < len(nodes); j++ {
			a, b := nodes[i], nodes[j]
			distance := SeparationKm(a, b)
			if distance > math.Min(a.ISLRangeKm, b.ISLRangeKm) || !hasLineOfSight(a, b, distance) {
				continue
			}
			t.connect(i, j, distance, math.Min(a.ISLBandwidthGbps, b.ISLBandwidthGbps), LinkOptical)
		}
	}

	if len(stations) > 0 {
		positions := make([]Vec3, len(nodes))
		for i, n := range nodes {
			positions[i] = OrbitalPosition(n)
		}
		for s, gs := range stations {
			gsPos := stationPosition(gs, epoch)
			for i, satPos := range positions {
				if ElevationDegrees(gsPos, satPos) < gs.MinElevationDeg {
					continue
				}
				bw := math.Min(gs.BandwidthMbps/1000, nodes[i].ISLBandwidthGbps)
				t.connect(len(nodes)+s, i, gsPos.DistanceTo(satPos), bw, LinkRF)
			}
		}
	}
	return t
}

// connect inserts a symmetric pair of active links with identical weights.
func (t *topology) connect(a, b int, distanceKm, bandwidthGbps float64, lt LinkType) {
	latency := PropagationDelayMs(distanceKm)
	t.links[linkKey{a, b}] = ISLLink{
		SourceID: t.ids[a], TargetID: t.ids[b],
		DistanceKm: distanceKm, BandwidthGbps: bandwidthGbps, LatencyMs: latency,
		Type: lt, Active: true,
	}
	t.links[linkKey{b, a}] = ISLLink{
		SourceID: t.ids[b], TargetID: t.ids[a],
		DistanceKm: distanceKm, BandwidthGbps: bandwidthGbps, LatencyMs: latency,
		Type: lt, Active: true,
	}
	t.adjacency[a] = append(t.adjacency[a], b)
	t.adjacency[b] = append(t.adjacency[b], a)
}

// withNodes returns a snapshot holding the given vertices. Links between
// vertices present in both snapshots are carried over by ID.
func (t *topology) withNodes(nodes []model.OrbitalNode, stations []model.GroundStation) *topology {
	next := &topology{
		nodes:    nodes,
		stations: stations,
		ids:      make([]string, 0, len(nodes)+len(stations)),
		index:    make(map[string]int, len(nodes)+len(stations)),
		epoch:    t.epoch,
		builtAt:  t.builtAt,
	}
	for _, n := range nodes {
		next.index[n.ID] = len(next.ids)
		next.ids = append(next.ids, n.ID)
	}
	for _, gs := range stations {
		next.index[gs.Name] = len(next.ids)
		next.ids = append(next.ids, gs.Name)
	}
	next.adjacency = make([][]int, len(next.ids))
	next.links = make(map[linkKey]ISLLink)

	if sharesHandles(t.ids, next.ids) {
		next.links = t.links
		copy(next.adjacency, t.adjacency)
		return next
	}

	remap := make([]int, len(t.ids))
	for old, id := range t.ids {
		h, ok := next.index[id]
		if !ok {
			h = -1
		}
		remap[old] = h
	}
	for k, l := range t.links {
		from, to := remap[k.from], remap[k.to]
		if from < 0 || to < 0 {
			continue
		}
		next.links[linkKey{from, to}] = l
	}
	for old, nbs := range t.adjacency {
		from := remap[old]
		if from < 0 {
			continue
		}
		for _, nb := range nbs {
			if to := remap[nb]; to >= 0 {
				next.adjacency[from] = append(next.adjacency[from], to)
			}
		}
	}
	return next
}

// sharesHandles reports whether every old vertex keeps its handle.
func sharesHandles(old, next []string) bool {
	if len(old) > len(next) {
		return false
	}
	for i := range old {
		if old[i] != next[i] {
			return false
		}
	}
	return true
}

func (t *topology) activeLinkCount() int {
	count := 0
	for k, l := range t.links {
		if k.from < k.to && l.Active {
			count++
		}
	}
	return count
}

func cloneNodes(nodes []model.OrbitalNode) []model.OrbitalNode {
	return append([]model.OrbitalNode(nil), nodes...)
}

func replaceAt(nodes []model.OrbitalNode, idx int, n model.OrbitalNode) []model.OrbitalNode {
	out := cloneNodes(nodes)
	out[idx] = n
	return out
}
