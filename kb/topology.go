package kb

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/signalsfoundry/orbital-training-coordinator/model"
)

var (
	// ErrNodeExists indicates a node with the same ID is already registered.
	ErrNodeExists = errors.New("node already exists")
	// ErrNodeNotFound indicates a referenced node is not registered.
	ErrNodeNotFound = errors.New("node not found")
)

// EventType indicates what kind of change happened in the topology.
type EventType int

const (
	EventNodeAdded EventType = iota
	EventNodeRemoved
	EventConnectionAdded
)

// Event is emitted to subscribers after a topology mutation.
type Event struct {
	Type   EventType
	NodeID string
	PeerID string // set for EventConnectionAdded
}

// Connection is an administratively configured link between two nodes.
type Connection struct {
	NodeA         string
	NodeB         string
	BandwidthMbps float64
}

// Topology is an in-memory, thread-safe registry of ground and orbital
// compute nodes and the configured connections between them.
type Topology struct {
	mu sync.RWMutex

	nodes       map[string]model.NodeConfig
	connections []Connection

	subs []func(Event)
}

// NewTopology constructs an empty registry.
func NewTopology() *Topology {
	return &Topology{
		nodes: make(map[string]model.NodeConfig),
	}
}

// AddNode registers a node. Nodes are immutable once placed; re-adding an
// existing ID returns ErrNodeExists.
func (t *Topology) AddNode(n model.NodeConfig) error {
	if n.ID == "" {
		return fmt.Errorf("node ID must not be empty")
	}
	t.mu.Lock()
	if _, exists := t.nodes[n.ID]; exists {
		t.mu.Unlock()
		return fmt.Errorf("%w: %q", ErrNodeExists, n.ID)
	}
	t.nodes[n.ID] = n
	subs := t.subscribersLocked()
	t.mu.Unlock()

	notify(subs, Event{Type: EventNodeAdded, NodeID: n.ID})
	return nil
}

// RemoveNode deletes a node and every connection touching it.
func (t *Topology) RemoveNode(id string) error {
	t.mu.Lock()
	if _, ok := t.nodes[id]; !ok {
		t.mu.Unlock()
		return fmt.Errorf("%w: %q", ErrNodeNotFound, id)
	}
	delete(t.nodes, id)
	kept := t.connections[:0]
	for _, c := range t.connections {
		if c.NodeA != id && c.NodeB != id {
			kept = append(kept, c)
		}
	}
	t.connections = kept
	subs := t.subscribersLocked()
	t.mu.Unlock()

	notify(subs, Event{Type: EventNodeRemoved, NodeID: id})
	return nil
}

// AddConnection records a link between two registered nodes.
func (t *Topology) AddConnection(a, b string, bandwidthMbps float64) error {
	t.mu.Lock()
	for _, id := range []string{a, b} {
		if _, ok := t.nodes[id]; !ok {
			t.mu.Unlock()
			return fmt.Errorf("connect %q-%q: %w: %q", a, b, ErrNodeNotFound, id)
		}
	}
	t.connections = append(t.connections, Connection{NodeA: a, NodeB: b, BandwidthMbps: bandwidthMbps})
	subs := t.subscribersLocked()
	t.mu.Unlock()

	notify(subs, Event{Type: EventConnectionAdded, NodeID: a, PeerID: b})
	return nil
}

// GetNode returns the node with the given ID.
func (t *Topology) GetNode(id string) (model.NodeConfig, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n, ok := t.nodes[id]
	if !ok {
		return model.NodeConfig{}, fmt.Errorf("%w: %q", ErrNodeNotFound, id)
	}
	return n, nil
}

// Connections returns a copy of the configured connections.
func (t *Topology) Connections() []Connection {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return append([]Connection(nil), t.connections...)
}

// ListNodes returns all nodes sorted by ID.
func (t *Topology) ListNodes() []model.NodeConfig {
	return t.filter(func(model.NodeConfig) bool { return true })
}

func (t *Topology) GroundNodes() []model.NodeConfig {
	return t.filter(func(n model.NodeConfig) bool { return n.Type == model.NodeTypeGround })
}

func (t *Topology) OrbitalNodes() []model.NodeConfig {
	return t.filter(func(n model.NodeConfig) bool { return n.Type == model.NodeTypeOrbital })
}

func (t *Topology) NodeCount() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.nodes)
}

// TotalComputeTFLOPS sums compute capacity across every node.
func (t *Topology) TotalComputeTFLOPS() float64 {
	return sumTFLOPS(t.ListNodes())
}

func (t *Topology) GroundComputeTFLOPS() float64 {
	return sumTFLOPS(t.GroundNodes())
}

func (t *Topology) OrbitalComputeTFLOPS() float64 {
	return sumTFLOPS(t.OrbitalNodes())
}

// Subscribe registers a callback for topology events. It returns an
// unsubscribe function.
func (t *Topology) Subscribe(fn func(Event)) (unsubscribe func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.subs = append(t.subs, fn)
	idx := len(t.subs) - 1

	return func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		if idx < 0 || idx >= len(t.subs) {
			return
		}
		t.subs = append(t.subs[:idx], t.subs[idx+1:]...)
		idx = -1
	}
}

func (t *Topology) filter(keep func(model.NodeConfig) bool) []model.NodeConfig {
	t.mu.RLock()
	res := make([]model.NodeConfig, 0, len(t.nodes))
	for _, n := range t.nodes {
		if keep(n) {
			res = append(res, n)
		}
	}
	t.mu.RUnlock()

	sort.Slice(res, func(i, j int) bool { return res[i].ID < res[j].ID })
	return res
}

func (t *Topology) subscribersLocked() []func(Event) {
	return append([]func(Event){}, t.subs...)
}

// notify runs outside the lock so subscribers may call back into the topology.
func notify(subs []func(Event), ev Event) {
	for _, sub := range subs {
		sub(ev)
	}
}

func sumTFLOPS(nodes []model.NodeConfig) float64 {
	total := 0.0
	for _, n := range nodes {
		total += n.ComputeTFLOPS
	}
	return total
}
