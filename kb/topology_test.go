package kb

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"testing"

	"github.com/signalsfoundry/orbital-training-coordinator/model"
)

func TestAddAndGetNode(t *testing.T) {
	topo := NewTopology()
	if err := topo.AddNode(model.Orbital("sat-1", 550, 10)); err != nil {
		t.Fatalf("AddNode error: %v", err)
	}
	got, err := topo.GetNode("sat-1")
	if err != nil {
		t.Fatalf("GetNode error: %v", err)
	}
	if got.Type != model.NodeTypeOrbital || got.AltitudeKm == nil || *got.AltitudeKm != 550 {
		t.Fatalf("GetNode returned %#v, want orbital node at 550 km", got)
	}
}

func TestAddNodeDuplicate(t *testing.T) {
	topo := NewTopology()
	if err := topo.AddNode(model.Ground("gs-1", 51.5, -0.1, 100)); err != nil {
		t.Fatalf("first AddNode error: %v", err)
	}
	err := topo.AddNode(model.Ground("gs-1", 0, 0, 1))
	if !errors.Is(err, ErrNodeExists) {
		t.Fatalf("duplicate AddNode error = %v, want ErrNodeExists", err)
	}
}

func TestTopologyCapacityViews(t *testing.T) {
	topo := NewTopology()
	mustAdd(t, topo, model.Orbital("sat-1", 550, 10))
	mustAdd(t, topo, model.Ground("gs-1", 51.5, -0.1, 100))

	if got := topo.NodeCount(); got != 2 {
		t.Fatalf("NodeCount = %d, want 2", got)
	}
	if got := len(topo.OrbitalNodes()); got != 1 {
		t.Fatalf("OrbitalNodes len = %d, want 1", got)
	}
	if got := len(topo.GroundNodes()); got != 1 {
		t.Fatalf("GroundNodes len = %d, want 1", got)
	}
	if got := topo.TotalComputeTFLOPS(); math.Abs(got-110) > 0.1 {
		t.Fatalf("TotalComputeTFLOPS = %v, want 110", got)
	}
	if got := topo.GroundComputeTFLOPS(); got != 100 {
		t.Fatalf("GroundComputeTFLOPS = %v, want 100", got)
	}
	if got := topo.OrbitalComputeTFLOPS(); got != 10 {
		t.Fatalf("OrbitalComputeTFLOPS = %v, want 10", got)
	}
}

func TestAddConnectionRequiresKnownNodes(t *testing.T) {
	topo := NewTopology()
	mustAdd(t, topo, model.Orbital("sat-1", 550, 10))

	err := topo.AddConnection("sat-1", "missing", 100)
	if !errors.Is(err, ErrNodeNotFound) {
		t.Fatalf("AddConnection error = %v, want ErrNodeNotFound", err)
	}

	mustAdd(t, topo, model.Ground("gs-1", 0, 0, 50))
	if err := topo.AddConnection("sat-1", "gs-1", 100); err != nil {
		t.Fatalf("AddConnection error: %v", err)
	}
	if got := len(topo.Connections()); got != 1 {
		t.Fatalf("Connections len = %d, want 1", got)
	}
}

func TestRemoveNodeDropsConnections(t *testing.T) {
	topo := NewTopology()
	mustAdd(t, topo, model.Orbital("sat-1", 550, 10))
	mustAdd(t, topo, model.Orbital("sat-2", 550, 10))
	mustAdd(t, topo, model.Ground("gs-1", 0, 0, 50))
	if err := topo.AddConnection("sat-1", "gs-1", 100); err != nil {
		t.Fatalf("AddConnection: %v", err)
	}
	if err := topo.AddConnection("sat-1", "sat-2", 10000); err != nil {
		t.Fatalf("AddConnection: %v", err)
	}

	if err := topo.RemoveNode("gs-1"); err != nil {
		t.Fatalf("RemoveNode: %v", err)
	}
	conns := topo.Connections()
	if len(conns) != 1 || conns[0].NodeB != "sat-2" {
		t.Fatalf("Connections after removal = %#v, want only sat-1/sat-2", conns)
	}
	if err := topo.RemoveNode("gs-1"); !errors.Is(err, ErrNodeNotFound) {
		t.Fatalf("second RemoveNode error = %v, want ErrNodeNotFound", err)
	}
}

func TestSubscribeReceivesEvents(t *testing.T) {
	topo := NewTopology()
	var got []Event
	unsubscribe := topo.Subscribe(func(ev Event) {
		got = append(got, ev)
	})

	mustAdd(t, topo, model.Orbital("sat-1", 550, 10))
	if err := topo.RemoveNode("sat-1"); err != nil {
		t.Fatalf("RemoveNode: %v", err)
	}
	unsubscribe()
	mustAdd(t, topo, model.Orbital("sat-2", 550, 10))

	if len(got) != 2 {
		t.Fatalf("received %d events, want 2", len(got))
	}
	if got[0].Type != EventNodeAdded || got[1].Type != EventNodeRemoved {
		t.Fatalf("unexpected events %#v", got)
	}
}

func TestConcurrentAddNode(t *testing.T) {
	topo := NewTopology()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_ = topo.AddNode(model.Orbital(fmt.Sprintf("sat-%d", i), 550, 1))
		}(i)
	}
	wg.Wait()
	if got := topo.NodeCount(); got != 50 {
		t.Fatalf("NodeCount = %d, want 50", got)
	}
}

func mustAdd(t *testing.T, topo *Topology, n model.NodeConfig) {
	t.Helper()
	if err := topo.AddNode(n); err != nil {
		t.Fatalf("AddNode(%s): %v", n.ID, err)
	}
}
