package client

import (
	"testing"

	"github.com/vexfall/netarena/internal/config"
	"github.com/vexfall/netarena/internal/protocol"
	"github.com/vexfall/netarena/internal/world"
)

func testClient() *Client {
	c := New(WithSim(config.Sim{Speed: 200, WorldW: 2000, WorldH: 2000, TickRate: 20}))
	c.assignedID = 1
	c.predicted = world.Entity{ID: 1, PosX: 1000, PosY: 1000}
	return c
}

// pushInputs simulates n local ticks of prediction: each input is
// applied to the predicted entity and recorded in history, exactly as
// tick() does.
func pushInputs(c *Client, inputs []protocol.Input) {
	for _, in := range inputs {
		c.predicted = world.Step(c.predicted, in, c.sim)
		c.history.Push(in, c.predicted)
	}
}

func TestReconcileReplaysUnacknowledgedInputs(t *testing.T) {
	c := testClient()

	inputs := make([]protocol.Input, 10)
	for i := range inputs {
		inputs[i] = protocol.Input{Seq: uint32(i + 1), MoveX: 1, MoveY: 0}
	}
	pushInputs(c, inputs)

	// Server applied through seq 7, placing the entity at s7.
	s7 := world.Entity{ID: 1, PosX: 1070, PosY: 1000}
	snap := protocol.SnapshotPayload{
		Tick:     20,
		Entities: []protocol.EntityState{s7.ToWire()},
		Trailer:  []protocol.ClientAck{{ClientID: 1, LastProcessedInputSeq: 7}},
	}
	c.reconcile(snap)

	// Expected: inputs 8, 9, 10 applied exactly once atop s7.
	want := s7
	for _, in := range inputs[7:] {
		want = world.Step(want, in, c.sim)
	}
	if c.predicted != want {
		t.Fatalf("reconciled state = %+v, want %+v", c.predicted, want)
	}
	if c.history.Len() != 3 {
		t.Fatalf("history retains %d inputs after reconcile, want 3", c.history.Len())
	}
}

func TestReconcileAllInputsAcked(t *testing.T) {
	c := testClient()
	pushInputs(c, []protocol.Input{
		{Seq: 1, MoveX: 1}, {Seq: 2, MoveX: 1}, {Seq: 3, MoveX: 1},
	})

	authoritative := world.Entity{ID: 1, PosX: 1030, PosY: 1000}
	c.reconcile(protocol.SnapshotPayload{
		Tick:     5,
		Entities: []protocol.EntityState{authoritative.ToWire()},
		Trailer:  []protocol.ClientAck{{ClientID: 1, LastProcessedInputSeq: 3}},
	})

	if c.predicted != authoritative {
		t.Fatalf("with no pending inputs, predicted should equal authoritative: %+v vs %+v", c.predicted, authoritative)
	}
	if c.history.Len() != 0 {
		t.Fatalf("history should be empty, has %d", c.history.Len())
	}
}

func TestProcessSnapshotsSkipsOlderTick(t *testing.T) {
	c := testClient()
	pushInputs(c, []protocol.Input{{Seq: 1, MoveX: 1}})

	newer := protocol.SnapshotPayload{
		Tick:     10,
		Entities: []protocol.EntityState{{ID: 1, PosX: 500, PosY: 500}},
		Trailer:  []protocol.ClientAck{{ClientID: 1, LastProcessedInputSeq: 1}},
	}
	c.snapshots.Insert(newer)
	c.processSnapshots()
	after := c.predicted

	// An older snapshot arriving late must not roll the prediction back.
	older := protocol.SnapshotPayload{
		Tick:     8,
		Entities: []protocol.EntityState{{ID: 1, PosX: 1, PosY: 1}},
		Trailer:  []protocol.ClientAck{{ClientID: 1, LastProcessedInputSeq: 0}},
	}
	c.snapshots.Insert(older)
	c.processSnapshots()

	if c.predicted != after {
		t.Fatalf("older snapshot changed predicted state: %+v -> %+v", after, c.predicted)
	}
}

func TestReconcileWithoutOwnTrailerEntryIsNoop(t *testing.T) {
	c := testClient()
	before := c.predicted
	c.reconcile(protocol.SnapshotPayload{
		Tick:     3,
		Entities: []protocol.EntityState{{ID: 2, PosX: 9}},
		Trailer:  []protocol.ClientAck{{ClientID: 2, LastProcessedInputSeq: 5}},
	})
	if c.predicted != before {
		t.Fatalf("reconcile against foreign snapshot mutated state")
	}
}

func TestSmoothRenderConvergesWithoutSnapping(t *testing.T) {
	c := testClient()
	c.renderSelf = world.Entity{ID: 1, PosX: 0, PosY: 0}
	c.renderValid = true
	c.predicted = world.Entity{ID: 1, PosX: 100, PosY: 0}

	c.smoothRender()
	first := c.renderSelf.PosX
	if first <= 0 || first >= 100 {
		t.Fatalf("first smoothing step = %v, want strictly between 0 and 100", first)
	}
	for i := 0; i < 200; i++ {
		c.smoothRender()
	}
	if diff := c.renderSelf.PosX - 100; diff < -0.5 || diff > 0.5 {
		t.Fatalf("render state did not converge: %v", c.renderSelf.PosX)
	}
}
