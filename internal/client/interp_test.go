package client

import (
	"testing"

	"github.com/vexfall/netarena/internal/protocol"
)

func snapWith(tick uint32, entities ...protocol.EntityState) protocol.SnapshotPayload {
	return protocol.SnapshotPayload{Tick: tick, Entities: entities}
}

func TestInterpolateMidpoint(t *testing.T) {
	b := newSnapshotBuffer(8)
	b.Insert(snapWith(10, protocol.EntityState{ID: 2, PosX: 0, PosY: 0}))
	b.Insert(snapWith(12, protocol.EntityState{ID: 2, PosX: 10, PosY: 20}))
	b.Insert(snapWith(13, protocol.EntityState{ID: 2, PosX: 15, PosY: 30}))

	// renderTick = 13 - 2 = 11, halfway between snapshots 10 and 12.
	out := b.Interpolate(1, 2)
	if len(out) != 1 {
		t.Fatalf("expected 1 remote, got %d", len(out))
	}
	if out[0].PosX != 5 || out[0].PosY != 10 {
		t.Fatalf("midpoint = (%v, %v), want (5, 10)", out[0].PosX, out[0].PosY)
	}
}

func TestInterpolateExcludesSelf(t *testing.T) {
	b := newSnapshotBuffer(8)
	b.Insert(snapWith(10,
		protocol.EntityState{ID: 1, PosX: 1},
		protocol.EntityState{ID: 2, PosX: 2},
	))
	b.Insert(snapWith(12,
		protocol.EntityState{ID: 1, PosX: 1},
		protocol.EntityState{ID: 2, PosX: 2},
	))

	out := b.Interpolate(1, 2)
	for _, e := range out {
		if e.ID == 1 {
			t.Fatalf("self entity leaked into remote interpolation: %+v", e)
		}
	}
}

func TestInterpolateDisappearanceNotExtrapolated(t *testing.T) {
	b := newSnapshotBuffer(8)
	b.Insert(snapWith(10, protocol.EntityState{ID: 3, PosX: 5}))
	b.Insert(snapWith(12)) // entity 3 gone
	b.Insert(snapWith(13))

	out := b.Interpolate(1, 2)
	if len(out) != 0 {
		t.Fatalf("disappeared entity still rendered: %+v", out)
	}
}

func TestInterpolateHoldsWithoutBracket(t *testing.T) {
	b := newSnapshotBuffer(8)
	b.Insert(snapWith(50, protocol.EntityState{ID: 4, PosX: 7, PosY: 9}))

	// Single snapshot: nothing brackets renderTick, hold newest known.
	out := b.Interpolate(1, 2)
	if len(out) != 1 || out[0].PosX != 7 || out[0].PosY != 9 {
		t.Fatalf("hold-position fallback wrong: %+v", out)
	}
}

func TestSnapshotBufferDropsDuplicatesAndOrders(t *testing.T) {
	b := newSnapshotBuffer(8)
	if !b.Insert(snapWith(5)) {
		t.Fatal("first insert rejected")
	}
	if b.Insert(snapWith(5)) {
		t.Fatal("duplicate tick accepted")
	}
	b.Insert(snapWith(3)) // late arrival, out of order
	b.Insert(snapWith(7))

	if b.Len() != 3 {
		t.Fatalf("buffer len = %d, want 3", b.Len())
	}
	latest, ok := b.Latest()
	if !ok || latest.Tick != 7 {
		t.Fatalf("latest tick = %v, want 7", latest.Tick)
	}
}

func TestSnapshotBufferBounded(t *testing.T) {
	b := newSnapshotBuffer(4)
	for tick := uint32(1); tick <= 10; tick++ {
		b.Insert(snapWith(tick))
	}
	if b.Len() != 4 {
		t.Fatalf("buffer len = %d, want cap 4", b.Len())
	}
	latest, _ := b.Latest()
	if latest.Tick != 10 {
		t.Fatalf("latest tick = %d, want 10", latest.Tick)
	}
}
