package client

import (
	"testing"

	"github.com/vexfall/netarena/internal/protocol"
	"github.com/vexfall/netarena/internal/world"
)

func TestHistoryLastKOldestFirst(t *testing.T) {
	h := newInputHistory(8)
	for seq := uint32(1); seq <= 5; seq++ {
		h.Push(protocol.Input{Seq: seq}, world.Entity{})
	}
	got := h.LastK(3)
	if len(got) != 3 {
		t.Fatalf("LastK(3) returned %d inputs", len(got))
	}
	if got[0].Seq != 3 || got[1].Seq != 4 || got[2].Seq != 5 {
		t.Fatalf("LastK order wrong: %v %v %v", got[0].Seq, got[1].Seq, got[2].Seq)
	}
}

func TestHistoryLastKShorterThanK(t *testing.T) {
	h := newInputHistory(8)
	h.Push(protocol.Input{Seq: 1}, world.Entity{})
	if got := h.LastK(3); len(got) != 1 || got[0].Seq != 1 {
		t.Fatalf("LastK on short history = %+v", got)
	}
}

func TestHistoryDropThrough(t *testing.T) {
	h := newInputHistory(16)
	for seq := uint32(1); seq <= 10; seq++ {
		h.Push(protocol.Input{Seq: seq}, world.Entity{})
	}
	h.DropThrough(7)
	pending := h.Pending()
	if len(pending) != 3 {
		t.Fatalf("pending = %d inputs, want 3", len(pending))
	}
	for i, want := range []uint32{8, 9, 10} {
		if pending[i].Seq != want {
			t.Fatalf("pending[%d].Seq = %d, want %d", i, pending[i].Seq, want)
		}
	}
}

func TestHistoryEvictsOldestAtCapacity(t *testing.T) {
	h := newInputHistory(4)
	for seq := uint32(1); seq <= 6; seq++ {
		h.Push(protocol.Input{Seq: seq}, world.Entity{})
	}
	pending := h.Pending()
	if len(pending) != 4 || pending[0].Seq != 3 || pending[3].Seq != 6 {
		t.Fatalf("expected seqs 3..6 after eviction, got %+v", pending)
	}
}
