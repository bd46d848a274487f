// Package client implements the predicting side of the engine: a
// fixed-rate local tick loop that applies its own
// inputs immediately, sends them with redundancy, reconciles against
// authoritative snapshots, and interpolates remote entities from a
// bounded snapshot buffer.
package client

import (
	"github.com/vexfall/netarena/internal/protocol"
	"github.com/vexfall/netarena/internal/world"
)

// historyEntry is one sent input tagged with the predicted state the
// local entity was in right after applying it.
type historyEntry struct {
	In   protocol.Input
	Post world.Entity
}

// inputHistory is the circular buffer of recently sent inputs. It backs
// both the redundancy scheme (the last K entries ride on every INPUT
// datagram) and reconciliation (entries newer than the server's
// last-processed seq are replayed atop the authoritative state).
type inputHistory struct {
	entries []historyEntry
	cap     int
}

func newInputHistory(capacity int) *inputHistory {
	return &inputHistory{cap: capacity}
}

// Push appends an entry, evicting the oldest once the buffer is full.
func (h *inputHistory) Push(in protocol.Input, post world.Entity) {
	if len(h.entries) >= h.cap {
		copy(h.entries, h.entries[1:])
		h.entries = h.entries[:len(h.entries)-1]
	}
	h.entries = append(h.entries, historyEntry{In: in, Post: post})
}

// DropThrough removes every entry with seq <= through (wrap-aware), the
// inputs the server has confirmed processing via the snapshot trailer.
func (h *inputHistory) DropThrough(through uint32) {
	keep := h.entries[:0]
	for _, e := range h.entries {
		if protocol.SeqNewer32(e.In.Seq, through) {
			keep = append(keep, e)
		}
	}
	h.entries = keep
}

// Pending returns the retained inputs, oldest first.
func (h *inputHistory) Pending() []protocol.Input {
	out := make([]protocol.Input, len(h.entries))
	for i, e := range h.entries {
		out[i] = e.In
	}
	return out
}

// LastK returns up to k of the most recent inputs, oldest first, the
// shape EncodeInputBatch expects.
func (h *inputHistory) LastK(k int) []protocol.Input {
	n := len(h.entries)
	if k > n {
		k = n
	}
	out := make([]protocol.Input, k)
	for i := 0; i < k; i++ {
		out[i] = h.entries[n-k+i].In
	}
	return out
}

// Len reports how many inputs are retained.
func (h *inputHistory) Len() int { return len(h.entries) }
