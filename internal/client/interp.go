package client

import (
	"github.com/vexfall/netarena/internal/protocol"
	"github.com/vexfall/netarena/internal/world"
)

// snapshotBuffer holds the last M received snapshots ordered by tick,
// feeding remote-entity interpolation. Duplicates (retransmits, or
// snapshots delivered twice by the loss simulator) are dropped; late
// arrivals are inserted in tick order, and once the buffer is full the
// oldest retained snapshot is evicted.
type snapshotBuffer struct {
	snaps []protocol.SnapshotPayload
	cap   int
}

func newSnapshotBuffer(capacity int) *snapshotBuffer {
	return &snapshotBuffer{cap: capacity}
}

// Insert adds snap in tick order, evicting the oldest retained snapshot
// once full. Returns false for duplicates.
func (b *snapshotBuffer) Insert(snap protocol.SnapshotPayload) bool {
	i := len(b.snaps)
	for i > 0 && protocol.SeqNewer32(b.snaps[i-1].Tick, snap.Tick) {
		i--
	}
	if i > 0 && b.snaps[i-1].Tick == snap.Tick {
		return false
	}
	b.snaps = append(b.snaps, protocol.SnapshotPayload{})
	copy(b.snaps[i+1:], b.snaps[i:])
	b.snaps[i] = snap
	if len(b.snaps) > b.cap {
		copy(b.snaps, b.snaps[1:])
		b.snaps = b.snaps[:len(b.snaps)-1]
	}
	return true
}

// Latest returns the newest retained snapshot.
func (b *snapshotBuffer) Latest() (protocol.SnapshotPayload, bool) {
	if len(b.snaps) == 0 {
		return protocol.SnapshotPayload{}, false
	}
	return b.snaps[len(b.snaps)-1], true
}

// Len reports how many snapshots are retained.
func (b *snapshotBuffer) Len() int { return len(b.snaps) }

// bracket finds the pair (a, b) with a.Tick <= renderTick < b.Tick.
func (b *snapshotBuffer) bracket(renderTick uint32) (protocol.SnapshotPayload, protocol.SnapshotPayload, bool) {
	for i := 0; i+1 < len(b.snaps); i++ {
		sa, sb := b.snaps[i], b.snaps[i+1]
		aOK := sa.Tick == renderTick || !protocol.SeqNewer32(sa.Tick, renderTick)
		bOK := protocol.SeqNewer32(sb.Tick, renderTick)
		if aOK && bOK {
			return sa, sb, true
		}
	}
	return protocol.SnapshotPayload{}, protocol.SnapshotPayload{}, false
}

// Interpolate renders every remote entity (id != selfID) at
// renderTick = latest - delay ticks. Entities are linearly interpolated
// between the bracketing snapshot pair; an entity absent from the later
// snapshot has disappeared and is not rendered, never extrapolated.
// When the buffer cannot bracket renderTick the newest known positions
// are held as-is.
func (b *snapshotBuffer) Interpolate(selfID uint8, delay uint32) []world.Entity {
	latest, ok := b.Latest()
	if !ok {
		return nil
	}
	renderTick := latest.Tick - delay

	sa, sb, ok := b.bracket(renderTick)
	if !ok {
		return remotesOf(latest, selfID)
	}

	span := float32(sb.Tick - sa.Tick)
	frac := float32(renderTick-sa.Tick) / span

	after := make(map[uint8]protocol.EntityState, len(sb.Entities))
	for _, e := range sb.Entities {
		after[e.ID] = e
	}

	var out []world.Entity
	for _, ea := range sa.Entities {
		if ea.ID == selfID {
			continue
		}
		eb, alive := after[ea.ID]
		if !alive {
			continue
		}
		out = append(out, world.Entity{
			ID:     ea.ID,
			PosX:   ea.PosX + (eb.PosX-ea.PosX)*frac,
			PosY:   ea.PosY + (eb.PosY-ea.PosY)*frac,
			VelX:   eb.VelX,
			VelY:   eb.VelY,
			Health: eb.Health,
		})
	}
	return out
}

func remotesOf(snap protocol.SnapshotPayload, selfID uint8) []world.Entity {
	var out []world.Entity
	for _, e := range snap.Entities {
		if e.ID == selfID {
			continue
		}
		out = append(out, world.FromWire(e))
	}
	return out
}
