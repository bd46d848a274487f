// Package world holds the authoritative and predicted in-memory game
// state as a flat u8-keyed entity slot table (no pointer graph, so
// snapshots can be diffed or replaced wholesale without fixing up
// references).
package world

import "github.com/vexfall/netarena/internal/protocol"

// Entity is the in-memory mirror of protocol.EntityState.
type Entity struct {
	ID     uint8
	PosX   float32
	PosY   float32
	VelX   float32
	VelY   float32
	Health float32
}

// ToWire converts an Entity to its wire form.
func (e Entity) ToWire() protocol.EntityState {
	return protocol.EntityState(e)
}

// FromWire converts a wire EntityState to an Entity.
func FromWire(w protocol.EntityState) Entity {
	return Entity(w)
}

// State is a flat, id-keyed table of entities at a given tick. The
// server keeps its authoritative world in one; the client predictor
// works on a single Entity instead.
type State struct {
	Tick     uint32
	Entities map[uint8]Entity
}

// NewState returns an empty state at tick 0.
func NewState() *State {
	return &State{Entities: make(map[uint8]Entity)}
}

// Clone returns a deep copy so callers can mutate one without affecting
// the other.
func (s *State) Clone() *State {
	cp := &State{Tick: s.Tick, Entities: make(map[uint8]Entity, len(s.Entities))}
	for id, e := range s.Entities {
		cp.Entities[id] = e
	}
	return cp
}

// Upsert inserts or replaces an entity.
func (s *State) Upsert(e Entity) {
	s.Entities[e.ID] = e
}

// Remove deletes an entity, if present.
func (s *State) Remove(id uint8) {
	delete(s.Entities, id)
}

// Get returns the entity for id and whether it exists.
func (s *State) Get(id uint8) (Entity, bool) {
	e, ok := s.Entities[id]
	return e, ok
}

// Sorted returns the entities ordered by id, for deterministic iteration
// (snapshot encoding).
func (s *State) Sorted() []Entity {
	out := make([]Entity, 0, len(s.Entities))
	for _, e := range s.Entities {
		out = append(out, e)
	}
	// Small N (<=255); insertion sort is quadratic but simpler than
	// pulling in sort for the entity counts this engine targets.
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j].ID < out[j-1].ID; j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out
}
