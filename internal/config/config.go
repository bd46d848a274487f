// Package config holds the single simulation configuration threaded
// through both the server and the client, plus the CLI/env surface that
// produces it.
package config

import "time"

// Sim is the shared, deterministic configuration both sides must agree
// on bit-for-bit: the physics constant SPEED and the world rectangle
// must match exactly between server and client predictor, or
// reconciliation will forever disagree.
type Sim struct {
	// Speed is the entity movement speed in world units/second, applied
	// identically by the server and the client predictor.
	Speed float32
	// WorldW, WorldH bound the rectangle entity positions are clamped to
	// after every physics step.
	WorldW float32
	WorldH float32
	// TickRate is the fixed simulation rate in Hz (default 20).
	TickRate int
}

// DefaultSim returns the engine's default simulation constants.
func DefaultSim() Sim {
	return Sim{
		Speed:    200,
		WorldW:   2000,
		WorldH:   2000,
		TickRate: 20,
	}
}

// DT returns the fixed timestep implied by TickRate.
func (s Sim) DT() time.Duration {
	return time.Second / time.Duration(s.TickRate)
}

// DTSeconds returns the fixed timestep as float32 seconds, the form the
// physics step consumes.
func (s Sim) DTSeconds() float32 {
	return 1.0 / float32(s.TickRate)
}

// Engine-wide tunables that aren't part of the deterministic physics
// contract but still need to match expectations on both sides of the
// wire (buffer sizes, timeouts, redundancy factors).
const (
	// MaxDatagramsPerTick bounds receive-queue drain work per tick to
	// prevent live-lock under a packet flood.
	MaxDatagramsPerTick = 1024
	// ClientTimeout is how long the server waits without hearing from a
	// client before expiring its session.
	ClientTimeout = 5 * time.Second
	// InputHistorySize is the client's circular buffer of recently sent
	// inputs, each tagged with its predicted post-state.
	InputHistorySize = 128
	// SnapshotBufferSize is the client's circular buffer of recently
	// received snapshots, keyed by tick.
	SnapshotBufferSize = 32
	// InputRedundancy (K) is how many of the most recent inputs are sent
	// in each INPUT datagram.
	InputRedundancy = 3
	// InterpDelay is how many ticks behind the latest received snapshot
	// remote-entity interpolation renders at.
	InterpDelay = 2
	// RenderSmoothTau is the exponential-smoothing time constant used to
	// avoid visual snapping after reconciliation.
	RenderSmoothTau = 75 * time.Millisecond
)
