package world

import (
	"math"

	"github.com/vexfall/netarena/internal/config"
	"github.com/vexfall/netarena/internal/protocol"
)

// Step advances one entity by one fixed timestep under the given input.
// This is the single pure function shared, unduplicated, between the
// server and the client predictor: both must call exactly this
// function with the same float32 arithmetic, or reconciliation will
// never converge.
//
// Health is untouched here; action-driven mutation is a game-rules
// concern outside the movement core.
func Step(e Entity, in protocol.Input, sim config.Sim) Entity {
	mx, my := clamp(in.MoveX, -1, 1), clamp(in.MoveY, -1, 1)
	if lenSq := mx*mx + my*my; lenSq > 1 {
		inv := float32(1) / float32(math.Sqrt(float64(lenSq)))
		mx *= inv
		my *= inv
	}

	dt := sim.DTSeconds()
	velX := mx * sim.Speed
	velY := my * sim.Speed

	e.VelX = velX
	e.VelY = velY
	e.PosX += velX * dt
	e.PosY += velY * dt

	e.PosX = clamp(e.PosX, 0, sim.WorldW)
	e.PosY = clamp(e.PosY, 0, sim.WorldH)

	return e
}

func clamp(v, lo, hi float32) float32 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
