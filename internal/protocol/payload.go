package protocol

import (
	"encoding/binary"
	"fmt"
	"math"
)

// Input is one client input sample: a monotonically nondecreasing
// sequence number plus a 2D move vector and an action bitfield.
type Input struct {
	Seq     uint32
	MoveX   float32
	MoveY   float32
	Actions uint8
}

const inputWireSize = 4 + 4 + 4 + 1 // seq + moveX + moveY + actions

// MaxInputBatch caps how many redundant inputs one INPUT payload may
// carry. The cap is part of the wire contract, not just a sender
// courtesy: the server decodes these payloads from untrusted peers.
const MaxInputBatch = 64

// EncodeInputBatch builds an INPUT payload carrying the given inputs,
// oldest first, per the input-redundancy scheme.
func EncodeInputBatch(inputs []Input) ([]byte, error) {
	if len(inputs) > MaxInputBatch {
		return nil, fmt.Errorf("protocol: input batch has %d entries, max %d", len(inputs), MaxInputBatch)
	}
	buf := make([]byte, 1+len(inputs)*inputWireSize)
	buf[0] = uint8(len(inputs))
	off := 1
	for _, in := range inputs {
		binary.BigEndian.PutUint32(buf[off:], in.Seq)
		binary.BigEndian.PutUint32(buf[off+4:], math.Float32bits(in.MoveX))
		binary.BigEndian.PutUint32(buf[off+8:], math.Float32bits(in.MoveY))
		buf[off+12] = in.Actions
		off += inputWireSize
	}
	return buf, nil
}

// DecodeInputBatch parses an INPUT payload back into its inputs.
func DecodeInputBatch(payload []byte) ([]Input, error) {
	if len(payload) < 1 {
		return nil, fmt.Errorf("%w: empty input payload", ErrTruncatedPayload)
	}
	count := int(payload[0])
	if count > MaxInputBatch {
		return nil, fmt.Errorf("protocol: input batch declares %d entries, max %d", count, MaxInputBatch)
	}
	need := 1 + count*inputWireSize
	if len(payload) < need {
		return nil, fmt.Errorf("%w: input batch declares %d entries, have %d bytes", ErrTruncatedPayload, count, len(payload))
	}
	out := make([]Input, count)
	off := 1
	for i := 0; i < count; i++ {
		out[i] = Input{
			Seq:     binary.BigEndian.Uint32(payload[off:]),
			MoveX:   math.Float32frombits(binary.BigEndian.Uint32(payload[off+4:])),
			MoveY:   math.Float32frombits(binary.BigEndian.Uint32(payload[off+8:])),
			Actions: payload[off+12],
		}
		off += inputWireSize
	}
	return out, nil
}

// EntityState is the 21-byte per-entity record carried inside SNAPSHOT.
type EntityState struct {
	ID     uint8
	PosX   float32
	PosY   float32
	VelX   float32
	VelY   float32
	Health float32
}

const entityWireSize = 1 + 4*5

func encodeEntity(buf []byte, e EntityState) {
	buf[0] = e.ID
	binary.BigEndian.PutUint32(buf[1:], math.Float32bits(e.PosX))
	binary.BigEndian.PutUint32(buf[5:], math.Float32bits(e.PosY))
	binary.BigEndian.PutUint32(buf[9:], math.Float32bits(e.VelX))
	binary.BigEndian.PutUint32(buf[13:], math.Float32bits(e.VelY))
	binary.BigEndian.PutUint32(buf[17:], math.Float32bits(e.Health))
}

func decodeEntity(buf []byte) EntityState {
	return EntityState{
		ID:     buf[0],
		PosX:   math.Float32frombits(binary.BigEndian.Uint32(buf[1:])),
		PosY:   math.Float32frombits(binary.BigEndian.Uint32(buf[5:])),
		VelX:   math.Float32frombits(binary.BigEndian.Uint32(buf[9:])),
		VelY:   math.Float32frombits(binary.BigEndian.Uint32(buf[13:])),
		Health: math.Float32frombits(binary.BigEndian.Uint32(buf[17:])),
	}
}

// ClientAck is one entry of the SNAPSHOT trailer: the last input
// sequence the server had applied for this client as of this tick.
type ClientAck struct {
	ClientID              uint8
	LastProcessedInputSeq uint32
}

const clientAckWireSize = 1 + 4

// SnapshotPayload is the decoded form of a SNAPSHOT packet's payload.
type SnapshotPayload struct {
	Tick     uint32
	Entities []EntityState
	Trailer  []ClientAck
}

// EncodeSnapshot serializes a world snapshot plus its per-client
// acknowledgment trailer.
func EncodeSnapshot(s SnapshotPayload) ([]byte, error) {
	if len(s.Entities) > 255 {
		return nil, fmt.Errorf("protocol: snapshot has %d entities, max 255", len(s.Entities))
	}
	if len(s.Trailer) > 255 {
		return nil, fmt.Errorf("protocol: snapshot trailer has %d entries, max 255", len(s.Trailer))
	}
	size := 4 + 1 + len(s.Entities)*entityWireSize + 1 + len(s.Trailer)*clientAckWireSize
	buf := make([]byte, size)
	binary.BigEndian.PutUint32(buf[0:], s.Tick)
	buf[4] = uint8(len(s.Entities))
	off := 5
	for _, e := range s.Entities {
		encodeEntity(buf[off:], e)
		off += entityWireSize
	}
	buf[off] = uint8(len(s.Trailer))
	off++
	for _, c := range s.Trailer {
		buf[off] = c.ClientID
		binary.BigEndian.PutUint32(buf[off+1:], c.LastProcessedInputSeq)
		off += clientAckWireSize
	}
	return buf, nil
}

// DecodeSnapshot parses a SNAPSHOT payload.
func DecodeSnapshot(payload []byte) (SnapshotPayload, error) {
	if len(payload) < 5 {
		return SnapshotPayload{}, fmt.Errorf("%w: snapshot header", ErrTruncatedPayload)
	}
	tick := binary.BigEndian.Uint32(payload[0:])
	entityCount := int(payload[4])
	off := 5
	need := off + entityCount*entityWireSize + 1
	if len(payload) < need {
		return SnapshotPayload{}, fmt.Errorf("%w: snapshot entities", ErrTruncatedPayload)
	}
	entities := make([]EntityState, entityCount)
	for i := 0; i < entityCount; i++ {
		entities[i] = decodeEntity(payload[off:])
		off += entityWireSize
	}
	trailerCount := int(payload[off])
	off++
	need = off + trailerCount*clientAckWireSize
	if len(payload) < need {
		return SnapshotPayload{}, fmt.Errorf("%w: snapshot trailer", ErrTruncatedPayload)
	}
	trailer := make([]ClientAck, trailerCount)
	for i := 0; i < trailerCount; i++ {
		trailer[i] = ClientAck{
			ClientID:              payload[off],
			LastProcessedInputSeq: binary.BigEndian.Uint32(payload[off+1:]),
		}
		off += clientAckWireSize
	}
	return SnapshotPayload{Tick: tick, Entities: entities, Trailer: trailer}, nil
}

// EncodeConnectAck builds the CONNECT_ACK payload: the id the server
// assigned this client plus the simulation parameters it must mirror.
func EncodeConnectAck(assignedID uint8, tickRate uint8, worldW, worldH float32) []byte {
	buf := make([]byte, 1+1+4+4)
	buf[0] = assignedID
	buf[1] = tickRate
	binary.BigEndian.PutUint32(buf[2:], math.Float32bits(worldW))
	binary.BigEndian.PutUint32(buf[6:], math.Float32bits(worldH))
	return buf
}

// ConnectAck is the decoded form of a CONNECT_ACK payload.
type ConnectAck struct {
	AssignedID uint8
	TickRate   uint8
	WorldW     float32
	WorldH     float32
}

// DecodeConnectAck parses a CONNECT_ACK payload.
func DecodeConnectAck(payload []byte) (ConnectAck, error) {
	if len(payload) < 10 {
		return ConnectAck{}, fmt.Errorf("%w: connect ack", ErrTruncatedPayload)
	}
	return ConnectAck{
		AssignedID: payload[0],
		TickRate:   payload[1],
		WorldW:     math.Float32frombits(binary.BigEndian.Uint32(payload[2:])),
		WorldH:     math.Float32frombits(binary.BigEndian.Uint32(payload[6:])),
	}, nil
}

// EncodeTimestamp builds a PING/PONG payload carrying an 8-byte
// timestamp, echoed verbatim by the receiver.
func EncodeTimestamp(ts uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, ts)
	return buf
}

// DecodeTimestamp parses a PING/PONG payload.
func DecodeTimestamp(payload []byte) (uint64, error) {
	if len(payload) < 8 {
		return 0, fmt.Errorf("%w: timestamp", ErrTruncatedPayload)
	}
	return binary.BigEndian.Uint64(payload), nil
}

// EncodeReliableEvent wraps an application payload with its ordering
// key for the reliable-event sublayer.
func EncodeReliableEvent(orderingKey uint32, data []byte) []byte {
	buf := make([]byte, 4+len(data))
	binary.BigEndian.PutUint32(buf, orderingKey)
	copy(buf[4:], data)
	return buf
}

// DecodeReliableEvent splits a RELIABLE_EVENT payload into its ordering
// key and application data.
func DecodeReliableEvent(payload []byte) (uint32, []byte, error) {
	if len(payload) < 4 {
		return 0, nil, fmt.Errorf("%w: reliable event", ErrTruncatedPayload)
	}
	return binary.BigEndian.Uint32(payload), payload[4:], nil
}
