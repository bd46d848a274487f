// Package protocol implements the wire format for the arena networking
// engine: a 15-byte header carrying a piggybacked sequence/ack pair over
// an unreliable datagram, and the nine payload shapes that ride on it.
package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Magic identifies a datagram as belonging to this protocol. Anything
// else is dropped before the header is even parsed.
const Magic uint32 = 0x47414D45 // "GAME"

// HeaderSize is the fixed size of PacketHeader on the wire.
const HeaderSize = 15

// Packet type identifiers. 0x00 is reserved so a zeroed buffer never
// decodes as a valid packet.
type Type uint8

const (
	TypeConnectRequest Type = 0x01
	TypeConnectAck     Type = 0x02
	TypeInput          Type = 0x03
	TypeSnapshot       Type = 0x04
	TypePing           Type = 0x05
	TypePong           Type = 0x06
	TypeDisconnect     Type = 0x07
	TypeHeartbeat      Type = 0x08
	TypeReliableEvent  Type = 0x09
)

func (t Type) String() string {
	switch t {
	case TypeConnectRequest:
		return "CONNECT_REQ"
	case TypeConnectAck:
		return "CONNECT_ACK"
	case TypeInput:
		return "INPUT"
	case TypeSnapshot:
		return "SNAPSHOT"
	case TypePing:
		return "PING"
	case TypePong:
		return "PONG"
	case TypeDisconnect:
		return "DISCONNECT"
	case TypeHeartbeat:
		return "HEARTBEAT"
	case TypeReliableEvent:
		return "RELIABLE_EVENT"
	default:
		return fmt.Sprintf("UNKNOWN(0x%02X)", uint8(t))
	}
}

// Sentinel errors classifying malformed input. None of these ever cause
// the caller to disconnect a peer; they're logged at debug and dropped.
var (
	ErrBadMagic         = errors.New("protocol: bad magic")
	ErrTruncatedHeader  = errors.New("protocol: truncated header")
	ErrTruncatedPayload = errors.New("protocol: truncated payload")
	ErrUnknownType      = errors.New("protocol: unknown packet type")
)

// Header is the fixed 15-byte envelope carried by every datagram.
type Header struct {
	Seq        uint16
	Ack        uint16
	AckBits    uint32
	Type       Type
	PayloadLen uint16
}

// Encode writes the header followed by payload into a single buffer.
// It performs no semantic validation beyond what's needed to lay out the
// bytes: the codec is pure and allocation-light.
func Encode(typ Type, seq, ack uint16, ackBits uint32, payload []byte) []byte {
	buf := make([]byte, HeaderSize+len(payload))
	binary.BigEndian.PutUint32(buf[0:4], Magic)
	binary.BigEndian.PutUint16(buf[4:6], seq)
	binary.BigEndian.PutUint16(buf[6:8], ack)
	binary.BigEndian.PutUint32(buf[8:12], ackBits)
	buf[12] = uint8(typ)
	binary.BigEndian.PutUint16(buf[13:15], uint16(len(payload)))
	copy(buf[HeaderSize:], payload)
	return buf
}

// Decode splits a datagram into its header and payload. Passthrough, when
// true, allows an otherwise-valid but unrecognized type to decode instead
// of returning ErrUnknownType — used by tests and by forward-compatible
// relays that don't interpret the payload.
func Decode(data []byte, passthrough bool) (Header, []byte, error) {
	if len(data) < HeaderSize {
		return Header{}, nil, fmt.Errorf("%w: got %d bytes, need %d", ErrTruncatedHeader, len(data), HeaderSize)
	}
	magic := binary.BigEndian.Uint32(data[0:4])
	if magic != Magic {
		return Header{}, nil, ErrBadMagic
	}
	h := Header{
		Seq:        binary.BigEndian.Uint16(data[4:6]),
		Ack:        binary.BigEndian.Uint16(data[6:8]),
		AckBits:    binary.BigEndian.Uint32(data[8:12]),
		Type:       Type(data[12]),
		PayloadLen: binary.BigEndian.Uint16(data[13:15]),
	}
	if !passthrough && !h.Type.known() {
		return Header{}, nil, fmt.Errorf("%w: 0x%02X", ErrUnknownType, uint8(h.Type))
	}
	rest := data[HeaderSize:]
	if int(h.PayloadLen) > len(rest) {
		return Header{}, nil, fmt.Errorf("%w: declared %d, have %d", ErrTruncatedPayload, h.PayloadLen, len(rest))
	}
	return h, rest[:h.PayloadLen], nil
}

func (t Type) known() bool {
	return t >= TypeConnectRequest && t <= TypeReliableEvent
}
