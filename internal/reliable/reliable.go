// Package reliable layers at-least-once delivery on top of the
// otherwise-unreliable datagram transport, scoped to RELIABLE_EVENT
// packets only: chat messages, join/leave announcements, and other
// low-frequency events that must not be silently dropped the way
// INPUT and SNAPSHOT packets are. Ordering across retransmissions is
// not preserved; consumers key on the carried ordering key instead.
package reliable

import (
	"sync"

	"github.com/vexfall/netarena/internal/metrics"
	"github.com/vexfall/netarena/internal/protocol"
)

// Sender retains outbound RELIABLE_EVENT payloads keyed by the
// protocol sequence number they were sent under, and resends whatever
// the paired AckTracker reports as inferred lost.
type Sender struct {
	mu      sync.Mutex
	pending map[uint16][]byte
}

// NewSender returns an empty Sender.
func NewSender() *Sender {
	return &Sender{pending: make(map[uint16][]byte)}
}

// Track retains payload under seq until it is acked or given up on.
func (s *Sender) Track(seq uint16, payload []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make([]byte, len(payload))
	copy(cp, payload)
	s.pending[seq] = cp
}

// Ack discards the retained payload for seq, if any.
func (s *Sender) Ack(seq uint16) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.pending, seq)
}

// Resend returns the retained payload of every tracked sequence number
// reported lost, for the caller to re-encode under a fresh
// outbound sequence number and re-track. The entry is removed from
// pending regardless, since InferredLost already consumed it from the
// AckTracker's own bookkeeping.
func (s *Sender) Resend(lost []uint16) [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]byte, 0, len(lost))
	for _, seq := range lost {
		payload, ok := s.pending[seq]
		if !ok {
			continue
		}
		delete(s.pending, seq)
		out = append(out, payload)
		metrics.IncRetransmit()
	}
	return out
}

// Pending reports how many RELIABLE_EVENT payloads are awaiting ack.
func (s *Sender) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// Receiver applies at-least-once delivery semantics on the inbound
// side: each RELIABLE_EVENT carries an application-level monotonic
// key distinct from the transport sequence number (the transport seq
// wraps and is reused across all packet types); the Receiver tracks
// the keys already delivered to the application and drops duplicates
// caused by retransmission.
//
// Tracking is bounded: keys are issued monotonically by the peer's
// KeyGen and a retransmit trails the original by at most the ack
// window, so once the high-water mark has moved receiverWindow keys
// past a delivered key, that key can only reappear as a stale
// retransmit. Keys below the resulting floor are evicted and treated
// as duplicates, keeping memory constant over a long session.
type Receiver struct {
	mu     sync.Mutex
	seen   map[uint32]struct{}
	high   uint32
	floor  uint32
	primed bool
}

// receiverWindow is how far behind the highest delivered key the
// Receiver keeps exact dedupe state. Far larger than the 33-packet
// transport ack window that bounds legitimate retransmit lag.
const receiverWindow = 1024

// NewReceiver returns an empty Receiver.
func NewReceiver() *Receiver {
	return &Receiver{seen: make(map[uint32]struct{})}
}

// Accept decodes a RELIABLE_EVENT payload and reports whether it is
// new (true) or a duplicate that should be dropped (false).
func (r *Receiver) Accept(payload []byte) (orderingKey uint32, data []byte, fresh bool, err error) {
	key, data, err := protocol.DecodeReliableEvent(payload)
	if err != nil {
		return 0, nil, false, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.primed && key < r.floor {
		return key, data, false, nil
	}
	if _, dup := r.seen[key]; dup {
		return key, data, false, nil
	}
	r.seen[key] = struct{}{}
	if !r.primed || key > r.high {
		r.high = key
		r.primed = true
	}
	if r.high >= receiverWindow && r.high-receiverWindow > r.floor {
		r.floor = r.high - receiverWindow
		for k := range r.seen {
			if k < r.floor {
				delete(r.seen, k)
			}
		}
	}
	return key, data, true, nil
}

// KeyGen assigns monotonically increasing application-level ordering
// keys to outbound RELIABLE_EVENT payloads on one peer's reliable
// channel, independent of the transport sequence number.
type KeyGen struct {
	mu   sync.Mutex
	next uint32
}

// Next returns the next ordering key, starting at 0.
func (g *KeyGen) Next() uint32 {
	g.mu.Lock()
	defer g.mu.Unlock()
	k := g.next
	g.next++
	return k
}
