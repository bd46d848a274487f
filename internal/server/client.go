package server

import (
	"net"
	"sync"
	"time"

	"github.com/vexfall/netarena/internal/metrics"
	"github.com/vexfall/netarena/internal/protocol"
	"github.com/vexfall/netarena/internal/reliable"
)

// ClientRecord is the server's per-client session state:
// identity, transport bookkeeping, and the most recently received
// input pending application at the next tick.
type ClientRecord struct {
	ID   uint8
	Addr *net.UDPAddr

	mu          sync.Mutex
	lastHeardAt time.Time

	// Inbound tracks sequence numbers received from this client, used
	// to build the ack/ackBits fields echoed back to it.
	Inbound *protocol.AckTracker
	// Outbound tracks sequence numbers this server has sent to the
	// client, used to detect inferred loss of SNAPSHOT/RELIABLE_EVENT
	// datagrams.
	Outbound *protocol.AckTracker

	Reliable *reliable.Sender
	Keys     reliable.KeyGen

	// ReliableReceiver deduplicates inbound RELIABLE_EVENT payloads.
	// Created lazily on the first one; most clients never send any.
	reliableRecvOnce sync.Once
	ReliableReceiver *reliable.Receiver

	Quality *metrics.Tracker

	// pendingInput is the latest-seq-wins input applied at the next
	// tick; redundant older inputs in the same datagram are superseded
	// by the newest one and never replace it.
	pendingInputMu         sync.Mutex
	pendingInput           protocol.Input
	highestSeenInputSeq    uint32
	highestAppliedInputSeq uint32
	haveInput              bool
}

// NewClientRecord creates a session for a newly accepted client.
func NewClientRecord(id uint8, addr *net.UDPAddr) *ClientRecord {
	return &ClientRecord{
		ID:          id,
		Addr:        addr,
		lastHeardAt: time.Now(),
		Inbound:     protocol.NewAckTracker(),
		Outbound:    protocol.NewAckTracker(),
		Reliable:    reliable.NewSender(),
		Quality:     metrics.NewTracker(addr.String(), 128),
	}
}

func (c *ClientRecord) initReliableReceiver() {
	c.reliableRecvOnce.Do(func() { c.ReliableReceiver = reliable.NewReceiver() })
}

// Touch records that a datagram was just received from this client.
func (c *ClientRecord) Touch() {
	c.mu.Lock()
	c.lastHeardAt = time.Now()
	c.mu.Unlock()
}

// IdleFor reports how long it has been since the last received
// datagram from this client.
func (c *ClientRecord) IdleFor() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return time.Since(c.lastHeardAt)
}

// OfferInput records a candidate input for the next tick if its
// sequence number is newer than anything seen so far, implementing the
// latest-seq-wins rule.
func (c *ClientRecord) OfferInput(in protocol.Input) {
	c.pendingInputMu.Lock()
	defer c.pendingInputMu.Unlock()
	if !c.haveInput || protocol.SeqNewer32(in.Seq, c.highestSeenInputSeq) {
		c.pendingInput = in
		c.highestSeenInputSeq = in.Seq
		c.haveInput = true
	}
}

// TakeInput returns the input to apply this tick, if any arrived since
// the last call, and records it as applied.
func (c *ClientRecord) TakeInput() (protocol.Input, bool) {
	c.pendingInputMu.Lock()
	defer c.pendingInputMu.Unlock()
	if !c.haveInput {
		return protocol.Input{}, false
	}
	in := c.pendingInput
	c.highestAppliedInputSeq = in.Seq
	c.haveInput = false
	return in, true
}

// LastAppliedInputSeq reports the sequence number of the most recent
// input applied to this client's entity, echoed in SNAPSHOT trailers
// so the client knows which of its predicted inputs to discard during
// reconciliation.
func (c *ClientRecord) LastAppliedInputSeq() uint32 {
	c.pendingInputMu.Lock()
	defer c.pendingInputMu.Unlock()
	return c.highestAppliedInputSeq
}

// ClientManager owns client-id allocation (1-255; 0 is reserved) and the
// live session table.
type ClientManager struct {
	mu      sync.RWMutex
	records map[uint8]*ClientRecord
	byAddr  map[string]uint8
	freeIDs []uint8
}

// NewClientManager returns a manager with the full 1-255 id space free.
func NewClientManager() *ClientManager {
	m := &ClientManager{
		records: make(map[uint8]*ClientRecord),
		byAddr:  make(map[string]uint8),
		freeIDs: make([]uint8, 0, 255),
	}
	for id := 255; id >= 1; id-- {
		m.freeIDs = append(m.freeIDs, uint8(id))
	}
	return m
}

// Accept allocates a new client id for addr, or returns the existing
// record if addr is already connected (a duplicate CONNECT_REQ,
// e.g. a retransmitted one before the first CONNECT_ACK arrived).
func (m *ClientManager) Accept(addr *net.UDPAddr) (*ClientRecord, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := addr.String()
	if id, ok := m.byAddr[key]; ok {
		return m.records[id], false
	}
	if len(m.freeIDs) == 0 {
		return nil, false
	}
	id := m.freeIDs[len(m.freeIDs)-1]
	m.freeIDs = m.freeIDs[:len(m.freeIDs)-1]
	rec := NewClientRecord(id, addr)
	m.records[id] = rec
	m.byAddr[key] = id
	return rec, true
}

// Get returns the record for id, if connected.
func (m *ClientManager) Get(id uint8) (*ClientRecord, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.records[id]
	return r, ok
}

// ByAddr returns the record for a given peer address, if connected.
func (m *ClientManager) ByAddr(addr *net.UDPAddr) (*ClientRecord, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.byAddr[addr.String()]
	if !ok {
		return nil, false
	}
	return m.records[id], true
}

// Remove frees id back to the pool and drops its session.
func (m *ClientManager) Remove(id uint8) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[id]
	if !ok {
		return
	}
	delete(m.records, id)
	delete(m.byAddr, rec.Addr.String())
	m.freeIDs = append(m.freeIDs, id)
}

// All returns every connected client record ordered by id. The tick
// loop applies inputs in this order, which keeps per-tick processing
// deterministic across runs; map iteration alone would not be.
func (m *ClientManager) All() []*ClientRecord {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*ClientRecord, 0, len(m.records))
	for _, r := range m.records {
		out = append(out, r)
	}
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j].ID < out[j-1].ID; j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out
}

// Count returns the number of connected clients.
func (m *ClientManager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.records)
}
