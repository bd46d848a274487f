package server

import (
	"net"
	"testing"

	"github.com/vexfall/netarena/internal/protocol"
)

func addrFor(port int) *net.UDPAddr {
	return &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: port}
}

func TestClientManagerAssignsUniqueIDs(t *testing.T) {
	m := NewClientManager()
	a, newA := m.Accept(addrFor(1000))
	b, newB := m.Accept(addrFor(1001))
	if !newA || !newB {
		t.Fatal("fresh addresses should create new records")
	}
	if a.ID == b.ID {
		t.Fatalf("both clients got id %d", a.ID)
	}
	if a.ID == 0 || b.ID == 0 {
		t.Fatal("id 0 is reserved and must never be assigned")
	}
}

func TestClientManagerDuplicateConnectReturnsSameRecord(t *testing.T) {
	m := NewClientManager()
	a, _ := m.Accept(addrFor(2000))
	b, isNew := m.Accept(addrFor(2000))
	if isNew {
		t.Fatal("duplicate CONNECT_REQ should not create a second record")
	}
	if a != b {
		t.Fatal("duplicate CONNECT_REQ should return the original record")
	}
}

func TestClientManagerExhaustsAndRecyclesIDs(t *testing.T) {
	m := NewClientManager()
	for i := 0; i < 255; i++ {
		if rec, _ := m.Accept(addrFor(3000 + i)); rec == nil {
			t.Fatalf("accept %d failed before the id space was exhausted", i)
		}
	}
	if rec, _ := m.Accept(addrFor(9999)); rec != nil {
		t.Fatal("256th client should be rejected, got a record")
	}

	first, _ := m.Get(1)
	m.Remove(first.ID)
	rec, isNew := m.Accept(addrFor(9999))
	if rec == nil || !isNew {
		t.Fatal("freed id was not recycled")
	}
	if rec.ID != first.ID {
		t.Fatalf("recycled id = %d, want %d", rec.ID, first.ID)
	}
}

func TestClientManagerAllOrderedByID(t *testing.T) {
	m := NewClientManager()
	for i := 0; i < 20; i++ {
		m.Accept(addrFor(6000 + i))
	}
	// Free a low id and reconnect so the free-list is out of order too.
	m.Remove(3)
	m.Accept(addrFor(6100))

	all := m.All()
	if len(all) != 20 {
		t.Fatalf("All returned %d records, want 20", len(all))
	}
	for i := 1; i < len(all); i++ {
		if all[i-1].ID >= all[i].ID {
			t.Fatalf("All not ordered by id at %d: %d >= %d", i, all[i-1].ID, all[i].ID)
		}
	}
}

func TestOfferInputLatestSeqWins(t *testing.T) {
	rec := NewClientRecord(1, addrFor(4000))
	rec.OfferInput(protocol.Input{Seq: 5, MoveX: 0.5})
	rec.OfferInput(protocol.Input{Seq: 3, MoveX: -1}) // stale redundant copy
	rec.OfferInput(protocol.Input{Seq: 7, MoveX: 1})

	in, ok := rec.TakeInput()
	if !ok {
		t.Fatal("expected a pending input")
	}
	if in.Seq != 7 {
		t.Fatalf("applied seq = %d, want newest 7", in.Seq)
	}
	if rec.LastAppliedInputSeq() != 7 {
		t.Fatalf("LastAppliedInputSeq = %d, want 7", rec.LastAppliedInputSeq())
	}
	if _, ok := rec.TakeInput(); ok {
		t.Fatal("TakeInput should be empty after consuming")
	}
}

// TestInputRedundancyCoversLoss verifies the redundancy scheme from the
// loss-tolerance scenario: with each datagram carrying the last 3
// inputs, a drop pattern with no 3-consecutive losses still delivers
// every input sequence to the server at least once.
func TestInputRedundancyCoversLoss(t *testing.T) {
	rec := NewClientRecord(1, addrFor(5000))

	const total = 1000
	const k = 3
	seen := make(map[uint32]bool)
	var history []protocol.Input

	for seq := uint32(1); seq <= total; seq++ {
		history = append(history, protocol.Input{Seq: seq})
		start := len(history) - k
		if start < 0 {
			start = 0
		}
		batch := history[start:]

		// Drop every third datagram: a deterministic ~33% loss pattern
		// that never drops three in a row.
		if seq%3 == 0 {
			continue
		}

		payload, err := protocol.EncodeInputBatch(batch)
		if err != nil {
			t.Fatalf("EncodeInputBatch: %v", err)
		}
		delivered, err := protocol.DecodeInputBatch(payload)
		if err != nil {
			t.Fatalf("DecodeInputBatch: %v", err)
		}
		for _, in := range delivered {
			seen[in.Seq] = true
			rec.OfferInput(in)
		}
	}

	missing := 0
	for seq := uint32(1); seq <= total; seq++ {
		if !seen[seq] {
			missing++
		}
	}
	if missing > 1 {
		t.Fatalf("%d input sequences never reached the server, want <= 1", missing)
	}

	in, ok := rec.TakeInput()
	if !ok || in.Seq != total {
		t.Fatalf("newest pending input = %v (%v), want seq %d", in.Seq, ok, total)
	}
}
