// Package netsim implements the optional loss/latency injector: a
// wrapping send path used by tests and local development
// to exercise the reliability overlay under adverse network conditions.
package netsim

import (
	"math/rand"
	"net"
	"sync"
	"time"
)

// Conn is the minimal subset of *net.UDPConn the simulator wraps.
type Conn interface {
	WriteToUDP(b []byte, addr *net.UDPAddr) (int, error)
}

// Simulator wraps a UDP connection and, with probability Loss, discards
// an outbound datagram; otherwise it delivers the datagram after a delay
// drawn from BaseLatency + Uniform(0, Jitter). It never reorders beyond
// what that delay distribution naturally produces: datagrams with equal
// computed delay are delivered FIFO, since a datagram due no earlier
// than the latest-due one scheduled before it waits for that one to be
// written first.
type Simulator struct {
	Conn        Conn
	Loss        float64
	BaseLatency time.Duration
	Jitter      time.Duration

	rngMu    sync.Mutex
	rng      *rand.Rand
	lastDue  time.Time
	lastDone chan struct{}

	wg sync.WaitGroup
}

// New returns a Simulator with a private random source seeded from seed,
// so tests can reproduce a specific loss/delay sequence.
func New(conn Conn, loss float64, baseLatency, jitter time.Duration, seed int64) *Simulator {
	return &Simulator{
		Conn:        conn,
		Loss:        loss,
		BaseLatency: baseLatency,
		Jitter:      jitter,
		rng:         rand.New(rand.NewSource(seed)),
	}
}

// Send schedules b for delivery to addr, subject to loss and delay. It
// returns immediately; delivery (or drop) happens asynchronously.
func (s *Simulator) Send(b []byte, addr *net.UDPAddr) {
	s.rngMu.Lock()
	drop := s.rng.Float64() < s.Loss
	var delay time.Duration
	if !drop {
		delay = s.BaseLatency
		if s.Jitter > 0 {
			delay += time.Duration(s.rng.Int63n(int64(s.Jitter) + 1))
		}
	}
	var prev, done chan struct{}
	if !drop && delay > 0 {
		due := time.Now().Add(delay)
		done = make(chan struct{})
		if s.lastDone == nil || !due.Before(s.lastDue) {
			prev = s.lastDone
			s.lastDue, s.lastDone = due, done
		}
	}
	s.rngMu.Unlock()
	if drop {
		return
	}
	cp := make([]byte, len(b))
	copy(cp, b)
	if delay <= 0 {
		_, _ = s.Conn.WriteToUDP(cp, addr)
		return
	}
	s.wg.Add(1)
	time.AfterFunc(delay, func() {
		defer s.wg.Done()
		if prev != nil {
			<-prev
		}
		_, _ = s.Conn.WriteToUDP(cp, addr)
		close(done)
	})
}

// Wait blocks until every scheduled send has been delivered or dropped.
// Intended for tests that need a deterministic end-of-traffic point.
func (s *Simulator) Wait() {
	s.wg.Wait()
}
