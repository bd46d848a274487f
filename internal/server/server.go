// Package server implements the authoritative side of the engine: a
// single-threaded, fixed-rate simulation over UDP that applies the
// latest queued input per client, steps physics, and broadcasts a
// snapshot every tick.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/vexfall/netarena/internal/config"
	"github.com/vexfall/netarena/internal/logging"
	"github.com/vexfall/netarena/internal/metrics"
	"github.com/vexfall/netarena/internal/netsim"
	"github.com/vexfall/netarena/internal/protocol"
	"github.com/vexfall/netarena/internal/world"
)

// Server owns the UDP socket and coordinates the tick loop and client
// lifecycle.
type Server struct {
	mu   sync.RWMutex
	addr string

	sim config.Sim

	conn       *net.UDPConn
	simulator  *netsim.Simulator
	pendingSim *netsimConfig

	world   *world.State
	clients *ClientManager

	maxPlayers int
	logger     *zap.SugaredLogger
	eventFn    func(clientID uint8, orderingKey uint32, data []byte)

	readyOnce sync.Once
	readyCh   chan struct{}

	lastErrMu sync.Mutex
	lastErr   error
	errCh     chan error

	wg sync.WaitGroup

	totalAccepted  int64
	totalRejected  int64
	totalTimedOut  int64
	totalDatagrams int64
}

type ServerOption func(*Server)

// WithListenAddr sets the UDP listen address (host:port).
func WithListenAddr(a string) ServerOption { return func(s *Server) { s.addr = a } }

// WithSim overrides the simulation constants (speed, world size, tick rate).
func WithSim(sim config.Sim) ServerOption { return func(s *Server) { s.sim = sim } }

// WithMaxPlayers caps concurrent clients (clamped to 255 by the id space).
func WithMaxPlayers(n int) ServerOption {
	return func(s *Server) {
		if n > 0 {
			s.maxPlayers = n
		}
	}
}

// WithNetsim installs a loss/latency injector on the outbound path,
// used for local soak testing of the reliability layer.
func WithNetsim(loss float64, baseLatency, jitter time.Duration, seed int64) ServerOption {
	return func(s *Server) { s.pendingSim = &netsimConfig{loss, baseLatency, jitter, seed} }
}

// WithEventFunc installs the handler for reliable events received from
// clients. It runs on the tick goroutine; deduplication has already
// happened.
func WithEventFunc(fn func(clientID uint8, orderingKey uint32, data []byte)) ServerOption {
	return func(s *Server) { s.eventFn = fn }
}

// WithLogger overrides the logger (default: logging.L()).
func WithLogger(l *zap.SugaredLogger) ServerOption {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

type netsimConfig struct {
	loss        float64
	baseLatency time.Duration
	jitter      time.Duration
	seed        int64
}

// New constructs a Server. The UDP socket is bound lazily in Serve.
func New(opts ...ServerOption) *Server {
	s := &Server{
		sim:        config.DefaultSim(),
		maxPlayers: 255,
		clients:    NewClientManager(),
		world:      world.NewState(),
		readyCh:    make(chan struct{}),
		errCh:      make(chan error, 1),
		logger:     logging.L(),
	}
	for _, o := range opts {
		o(s)
	}
	if s.addr == "" {
		s.addr = ":0"
	}
	if s.maxPlayers > 255 {
		s.maxPlayers = 255
	}
	return s
}

// Addr returns the bound listen address (resolved after Serve starts).
func (s *Server) Addr() string { s.mu.RLock(); defer s.mu.RUnlock(); return s.addr }

// Ready closes once the socket is bound and the tick loop is about to start.
func (s *Server) Ready() <-chan struct{} { return s.readyCh }

// Errors surfaces fatal errors encountered while serving.
func (s *Server) Errors() <-chan error { return s.errCh }

func (s *Server) setError(err error) {
	if err == nil {
		return
	}
	s.lastErrMu.Lock()
	s.lastErr = err
	s.lastErrMu.Unlock()
	select {
	case s.errCh <- err:
	default:
	}
}

// LastError returns the most recently recorded fatal error, if any.
func (s *Server) LastError() error {
	s.lastErrMu.Lock()
	defer s.lastErrMu.Unlock()
	return s.lastErr
}

// Serve binds the UDP socket, starts the receive pump and the
// fixed-rate tick loop, and blocks until ctx is canceled.
func (s *Server) Serve(ctx context.Context) error {
	udpAddr, err := net.ResolveUDPAddr("udp", s.addr)
	if err != nil {
		wrap := fmt.Errorf("%w: %v", ErrBind, err)
		metrics.IncError(mapErrToMetric(wrap))
		s.setError(wrap)
		return wrap
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		wrap := fmt.Errorf("%w: %v", ErrBind, err)
		metrics.IncError(mapErrToMetric(wrap))
		s.setError(wrap)
		return wrap
	}
	s.mu.Lock()
	s.conn = conn
	s.addr = conn.LocalAddr().String()
	s.mu.Unlock()

	if s.pendingSim != nil {
		s.simulator = netsim.New(conn, s.pendingSim.loss, s.pendingSim.baseLatency, s.pendingSim.jitter, s.pendingSim.seed)
	}

	metrics.SetReadinessFunc(func() bool { return true })
	metrics.ConnectedClients.Set(0)

	s.readyOnce.Do(func() { close(s.readyCh) })
	s.logger.Infow("udp_listen", "addr", s.Addr(), "tick_rate", s.sim.TickRate)

	recvCh := make(chan datagram, config.MaxDatagramsPerTick)
	s.wg.Add(1)
	go s.recvPump(ctx, conn, recvCh)

	ticker := time.NewTicker(s.sim.DT())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			start := time.Now()
			s.tick(recvCh)
			metrics.ObserveTick(time.Since(start))
		}
	}
}

type datagram struct {
	data []byte
	addr *net.UDPAddr
}

// recvPump reads datagrams off the socket as fast as the kernel
// delivers them and forwards them to the tick loop over a bounded
// channel; a full channel means the tick loop is behind and the
// datagram is dropped rather than blocking the reader indefinitely
// (bounded queue, never unbounded memory growth).
func (s *Server) recvPump(ctx context.Context, conn *net.UDPConn, out chan<- datagram) {
	defer s.wg.Done()
	buf := make([]byte, 2048)
	for {
		_ = conn.SetReadDeadline(time.Now().Add(250 * time.Millisecond))
		n, addr, err := conn.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			wrap := fmt.Errorf("%w: %v", ErrReceive, err)
			metrics.IncError(mapErrToMetric(wrap))
			s.setError(wrap)
			continue
		}
		cp := make([]byte, n)
		copy(cp, buf[:n])
		metrics.AddReceived(n)
		select {
		case out <- datagram{data: cp, addr: addr}:
		default:
			// queue full; drop, same as a lost packet from the
			// reliability layer's point of view.
		}
		if ctx.Err() != nil {
			return
		}
	}
}

// tick drains whatever datagrams arrived since the last tick (bounded
// by MaxDatagramsPerTick), applies the latest input per client, steps
// physics once, expires idle clients, and broadcasts a snapshot.
func (s *Server) tick(recvCh <-chan datagram) {
	drained := 0
drain:
	for drained < config.MaxDatagramsPerTick {
		select {
		case dg := <-recvCh:
			s.handleDatagram(dg)
			s.totalDatagrams++
			drained++
		default:
			break drain
		}
	}

	s.world.Tick++
	for _, rec := range s.clients.All() {
		in, ok := rec.TakeInput()
		if !ok {
			continue
		}
		e, exists := s.world.Get(rec.ID)
		if !exists {
			continue
		}
		s.world.Upsert(world.Step(e, in, s.sim))
	}

	s.expireIdleClients()
	s.broadcastSnapshot()
}

func (s *Server) expireIdleClients() {
	for _, rec := range s.clients.All() {
		if rec.IdleFor() > config.ClientTimeout {
			s.disconnectClient(rec, "timeout")
			s.totalTimedOut++
			metrics.ClientsTimedOut.Inc()
		}
	}
}

func (s *Server) disconnectClient(rec *ClientRecord, reason string) {
	s.clients.Remove(rec.ID)
	s.world.Remove(rec.ID)
	metrics.ConnectedClients.Set(float64(s.clients.Count()))
	s.announce(EventPlayerLeft, rec.ID)
	s.logger.Infow("client_disconnected", "client_id", rec.ID, "reason", reason)
}

func (s *Server) broadcastSnapshot() {
	entities := s.world.Sorted()
	wire := make([]protocol.EntityState, len(entities))
	for i, e := range entities {
		wire[i] = e.ToWire()
	}

	all := s.clients.All()
	trailer := make([]protocol.ClientAck, len(all))
	for i, rec := range all {
		trailer[i] = protocol.ClientAck{ClientID: rec.ID, LastProcessedInputSeq: rec.LastAppliedInputSeq()}
	}

	payload, err := protocol.EncodeSnapshot(protocol.SnapshotPayload{
		Tick:     s.world.Tick,
		Entities: wire,
		Trailer:  trailer,
	})
	if err != nil {
		metrics.IncError(metrics.ErrDecode)
		s.logger.Errorw("snapshot_encode_failed", "error", err)
		return
	}

	for _, rec := range all {
		ack, ackBits := rec.Inbound.AckFields()
		seq := rec.Outbound.NextOutbound()
		pkt := protocol.Encode(protocol.TypeSnapshot, seq, ack, ackBits, payload)
		rec.Outbound.MarkSent(seq, time.Now().UnixNano())
		s.send(pkt, rec.Addr)
		rec.Quality.OnSent()

		lost := rec.Outbound.InferredLost()
		for range lost {
			rec.Quality.OnLost()
		}
		// Retransmit any reliable payload that rode on a lost sequence,
		// under a fresh sequence number.
		for _, eventPayload := range rec.Reliable.Resend(lost) {
			reSeq := rec.Outbound.NextOutbound()
			ack, ackBits = rec.Inbound.AckFields()
			s.send(protocol.Encode(protocol.TypeReliableEvent, reSeq, ack, ackBits, eventPayload), rec.Addr)
			rec.Outbound.MarkSent(reSeq, time.Now().UnixNano())
			rec.Reliable.Track(reSeq, eventPayload)
			rec.Quality.OnSent()
		}
	}
}

// Application-level reliable events the server emits to connected
// clients. The first payload byte is the event code, the second the
// subject client id.
const (
	EventPlayerJoined byte = 0x01
	EventPlayerLeft   byte = 0x02
)

// sendEventTo delivers one reliable event to a client: the payload is
// wrapped with the client's next ordering key, sent immediately, and
// retained for retransmission until the peer acks the sequence it rode
// on. Tick-loop only; the trackers it touches are not synchronized.
func (s *Server) sendEventTo(rec *ClientRecord, data []byte) {
	payload := protocol.EncodeReliableEvent(rec.Keys.Next(), data)
	seq := rec.Outbound.NextOutbound()
	ack, ackBits := rec.Inbound.AckFields()
	s.send(protocol.Encode(protocol.TypeReliableEvent, seq, ack, ackBits, payload), rec.Addr)
	rec.Outbound.MarkSent(seq, time.Now().UnixNano())
	rec.Reliable.Track(seq, payload)
	rec.Quality.OnSent()
}

// announce fans a lifecycle event about subject out to every other
// connected client.
func (s *Server) announce(code byte, subject uint8) {
	for _, rec := range s.clients.All() {
		if rec.ID == subject {
			continue
		}
		s.sendEventTo(rec, []byte{code, subject})
	}
}

// send writes b to addr, through the loss/latency simulator if one is
// installed.
func (s *Server) send(b []byte, addr *net.UDPAddr) {
	metrics.AddSent(len(b))
	if s.simulator != nil {
		s.simulator.Send(b, addr)
		return
	}
	s.mu.RLock()
	conn := s.conn
	s.mu.RUnlock()
	if _, err := conn.WriteToUDP(b, addr); err != nil {
		metrics.IncError(metrics.ErrSend)
	}
}

// Shutdown best-effort notifies connected clients with a DISCONNECT,
// closes the socket, and waits for the receive pump to exit. It does
// not stop the tick loop; Serve returns when its context is canceled.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.RLock()
	conn := s.conn
	s.mu.RUnlock()

	for _, rec := range s.clients.All() {
		seq := rec.Outbound.NextOutbound()
		ack, ackBits := rec.Inbound.AckFields()
		s.send(protocol.Encode(protocol.TypeDisconnect, seq, ack, ackBits, nil), rec.Addr)
	}
	if s.simulator != nil {
		s.simulator.Wait()
	}
	if conn != nil {
		_ = conn.Close()
	}

	done := make(chan struct{})
	go func() { s.wg.Wait(); close(done) }()
	select {
	case <-ctx.Done():
		return fmt.Errorf("%w: shutdown timeout: %v", ErrContext, ctx.Err())
	case <-done:
		s.logger.Infow("shutdown_summary",
			"accepted", s.totalAccepted,
			"rejected", s.totalRejected,
			"timed_out", s.totalTimedOut,
			"datagrams", s.totalDatagrams,
			"final_tick", s.world.Tick,
		)
		return nil
	}
}
