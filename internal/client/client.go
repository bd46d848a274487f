package client

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/vexfall/netarena/internal/config"
	"github.com/vexfall/netarena/internal/logging"
	"github.com/vexfall/netarena/internal/metrics"
	"github.com/vexfall/netarena/internal/netsim"
	"github.com/vexfall/netarena/internal/protocol"
	"github.com/vexfall/netarena/internal/reliable"
	"github.com/vexfall/netarena/internal/world"
)

// ProtocolVersion rides on CONNECT_REQ; the server currently accepts
// any value, the field exists so a future incompatible revision can be
// rejected at handshake instead of misparsing mid-session.
const ProtocolVersion uint8 = 1

const (
	handshakeTimeout = 5 * time.Second
	handshakeRetry   = 250 * time.Millisecond
	pingInterval     = time.Second
)

var (
	ErrHandshakeTimeout = errors.New("client: handshake timed out")
	ErrDisconnected     = errors.New("client: server disconnected us")
)

// InputFunc supplies one input sample per local tick: the abstract
// (moveX, moveY, actions) triple the core consumes; capture is an
// external collaborator.
type InputFunc func() (moveX, moveY float32, actions uint8)

// EventFunc receives application payloads delivered by the reliable
// sublayer, already deduplicated. Keys are monotonic per sender but
// arrival order is not guaranteed.
type EventFunc func(orderingKey uint32, data []byte)

// View is what the renderer reads each frame: the smoothed predicted
// local entity plus the interpolator's output for remote entities.
type View struct {
	SelfID    uint8
	Self      world.Entity
	Remotes   []world.Entity
	Connected bool
}

// Client is the predicting peer of one server session.
type Client struct {
	serverAddr string
	sim        config.Sim
	logger     *zap.SugaredLogger

	inputFn InputFunc
	eventFn EventFunc

	conn       *net.UDPConn
	raddr      *net.UDPAddr
	simulator  *netsim.Simulator
	pendingSim *netsimConfig

	inbound      *protocol.AckTracker
	outbound     *protocol.AckTracker
	reliableSend *reliable.Sender
	reliableRecv *reliable.Receiver
	keys         reliable.KeyGen
	quality      *metrics.Tracker

	assignedID   uint8
	nextInputSeq uint32
	predicted    world.Entity
	history      *inputHistory
	snapshots    *snapshotBuffer

	lastReconciledTick uint32
	reconciledOnce     bool
	snapshotsReceived  atomic.Int64

	renderSelf  world.Entity
	renderValid bool

	events chan []byte

	viewMu sync.RWMutex
	view   View

	lastPingAt time.Time

	wg sync.WaitGroup
}

type netsimConfig struct {
	loss        float64
	baseLatency time.Duration
	jitter      time.Duration
	seed        int64
}

type Option func(*Client)

// WithServerAddr sets the server host:port to connect to.
func WithServerAddr(a string) Option { return func(c *Client) { c.serverAddr = a } }

// WithSim overrides the local simulation constants; the authoritative
// tick rate and world rectangle from CONNECT_ACK still win.
func WithSim(sim config.Sim) Option { return func(c *Client) { c.sim = sim } }

// WithInputFunc installs the per-tick input source. Without one the
// client runs headless and sends HEARTBEAT instead of INPUT.
func WithInputFunc(fn InputFunc) Option { return func(c *Client) { c.inputFn = fn } }

// WithEventFunc installs the reliable-event delivery callback.
func WithEventFunc(fn EventFunc) Option { return func(c *Client) { c.eventFn = fn } }

// WithNetsim installs a loss/latency injector on the outbound path,
// mirroring the server-side option (applied symmetrically on either
// side for testing).
func WithNetsim(loss float64, baseLatency, jitter time.Duration, seed int64) Option {
	return func(c *Client) { c.pendingSim = &netsimConfig{loss, baseLatency, jitter, seed} }
}

// WithLogger overrides the logger (default: logging.L()).
func WithLogger(l *zap.SugaredLogger) Option {
	return func(c *Client) {
		if l != nil {
			c.logger = l
		}
	}
}

// New constructs a Client. The socket is bound and the handshake
// performed in Run.
func New(opts ...Option) *Client {
	c := &Client{
		serverAddr:   "127.0.0.1:9477",
		sim:          config.DefaultSim(),
		logger:       logging.L(),
		inbound:      protocol.NewAckTracker(),
		outbound:     protocol.NewAckTracker(),
		reliableSend: reliable.NewSender(),
		reliableRecv: reliable.NewReceiver(),
		history:      newInputHistory(config.InputHistorySize),
		snapshots:    newSnapshotBuffer(config.SnapshotBufferSize),
		events:       make(chan []byte, 64),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// View returns the current render view. Safe to call from a render
// goroutine while Run is ticking.
func (c *Client) View() View {
	c.viewMu.RLock()
	defer c.viewMu.RUnlock()
	return c.view
}

// SendEvent queues data for reliable delivery to the server. Returns
// false if the outbound event queue is full.
func (c *Client) SendEvent(data []byte) bool {
	cp := make([]byte, len(data))
	copy(cp, data)
	select {
	case c.events <- cp:
		return true
	default:
		return false
	}
}

// Run binds a local socket, performs the CONNECT handshake, and drives
// the local tick loop until ctx is canceled or the server disconnects
// us. It blocks for the life of the session.
func (c *Client) Run(ctx context.Context) error {
	raddr, err := net.ResolveUDPAddr("udp", c.serverAddr)
	if err != nil {
		return fmt.Errorf("client: resolve %s: %w", c.serverAddr, err)
	}
	conn, err := net.ListenUDP("udp", nil)
	if err != nil {
		return fmt.Errorf("client: bind: %w", err)
	}
	defer conn.Close()
	c.conn = conn
	c.raddr = raddr
	c.quality = metrics.NewTracker(raddr.String(), 128)
	if c.pendingSim != nil {
		c.simulator = netsim.New(conn, c.pendingSim.loss, c.pendingSim.baseLatency, c.pendingSim.jitter, c.pendingSim.seed)
	}

	recvCh := make(chan []byte, config.MaxDatagramsPerTick)
	pumpCtx, stopPump := context.WithCancel(ctx)
	defer stopPump()
	c.wg.Add(1)
	go c.recvPump(pumpCtx, recvCh)

	if err := c.handshake(ctx, recvCh); err != nil {
		return err
	}
	c.logger.Infow("connected",
		"server", raddr.String(),
		"client_id", c.assignedID,
		"tick_rate", c.sim.TickRate,
	)

	err = c.loop(ctx, recvCh)

	// Best-effort goodbye so the server frees the slot now instead of
	// waiting out the timeout.
	seq := c.outbound.NextOutbound()
	ack, ackBits := c.inbound.AckFields()
	c.send(protocol.Encode(protocol.TypeDisconnect, seq, ack, ackBits, nil))
	if c.simulator != nil {
		c.simulator.Wait()
	}
	stopPump()
	_ = conn.Close()
	c.wg.Wait()

	c.setConnected(false)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (c *Client) recvPump(ctx context.Context, out chan<- []byte) {
	defer c.wg.Done()
	buf := make([]byte, 2048)
	for {
		_ = c.conn.SetReadDeadline(time.Now().Add(250 * time.Millisecond))
		n, _, err := c.conn.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			metrics.IncError(metrics.ErrReceive)
			continue
		}
		cp := make([]byte, n)
		copy(cp, buf[:n])
		metrics.AddReceived(n)
		select {
		case out <- cp:
		default:
		}
		if ctx.Err() != nil {
			return
		}
	}
}

// handshake retransmits CONNECT_REQ until a CONNECT_ACK arrives, then
// adopts the assigned id and the server's authoritative simulation
// parameters.
func (c *Client) handshake(ctx context.Context, recvCh <-chan []byte) error {
	deadline := time.Now().Add(handshakeTimeout)
	for time.Now().Before(deadline) {
		seq := c.outbound.NextOutbound()
		ack, ackBits := c.inbound.AckFields()
		c.send(protocol.Encode(protocol.TypeConnectRequest, seq, ack, ackBits, []byte{ProtocolVersion}))

		retry := time.NewTimer(handshakeRetry)
	wait:
		for {
			select {
			case <-ctx.Done():
				retry.Stop()
				return ctx.Err()
			case <-retry.C:
				break wait
			case data := <-recvCh:
				header, payload, err := protocol.Decode(data, false)
				if err != nil || header.Type != protocol.TypeConnectAck {
					continue
				}
				ackPayload, err := protocol.DecodeConnectAck(payload)
				if err != nil {
					metrics.IncError(metrics.ErrHandshake)
					continue
				}
				retry.Stop()
				c.inbound.OnReceive(header.Seq)
				c.assignedID = ackPayload.AssignedID
				if ackPayload.TickRate > 0 {
					c.sim.TickRate = int(ackPayload.TickRate)
				}
				c.sim.WorldW = ackPayload.WorldW
				c.sim.WorldH = ackPayload.WorldH
				c.predicted = world.Entity{
					ID:   c.assignedID,
					PosX: c.sim.WorldW / 2,
					PosY: c.sim.WorldH / 2,
				}
				c.setConnected(true)
				return nil
			}
		}
	}
	metrics.IncError(metrics.ErrHandshake)
	return ErrHandshakeTimeout
}

func (c *Client) loop(ctx context.Context, recvCh <-chan []byte) error {
	ticker := time.NewTicker(c.sim.DT())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := c.tick(recvCh); err != nil {
				return err
			}
		}
	}
}

// tick is one local simulation step: drain the receive queue,
// reconcile against any fresh snapshot, predict this tick's input,
// and send it with redundancy.
func (c *Client) tick(recvCh <-chan []byte) error {
	drained := 0
drain:
	for drained < config.MaxDatagramsPerTick {
		select {
		case data := <-recvCh:
			if err := c.handlePacket(data); err != nil {
				return err
			}
			drained++
		default:
			break drain
		}
	}

	c.processSnapshots()

	if c.inputFn != nil {
		mx, my, actions := c.inputFn()
		c.nextInputSeq++
		in := protocol.Input{Seq: c.nextInputSeq, MoveX: mx, MoveY: my, Actions: actions}
		c.predicted = world.Step(c.predicted, in, c.sim)
		c.history.Push(in, c.predicted)
		c.sendInputs()
	} else {
		c.sendHeartbeat()
	}

	c.flushEvents()
	c.maybePing()

	lost := c.outbound.InferredLost()
	for range lost {
		c.quality.OnLost()
	}
	for _, payload := range c.reliableSend.Resend(lost) {
		seq := c.outbound.NextOutbound()
		ack, ackBits := c.inbound.AckFields()
		c.send(protocol.Encode(protocol.TypeReliableEvent, seq, ack, ackBits, payload))
		c.outbound.MarkSent(seq, time.Now().UnixNano())
		c.reliableSend.Track(seq, payload)
		c.quality.OnSent()
	}

	c.smoothRender()
	c.publishView()
	return nil
}

func (c *Client) handlePacket(data []byte) error {
	header, payload, err := protocol.Decode(data, false)
	if err != nil {
		metrics.IncError(metrics.ErrDecode)
		c.logger.Debugw("decode_failed", "error", err)
		return nil
	}
	c.inbound.OnReceive(header.Seq)
	now := time.Now().UnixNano()
	for _, acked := range c.outbound.AckedByPeer(header.Ack, header.AckBits) {
		c.quality.OnRTTSample(time.Duration(now - acked.Tag))
		c.reliableSend.Ack(acked.Seq)
	}

	switch header.Type {
	case protocol.TypeSnapshot:
		snap, err := protocol.DecodeSnapshot(payload)
		if err != nil {
			metrics.IncError(metrics.ErrDecode)
			return nil
		}
		if c.snapshots.Insert(snap) {
			c.snapshotsReceived.Add(1)
		}
	case protocol.TypePong:
		ts, err := protocol.DecodeTimestamp(payload)
		if err != nil {
			metrics.IncError(metrics.ErrDecode)
			return nil
		}
		c.quality.OnRTTSample(time.Duration(uint64(now) - ts))
	case protocol.TypeConnectAck:
		// Retransmitted handshake reply; already connected.
	case protocol.TypeDisconnect:
		c.logger.Infow("server_disconnect")
		return ErrDisconnected
	case protocol.TypeReliableEvent:
		key, data, fresh, err := c.reliableRecv.Accept(payload)
		if err != nil {
			metrics.IncError(metrics.ErrDecode)
			return nil
		}
		if fresh && c.eventFn != nil {
			c.eventFn(key, data)
		}
	default:
		c.logger.Debugw("unexpected_packet_type", "type", header.Type.String())
	}
	return nil
}

// processSnapshots reconciles against the newest buffered snapshot if
// it is newer than any previously reconciled. Running here, once per
// tick, amortizes replay cost when several snapshots arrive in a
// burst.
func (c *Client) processSnapshots() {
	latest, ok := c.snapshots.Latest()
	if !ok {
		return
	}
	if c.reconciledOnce && !protocol.SeqNewer32(latest.Tick, c.lastReconciledTick) {
		return
	}
	c.reconcile(latest)
}

// reconcile replaces the predicted state with the authoritative one,
// drops confirmed inputs, and replays the rest in order.
func (c *Client) reconcile(snap protocol.SnapshotPayload) {
	var lastProcessed uint32
	found := false
	for _, ca := range snap.Trailer {
		if ca.ClientID == c.assignedID {
			lastProcessed = ca.LastProcessedInputSeq
			found = true
			break
		}
	}
	if !found {
		return
	}

	var authoritative world.Entity
	haveSelf := false
	for _, e := range snap.Entities {
		if e.ID == c.assignedID {
			authoritative = world.FromWire(e)
			haveSelf = true
			break
		}
	}
	if !haveSelf {
		return
	}

	c.predicted = authoritative
	c.history.DropThrough(lastProcessed)
	for _, in := range c.history.Pending() {
		c.predicted = world.Step(c.predicted, in, c.sim)
	}
	c.lastReconciledTick = snap.Tick
	c.reconciledOnce = true
}

func (c *Client) sendInputs() {
	batch := c.history.LastK(config.InputRedundancy)
	payload, err := protocol.EncodeInputBatch(batch)
	if err != nil {
		c.logger.Errorw("input_encode_failed", "error", err)
		return
	}
	seq := c.outbound.NextOutbound()
	ack, ackBits := c.inbound.AckFields()
	c.send(protocol.Encode(protocol.TypeInput, seq, ack, ackBits, payload))
	c.outbound.MarkSent(seq, time.Now().UnixNano())
	c.quality.OnSent()
}

func (c *Client) sendHeartbeat() {
	seq := c.outbound.NextOutbound()
	ack, ackBits := c.inbound.AckFields()
	c.send(protocol.Encode(protocol.TypeHeartbeat, seq, ack, ackBits, nil))
	c.outbound.MarkSent(seq, time.Now().UnixNano())
	c.quality.OnSent()
}

func (c *Client) flushEvents() {
	for {
		select {
		case data := <-c.events:
			payload := protocol.EncodeReliableEvent(c.keys.Next(), data)
			seq := c.outbound.NextOutbound()
			ack, ackBits := c.inbound.AckFields()
			c.send(protocol.Encode(protocol.TypeReliableEvent, seq, ack, ackBits, payload))
			c.outbound.MarkSent(seq, time.Now().UnixNano())
			c.reliableSend.Track(seq, payload)
			c.quality.OnSent()
		default:
			return
		}
	}
}

func (c *Client) maybePing() {
	now := time.Now()
	if now.Sub(c.lastPingAt) < pingInterval {
		return
	}
	c.lastPingAt = now
	seq := c.outbound.NextOutbound()
	ack, ackBits := c.inbound.AckFields()
	c.send(protocol.Encode(protocol.TypePing, seq, ack, ackBits, protocol.EncodeTimestamp(uint64(now.UnixNano()))))
	c.outbound.MarkSent(seq, now.UnixNano())
	c.quality.OnSent()
}

// smoothRender moves the exposed render state exponentially toward the
// reconciled predicted state so a correction doesn't visually snap.
func (c *Client) smoothRender() {
	if !c.renderValid {
		c.renderSelf = c.predicted
		c.renderValid = true
		return
	}
	dt := float64(c.sim.DTSeconds())
	alpha := float32(1 - math.Exp(-dt/config.RenderSmoothTau.Seconds()))
	c.renderSelf.ID = c.predicted.ID
	c.renderSelf.PosX += (c.predicted.PosX - c.renderSelf.PosX) * alpha
	c.renderSelf.PosY += (c.predicted.PosY - c.renderSelf.PosY) * alpha
	c.renderSelf.VelX = c.predicted.VelX
	c.renderSelf.VelY = c.predicted.VelY
	c.renderSelf.Health = c.predicted.Health
}

func (c *Client) publishView() {
	remotes := c.snapshots.Interpolate(c.assignedID, config.InterpDelay)
	c.viewMu.Lock()
	c.view = View{
		SelfID:    c.assignedID,
		Self:      c.renderSelf,
		Remotes:   remotes,
		Connected: true,
	}
	c.viewMu.Unlock()
}

func (c *Client) setConnected(v bool) {
	c.viewMu.Lock()
	c.view.Connected = v
	c.view.SelfID = c.assignedID
	c.viewMu.Unlock()
}

// SnapshotsReceived reports how many distinct snapshots have arrived
// this session; load tests assert on it. Safe to call concurrently
// with Run.
func (c *Client) SnapshotsReceived() int { return int(c.snapshotsReceived.Load()) }

// Predicted returns the current predicted local entity (unsmoothed).
// Only safe once Run has returned; live readers use View instead.
func (c *Client) Predicted() world.Entity { return c.predicted }

func (c *Client) send(b []byte) {
	metrics.AddSent(len(b))
	if c.simulator != nil {
		c.simulator.Send(b, c.raddr)
		return
	}
	if _, err := c.conn.WriteToUDP(b, c.raddr); err != nil {
		metrics.IncError(metrics.ErrSend)
	}
}
