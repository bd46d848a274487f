package server

import (
	"net"
	"time"

	"github.com/vexfall/netarena/internal/metrics"
	"github.com/vexfall/netarena/internal/protocol"
	"github.com/vexfall/netarena/internal/world"
)

// handleDatagram decodes one inbound datagram and routes it by packet
// type. Malformed datagrams are logged at debug and dropped; a parse
// failure from one client is never fatal to the others.
func (s *Server) handleDatagram(dg datagram) {
	header, payload, err := protocol.Decode(dg.data, false)
	if err != nil {
		metrics.IncError(metrics.ErrDecode)
		s.logger.Debugw("decode_failed", "addr", dg.addr.String(), "error", err)
		return
	}

	if header.Type == protocol.TypeConnectRequest {
		s.handleConnectRequest(dg.addr)
		return
	}

	rec, ok := s.clients.ByAddr(dg.addr)
	if !ok {
		// Any packet other than CONNECT_REQ from an unknown peer is
		// ignored; the client must (re)handshake first.
		return
	}
	rec.Touch()
	rec.Inbound.OnReceive(header.Seq)
	for _, acked := range rec.Outbound.AckedByPeer(header.Ack, header.AckBits) {
		rtt := time.Duration(time.Now().UnixNano() - acked.Tag)
		rec.Quality.OnRTTSample(rtt)
		rec.Reliable.Ack(acked.Seq)
	}

	switch header.Type {
	case protocol.TypeInput:
		s.handleInput(rec, payload)
	case protocol.TypePing:
		s.handlePing(rec, header, payload)
	case protocol.TypeHeartbeat:
		// Touch() above already refreshed the liveness clock; no
		// payload to interpret.
	case protocol.TypeDisconnect:
		s.disconnectClient(rec, "client_requested")
	case protocol.TypeReliableEvent:
		s.handleReliableEvent(rec, payload)
	default:
		s.logger.Debugw("unexpected_packet_type", "type", header.Type.String(), "client_id", rec.ID)
	}
}

func (s *Server) handleConnectRequest(addr *net.UDPAddr) {
	if s.clients.Count() >= s.maxPlayers {
		s.totalRejected++
		metrics.ClientsRejected.Inc()
		s.logger.Warnw("connect_rejected_full", "addr", addr.String(), "max_players", s.maxPlayers)
		return
	}
	rec, isNew := s.clients.Accept(addr)
	if rec == nil {
		s.totalRejected++
		metrics.ClientsRejected.Inc()
		s.logger.Warnw("connect_rejected_no_ids", "addr", addr.String())
		return
	}
	if isNew {
		s.totalAccepted++
		metrics.ClientsAccepted.Inc()
		metrics.ConnectedClients.Set(float64(s.clients.Count()))
		s.world.Upsert(world.Entity{
			ID:   rec.ID,
			PosX: s.sim.WorldW / 2,
			PosY: s.sim.WorldH / 2,
		})
		s.announce(EventPlayerJoined, rec.ID)
		s.logger.Infow("client_connected", "client_id", rec.ID, "addr", addr.String())
	}

	payload := protocol.EncodeConnectAck(rec.ID, uint8(s.sim.TickRate), s.sim.WorldW, s.sim.WorldH)
	seq := rec.Outbound.NextOutbound()
	ack, ackBits := rec.Inbound.AckFields()
	s.send(protocol.Encode(protocol.TypeConnectAck, seq, ack, ackBits, payload), addr)
	rec.Outbound.MarkSent(seq, time.Now().UnixNano())
}

func (s *Server) handleInput(rec *ClientRecord, payload []byte) {
	inputs, err := protocol.DecodeInputBatch(payload)
	if err != nil {
		metrics.IncError(metrics.ErrDecode)
		s.logger.Debugw("input_decode_failed", "client_id", rec.ID, "error", err)
		return
	}
	// The redundancy scheme sends the K most recent inputs per
	// datagram, oldest first. Offering all of them leaves OfferInput's
	// latest-seq-wins rule holding the newest; older copies, including
	// ones whose own datagram was lost, are superseded and never applied.
	for _, in := range inputs {
		rec.OfferInput(in)
	}
}

func (s *Server) handlePing(rec *ClientRecord, header protocol.Header, payload []byte) {
	seq := rec.Outbound.NextOutbound()
	ack, ackBits := rec.Inbound.AckFields()
	s.send(protocol.Encode(protocol.TypePong, seq, ack, ackBits, payload), rec.Addr)
	rec.Outbound.MarkSent(seq, time.Now().UnixNano())
}

func (s *Server) handleReliableEvent(rec *ClientRecord, payload []byte) {
	key, data, fresh, err := reliableAccept(rec, payload)
	if err != nil {
		metrics.IncError(metrics.ErrDecode)
		s.logger.Debugw("reliable_decode_failed", "client_id", rec.ID, "error", err)
		return
	}
	if !fresh {
		return
	}
	s.logger.Infow("reliable_event", "client_id", rec.ID, "key", key, "bytes", len(data))
	if s.eventFn != nil {
		s.eventFn(rec.ID, key, data)
	}
}

// reliableAccept lazily creates the per-client reliable receiver on
// first use; most clients never send a RELIABLE_EVENT, so it isn't
// allocated in NewClientRecord.
func reliableAccept(rec *ClientRecord, payload []byte) (uint32, []byte, bool, error) {
	rec.initReliableReceiver()
	return rec.ReliableReceiver.Accept(payload)
}
