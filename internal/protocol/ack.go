package protocol

// AckTracker maintains one side of the piggybacked-ack overlay: an
// outbound sequence counter plus a 32-slot receive bitmap for the peer's
// sequence stream. One instance tracks traffic in a single direction for
// a single peer; a connection owns two (inbound, outbound).
type AckTracker struct {
	localSeq  uint16
	remoteSeq uint16
	haveSeen  bool
	recvBits  uint32

	// sentAt remembers, per locally-sent sequence still in flight, an
	// opaque tag (typically a send timestamp) so callers can compute RTT
	// once the peer acks it. Entries are pruned once acked or once they
	// fall out of the 32-packet ack window.
	sentAt map[uint16]int64
}

// NewAckTracker returns a tracker ready to send/receive from sequence 0.
func NewAckTracker() *AckTracker {
	return &AckTracker{sentAt: make(map[uint16]int64)}
}

// NextOutbound returns the sequence to stamp on the next outgoing packet
// and advances the local counter (mod 2^16).
func (t *AckTracker) NextOutbound() uint16 {
	seq := t.localSeq
	t.localSeq++
	return seq
}

// MarkSent records that sequence seq was just handed to the network,
// tagged with an opaque value (e.g. a monotonic send timestamp in
// nanoseconds) for later RTT computation.
func (t *AckTracker) MarkSent(seq uint16, tag int64) {
	t.sentAt[seq] = tag
}

// OnReceive folds a newly-arrived remote sequence number into the
// receive bitmap. Bit i of recvBits records whether remoteSeq-1-i was
// received. Sequences that are neither newer than remoteSeq nor within
// the trailing 32-packet window are duplicates or ancient and are
// dropped without effect.
func (t *AckTracker) OnReceive(seq uint16) {
	if !t.haveSeen {
		t.haveSeen = true
		t.remoteSeq = seq
		t.recvBits = 0
		return
	}
	if SeqNewer16(seq, t.remoteSeq) {
		shift := uint32(seq - t.remoteSeq)
		if shift > 32 {
			t.recvBits = 0
		} else {
			t.recvBits <<= shift
			t.recvBits |= 1 << (shift - 1)
		}
		t.remoteSeq = seq
		return
	}
	dist := uint32(t.remoteSeq - seq)
	if dist == 0 {
		return // duplicate of the current high-water mark
	}
	if dist <= 32 {
		t.recvBits |= 1 << (dist - 1)
	}
	// else: older than the window, silently dropped
}

// AckFields returns the (ack, ackBits) pair to stamp on the next
// outgoing header, reflecting what this tracker has received from the
// peer.
func (t *AckTracker) AckFields() (uint16, uint32) {
	return t.remoteSeq, t.recvBits
}

// AckedByPeer reports which locally-sent sequences the peer's
// (ack, ackBits) pair confirms as delivered, consuming the matching
// sentAt entries and returning them alongside the sequence so callers
// can compute RTT. Sequences already removed (already acked, or expired)
// are silently skipped.
func (t *AckTracker) AckedByPeer(ack uint16, ackBits uint32) []AckedSeq {
	var out []AckedSeq
	check := func(seq uint16) {
		if tag, ok := t.sentAt[seq]; ok {
			out = append(out, AckedSeq{Seq: seq, Tag: tag})
			delete(t.sentAt, seq)
		}
	}
	check(ack)
	for i := 0; i < 32; i++ {
		if ackBits&(1<<uint(i)) != 0 {
			check(ack - 1 - uint16(i))
		}
	}
	return out
}

// AckedSeq pairs a locally-sent, now-confirmed sequence with the tag it
// was marked sent with.
type AckedSeq struct {
	Seq uint16
	Tag int64
}

// InferredLost returns sequences that have fallen off the trailing
// 32-packet ack window without ever being confirmed, reporting each
// exactly once (it is removed from tracking as it's reported). This is
// also what bounds the sentAt map: every in-flight sequence either gets
// acked or ages out through here.
func (t *AckTracker) InferredLost() []uint16 {
	var lost []uint16
	for seq := range t.sentAt {
		if SeqDistance16(t.localSeq, seq) > 32 {
			lost = append(lost, seq)
			delete(t.sentAt, seq)
		}
	}
	return lost
}
