package metrics

import (
	"sync"
	"time"
)

// Tracker computes per-peer RTT, jitter, and loss-ratio estimates from
// raw ping/ack timing samples, and publishes them to the package-level
// Prometheus gauges under the given peer label. One Tracker is owned
// per connected client (server side) or per server connection (client
// side); raw bandwidth counters are covered globally by
// AddSent/AddReceived.
type Tracker struct {
	peer string

	mu  sync.Mutex
	rtt time.Duration
	// jitter is the RFC 3550 §A.8 interarrival jitter estimate: an
	// exponentially smoothed mean absolute deviation of consecutive
	// transit-time differences, updated J += (|D| - J) / 16 each sample.
	jitter     time.Duration
	haveRTT    bool
	lastSample time.Duration

	windowSent int
	windowLost int
	windowCap  int
}

// NewTracker returns a Tracker for peer, with loss computed over a
// window of up to windowCap sends (typically 128); both counts reset
// to zero once windowCap sends have been recorded.
func NewTracker(peer string, windowCap int) *Tracker {
	if windowCap <= 0 {
		windowCap = 128
	}
	return &Tracker{peer: peer, windowCap: windowCap}
}

// OnRTTSample records one completed round-trip (e.g. a PING/PONG pair
// or an acked reliable send) and updates the smoothed RTT and jitter
// estimates, publishing both to Prometheus.
func (t *Tracker) OnRTTSample(sample time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.haveRTT {
		t.rtt = sample
		t.haveRTT = true
	} else {
		// Same 1/8 EWMA weighting TCP uses for SRTT (RFC 6298 §2).
		t.rtt += (sample - t.rtt) / 8
	}

	if t.lastSample != 0 {
		d := sample - t.lastSample
		if d < 0 {
			d = -d
		}
		t.jitter += (d - t.jitter) / 16
	}
	t.lastSample = sample

	SetRTT(t.peer, t.rtt)
	SetJitter(t.peer, t.jitter)
	R().RecordRTT(t.rtt)
	R().RecordJitter(t.jitter)
}

// RTT returns the current smoothed round-trip time.
func (t *Tracker) RTT() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.rtt
}

// Jitter returns the current RFC 3550 jitter estimate.
func (t *Tracker) Jitter() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.jitter
}

// OnSent records one outbound datagram towards the rolling loss
// window.
func (t *Tracker) OnSent() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.advance()
	t.windowSent++
}

// OnLost records one datagram inferred lost (per protocol.AckTracker's
// InferredLost) towards the rolling loss window.
func (t *Tracker) OnLost() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.advance()
	t.windowLost++
	AddLost(t.peer)
	t.publishLoss()
}

// advance resets the window once it exceeds windowCap so loss ratio
// tracks recent conditions rather than all-time history.
func (t *Tracker) advance() {
	if t.windowSent >= t.windowCap {
		t.windowSent = 0
		t.windowLost = 0
	}
}

func (t *Tracker) publishLoss() {
	ratio := 0.0
	if t.windowSent > 0 {
		ratio = float64(t.windowLost) / float64(t.windowSent)
	}
	SetLossRatio(t.peer, ratio)
	R().RecordLoss(ratio)
}

// LossRatio returns the current rolling-window loss ratio.
func (t *Tracker) LossRatio() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.windowSent == 0 {
		return 0
	}
	return float64(t.windowLost) / float64(t.windowSent)
}
