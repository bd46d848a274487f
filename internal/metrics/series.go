package metrics

import (
	"context"
	"encoding/json"
	"io"
	"sync"
	"time"
)

// Sample is one timestamped measurement in a session time series.
type Sample struct {
	T float64 `json:"t"` // unix seconds
	V float64 `json:"v"`
}

// Series is a bounded, append-only time series. Once cap is reached the
// oldest samples are dropped, so a long soak session can't grow without
// bound.
type Series struct {
	mu      sync.Mutex
	samples []Sample
	cap     int
}

func newSeries(capacity int) *Series {
	return &Series{cap: capacity}
}

// Append records v at time now.
func (s *Series) Append(now time.Time, v float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.samples) >= s.cap {
		copy(s.samples, s.samples[1:])
		s.samples = s.samples[:len(s.samples)-1]
	}
	s.samples = append(s.samples, Sample{T: float64(now.UnixNano()) / 1e9, V: v})
}

// Samples returns a copy of the retained samples.
func (s *Series) Samples() []Sample {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Sample, len(s.samples))
	copy(out, s.samples)
	return out
}

// Recorder retains the session's network-quality samples in memory:
// RTT, jitter, loss ratio, bandwidth in/out, and tick time. Prometheus
// covers live scraping; the Recorder exists so a session can be flushed
// as a single JSON document at exit without a scraper in the loop.
type Recorder struct {
	RTT          *Series
	Jitter       *Series
	Loss         *Series
	BandwidthIn  *Series
	BandwidthOut *Series
	TickTime     *Series

	lastSnap Snapshot
	lastAt   time.Time
	snapMu   sync.Mutex
}

// DefaultSeriesCap bounds each retained series. At one sample per
// second this holds several hours of session history.
const DefaultSeriesCap = 16384

// NewRecorder returns a Recorder with empty series.
func NewRecorder() *Recorder {
	return &Recorder{
		RTT:          newSeries(DefaultSeriesCap),
		Jitter:       newSeries(DefaultSeriesCap),
		Loss:         newSeries(DefaultSeriesCap),
		BandwidthIn:  newSeries(DefaultSeriesCap),
		BandwidthOut: newSeries(DefaultSeriesCap),
		TickTime:     newSeries(DefaultSeriesCap),
	}
}

var defaultRecorder = NewRecorder()

// R returns the process-wide Recorder.
func R() *Recorder { return defaultRecorder }

// RecordRTT appends one RTT sample (seconds).
func (r *Recorder) RecordRTT(d time.Duration) { r.RTT.Append(time.Now(), d.Seconds()) }

// RecordJitter appends one jitter sample (seconds).
func (r *Recorder) RecordJitter(d time.Duration) { r.Jitter.Append(time.Now(), d.Seconds()) }

// RecordLoss appends one loss-ratio sample.
func (r *Recorder) RecordLoss(ratio float64) { r.Loss.Append(time.Now(), ratio) }

// RecordTick appends one tick-duration sample (seconds).
func (r *Recorder) RecordTick(d time.Duration) { r.TickTime.Append(time.Now(), d.Seconds()) }

// SampleBandwidth derives bytes/second in each direction from the
// global byte counters since the previous call and appends one sample
// to each bandwidth series. Callers drive it at a fixed cadence, e.g.
// once per second from StartBandwidthSampler.
func (r *Recorder) SampleBandwidth(now time.Time) {
	r.snapMu.Lock()
	defer r.snapMu.Unlock()
	snap := Snap()
	if !r.lastAt.IsZero() {
		dt := now.Sub(r.lastAt).Seconds()
		if dt > 0 {
			r.BandwidthIn.Append(now, float64(snap.BytesReceived-r.lastSnap.BytesReceived)/dt)
			r.BandwidthOut.Append(now, float64(snap.BytesSent-r.lastSnap.BytesSent)/dt)
		}
	}
	r.lastSnap = snap
	r.lastAt = now
}

// StartBandwidthSampler samples bandwidth every interval until ctx is
// canceled.
func (r *Recorder) StartBandwidthSampler(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Second
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				r.SampleBandwidth(now)
			}
		}
	}()
}

// sessionDocument is the flushed JSON shape: one array of timestamped
// samples per quantity, no newlines (encoding/json emits compact
// output without an indenting encoder).
type sessionDocument struct {
	RTT          []Sample `json:"rtt"`
	Jitter       []Sample `json:"jitter"`
	Loss         []Sample `json:"loss"`
	BandwidthIn  []Sample `json:"bandwidth_in"`
	BandwidthOut []Sample `json:"bandwidth_out"`
	TickTime     []Sample `json:"tick_time"`
}

// WriteJSON flushes every retained series to w as a single newline-free
// JSON document.
func (r *Recorder) WriteJSON(w io.Writer) error {
	doc := sessionDocument{
		RTT:          r.RTT.Samples(),
		Jitter:       r.Jitter.Samples(),
		Loss:         r.Loss.Samples(),
		BandwidthIn:  r.BandwidthIn.Samples(),
		BandwidthOut: r.BandwidthOut.Samples(),
		TickTime:     r.TickTime.Samples(),
	}
	data, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	_, err = w.Write(data)
	return err
}
