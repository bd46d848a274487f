package metrics

import (
	"bytes"
	"encoding/json"
	"testing"
	"time"
)

func TestSeriesBoundedAppend(t *testing.T) {
	s := newSeries(3)
	base := time.Unix(1000, 0)
	for i := 0; i < 5; i++ {
		s.Append(base.Add(time.Duration(i)*time.Second), float64(i))
	}
	got := s.Samples()
	if len(got) != 3 {
		t.Fatalf("len = %d, want cap 3", len(got))
	}
	if got[0].V != 2 || got[2].V != 4 {
		t.Fatalf("expected oldest samples dropped, got %+v", got)
	}
}

func TestRecorderWriteJSONNewlineFree(t *testing.T) {
	r := NewRecorder()
	r.RecordRTT(50 * time.Millisecond)
	r.RecordJitter(2 * time.Millisecond)
	r.RecordLoss(0.1)
	r.RecordTick(300 * time.Microsecond)

	var buf bytes.Buffer
	if err := r.WriteJSON(&buf); err != nil {
		t.Fatalf("WriteJSON: %v", err)
	}
	if bytes.ContainsRune(buf.Bytes(), '\n') {
		t.Fatalf("flushed document contains a newline: %q", buf.String())
	}

	var doc map[string][]Sample
	if err := json.Unmarshal(buf.Bytes(), &doc); err != nil {
		t.Fatalf("flushed document is not valid JSON: %v", err)
	}
	for _, key := range []string{"rtt", "jitter", "loss", "bandwidth_in", "bandwidth_out", "tick_time"} {
		if _, ok := doc[key]; !ok {
			t.Fatalf("flushed document missing series %q", key)
		}
	}
	if len(doc["rtt"]) != 1 || doc["rtt"][0].V != 0.05 {
		t.Fatalf("rtt series = %+v, want one 0.05s sample", doc["rtt"])
	}
}

func TestRecorderBandwidthSampleDerivesRates(t *testing.T) {
	r := NewRecorder()
	now := time.Now()
	r.SampleBandwidth(now) // seeds the baseline, no sample yet
	AddSent(500)
	AddReceived(1500)
	r.SampleBandwidth(now.Add(time.Second))

	out := r.BandwidthOut.Samples()
	in := r.BandwidthIn.Samples()
	if len(out) != 1 || len(in) != 1 {
		t.Fatalf("expected one sample per direction, got out=%d in=%d", len(out), len(in))
	}
	if out[0].V < 499 || out[0].V > 501 {
		t.Fatalf("bandwidth out = %v, want ~500 B/s", out[0].V)
	}
	if in[0].V < 1499 || in[0].V > 1501 {
		t.Fatalf("bandwidth in = %v, want ~1500 B/s", in[0].V)
	}
}
