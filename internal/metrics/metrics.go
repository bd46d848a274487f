// Package metrics exposes the engine's network-quality
// instrumentation: RTT, jitter (RFC 3550 §A.8), loss ratio, and
// bandwidth, plus tick-timing and connection-lifecycle counters —
// promauto collectors, a StartHTTP /metrics+/ready server, and a
// local mirrored Snapshot for cheap in-process inspection without
// scraping Prometheus.
package metrics

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/vexfall/netarena/internal/logging"
)

var (
	PacketsSent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "netarena_packets_sent_total",
		Help: "Total datagrams sent.",
	})
	PacketsReceived = promauto.NewCounter(prometheus.CounterOpts{
		Name: "netarena_packets_received_total",
		Help: "Total datagrams received.",
	})
	BytesSent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "netarena_bytes_sent_total",
		Help: "Total bytes sent.",
	})
	BytesReceived = promauto.NewCounter(prometheus.CounterOpts{
		Name: "netarena_bytes_received_total",
		Help: "Total bytes received.",
	})
	PacketsLost = promauto.NewCounter(prometheus.CounterOpts{
		Name: "netarena_packets_lost_total",
		Help: "Datagrams inferred lost (never acked within the ack window).",
	})
	RTT = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "netarena_rtt_seconds",
		Help: "Smoothed round-trip time per peer.",
	}, []string{"peer"})
	Jitter = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "netarena_jitter_seconds",
		Help: "RFC 3550 A.8 interarrival jitter estimate per peer.",
	}, []string{"peer"})
	LossRatio = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "netarena_loss_ratio",
		Help: "Rolling-window packet loss ratio per peer.",
	}, []string{"peer"})
	TickDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "netarena_tick_duration_seconds",
		Help:    "Wall time spent processing one server tick.",
		Buckets: prometheus.ExponentialBuckets(0.0001, 2, 14),
	})
	ConnectedClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "netarena_connected_clients",
		Help: "Current number of connected clients.",
	})
	ClientsAccepted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "netarena_clients_accepted_total",
		Help: "Total CONNECT_REQ accepted.",
	})
	ClientsRejected = promauto.NewCounter(prometheus.CounterOpts{
		Name: "netarena_clients_rejected_total",
		Help: "Total CONNECT_REQ rejected (server full).",
	})
	ClientsTimedOut = promauto.NewCounter(prometheus.CounterOpts{
		Name: "netarena_clients_timed_out_total",
		Help: "Total clients expired for exceeding the heartbeat timeout.",
	})
	ReliableRetransmits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "netarena_reliable_retransmits_total",
		Help: "Total RELIABLE_EVENT payloads resent after an inferred loss.",
	})
	BuildInfo = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "netarena_build_info",
		Help: "Build metadata (value is always 1).",
	}, []string{"version", "commit", "date"})
	Errors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "netarena_errors_total",
		Help: "Error counters by subsystem.",
	}, []string{"where"})

	readinessMu sync.RWMutex
	readinessFn func() bool
)

// Error label constants (stable label values to bound cardinality).
const (
	ErrDecode    = "decode"
	ErrSend      = "send"
	ErrReceive   = "receive"
	ErrBind      = "bind"
	ErrHandshake = "handshake"
)

// StartHTTP serves Prometheus metrics at /metrics and a readiness probe
// at /ready. The caller owns shutdown via the returned server's
// Shutdown method.
func StartHTTP(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		if IsReady() {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ready\n"))
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("not ready\n"))
	})

	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		logging.L().Infow("metrics_listen", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.L().Errorw("metrics_http_error", "error", err)
		}
	}()
	return srv
}

// Shutdown gracefully stops the metrics HTTP server.
func Shutdown(ctx context.Context, srv *http.Server) error {
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

// Local mirrored counters, read back cheaply without scraping
// Prometheus (used by shutdown summary logging).
var (
	localPacketsSent     uint64
	localPacketsReceived uint64
	localBytesSent       uint64
	localBytesReceived   uint64
	localPacketsLost     uint64
	localRetransmits     uint64
)

// Snapshot is a cheap copy of the local mirrored counters.
type Snapshot struct {
	PacketsSent     uint64
	PacketsReceived uint64
	BytesSent       uint64
	BytesReceived   uint64
	PacketsLost     uint64
	Retransmits     uint64
}

func Snap() Snapshot {
	return Snapshot{
		PacketsSent:     atomic.LoadUint64(&localPacketsSent),
		PacketsReceived: atomic.LoadUint64(&localPacketsReceived),
		BytesSent:       atomic.LoadUint64(&localBytesSent),
		BytesReceived:   atomic.LoadUint64(&localBytesReceived),
		PacketsLost:     atomic.LoadUint64(&localPacketsLost),
		Retransmits:     atomic.LoadUint64(&localRetransmits),
	}
}

// AddSent records a sent datagram of n bytes.
func AddSent(n int) {
	PacketsSent.Inc()
	BytesSent.Add(float64(n))
	atomic.AddUint64(&localPacketsSent, 1)
	atomic.AddUint64(&localBytesSent, uint64(n))
}

// AddReceived records a received datagram of n bytes.
func AddReceived(n int) {
	PacketsReceived.Inc()
	BytesReceived.Add(float64(n))
	atomic.AddUint64(&localPacketsReceived, 1)
	atomic.AddUint64(&localBytesReceived, uint64(n))
}

// AddLost records a datagram inferred lost for peer.
func AddLost(peer string) {
	PacketsLost.Inc()
	atomic.AddUint64(&localPacketsLost, 1)
}

// IncRetransmit records a RELIABLE_EVENT resend.
func IncRetransmit() {
	ReliableRetransmits.Inc()
	atomic.AddUint64(&localRetransmits, 1)
}

// SetRTT records the current smoothed RTT for peer.
func SetRTT(peer string, d time.Duration) {
	RTT.WithLabelValues(peer).Set(d.Seconds())
}

// SetJitter records the current RFC 3550 jitter estimate for peer.
func SetJitter(peer string, d time.Duration) {
	Jitter.WithLabelValues(peer).Set(d.Seconds())
}

// SetLossRatio records the current rolling loss ratio for peer.
func SetLossRatio(peer string, ratio float64) {
	LossRatio.WithLabelValues(peer).Set(ratio)
}

// ObserveTick records the wall time one tick took to process.
func ObserveTick(d time.Duration) {
	TickDuration.Observe(d.Seconds())
	R().RecordTick(d)
}

func IncError(label string) { Errors.WithLabelValues(label).Inc() }

// InitBuildInfo sets the build info gauge and pre-registers error
// label series so the first error of each kind doesn't pay
// registration latency.
func InitBuildInfo(version, commit, date string) {
	BuildInfo.WithLabelValues(version, commit, date).Set(1)
	for _, lbl := range []string{ErrDecode, ErrSend, ErrReceive, ErrBind, ErrHandshake} {
		Errors.WithLabelValues(lbl).Add(0)
	}
}

// SetReadinessFunc registers the function used by /ready and IsReady.
func SetReadinessFunc(fn func() bool) {
	readinessMu.Lock()
	readinessFn = fn
	readinessMu.Unlock()
}

// IsReady invokes the registered readiness function, defaulting to
// ready when none has been registered yet.
func IsReady() bool {
	readinessMu.RLock()
	fn := readinessFn
	readinessMu.RUnlock()
	if fn == nil {
		return true
	}
	return fn()
}
