package main

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/vexfall/netarena/internal/client"
	"github.com/vexfall/netarena/internal/config"
	"github.com/vexfall/netarena/internal/logging"
	"github.com/vexfall/netarena/internal/metrics"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	cfg, err := config.ParseClientFlags(args)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	log := logging.New(logging.Options{Format: cfg.LogFormat, Level: cfg.LogLevel})
	logging.Set(log)
	defer logging.Sync()
	metrics.InitBuildInfo(version, commit, date)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	metrics.R().StartBandwidthSampler(ctx, time.Second)

	sim := config.DefaultSim()
	sim.TickRate = cfg.TickRate

	opts := []client.Option{
		client.WithServerAddr(net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))),
		client.WithSim(sim),
		client.WithEventFunc(func(key uint32, data []byte) {
			log.Infow("event", "key", key, "bytes", len(data))
		}),
	}
	if !cfg.Headless {
		// Input capture is an external collaborator; this binary drives
		// a wandering bot so an interactive session exercises prediction
		// and reconciliation end to end. A headless client installs no
		// input source and sends HEARTBEAT instead, observing only.
		var step int
		opts = append(opts, client.WithInputFunc(func() (float32, float32, uint8) {
			step++
			angle := float64(step) * 2 * math.Pi / (8 * float64(sim.TickRate))
			return float32(math.Cos(angle)), float32(math.Sin(angle)), 0
		}))
	}
	if cfg.Loss > 0 || cfg.Latency > 0 || cfg.Jitter > 0 {
		opts = append(opts, client.WithNetsim(cfg.Loss, cfg.Latency, cfg.Jitter, time.Now().UnixNano()))
	}

	c := client.New(opts...)

	// The real renderer is external too; without -headless we log the
	// view once a second as a stand-in.
	if !cfg.Headless {
		go func() {
			ticker := time.NewTicker(time.Second)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					v := c.View()
					log.Infow("view",
						"self_id", v.SelfID,
						"x", v.Self.PosX,
						"y", v.Self.PosY,
						"remotes", len(v.Remotes),
						"connected", v.Connected,
					)
				}
			}
		}()
	}

	runErr := c.Run(ctx)

	if cfg.MetricsOut != "" {
		if err := flushMetrics(cfg.MetricsOut); err != nil {
			log.Errorw("metrics_flush_failed", "path", cfg.MetricsOut, "error", err)
		}
	}

	switch {
	case runErr == nil:
		return 0
	case errors.Is(runErr, client.ErrDisconnected):
		log.Infow("session_ended_by_server")
		return 0
	default:
		log.Errorw("client_failed", "error", runErr)
		return 1
	}
}

func flushMetrics(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := metrics.R().WriteJSON(f); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}
