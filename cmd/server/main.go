package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/vexfall/netarena/internal/config"
	"github.com/vexfall/netarena/internal/logging"
	"github.com/vexfall/netarena/internal/metrics"
	"github.com/vexfall/netarena/internal/server"
)

// Populated at build time via -ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	cfg, err := config.ParseServerFlags(args)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	log := logging.New(logging.Options{Format: cfg.LogFormat, Level: cfg.LogLevel})
	logging.Set(log)
	defer logging.Sync()
	metrics.InitBuildInfo(version, commit, date)
	log.Infow("starting", "version", version, "commit", commit)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var metricsSrv *http.Server
	if cfg.MetricsAddr != "" {
		metricsSrv = metrics.StartHTTP(cfg.MetricsAddr)
	}
	metrics.R().StartBandwidthSampler(ctx, time.Second)

	sim := config.DefaultSim()
	sim.TickRate = cfg.TickRate

	opts := []server.ServerOption{
		server.WithListenAddr(net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))),
		server.WithSim(sim),
		server.WithMaxPlayers(cfg.MaxPlayers),
	}
	if cfg.Loss > 0 || cfg.Latency > 0 || cfg.Jitter > 0 {
		opts = append(opts, server.WithNetsim(cfg.Loss, cfg.Latency, cfg.Jitter, time.Now().UnixNano()))
	}

	srv := server.New(opts...)
	if err := srv.Serve(ctx); err != nil {
		log.Errorw("serve_failed", "error", err)
		return 1
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Errorw("shutdown_failed", "error", err)
	}
	if err := metrics.Shutdown(shutdownCtx, metricsSrv); err != nil {
		log.Errorw("metrics_shutdown_failed", "error", err)
	}
	if cfg.MetricsOut != "" {
		if err := flushMetrics(cfg.MetricsOut); err != nil {
			log.Errorw("metrics_flush_failed", "path", cfg.MetricsOut, "error", err)
		} else {
			log.Infow("metrics_flushed", "path", cfg.MetricsOut)
		}
	}
	return 0
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
