package config

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// ServerFlags is the CLI surface for cmd/server.
type ServerFlags struct {
	Host        string
	Port        int
	TickRate    int
	Loss        float64
	Latency     time.Duration
	Jitter      time.Duration
	MaxPlayers  int
	MetricsAddr string
	LogFormat   string
	LogLevel    string
	MetricsOut  string
}

// ParseServerFlags parses os.Args for cmd/server, applying
// ARENA_SERVER_* environment overrides to host, port, tick-rate, loss,
// metrics-addr and log-level when not explicitly set on the command
// line. The other flags read no environment variable.
func ParseServerFlags(args []string) (*ServerFlags, error) {
	fs := flag.NewFlagSet("server", flag.ContinueOnError)
	host := fs.String("host", "0.0.0.0", "UDP listen host")
	port := fs.Int("port", 9477, "UDP listen port")
	tickRate := fs.Int("tick-rate", 20, "Simulation tick rate in Hz")
	loss := fs.Float64("loss", 0, "Simulated outbound packet loss probability [0,1]")
	latency := fs.Duration("latency", 0, "Simulated base outbound latency")
	jitter := fs.Duration("jitter", 0, "Simulated outbound latency jitter")
	maxPlayers := fs.Int("max-players", 255, "Maximum concurrent clients (capped at 255 by the u8 id space)")
	metricsAddr := fs.String("metrics-addr", "", "Prometheus metrics HTTP listen address (e.g. :9100); empty disables")
	logFormat := fs.String("log-format", "json", "Log format: json|console")
	logLevel := fs.String("log-level", "info", "Log level: debug|info|warn|error")
	metricsOut := fs.String("metrics-out", "", "Path to flush session metrics to as JSON at exit; empty disables")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	set := map[string]bool{}
	fs.Visit(func(f *flag.Flag) { set[f.Name] = true })

	cfg := &ServerFlags{
		Host: *host, Port: *port, TickRate: *tickRate, Loss: *loss,
		Latency: *latency, Jitter: *jitter, MaxPlayers: *maxPlayers,
		MetricsAddr: *metricsAddr, LogFormat: *logFormat, LogLevel: *logLevel,
		MetricsOut: *metricsOut,
	}
	applyServerEnv(cfg, set)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyServerEnv(c *ServerFlags, set map[string]bool) {
	get := func(k string) (string, bool) { v, ok := os.LookupEnv(k); return strings.TrimSpace(v), ok }
	if !set["host"] {
		if v, ok := get("ARENA_SERVER_HOST"); ok && v != "" {
			c.Host = v
		}
	}
	if !set["port"] {
		if v, ok := get("ARENA_SERVER_PORT"); ok {
			if n, err := strconv.Atoi(v); err == nil {
				c.Port = n
			}
		}
	}
	if !set["tick-rate"] {
		if v, ok := get("ARENA_SERVER_TICK_RATE"); ok {
			if n, err := strconv.Atoi(v); err == nil {
				c.TickRate = n
			}
		}
	}
	if !set["loss"] {
		if v, ok := get("ARENA_SERVER_LOSS"); ok {
			if f, err := strconv.ParseFloat(v, 64); err == nil {
				c.Loss = f
			}
		}
	}
	if !set["metrics-addr"] {
		if v, ok := get("ARENA_SERVER_METRICS_ADDR"); ok {
			c.MetricsAddr = v
		}
	}
	if !set["log-level"] {
		if v, ok := get("ARENA_SERVER_LOG_LEVEL"); ok && v != "" {
			c.LogLevel = v
		}
	}
}

// Validate checks ranges that would otherwise surface as confusing
// runtime failures; it never touches the network. A tick-rate of 0 or
// less is a fatal misconfiguration.
func (c *ServerFlags) Validate() error {
	if c.TickRate <= 0 {
		return fmt.Errorf("tick-rate must be > 0 (got %d)", c.TickRate)
	}
	if c.Loss < 0 || c.Loss > 1 {
		return fmt.Errorf("loss must be within [0,1] (got %f)", c.Loss)
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("port out of range: %d", c.Port)
	}
	if c.MaxPlayers <= 0 || c.MaxPlayers > 255 {
		return fmt.Errorf("max-players must be within (0,255], got %d", c.MaxPlayers)
	}
	switch c.LogFormat {
	case "json", "console":
	default:
		return fmt.Errorf("invalid log-format: %s", c.LogFormat)
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log-level: %s", c.LogLevel)
	}
	return nil
}

// ClientFlags is the CLI surface for cmd/client.
type ClientFlags struct {
	Host       string
	Port       int
	TickRate   int
	Headless   bool
	Loss       float64
	Latency    time.Duration
	Jitter     time.Duration
	LogFormat  string
	LogLevel   string
	MetricsOut string
}

// ParseClientFlags parses os.Args for cmd/client.
func ParseClientFlags(args []string) (*ClientFlags, error) {
	fs := flag.NewFlagSet("client", flag.ContinueOnError)
	host := fs.String("host", "127.0.0.1", "Server host to connect to")
	port := fs.Int("port", 9477, "Server port to connect to")
	tickRate := fs.Int("tick-rate", 20, "Local tick rate in Hz")
	headless := fs.Bool("headless", false, "Run as a pure observer: no input source (sends HEARTBEAT) and no view logging")
	loss := fs.Float64("loss", 0, "Simulated outbound packet loss probability [0,1]")
	latency := fs.Duration("latency", 0, "Simulated base outbound latency")
	jitter := fs.Duration("jitter", 0, "Simulated outbound latency jitter")
	logFormat := fs.String("log-format", "console", "Log format: json|console")
	logLevel := fs.String("log-level", "info", "Log level: debug|info|warn|error")
	metricsOut := fs.String("metrics-out", "", "Path to flush session metrics to as JSON at exit; empty disables")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	cfg := &ClientFlags{
		Host: *host, Port: *port, TickRate: *tickRate, Headless: *headless,
		Loss: *loss, Latency: *latency, Jitter: *jitter,
		LogFormat: *logFormat, LogLevel: *logLevel, MetricsOut: *metricsOut,
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *ClientFlags) Validate() error {
	if c.TickRate <= 0 {
		return errors.New("tick-rate must be > 0")
	}
	if c.Loss < 0 || c.Loss > 1 {
		return fmt.Errorf("loss must be within [0,1] (got %f)", c.Loss)
	}
	return nil
}
