package server

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/vexfall/netarena/internal/client"
	"github.com/vexfall/netarena/internal/config"
	"github.com/vexfall/netarena/internal/world"
)

func startServer(t *testing.T, sim config.Sim, opts ...ServerOption) (*Server, context.CancelFunc, chan error) {
	t.Helper()
	opts = append([]ServerOption{WithListenAddr("127.0.0.1:0"), WithSim(sim)}, opts...)
	srv := New(opts...)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx) }()
	select {
	case <-srv.Ready():
	case err := <-done:
		cancel()
		t.Fatalf("server failed to start: %v", err)
	}
	return srv, cancel, done
}

func stopServer(t *testing.T, srv *Server, cancel context.CancelFunc, done chan error) {
	t.Helper()
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Serve returned error: %v", err)
	}
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
}

func runClient(t *testing.T, ctx context.Context, wg *sync.WaitGroup, c *client.Client) {
	t.Helper()
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := c.Run(ctx); err != nil {
			t.Errorf("client run: %v", err)
		}
	}()
}

func TestServeFailsFastOnBadAddr(t *testing.T) {
	srv := New(WithListenAddr("256.0.0.1:bad"))
	if err := srv.Serve(context.Background()); err == nil {
		t.Fatal("expected bind error for malformed address")
	}
}

func TestEndToEndTwoClientsConverge(t *testing.T) {
	if testing.Short() {
		t.Skip("timing-based loopback session")
	}
	sim := config.Sim{Speed: 200, WorldW: 2000, WorldH: 2000, TickRate: 50}
	srv, cancel, done := startServer(t, sim)

	mk := func(mx, my float32) *client.Client {
		return client.New(
			client.WithServerAddr(srv.Addr()),
			client.WithSim(sim),
			client.WithInputFunc(func() (float32, float32, uint8) { return mx, my, 0 }),
		)
	}
	c1 := mk(1, 0)
	c2 := mk(-1, 0)

	cctx, ccancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	runClient(t, cctx, &wg, c1)
	runClient(t, cctx, &wg, c2)

	time.Sleep(2 * time.Second)

	v1 := c1.View()
	v2 := c2.View()
	if !v1.Connected || !v2.Connected {
		t.Fatalf("clients not connected: %v %v", v1.Connected, v2.Connected)
	}
	if got := c1.SnapshotsReceived(); got < 30 {
		t.Errorf("client 1 received %d snapshots in 2s at 50Hz, want >= 30", got)
	}
	if got := c2.SnapshotsReceived(); got < 30 {
		t.Errorf("client 2 received %d snapshots, want >= 30", got)
	}
	if len(v1.Remotes) != 1 {
		t.Fatalf("client 1 sees %d remotes, want 1", len(v1.Remotes))
	}
	if len(v2.Remotes) != 1 {
		t.Fatalf("client 2 sees %d remotes, want 1", len(v2.Remotes))
	}

	// Each client's view of the other must track the other's own
	// reconciled position within the interpolation delay plus whatever
	// inputs were still in flight when the views were captured. The
	// owner's reconciled state is the server's authoritative position
	// modulo those same in-flight inputs, so this bounds divergence
	// from authority too.
	tolerance := float32(10) * sim.Speed * sim.DTSeconds()
	check := func(seen, owner world.Entity, who string) {
		if dx := abs32(seen.PosX - owner.PosX); dx > tolerance {
			t.Errorf("%s: remote X diverged by %v (seen %v, owner %v)", who, dx, seen.PosX, owner.PosX)
		}
		if dy := abs32(seen.PosY - owner.PosY); dy > tolerance {
			t.Errorf("%s: remote Y diverged by %v (seen %v, owner %v)", who, dy, seen.PosY, owner.PosY)
		}
	}
	check(v1.Remotes[0], v2.Self, "client1->client2")
	check(v2.Remotes[0], v1.Self, "client2->client1")

	ccancel()
	wg.Wait()
	stopServer(t, srv, cancel, done)
}

func TestLossyClientStillAdvancesInputs(t *testing.T) {
	if testing.Short() {
		t.Skip("timing-based loopback session")
	}
	sim := config.Sim{Speed: 200, WorldW: 2000, WorldH: 2000, TickRate: 50}
	srv, cancel, done := startServer(t, sim)

	c := client.New(
		client.WithServerAddr(srv.Addr()),
		client.WithSim(sim),
		client.WithInputFunc(func() (float32, float32, uint8) { return 1, 0, 0 }),
		client.WithNetsim(0.3, 0, 0, 42),
	)
	cctx, ccancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	runClient(t, cctx, &wg, c)

	time.Sleep(1500 * time.Millisecond)
	id := c.View().SelfID
	ccancel()
	wg.Wait()

	rec, ok := srv.clients.Get(id)
	if !ok {
		t.Fatal("client record missing on server")
	}
	// ~75 local ticks in 1.5s; even at 30% datagram loss the 3-deep
	// redundancy keeps the server's applied sequence close behind.
	if got := rec.LastAppliedInputSeq(); got < 40 {
		t.Errorf("server applied through input seq %d, want >= 40", got)
	}

	stopServer(t, srv, cancel, done)
}

func TestBotFleetSnapshotThroughput(t *testing.T) {
	if testing.Short() {
		t.Skip("3.5s loopback load scenario")
	}
	sim := config.DefaultSim() // 20Hz, the load-scenario rate
	srv, cancel, done := startServer(t, sim)

	const bots = 8
	clients := make([]*client.Client, bots)
	cctx, ccancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	for i := range clients {
		dir := float32(1)
		if i%2 == 1 {
			dir = -1
		}
		clients[i] = client.New(
			client.WithServerAddr(srv.Addr()),
			client.WithSim(sim),
			client.WithInputFunc(func() (float32, float32, uint8) { return dir, dir, 0 }),
		)
		runClient(t, cctx, &wg, clients[i])
	}

	time.Sleep(3500 * time.Millisecond)
	for i, c := range clients {
		if got := c.SnapshotsReceived(); got < 60 {
			t.Errorf("bot %d received %d snapshots in 3.5s, want >= 60", i, got)
		}
	}
	ccancel()
	wg.Wait()
	stopServer(t, srv, cancel, done)
}

func TestDisconnectRemovesEntityByEndOfTick(t *testing.T) {
	if testing.Short() {
		t.Skip("timing-based loopback session")
	}
	sim := config.Sim{Speed: 200, WorldW: 2000, WorldH: 2000, TickRate: 50}
	srv, cancel, done := startServer(t, sim)

	c := client.New(
		client.WithServerAddr(srv.Addr()),
		client.WithSim(sim),
		client.WithInputFunc(func() (float32, float32, uint8) { return 0, 1, 0 }),
	)
	cctx, ccancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	runClient(t, cctx, &wg, c)

	time.Sleep(500 * time.Millisecond)
	id := c.View().SelfID
	if _, ok := srv.clients.Get(id); !ok {
		t.Fatal("client never registered on server")
	}

	// Canceling the client sends a best-effort DISCONNECT on exit.
	ccancel()
	wg.Wait()
	time.Sleep(300 * time.Millisecond)

	if _, ok := srv.clients.Get(id); ok {
		t.Error("client record survived DISCONNECT")
	}

	stopServer(t, srv, cancel, done)
	// Tick loop stopped; the world can be inspected race-free.
	if _, ok := srv.world.Get(id); ok {
		t.Error("entity survived DISCONNECT")
	}
}

func TestReliableEventsFlowBothWays(t *testing.T) {
	if testing.Short() {
		t.Skip("timing-based loopback session")
	}
	sim := config.Sim{Speed: 200, WorldW: 2000, WorldH: 2000, TickRate: 50}

	serverGot := make(chan []byte, 8)
	srv, cancel, done := startServer(t, sim, WithEventFunc(func(id uint8, key uint32, data []byte) {
		cp := make([]byte, len(data))
		copy(cp, data)
		serverGot <- cp
	}))

	clientGot := make(chan []byte, 8)
	c1 := client.New(
		client.WithServerAddr(srv.Addr()),
		client.WithSim(sim),
		client.WithInputFunc(func() (float32, float32, uint8) { return 0, 0, 0 }),
		client.WithEventFunc(func(key uint32, data []byte) {
			cp := make([]byte, len(data))
			copy(cp, data)
			clientGot <- cp
		}),
	)
	cctx, ccancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	runClient(t, cctx, &wg, c1)

	time.Sleep(300 * time.Millisecond)
	if !c1.SendEvent([]byte("hello")) {
		t.Fatal("SendEvent rejected")
	}

	select {
	case data := <-serverGot:
		if string(data) != "hello" {
			t.Fatalf("server received %q, want %q", data, "hello")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("server never received the reliable event")
	}

	// A second client joining must be announced reliably to the first.
	c2 := client.New(
		client.WithServerAddr(srv.Addr()),
		client.WithSim(sim),
		client.WithInputFunc(func() (float32, float32, uint8) { return 0, 0, 0 }),
	)
	runClient(t, cctx, &wg, c2)

	select {
	case data := <-clientGot:
		if len(data) != 2 || data[0] != EventPlayerJoined {
			t.Fatalf("join announcement malformed: %v", data)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("first client never heard about the second joining")
	}

	select {
	case data := <-serverGot:
		t.Fatalf("server received an unexpected duplicate event: %q", data)
	default:
	}

	ccancel()
	wg.Wait()
	stopServer(t, srv, cancel, done)
}

func abs32(f float32) float32 {
	if f < 0 {
		return -f
	}
	return f
}
