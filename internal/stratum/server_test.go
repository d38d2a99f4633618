package stratum

import (
	"bufio"
	"context"
	"net"
	"testing"
	"time"

	"github.com/bardlex/gompcore/pkg/log"
)

func startServer(t *testing.T, cfg ServerConfig) (*Server, *harness) {
	t.Helper()
	h := newHarness(t, nil)
	srv := NewServer(cfg, h.handler, log.Discard())

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	served := make(chan error, 1)
	go func() { served <- srv.Serve(ctx, ln) }()

	t.Cleanup(func() {
		cancel()
		if err := <-served; err != nil {
			t.Errorf("Serve() error = %v", err)
		}
		shutdownCtx, done := context.WithTimeout(context.Background(), 2*time.Second)
		defer done()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			t.Errorf("Shutdown() error = %v", err)
		}
	})

	waitFor(t, func() bool { return srv.Addr() != nil })
	return srv, h
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func dial(t *testing.T, srv *Server) *testClient {
	t.Helper()
	conn, err := net.Dial("tcp", srv.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return &testClient{t: t, conn: conn, r: bufio.NewReader(conn)}
}

func TestServer_SessionLifecycle(t *testing.T) {
	srv, h := startServer(t, ServerConfig{StartDifficulty: 512, MaxActiveJobs: 4})

	c := dial(t, srv)
	c.call(MethodSubscribe, "cgminer/4.12.1")
	c.call(MethodAuthorize, regtestAddress(t)+".rig1", "x")

	diff := c.read()
	if params := diff["params"].([]any); params[0] != 512.0 {
		t.Errorf("start difficulty = %v, want 512", params[0])
	}

	if n := srv.SessionCount(); n != 1 {
		t.Errorf("SessionCount() = %d, want 1", n)
	}

	_ = c.conn.Close()
	waitFor(t, func() bool { return srv.SessionCount() == 0 })

	h.jobs.mu.Lock()
	defer h.jobs.mu.Unlock()
	if len(h.jobs.removed) != 1 {
		t.Errorf("broadcaster removals = %v, want one", h.jobs.removed)
	}
}

func TestServer_ConnectionLimit(t *testing.T) {
	srv, _ := startServer(t, ServerConfig{StartDifficulty: 1, MaxActiveJobs: 4, MaxConnections: 1})

	first := dial(t, srv)
	first.call(MethodSubscribe)

	second := dial(t, srv)
	_ = second.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := second.r.ReadByte(); err == nil {
		t.Error("connection over the limit was served")
	}

	if n := srv.SessionCount(); n != 1 {
		t.Errorf("SessionCount() = %d, want 1", n)
	}
}

func TestServer_ShutdownClosesSessions(t *testing.T) {
	h := newHarness(t, nil)
	srv := NewServer(ServerConfig{StartDifficulty: 1, MaxActiveJobs: 4}, h.handler, log.Discard())

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	go func() { _ = srv.Serve(context.Background(), ln) }()
	waitFor(t, func() bool { return srv.Addr() != nil })

	c := dial(t, srv)
	c.call(MethodSubscribe)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}

	_ = c.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := c.r.ReadByte(); err == nil {
		t.Error("session still open after shutdown")
	}
}
