package server

import (
	"context"
	"net"
	"testing"
	"time"

	"sniproxy/internal/config"
)

func testConfig(t *testing.T, maxConns int) *config.Config {
	t.Helper()
	return &config.Config{
		ListenAddrs: []string{"127.0.0.1:0"},
		Timeouts: config.Timeouts{
			Connect:     config.Seconds(time.Second),
			ClientHello: config.Seconds(time.Second),
			Idle:        config.Seconds(time.Second),
		},
		MaxConnections: maxConns,
		ShutdownSec:    config.Seconds(2 * time.Second),
		Pool:           config.PoolConfig{Enabled: false},
	}
}

func TestServerStartAndGracefulShutdown(t *testing.T) {
	cfg := testConfig(t, 10)
	srv := New(cfg)

	ctx, cancel := context.WithCancel(context.Background())

	started := make(chan struct{})
	errCh := make(chan error, 1)
	go func() {
		// Start binds synchronously before looping, so give it a moment
		// then signal shutdown.
		close(started)
		errCh <- srv.Start(ctx)
	}()

	<-started
	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		if err != nil {
			t.Errorf("Start returned error: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Start did not return after shutdown signal")
	}
}

func TestServerRejectsBeyondMaxConnections(t *testing.T) {
	cfg := testConfig(t, 0)
	srv := New(cfg)
	// A zero-capacity semaphore means every accept should hit the
	// default branch and be rejected; exercise that branch directly by
	// asserting connSem has no capacity.
	select {
	case srv.connSem <- struct{}{}:
		t.Error("expected connSem to have zero capacity")
	default:
	}
}

func TestServerAcceptLoopStopsOnListenerClose(t *testing.T) {
	cfg := testConfig(t, 10)
	srv := New(cfg)
	close(srv.shutdown)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	ln.Close()

	done := make(chan error, 1)
	go func() {
		done <- srv.acceptLoop(context.Background(), ln)
	}()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("acceptLoop returned %v, want nil", err)
		}
	case <-time.After(time.Second):
		t.Fatal("acceptLoop did not return after listener close")
	}
}
