// Package server implements the accept loop, admission control, and
// graceful shutdown: a bounded counting semaphore gates accepted
// connections across every configured TCP listener (UDP relays are not
// gated by it), and shutdown drains outstanding handler tasks up to a configured timeout
// rather than killing them.
package server

import (
	"context"
	"net"
	"sync"
	"time"

	"sniproxy/internal/allowlist"
	"sniproxy/internal/config"
	"sniproxy/internal/dispatch"
	"sniproxy/internal/metrics"
	"sniproxy/internal/pool"
	"sniproxy/internal/udprelay"
	"sniproxy/internal/ui"
)

// Server owns every TCP listener, the optional UDP relay fleet, and the
// admission semaphore, and runs until the context passed to Start is
// cancelled. Config is the
// startup snapshot used to bind listeners and size the semaphore; values
// a SIGHUP reload may change are read through Handler.Config instead.
type Server struct {
	Config  *config.Config
	Handler *dispatch.Handler
	Pool    *pool.Pool

	listeners []net.Listener
	relays    []*udprelay.Relay

	connSem  chan struct{}
	wg       sync.WaitGroup
	shutdown chan struct{}
}

// New builds a Server bound to cfg. Listeners are not opened until Start
// is called.
func New(cfg *config.Config) *Server {
	p := pool.New(pool.Config{
		Enabled:         cfg.Pool.Enabled,
		MaxPerHost:      cfg.Pool.MaxPerHost,
		ConnectionTTL:   cfg.Pool.ConnectionTTL.Duration(),
		IdleTimeout:     cfg.Pool.IdleTimeout.Duration(),
		CleanupInterval: cfg.Pool.CleanupInterval.Duration(),
	})
	return &Server{
		Config:   cfg,
		Handler:  dispatch.NewHandler(cfg, p),
		Pool:     p,
		connSem:  make(chan struct{}, cfg.MaxConnections),
		shutdown: make(chan struct{}),
	}
}

// Start binds every configured TCP and UDP listener and runs the accept
// loops. It blocks until ctx is cancelled, then drains outstanding
// connections for up to Config.ShutdownSec before returning. A bind
// failure at startup is fatal and returned immediately.
func (s *Server) Start(ctx context.Context) error {
	for _, addr := range s.Config.ListenAddrs {
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			s.closeListeners()
			return err
		}
		s.listeners = append(s.listeners, ln)
		ui.LogStatus("info", "Listening (tcp): "+addr)
	}

	for _, addr := range s.Config.UDPListenAddrs {
		relay, err := udprelay.New(addr, s.udpResolver(), s.Config.Timeouts.Idle.Duration())
		if err != nil {
			s.closeListeners()
			return err
		}
		s.relays = append(s.relays, relay)
		ui.LogStatus("info", "Listening (udp): "+addr)
	}

	s.Pool.StartCleanup()

	for _, relay := range s.relays {
		r := relay
		go r.Run()
	}

	go func() {
		<-ctx.Done()
		ui.LogStatus("warn", "Shutdown signal received, draining connections...")
		close(s.shutdown)
		for _, ln := range s.listeners {
			ln.Close()
		}
		for _, r := range s.relays {
			r.Stop()
		}
	}()

	var wg sync.WaitGroup
	errs := make(chan error, len(s.listeners))
	for _, ln := range s.listeners {
		wg.Add(1)
		go func(l net.Listener) {
			defer wg.Done()
			errs <- s.acceptLoop(ctx, l)
		}(ln)
	}
	wg.Wait()
	close(errs)

	drainErr := s.drain()

	for err := range errs {
		if err != nil {
			return err
		}
	}
	return drainErr
}

// closeListeners releases every listener bound so far, for the startup
// path where a later bind fails and Start must return without leaking the
// earlier sockets. The relays have not started their read loops yet, so
// only their sockets need releasing.
func (s *Server) closeListeners() {
	for _, ln := range s.listeners {
		ln.Close()
	}
	for _, r := range s.relays {
		r.Close()
	}
}

// acceptLoop runs one listener's Accept loop until it is closed for
// shutdown, spawning one handler goroutine per accepted connection guarded
// by the admission semaphore.
func (s *Server) acceptLoop(ctx context.Context, ln net.Listener) error {
	listenAddr := ln.Addr().String()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-s.shutdown:
				return nil
			default:
				if ne, ok := err.(net.Error); ok && ne.Timeout() {
					continue
				}
				return nil
			}
		}

		select {
		case s.connSem <- struct{}{}:
			s.wg.Add(1)
			go func(c net.Conn) {
				defer s.wg.Done()
				defer func() { <-s.connSem }()
				s.Handler.Handle(ctx, c, listenAddr)
			}(conn)
		default:
			metrics.ConnectionsTotal.WithLabelValues("unknown", "rejected").Inc()
			ui.LogStatus("warn", "Connection rejected: at max capacity")
			conn.Close()
		}
	}
}

// drain waits for every outstanding handler goroutine to finish, up to
// Config.ShutdownSec. Tasks that outlast that window are logged as
// possibly incomplete; they are not forcibly killed.
func (s *Server) drain() error {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		ui.LogStatus("success", "All connections drained.")
	case <-time.After(s.Handler.Config().ShutdownSec.Duration()):
		ui.LogStatus("warn", "Shutdown timeout reached; outstanding connections may be incomplete.")
	}

	s.Pool.Stop()
	return nil
}

// udpResolver adapts the allowlist + static config into the plain
// sni->(target,bool) function internal/udprelay expects, so that package
// stays free of a dependency on internal/config or internal/allowlist.
// The config snapshot is loaded per call so an allowlist reload takes
// effect for new UDP sessions.
func (s *Server) udpResolver() udprelay.Resolver {
	return func(sni string) (string, bool) {
		if sni == "" {
			return "", false
		}
		cfg := s.Handler.Config()
		if len(cfg.Allowlist) > 0 && !allowlist.Match(cfg.Allowlist, sni) {
			return "", false
		}
		return net.JoinHostPort(sni, "443"), true
	}
}
