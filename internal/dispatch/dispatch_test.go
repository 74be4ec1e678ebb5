package dispatch

import (
	"bufio"
	"context"
	"net"
	"net/http"
	"testing"
	"time"

	"sniproxy/internal/config"
	"sniproxy/internal/pool"
)

func testHandler(t *testing.T, allow []string) (*Handler, string) {
	t.Helper()
	cfg := &config.Config{
		Timeouts: config.Timeouts{
			Connect:     config.Seconds(2 * time.Second),
			ClientHello: config.Seconds(2 * time.Second),
			Idle:        config.Seconds(2 * time.Second),
		},
		Allowlist:      allow,
		MaxConnections: 100,
	}
	p := pool.New(pool.Config{Enabled: false})
	h := NewHandler(cfg, p)
	return h, "127.0.0.1:0"
}

func startOrigin(t *testing.T) net.Listener {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				defer c.Close()
				br := bufio.NewReader(c)
				req, err := http.ReadRequest(br)
				if err != nil {
					return
				}
				req.Body.Close()
				c.Write([]byte("HTTP/1.1 200 OK\r\nContent-Length: 21\r\nConnection: close\r\n\r\nHello from HTTP/1.1!"))
			}(conn)
		}
	}()
	return ln
}

func dialAndSendHTTP(t *testing.T, proxyAddr, hostHeader string) string {
	t.Helper()
	conn, err := net.Dial("tcp", proxyAddr)
	if err != nil {
		t.Fatalf("dial proxy: %v", err)
	}
	defer conn.Close()

	req := "GET / HTTP/1.1\r\nHost: " + hostHeader + "\r\nConnection: close\r\n\r\n"
	if _, err := conn.Write([]byte(req)); err != nil {
		t.Fatalf("write request: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 4096)
	n, _ := conn.Read(buf)
	return string(buf[:n])
}

func TestEndToEndHTTPRelay(t *testing.T) {
	origin := startOrigin(t)
	defer origin.Close()
	originAddr := origin.Addr().String()

	h, _ := testHandler(t, []string{"*"})

	proxyLn, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer proxyLn.Close()

	go func() {
		for {
			conn, err := proxyLn.Accept()
			if err != nil {
				return
			}
			go h.Handle(context.Background(), conn, proxyLn.Addr().String())
		}
	}()

	resp := dialAndSendHTTP(t, proxyLn.Addr().String(), originAddr)
	if resp == "" {
		t.Fatal("no response received through the proxy")
	}
	want := "Hello from HTTP/1.1!"
	if !contains(resp, want) {
		t.Errorf("response = %q, want it to contain %q", resp, want)
	}
}

func TestManySequentialRequests(t *testing.T) {
	origin := startOrigin(t)
	defer origin.Close()
	originAddr := origin.Addr().String()

	h, _ := testHandler(t, []string{"*"})

	proxyLn, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer proxyLn.Close()

	go func() {
		for {
			conn, err := proxyLn.Accept()
			if err != nil {
				return
			}
			go h.Handle(context.Background(), conn, proxyLn.Addr().String())
		}
	}()

	succeeded := 0
	for i := 0; i < 50; i++ {
		resp := dialAndSendHTTP(t, proxyLn.Addr().String(), originAddr)
		if contains(resp, "Hello from HTTP/1.1!") {
			succeeded++
		}
	}
	if succeeded < 45 {
		t.Errorf("only %d/50 sequential requests succeeded, want >= 45", succeeded)
	}
}

func TestDispatchRejectsDisallowedHost(t *testing.T) {
	origin := startOrigin(t)
	defer origin.Close()
	originAddr := origin.Addr().String()

	h, _ := testHandler(t, []string{"only-this-host.example"})

	proxyLn, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer proxyLn.Close()

	go func() {
		for {
			conn, err := proxyLn.Accept()
			if err != nil {
				return
			}
			go h.Handle(context.Background(), conn, proxyLn.Addr().String())
		}
	}()

	resp := dialAndSendHTTP(t, proxyLn.Addr().String(), originAddr)
	if resp != "" {
		t.Errorf("expected no response for a disallowed host, got %q", resp)
	}
}

// startUpgradeAwareOrigin answers WebSocket upgrade requests with a 101 and
// everything else with the plain 200 used elsewhere.
func startUpgradeAwareOrigin(t *testing.T) net.Listener {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				defer c.Close()
				br := bufio.NewReader(c)
				req, err := http.ReadRequest(br)
				if err != nil {
					return
				}
				req.Body.Close()
				if req.Header.Get("Upgrade") == "websocket" {
					c.Write([]byte("HTTP/1.1 101 Switching Protocols\r\nUpgrade: websocket\r\nConnection: Upgrade\r\n\r\n"))
					return
				}
				c.Write([]byte("HTTP/1.1 200 OK\r\nContent-Length: 21\r\nConnection: close\r\n\r\nHello from HTTP/1.1!"))
			}(conn)
		}
	}()
	return ln
}

func TestInterleavedHTTPAndWebSocketConnections(t *testing.T) {
	origin := startUpgradeAwareOrigin(t)
	defer origin.Close()
	originAddr := origin.Addr().String()

	h, _ := testHandler(t, []string{"*"})

	proxyLn, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer proxyLn.Close()

	go func() {
		for {
			conn, err := proxyLn.Accept()
			if err != nil {
				return
			}
			go h.Handle(context.Background(), conn, proxyLn.Addr().String())
		}
	}()

	results := make(chan bool, 8)
	for i := 0; i < 8; i++ {
		upgrade := i%2 == 0
		go func(upgrade bool) {
			conn, err := net.Dial("tcp", proxyLn.Addr().String())
			if err != nil {
				results <- false
				return
			}
			defer conn.Close()

			var req string
			if upgrade {
				req = "GET /chat HTTP/1.1\r\nHost: " + originAddr +
					"\r\nUpgrade: websocket\r\nConnection: Upgrade\r\n\r\n"
			} else {
				req = "GET / HTTP/1.1\r\nHost: " + originAddr + "\r\nConnection: close\r\n\r\n"
			}
			if _, err := conn.Write([]byte(req)); err != nil {
				results <- false
				return
			}

			conn.SetReadDeadline(time.Now().Add(2 * time.Second))
			buf := make([]byte, 4096)
			n, _ := conn.Read(buf)
			resp := string(buf[:n])
			if upgrade {
				results <- contains(resp, " 101 ")
			} else {
				results <- contains(resp, "Hello from HTTP/1.1!")
			}
		}(upgrade)
	}

	succeeded := 0
	for i := 0; i < 8; i++ {
		if <-results {
			succeeded++
		}
	}
	if succeeded < 6 {
		t.Errorf("only %d/8 interleaved connections succeeded, want >= 6", succeeded)
	}
}

func contains(haystack, needle string) bool {
	return len(haystack) >= len(needle) && (func() bool {
		for i := 0; i+len(needle) <= len(haystack); i++ {
			if haystack[i:i+len(needle)] == needle {
				return true
			}
		}
		return false
	})()
}

func TestSplitHostPort(t *testing.T) {
	cases := []struct {
		in       string
		defPort  int
		wantHost string
		wantPort string
	}{
		{"example.com", 443, "example.com", "443"},
		{"example.com:8443", 443, "example.com", "8443"},
		{"example.com:", 443, "example.com:", "443"},
	}
	for _, c := range cases {
		host, port := splitHostPort(c.in, c.defPort)
		if host != c.wantHost || port != c.wantPort {
			t.Errorf("splitHostPort(%q, %d) = (%q, %q), want (%q, %q)", c.in, c.defPort, host, port, c.wantHost, c.wantPort)
		}
	}
}
