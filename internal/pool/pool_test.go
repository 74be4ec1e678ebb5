package pool

import (
	"net"
	"testing"
	"time"
)

func testConnPair(t *testing.T) (net.Conn, net.Conn) {
	t.Helper()
	c1, c2 := net.Pipe()
	t.Cleanup(func() {
		c1.Close()
		c2.Close()
	})
	return c1, c2
}

func newEnabledPool(ttl, idle time.Duration) *Pool {
	return New(Config{
		Enabled:         true,
		MaxPerHost:      2,
		ConnectionTTL:   ttl,
		IdleTimeout:     idle,
		CleanupInterval: 0,
	})
}

func TestPoolPutThenGetHits(t *testing.T) {
	p := newEnabledPool(time.Minute, time.Minute)
	c1, _ := testConnPair(t)

	if ok := p.Put("host:443", c1, "tls"); !ok {
		t.Fatal("Put returned false")
	}

	entry, ok := p.Get("host:443")
	if !ok {
		t.Fatal("first Get should hit")
	}
	if entry.Conn != c1 {
		t.Error("Get returned a different connection than was Put")
	}

	if _, ok := p.Get("host:443"); ok {
		t.Error("second Get should miss, bucket should be empty")
	}
}

func TestPoolExpiresByTTL(t *testing.T) {
	p := newEnabledPool(10*time.Millisecond, time.Minute)
	c1, _ := testConnPair(t)
	p.Put("host:443", c1, "")

	time.Sleep(30 * time.Millisecond)

	if _, ok := p.Get("host:443"); ok {
		t.Error("Get should miss after TTL expiry")
	}
}

func TestPoolExpiresByIdle(t *testing.T) {
	p := newEnabledPool(time.Minute, 10*time.Millisecond)
	c1, _ := testConnPair(t)
	p.Put("host:443", c1, "")

	time.Sleep(30 * time.Millisecond)

	if _, ok := p.Get("host:443"); ok {
		t.Error("Get should miss after idle expiry")
	}
}

func TestPoolRespectsMaxPerHost(t *testing.T) {
	p := newEnabledPool(time.Minute, time.Minute)
	c1, _ := testConnPair(t)
	c2, _ := testConnPair(t)
	c3, _ := testConnPair(t)

	if !p.Put("h", c1, "") {
		t.Fatal("first put should succeed")
	}
	if !p.Put("h", c2, "") {
		t.Fatal("second put should succeed")
	}
	if p.Put("h", c3, "") {
		t.Error("third put should be rejected, MaxPerHost is 2")
	}
}

func TestPoolDisabledIsNoop(t *testing.T) {
	p := New(Config{Enabled: false})
	c1, _ := testConnPair(t)

	if p.Put("h", c1, "") {
		t.Error("Put on disabled pool should return false")
	}
	if _, ok := p.Get("h"); ok {
		t.Error("Get on disabled pool should always miss")
	}
}

func TestPoolNilIsSafe(t *testing.T) {
	var p *Pool
	if _, ok := p.Get("h"); ok {
		t.Error("Get on nil pool should miss")
	}
}

func TestPoolCleanupEvictsExpired(t *testing.T) {
	p := newEnabledPool(10*time.Millisecond, time.Minute)
	c1, _ := testConnPair(t)
	c2, _ := testConnPair(t)
	p.Put("a", c1, "")
	p.Put("b", c2, "")

	time.Sleep(30 * time.Millisecond)
	p.Cleanup()

	if _, ok := p.Get("a"); ok {
		t.Error("bucket a should have been cleaned up")
	}
	if _, ok := p.Get("b"); ok {
		t.Error("bucket b should have been cleaned up")
	}
}

func TestPoolStopClosesParkedConns(t *testing.T) {
	p := newEnabledPool(time.Minute, time.Minute)
	p.StartCleanup()
	c1, peer := testConnPair(t)
	p.Put("h", c1, "")

	p.Stop()

	buf := make([]byte, 1)
	peer.SetReadDeadline(time.Now().Add(time.Second))
	if _, err := peer.Read(buf); err == nil {
		t.Error("expected read error on peer after pooled conn was closed")
	}
}
