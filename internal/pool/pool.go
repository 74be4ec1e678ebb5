// Package pool implements the backend connection pool: a mapping from
// "host:port" to a bounded, ordered sequence of parked connections, evicted
// by TTL, idle time, or bucket overflow. The map is sharded across
// independent lock stripes rather than guarded by one global mutex, so
// mutation on one host's bucket never blocks a concurrent read or write on
// a different host's bucket.
package pool

import (
	"net"
	"sync"
	"time"

	"sniproxy/internal/metrics"
)

// shardCount is the number of independent lock stripes. A fixed power of
// two keeps shard selection a cheap mask-free modulo and is plenty for a
// proxy fronting a small number of active backend hosts.
const shardCount = 32

// Entry is one parked connection. CreatedAt and LastUsedAt back the TTL and
// idle-timeout expiry checks.
type Entry struct {
	Conn       net.Conn
	CreatedAt  time.Time
	LastUsedAt time.Time
	Protocol   string // optional hint, logging/metrics only
}

func (e *Entry) expired(now time.Time, ttl, idle time.Duration) bool {
	if ttl > 0 && now.Sub(e.CreatedAt) > ttl {
		return true
	}
	if idle > 0 && now.Sub(e.LastUsedAt) > idle {
		return true
	}
	return false
}

// Pool is the striped backend connection cache. A nil *Pool is safe to use
// and behaves as disabled (Get always misses, Put always drops) so callers
// don't need to nil-check a disabled pool.
type Pool struct {
	enabled         bool
	maxPerHost      int
	connectionTTL   time.Duration
	idleTimeout     time.Duration
	cleanupInterval time.Duration

	shards [shardCount]shard

	stopOnce       sync.Once
	stop           chan struct{}
	done           chan struct{}
	cleanupStarted bool
}

type shard struct {
	mu      sync.Mutex
	buckets map[string][]*Entry
}

// Config groups the pool's tunables, mirroring internal/config.PoolConfig
// field-for-field without importing it, so this package has no dependency
// on the config package.
type Config struct {
	Enabled         bool
	MaxPerHost      int
	ConnectionTTL   time.Duration
	IdleTimeout     time.Duration
	CleanupInterval time.Duration
}

// New builds a pool from cfg. When cfg.Enabled is false the returned pool
// still exists but every operation is a no-op, so the dispatch layer can
// call through it unconditionally.
func New(cfg Config) *Pool {
	p := &Pool{
		enabled:         cfg.Enabled,
		maxPerHost:      cfg.MaxPerHost,
		connectionTTL:   cfg.ConnectionTTL,
		idleTimeout:     cfg.IdleTimeout,
		cleanupInterval: cfg.CleanupInterval,
		stop:            make(chan struct{}),
		done:            make(chan struct{}),
	}
	for i := range p.shards {
		p.shards[i].buckets = make(map[string][]*Entry)
	}
	return p
}

func (p *Pool) shardFor(host string) *shard {
	return &p.shards[fnv32(host)%shardCount]
}

// Get pops the most-recently parked entry for host, discarding expired
// entries as it goes, until it finds a live one or the bucket is empty.
func (p *Pool) Get(host string) (*Entry, bool) {
	if p == nil || !p.enabled {
		return nil, false
	}

	s := p.shardFor(host)
	now := time.Now()

	s.mu.Lock()
	bucket := s.buckets[host]
	var found *Entry
	for len(bucket) > 0 {
		last := bucket[len(bucket)-1]
		bucket = bucket[:len(bucket)-1]
		if last.expired(now, p.connectionTTL, p.idleTimeout) {
			last.Conn.Close()
			metrics.PoolEvictions.Inc()
			metrics.PoolSize.Dec()
			continue
		}
		found = last
		break
	}
	s.buckets[host] = bucket
	s.mu.Unlock()

	if found == nil {
		metrics.PoolMisses.Inc()
		return nil, false
	}
	metrics.PoolHits.Inc()
	metrics.PoolSize.Dec()
	return found, true
}

// Put parks stream under host. It reports false (and closes stream) if the
// pool is disabled or the bucket is already at MaxPerHost.
func (p *Pool) Put(host string, conn net.Conn, protocol string) bool {
	if p == nil || !p.enabled {
		if conn != nil {
			conn.Close()
		}
		return false
	}

	s := p.shardFor(host)
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	bucket := s.buckets[host]
	if len(bucket) >= p.maxPerHost {
		conn.Close()
		return false
	}

	s.buckets[host] = append(bucket, &Entry{
		Conn:       conn,
		CreatedAt:  now,
		LastUsedAt: now,
		Protocol:   protocol,
	})
	metrics.PoolSize.Inc()
	return true
}

// Cleanup sweeps every bucket, discarding expired entries. It is normally
// invoked by the periodic ticker started in StartCleanup, but is exported
// for direct use in tests.
func (p *Pool) Cleanup() {
	if p == nil || !p.enabled {
		return
	}
	now := time.Now()
	for i := range p.shards {
		s := &p.shards[i]
		s.mu.Lock()
		for host, bucket := range s.buckets {
			kept := bucket[:0]
			evicted := 0
			for _, e := range bucket {
				if e.expired(now, p.connectionTTL, p.idleTimeout) {
					e.Conn.Close()
					evicted++
					continue
				}
				kept = append(kept, e)
			}
			if evicted > 0 {
				metrics.PoolEvictions.Add(float64(evicted))
				metrics.PoolSize.Sub(float64(evicted))
			}
			if len(kept) == 0 {
				delete(s.buckets, host)
			} else {
				s.buckets[host] = kept
			}
		}
		s.mu.Unlock()
	}
}

// StartCleanup launches the long-lived periodic sweeper. It runs until
// Stop is called.
func (p *Pool) StartCleanup() {
	if p == nil {
		return
	}
	if !p.enabled || p.cleanupInterval <= 0 {
		return
	}
	p.cleanupStarted = true
	go func() {
		defer close(p.done)
		ticker := time.NewTicker(p.cleanupInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				p.Cleanup()
			case <-p.stop:
				return
			}
		}
	}()
}

// Stop cancels the cleanup ticker and closes every parked connection.
func (p *Pool) Stop() {
	if p == nil {
		return
	}
	p.stopOnce.Do(func() {
		close(p.stop)
	})
	if p.cleanupStarted {
		<-p.done
	}

	for i := range p.shards {
		s := &p.shards[i]
		s.mu.Lock()
		for _, bucket := range s.buckets {
			for _, e := range bucket {
				e.Conn.Close()
			}
		}
		s.buckets = make(map[string][]*Entry)
		s.mu.Unlock()
	}
}

func fnv32(s string) uint32 {
	const (
		offset32 = 2166136261
		prime32  = 16777619
	)
	h := uint32(offset32)
	for i := 0; i < len(s); i++ {
		h ^= uint32(s[i])
		h *= prime32
	}
	return h
}
