package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// labelShards is the number of stripes in the label cache's sharded map,
// matching the stripe count internal/pool uses for its bucket map so the
// two concurrent structures the splice touches per connection share one
// sizing rationale.
const labelShards = 32

// ConnLabels is the resolved per-(host, protocol) metric handle set: the
// transferred-bytes counters for each direction, looked up once per
// connection so the splice's byte counting never touches the
// label-resolution path. The splice adds each direction's total to its
// counter once, when that direction ends; bytes are not counted while a
// transfer is still in progress.
type ConnLabels struct {
	Host     string
	Protocol string
	TX       prometheus.Counter
	RX       prometheus.Counter
}

// LabelCache interns (host, protocol) pairs into a single shared ConnLabels,
// built once per pair and cheaply reused on every subsequent lookup. It
// holds resolved counter handles rather than bare strings since the
// prometheus client resolves WithLabelValues to a concrete child counter.
type LabelCache struct {
	shards [labelShards]labelShard
}

type labelShard struct {
	mu      sync.RWMutex
	entries map[labelKey]*ConnLabels
}

type labelKey struct {
	host     string
	protocol string
}

// NewLabelCache returns an initialized, empty cache.
func NewLabelCache() *LabelCache {
	lc := &LabelCache{}
	for i := range lc.shards {
		lc.shards[i].entries = make(map[labelKey]*ConnLabels)
	}
	return lc
}

func (lc *LabelCache) shardFor(key labelKey) *labelShard {
	h := fnv32(key.host) ^ fnv32(key.protocol)
	return &lc.shards[h%labelShards]
}

// Get returns the shared handle set for (host, protocol), constructing and
// storing it on first use. Exactly one entry is ever built per distinct
// pair, modulo the harmless race where two concurrent first-uses both
// resolve the counters and only one wins the store; both resolve to the
// same underlying counter children so no caller observes an inconsistency.
func (lc *LabelCache) Get(host, protocol string) *ConnLabels {
	key := labelKey{host: host, protocol: protocol}
	shard := lc.shardFor(key)

	shard.mu.RLock()
	labels, ok := shard.entries[key]
	shard.mu.RUnlock()
	if ok {
		return labels
	}

	labels = &ConnLabels{
		Host:     host,
		Protocol: protocol,
		TX:       BytesTransferred.WithLabelValues(host, "tx"),
		RX:       BytesTransferred.WithLabelValues(host, "rx"),
	}
	shard.mu.Lock()
	if existing, ok := shard.entries[key]; ok {
		labels = existing
	} else {
		shard.entries[key] = labels
	}
	shard.mu.Unlock()
	return labels
}

// Len reports the total number of interned pairs, for tests.
func (lc *LabelCache) Len() int {
	n := 0
	for i := range lc.shards {
		lc.shards[i].mu.RLock()
		n += len(lc.shards[i].entries)
		lc.shards[i].mu.RUnlock()
	}
	return n
}

// fnv32 is a tiny, dependency-free string hash used only to pick a shard;
// it need not be cryptographically anything, only evenly distributed.
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
