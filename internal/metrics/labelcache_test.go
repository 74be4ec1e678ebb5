package metrics

import (
	"sync"
	"testing"
)

func TestLabelCacheGetIsStable(t *testing.T) {
	lc := NewLabelCache()
	a := lc.Get("example.com", "tls")
	b := lc.Get("example.com", "tls")
	if a != b {
		t.Errorf("Get returned different handles for the same pair: %p vs %p", a, b)
	}
	if lc.Len() != 1 {
		t.Errorf("Len() = %d, want 1", lc.Len())
	}
}

func TestLabelCacheDistinctPairs(t *testing.T) {
	lc := NewLabelCache()
	lc.Get("a.com", "tls")
	lc.Get("a.com", "http1")
	lc.Get("b.com", "tls")
	if lc.Len() != 3 {
		t.Errorf("Len() = %d, want 3", lc.Len())
	}
}

func TestLabelCacheConcurrentGet(t *testing.T) {
	lc := NewLabelCache()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			lc.Get("shared.example.com", "http2")
		}()
	}
	wg.Wait()
	if lc.Len() != 1 {
		t.Errorf("Len() = %d, want 1 after concurrent Get on one pair", lc.Len())
	}
}
