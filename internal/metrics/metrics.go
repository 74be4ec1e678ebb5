// Package metrics exposes the proxy's Prometheus counters and gauges, the
// HTTP server behind /metrics, /health and /, and a label cache that
// interns per-(host, protocol) counter handles so the splice's hot
// byte-counting path never resolves a label.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"sniproxy/internal/ui"
)

var (
	// BytesTransferred counts bytes moved per host and direction ("tx"/"rx").
	BytesTransferred = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sniproxy_bytes_transferred_total",
		Help: "Total bytes transferred by host and direction.",
	}, []string{"host", "direction"})

	// ConnectionsTotal counts completed connections by protocol and status
	// ("ok", "rejected", "error").
	ConnectionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sniproxy_connections_total",
		Help: "Total connections handled by protocol and status.",
	}, []string{"protocol", "status"})

	// ConnectionsActive tracks connections currently being handled.
	ConnectionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "sniproxy_connections_active",
		Help: "Connections currently being handled.",
	})

	// ErrorsTotal counts errors by kind and protocol.
	ErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sniproxy_errors_total",
		Help: "Total errors by error_type and protocol.",
	}, []string{"error_type", "protocol"})

	// ProtocolDistribution counts every classified connection by protocol.
	ProtocolDistribution = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sniproxy_protocol_distribution_total",
		Help: "Total connections classified per protocol.",
	}, []string{"protocol"})

	// PoolHits counts backend pool vends that returned a usable stream.
	PoolHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sniproxy_pool_hits_total",
		Help: "Total backend pool get() calls that returned a live stream.",
	})

	// PoolMisses counts backend pool vends that required a fresh dial.
	PoolMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sniproxy_pool_misses_total",
		Help: "Total backend pool get() calls that found no usable stream.",
	})

	// PoolEvictions counts entries discarded by cleanup() or by vend-time
	// expiration.
	PoolEvictions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sniproxy_pool_evictions_total",
		Help: "Total backend pool entries discarded as expired.",
	})

	// PoolSize tracks the number of parked connections currently held.
	PoolSize = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "sniproxy_pool_size",
		Help: "Current number of parked connections across all buckets.",
	})
)

// Server wraps the /metrics, /health and / endpoints behind one HTTP
// server with its own lifecycle, independent of the proxy listeners.
type Server struct {
	server *http.Server
}

// NewServer builds a metrics server bound to addr. It is not started until
// Start is called.
func NewServer(addr string) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", healthHandler)
	mux.HandleFunc("/", indexHandler)

	return &Server{
		server: &http.Server{
			Addr:    addr,
			Handler: mux,
		},
	}
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"healthy"}`))
}

func indexHandler(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"service":"sniproxy","endpoints":["/metrics","/health"]}`))
}

// Start begins serving in the background.
func (s *Server) Start() {
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			ui.LogStatus("error", "Metrics server error: "+err.Error())
		}
	}()
}

// Shutdown gracefully stops the metrics server.
func (s *Server) Shutdown(ctx context.Context) error {
	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return s.server.Shutdown(shutdownCtx)
}
