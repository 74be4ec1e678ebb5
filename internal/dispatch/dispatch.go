// Package dispatch implements the per-connection pipeline: given a freshly
// classified connection, extract the routing hostname the protocol-specific
// way, check it against the allowlist, dial (or reuse a pooled) backend,
// and hand both ends to the splice.
package dispatch

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"io"
	"net"
	"strings"
	"sync/atomic"
	"time"

	"sniproxy/internal/allowlist"
	"sniproxy/internal/bodysniff"
	"sniproxy/internal/classify"
	"sniproxy/internal/config"
	"sniproxy/internal/h2authority"
	"sniproxy/internal/httpread"
	"sniproxy/internal/metrics"
	"sniproxy/internal/pool"
	"sniproxy/internal/splice"
	"sniproxy/internal/sshroute"
	"sniproxy/internal/tlsparse"
	"sniproxy/internal/ui"
)

// Handler owns the shared, read-mostly state every dispatched connection
// consults: the current config snapshot, backend pool, and metric label
// cache. The snapshot is held behind an atomic pointer so a SIGHUP reload
// swaps it whole; in-flight connections keep the snapshot they loaded.
type Handler struct {
	cfg    atomic.Pointer[config.Config]
	Pool   *pool.Pool
	Labels *metrics.LabelCache
	Dialer *net.Dialer
}

// NewHandler builds a Handler from a loaded configuration and pool.
func NewHandler(cfg *config.Config, p *pool.Pool) *Handler {
	h := &Handler{
		Pool:   p,
		Labels: metrics.NewLabelCache(),
		Dialer: &net.Dialer{},
	}
	h.cfg.Store(cfg)
	return h
}

// Config returns the current configuration snapshot. Callers load it once
// and use that snapshot throughout; the snapshot itself is never mutated.
func (h *Handler) Config() *config.Config {
	return h.cfg.Load()
}

// SetConfig atomically swaps in a reloaded configuration snapshot.
func (h *Handler) SetConfig(cfg *config.Config) {
	h.cfg.Store(cfg)
}

// Handle runs the full peek-classify-extract-dial-splice pipeline for one
// accepted connection. listenAddr is the local address of the listener
// that accepted conn (used for SSH loop detection and static routing).
// Handle never panics and never returns an error to the caller: every
// failure is logged and the connection is closed; only this one task is
// terminated, never the server.
func (h *Handler) Handle(ctx context.Context, conn net.Conn, listenAddr string) {
	defer conn.Close()

	metrics.ConnectionsActive.Inc()
	defer metrics.ConnectionsActive.Dec()

	helloDeadline := h.Config().Timeouts.ClientHello.Duration()
	conn.SetDeadline(time.Now().Add(helloDeadline))

	proto, peeked, err := classify.Classify(conn)
	if err != nil {
		h.fail("connection", "unknown", "classification read failed: "+err.Error())
		return
	}
	metrics.ProtocolDistribution.WithLabelValues(proto.Label()).Inc()

	switch proto {
	case classify.HTTP1:
		h.handleHTTP(ctx, conn, peeked)
	case classify.HTTP2Cleartext:
		h.handleHTTP2Cleartext(ctx, conn, peeked)
	case classify.TLS:
		h.handleTLS(ctx, conn, peeked)
	case classify.SSH:
		h.handleSSH(ctx, conn, listenAddr, peeked)
	default:
		h.handleUnknown(conn, peeked)
	}
}

func (h *Handler) fail(errType, protocol, msg string) {
	metrics.ErrorsTotal.WithLabelValues(errType, protocol).Inc()
	ui.LogStatus("debug", "dispatch: "+msg)
}

// handleUnknown logs a hex+ASCII preview of the unrecognized bytes and
// closes the connection without attempting to route it.
func (h *Handler) handleUnknown(conn net.Conn, peeked []byte) {
	metrics.ErrorsTotal.WithLabelValues("connection", "unknown").Inc()
	metrics.ConnectionsTotal.WithLabelValues("unknown", "rejected").Inc()
	ui.LogStatus("debug", "dispatch: unclassified connection from "+remoteAddr(conn)+": "+hexASCIIPreview(peeked))
}

func hexASCIIPreview(b []byte) string {
	if len(b) > 16 {
		b = b[:16]
	}
	return hex.EncodeToString(b) + " |" + asciiPreview(b) + "|"
}

func asciiPreview(b []byte) string {
	out := make([]byte, len(b))
	for i, c := range b {
		if c >= 0x20 && c < 0x7f {
			out[i] = c
		} else {
			out[i] = '.'
		}
	}
	return string(out)
}

func remoteAddr(conn net.Conn) string {
	if conn.RemoteAddr() == nil {
		return "?"
	}
	return conn.RemoteAddr().String()
}

// handleHTTP handles a plain HTTP/1.x connection: read the header block,
// extract Host, strip a port suffix, allowlist-check, dial (port 80
// default), forward the header block verbatim, then splice.
func (h *Handler) handleHTTP(ctx context.Context, client net.Conn, peeked []byte) {
	pc := classify.NewPeekedConn(client, peeked)

	var buf bytes.Buffer
	result, err := httpread.ReadHost(pc, &buf)
	if err != nil {
		if errors.Is(err, httpread.ErrNoHostHeader) {
			h.fail("connection", "http1", "no Host header")
		} else {
			h.fail("connection", "http1", "header read failed: "+err.Error())
		}
		metrics.ConnectionsTotal.WithLabelValues("http1", "error").Inc()
		return
	}

	host, port := splitHostPort(result.Host, 80)
	target := net.JoinHostPort(host, port)

	// The read may have pulled body bytes past the header terminator into
	// buf; everything consumed so far is forwarded, and the body prefix
	// doubles as bodysniff's input.
	bodyPrefix := buf.Bytes()[result.Consumed:]
	protoLabel := httpVersionLabel(result.Raw)
	sub := bodysniff.Sniff(result.Raw, bodyPrefix)
	if sub != bodysniff.PlainHTTP {
		protoLabel = string(sub)
	}

	h.dialAndSplice(ctx, pc, host, target, protoLabel, buf.Bytes(), sub == bodysniff.WebSocket)
}

// handleHTTP2Cleartext implements the Http2Cleartext branch: the 24-byte
// preface was already consumed as the classifier's entire peek buffer (it
// is exactly maxSniffLen bytes), so the HEADERS frame is read straight
// from the connection; the preface is forwarded first, then the frame.
func (h *Handler) handleHTTP2Cleartext(ctx context.Context, client net.Conn, preface []byte) {
	header := make([]byte, 9)
	if _, err := io.ReadFull(client, header); err != nil {
		h.fail("connection", "http2", "HEADERS frame header read failed: "+err.Error())
		metrics.ConnectionsTotal.WithLabelValues("http2", "error").Inc()
		return
	}
	length := int(header[0])<<16 | int(header[1])<<8 | int(header[2])
	if length <= 0 || length > 16384 {
		h.fail("connection", "http2", "HEADERS frame length out of bounds")
		metrics.ConnectionsTotal.WithLabelValues("http2", "error").Inc()
		return
	}
	rest := make([]byte, length)
	if _, err := io.ReadFull(client, rest); err != nil {
		h.fail("connection", "http2", "HEADERS frame payload read failed: "+err.Error())
		metrics.ConnectionsTotal.WithLabelValues("http2", "error").Inc()
		return
	}
	frame := append(header, rest...)

	result, err := h2authority.ExtractAuthority(frame)
	if err != nil {
		h.fail("connection", "http2", "authority extraction failed: "+err.Error())
		metrics.ConnectionsTotal.WithLabelValues("http2", "error").Inc()
		return
	}

	host, port := splitHostPort(result.Authority, 80)
	target := net.JoinHostPort(host, port)

	initial := append(append([]byte(nil), preface...), result.Frame...)
	h.dialAndSplice(ctx, client, host, target, "http2", initial, false)
}

// handleTLS implements the Tls/Http2Tls/Http3Tls branches: read the
// 5-byte record header, validate its declared length, read the rest,
// parse the ClientHello, refine the protocol label by ALPN, allowlist
// check on SNI, dial port 443, forward the ClientHello record verbatim.
func (h *Handler) handleTLS(ctx context.Context, client net.Conn, peeked []byte) {
	pc := classify.NewPeekedConn(client, peeked)

	header := make([]byte, 5)
	if _, err := io.ReadFull(pc, header); err != nil {
		h.fail("connection", "tls", "record header read failed: "+err.Error())
		metrics.ConnectionsTotal.WithLabelValues("tls", "error").Inc()
		return
	}
	recordLen := int(header[3])<<8 | int(header[4])
	if recordLen < 4 || recordLen > 16384 {
		h.fail("connection", "tls", "record length out of bounds")
		metrics.ConnectionsTotal.WithLabelValues("tls", "error").Inc()
		return
	}
	body := make([]byte, recordLen)
	if _, err := io.ReadFull(pc, body); err != nil {
		h.fail("connection", "tls", "record body read failed: "+err.Error())
		metrics.ConnectionsTotal.WithLabelValues("tls", "error").Inc()
		return
	}
	record := append(header, body...)

	info, err := tlsparse.ParseClientHello(record)
	if err != nil {
		h.fail("connection", "tls", "ClientHello parse failed: "+err.Error())
		metrics.ConnectionsTotal.WithLabelValues("tls", "error").Inc()
		return
	}

	protoLabel := tlsProtocolLabel(info.ALPN)
	host := info.SNI
	target := net.JoinHostPort(host, "443")

	h.dialAndSplice(ctx, pc, host, target, protoLabel, record, false)
}

// httpVersionLabel distinguishes http10/http11 for metrics purposes from
// the request line's first bytes. Routing is identical for both; only the
// label differs.
func httpVersionLabel(raw []byte) string {
	end := bytes.IndexByte(raw, '\n')
	if end < 0 {
		end = len(raw)
	}
	line := raw[:end]
	if bytes.Contains(line, []byte("HTTP/1.0")) {
		return "http10"
	}
	return "http11"
}

func tlsProtocolLabel(alpn string) string {
	switch alpn {
	case "h2":
		return "http2-tls"
	case "h3", "h3-29", "h3-32":
		return "http3-tls"
	default:
		return "tls"
	}
}

// handleSSH implements the Ssh branch: no hostname is available, so
// routing falls back to SO_ORIGINAL_DST then the static table, via
// internal/sshroute. The peeked banner
// bytes were consumed during classification and are forwarded to the
// backend ahead of the splice.
func (h *Handler) handleSSH(ctx context.Context, client net.Conn, listenAddr string, peeked []byte) {
	static := sshroute.StaticTable(h.Config().SSHRoutes)
	target, err := sshroute.Resolve(client, listenAddr, static)
	if err != nil {
		if errors.Is(err, sshroute.ErrLoop) {
			h.fail("connection", "ssh", "loop detected, destination equals own listen address")
		} else {
			h.fail("connection", "ssh", "no route: "+err.Error())
		}
		metrics.ConnectionsTotal.WithLabelValues("ssh", "rejected").Inc()
		return
	}

	host := target
	if hp, _, err := net.SplitHostPort(target); err == nil {
		host = hp
	}
	h.dialAndSplice(ctx, client, host, target, "ssh", peeked, false)
}

// dialAndSplice is the common tail shared by every protocol branch once a
// routing hostname and dial target are known: allowlist check, pool
// lookup or fresh dial, forward any already-consumed bytes, splice. When
// observeUpgrade is set (WebSocket requests), the backend's response
// header block is relayed and inspected before the generic splice starts.
func (h *Handler) dialAndSplice(ctx context.Context, client net.Conn, host, target, protoLabel string, initial []byte, observeUpgrade bool) {
	cfg := h.Config()

	if len(cfg.Allowlist) > 0 && !allowlist.Match(cfg.Allowlist, host) {
		metrics.ErrorsTotal.WithLabelValues("policy", protoLabel).Inc()
		metrics.ConnectionsTotal.WithLabelValues(protoLabel, "rejected").Inc()
		ui.LogStatus("warn", "dispatch: host not in allowlist: "+host)
		return
	}

	backend, fromPool := h.Pool.Get(target)
	var backendConn net.Conn
	if fromPool {
		backendConn = backend.Conn
	} else {
		dialCtx, cancel := context.WithTimeout(ctx, cfg.Timeouts.Connect.Duration())
		defer cancel()
		conn, err := h.Dialer.DialContext(dialCtx, "tcp", target)
		if err != nil {
			metrics.ErrorsTotal.WithLabelValues("upstream", protoLabel).Inc()
			metrics.ConnectionsTotal.WithLabelValues(protoLabel, "error").Inc()
			ui.LogStatus("warn", "dispatch: dial "+target+" failed: "+err.Error())
			return
		}
		backendConn = conn
	}

	if len(initial) > 0 {
		if _, err := backendConn.Write(initial); err != nil {
			metrics.ErrorsTotal.WithLabelValues("upstream", protoLabel).Inc()
			metrics.ConnectionsTotal.WithLabelValues(protoLabel, "error").Inc()
			backendConn.Close()
			return
		}
	}

	if observeUpgrade {
		h.observeUpgradeResponse(client, backendConn, host)
	}

	client.SetDeadline(time.Time{})
	backendConn.SetDeadline(time.Time{})

	idleTimeout := cfg.Timeouts.Idle.Duration()
	stats := splice.Run(client, backendConn, idleTimeout, h.Labels, host, protoLabel)

	if stats.Errored {
		metrics.ErrorsTotal.WithLabelValues("transport", protoLabel).Inc()
		metrics.ConnectionsTotal.WithLabelValues(protoLabel, "error").Inc()
		backendConn.Close()
		return
	}

	metrics.ConnectionsTotal.WithLabelValues(protoLabel, "ok").Inc()
	ui.LogRelay(host, remoteAddr(client), stats.ClientToServer, stats.ServerToClient)

	// A backend stream that finished its splice cleanly is a candidate for
	// reuse on the next request to the same target; Put silently drops it
	// if the pool is disabled or the bucket is full.
	if !h.Pool.Put(target, backendConn, protoLabel) {
		backendConn.Close()
	}
}

// observeUpgradeResponse relays the backend's response header block to the
// client before the generic splice starts, so a WebSocket upgrade can be
// observed. Purely informational: whatever the backend answered (101 or
// not) has already been forwarded verbatim, and any read error here is
// left for the splice to surface as a transport fault.
func (h *Handler) observeUpgradeResponse(client, backend net.Conn, host string) {
	backend.SetReadDeadline(time.Now().Add(h.Config().Timeouts.ClientHello.Duration()))

	var block []byte
	chunk := make([]byte, 4096)
	for len(block) < 32*1024 {
		n, err := backend.Read(chunk)
		if n > 0 {
			if _, werr := client.Write(chunk[:n]); werr != nil {
				return
			}
			block = append(block, chunk[:n]...)
		}
		if err != nil {
			return
		}
		if httpread.FindHeadersEnd(block) >= 0 {
			break
		}
	}

	if bytes.Contains(firstLine(block), []byte(" 101 ")) {
		ui.LogStatus("debug", "dispatch: websocket upgrade accepted by "+host)
	} else {
		ui.LogStatus("debug", "dispatch: websocket upgrade not confirmed by "+host)
	}
}

func firstLine(b []byte) []byte {
	if i := bytes.IndexByte(b, '\n'); i >= 0 {
		return b[:i]
	}
	return b
}

// splitHostPort splits a Host header / :authority value into host and
// port, defaulting to defaultPort when no ":port" suffix is present. It
// does not special-case bracketed IPv6 literals: a bare one ("[::1]") is
// returned whole with the default port, while one with a port suffix
// ("[::1]:80") is split at the last colon and keeps its brackets.
func splitHostPort(hostHeader string, defaultPort int) (string, string) {
	hostHeader = strings.TrimSpace(hostHeader)
	if idx := strings.LastIndex(hostHeader, ":"); idx >= 0 && !strings.Contains(hostHeader[idx+1:], "]") {
		host := hostHeader[:idx]
		port := hostHeader[idx+1:]
		if port != "" && isAllDigits(port) {
			return host, port
		}
	}
	return hostHeader, portString(defaultPort)
}

func isAllDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

func portString(p int) string {
	if p == 0 {
		return "0"
	}
	digits := []byte{}
	for p > 0 {
		digits = append([]byte{byte('0' + p%10)}, digits...)
		p /= 10
	}
	return string(digits)
}
