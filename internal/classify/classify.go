// Package classify identifies the application protocol on a freshly
// accepted connection by inspecting its first bytes, without consuming
// them: callers replay the peeked bytes to both the extraction stage and
// the eventual backend dial via PeekedConn.
package classify

import (
	"bytes"
	"io"
	"net"
)

// Protocol identifies the application protocol detected on a connection.
type Protocol int

const (
	Unknown Protocol = iota
	TLS
	HTTP1
	HTTP2Cleartext
	SSH
)

// Label returns the lowercase metrics/log label for p.
func (p Protocol) Label() string {
	switch p {
	case TLS:
		return "tls"
	case HTTP1:
		return "http1"
	case HTTP2Cleartext:
		return "http2"
	case SSH:
		return "ssh"
	default:
		return "unknown"
	}
}

const http2Preface = "PRI * HTTP/2.0\r\n\r\nSM\r\n\r\n"

const (
	tlsRecordTypeHandshake = 0x16
	maxSniffLen            = 24 // long enough for the HTTP/2 preface
)

// Classify peeks at up to maxSniffLen bytes from conn and returns the
// detected protocol along with those peeked bytes, so the caller can wrap
// conn in a PeekedConn before handing it to a protocol-specific extractor.
//
// Checks run in a strict order: HTTP/2 cleartext preface, then HTTP/1.x
// method tokens, then the SSH banner prefix, then the TLS record byte, and
// finally Unknown if nothing matches.
//
// It reads only what the client has sent: a first segment shorter than
// maxSniffLen is classified as-is unless it is still an ambiguous prefix
// (e.g. "PRI " could become the HTTP/2 preface), in which case more bytes
// are awaited before deciding.
func Classify(conn net.Conn) (Protocol, []byte, error) {
	buf := make([]byte, maxSniffLen)
	filled := 0
	for {
		n, err := conn.Read(buf[filled:])
		filled += n
		if err != nil {
			if filled > 0 && (err == io.EOF || err == io.ErrUnexpectedEOF) {
				break
			}
			return Unknown, buf[:filled], err
		}
		if filled >= maxSniffLen || !ambiguousPrefix(buf[:filled]) {
			break
		}
	}
	peeked := buf[:filled]
	return classifyBytes(peeked), peeked, nil
}

// ambiguousPrefix reports whether the bytes read so far are a strict
// prefix of a token the classifier needs in full: the HTTP/2 preface, an
// HTTP method token, or the SSH banner prefix. While a buffer is still
// ambiguous the classifier keeps reading rather than mislabeling, say,
// "PRI" as Unknown or "GE" as non-HTTP.
func ambiguousPrefix(buf []byte) bool {
	if isStrictPrefix(buf, []byte(http2Preface)) || isStrictPrefix(buf, []byte("SSH-")) {
		return true
	}
	for _, m := range httpMethods {
		if isStrictPrefix(buf, []byte(m)) {
			return true
		}
	}
	return false
}

func isStrictPrefix(buf, token []byte) bool {
	return len(buf) < len(token) && bytes.HasPrefix(token, buf)
}

// classifyBytes is the pure decision function, separated from I/O so it can
// be unit tested without a real connection.
func classifyBytes(peeked []byte) Protocol {
	if bytes.HasPrefix(peeked, []byte(http2Preface)) {
		return HTTP2Cleartext
	}
	if hasHTTPMethodToken(peeked) {
		return HTTP1
	}
	if bytes.HasPrefix(peeked, []byte("SSH-")) {
		return SSH
	}
	if len(peeked) >= 1 && peeked[0] == tlsRecordTypeHandshake {
		return TLS
	}
	return Unknown
}

// httpMethods lists the tokens that can legally open an HTTP/1.x request
// line. Order doesn't matter; every candidate is checked.
var httpMethods = []string{
	"GET ", "POST ", "PUT ", "DELETE ", "HEAD ", "OPTIONS ",
	"PATCH ", "TRACE ",
}

func hasHTTPMethodToken(peeked []byte) bool {
	for _, m := range httpMethods {
		if bytes.HasPrefix(peeked, []byte(m)) {
			return true
		}
	}
	return false
}

// PeekedConn wraps a net.Conn, replaying peeked bytes to the first Read
// calls before falling through to the underlying connection.
type PeekedConn struct {
	net.Conn
	peeked []byte
	offset int
}

// NewPeekedConn returns a conn that first yields peeked, then reads
// normally from the wrapped connection.
func NewPeekedConn(conn net.Conn, peeked []byte) *PeekedConn {
	return &PeekedConn{Conn: conn, peeked: peeked}
}

func (p *PeekedConn) Read(b []byte) (int, error) {
	if p.offset < len(p.peeked) {
		n := copy(b, p.peeked[p.offset:])
		p.offset += n
		return n, nil
	}
	return p.Conn.Read(b)
}

// CloseWrite half-closes the underlying connection's write side when it
// supports that (a *net.TCPConn does), so a PeekedConn can stand in for
// the raw conn inside the splice without breaking EOF propagation.
func (p *PeekedConn) CloseWrite() error {
	if cw, ok := p.Conn.(interface{ CloseWrite() error }); ok {
		return cw.CloseWrite()
	}
	return nil
}
