// Package splice implements the half-close-aware bidirectional byte copy
// at the tail of every relayed connection: once a connection is
// classified, allowlisted, and dialed, splice.Run moves bytes between
// client and backend until both directions finish, recording transferred
// bytes through a metrics.LabelCache so the per-iteration hot path never
// formats a label string. EOF on one direction is propagated as a write
// half-close so short responses and close handshakes terminate cleanly.
package splice

import (
	"errors"
	"io"
	"net"
	"time"

	"sniproxy/internal/metrics"
)

const bufferSize = 32 * 1024

// halfCloser is implemented by *net.TCPConn and similar stream types that
// can shut down one direction without severing the whole connection.
type halfCloser interface {
	CloseWrite() error
}

// Stats reports the bytes moved in each direction once Run returns.
// Errored is set when either direction ended on something other than a
// clean EOF, in which case the backend stream must not be reused.
type Stats struct {
	ClientToServer int64
	ServerToClient int64
	Errored        bool
}

// Run splices client and server until both directions finish. idleTimeout
// bounds each individual Read call; host and protocol select the
// transferred-bytes counters via labels (nil disables byte counting, for
// tests). An error in one direction cancels the other by expiring its
// read deadline.
func Run(client, server net.Conn, idleTimeout time.Duration, labels *metrics.LabelCache, host, protocol string) Stats {
	var stats Stats

	var handles *metrics.ConnLabels
	if labels != nil {
		handles = labels.Get(host, protocol)
	}

	done := make(chan error, 2)
	go func() {
		n, err := pipe(server, client, idleTimeout)
		stats.ClientToServer = n
		if handles != nil {
			handles.TX.Add(float64(n))
		}
		done <- err
	}()
	go func() {
		n, err := pipe(client, server, idleTimeout)
		stats.ServerToClient = n
		if handles != nil {
			handles.RX.Add(float64(n))
		}
		done <- err
	}()

	if err := <-done; err != nil {
		stats.Errored = true
		now := time.Now()
		client.SetReadDeadline(now)
		server.SetReadDeadline(now)
	}
	if err := <-done; err != nil {
		stats.Errored = true
	}

	return stats
}

// pipe copies from src to dst until EOF, an error, or idleTimeout elapses
// between reads. On EOF it half-closes dst's write side (if supported) so
// the peer observes the end of this direction without losing the other.
func pipe(dst, src net.Conn, idleTimeout time.Duration) (int64, error) {
	buf := make([]byte, bufferSize)
	var total int64

	for {
		if idleTimeout > 0 {
			src.SetReadDeadline(time.Now().Add(idleTimeout))
		}

		n, err := src.Read(buf)
		if n > 0 {
			written, werr := writeAll(dst, buf[:n])
			total += int64(written)
			if werr != nil {
				return total, werr
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				halfClose(dst)
				return total, nil
			}
			return total, err
		}
	}
}

func writeAll(dst net.Conn, b []byte) (int, error) {
	written := 0
	for written < len(b) {
		n, err := dst.Write(b[written:])
		written += n
		if err != nil {
			return written, err
		}
	}
	return written, nil
}

func halfClose(conn net.Conn) {
	if hc, ok := conn.(halfCloser); ok {
		hc.CloseWrite()
	}
}
