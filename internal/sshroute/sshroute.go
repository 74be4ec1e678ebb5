// Package sshroute resolves a backend target for an SSH connection, which
// carries no application-layer hostname of its own. Routing is attempted
// in order: Linux SO_ORIGINAL_DST (the transparent-redirect case, with
// loop detection against the proxy's own listen address), then a static
// per-listen-address table loaded from configuration.
package sshroute

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"unicode"

	"golang.org/x/sys/unix"
)

// ErrNotTCP is returned when the connection isn't a *net.TCPConn, so its
// file descriptor can't be inspected.
var ErrNotTCP = errors.New("sshroute: connection is not a *net.TCPConn")

// ErrLoop is returned when SO_ORIGINAL_DST resolves to the proxy's own
// listen address, which would otherwise dial the proxy into itself.
var ErrLoop = errors.New("sshroute: original destination equals the proxy's own listen address")

// ErrNoRoute is returned when neither SO_ORIGINAL_DST nor the static table
// can resolve a target; the caller should close the connection silently.
var ErrNoRoute = errors.New("sshroute: no route for this connection")

// soOriginalDst is Linux's getsockopt option number for IP_TRANSPARENT /
// REDIRECT targets. It has no symbolic constant in golang.org/x/sys/unix.
const soOriginalDst = 80

// StaticTable is the config-loaded listen-address -> backend-address
// routing table (the ssh_routes config key).
type StaticTable map[string]string

// Resolve determines the backend target for an accepted SSH connection.
// listenAddr is the local address of the listener that accepted conn, used
// both for loop detection and as the static table's lookup key.
func Resolve(conn net.Conn, listenAddr string, static StaticTable) (string, error) {
	if dst, err := OriginalDestination(conn); err == nil {
		if dst == listenAddr {
			return "", ErrLoop
		}
		return dst, nil
	}

	if target, ok := static[listenAddr]; ok && target != "" {
		return target, nil
	}

	return "", ErrNoRoute
}

// OriginalDestination reads the pre-NAT destination address of a
// transparently-redirected TCP connection via SO_ORIGINAL_DST. It returns
// ErrNotTCP for any non-TCP connection and the raw syscall error for any
// other getsockopt failure (e.g. the connection wasn't actually redirected
// by iptables/nftables REDIRECT, which is the common case off Linux or
// without transparent-proxy rules configured).
func OriginalDestination(conn net.Conn) (string, error) {
	tcpConn, ok := conn.(*net.TCPConn)
	if !ok {
		return "", ErrNotTCP
	}

	sysConn, err := tcpConn.SyscallConn()
	if err != nil {
		return "", fmt.Errorf("sshroute: SyscallConn: %w", err)
	}

	var addr string
	var sockErr error
	ctrlErr := sysConn.Control(func(fd uintptr) {
		mreq, err := unix.GetsockoptIPv6Mreq(int(fd), unix.IPPROTO_IP, soOriginalDst)
		if err != nil {
			sockErr = err
			return
		}
		// SO_ORIGINAL_DST fills a sockaddr_in into the same memory layout
		// as an IPv6Mreq: the first 2 bytes are sin_family, the next 2
		// are sin_port (big-endian), and the 4 after that are sin_addr.
		// This is the standard (if unlovely) trick for reading it
		// without cgo.
		raw := mreq.Multiaddr
		port := int(raw[2])<<8 | int(raw[3])
		ip := net.IPv4(raw[4], raw[5], raw[6], raw[7])
		addr = net.JoinHostPort(ip.String(), fmt.Sprintf("%d", port))
	})
	if ctrlErr != nil {
		return "", fmt.Errorf("sshroute: Control: %w", ctrlErr)
	}
	if sockErr != nil {
		return "", fmt.Errorf("sshroute: getsockopt SO_ORIGINAL_DST: %w", sockErr)
	}
	return addr, nil
}

// ExtractSSHDestination parses an SSH username convention into its
// destination host and user. Two formats are recognized: "user@host"
// (e.g. git@github.com), and a bare hostname, which defaults the user to
// "root". Intended for an authenticating SSH front-end that terminates
// auth and re-dials by username; the transparent path never uses it,
// since that would mean terminating the SSH protocol. It does not touch
// the network.
func ExtractSSHDestination(username string) (host, user string, ok bool) {
	if at := strings.IndexByte(username, '@'); at >= 0 {
		user = username[:at]
		host = username[at+1:]
		if user != "" && host != "" {
			return host, user, true
		}
		return "", "", false
	}

	// Bare hostname: must be non-empty with no whitespace.
	if username == "" || strings.ContainsFunc(username, unicode.IsSpace) {
		return "", "", false
	}
	return username, "root", true
}
