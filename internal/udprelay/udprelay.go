// Package udprelay implements the UDP/QUIC datagram forwarder: a
// session-keyed relay that best-effort extracts a QUIC Initial packet's
// embedded SNI for routing, without implementing a QUIC stack.
package udprelay

import (
	"encoding/binary"
	"net"
	"sync"
	"time"

	"sniproxy/internal/tlsparse"
	"sniproxy/internal/ui"
)

const (
	datagramBufferSize = 2048
	// quicLongHeaderBit marks a QUIC long-header packet (Initial, 0-RTT,
	// Handshake, Retry); short-header (1-RTT) packets carry no SNI and
	// are forwarded without inspection.
	quicLongHeaderBit = 0x80
)

// Resolver maps a QUIC/UDP SNI (the empty string when sniffing fails) to
// a dial target. The caller supplies this; udprelay has no
// allowlist or backend-pool dependency of its own.
type Resolver func(sni string) (target string, allowed bool)

// session tracks one client<->backend UDP conversation.
type session struct {
	clientAddr *net.UDPAddr
	backend    *net.UDPConn
	lastActive time.Time
}

// Relay is a session-keyed UDP forwarder bound to one local listener.
type Relay struct {
	conn       *net.UDPConn
	resolver   Resolver
	idleTime   time.Duration
	defaultSNI string // not set or read by the relay; a failed sniff passes "" to the resolver

	mu       sync.Mutex
	sessions map[string]*session

	stop chan struct{}
	done chan struct{}
}

// New binds a UDP listener at listenAddr and returns a Relay ready to run.
func New(listenAddr string, resolver Resolver, idleTime time.Duration) (*Relay, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", listenAddr)
	if err != nil {
		return nil, err
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, err
	}

	return &Relay{
		conn:     conn,
		resolver: resolver,
		idleTime: idleTime,
		sessions: make(map[string]*session),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}, nil
}

// Run reads datagrams until Stop is called. It is meant to run in its own
// goroutine, one per configured UDP listener.
func (r *Relay) Run() {
	defer close(r.done)
	go r.sweepIdleSessions()

	buf := make([]byte, datagramBufferSize)
	for {
		select {
		case <-r.stop:
			return
		default:
		}

		r.conn.SetReadDeadline(time.Now().Add(time.Second))
		n, clientAddr, err := r.conn.ReadFromUDP(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			select {
			case <-r.stop:
				return
			default:
				ui.LogStatus("debug", "udprelay: read error: "+err.Error())
				continue
			}
		}

		datagram := append([]byte(nil), buf[:n]...)
		go r.handleDatagram(clientAddr, datagram)
	}
}

func (r *Relay) handleDatagram(clientAddr *net.UDPAddr, datagram []byte) {
	key := clientAddr.String()

	r.mu.Lock()
	sess, ok := r.sessions[key]
	if ok {
		sess.lastActive = time.Now()
	}
	r.mu.Unlock()

	if ok {
		sess.backend.Write(datagram)
		return
	}

	sni := sniffQUICSNI(datagram)
	target, allowed := r.resolver(sni)
	if !allowed || target == "" {
		ui.LogStatus("warn", "udprelay: no route for session "+key+" (sni="+sni+")")
		return
	}

	backendAddr, err := net.ResolveUDPAddr("udp", target)
	if err != nil {
		ui.LogStatus("warn", "udprelay: bad backend address "+target+": "+err.Error())
		return
	}
	backendConn, err := net.DialUDP("udp", nil, backendAddr)
	if err != nil {
		ui.LogStatus("warn", "udprelay: dial "+target+" failed: "+err.Error())
		return
	}

	sess = &session{clientAddr: clientAddr, backend: backendConn, lastActive: time.Now()}
	r.mu.Lock()
	r.sessions[key] = sess
	r.mu.Unlock()

	sess.backend.Write(datagram)
	go r.pumpBackendToClient(key, sess)
}

// pumpBackendToClient relays backend responses back to the originating
// client address until the session is swept for inactivity or a read
// fails.
func (r *Relay) pumpBackendToClient(key string, sess *session) {
	buf := make([]byte, datagramBufferSize)
	for {
		sess.backend.SetReadDeadline(time.Now().Add(r.idleTime))
		n, err := sess.backend.Read(buf)
		if err != nil {
			r.closeSession(key)
			return
		}
		r.conn.WriteToUDP(buf[:n], sess.clientAddr)
	}
}

func (r *Relay) closeSession(key string) {
	r.mu.Lock()
	sess, ok := r.sessions[key]
	if ok {
		delete(r.sessions, key)
	}
	r.mu.Unlock()
	if ok {
		sess.backend.Close()
	}
}

// sweepIdleSessions mirrors the TCP backend pool's cleanup ticker,
// applied to UDP sessions instead of parked TCP streams.
func (r *Relay) sweepIdleSessions() {
	ticker := time.NewTicker(r.idleTime)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			now := time.Now()
			r.mu.Lock()
			for key, sess := range r.sessions {
				if now.Sub(sess.lastActive) > r.idleTime {
					sess.backend.Close()
					delete(r.sessions, key)
				}
			}
			r.mu.Unlock()
		case <-r.stop:
			return
		}
	}
}

// Close releases the relay's listening socket without waiting for Run.
// Meant for startup failure paths where the socket was bound but the read
// loop never started; a running relay is stopped with Stop instead.
func (r *Relay) Close() error {
	return r.conn.Close()
}

// Stop aborts the relay's read loop and closes all sessions.
func (r *Relay) Stop() {
	close(r.stop)
	r.conn.Close()
	<-r.done

	r.mu.Lock()
	for key, sess := range r.sessions {
		sess.backend.Close()
		delete(r.sessions, key)
	}
	r.mu.Unlock()
}

// sniffQUICSNI best-effort extracts a TLS SNI from a QUIC long-header
// Initial packet. QUIC 1-RTT (short-header) packets and any datagram that
// isn't a long-header packet return "". It does not remove the Initial
// packet's header protection; it scans the raw datagram for a
// plaintext-shaped ClientHello fragment, which only succeeds for the
// unprotected framing some clients send during early handshake retries.
// When it fails, the caller falls through to whatever target the resolver
// provides for an empty SNI.
func sniffQUICSNI(datagram []byte) string {
	if len(datagram) < 7 || datagram[0]&quicLongHeaderBit == 0 {
		return ""
	}
	// Version is bytes [1:5]; version 0 is a Version Negotiation packet,
	// never an Initial, and carries no ClientHello.
	if binary.BigEndian.Uint32(datagram[1:5]) == 0 {
		return ""
	}
	for i := 0; i+5 < len(datagram); i++ {
		if datagram[i] == 0x16 && datagram[i+1] == 0x03 {
			if info, err := tlsparse.ParseClientHello(datagram[i:]); err == nil && info.SNI != "" {
				return info.SNI
			}
		}
	}
	return ""
}
