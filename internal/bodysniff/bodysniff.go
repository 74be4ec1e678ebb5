// Package bodysniff labels an already-routed HTTP/1.x connection with a
// finer-grained sub-protocol for metrics purposes only (WebSocket, JsonRpc,
// XmlRpc, Soap, Rpc, SocketIO). None of these change the dial target or the
// allowlist decision, which the Host header already resolved; they only
// change the protocol label on ConnectionsTotal / ErrorsTotal.
// ProtocolDistribution keeps the classifier's label.
//
// Each label is a pure function over the already-buffered header block plus
// a short body prefix, kept separate from I/O the same way
// internal/classify's classifyBytes is.
package bodysniff

import (
	"bytes"
	"strings"
)

// Label is a metrics-only sub-protocol label for an HTTP/1.x connection.
type Label string

const (
	PlainHTTP Label = "http"
	WebSocket Label = "websocket"
	JSONRPC   Label = "jsonrpc"
	XMLRPC    Label = "xmlrpc"
	SOAP      Label = "soap"
	RPC       Label = "rpc"
	SocketIO  Label = "socketio"
)

// Sniff inspects the raw request header block (as returned by
// internal/httpread.Result.Raw) and, for a handful of content-addressable
// cases, a short prefix of the request body, returning the most specific
// label it can justify. It never errors: an unrecognized shape is
// PlainHTTP.
func Sniff(headerBlock []byte, bodyPrefix []byte) Label {
	if hasHeaderValue(headerBlock, "upgrade", "websocket") {
		return WebSocket
	}
	if hasHeaderPrefix(headerBlock, "GET /socket.io/") {
		return SocketIO
	}
	if isSOAPRequest(headerBlock, bodyPrefix) {
		return SOAP
	}
	if isJSONRPCBody(bodyPrefix) {
		return JSONRPC
	}
	if isXMLRPCBody(bodyPrefix) {
		return XMLRPC
	}
	if hasHeaderPrefix(headerBlock, "POST /rpc") {
		return RPC
	}
	return PlainHTTP
}

func hasHeaderPrefix(headerBlock []byte, prefix string) bool {
	return bytes.HasPrefix(headerBlock, []byte(prefix))
}

// hasHeaderValue reports whether headerBlock contains a "name: value" line
// (case-insensitive on both sides) where value appears anywhere in the
// header's value, matching the loose "Upgrade: websocket" / "Connection:
// Upgrade, keep-alive" shapes real clients send.
func hasHeaderValue(headerBlock []byte, name, value string) bool {
	lines := bytes.Split(headerBlock, []byte("\r\n"))
	prefix := strings.ToLower(name) + ":"
	for _, line := range lines {
		lower := strings.ToLower(string(line))
		if strings.HasPrefix(lower, prefix) && strings.Contains(lower, strings.ToLower(value)) {
			return true
		}
	}
	return false
}

func isSOAPRequest(headerBlock, bodyPrefix []byte) bool {
	if hasHeaderValue(headerBlock, "content-type", "text/xml") ||
		hasHeaderValue(headerBlock, "content-type", "application/soap+xml") {
		return bytes.Contains(bodyPrefix, []byte("Envelope"))
	}
	return bytes.Contains(bodyPrefix, []byte("soap:Envelope")) ||
		bytes.Contains(bodyPrefix, []byte("soapenv:Envelope"))
}

func isJSONRPCBody(bodyPrefix []byte) bool {
	trimmed := bytes.TrimSpace(bodyPrefix)
	return bytes.Contains(trimmed, []byte(`"jsonrpc"`)) && bytes.Contains(trimmed, []byte(`"2.0"`))
}

func isXMLRPCBody(bodyPrefix []byte) bool {
	trimmed := bytes.TrimSpace(bodyPrefix)
	return bytes.HasPrefix(trimmed, []byte("<?xml")) && bytes.Contains(trimmed, []byte("<methodCall>"))
}
