// Package h2authority extracts the :authority pseudo-header value from the
// first HTTP/2 HEADERS frame on a connection, without implementing HPACK.
// It recognizes the handful of encodings real clients actually send: a
// literal ":authority" name with an incremental or without-indexing
// representation, and the static-table index forms used when a client
// reuses HPACK's predefined ":authority" entry (index 1, encoded as 0x81,
// 0x41 or 0x01).
package h2authority

import (
	"bytes"
	"errors"
)

// Errors here are all client-fault: the frame itself is malformed, not the
// proxy.
var (
	ErrFrameTooShort     = errors.New("h2authority: frame shorter than 9-byte header")
	ErrNotHeadersFrame   = errors.New("h2authority: not a HEADERS frame")
	ErrFrameLenOutOfSpec = errors.New("h2authority: frame length out of bounds")
	ErrAuthorityNotFound = errors.New("h2authority: no :authority found in frame")
	ErrInvalidAuthority  = errors.New("h2authority: authority value fails hostname-shape validation")
)

const (
	frameTypeHeaders = 0x01
	maxFrameLength   = 16384
	literalAuthority = ":authority"
	minAuthorityLen  = 3
	maxAuthorityLen  = 255
)

// Static-table index encodings HPACK clients use to reference ":authority"
// (index 1) as a fully-indexed field (0x81) or with indexed name only,
// literal value, incremental indexing (0x41) or without indexing (0x01)
// when the name half of the pair is taken from the static table.
const (
	idxFullyIndexedAuthority  = 0x81
	idxIncIndexNamedAuthority = 0x41
	idxNoIndexNamedAuthority  = 0x01
)

// Result carries the extracted authority plus the original frame bytes so
// the caller can forward the frame verbatim.
type Result struct {
	Authority string
	Frame     []byte // the 9-byte header + payload, as given
}

// ExtractAuthority validates the HTTP/2 frame header at the start of data
// and scans the HEADERS payload for an :authority value using byte-level
// heuristics. It never decodes the full HPACK block.
func ExtractAuthority(data []byte) (Result, error) {
	if len(data) < 9 {
		return Result{}, ErrFrameTooShort
	}

	length := int(data[0])<<16 | int(data[1])<<8 | int(data[2])
	frameType := data[3]

	if frameType != frameTypeHeaders {
		return Result{}, ErrNotHeadersFrame
	}
	if length <= 0 || length > maxFrameLength {
		return Result{}, ErrFrameLenOutOfSpec
	}
	if len(data) < 9+length {
		return Result{}, ErrFrameTooShort
	}

	payload := data[9 : 9+length]
	frame := data[:9+length]

	if authority, found, err := scanLiteralAuthority(payload); found {
		if err != nil {
			return Result{}, err
		}
		return Result{Authority: authority, Frame: frame}, nil
	}

	if authority, ok := scanIndexedAuthority(payload); ok {
		return Result{Authority: authority, Frame: frame}, nil
	}

	return Result{}, ErrAuthorityNotFound
}

// valueScanWindow bounds how far past a ":authority" name occurrence the
// scanner probes for a length-prefixed value before giving up on that
// occurrence.
const valueScanWindow = 10

// scanLiteralAuthority looks for the spelled-out byte string ":authority"
// in the payload and probes the bytes following it for a length-prefixed,
// hostname-shaped value. found reports whether the literal name was
// present at all; if it was but no acceptable value followed, err is
// ErrInvalidAuthority.
func scanLiteralAuthority(payload []byte) (authority string, found bool, err error) {
	nameBytes := []byte(literalAuthority)

	at := bytes.Index(payload, nameBytes)
	for at >= 0 {
		found = true
		valStart := at + len(nameBytes)
		for off := 0; off < valueScanWindow; off++ {
			v, ok := readLengthPrefixedValue(payload, valStart+off)
			if ok && validAuthorityShape(v) {
				return v, true, nil
			}
		}
		next := bytes.Index(payload[at+1:], nameBytes)
		if next < 0 {
			break
		}
		at = at + 1 + next
	}
	if found {
		return "", true, ErrInvalidAuthority
	}
	return "", false, nil
}

// scanIndexedAuthority looks for representation bytes that could encode a
// static-table reference to ":authority" (fully indexed 0x81, literal with
// incremental indexing 0x41, literal without indexing 0x01) and attempts
// the same length-prefixed extraction at each candidate, accepting the
// first hostname-shaped result.
func scanIndexedAuthority(payload []byte) (string, bool) {
	for i := 0; i+1 < len(payload); i++ {
		switch payload[i] {
		case idxFullyIndexedAuthority, idxIncIndexNamedAuthority, idxNoIndexNamedAuthority:
			if v, ok := readLengthPrefixedValue(payload, i+1); ok && validAuthorityShape(v) {
				return v, true
			}
		}
	}
	return "", false
}

// readLengthPrefixedValue reads an HPACK string literal (1-byte length).
// This heuristic only recognizes non-Huffman-encoded authority values: a
// length byte with the Huffman flag set is rejected rather than misread,
// so a Huffman-coded value yields ErrInvalidAuthority after a literal
// ":authority" name and ErrAuthorityNotFound otherwise.
func readLengthPrefixedValue(payload []byte, pos int) (string, bool) {
	if pos < 0 || pos >= len(payload) {
		return "", false
	}
	lenByte := payload[pos]
	if lenByte&0x80 != 0 {
		// Huffman-encoded; not handled by this heuristic.
		return "", false
	}
	valLen := int(lenByte)
	if valLen < minAuthorityLen || valLen > maxAuthorityLen {
		return "", false
	}
	start := pos + 1
	if start+valLen > len(payload) {
		return "", false
	}
	return string(payload[start : start+valLen]), true
}

// validAuthorityShape applies the hostname-shape sanity check: printable
// ASCII host/port characters, contains a '.' or ':', and a length in
// [3,255].
func validAuthorityShape(s string) bool {
	if len(s) < minAuthorityLen || len(s) > maxAuthorityLen {
		return false
	}
	hasDotOrColon := false
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case r == '.' || r == '-' || r == ':' || r == '_':
			if r == '.' || r == ':' {
				hasDotOrColon = true
			}
		default:
			return false
		}
	}
	return hasDotOrColon
}
