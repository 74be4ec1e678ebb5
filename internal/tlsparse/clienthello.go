// Package tlsparse extracts the SNI hostname and the first ALPN protocol
// from a raw TLS ClientHello record without terminating the handshake.
package tlsparse

import (
	"encoding/binary"
	"errors"
	"unicode/utf8"
)

// All parse failures are client faults, never fatal to the proxy.
var (
	ErrInvalidHandshakeType = errors.New("tlsparse: not a TLS handshake record")
	ErrInvalidTLSVersion    = errors.New("tlsparse: unrecognized TLS record version")
	ErrMessageTruncated     = errors.New("tlsparse: message truncated")
	ErrInvalidClientHello   = errors.New("tlsparse: malformed ClientHello")
	ErrInvalidSNIFormat     = errors.New("tlsparse: SNI extension missing or malformed")
)

const (
	recordTypeHandshake = 0x16
	handshakeTypeHello  = 0x01
	extensionTypeSNI    = 0x0000
	extensionTypeALPN   = 0x0010
	sniNameTypeHostname = 0x00
)

// ClientHelloInfo is the output of parsing a ClientHello record: the
// required SNI hostname and an optional first ALPN protocol.
type ClientHelloInfo struct {
	SNI  string
	ALPN string // empty if no ALPN extension / no protocols listed
}

// ParseClientHello walks data with a single cursor, validating every length
// field before using it, and never reads past len(data). It is a pure
// function: no I/O, no allocation beyond the two returned strings.
func ParseClientHello(data []byte) (ClientHelloInfo, error) {
	var info ClientHelloInfo

	if len(data) < 5 {
		return info, ErrMessageTruncated
	}
	if data[0] != recordTypeHandshake {
		return info, ErrInvalidHandshakeType
	}
	if data[1] != 0x03 {
		return info, ErrInvalidTLSVersion
	}
	recordLen := int(binary.BigEndian.Uint16(data[3:5]))
	if len(data) < 5+recordLen {
		return info, ErrMessageTruncated
	}
	record := data[5 : 5+recordLen]

	if len(record) < 4 {
		return info, ErrMessageTruncated
	}
	if record[0] != handshakeTypeHello {
		return info, ErrInvalidClientHello
	}
	handshakeLen := int(record[1])<<16 | int(record[2])<<8 | int(record[3])
	if len(record) < 4+handshakeLen {
		return info, ErrMessageTruncated
	}
	body := record[4 : 4+handshakeLen]

	pos := 0
	// client_version (2) + random (32)
	if len(body) < pos+34 {
		return info, ErrMessageTruncated
	}
	pos += 34

	// session_id
	if len(body) < pos+1 {
		return info, ErrMessageTruncated
	}
	sessionIDLen := int(body[pos])
	pos++
	if len(body) < pos+sessionIDLen {
		return info, ErrMessageTruncated
	}
	pos += sessionIDLen

	// cipher_suites
	if len(body) < pos+2 {
		return info, ErrMessageTruncated
	}
	cipherLen := int(binary.BigEndian.Uint16(body[pos : pos+2]))
	pos += 2
	if len(body) < pos+cipherLen {
		return info, ErrMessageTruncated
	}
	pos += cipherLen

	// compression_methods
	if len(body) < pos+1 {
		return info, ErrMessageTruncated
	}
	compressionLen := int(body[pos])
	pos++
	if len(body) < pos+compressionLen {
		return info, ErrMessageTruncated
	}
	pos += compressionLen

	// extensions
	if len(body) < pos+2 {
		// No extensions at all: no SNI is possible.
		return info, ErrInvalidSNIFormat
	}
	extTotalLen := int(binary.BigEndian.Uint16(body[pos : pos+2]))
	pos += 2
	if len(body) < pos+extTotalLen {
		return info, ErrMessageTruncated
	}
	extensions := body[pos : pos+extTotalLen]

	foundSNI := false
	ePos := 0
	for ePos+4 <= len(extensions) {
		extType := binary.BigEndian.Uint16(extensions[ePos : ePos+2])
		extLen := int(binary.BigEndian.Uint16(extensions[ePos+2 : ePos+4]))
		ePos += 4
		if ePos+extLen > len(extensions) {
			return info, ErrMessageTruncated
		}
		extBody := extensions[ePos : ePos+extLen]
		ePos += extLen

		switch extType {
		case extensionTypeSNI:
			sni, err := parseSNIExtension(extBody)
			if err != nil {
				return info, err
			}
			if sni != "" {
				info.SNI = sni
				foundSNI = true
			}
		case extensionTypeALPN:
			if info.ALPN == "" {
				info.ALPN = parseALPNExtension(extBody)
			}
		}
	}

	if !foundSNI {
		return info, ErrInvalidSNIFormat
	}
	return info, nil
}

// parseSNIExtension returns the first name_type==0 (hostname) entry.
func parseSNIExtension(body []byte) (string, error) {
	if len(body) < 2 {
		return "", ErrMessageTruncated
	}
	listLen := int(binary.BigEndian.Uint16(body[0:2]))
	if len(body) < 2+listLen {
		return "", ErrMessageTruncated
	}
	list := body[2 : 2+listLen]

	pos := 0
	for pos+3 <= len(list) {
		nameType := list[pos]
		nameLen := int(binary.BigEndian.Uint16(list[pos+1 : pos+3]))
		pos += 3
		if pos+nameLen > len(list) {
			return "", ErrMessageTruncated
		}
		name := list[pos : pos+nameLen]
		pos += nameLen

		if nameType == sniNameTypeHostname {
			if !utf8.Valid(name) {
				return "", ErrInvalidSNIFormat
			}
			return string(name), nil
		}
	}
	return "", nil
}

// parseALPNExtension returns the first protocol in the list, or "" if the
// list is empty or not valid UTF-8.
func parseALPNExtension(body []byte) string {
	if len(body) < 2 {
		return ""
	}
	listLen := int(binary.BigEndian.Uint16(body[0:2]))
	if len(body) < 2+listLen {
		return ""
	}
	list := body[2 : 2+listLen]
	if len(list) < 1 {
		return ""
	}
	protoLen := int(list[0])
	if len(list) < 1+protoLen {
		return ""
	}
	proto := list[1 : 1+protoLen]
	if !utf8.Valid(proto) {
		return ""
	}
	return string(proto)
}
