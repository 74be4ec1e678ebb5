package tlsparse

import (
	"encoding/binary"
	"errors"
	"testing"
)

// buildClientHello constructs a minimal but well-formed TLS 1.2-style
// ClientHello record carrying the given SNI hostname and, optionally, an
// ALPN protocol list, for round-trip tests.
func buildClientHello(t *testing.T, sni string, alpn []string) []byte {
	t.Helper()

	var body []byte
	body = append(body, 0x03, 0x03)          // client_version
	body = append(body, make([]byte, 32)...) // random
	body = append(body, 0x00)                // session_id length
	body = append(body, 0x00, 0x02, 0x00, 0x2f) // cipher_suites (len=2, one suite)
	body = append(body, 0x01, 0x00)             // compression_methods

	var extensions []byte
	if sni != "" {
		nameEntry := append([]byte{0x00}, uint16be(uint16(len(sni)))...)
		nameEntry = append(nameEntry, []byte(sni)...)
		listLen := uint16be(uint16(len(nameEntry)))
		sniBody := append(append([]byte{}, listLen...), nameEntry...)
		extensions = append(extensions, 0x00, 0x00) // extension type = SNI
		extensions = append(extensions, uint16be(uint16(len(sniBody)))...)
		extensions = append(extensions, sniBody...)
	}
	if len(alpn) > 0 {
		var protoList []byte
		for _, p := range alpn {
			protoList = append(protoList, byte(len(p)))
			protoList = append(protoList, []byte(p)...)
		}
		alpnBody := append(append([]byte{}, uint16be(uint16(len(protoList)))...), protoList...)
		extensions = append(extensions, 0x00, 0x10) // extension type = ALPN
		extensions = append(extensions, uint16be(uint16(len(alpnBody)))...)
		extensions = append(extensions, alpnBody...)
	}

	body = append(body, uint16be(uint16(len(extensions)))...)
	body = append(body, extensions...)

	handshake := []byte{0x01} // ClientHello
	handshake = append(handshake, byte(len(body)>>16), byte(len(body)>>8), byte(len(body)))
	handshake = append(handshake, body...)

	record := []byte{0x16, 0x03, 0x03}
	record = append(record, uint16be(uint16(len(handshake)))...)
	record = append(record, handshake...)
	return record
}

func uint16be(v uint16) []byte {
	b := make([]byte, 2)
	binary.BigEndian.PutUint16(b, v)
	return b
}

func TestParseClientHelloBasicSNI(t *testing.T) {
	rec := buildClientHello(t, "example", nil)
	info, err := ParseClientHello(rec)
	if err != nil {
		t.Fatalf("ParseClientHello: %v", err)
	}
	if info.SNI != "example" {
		t.Errorf("SNI = %q, want %q", info.SNI, "example")
	}
	if info.ALPN != "" {
		t.Errorf("ALPN = %q, want empty", info.ALPN)
	}
}

func TestParseClientHelloLongSubdomain(t *testing.T) {
	host := "very.long.subdomain.production.api.service.example.com"
	rec := buildClientHello(t, host, nil)
	info, err := ParseClientHello(rec)
	if err != nil {
		t.Fatalf("ParseClientHello: %v", err)
	}
	if info.SNI != host {
		t.Errorf("SNI = %q, want %q", info.SNI, host)
	}
}

func TestParseClientHelloWithALPN(t *testing.T) {
	rec := buildClientHello(t, "example.com", []string{"h2", "http/1.1"})
	info, err := ParseClientHello(rec)
	if err != nil {
		t.Fatalf("ParseClientHello: %v", err)
	}
	if info.ALPN != "h2" {
		t.Errorf("ALPN = %q, want %q (first protocol wins)", info.ALPN, "h2")
	}
}

func TestParseClientHelloNonHandshakeRecord(t *testing.T) {
	data := []byte{0x15, 0x03, 0x03, 0x00, 0x02, 0x01, 0x00}
	_, err := ParseClientHello(data)
	if !errors.Is(err, ErrInvalidHandshakeType) {
		t.Errorf("err = %v, want ErrInvalidHandshakeType", err)
	}
}

func TestParseClientHelloTruncated(t *testing.T) {
	data := []byte{0x16, 0x03, 0x01}
	_, err := ParseClientHello(data)
	if !errors.Is(err, ErrMessageTruncated) {
		t.Errorf("err = %v, want ErrMessageTruncated", err)
	}
}

func TestParseClientHelloTruncatedRecordLength(t *testing.T) {
	// Valid 5-byte header claiming more data than is present.
	data := []byte{0x16, 0x03, 0x03, 0x01, 0x00}
	_, err := ParseClientHello(data)
	if !errors.Is(err, ErrMessageTruncated) {
		t.Errorf("err = %v, want ErrMessageTruncated", err)
	}
}

func TestParseClientHelloNoSNI(t *testing.T) {
	rec := buildClientHello(t, "", nil)
	_, err := ParseClientHello(rec)
	if !errors.Is(err, ErrInvalidSNIFormat) {
		t.Errorf("err = %v, want ErrInvalidSNIFormat", err)
	}
}

func TestParseClientHelloNeverReadsPastSlice(t *testing.T) {
	rec := buildClientHello(t, "example.com", []string{"h2"})
	for i := 0; i < len(rec); i++ {
		// Any truncation must fail cleanly, never panic (index out of range).
		func() {
			defer func() {
				if r := recover(); r != nil {
					t.Fatalf("panic at truncation length %d: %v", i, r)
				}
			}()
			_, _ = ParseClientHello(rec[:i])
		}()
	}
}

func TestParseClientHelloTLS13VersionPrefix(t *testing.T) {
	rec := buildClientHello(t, "example.com", nil)
	// TLS 1.3 ClientHellos still declare record.version == 0x0303, so the
	// parser accepts any record[1] == 0x03. Explicitly assert byte 1 is
	// 0x03 for documentation.
	if rec[1] != 0x03 {
		t.Fatalf("test fixture invalid: record[1] = %#x", rec[1])
	}
	if _, err := ParseClientHello(rec); err != nil {
		t.Fatalf("ParseClientHello: %v", err)
	}
}
