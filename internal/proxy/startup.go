package proxy

import (
	"encoding/binary"
	"fmt"
)

// StartupKind distinguishes the two shapes of the unkeyed first message a
// PostgreSQL client sends.
type StartupKind int

const (
	// StartupKindMessage is an ordinary StartupMessage (protocol version
	// plus key/value parameters).
	StartupKindMessage StartupKind = iota
	// StartupKindSSL is the SSLRequest probe.
	StartupKindSSL
)

// sslRequestBytes is the exact 8-byte SSLRequest packet:
// length=8, code=80877103 (0x04D2162F).
var sslRequestBytes = [8]byte{0x00, 0x00, 0x00, 0x08, 0x04, 0xD2, 0x16, 0x2F}

// StartupPacket is the decoded unkeyed startup/SSL-probe message. Raw holds
// the packet's bytes verbatim (4-byte length + payload, no tag byte) so the
// Handshake Driver can forward it to the backend without re-encoding.
type StartupPacket struct {
	Kind StartupKind
	Raw  []byte
}

// DecodeStartup reads the first message of a connection out of buf: a
// 4-byte big-endian length (including itself) followed by payload. If the
// first 8 bytes equal the SSLRequest constant, it is split as 8 bytes and
// reported as StartupKindSSL; otherwise the full `length` bytes are split as
// StartupKindMessage. Returns (nil, 0, nil) when buf does not yet hold
// enough bytes to decide.
func DecodeStartup(buf []byte) (packet *StartupPacket, consumed int, err error) {
	if len(buf) < 4 {
		return nil, 0, nil
	}
	length := int32(binary.BigEndian.Uint32(buf[0:4]))
	if length < 4 {
		return nil, 0, &FramingError{Reason: fmt.Sprintf("invalid startup length %d", length)}
	}
	need := 8
	if int(length) > need {
		need = int(length)
	}
	if len(buf) < need {
		return nil, 0, nil
	}
	if len(buf) >= 8 && [8]byte(buf[:8]) == sslRequestBytes {
		raw := make([]byte, 8)
		copy(raw, buf[:8])
		return &StartupPacket{Kind: StartupKindSSL, Raw: raw}, 8, nil
	}
	raw := make([]byte, length)
	copy(raw, buf[:length])
	return &StartupPacket{Kind: StartupKindMessage, Raw: raw}, int(length), nil
}

// IsSSLRequest reports whether raw is exactly the 8-byte SSLRequest packet.
// Exposed for tests and for callers that have already read a fixed-size
// prefix off the wire and need to classify it without going through
// DecodeStartup's buffering logic.
func IsSSLRequest(raw []byte) bool {
	return len(raw) == 8 && [8]byte(raw) == sslRequestBytes
}
