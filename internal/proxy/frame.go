// Package proxy implements the transparent PostgreSQL debug proxy: wire
// codec, handshake driver, session state machine, and the process-level
// listener and port directory that wire them together.
package proxy

import (
	"encoding/binary"
	"fmt"
)

// Frame is one client→server (or, embedded in ServerFrame, server→client)
// protocol message: a 1-byte tag followed by a 4-byte big-endian length
// (which includes itself but not the tag) followed by length-4 payload
// bytes. Raw holds the whole thing verbatim; Raw[0] == Tag and
// len(Raw) == 1 + length always holds for a successfully decoded Frame.
type Frame struct {
	Tag byte
	Raw []byte
}

// ServerFrame is a Frame received from the backend, with the one derived
// attribute the state machine needs to know request-completion: whether
// this frame is a Ready-for-Query.
type ServerFrame struct {
	Frame
}

// IsReadyForQuery reports whether this backend frame is 'Z' (Ready-for-Query),
// the signal that the backend has finished responding to the in-flight request.
func (f ServerFrame) IsReadyForQuery() bool {
	return f.Tag == 'Z'
}

const minFrameLen = 5 // 1-byte tag + 4-byte length

// FramingError is returned when a client or backend frame header is
// malformed: a length shorter than the 4 bytes it must at least cover.
type FramingError struct {
	Reason string
}

func (e *FramingError) Error() string {
	return fmt.Sprintf("framing error: %s", e.Reason)
}

// DecodeClientFrame attempts to split one complete client→server Frame off
// the head of buf. It returns (frame, consumed, nil) on success, (nil, 0,
// nil) if buf does not yet hold a complete frame ("need more bytes"), or a
// non-nil *FramingError if the length field is invalid.
//
// Malformed length (negative, or less than 4, i.e. shorter than the length
// field itself) is always an error, even when buf does not yet hold the
// full frame — a well-formed peer never sends such a length.
func DecodeClientFrame(buf []byte) (frame *Frame, consumed int, err error) {
	if len(buf) < minFrameLen {
		return nil, 0, nil
	}
	length := int32(binary.BigEndian.Uint32(buf[1:5]))
	if length < 4 {
		return nil, 0, &FramingError{Reason: fmt.Sprintf("invalid length %d for tag %q", length, buf[0])}
	}
	total := 1 + int(length)
	if len(buf) < total {
		return nil, 0, nil
	}
	raw := make([]byte, total)
	copy(raw, buf[:total])
	return &Frame{Tag: raw[0], Raw: raw}, total, nil
}

// DecodeServerFrame is the backend-directed counterpart of DecodeClientFrame;
// same framing rules, plus it carries tag 0 as always invalid (the backend
// tag set never uses a NUL tag).
func DecodeServerFrame(buf []byte) (frame *ServerFrame, consumed int, err error) {
	if len(buf) < minFrameLen {
		return nil, 0, nil
	}
	if buf[0] == 0 {
		return nil, 0, &FramingError{Reason: "tag 0 is not a valid backend message tag"}
	}
	length := int32(binary.BigEndian.Uint32(buf[1:5]))
	if length < 4 {
		return nil, 0, &FramingError{Reason: fmt.Sprintf("invalid length %d for tag %q", length, buf[0])}
	}
	total := 1 + int(length)
	if len(buf) < total {
		return nil, 0, nil
	}
	raw := make([]byte, total)
	copy(raw, buf[:total])
	return &ServerFrame{Frame{Tag: raw[0], Raw: raw}}, total, nil
}

// Encode writes the frame's raw bytes verbatim; the wire codec is
// byte-transparent by construction, so encoding is always just the bytes
// that were decoded (or, for synthesized frames, the bytes we built).
func (f Frame) Encode() []byte {
	return f.Raw
}

// CompletesRequest is a policy over client frame tags: does forwarding this
// frame conclude the in-flight client-originated request, such that the
// Session State Machine may return to Idle (or DebugIdle) once the backend
// has replied? Two policies are provided; DefaultCompletesRequest is the one
// actually used by the Session state machine (see DESIGN.md's Open Questions
// entry for why).
type CompletesRequestFunc func(tag byte) bool

// ConservativeCompletesRequest treats every client tag as completing the
// request except 'P' (Parse). A Parse is typically followed by a
// Bind/Describe/Execute/Sync batch, so staying in the forwarding state after
// a Parse is the minimum needed to cover Simple Query correctly. This is the
// rule spec.md §4.1 describes as the policy in the original source.
func ConservativeCompletesRequest(tag byte) bool {
	return tag != 'P'
}

// FullCompletesRequest is the Extended-Query-aware rule spec.md §9 flags as
// the safer redesign: Parse, Bind, Describe, Execute, Close, and Flush do
// not complete a request by themselves; only Sync, Query (Simple Query), and
// Terminate do. This is the default used by the Session state machine.
func FullCompletesRequest(tag byte) bool {
	switch tag {
	case 'P', 'B', 'D', 'E', 'C', 'H':
		return false
	default:
		return true
	}
}

// DefaultCompletesRequest is the policy wired into the Session state
// machine; see SPEC_FULL.md §9.
var DefaultCompletesRequest CompletesRequestFunc = FullCompletesRequest
