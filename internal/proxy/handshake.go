package proxy

import (
	"bufio"
	"encoding/binary"
	"io"
)

// canned bytes for the fake debug-client handshake: a debug client never
// talks to the real backend, so it gets a synthetic AuthenticationOk
// followed by a synthetic Ready-for-Query(idle) the instant it connects.
// Byte-exact per spec.md's testable properties.
var (
	cannedAuthenticationOK  = []byte{'R', 0x00, 0x00, 0x00, 0x08, 0x00, 0x00, 0x00, 0x00}
	cannedReadyForQueryIdle = []byte{'Z', 0x00, 0x00, 0x00, 0x05, 'I'}
)

// authenticationRequestCode pulls the 4-byte code out of a backend
// AuthenticationXXX message ('R'-tagged frame). Code 0 is AuthenticationOk;
// every other code asks the client for more credentials.
func authenticationRequestCode(f *ServerFrame) (int32, bool) {
	if f.Tag != 'R' || len(f.Raw) < 9 {
		return 0, false
	}
	return int32(binary.BigEndian.Uint32(f.Raw[5:9])), true
}

// SendFakeDebugHandshake writes the two canned frames a debug client is
// greeted with in place of a real authentication exchange: it is attaching
// to an already-authenticated primary session, so there is nothing left to
// authenticate.
func SendFakeDebugHandshake(w io.Writer) error {
	if _, err := w.Write(cannedAuthenticationOK); err != nil {
		return &DebugDisconnectError{Cause: err}
	}
	if _, err := w.Write(cannedReadyForQueryIdle); err != nil {
		return &DebugDisconnectError{Cause: err}
	}
	return nil
}

// ReadStartupOrSSL reads exactly one startup/SSL-probe packet off r: an
// 8-byte SSLRequest, or a StartupMessage whose total length is read from its
// own 4-byte length prefix.
func ReadStartupOrSSL(r *bufio.Reader) (*StartupPacket, error) {
	header := make([]byte, 8)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, &HandshakeFailureError{Reason: "connection closed before startup packet", Cause: err}
	}
	if IsSSLRequest(header) {
		return &StartupPacket{Kind: StartupKindSSL, Raw: header}, nil
	}
	length := int32(binary.BigEndian.Uint32(header[0:4]))
	if length < 8 {
		return nil, &HandshakeFailureError{Reason: "invalid startup message length"}
	}
	raw := make([]byte, length)
	copy(raw, header)
	if length > 8 {
		if _, err := io.ReadFull(r, raw[8:]); err != nil {
			return nil, &HandshakeFailureError{Reason: "connection closed mid-startup-packet", Cause: err}
		}
	}
	return &StartupPacket{Kind: StartupKindMessage, Raw: raw}, nil
}

// NegotiateSSL answers a primary client's SSLRequest probe. Per spec.md §4.1
// the proxy never terminates TLS itself: SSL is always declined with 'N',
// which tells a well-behaved client to retry the handshake in cleartext.
func NegotiateSSL(w io.Writer) error {
	_, err := w.Write([]byte{'N'})
	return err
}

// ForwardStartup writes a decoded StartupMessage's raw bytes verbatim to the
// backend connection, preserving the exact parameter encoding the primary
// client sent (application_name, client_encoding, and any custom GUCs).
func ForwardStartup(backend io.Writer, packet *StartupPacket) error {
	if _, err := backend.Write(packet.Raw); err != nil {
		return &BackendDisconnectError{Cause: err}
	}
	return nil
}

// RunAuthExchange forwards the backend's authentication challenge/response
// exchange byte-for-byte between the backend and the primary client until
// AuthenticationOk (code 0) is seen, looping as many times as the backend's
// chosen method requires. This covers every SASL/SCRAM exchange PostgreSQL
// supports: each round is just "read one backend frame, forward it to the
// client; if it was a credential request, read one client frame and forward
// it to the backend", repeated until AuthenticationOk. AuthenticationSASLFinal
// (code 12) is forwarded without waiting for a client frame, since the client
// sends none after it.
//
// Returns the non-'R' backend frames seen after the authentication requests,
// up to and including the Ready-for-Query (ParameterStatus, BackendKeyData,
// ..., Ready-for-Query). Each of them has already been forwarded to the
// client by the time RunAuthExchange returns.
func RunAuthExchange(backendR *bufio.Reader, backendW io.Writer, clientR *bufio.Reader, clientW io.Writer) ([]*ServerFrame, error) {
	var trailing []*ServerFrame
	for {
		frame, err := readServerFrame(backendR)
		if err != nil {
			return nil, &HandshakeFailureError{Reason: "reading backend auth frame", Cause: err}
		}
		if frame.Tag == 'E' {
			// ErrorResponse during authentication: relay to the client and
			// fail the handshake (wrong password, pg_hba rejection, ...).
			if _, werr := clientW.Write(frame.Raw); werr != nil {
				return nil, &PrimaryDisconnectError{Cause: werr}
			}
			return nil, &HandshakeFailureError{Reason: "backend rejected authentication"}
		}
		if frame.Tag != 'R' {
			// Backend has moved on to post-auth messages (ParameterStatus,
			// BackendKeyData, ReadyForQuery); the exchange is over.
			if _, werr := clientW.Write(frame.Raw); werr != nil {
				return nil, &PrimaryDisconnectError{Cause: werr}
			}
			trailing = append(trailing, frame)
			if frame.IsReadyForQuery() {
				return trailing, nil
			}
			continue
		}
		if _, werr := clientW.Write(frame.Raw); werr != nil {
			return nil, &PrimaryDisconnectError{Cause: werr}
		}
		code, ok := authenticationRequestCode(frame)
		if !ok {
			return nil, &HandshakeFailureError{Reason: "malformed AuthenticationXXX frame"}
		}
		if code == 0 {
			// AuthenticationOk: keep reading trailing backend frames until
			// ReadyForQuery, forwarding each to the client.
			continue
		}
		if code == 12 {
			// AuthenticationSASLFinal: the backend follows it directly with
			// AuthenticationOk; the client sends nothing in between.
			continue
		}
		// Backend wants more from the client: relay exactly one client
		// frame (PasswordMessage or a SASL response) back to the backend.
		cframe, cerr := readClientFrame(clientR)
		if cerr != nil {
			return nil, &HandshakeFailureError{Reason: "reading client auth response", Cause: cerr}
		}
		if _, werr := backendW.Write(cframe.Raw); werr != nil {
			return nil, &BackendDisconnectError{Cause: werr}
		}
	}
}

// readClientFrame reads exactly one client→server Frame off r: the 5-byte
// header first, then however many payload bytes its length field names.
func readClientFrame(r *bufio.Reader) (*Frame, error) {
	header := make([]byte, minFrameLen)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, err
	}
	frame, _, err := DecodeClientFrame(header)
	if err != nil {
		return nil, err
	}
	if frame != nil {
		return frame, nil // length == 4: header carried no payload
	}
	length := int32(binary.BigEndian.Uint32(header[1:5]))
	raw := make([]byte, 1+int(length))
	copy(raw, header)
	if _, err := io.ReadFull(r, raw[minFrameLen:]); err != nil {
		return nil, err
	}
	frame, _, err = DecodeClientFrame(raw)
	return frame, err
}

// readServerFrame is readClientFrame's backend-directed counterpart.
func readServerFrame(r *bufio.Reader) (*ServerFrame, error) {
	header := make([]byte, minFrameLen)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, err
	}
	frame, _, err := DecodeServerFrame(header)
	if err != nil {
		return nil, err
	}
	if frame != nil {
		return frame, nil
	}
	length := int32(binary.BigEndian.Uint32(header[1:5]))
	raw := make([]byte, 1+int(length))
	copy(raw, header)
	if _, err := io.ReadFull(r, raw[minFrameLen:]); err != nil {
		return nil, err
	}
	frame, _, err = DecodeServerFrame(raw)
	return frame, err
}
