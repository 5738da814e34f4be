package proxy

import (
	"bufio"
	"context"
	"fmt"
	"net"

	"pgdebugproxy/internal/metrics"
	"pgdebugproxy/pkg/logger"
)

// sessionState is the Session's explicit state tag. A single mutable
// Session value owns every resource (primary conn, backend conn, debug
// listener, optional debug conn) for its whole lifetime; state just records
// where in the transition table it currently sits. This is the "one mutable
// value with an explicit state tag" representation, chosen over a tagged
// union of per-state resource bundles because Go has no move semantics to
// make the union representation pay for itself.
type sessionState int

const (
	stateStart sessionState = iota
	stateAuthenticated
	stateIdle
	stateFwdClient
	stateFwdServer
	stateDebugIdle
	stateDebugFwdClient
	stateDebugFwdServer
)

func (s sessionState) String() string {
	switch s {
	case stateStart:
		return "Start"
	case stateAuthenticated:
		return "Authenticated"
	case stateIdle:
		return "Idle"
	case stateFwdClient:
		return "FwdClient"
	case stateFwdServer:
		return "FwdServer"
	case stateDebugIdle:
		return "DebugIdle"
	case stateDebugFwdClient:
		return "DebugFwdClient"
	case stateDebugFwdServer:
		return "DebugFwdServer"
	default:
		return "Unknown"
	}
}

// requester records which side most recently issued a request against the
// backend, used to resolve the DebugIdle ambiguity spec.md §9 flags: a
// backend-readable event while DebugIdle could belong to either side, and
// defaults to whichever last asked, falling back to primary.
type requester int

const (
	requesterPrimary requester = iota
	requesterDebug
)

// clientEvent is what a primary or debug reader goroutine reports: exactly
// one decoded Frame, or the error that ended the reader loop.
type clientEvent struct {
	frame *Frame
	err   error
}

// serverEvent is the backend reader goroutine's counterpart.
type serverEvent struct {
	frame *ServerFrame
	err   error
}

// debugAcceptEvent is what the debug-listener accept goroutine reports.
type debugAcceptEvent struct {
	conn net.Conn
	err  error
}

// Session drives one accepted primary connection through its whole
// lifetime: handshake, then cooperative multiplexing of the primary,
// backend, and (at most one, at a time) debug client streams against the
// single backend session, per spec.md §4.3's transition table.
type Session struct {
	primaryConn net.Conn
	backendConn net.Conn
	primaryR    *bufio.Reader
	backendR    *bufio.Reader

	debugListener net.Listener
	debugConn     net.Conn
	debugR        *bufio.Reader

	portMap       *PortMap
	debugBindHost string

	completesRequest CompletesRequestFunc
	log              *logger.Logger
	metrics          *metrics.Collector

	state     sessionState
	lastReq   requester
	primaryID string // "host:port" label used in log lines; the PortMap key is primaryPortOf(primaryConn)

	primaryCh     chan clientEvent
	backendCh     chan serverEvent
	debugCh       chan clientEvent
	debugAcceptCh chan debugAcceptEvent
	resumeAccept  chan struct{}
}

// NewSession constructs a Session ready to Run. primaryConn and backendConn
// must already be connected; backendConn is expected to be a fresh,
// unauthenticated connection to the target PostgreSQL server.
func NewSession(primaryConn, backendConn net.Conn, portMap *PortMap, debugBindHost string, log *logger.Logger, mc *metrics.Collector) *Session {
	return &Session{
		primaryConn:      primaryConn,
		backendConn:      backendConn,
		primaryR:         bufio.NewReader(primaryConn),
		backendR:         bufio.NewReader(backendConn),
		portMap:          portMap,
		debugBindHost:    debugBindHost,
		completesRequest: DefaultCompletesRequest,
		log:              log,
		metrics:          mc,
		state:            stateStart,
		lastReq:          requesterPrimary,
		primaryID:        primaryConn.RemoteAddr().String(),
		primaryCh:        make(chan clientEvent),
		backendCh:        make(chan serverEvent),
		debugCh:          make(chan clientEvent, 1),
		debugAcceptCh:    make(chan debugAcceptEvent),
		resumeAccept:     make(chan struct{}, 1),
	}
}

// Run drives the Session to completion. It returns the error that ended the
// Session (always non-nil: even a clean client disconnect surfaces as a
// *PrimaryDisconnectError or *BackendDisconnectError with a nil or io.EOF
// cause). The caller (the Listener) logs and discards it; a Session error
// never propagates to any other Session.
func (s *Session) Run(ctx context.Context) (runErr error) {
	if s.metrics != nil {
		s.metrics.SessionStarted()
		defer func() { s.metrics.SessionEnded(errorKind(runErr)) }()
	}
	defer s.teardown()

	if err := s.runPrimaryHandshake(); err != nil {
		return err
	}
	s.state = stateAuthenticated

	if err := s.openDebugListener(); err != nil {
		return err
	}
	s.state = stateIdle

	go s.primaryReaderLoop()
	go s.backendReaderLoop()
	go s.debugAcceptLoop()

	for {
		var err error
		switch s.state {
		case stateIdle:
			err = s.runIdle(ctx)
		case stateFwdClient:
			err = s.runFwdClient()
		case stateFwdServer:
			err = s.runFwdServer()
		case stateDebugIdle:
			err = s.runDebugIdle(ctx)
		case stateDebugFwdClient:
			err = s.runDebugFwdClient()
		case stateDebugFwdServer:
			err = s.runDebugFwdServer()
		default:
			return fmt.Errorf("session in unreachable state %s", s.state)
		}
		if err != nil {
			return err
		}
	}
}

func (s *Session) teardown() {
	if s.portMap != nil {
		s.portMap.Remove(primaryPortOf(s.primaryConn))
	}
	if s.debugConn != nil {
		s.debugConn.Close()
	}
	if s.debugListener != nil {
		s.debugListener.Close()
	}
	s.backendConn.Close()
	s.primaryConn.Close()
}

// errorKind labels a Session-ending error for the session_errors_total
// metric's "kind" dimension.
func errorKind(err error) string {
	switch err.(type) {
	case *BackendDisconnectError:
		return "backend_disconnect"
	case *PrimaryDisconnectError:
		return "primary_disconnect"
	case *HandshakeFailureError:
		return "handshake_failure"
	case *ListenerBindFailureError:
		return "listener_bind_failure"
	case *FramingError:
		return "framing_error"
	default:
		return "other"
	}
}

func primaryPortOf(conn net.Conn) int {
	addr, ok := conn.RemoteAddr().(*net.TCPAddr)
	if !ok {
		return 0
	}
	return addr.Port
}

// runPrimaryHandshake implements spec.md §4.2's primary handshake: decode
// startup, service any number of SSL probes, forward the real startup, then
// drive the authentication exchange to Ready-for-Query.
func (s *Session) runPrimaryHandshake() error {
	for {
		packet, err := ReadStartupOrSSL(s.primaryR)
		if err != nil {
			return err
		}
		if packet.Kind == StartupKindSSL {
			if _, err := s.backendConn.Write(packet.Raw); err != nil {
				return &BackendDisconnectError{Cause: err}
			}
			reply := make([]byte, 1)
			if _, err := s.backendR.Read(reply); err != nil {
				return &HandshakeFailureError{Reason: "reading backend SSL reply", Cause: err}
			}
			if reply[0] != 'N' {
				return &HandshakeFailureError{Reason: "backend accepted SSL, proxy cannot terminate TLS"}
			}
			if err := NegotiateSSL(s.primaryConn); err != nil {
				return &PrimaryDisconnectError{Cause: err}
			}
			continue // client is expected to resend a non-SSL startup
		}
		if err := ForwardStartup(s.backendConn, packet); err != nil {
			return err
		}
		break
	}

	_, err := RunAuthExchange(s.backendR, s.backendConn, s.primaryR, s.primaryConn)
	return err
}

// openDebugListener binds the per-Session debug listener on an ephemeral
// port and records it in the PortMap, per spec.md §9's recommendation that
// --debug-binding names only the interface, never the port.
func (s *Session) openDebugListener() error {
	host := s.debugBindHost
	if host == "" {
		host = "127.0.0.1"
	}
	l, err := net.Listen("tcp", net.JoinHostPort(host, "0"))
	if err != nil {
		return &ListenerBindFailureError{Cause: err}
	}
	s.debugListener = l
	if s.portMap != nil {
		addr := l.Addr().(*net.TCPAddr)
		s.portMap.Insert(primaryPortOf(s.primaryConn), addr.Port)
	}
	s.log.Debug("session %s: debug listener on %s", s.primaryID, l.Addr())
	return nil
}

// countFramingError bumps the framing_errors_total metric whenever a reader
// loop's error is specifically a malformed-length *FramingError, as opposed
// to an ordinary disconnect (EOF, reset) that readClientFrame/readServerFrame
// also surface through the same error return.
func (s *Session) countFramingError(err error) {
	if s.metrics == nil {
		return
	}
	if _, ok := err.(*FramingError); ok {
		s.metrics.FramingError()
	}
}

func (s *Session) primaryReaderLoop() {
	for {
		frame, err := readClientFrame(s.primaryR)
		s.primaryCh <- clientEvent{frame: frame, err: err}
		if err != nil {
			s.countFramingError(err)
			return
		}
	}
}

func (s *Session) backendReaderLoop() {
	for {
		frame, err := readServerFrame(s.backendR)
		s.backendCh <- serverEvent{frame: frame, err: err}
		if err != nil {
			s.countFramingError(err)
			return
		}
	}
}

// debugAcceptLoop accepts at most one debug client at a time: after
// reporting an accepted connection it waits for resumeAccept before calling
// Accept again, so a second would-be debug client simply queues in the
// listener's backlog until the first detaches.
func (s *Session) debugAcceptLoop() {
	for {
		conn, err := s.debugListener.Accept()
		s.debugAcceptCh <- debugAcceptEvent{conn: conn, err: err}
		if err != nil {
			return
		}
		<-s.resumeAccept
	}
}

func (s *Session) debugReaderLoop(r *bufio.Reader, ch chan<- clientEvent) {
	for {
		frame, err := readClientFrame(r)
		ch <- clientEvent{frame: frame, err: err}
		if err != nil {
			s.countFramingError(err)
			return
		}
	}
}

// runIdle implements the Idle state's three-way wait: primary readable,
// backend readable, or (if no debug client attached) the debug listener
// accepting. spec.md §4.3 calls this wait "biased-fair"; Go's select over
// multiple ready channels already makes a pseudo-random, not starvation-prone,
// choice, which satisfies that requirement without extra bookkeeping.
func (s *Session) runIdle(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return &PrimaryDisconnectError{Cause: ctx.Err()}
	case ev := <-s.primaryCh:
		if ev.err != nil {
			return &PrimaryDisconnectError{Cause: ev.err}
		}
		return s.forwardClientFrame(ev.frame)
	case ev := <-s.backendCh:
		if ev.err != nil {
			return &BackendDisconnectError{Cause: ev.err}
		}
		return s.forwardServerFrameToPrimary(ev.frame)
	case ev := <-s.debugAcceptCh:
		if ev.err != nil {
			// The listener itself failed; not fatal to the primary pair,
			// but there is no point retrying once Accept itself errors.
			s.log.Warn("session %s: debug listener accept failed: %v", s.primaryID, ev.err)
			s.state = stateIdle
			return nil
		}
		return s.attachDebugClient(ev.conn)
	}
}

// forwardClientFrame is Idle/FwdClient's shared "forward one primary frame,
// decide the next state" step.
func (s *Session) forwardClientFrame(frame *Frame) error {
	if _, err := s.backendConn.Write(frame.Encode()); err != nil {
		return &BackendDisconnectError{Cause: err}
	}
	if s.metrics != nil {
		s.metrics.FrameForwarded("client_to_backend")
	}
	s.lastReq = requesterPrimary
	if s.completesRequest(frame.Tag) {
		s.state = stateIdle
	} else {
		s.state = stateFwdClient
	}
	return nil
}

// forwardServerFrameToPrimary is Idle/FwdServer's shared "forward one
// backend frame to the primary, decide the next state" step.
func (s *Session) forwardServerFrameToPrimary(frame *ServerFrame) error {
	if _, err := s.primaryConn.Write(frame.Encode()); err != nil {
		return &PrimaryDisconnectError{Cause: err}
	}
	if s.metrics != nil {
		s.metrics.FrameForwarded("backend_to_client")
	}
	if frame.IsReadyForQuery() {
		s.state = stateIdle
	} else {
		s.state = stateFwdServer
	}
	return nil
}

// runFwdClient drains exactly one primary frame and applies the same
// forwarding step as Idle; the loop in Run calls this repeatedly while
// state stays FwdClient.
func (s *Session) runFwdClient() error {
	ev := <-s.primaryCh
	if ev.err != nil {
		return &PrimaryDisconnectError{Cause: ev.err}
	}
	return s.forwardClientFrame(ev.frame)
}

// runFwdServer drains exactly one backend frame and applies the same
// forwarding step as Idle.
func (s *Session) runFwdServer() error {
	ev := <-s.backendCh
	if ev.err != nil {
		return &BackendDisconnectError{Cause: ev.err}
	}
	return s.forwardServerFrameToPrimary(ev.frame)
}

// attachDebugClient runs the fake handshake on a freshly accepted debug
// connection and enters DebugIdle.
func (s *Session) attachDebugClient(conn net.Conn) error {
	r := bufio.NewReader(conn)
	packet, err := ReadStartupOrSSL(r)
	if err != nil {
		s.log.Warn("session %s: debug client handshake failed: %v", s.primaryID, err)
		conn.Close()
		s.resumeAccept <- struct{}{}
		s.state = stateIdle
		return nil
	}
	if packet.Kind == StartupKindSSL {
		if err := NegotiateSSL(conn); err != nil {
			conn.Close()
			s.resumeAccept <- struct{}{}
			s.state = stateIdle
			return nil
		}
		packet, err = ReadStartupOrSSL(r)
		if err != nil {
			conn.Close()
			s.resumeAccept <- struct{}{}
			s.state = stateIdle
			return nil
		}
	}
	_ = packet // startup parameters are discarded; see spec.md §4.2
	if err := SendFakeDebugHandshake(conn); err != nil {
		conn.Close()
		s.resumeAccept <- struct{}{}
		s.state = stateIdle
		return nil
	}
	s.debugConn = conn
	s.debugR = r
	// Buffered by 1: detachDebugClient closes the connection and abandons
	// this channel (a fresh one is installed on the next attach), so the
	// reader goroutine's final error send — which nobody may ever read
	// again — must not block forever.
	s.debugCh = make(chan clientEvent, 1)
	go s.debugReaderLoop(r, s.debugCh)
	if s.metrics != nil {
		s.metrics.DebugAttached()
	}
	s.log.Info("session %s: debug client attached from %s", s.primaryID, conn.RemoteAddr())
	s.state = stateDebugIdle
	return nil
}

// detachDebugClient drops the current debug client (whether by Terminate,
// error, or disconnect) and resumes accepting the next one.
func (s *Session) detachDebugClient() {
	if s.debugConn != nil {
		s.debugConn.Close()
		if s.metrics != nil {
			s.metrics.DebugDetached()
		}
		s.log.Info("session %s: debug client detached", s.primaryID)
	}
	s.debugConn = nil
	s.debugR = nil
	select {
	case s.resumeAccept <- struct{}{}:
	default:
	}
}

// runDebugIdle implements the DebugIdle state's two-way wait: a debug frame,
// or a backend frame. spec.md §9's resolution for the backend-readable
// ambiguity: deliver to whichever side most recently issued the request
// (lastReq), defaulting to primary.
func (s *Session) runDebugIdle(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return &PrimaryDisconnectError{Cause: ctx.Err()}
	case ev := <-s.debugCh:
		if ev.err != nil {
			s.detachDebugClient()
			s.state = stateIdle
			return nil
		}
		if ev.frame.Tag == 'X' {
			s.detachDebugClient()
			s.state = stateIdle
			return nil
		}
		if _, err := s.backendConn.Write(ev.frame.Encode()); err != nil {
			return &BackendDisconnectError{Cause: err}
		}
		if s.metrics != nil {
			s.metrics.FrameForwarded("debug_to_backend")
		}
		s.lastReq = requesterDebug
		if s.completesRequest(ev.frame.Tag) {
			s.state = stateDebugFwdServer
		} else {
			s.state = stateDebugFwdClient
		}
		return nil
	case ev := <-s.backendCh:
		if ev.err != nil {
			return &BackendDisconnectError{Cause: ev.err}
		}
		return s.deliverBackendFrameFromDebugIdle(ev.frame)
	}
}

// deliverBackendFrameFromDebugIdle routes an unsolicited or trailing backend
// frame seen while DebugIdle. Ready-for-Query always means the backend has
// reclaimed idleness for whichever side it belongs to, so the Session always
// returns to Idle on it (the primary side has first claim on Idle; a debug
// client that wants to issue another request re-enters via DebugIdle's own
// select next time it is attached, or — if still attached — simply waits,
// since it only acts from DebugIdle/DebugFwdClient, not Idle).
func (s *Session) deliverBackendFrameFromDebugIdle(frame *ServerFrame) error {
	target := s.primaryConn
	if s.lastReq == requesterDebug && s.debugConn != nil {
		target = s.debugConn
	}
	if _, err := target.Write(frame.Encode()); err != nil {
		if target == s.debugConn {
			s.detachDebugClient()
			s.state = stateIdle
			return nil
		}
		return &PrimaryDisconnectError{Cause: err}
	}
	if s.metrics != nil {
		direction := "backend_to_client"
		if target == s.debugConn {
			direction = "backend_to_debug"
		}
		s.metrics.FrameForwarded(direction)
	}
	if frame.IsReadyForQuery() {
		s.state = stateIdle
		return nil
	}
	if target == s.debugConn {
		s.state = stateDebugIdle
		return nil
	}
	s.state = stateFwdServer
	return nil
}

// runDebugFwdClient drains exactly one debug frame, forwarding it to the
// backend. A debug-client error here is recoverable: demote to DebugIdle's
// detached form (i.e. Idle) rather than killing the Session.
func (s *Session) runDebugFwdClient() error {
	ev := <-s.debugCh
	if ev.err != nil {
		s.detachDebugClient()
		s.state = stateIdle
		return nil
	}
	if _, err := s.backendConn.Write(ev.frame.Encode()); err != nil {
		return &BackendDisconnectError{Cause: err}
	}
	if s.metrics != nil {
		s.metrics.FrameForwarded("debug_to_backend")
	}
	if s.completesRequest(ev.frame.Tag) {
		s.state = stateDebugFwdServer
	} else {
		s.state = stateDebugFwdClient
	}
	return nil
}

// runDebugFwdServer drains exactly one backend frame, forwarding it to the
// debug client. Backend errors are fatal to the Session; debug-client write
// errors are recoverable (demote to Idle, the primary is unaffected).
func (s *Session) runDebugFwdServer() error {
	ev := <-s.backendCh
	if ev.err != nil {
		return &BackendDisconnectError{Cause: ev.err}
	}
	if s.debugConn == nil {
		// Demoted already; keep draining the backend reply on the primary's
		// behalf isn't correct either, but the debug side going away
		// mid-response is only possible via a write failure, handled below.
		s.state = stateIdle
		return nil
	}
	if _, err := s.debugConn.Write(ev.frame.Encode()); err != nil {
		s.detachDebugClient()
		s.state = stateIdle
		return nil
	}
	if s.metrics != nil {
		s.metrics.FrameForwarded("backend_to_debug")
	}
	if ev.frame.IsReadyForQuery() {
		s.state = stateDebugIdle
	} else {
		s.state = stateDebugFwdServer
	}
	return nil
}
