package proxy

import (
	"context"
	"net"
	"sync"

	"pgdebugproxy/internal/metrics"
	"pgdebugproxy/pkg/logger"
)

// Listener is the process-level external collaborator spec.md §6 describes:
// it binds the public address, accepts inbound primary connections, dials
// the backend fresh for each one, and hands both sockets to a new Session.
// One failed Session never aborts the Listener or any other Session.
type Listener struct {
	Binding       string
	TargetAddress string
	DebugBindHost string

	PortMap *PortMap
	Log     *logger.Logger
	Metrics *metrics.Collector

	mu   sync.RWMutex
	addr net.Addr // set once Serve has bound the listening socket
}

// NewListener returns a Listener ready to Serve. portMap and mc may both be
// nil, in which case Sessions simply skip PortMap and metrics bookkeeping.
func NewListener(binding, targetAddress, debugBindHost string, portMap *PortMap, log *logger.Logger, mc *metrics.Collector) *Listener {
	return &Listener{
		Binding:       binding,
		TargetAddress: targetAddress,
		DebugBindHost: debugBindHost,
		PortMap:       portMap,
		Log:           log,
		Metrics:       mc,
	}
}

// Addr returns the listening socket's bound address, or nil before Serve has
// bound it. Lets a caller that bound on port 0 (as the test suite does)
// discover the actual ephemeral port, the same way the teacher's Server
// exposes ListenHost()/ListenPort() for its own dynamic-port binding.
func (l *Listener) Addr() net.Addr {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.addr
}

func (l *Listener) setAddr(a net.Addr) {
	l.mu.Lock()
	l.addr = a
	l.mu.Unlock()
}

// Serve binds the primary listening socket and accepts connections until ctx
// is cancelled or Accept fails unrecoverably. Each accepted connection gets
// its own backend dial and its own Session, run on its own goroutine.
func (l *Listener) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", l.Binding)
	if err != nil {
		return &ListenerBindFailureError{Cause: err}
	}
	defer ln.Close()
	l.setAddr(ln.Addr())

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	l.Log.Info("listening on %s, forwarding to %s", l.Binding, l.TargetAddress)

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
			}
			l.Log.Error("accept failed: %v", err)
			return err
		}
		go l.handleConnection(ctx, conn)
	}
}

// handleConnection dials the backend for one accepted primary connection and
// runs its Session to completion. Errors are logged, not propagated: a
// crashing backend or a malformed client never perturbs any other Session
// (spec.md's P6).
func (l *Listener) handleConnection(ctx context.Context, primaryConn net.Conn) {
	backendConn, err := net.Dial("tcp", l.TargetAddress)
	if err != nil {
		l.Log.Error("dialing backend %s for %s: %v", l.TargetAddress, primaryConn.RemoteAddr(), err)
		primaryConn.Close()
		return
	}

	sess := NewSession(primaryConn, backendConn, l.PortMap, l.DebugBindHost, l.Log, l.Metrics)
	if err := sess.Run(ctx); err != nil {
		l.Log.Debug("session %s ended: %v", primaryConn.RemoteAddr(), err)
	}
}
