package server

import (
	"net"
	"sync"
	"time"

	"github.com/parleychat/parley/pkg/protocol"
)

// SafeConn wraps a net.Conn with automatic write synchronization to prevent
// concurrent writes from corrupting wire frames.
//
// Under load, multiple goroutines (the session's own handler plus broadcast
// and routing senders) may write to the same connection simultaneously.
// Without synchronization their frame bytes interleave on the wire.
//
// SafeConn encapsulates both the connection and its write mutex, making it
// impossible to write without proper synchronization.
type SafeConn struct {
	conn net.Conn
	mu   sync.Mutex // Protects writes to conn
}

// NewSafeConn wraps a net.Conn with write synchronization
func NewSafeConn(conn net.Conn) *SafeConn {
	return &SafeConn{conn: conn}
}

// WriteEnvelope encodes and sends one envelope with write synchronization.
// This is the only way to write to the connection; the raw conn is private.
func (sc *SafeConn) WriteEnvelope(env *protocol.Envelope) error {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return protocol.WriteEnvelope(sc.conn, env)
}

// ReadEnvelope reads one envelope from the connection.
// Reads don't need write synchronization.
func (sc *SafeConn) ReadEnvelope() (*protocol.Envelope, error) {
	return protocol.ReadEnvelope(sc.conn)
}

// SetReadDeadline bounds the next read; the zero time removes the bound
func (sc *SafeConn) SetReadDeadline(t time.Time) error {
	return sc.conn.SetReadDeadline(t)
}

// Close closes the underlying connection
func (sc *SafeConn) Close() error {
	return sc.conn.Close()
}

// RemoteAddr returns the remote network address
func (sc *SafeConn) RemoteAddr() net.Addr {
	return sc.conn.RemoteAddr()
}
