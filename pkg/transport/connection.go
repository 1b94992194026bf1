package transport

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/gulars/tcplink/pkg/framing"
)

// Connection represents one live socket: the underlying net.Conn (a *tls.Conn
// when the session is encrypted), the accumulation buffer owned by the read
// loop, and the disposed flag that collapses concurrent teardown attempts
// into a single effective close.
type Connection struct {
	id        uuid.UUID
	conn      net.Conn
	secure    bool
	createdAt time.Time

	// buffer and scratch are owned exclusively by the connection's read
	// loop and must not be touched from other goroutines.
	buffer  framing.Buffer
	scratch []byte

	writeMu  sync.Mutex
	disposed atomic.Bool
}

// NewConnection wraps an established socket. The server and client handlers
// call this for every accepted/dialed socket; it is exported so registry and
// orchestrator tests can build connections over net.Pipe.
func NewConnection(conn net.Conn, secure bool) *Connection {
	return &Connection{
		id:        uuid.New(),
		conn:      conn,
		secure:    secure,
		createdAt: time.Now(),
		scratch:   make([]byte, 4096),
	}
}

// ID returns the unique identifier assigned at accept/connect time.
func (c *Connection) ID() uuid.UUID {
	return c.id
}

// RemoteAddr returns the peer address.
func (c *Connection) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

// Secure reports whether the socket carries a negotiated TLS session.
func (c *Connection) Secure() bool {
	return c.secure
}

// CreatedAt returns the time the socket was accepted or connected.
func (c *Connection) CreatedAt() time.Time {
	return c.createdAt
}

// Disposed reports whether the connection has been torn down.
func (c *Connection) Disposed() bool {
	return c.disposed.Load()
}

// Write sends b fully or returns an error. Writes are serialized so the
// watchdog and application sends cannot interleave partial frames.
func (c *Connection) Write(ctx context.Context, b []byte) error {
	if c.disposed.Load() {
		return net.ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if deadline, ok := ctx.Deadline(); ok {
		_ = c.conn.SetWriteDeadline(deadline)
		defer c.conn.SetWriteDeadline(time.Time{})
	}

	written := 0
	for written < len(b) {
		n, err := c.conn.Write(b[written:])
		if err != nil {
			return err
		}
		written += n
	}
	return nil
}

// dispose flips the disposed flag and closes the socket exactly once.
// It reports whether this call performed the teardown.
func (c *Connection) dispose() bool {
	if !c.disposed.CompareAndSwap(false, true) {
		return false
	}
	_ = c.conn.Close()
	return true
}

// Close tears the connection down. Safe to call multiple times and from
// multiple goroutines; only the first call closes the socket.
func (c *Connection) Close() error {
	c.dispose()
	return nil
}

// setReadDeadline bounds the next Read so read loops can observe
// cancellation instead of blocking indefinitely.
func (c *Connection) setReadDeadline(t time.Time) error {
	return c.conn.SetReadDeadline(t)
}

func (c *Connection) read() (int, error) {
	return c.conn.Read(c.scratch)
}
