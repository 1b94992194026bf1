package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gulars/tcplink/pkg/packet"
)

var (
	// ErrServerNotStarted is returned when stopping a server that is not running.
	ErrServerNotStarted = errors.New("server not started")

	// ErrServerAlreadyStarted is returned when starting a running server.
	ErrServerAlreadyStarted = errors.New("server already started")
)

// readPollInterval bounds how long a read loop blocks before re-checking the
// disposed flag and cancellation. It trades a little wake-up latency for not
// spinning when the peer is idle.
const readPollInterval = 500 * time.Millisecond

// tlsHandshakeTimeout caps the server-side handshake for a freshly accepted
// socket.
const tlsHandshakeTimeout = 10 * time.Second

// ServerHandlers is the callback registry a consumer attaches to the server
// handler. Nil callbacks are skipped. OnError may be invoked with a nil
// connection for listener-level failures.
type ServerHandlers struct {
	OnConnected    func(conn *Connection)
	OnDisconnected func(conn *Connection)
	OnReceive      func(conn *Connection, raw []byte, p packet.Packet)
	OnSent         func(conn *Connection, raw []byte)
	OnError        func(conn *Connection, err error)
	OnServerStop   func()
}

// ServerConfig carries the listener parameters.
type ServerConfig struct {
	// Address in "host:port" form.
	Address string

	// Delimiter separating logical messages on the wire.
	Delimiter []byte

	// MaxConnections rejects accepted sockets beyond this count.
	// Zero or negative means no limit.
	MaxConnections int

	// TLS, when non-nil, wraps every accepted socket and requires a
	// completed handshake before the read loop starts.
	TLS *tls.Config

	Logger *slog.Logger
}

// Server owns the listening socket and one read loop per accepted
// connection. Per-connection I/O failures terminate only that connection's
// loop; the accept loop and sibling connections are unaffected.
type Server struct {
	config   ServerConfig
	delim    []byte
	logger   *slog.Logger
	handlers ServerHandlers

	listener  net.Listener
	running   atomic.Bool
	connCount atomic.Int64
	ctx       context.Context
	cancel    context.CancelFunc
	acceptWg  sync.WaitGroup
	stopOnce  *sync.Once
}

// NewServer creates a server handler. Handlers must be attached with
// SetHandlers before Start.
func NewServer(config ServerConfig) *Server {
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	delim := config.Delimiter
	if len(delim) == 0 {
		delim = []byte("\r\n")
	}
	return &Server{
		config: config,
		delim:  delim,
		logger: logger.With(slog.String("component", "tcp_server")),
	}
}

// SetHandlers attaches the event callbacks. Must be called before Start.
func (s *Server) SetHandlers(h ServerHandlers) {
	s.handlers = h
}

// Delimiter returns the wire delimiter in use.
func (s *Server) Delimiter() []byte {
	return s.delim
}

// IsRunning reports whether the server is accepting connections.
func (s *Server) IsRunning() bool {
	return s.running.Load()
}

// ConnectionCount returns the number of live accepted connections.
func (s *Server) ConnectionCount() int64 {
	return s.connCount.Load()
}

// Addr returns the bound listener address, or the configured address when
// not listening.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.config.Address
}

// Start binds the listener and launches the accept loop. A bind failure is
// surfaced through OnError and returned; the server stays stopped and Start
// may be called again. Cancelling ctx stops the server.
func (s *Server) Start(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return ErrServerAlreadyStarted
	}

	listener, err := net.Listen("tcp", s.config.Address)
	if err != nil {
		s.running.Store(false)
		s.logger.Error("failed to bind listener", slog.String("address", s.config.Address), slog.Any("error", err))
		if s.handlers.OnError != nil {
			s.handlers.OnError(nil, err)
		}
		return err
	}

	s.listener = listener
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.stopOnce = new(sync.Once)

	s.logger.Info("server listening", slog.String("address", listener.Addr().String()))

	s.acceptWg.Add(1)
	go s.acceptLoop()

	// Stop automatically when the caller's context ends.
	go func() {
		<-s.ctx.Done()
		_ = s.Stop()
	}()

	return nil
}

// Stop closes the listening socket and emits the server-stop event. Accepted
// connections are left open; closing them individually is the caller's
// responsibility. The server may be started again afterwards.
func (s *Server) Stop() error {
	if !s.running.Load() {
		return ErrServerNotStarted
	}

	var stopErr error
	s.stopOnce.Do(func() {
		s.cancel()
		if err := s.listener.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			stopErr = err
		}
		s.acceptWg.Wait()
		s.running.Store(false)
		s.logger.Info("server stopped")
		if s.handlers.OnServerStop != nil {
			s.handlers.OnServerStop()
		}
	})
	return stopErr
}

func (s *Server) acceptLoop() {
	defer s.acceptWg.Done()

	for {
		raw, err := s.listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			select {
			case <-s.ctx.Done():
				return
			default:
			}
			s.logger.Error("accept failed", slog.Any("error", err))
			if s.handlers.OnError != nil {
				s.handlers.OnError(nil, err)
			}
			continue
		}

		if s.config.MaxConnections > 0 && s.connCount.Load() >= int64(s.config.MaxConnections) {
			s.logger.Warn("max connections reached, rejecting", slog.String("remote", raw.RemoteAddr().String()))
			_ = raw.Close()
			continue
		}

		go s.handleAccepted(raw)
	}
}

// handleAccepted finishes connection setup (TLS handshake when configured)
// off the accept loop so a slow handshake cannot stall other peers.
func (s *Server) handleAccepted(raw net.Conn) {
	secure := false
	conn := raw

	if s.config.TLS != nil {
		tlsConn := tls.Server(raw, s.config.TLS)
		hsCtx, cancel := context.WithTimeout(s.ctx, tlsHandshakeTimeout)
		err := tlsConn.HandshakeContext(hsCtx)
		cancel()
		if err != nil {
			s.logger.Warn("tls handshake failed", slog.String("remote", raw.RemoteAddr().String()), slog.Any("error", err))
			_ = raw.Close()
			if s.handlers.OnError != nil {
				s.handlers.OnError(nil, err)
			}
			return
		}
		conn = tlsConn
		secure = true
	}

	c := NewConnection(conn, secure)
	s.connCount.Add(1)

	s.logger.Info("connection accepted",
		slog.String("connID", c.ID().String()),
		slog.String("remote", conn.RemoteAddr().String()),
		slog.Bool("secure", secure),
	)

	if s.handlers.OnConnected != nil {
		s.handlers.OnConnected(c)
	}

	go s.readLoop(c)
}

// readLoop drives the framer over incoming bytes for one connection. Bytes
// are read and framed sequentially here, which is what preserves per
// connection message ordering.
func (s *Server) readLoop(c *Connection) {
	for {
		if c.Disposed() {
			return
		}

		_ = c.setReadDeadline(time.Now().Add(readPollInterval))
		n, err := c.read()
		if n > 0 {
			c.buffer.Feed(c.scratch[:n])
			for _, msg := range c.buffer.Extract(s.delim) {
				if s.handlers.OnReceive != nil {
					s.handlers.OnReceive(c, msg, packet.Decode(msg))
				}
			}
		}
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			if c.Disposed() {
				return
			}
			if !errors.Is(err, net.ErrClosed) && !errors.Is(err, io.EOF) {
				if s.handlers.OnError != nil {
					s.handlers.OnError(c, err)
				}
			}
			s.DisconnectClient(c)
			return
		}
	}
}

// Send encodes a structured packet and writes it to the target connection.
// A write failure disconnects that connection and is returned to the caller;
// the server keeps running.
func (s *Server) Send(ctx context.Context, c *Connection, p packet.Packet) error {
	b, err := packet.Encode(p, s.delim)
	if err != nil {
		return err
	}
	return s.write(ctx, c, b)
}

// SendRaw writes plain text plus the delimiter, bypassing the structured
// codec.
func (s *Server) SendRaw(ctx context.Context, c *Connection, msg string) error {
	return s.write(ctx, c, packet.EncodeRaw(msg, s.delim))
}

func (s *Server) write(ctx context.Context, c *Connection, b []byte) error {
	if err := c.Write(ctx, b); err != nil {
		s.logger.Warn("write failed, disconnecting",
			slog.String("connID", c.ID().String()),
			slog.Any("error", err),
		)
		if s.handlers.OnError != nil {
			s.handlers.OnError(c, err)
		}
		s.DisconnectClient(c)
		return err
	}
	if s.handlers.OnSent != nil {
		s.handlers.OnSent(c, b)
	}
	return nil
}

// DisconnectClient forcibly closes one connection. Idempotent: concurrent
// and repeated calls collapse to a single teardown and a single
// OnDisconnected event.
func (s *Server) DisconnectClient(c *Connection) bool {
	if !c.dispose() {
		return false
	}
	s.connCount.Add(-1)
	s.logger.Info("connection closed", slog.String("connID", c.ID().String()))
	if s.handlers.OnDisconnected != nil {
		s.handlers.OnDisconnected(c)
	}
	return true
}
