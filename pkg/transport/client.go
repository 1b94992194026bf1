package transport

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"io"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/gulars/tcplink/pkg/packet"
)

// ErrNotConnected is returned by Send when the client has no live connection.
var ErrNotConnected = errors.New("client not connected")

const defaultConnectTimeout = 10 * time.Second

// ClientHandlers is the callback registry a consumer attaches to the client
// handler. Nil callbacks are skipped.
type ClientHandlers struct {
	OnConnected    func(conn *Connection)
	OnDisconnected func(conn *Connection)
	OnReceive      func(conn *Connection, raw []byte, p packet.Packet)
	OnSent         func(conn *Connection, raw []byte)
	OnError        func(conn *Connection, err error)
}

// ClientConfig carries the dial parameters and the reserved control
// payloads. Zero values fall back to the protocol defaults: delimiter
// "\r\n", ping/pong sentinels "ping"/"pong", disconnect sentinel {0x03}.
type ClientConfig struct {
	Address   string
	Delimiter []byte

	// Token, when set, is sent as the first message after a successful
	// connect (the auth handshake credential, e.g. "oauth:<token>").
	Token string

	// UsePingPong enables interception of the ping sentinel: the client
	// answers with the pong sentinel and never surfaces the ping to the
	// application.
	UsePingPong bool
	Ping        string
	Pong        string

	// UseDisconnectSentinel enables both transmitting the sentinel before
	// a local disconnect and treating an incoming sentinel as a clean
	// remote-initiated teardown.
	UseDisconnectSentinel bool
	DisconnectSentinel    []byte

	// TLS, when non-nil, upgrades the dialed socket. The handshake must
	// complete (server authenticated, stream encrypted) before Connect
	// reports success; on failure no partial connection state is kept.
	TLS *tls.Config

	ConnectTimeout time.Duration
	Logger         *slog.Logger
}

// Client is the connect-and-pump side of the protocol: at most one active
// connection per handler instance, a framer-driven read loop, and automatic
// handling of the disconnect and ping/pong sentinels.
type Client struct {
	config   ClientConfig
	delim    []byte
	logger   *slog.Logger
	handlers ClientHandlers

	mu   sync.Mutex
	conn *Connection
}

// NewClient creates a client handler. Handlers must be attached with
// SetHandlers before Connect.
func NewClient(config ClientConfig) *Client {
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if len(config.Delimiter) == 0 {
		config.Delimiter = []byte("\r\n")
	}
	if config.UsePingPong {
		if config.Ping == "" {
			config.Ping = "ping"
		}
		if config.Pong == "" {
			config.Pong = "pong"
		}
	}
	if config.UseDisconnectSentinel && len(config.DisconnectSentinel) == 0 {
		config.DisconnectSentinel = []byte{0x03}
	}
	if config.ConnectTimeout == 0 {
		config.ConnectTimeout = defaultConnectTimeout
	}
	return &Client{
		config: config,
		delim:  config.Delimiter,
		logger: logger.With(slog.String("component", "tcp_client")),
	}
}

// SetHandlers attaches the event callbacks. Must be called before Connect.
func (c *Client) SetHandlers(h ClientHandlers) {
	c.handlers = h
}

// IsConnected reports whether the client holds a live connection.
func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil && !c.conn.Disposed()
}

// Connection returns the current connection, or nil when disconnected.
func (c *Client) Connection() *Connection {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn
}

// Connect dials the configured address. An existing connection is
// disconnected first, guaranteeing at most one active connection per handler.
// With TLS configured the handshake must succeed before the session is
// accepted. On success the read loop starts and, if a token is configured, it
// is sent immediately.
func (c *Client) Connect(ctx context.Context) error {
	if c.IsConnected() {
		_ = c.Disconnect(ctx)
	}

	dialer := net.Dialer{Timeout: c.config.ConnectTimeout}
	raw, err := dialer.DialContext(ctx, "tcp", c.config.Address)
	if err != nil {
		c.logger.Error("dial failed", slog.String("address", c.config.Address), slog.Any("error", err))
		if c.handlers.OnError != nil {
			c.handlers.OnError(nil, err)
		}
		return err
	}

	secure := false
	conn := raw
	if c.config.TLS != nil {
		tlsConn := tls.Client(raw, c.config.TLS)
		hsCtx, cancel := context.WithTimeout(ctx, c.config.ConnectTimeout)
		err := tlsConn.HandshakeContext(hsCtx)
		cancel()
		if err != nil {
			_ = raw.Close()
			c.logger.Error("tls handshake failed", slog.Any("error", err))
			if c.handlers.OnError != nil {
				c.handlers.OnError(nil, err)
			}
			return err
		}
		conn = tlsConn
		secure = true
	}

	cc := NewConnection(conn, secure)
	c.mu.Lock()
	c.conn = cc
	c.mu.Unlock()

	c.logger.Info("connected",
		slog.String("connID", cc.ID().String()),
		slog.String("address", c.config.Address),
		slog.Bool("secure", secure),
	)

	if c.handlers.OnConnected != nil {
		c.handlers.OnConnected(cc)
	}

	go c.readLoop(cc)

	if c.config.Token != "" {
		if err := c.Send(ctx, c.config.Token); err != nil {
			return err
		}
	}
	return nil
}

// Disconnect tears down the current connection. Guarded by the connection's
// disposed flag: concurrent callers collapse to one teardown and exactly one
// OnDisconnected event. When the disconnect sentinel is enabled it is
// transmitted best-effort before the socket closes.
func (c *Client) Disconnect(ctx context.Context) error {
	c.mu.Lock()
	cc := c.conn
	c.mu.Unlock()
	if cc == nil {
		return nil
	}

	if c.config.UseDisconnectSentinel && !cc.Disposed() {
		// Best effort; the peer may already be gone.
		_ = cc.Write(ctx, append(append([]byte(nil), c.config.DisconnectSentinel...), c.delim...))
	}

	if cc.dispose() {
		c.logger.Info("disconnected", slog.String("connID", cc.ID().String()))
		if c.handlers.OnDisconnected != nil {
			c.handlers.OnDisconnected(cc)
		}
	}

	c.mu.Lock()
	if c.conn == cc {
		c.conn = nil
	}
	c.mu.Unlock()
	return nil
}

// Send writes a text message plus the delimiter. Empty or whitespace-only
// messages succeed without writing. A write failure disconnects and is
// returned.
func (c *Client) Send(ctx context.Context, msg string) error {
	if strings.TrimSpace(msg) == "" {
		return nil
	}
	return c.write(ctx, packet.EncodeRaw(msg, c.delim))
}

// SendBytes writes a raw byte message plus the delimiter. Messages with no
// non-zero byte succeed without writing.
func (c *Client) SendBytes(ctx context.Context, msg []byte) error {
	nonZero := false
	for _, b := range msg {
		if b != 0 {
			nonZero = true
			break
		}
	}
	if !nonZero {
		return nil
	}
	return c.write(ctx, append(append([]byte(nil), msg...), c.delim...))
}

// SendPacket encodes a structured packet and writes it.
func (c *Client) SendPacket(ctx context.Context, p packet.Packet) error {
	b, err := packet.Encode(p, c.delim)
	if err != nil {
		return err
	}
	return c.write(ctx, b)
}

func (c *Client) write(ctx context.Context, b []byte) error {
	c.mu.Lock()
	cc := c.conn
	c.mu.Unlock()
	if cc == nil || cc.Disposed() {
		return ErrNotConnected
	}

	if err := cc.Write(ctx, b); err != nil {
		c.logger.Warn("write failed, disconnecting", slog.Any("error", err))
		if c.handlers.OnError != nil {
			c.handlers.OnError(cc, err)
		}
		_ = c.Disconnect(ctx)
		return err
	}
	if c.handlers.OnSent != nil {
		c.handlers.OnSent(cc, b)
	}
	return nil
}

// readLoop mirrors the server side: sequential reads feed the framer, and
// each extracted message passes the sentinel checks in fixed order:
// disconnect sentinel, then ping, then application dispatch.
func (c *Client) readLoop(cc *Connection) {
	for {
		if cc.Disposed() {
			return
		}

		_ = cc.setReadDeadline(time.Now().Add(readPollInterval))
		n, err := cc.read()
		if n > 0 {
			cc.buffer.Feed(cc.scratch[:n])
			for _, msg := range cc.buffer.Extract(c.delim) {
				if !c.handleMessage(cc, msg) {
					return
				}
			}
		}
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			if cc.Disposed() {
				return
			}
			if !errors.Is(err, net.ErrClosed) && !errors.Is(err, io.EOF) {
				if c.handlers.OnError != nil {
					c.handlers.OnError(cc, err)
				}
			}
			c.teardown(cc)
			return
		}
	}
}

// handleMessage returns false when the connection was torn down and the read
// loop must exit.
func (c *Client) handleMessage(cc *Connection, msg []byte) bool {
	if c.config.UseDisconnectSentinel && bytes.Equal(msg, c.config.DisconnectSentinel) {
		// Remote-initiated clean teardown; not an error.
		c.logger.Info("disconnect sentinel received", slog.String("connID", cc.ID().String()))
		c.teardown(cc)
		return false
	}

	if c.config.UsePingPong && strings.EqualFold(strings.TrimSpace(string(msg)), c.config.Ping) {
		// Answer the keepalive before anything reaches the application.
		_ = c.Send(context.Background(), c.config.Pong)
		return true
	}

	if c.handlers.OnReceive != nil {
		c.handlers.OnReceive(cc, msg, packet.Decode(msg))
	}
	return true
}

// teardown is the local close path for peer-initiated endings: no disconnect
// sentinel is transmitted back.
func (c *Client) teardown(cc *Connection) {
	if cc.dispose() {
		c.logger.Info("connection ended", slog.String("connID", cc.ID().String()))
		if c.handlers.OnDisconnected != nil {
			c.handlers.OnDisconnected(cc)
		}
	}
	c.mu.Lock()
	if c.conn == cc {
		c.conn = nil
	}
	c.mu.Unlock()
}
