// Package server is the session orchestrator: it consumes the raw transport
// events, owns the connection registry, runs the authorization handshake and
// the keepalive watchdog, and exposes an auth-aware event and send surface to
// the application.
package server

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/gulars/tcplink/pkg/identity"
	"github.com/gulars/tcplink/pkg/packet"
	"github.com/gulars/tcplink/pkg/state"
	"github.com/gulars/tcplink/pkg/state/statemanager"
	"github.com/gulars/tcplink/pkg/transport"
)

// ErrUnknownConnection is returned by the send surface when the target
// connection is not tracked by the registry.
var ErrUnknownConnection = errors.New("unknown connection")

// ErrUnknownUser is returned when sending to a user with no live identity.
var ErrUnknownUser = errors.New("unknown user")

// Default control payloads and notices.
const (
	DefaultSuccessNotice      = "Connection successful."
	DefaultUnauthorizedNotice = "Connection not authorized."
	DefaultRateLimitNotice    = "Rate limit exceeded."
	pingTimeoutNotice         = "No ping response - disconnected."
	defaultPing               = "ping"
	defaultPong               = "pong"
)

// Connection limit modes.
const (
	LimitModeReject = "reject"
	LimitModeCycle  = "cycle"
)

// KeepaliveOptions configures the watchdog. Interval zero disables it even
// when Enabled is set.
type KeepaliveOptions struct {
	Enabled  bool
	Interval time.Duration
	Ping     string
	Pong     string
}

// RateLimitOptions configures the per-connection inbound token bucket.
type RateLimitOptions struct {
	Enabled           bool
	MessagesPerSecond float64
	Burst             int
}

// ConnectionLimitOptions caps live connections per user. Mode "reject" turns
// the newcomer away; mode "cycle" closes the user's oldest connection to make
// room.
type ConnectionLimitOptions struct {
	MaxPerUser int
	Mode       string
}

// Options wires the orchestrator together. Resolver is mandatory; everything
// else has working defaults.
type Options struct {
	Transport transport.ServerConfig
	Resolver  identity.Resolver

	SuccessNotice      string
	UnauthorizedNotice string

	Keepalive       KeepaliveOptions
	RateLimit       RateLimitOptions
	ConnectionLimit ConnectionLimitOptions

	Logger *slog.Logger
}

// Events is the auth-aware callback registry. UserID is empty for
// connections that were never authorized. Nil callbacks are skipped.
type Events struct {
	OnUnauthorizedConnected func(conn *transport.Connection)
	OnAuthorized            func(userID string, conn *transport.Connection)
	OnDisconnected          func(userID string, conn *transport.Connection)
	OnReceive               func(userID string, conn *transport.Connection, raw []byte, p packet.Packet)
	OnError                 func(conn *transport.Connection, err error)
	OnServerStop            func()
}

// App glues the transport server, the registry, the resolver and the
// watchdog into one authorized-session surface.
type App struct {
	opts     Options
	logger   *slog.Logger
	server   *transport.Server
	registry state.Manager
	resolver identity.Resolver
	watchdog *Watchdog
	events   Events

	limitMu  sync.Mutex
	limiters map[uuid.UUID]*rate.Limiter
}

// NewApp builds the orchestrator and attaches itself to the transport
// server's event hooks.
func NewApp(opts Options) *App {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if opts.SuccessNotice == "" {
		opts.SuccessNotice = DefaultSuccessNotice
	}
	if opts.UnauthorizedNotice == "" {
		opts.UnauthorizedNotice = DefaultUnauthorizedNotice
	}
	if opts.Keepalive.Ping == "" {
		opts.Keepalive.Ping = defaultPing
	}
	if opts.Keepalive.Pong == "" {
		opts.Keepalive.Pong = defaultPong
	}
	if opts.ConnectionLimit.Mode == "" {
		opts.ConnectionLimit.Mode = LimitModeReject
	}
	if opts.Transport.Logger == nil {
		opts.Transport.Logger = logger
	}

	app := &App{
		opts:     opts,
		logger:   logger.With(slog.String("component", "orchestrator")),
		registry: statemanager.NewInMemoryManager(logger),
		resolver: opts.Resolver,
		limiters: make(map[uuid.UUID]*rate.Limiter),
	}
	app.server = transport.NewServer(opts.Transport)
	app.server.SetHandlers(transport.ServerHandlers{
		OnConnected:    app.onConnected,
		OnDisconnected: app.onDisconnected,
		OnReceive:      app.onReceive,
		OnError:        app.onError,
		OnServerStop:   app.onServerStop,
	})
	if opts.Keepalive.Enabled && opts.Keepalive.Interval > 0 {
		app.watchdog = NewWatchdog(logger, app, opts.Keepalive)
	}
	return app
}

// SetEvents attaches the application callbacks. Must be called before Start.
func (a *App) SetEvents(e Events) {
	a.events = e
}

// Registry exposes the connection registry for read-side queries.
func (a *App) Registry() state.Manager {
	return a.registry
}

// Addr returns the transport listener address.
func (a *App) Addr() string {
	return a.server.Addr()
}

// Start binds the listener and, when configured, starts the watchdog.
func (a *App) Start(ctx context.Context) error {
	if err := a.server.Start(ctx); err != nil {
		return err
	}
	if a.watchdog != nil {
		a.watchdog.Start()
	}
	return nil
}

// Run starts the app and blocks until ctx is cancelled, then shuts down.
func (a *App) Run(ctx context.Context) error {
	if err := a.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	a.Shutdown()
	return nil
}

// Shutdown stops the watchdog and the listener, then closes every tracked
// connection.
func (a *App) Shutdown() {
	if a.watchdog != nil {
		a.watchdog.Stop()
	}
	_ = a.server.Stop()

	// DisconnectClient routes through the disconnect handler, which
	// detaches each registry record.
	for _, conn := range a.registry.ListUnauthorizedConnections() {
		a.server.DisconnectClient(conn.Transport)
	}
	for _, ident := range a.registry.ListAuthorizedIdentities() {
		for _, conn := range ident.ConnectionList() {
			a.server.DisconnectClient(conn.Transport)
		}
	}
	a.logger.Info("orchestrator shut down")
}

// --- Transport event handlers ---

func (a *App) onConnected(conn *transport.Connection) {
	if a.opts.RateLimit.Enabled {
		a.limitMu.Lock()
		a.limiters[conn.ID()] = rate.NewLimiter(rate.Limit(a.opts.RateLimit.MessagesPerSecond), a.opts.RateLimit.Burst)
		a.limitMu.Unlock()
	}

	a.registry.AddUnauthorized(conn)
	if a.events.OnUnauthorizedConnected != nil {
		a.events.OnUnauthorizedConnected(conn)
	}
}

func (a *App) onDisconnected(conn *transport.Connection) {
	connID := conn.ID()

	a.limitMu.Lock()
	delete(a.limiters, connID)
	a.limitMu.Unlock()

	userID := ""
	if ident, ok := a.registry.GetIdentityByConnection(connID); ok {
		userID = ident.UserID
		a.registry.RemoveAuthorized(connID)
	} else if a.registry.IsUnauthorized(connID) {
		a.registry.RemoveUnauthorized(connID, false)
	}

	if a.events.OnDisconnected != nil {
		a.events.OnDisconnected(userID, conn)
	}
}

func (a *App) onReceive(conn *transport.Connection, raw []byte, p packet.Packet) {
	if conn.Disposed() {
		// Trailing messages from a batch whose connection was already
		// torn down.
		return
	}
	connID := conn.ID()

	if !a.allowMessage(connID) {
		a.logger.Warn("rate limit exceeded", slog.String("connID", connID.String()))
		// Best effort; the socket closes right after.
		_ = a.server.SendRaw(context.Background(), conn, DefaultRateLimitNotice)
		a.server.DisconnectClient(conn)
		return
	}

	if a.registry.IsUnauthorized(connID) {
		a.handleHandshake(conn, raw)
		return
	}

	if a.isPong(raw, p) {
		a.registry.ClearPinged(connID)
		return
	}

	userID := ""
	if ident, ok := a.registry.GetIdentityByConnection(connID); ok {
		userID = ident.UserID
	}
	if a.events.OnReceive != nil {
		a.events.OnReceive(userID, conn, raw, p)
	}
}

func (a *App) onError(conn *transport.Connection, err error) {
	if a.events.OnError != nil {
		a.events.OnError(conn, err)
	}
}

func (a *App) onServerStop() {
	if a.events.OnServerStop != nil {
		a.events.OnServerStop()
	}
}

func (a *App) allowMessage(connID uuid.UUID) bool {
	if !a.opts.RateLimit.Enabled {
		return true
	}
	a.limitMu.Lock()
	limiter, ok := a.limiters[connID]
	a.limitMu.Unlock()
	if !ok {
		return true
	}
	return limiter.Allow()
}

// isPong matches the keepalive answer either as raw text or inside a
// structured packet's data field, case-insensitive and trimmed.
func (a *App) isPong(raw []byte, p packet.Packet) bool {
	pong := a.opts.Keepalive.Pong
	if strings.EqualFold(strings.TrimSpace(string(raw)), pong) {
		return true
	}
	return strings.EqualFold(strings.TrimSpace(p.Data), pong)
}

// --- Send surface ---

// SendToConnection delivers one packet to one tracked connection.
func (a *App) SendToConnection(ctx context.Context, connID uuid.UUID, p packet.Packet) error {
	conn, ok := a.registry.GetConnection(connID)
	if !ok {
		return ErrUnknownConnection
	}
	return a.server.Send(ctx, conn.Transport, p)
}

// SendRawToConnection delivers plain text to one tracked connection.
func (a *App) SendRawToConnection(ctx context.Context, connID uuid.UUID, msg string) error {
	conn, ok := a.registry.GetConnection(connID)
	if !ok {
		return ErrUnknownConnection
	}
	return a.server.SendRaw(ctx, conn.Transport, msg)
}

// SendToUser delivers one packet to every connection of the user's identity.
// The first write error is returned after all deliveries are attempted.
func (a *App) SendToUser(ctx context.Context, userID string, p packet.Packet) error {
	ident, ok := a.registry.GetIdentity(userID)
	if !ok {
		return ErrUnknownUser
	}
	var firstErr error
	for _, conn := range ident.ConnectionList() {
		if err := a.server.Send(ctx, conn.Transport, p); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// SendRawToUser delivers plain text to every connection of the user's
// identity.
func (a *App) SendRawToUser(ctx context.Context, userID string, msg string) error {
	ident, ok := a.registry.GetIdentity(userID)
	if !ok {
		return ErrUnknownUser
	}
	var firstErr error
	for _, conn := range ident.ConnectionList() {
		if err := a.server.SendRaw(ctx, conn.Transport, msg); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// BroadcastToAllAuthorized delivers one packet to every authorized
// connection. Write failures disconnect the affected connection and do not
// stop the broadcast.
func (a *App) BroadcastToAllAuthorized(ctx context.Context, p packet.Packet) {
	a.broadcast(ctx, p, uuid.Nil)
}

// BroadcastToAllAuthorizedExcept delivers one packet to every authorized
// connection except the given one.
func (a *App) BroadcastToAllAuthorizedExcept(ctx context.Context, p packet.Packet, exceptConnID uuid.UUID) {
	a.broadcast(ctx, p, exceptConnID)
}

func (a *App) broadcast(ctx context.Context, p packet.Packet, exceptConnID uuid.UUID) {
	for _, ident := range a.registry.ListAuthorizedIdentities() {
		for _, conn := range ident.ConnectionList() {
			if conn.ID == exceptConnID {
				continue
			}
			_ = a.server.Send(ctx, conn.Transport, p)
		}
	}
}
