package server

import (
	"context"
	"log/slog"
	"strings"

	"github.com/gulars/tcplink/pkg/transport"
)

// authPrefix introduces the credential in the handshake message,
// case-insensitive.
const authPrefix = "oauth:"

// handleHandshake evaluates the first message from an unauthorized
// connection. The connection leaves the unauthorized set before the
// credential is looked at, so a handshake is evaluated at most once per
// socket; any failure afterwards ends in a forced close.
func (a *App) handleHandshake(conn *transport.Connection, raw []byte) {
	connID := conn.ID()
	a.registry.RemoveUnauthorized(connID, false)

	msg := strings.TrimSpace(string(raw))
	if len(msg) < len(authPrefix) || !strings.EqualFold(msg[:len(authPrefix)], authPrefix) {
		a.logger.Warn("handshake missing credential prefix", slog.String("connID", connID.String()))
		a.reject(conn)
		return
	}
	token := msg[len(authPrefix):]

	userID, err := a.resolver.ResolveUserID(context.Background(), token)
	if err != nil || userID == "" {
		a.logger.Warn("credential rejected",
			slog.String("connID", connID.String()),
			slog.Any("error", err),
		)
		a.reject(conn)
		return
	}

	if !a.enforceConnectionLimit(userID, conn) {
		return
	}

	if _, err := a.registry.AddAuthorized(userID, conn); err != nil {
		a.logger.Error("authorization bookkeeping failed",
			slog.String("connID", connID.String()),
			slog.Any("error", err),
		)
		a.reject(conn)
		return
	}

	// Best effort; a dead socket surfaces through the write path.
	_ = a.server.SendRaw(context.Background(), conn, a.opts.SuccessNotice)

	a.logger.Info("connection authorized",
		slog.String("connID", connID.String()),
		slog.String("userID", userID),
	)
	if a.events.OnAuthorized != nil {
		a.events.OnAuthorized(userID, conn)
	}
}

// reject sends the unauthorized notice best-effort and closes the socket.
func (a *App) reject(conn *transport.Connection) {
	_ = a.server.SendRaw(context.Background(), conn, a.opts.UnauthorizedNotice)
	a.server.DisconnectClient(conn)
}

// enforceConnectionLimit applies the per-user cap. Returns false when the
// newcomer was turned away.
func (a *App) enforceConnectionLimit(userID string, conn *transport.Connection) bool {
	maxPerUser := a.opts.ConnectionLimit.MaxPerUser
	if maxPerUser <= 0 {
		return true
	}
	if a.registry.ConnectionCount(userID) < maxPerUser {
		return true
	}

	if a.opts.ConnectionLimit.Mode == LimitModeCycle {
		// Make room by closing the user's oldest connection.
		if oldest, ok := a.registry.FindOldestConnection(userID); ok {
			a.logger.Info("connection limit reached, cycling oldest",
				slog.String("userID", userID),
				slog.String("connID", oldest.ID.String()),
			)
			a.server.DisconnectClient(oldest.Transport)
		}
		return true
	}

	a.logger.Warn("connection limit reached, rejecting",
		slog.String("userID", userID),
		slog.String("connID", conn.ID().String()),
	)
	a.reject(conn)
	return false
}
