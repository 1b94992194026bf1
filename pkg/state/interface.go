package state

import (
	"github.com/google/uuid"

	"github.com/gulars/tcplink/pkg/transport"
)

// Manager is the process-wide connection registry. It is the single owner of
// Connection and Identity records; every component holding connection or
// user identifiers goes through these operations to read or mutate them.
//
// Invariant: a tracked socket belongs to exactly one of the unauthorized set
// or one identity's connection set, never both and never neither while
// logically connected. All operations are safe for concurrent use from
// accept/read loops, the watchdog, and application sends.
type Manager interface {
	// --- Unauthorized (pending) connections ---

	// AddUnauthorized starts tracking a freshly accepted socket. Returns
	// false if the socket is already tracked.
	AddUnauthorized(conn *transport.Connection) bool
	// RemoveUnauthorized stops tracking a pending socket, optionally
	// closing it.
	RemoveUnauthorized(connID uuid.UUID, closeConn bool)
	IsUnauthorized(connID uuid.UUID) bool

	// --- Authorized identities ---

	IsAuthorized(connID uuid.UUID) bool
	// AddAuthorized attaches the connection to the user's identity,
	// creating the identity if absent and removing the connection from
	// the unauthorized set if still present.
	AddAuthorized(userID string, conn *transport.Connection) (*Identity, error)
	// RemoveAuthorized detaches one connection from its identity and
	// removes the identity once its connection set is empty.
	RemoveAuthorized(connID uuid.UUID)

	// --- Lookups (returned identities are snapshots) ---

	GetConnection(connID uuid.UUID) (*Connection, bool)
	GetIdentity(userID string) (*Identity, bool)
	GetIdentityByConnection(connID uuid.UUID) (*Identity, bool)
	ListAuthorizedIdentities() []*Identity
	ListUnauthorizedConnections() []*Connection

	// --- Per-user queries ---

	ConnectionCount(userID string) int
	FindOldestConnection(userID string) (*Connection, bool)

	// --- Keepalive bookkeeping ---

	// MarkPinged records that the watchdog pinged the connection and
	// reports whether it had already been pinged without answering.
	// ok is false when the connection is not authorized.
	MarkPinged(connID uuid.UUID) (alreadyPinged bool, ok bool)
	// ClearPinged records a received pong.
	ClearPinged(connID uuid.UUID)
}
