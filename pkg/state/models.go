package state

import (
	"time"

	"github.com/google/uuid"

	"github.com/gulars/tcplink/pkg/transport"
)

// Connection is the registry's record for a single tracked socket.
type Connection struct {
	ID        uuid.UUID
	Transport *transport.Connection
	CreatedAt time.Time

	// UserID is empty while the connection is unauthorized.
	UserID string

	// HasBeenPinged is set when the watchdog pings this connection and
	// cleared when the pong arrives. Mutated only through the Manager.
	HasBeenPinged bool
}

// Identity is an authenticated user's logical session, spanning every
// connection that presented that user's credential. Instances returned by
// Manager methods are snapshots; mutate registry state only through Manager
// operations.
type Identity struct {
	UserID      string
	Connections map[uuid.UUID]*Connection
}

// ConnectionList returns the identity's connections as a slice. Order is not
// specified.
func (i *Identity) ConnectionList() []*Connection {
	conns := make([]*Connection, 0, len(i.Connections))
	for _, c := range i.Connections {
		conns = append(conns, c)
	}
	return conns
}
