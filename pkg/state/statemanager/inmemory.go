package statemanager

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/gulars/tcplink/pkg/state"
	"github.com/gulars/tcplink/pkg/transport"
)

// InMemoryManager keeps the whole registry in process memory under a single
// mutex. Every add/remove/move is exclusive; lookups return snapshots so
// callers never observe a half-applied move.
type InMemoryManager struct {
	mu sync.RWMutex

	// conns tracks every socket, pending or authorized.
	conns      map[uuid.UUID]*state.Connection
	pending    map[uuid.UUID]*state.Connection
	identities map[string]*state.Identity
	byConn     map[uuid.UUID]string // connID -> userID for authorized sockets

	logger *slog.Logger
}

func NewInMemoryManager(logger *slog.Logger) *InMemoryManager {
	return &InMemoryManager{
		conns:      make(map[uuid.UUID]*state.Connection),
		pending:    make(map[uuid.UUID]*state.Connection),
		identities: make(map[string]*state.Identity),
		byConn:     make(map[uuid.UUID]string),
		logger:     logger.With(slog.String("component", "state_manager_inmemory")),
	}
}

// compile-time check to ensure InMemoryManager implements Manager.
var _ state.Manager = (*InMemoryManager)(nil)

func (m *InMemoryManager) AddUnauthorized(conn *transport.Connection) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	connID := conn.ID()
	if _, exists := m.conns[connID]; exists {
		return false
	}
	record := &state.Connection{
		ID:        connID,
		Transport: conn,
		CreatedAt: time.Now(),
	}
	m.conns[connID] = record
	m.pending[connID] = record
	m.logger.Debug("connection tracked as unauthorized", slog.String("connID", connID.String()))
	return true
}

func (m *InMemoryManager) RemoveUnauthorized(connID uuid.UUID, closeConn bool) {
	m.mu.Lock()
	record, ok := m.pending[connID]
	if ok {
		delete(m.pending, connID)
		delete(m.conns, connID)
	}
	m.mu.Unlock()

	if ok && closeConn {
		_ = record.Transport.Close()
	}
	if ok {
		m.logger.Debug("unauthorized connection removed", slog.String("connID", connID.String()))
	}
}

func (m *InMemoryManager) IsUnauthorized(connID uuid.UUID) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.pending[connID]
	return ok
}

func (m *InMemoryManager) IsAuthorized(connID uuid.UUID) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.byConn[connID]
	return ok
}

func (m *InMemoryManager) AddAuthorized(userID string, conn *transport.Connection) (*state.Identity, error) {
	if userID == "" {
		return nil, errors.New("cannot authorize with an empty user id")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	connID := conn.ID()
	if _, already := m.byConn[connID]; already {
		return nil, errors.New("connection is already authorized")
	}

	record, tracked := m.conns[connID]
	if !tracked {
		record = &state.Connection{
			ID:        connID,
			Transport: conn,
			CreatedAt: time.Now(),
		}
		m.conns[connID] = record
	}
	// Moving out of the pending set and into the identity is one atomic
	// step, which is what keeps the exactly-one-set invariant.
	delete(m.pending, connID)

	identity, exists := m.identities[userID]
	if !exists {
		identity = &state.Identity{
			UserID:      userID,
			Connections: make(map[uuid.UUID]*state.Connection),
		}
		m.identities[userID] = identity
		m.logger.Debug("identity created", slog.String("userID", userID))
	}

	record.UserID = userID
	record.HasBeenPinged = false
	identity.Connections[connID] = record
	m.byConn[connID] = userID

	m.logger.Debug("connection authorized",
		slog.String("connID", connID.String()),
		slog.String("userID", userID),
	)
	return snapshotIdentity(identity), nil
}

func (m *InMemoryManager) RemoveAuthorized(connID uuid.UUID) {
	m.mu.Lock()
	defer m.mu.Unlock()

	userID, ok := m.byConn[connID]
	if !ok {
		return
	}
	delete(m.byConn, connID)
	delete(m.conns, connID)

	identity, ok := m.identities[userID]
	if !ok {
		return
	}
	delete(identity.Connections, connID)
	if len(identity.Connections) == 0 {
		delete(m.identities, userID)
		m.logger.Debug("identity removed, last connection gone", slog.String("userID", userID))
	}
	m.logger.Debug("connection deauthorized",
		slog.String("connID", connID.String()),
		slog.String("userID", userID),
	)
}

func (m *InMemoryManager) GetConnection(connID uuid.UUID) (*state.Connection, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	record, ok := m.conns[connID]
	return record, ok
}

func (m *InMemoryManager) GetIdentity(userID string) (*state.Identity, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	identity, ok := m.identities[userID]
	if !ok {
		return nil, false
	}
	return snapshotIdentity(identity), true
}

func (m *InMemoryManager) GetIdentityByConnection(connID uuid.UUID) (*state.Identity, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	userID, ok := m.byConn[connID]
	if !ok {
		return nil, false
	}
	identity, ok := m.identities[userID]
	if !ok {
		return nil, false
	}
	return snapshotIdentity(identity), true
}

func (m *InMemoryManager) ListAuthorizedIdentities() []*state.Identity {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*state.Identity, 0, len(m.identities))
	for _, identity := range m.identities {
		out = append(out, snapshotIdentity(identity))
	}
	return out
}

func (m *InMemoryManager) ListUnauthorizedConnections() []*state.Connection {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*state.Connection, 0, len(m.pending))
	for _, record := range m.pending {
		out = append(out, record)
	}
	return out
}

func (m *InMemoryManager) ConnectionCount(userID string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	identity, ok := m.identities[userID]
	if !ok {
		return 0
	}
	return len(identity.Connections)
}

func (m *InMemoryManager) FindOldestConnection(userID string) (*state.Connection, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	identity, ok := m.identities[userID]
	if !ok {
		return nil, false
	}

	var oldest *state.Connection
	for _, conn := range identity.Connections {
		if oldest == nil || conn.CreatedAt.Before(oldest.CreatedAt) {
			oldest = conn
		}
	}
	if oldest == nil {
		return nil, false
	}
	return oldest, true
}

func (m *InMemoryManager) MarkPinged(connID uuid.UUID) (alreadyPinged bool, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	userID, authorized := m.byConn[connID]
	if !authorized {
		return false, false
	}
	identity, exists := m.identities[userID]
	if !exists {
		return false, false
	}
	record, exists := identity.Connections[connID]
	if !exists {
		return false, false
	}

	alreadyPinged = record.HasBeenPinged
	record.HasBeenPinged = true
	return alreadyPinged, true
}

func (m *InMemoryManager) ClearPinged(connID uuid.UUID) {
	m.mu.Lock()
	defer m.mu.Unlock()

	userID, authorized := m.byConn[connID]
	if !authorized {
		return
	}
	if identity, exists := m.identities[userID]; exists {
		if record, exists := identity.Connections[connID]; exists {
			record.HasBeenPinged = false
		}
	}
}

// snapshotIdentity copies the identity's connection map so callers can
// iterate without holding the registry lock. Connection records themselves
// stay owned by the manager.
func snapshotIdentity(identity *state.Identity) *state.Identity {
	conns := make(map[uuid.UUID]*state.Connection, len(identity.Connections))
	for id, c := range identity.Connections {
		conns[id] = c
	}
	return &state.Identity{UserID: identity.UserID, Connections: conns}
}
