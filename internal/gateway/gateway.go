// Package gateway is the fan-out primitive behind every relay broadcast.
// It addresses four scopes: one connection, one user (all devices), one
// room, or everyone connected. Targets are snapshotted at the instant a
// broadcast is issued and delivered without holding any shared lock, so
// membership may change mid-delivery without blocking or being missed.
package gateway

import (
	"sync"

	"github.com/rs/zerolog"

	"github.com/eldtechnologies/relay/internal/metrics"
	"github.com/eldtechnologies/relay/internal/models"
	"github.com/eldtechnologies/relay/internal/protocol"
)

// Conn is a live transport handle. Send must not block: it queues the
// payload and returns false when the queue is full or the handle closed.
type Conn interface {
	ID() string
	Send(payload []byte) bool
	Close()
}

// PresenceSource resolves a user to its live connection ids.
type PresenceSource interface {
	ConnectionIDs(userID string) []string
}

// MemberSource resolves a room to its member user ids.
type MemberSource interface {
	MembersOf(roomID string) []string
}

// Gateway owns the connection table and the identity side-table. Identity
// lives here, keyed by connection id, instead of as mutable fields on the
// transport's connection type.
type Gateway struct {
	mu         sync.RWMutex
	conns      map[string]Conn
	identities map[string]models.Identity

	presence PresenceSource
	rooms    MemberSource
	log      zerolog.Logger
}

// New creates a gateway resolving users via presence and rooms via members.
func New(presence PresenceSource, rooms MemberSource, log zerolog.Logger) *Gateway {
	return &Gateway{
		conns:      make(map[string]Conn),
		identities: make(map[string]models.Identity),
		presence:   presence,
		rooms:      rooms,
		log:        log.With().Str("component", "gateway").Logger(),
	}
}

// Register adds a connection to the table.
func (g *Gateway) Register(conn Conn) {
	g.mu.Lock()
	g.conns[conn.ID()] = conn
	g.mu.Unlock()
	metrics.ConnectionsActive.Inc()
}

// Unregister drops the connection and its identity binding.
func (g *Gateway) Unregister(connID string) {
	g.mu.Lock()
	_, existed := g.conns[connID]
	delete(g.conns, connID)
	delete(g.identities, connID)
	g.mu.Unlock()
	if existed {
		metrics.ConnectionsActive.Dec()
	}
}

// Bind attaches an authenticated identity to a connection.
func (g *Gateway) Bind(connID string, identity models.Identity) {
	g.mu.Lock()
	if _, ok := g.conns[connID]; ok {
		g.identities[connID] = identity
	}
	g.mu.Unlock()
}

// Identity returns the identity bound to a connection, if any.
func (g *Gateway) Identity(connID string) (models.Identity, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	id, ok := g.identities[connID]
	return id, ok
}

// Count returns the number of registered connections.
func (g *Gateway) Count() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.conns)
}

// send delivers to one already-resolved connection. A refused send means
// the queue is full or closed; the connection is closed and left for its
// transport goroutine to reconcile through the disconnect cascade.
func (g *Gateway) send(conn Conn, payload []byte) bool {
	metrics.BroadcastSends.Inc()
	if conn.Send(payload) {
		return true
	}
	metrics.DroppedSends.Inc()
	g.log.Warn().Str("conn_id", conn.ID()).Msg("send queue full, closing connection")
	conn.Close()
	return false
}

// ToConnection delivers to a single connection. Returns false if the
// connection is unknown or refused the payload.
func (g *Gateway) ToConnection(connID string, payload []byte) bool {
	g.mu.RLock()
	conn, ok := g.conns[connID]
	g.mu.RUnlock()
	if !ok {
		return false
	}
	return g.send(conn, payload)
}

// ToUser delivers to all of the user's live connections and returns the
// number that accepted.
func (g *Gateway) ToUser(userID string, payload []byte) int {
	return g.deliver(g.presence.ConnectionIDs(userID), payload, "")
}

// ToRoom delivers to every live connection of every room member, skipping
// excludeConn. Returns the number of deliveries accepted.
func (g *Gateway) ToRoom(roomID string, payload []byte, excludeConn string) int {
	var connIDs []string
	for _, userID := range g.rooms.MembersOf(roomID) {
		connIDs = append(connIDs, g.presence.ConnectionIDs(userID)...)
	}
	return g.deliver(connIDs, payload, excludeConn)
}

// ToAll delivers to every registered connection.
func (g *Gateway) ToAll(payload []byte) int {
	g.mu.RLock()
	conns := make([]Conn, 0, len(g.conns))
	for _, c := range g.conns {
		conns = append(conns, c)
	}
	g.mu.RUnlock()

	sent := 0
	for _, c := range conns {
		if g.send(c, payload) {
			sent++
		}
	}
	return sent
}

func (g *Gateway) deliver(connIDs []string, payload []byte, excludeConn string) int {
	if len(connIDs) == 0 {
		return 0
	}

	g.mu.RLock()
	conns := make([]Conn, 0, len(connIDs))
	for _, id := range connIDs {
		if id == excludeConn {
			continue
		}
		if c, ok := g.conns[id]; ok {
			conns = append(conns, c)
		}
	}
	g.mu.RUnlock()

	sent := 0
	for _, c := range conns {
		if g.send(c, payload) {
			sent++
		}
	}
	return sent
}

// EmitToConnection marshals an event envelope and sends it to one connection.
func (g *Gateway) EmitToConnection(connID, event string, data any) bool {
	payload, err := protocol.Marshal(event, data)
	if err != nil {
		g.log.Error().Err(err).Str("event", event).Msg("envelope marshal failed")
		return false
	}
	return g.ToConnection(connID, payload)
}

// EmitToUser marshals an event envelope and sends it to all of a user's
// connections.
func (g *Gateway) EmitToUser(userID, event string, data any) int {
	payload, err := protocol.Marshal(event, data)
	if err != nil {
		g.log.Error().Err(err).Str("event", event).Msg("envelope marshal failed")
		return 0
	}
	return g.ToUser(userID, payload)
}

// EmitToRoom marshals an event envelope and sends it to a room, skipping
// excludeConn.
func (g *Gateway) EmitToRoom(roomID, event string, data any, excludeConn string) int {
	payload, err := protocol.Marshal(event, data)
	if err != nil {
		g.log.Error().Err(err).Str("event", event).Msg("envelope marshal failed")
		return 0
	}
	return g.ToRoom(roomID, payload, excludeConn)
}

// EmitToAll marshals an event envelope and sends it to every connection.
func (g *Gateway) EmitToAll(event string, data any) int {
	payload, err := protocol.Marshal(event, data)
	if err != nil {
		g.log.Error().Err(err).Str("event", event).Msg("envelope marshal failed")
		return 0
	}
	return g.ToAll(payload)
}
