package registry

import (
	"sync"

	"github.com/rs/zerolog"

	"github.com/patronus-health/consult-relay/model"
)

// Registry tracks live connections and the logical rooms they joined.
// Rooms exist only while they have members: first join creates the
// entry, last leave removes it.
type Registry struct {
	logger zerolog.Logger

	mu        sync.RWMutex
	conns     map[string]*Conn
	rooms     map[string]map[string]*Conn
	connRooms map[string]map[string]struct{}
}

func New(logger *zerolog.Logger) *Registry {
	return &Registry{
		logger:    logger.With().Str("component", "registry").Logger(),
		conns:     make(map[string]*Conn),
		rooms:     make(map[string]map[string]*Conn),
		connRooms: make(map[string]map[string]struct{}),
	}
}

func (r *Registry) Register(conn *Conn) {
	r.mu.Lock()
	r.conns[conn.ID] = conn
	r.connRooms[conn.ID] = make(map[string]struct{})
	r.mu.Unlock()

	r.logger.Debug().
		Str("connID", conn.ID).
		Str("userID", conn.Identity.ID).
		Msg("connection registered")
}

// Deregister removes the connection from every joined room and returns
// the rooms it was in so callers can run their own cleanup.
func (r *Registry) Deregister(connID string) []string {
	r.mu.Lock()
	conn, ok := r.conns[connID]
	if !ok {
		r.mu.Unlock()
		return nil
	}
	delete(r.conns, connID)

	rooms := make([]string, 0, len(r.connRooms[connID]))
	for room := range r.connRooms[connID] {
		rooms = append(rooms, room)
		r.leaveLocked(connID, room)
	}
	delete(r.connRooms, connID)
	r.mu.Unlock()

	conn.Close()
	r.logger.Debug().
		Str("connID", connID).
		Int("rooms", len(rooms)).
		Msg("connection deregistered")
	return rooms
}

func (r *Registry) Join(connID, room string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	conn, ok := r.conns[connID]
	if !ok {
		return
	}
	members := r.rooms[room]
	if members == nil {
		members = make(map[string]*Conn)
		r.rooms[room] = members
	}
	members[connID] = conn
	r.connRooms[connID][room] = struct{}{}
}

// Leave of a room the connection is not in is a no-op.
func (r *Registry) Leave(connID, room string) {
	r.mu.Lock()
	r.leaveLocked(connID, room)
	if memberships, ok := r.connRooms[connID]; ok {
		delete(memberships, room)
	}
	r.mu.Unlock()
}

// DropRoom evicts every member of a room, used to tear down a call's
// signaling scope when the negotiation completes.
func (r *Registry) DropRoom(room string) {
	r.mu.Lock()
	for connID := range r.rooms[room] {
		if memberships, ok := r.connRooms[connID]; ok {
			delete(memberships, room)
		}
	}
	delete(r.rooms, room)
	r.mu.Unlock()
}

// Broadcast delivers ev to every member of room except excludeConnID.
// Delivery is best-effort per recipient: a dead endpoint is closed and
// skipped, never allowed to stall the rest. Broadcast to a room that
// does not exist is a no-op.
func (r *Registry) Broadcast(room string, ev model.Event, excludeConnID string) int {
	r.mu.RLock()
	members := r.rooms[room]
	targets := make([]*Conn, 0, len(members))
	for _, conn := range members {
		if conn.ID != excludeConnID {
			targets = append(targets, conn)
		}
	}
	r.mu.RUnlock()

	var delivered int
	for _, conn := range targets {
		if err := conn.Send(ev); err != nil {
			r.logger.Debug().
				Str("room", room).
				Str("connID", conn.ID).
				Msg("dead endpoint")
			continue
		}
		delivered++
	}
	return delivered
}

// InRoom reports whether connID has joined room.
func (r *Registry) InRoom(connID, room string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.rooms[room][connID]
	return ok
}

// RoomSize returns the current number of members of room.
func (r *Registry) RoomSize(room string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms[room])
}

// Rooms returns the rooms connID currently belongs to.
func (r *Registry) Rooms(connID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rooms := make([]string, 0, len(r.connRooms[connID]))
	for room := range r.connRooms[connID] {
		rooms = append(rooms, room)
	}
	return rooms
}

func (r *Registry) leaveLocked(connID, room string) {
	members, ok := r.rooms[room]
	if !ok {
		return
	}
	delete(members, connID)
	if len(members) == 0 {
		delete(r.rooms, room)
	}
}
