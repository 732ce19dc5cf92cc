package hub

import (
	"maps"
	"slices"
	"time"
)

type connEntry struct {
	conn        Conn
	userID      string
	rooms       map[string]struct{}
	connectedAt time.Time
}

// Registry tracks live connections and the user each one is bound to.
// It is not synchronized on its own: the Hub guards it together with the
// RoomTable so that removing a connection from both is a single step for any
// observer.
type Registry struct {
	conns  map[string]*connEntry
	byUser map[string]map[string]struct{}
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		conns:  make(map[string]*connEntry),
		byUser: make(map[string]map[string]struct{}),
	}
}

// Register records a live connection bound to userID.
func (r *Registry) Register(conn Conn, userID string) error {
	id := conn.ID()
	if _, exists := r.conns[id]; exists {
		return ErrDuplicateConnection
	}
	r.conns[id] = &connEntry{
		conn:        conn,
		userID:      userID,
		rooms:       make(map[string]struct{}),
		connectedAt: time.Now(),
	}
	set, ok := r.byUser[userID]
	if !ok {
		set = make(map[string]struct{})
		r.byUser[userID] = set
	}
	set[id] = struct{}{}
	return nil
}

// Unregister removes a connection and returns the rooms it had joined so the
// caller can clean up membership. Unknown ids are a no-op with ok=false.
func (r *Registry) Unregister(connID string) (userID string, rooms []string, ok bool) {
	entry, exists := r.conns[connID]
	if !exists {
		return "", nil, false
	}
	delete(r.conns, connID)
	if set, found := r.byUser[entry.userID]; found {
		delete(set, connID)
		if len(set) == 0 {
			delete(r.byUser, entry.userID)
		}
	}
	return entry.userID, slices.Sorted(maps.Keys(entry.rooms)), true
}

// Lookup returns the user bound to connID.
func (r *Registry) Lookup(connID string) (string, error) {
	entry, ok := r.conns[connID]
	if !ok {
		return "", ErrNotFound
	}
	return entry.userID, nil
}

// Rooms returns the rooms connID has joined.
func (r *Registry) Rooms(connID string) []string {
	entry, ok := r.conns[connID]
	if !ok {
		return nil
	}
	return slices.Sorted(maps.Keys(entry.rooms))
}

// UserConns returns every live connection of userID.
func (r *Registry) UserConns(userID string) []Conn {
	set := r.byUser[userID]
	conns := make([]Conn, 0, len(set))
	for id := range set {
		if entry, ok := r.conns[id]; ok {
			conns = append(conns, entry.conn)
		}
	}
	return conns
}

// Len returns the number of live connections.
func (r *Registry) Len() int {
	return len(r.conns)
}

func (r *Registry) entry(connID string) (*connEntry, bool) {
	entry, ok := r.conns[connID]
	return entry, ok
}

func (r *Registry) markJoined(connID, roomID string) {
	if entry, ok := r.conns[connID]; ok {
		entry.rooms[roomID] = struct{}{}
	}
}

func (r *Registry) markLeft(connID, roomID string) {
	if entry, ok := r.conns[connID]; ok {
		delete(entry.rooms, roomID)
	}
}

func (r *Registry) all() []Conn {
	conns := make([]Conn, 0, len(r.conns))
	for _, entry := range r.conns {
		conns = append(conns, entry.conn)
	}
	return conns
}
