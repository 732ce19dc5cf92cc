package hub

import (
	"maps"
	"slices"
	"sync"
)

type room struct {
	members map[string]struct{}
	// deliver serializes fan-out into the room so every subscriber sees the
	// room's events in the order they were dispatched.
	deliver sync.Mutex
}

// RoomTable maps room ids to the connections subscribed to them. Like the
// Registry it relies on the Hub for synchronization.
type RoomTable struct {
	rooms map[string]*room
}

// NewRoomTable returns an empty table.
func NewRoomTable() *RoomTable {
	return &RoomTable{rooms: make(map[string]*room)}
}

// Join adds connID to roomID. Joining twice is a no-op; the result reports
// whether the connection was newly added.
func (t *RoomTable) Join(roomID, connID string) bool {
	r, ok := t.rooms[roomID]
	if !ok {
		r = &room{members: make(map[string]struct{})}
		t.rooms[roomID] = r
	}
	if _, member := r.members[connID]; member {
		return false
	}
	r.members[connID] = struct{}{}
	return true
}

// Leave removes connID from roomID. Leaving a room that was not joined is a
// no-op. Rooms without members are dropped.
func (t *RoomTable) Leave(roomID, connID string) bool {
	r, ok := t.rooms[roomID]
	if !ok {
		return false
	}
	if _, member := r.members[connID]; !member {
		return false
	}
	delete(r.members, connID)
	if len(r.members) == 0 {
		delete(t.rooms, roomID)
	}
	return true
}

// Subscribers returns a point-in-time copy of the connections in roomID.
func (t *RoomTable) Subscribers(roomID string) []string {
	r, ok := t.rooms[roomID]
	if !ok {
		return []string{}
	}
	return slices.Sorted(maps.Keys(r.members))
}

// SubscribersExcept is Subscribers without excludedConnID.
func (t *RoomTable) SubscribersExcept(roomID, excludedConnID string) []string {
	subs := t.Subscribers(roomID)
	return slices.DeleteFunc(subs, func(id string) bool { return id == excludedConnID })
}

// IsMember reports whether connID has joined roomID.
func (t *RoomTable) IsMember(roomID, connID string) bool {
	r, ok := t.rooms[roomID]
	if !ok {
		return false
	}
	_, member := r.members[connID]
	return member
}

// Len returns the number of rooms with at least one subscriber.
func (t *RoomTable) Len() int {
	return len(t.rooms)
}

func (t *RoomTable) room(roomID string) *room {
	return t.rooms[roomID]
}
