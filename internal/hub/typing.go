package hub

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// emitFunc fans one outbound event out to a room, skipping excludeConnID.
type emitFunc func(roomID, excludeConnID string, kind Kind, payload any) int

type typingKey struct {
	room string
	user string
}

type typingEntry struct {
	connID string
	timer  *time.Timer
	gen    uint64
}

// TypingCoordinator keeps at most one auto-expiring typing indicator per
// (room, user). Every transition back to idle emits exactly one
// user-stop-typing.
type TypingCoordinator struct {
	mu       sync.Mutex
	deadline time.Duration
	entries  map[typingKey]*typingEntry
	gen      uint64
	emit     emitFunc
	active   prometheus.Gauge
}

func newTypingCoordinator(deadline time.Duration, emit emitFunc, active prometheus.Gauge) *TypingCoordinator {
	return &TypingCoordinator{
		deadline: deadline,
		entries:  make(map[typingKey]*typingEntry),
		emit:     emit,
		active:   active,
	}
}

// Start moves (room, user) to typing, or pushes its deadline back if it is
// already typing. Only the idle to typing transition is broadcast.
func (t *TypingCoordinator) Start(roomID, userID, username, connID string) {
	key := typingKey{room: roomID, user: userID}

	t.mu.Lock()
	entry, renewing := t.entries[key]
	if renewing {
		entry.timer.Stop()
	} else {
		entry = &typingEntry{}
		t.entries[key] = entry
	}
	t.gen++
	gen := t.gen
	entry.gen = gen
	entry.connID = connID
	entry.timer = time.AfterFunc(t.deadline, func() { t.expire(key, gen) })
	t.active.Set(float64(len(t.entries)))
	t.mu.Unlock()

	if !renewing {
		t.emit(roomID, connID, KindUserTyping, UserTyping{UserID: userID, Username: username})
	}
}

// Stop handles an explicit stop-typing from connID.
func (t *TypingCoordinator) Stop(roomID, userID, connID string) {
	t.clear(typingKey{room: roomID, user: userID})
	t.emit(roomID, connID, KindUserStopTyping, UserStopTyping{UserID: userID})
}

// Active reports whether (room, user) is currently typing.
func (t *TypingCoordinator) Active(roomID, userID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.entries[typingKey{room: roomID, user: userID}]
	return ok
}

// DropConnection ends every indicator armed by connID and tells the rooms.
func (t *TypingCoordinator) DropConnection(connID string) {
	t.drop(func(key typingKey, entry *typingEntry) bool {
		return entry.connID == connID
	}, connID)
}

// DropRoom ends connID's indicator in roomID, used when it leaves the room.
func (t *TypingCoordinator) DropRoom(connID, roomID string) {
	t.drop(func(key typingKey, entry *typingEntry) bool {
		return entry.connID == connID && key.room == roomID
	}, connID)
}

// Shutdown cancels every pending timer without emitting anything.
func (t *TypingCoordinator) Shutdown() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for key, entry := range t.entries {
		entry.timer.Stop()
		delete(t.entries, key)
	}
	t.active.Set(0)
}

func (t *TypingCoordinator) drop(match func(typingKey, *typingEntry) bool, connID string) {
	t.mu.Lock()
	var dropped []typingKey
	for key, entry := range t.entries {
		if match(key, entry) {
			entry.timer.Stop()
			delete(t.entries, key)
			dropped = append(dropped, key)
		}
	}
	t.active.Set(float64(len(t.entries)))
	t.mu.Unlock()

	for _, key := range dropped {
		t.emit(key.room, connID, KindUserStopTyping, UserStopTyping{UserID: key.user})
	}
}

func (t *TypingCoordinator) clear(key typingKey) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if entry, ok := t.entries[key]; ok {
		entry.timer.Stop()
		delete(t.entries, key)
		t.active.Set(float64(len(t.entries)))
	}
}

// expire runs on the timer goroutine. A fire that lost the race with a
// renewal or an explicit stop finds a newer generation, or no entry, and
// does nothing.
func (t *TypingCoordinator) expire(key typingKey, gen uint64) {
	t.mu.Lock()
	entry, ok := t.entries[key]
	if !ok || entry.gen != gen {
		t.mu.Unlock()
		return
	}
	delete(t.entries, key)
	connID := entry.connID
	t.active.Set(float64(len(t.entries)))
	t.mu.Unlock()

	t.emit(key.room, connID, KindUserStopTyping, UserStopTyping{UserID: key.user})
}
