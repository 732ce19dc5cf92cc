package hub

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

// DefaultTypingDeadline is how long a typing indicator lives without renewal.
const DefaultTypingDeadline = 3 * time.Second

const collaboratorTimeout = 5 * time.Second

// Options configures a Hub. Store is required; everything else has a default.
type Options struct {
	Store          MessageStore
	Presence       Presence
	Publisher      Publisher
	Logger         *zap.Logger
	Metrics        *Metrics
	TypingDeadline time.Duration
}

// Hub owns the connection registry, the room membership table and the typing
// state for the lifetime of the process.
type Hub struct {
	store     MessageStore
	presence  Presence
	publisher Publisher
	log       *zap.Logger
	metrics   *Metrics

	// mu guards registry and rooms together.
	mu       sync.RWMutex
	registry *Registry
	rooms    *RoomTable
	closed   bool

	typing  *TypingCoordinator
	strokes *StrokeRelay

	// presenceJobs and publishJobs keep collaborator I/O off the read pumps.
	presenceJobs *backgroundQueue
	publishJobs  *backgroundQueue
}

// New creates a Hub ready to accept connections.
func New(opts Options) (*Hub, error) {
	if opts.Store == nil {
		return nil, errors.New("hub: a message store is required")
	}
	h := &Hub{
		store:     opts.Store,
		presence:  opts.Presence,
		publisher: opts.Publisher,
		log:       opts.Logger,
		metrics:   opts.Metrics,
		registry:  NewRegistry(),
		rooms:     NewRoomTable(),
	}
	if h.presence == nil {
		h.presence = noopPresence{}
	}
	if h.publisher == nil {
		h.publisher = noopPublisher{}
	}
	if h.log == nil {
		h.log = zap.NewNop()
	}
	if h.metrics == nil {
		h.metrics = NewMetrics(nil)
	}
	deadline := opts.TypingDeadline
	if deadline <= 0 {
		deadline = DefaultTypingDeadline
	}
	h.typing = newTypingCoordinator(deadline, h.broadcast, h.metrics.TypingActive)
	h.strokes = newStrokeRelay(h.broadcast)
	h.presenceJobs = newBackgroundQueue("presence", collaboratorTimeout, h.log)
	h.publishJobs = newBackgroundQueue("publish", collaboratorTimeout, h.log)
	return h, nil
}

// Register records a new live connection bound to userID.
func (h *Hub) Register(conn Conn, userID string) error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return ErrClosed
	}
	if err := h.registry.Register(conn, userID); err != nil {
		h.mu.Unlock()
		h.log.Warn("Rejected connection registration",
			zap.String("conn_id", conn.ID()), zap.String("user_id", userID), zap.Error(err))
		return err
	}
	total := h.registry.Len()
	h.mu.Unlock()

	h.metrics.Connections.Set(float64(total))
	h.log.Info("Client registered",
		zap.String("conn_id", conn.ID()), zap.String("user_id", userID), zap.Int("total_clients", total))

	connID := conn.ID()
	h.presenceJobs.submit(func(ctx context.Context) error {
		return h.presence.Online(ctx, userID, connID)
	}, zap.String("user_id", userID), zap.String("conn_id", connID))
	return nil
}

// Unregister removes a connection from the registry and from every room it
// joined in one step, cancels its typing indicators and closes it. Unknown
// connections are ignored.
func (h *Hub) Unregister(connID string) {
	h.mu.Lock()
	entry, found := h.registry.entry(connID)
	if !found {
		h.mu.Unlock()
		return
	}
	userID, rooms, _ := h.registry.Unregister(connID)
	for _, roomID := range rooms {
		h.rooms.Leave(roomID, connID)
	}
	total, roomCount := h.registry.Len(), h.rooms.Len()
	h.mu.Unlock()

	h.metrics.Connections.Set(float64(total))
	h.metrics.Rooms.Set(float64(roomCount))
	h.typing.DropConnection(connID)
	if err := entry.conn.Close(); err != nil {
		h.log.Debug("Error closing connection", zap.String("conn_id", connID), zap.Error(err))
	}
	h.log.Info("Client unregistered",
		zap.String("conn_id", connID), zap.String("user_id", userID),
		zap.Strings("rooms", rooms), zap.Int("total_clients", total))

	h.presenceJobs.submit(func(ctx context.Context) error {
		return h.presence.Offline(ctx, userID, connID)
	}, zap.String("user_id", userID), zap.String("conn_id", connID))
}

// Lookup returns the user bound to connID.
func (h *Hub) Lookup(connID string) (string, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.registry.Lookup(connID)
}

// Join subscribes connID to roomID. It performs no authorization; see Handle
// for the participant check done on join-chat.
func (h *Hub) Join(connID, roomID string) error {
	h.mu.Lock()
	if _, ok := h.registry.entry(connID); !ok {
		h.mu.Unlock()
		return ErrNotFound
	}
	added := h.rooms.Join(roomID, connID)
	h.registry.markJoined(connID, roomID)
	roomCount := h.rooms.Len()
	h.mu.Unlock()

	h.metrics.Rooms.Set(float64(roomCount))
	if added {
		h.log.Debug("Joined room", zap.String("conn_id", connID), zap.String("room", roomID))
	}
	return nil
}

// Leave unsubscribes connID from roomID. Leaving a room that was not joined,
// or leaving as an unknown connection, is a no-op.
func (h *Hub) Leave(connID, roomID string) {
	h.mu.Lock()
	removed := h.rooms.Leave(roomID, connID)
	h.registry.markLeft(connID, roomID)
	roomCount := h.rooms.Len()
	h.mu.Unlock()

	if !removed {
		return
	}
	h.metrics.Rooms.Set(float64(roomCount))
	h.typing.DropRoom(connID, roomID)
	h.log.Debug("Left room", zap.String("conn_id", connID), zap.String("room", roomID))
}

// Subscribers returns a snapshot of the connections subscribed to roomID.
func (h *Hub) Subscribers(roomID string) []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.rooms.Subscribers(roomID)
}

// SubscribersExcept returns a snapshot of roomID without excludedConnID.
func (h *Hub) SubscribersExcept(roomID, excludedConnID string) []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.rooms.SubscribersExcept(roomID, excludedConnID)
}

// RoomsOf returns the rooms connID has joined.
func (h *Hub) RoomsOf(connID string) []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.registry.Rooms(connID)
}

// Stats returns the number of non-empty rooms and live connections.
func (h *Hub) Stats() (rooms, clients int) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.rooms.Len(), h.registry.Len()
}

// IsTyping reports whether userID has an active typing indicator in roomID.
func (h *Hub) IsTyping(roomID, userID string) bool {
	return h.typing.Active(roomID, userID)
}

// broadcast encodes one outbound event and fans it out to roomID, skipping
// excludeConnID when it is set. It returns the number of connections the
// frame was queued to.
func (h *Hub) broadcast(roomID, excludeConnID string, kind Kind, payload any) int {
	data, err := EncodeEnvelope(kind, roomID, payload)
	if err != nil {
		h.log.Error("Dropping unencodable event", zap.String("event", string(kind)), zap.Error(err))
		return 0
	}
	return h.deliverToRoom(roomID, excludeConnID, data)
}

// deliverToRoom snapshots the room under the hub lock and queues data to each
// recipient while holding only the room's delivery lock, so concurrent
// dispatches to one room keep their order and never wait on a socket.
func (h *Hub) deliverToRoom(roomID, excludeConnID string, data []byte) int {
	h.mu.RLock()
	r := h.rooms.room(roomID)
	if r == nil {
		h.mu.RUnlock()
		return 0
	}
	r.deliver.Lock()
	targets := make([]Conn, 0, len(r.members))
	for connID := range r.members {
		if connID == excludeConnID {
			continue
		}
		if entry, ok := h.registry.entry(connID); ok {
			targets = append(targets, entry.conn)
		}
	}
	h.mu.RUnlock()

	failed := h.sendAll(targets, data)
	r.deliver.Unlock()

	h.removeFailedClients(failed)
	return len(targets) - len(failed)
}

// SendToUser queues one event to every connection of userID and returns how
// many connections it reached.
func (h *Hub) SendToUser(userID string, kind Kind, chatID string, payload any) int {
	data, err := EncodeEnvelope(kind, chatID, payload)
	if err != nil {
		h.log.Error("Dropping unencodable event", zap.String("event", string(kind)), zap.Error(err))
		return 0
	}
	h.mu.RLock()
	targets := h.registry.UserConns(userID)
	h.mu.RUnlock()

	failed := h.sendAll(targets, data)
	h.removeFailedClients(failed)
	return len(targets) - len(failed)
}

// reply queues one event to a single connection.
func (h *Hub) reply(conn Conn, kind Kind, chatID string, payload any) {
	data, err := EncodeEnvelope(kind, chatID, payload)
	if err != nil {
		h.log.Error("Dropping unencodable event", zap.String("event", string(kind)), zap.Error(err))
		return
	}
	h.removeFailedClients(h.sendAll([]Conn{conn}, data))
}

func (h *Hub) sendAll(targets []Conn, data []byte) []Conn {
	var failed []Conn
	for _, conn := range targets {
		if err := conn.Send(data); err != nil {
			failed = append(failed, conn)
			continue
		}
		h.metrics.Deliveries.Inc()
	}
	return failed
}

// removeFailedClients unregisters connections that could not take a frame.
// It must be called without any hub or room lock held.
func (h *Hub) removeFailedClients(failed []Conn) {
	for _, conn := range failed {
		h.metrics.DeliveryFailures.Inc()
		h.log.Warn("Client removed due to delivery failure", zap.String("conn_id", conn.ID()))
		h.Unregister(conn.ID())
	}
}

// Shutdown closes every registered connection, stops all typing timers and
// waits for pending presence and publish updates. Connections registered
// afterwards are rejected with ErrClosed.
func (h *Hub) Shutdown() {
	h.log.Info("Shutting down all client connections...")

	h.mu.Lock()
	h.closed = true
	conns := h.registry.all()
	h.mu.Unlock()

	for _, conn := range conns {
		h.Unregister(conn.ID())
	}
	h.typing.Shutdown()
	h.presenceJobs.close()
	h.publishJobs.close()

	h.log.Info("Closed client connections", zap.Int("count", len(conns)))
}
