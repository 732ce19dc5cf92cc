package hub

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
)

type sender struct {
	conn   Conn
	connID string
	userID string
}

// Handle routes one inbound event from connID. Rejected events are answered
// to the sender with an error event (or message-failed for persistence
// failures) and the reason is returned to the caller for logging.
func (h *Hub) Handle(ctx context.Context, connID string, ev Event) error {
	from, err := h.sender(connID)
	if err != nil {
		return err
	}

	if err := h.route(ctx, from, ev); err != nil {
		h.metrics.Rejected.WithLabelValues(string(ev.Kind())).Inc()
		if !errors.Is(err, ErrPersistence) {
			h.reply(from.conn, KindError, ev.Room(), ErrorReply{Event: ev.Kind(), ChatID: ev.Room(), Error: err.Error()})
		}
		return err
	}
	h.metrics.Events.WithLabelValues(string(ev.Kind())).Inc()
	return nil
}

// Reject answers connID with an error event for a frame that never became an
// Event, such as malformed JSON or an unknown event name.
func (h *Hub) Reject(connID string, kind Kind, cause error) {
	from, err := h.sender(connID)
	if err != nil {
		return
	}
	h.metrics.Rejected.WithLabelValues(string(kind)).Inc()
	h.reply(from.conn, KindError, "", ErrorReply{Event: kind, Error: cause.Error()})
}

func (h *Hub) route(ctx context.Context, from sender, ev Event) error {
	switch e := ev.(type) {
	case *JoinChat:
		return h.handleJoin(ctx, from, e)
	case *LeaveChat:
		h.Leave(from.connID, e.ChatID)
		h.reply(from.conn, KindLeftChat, e.ChatID, RoomAck{ChatID: e.ChatID})
		return nil
	}

	if err := h.requireMember(from, ev.Room()); err != nil {
		return err
	}

	switch e := ev.(type) {
	case *NewMessage:
		return h.handleNewMessage(from, e)
	case *SendMessage:
		return h.handleSendMessage(ctx, from, e)
	case *Typing:
		if err := checkIdentity(from, e.UserID); err != nil {
			return err
		}
		h.typing.Start(e.ChatID, from.userID, e.Username, from.connID)
	case *StopTyping:
		if err := checkIdentity(from, e.UserID); err != nil {
			return err
		}
		h.typing.Stop(e.ChatID, from.userID, from.connID)
	case *DrawingPoint:
		h.strokes.Relay(e.ChatID, from.connID, e.Point)
	case *ClearCanvas:
		h.strokes.Clear(e.ChatID, from.connID)
	case *NewDrawing:
		if err := checkIdentity(from, e.SenderID); err != nil {
			return err
		}
		drawing := *e
		drawing.SenderID = from.userID
		h.broadcast(e.ChatID, "", KindNewDrawing, drawing)
	default:
		return fmt.Errorf("%w: %q", ErrUnknownEvent, ev.Kind())
	}
	return nil
}

func (h *Hub) handleJoin(ctx context.Context, from sender, e *JoinChat) error {
	ctx, cancel := context.WithTimeout(ctx, collaboratorTimeout)
	defer cancel()

	ok, err := h.store.IsParticipant(ctx, e.ChatID, from.userID)
	if err != nil {
		h.log.Warn("Participation check failed",
			zap.String("room", e.ChatID), zap.String("user_id", from.userID), zap.Error(err))
		return fmt.Errorf("check participation: %w", err)
	}
	if !ok {
		return ErrNotParticipant
	}
	if err := h.Join(from.connID, e.ChatID); err != nil {
		return err
	}
	h.reply(from.conn, KindJoinedChat, e.ChatID, RoomAck{ChatID: e.ChatID})
	return nil
}

func (h *Hub) handleNewMessage(from sender, e *NewMessage) error {
	if err := checkIdentity(from, e.Message.SenderID); err != nil {
		return err
	}
	msg := e.Message
	msg.SenderID = from.userID
	n := h.broadcast(msg.ChatID, "", KindMessageReceived, msg)
	h.log.Debug("Broadcasting message",
		zap.String("room", msg.ChatID), zap.String("message_id", msg.ID), zap.Int("recipients", n))
	return nil
}

// handleSendMessage persists first and only then acknowledges and broadcasts,
// so a failed write never produces a message other clients can see.
func (h *Hub) handleSendMessage(ctx context.Context, from sender, e *SendMessage) error {
	persistCtx, cancel := context.WithTimeout(ctx, collaboratorTimeout)
	msg, err := h.store.PersistMessage(persistCtx, PendingMessage{
		ChatID:     e.ChatID,
		SenderID:   from.userID,
		SenderName: e.SenderName,
		Content:    e.Content,
		IsDrawing:  e.IsDrawing,
		ClientID:   e.ClientID,
	})
	cancel()
	if err != nil {
		h.log.Warn("Message persistence failed",
			zap.String("room", e.ChatID), zap.String("user_id", from.userID), zap.Error(err))
		h.reply(from.conn, KindMessageFailed, e.ChatID, MessageFailed{
			ClientID: e.ClientID,
			ChatID:   e.ChatID,
			Error:    ErrPersistence.Error(),
		})
		return fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	msg.ClientID = e.ClientID

	h.reply(from.conn, KindMessageAck, msg.ChatID, MessageAck{ClientID: e.ClientID, Message: msg})
	n := h.broadcast(msg.ChatID, "", KindMessageReceived, msg)
	h.log.Debug("Broadcasting message",
		zap.String("room", msg.ChatID), zap.String("message_id", msg.ID), zap.Int("recipients", n))

	h.notifyParticipants(ctx, msg)

	h.publishJobs.submit(func(ctx context.Context) error {
		return h.publisher.Publish(ctx, msg)
	}, zap.String("message_id", msg.ID), zap.String("room", msg.ChatID))
	return nil
}

// notifyParticipants sends chat-updated to participants of the chat that have
// no connection subscribed to its room, so their chat lists can refresh.
func (h *Hub) notifyParticipants(ctx context.Context, msg Message) {
	ctx, cancel := context.WithTimeout(ctx, collaboratorTimeout)
	defer cancel()

	users, err := h.store.Participants(ctx, msg.ChatID)
	if err != nil {
		h.log.Warn("Listing participants failed", zap.String("room", msg.ChatID), zap.Error(err))
		return
	}

	h.mu.RLock()
	watching := make(map[string]struct{})
	for _, connID := range h.rooms.Subscribers(msg.ChatID) {
		if userID, err := h.registry.Lookup(connID); err == nil {
			watching[userID] = struct{}{}
		}
	}
	h.mu.RUnlock()

	for _, userID := range users {
		if _, ok := watching[userID]; ok {
			continue
		}
		h.SendToUser(userID, KindChatUpdated, msg.ChatID, ChatUpdated{ChatID: msg.ChatID, LastMessage: msg})
	}
}

func (h *Hub) sender(connID string) (sender, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	entry, ok := h.registry.entry(connID)
	if !ok {
		return sender{}, ErrNotFound
	}
	return sender{conn: entry.conn, connID: connID, userID: entry.userID}, nil
}

func (h *Hub) requireMember(from sender, roomID string) error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if !h.rooms.IsMember(roomID, from.connID) {
		return ErrNotMember
	}
	return nil
}

// Payload user ids are optional, but when present they must name the
// authenticated user.
func checkIdentity(from sender, claimed string) error {
	if claimed != "" && claimed != from.userID {
		return fmt.Errorf("%w: user id does not match the connection", ErrInvalidEvent)
	}
	return nil
}
