package hub

import "context"

// PendingMessage is what the hub hands to the MessageStore for persistence.
type PendingMessage struct {
	ChatID     string
	SenderID   string
	SenderName string
	Content    string
	IsDrawing  bool
	ClientID   string
}

// MessageStore is the external persistence and chat-participation service.
// PersistMessage must return the canonical id and timestamp assigned by the
// store; the hub never broadcasts a message the store did not accept.
type MessageStore interface {
	PersistMessage(ctx context.Context, msg PendingMessage) (Message, error)
	IsParticipant(ctx context.Context, chatID, userID string) (bool, error)
	Participants(ctx context.Context, chatID string) ([]string, error)
}

// Presence is notified when a user's connections come and go.
type Presence interface {
	Online(ctx context.Context, userID, connID string) error
	Offline(ctx context.Context, userID, connID string) error
}

// Publisher forwards persisted messages to downstream consumers.
type Publisher interface {
	Publish(ctx context.Context, msg Message) error
}

type noopPresence struct{}

func (noopPresence) Online(context.Context, string, string) error  { return nil }
func (noopPresence) Offline(context.Context, string, string) error { return nil }

type noopPublisher struct{}

func (noopPublisher) Publish(context.Context, Message) error { return nil }
