package hub

import "errors"

var (
	// ErrDuplicateConnection is returned when a connection id is registered twice.
	ErrDuplicateConnection = errors.New("hub: connection already registered")
	// ErrNotFound is returned when a connection id is not registered.
	ErrNotFound = errors.New("hub: connection not found")
	// ErrNotMember is returned when a connection sends a room event for a room it has not joined.
	ErrNotMember = errors.New("hub: connection has not joined the room")
	// ErrNotParticipant is returned when a user is not a participant of the chat it tries to join.
	ErrNotParticipant = errors.New("hub: user is not a participant of the chat")
	// ErrInvalidEvent is returned for malformed inbound events.
	ErrInvalidEvent = errors.New("hub: invalid event")
	// ErrUnknownEvent is returned for inbound events with an unknown name.
	ErrUnknownEvent = errors.New("hub: unknown event")
	// ErrPersistence is returned when the message store fails to persist a message.
	ErrPersistence = errors.New("hub: message could not be persisted")
	// ErrClosed is returned by operations on a hub that has been shut down.
	ErrClosed = errors.New("hub: closed")
)
