package store

import (
	"context"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/Tyrowin/sketchchat/internal/hub"
)

type storedMessage struct {
	id         string
	senderID   string
	senderName string
	body       []byte
	isDrawing  bool
	createdAt  time.Time
}

// MemoryStore keeps chats in process memory. With openRooms set every user
// is a participant of every chat, which is what local development wants.
type MemoryStore struct {
	openRooms bool
	cipher    *Cipher
	now       func() time.Time

	mu           sync.RWMutex
	participants map[string]map[string]struct{}
	messages     map[string][]storedMessage
	updatedAt    map[string]time.Time
}

// NewMemoryStore returns an empty store. c may be nil.
func NewMemoryStore(openRooms bool, c *Cipher) *MemoryStore {
	return &MemoryStore{
		openRooms:    openRooms,
		cipher:       c,
		now:          func() time.Time { return time.Now().UTC() },
		participants: make(map[string]map[string]struct{}),
		messages:     make(map[string][]storedMessage),
		updatedAt:    make(map[string]time.Time),
	}
}

// AddParticipants adds users to a chat, creating it if needed.
func (s *MemoryStore) AddParticipants(_ context.Context, chatID string, userIDs ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	set, ok := s.participants[chatID]
	if !ok {
		set = make(map[string]struct{})
		s.participants[chatID] = set
	}
	for _, id := range userIDs {
		set[id] = struct{}{}
	}
	return nil
}

func (s *MemoryStore) PersistMessage(ctx context.Context, msg hub.PendingMessage) (hub.Message, error) {
	if err := ctx.Err(); err != nil {
		return hub.Message{}, errors.Wrap(err, "store: persist message")
	}
	body := storedBody(msg)
	sealed, err := s.cipher.Seal(body)
	if err != nil {
		return hub.Message{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.isParticipant(msg.ChatID, msg.SenderID) {
		return hub.Message{}, errors.Wrapf(hub.ErrNotParticipant, "store: %s in %s", msg.SenderID, msg.ChatID)
	}

	stored := storedMessage{
		id:         uuid.NewString(),
		senderID:   msg.SenderID,
		senderName: msg.SenderName,
		body:       sealed,
		isDrawing:  msg.IsDrawing,
		createdAt:  s.now(),
	}
	s.messages[msg.ChatID] = append(s.messages[msg.ChatID], stored)
	s.updatedAt[msg.ChatID] = stored.createdAt

	return hub.Message{
		ID:         stored.id,
		ChatID:     msg.ChatID,
		SenderID:   stored.senderID,
		SenderName: stored.senderName,
		Content:    body,
		IsDrawing:  stored.isDrawing,
		CreatedAt:  stored.createdAt,
	}, nil
}

func (s *MemoryStore) IsParticipant(_ context.Context, chatID, userID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isParticipant(chatID, userID), nil
}

func (s *MemoryStore) isParticipant(chatID, userID string) bool {
	if s.openRooms {
		return true
	}
	_, ok := s.participants[chatID][userID]
	return ok
}

// Participants returns the explicitly added participants of chatID.
func (s *MemoryStore) Participants(_ context.Context, chatID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Sorted(maps.Keys(s.participants[chatID])), nil
}

// Messages returns the history of chatID, oldest first, decrypted.
func (s *MemoryStore) Messages(_ context.Context, chatID string) ([]hub.Message, error) {
	s.mu.RLock()
	stored := slices.Clone(s.messages[chatID])
	s.mu.RUnlock()

	out := make([]hub.Message, 0, len(stored))
	for _, m := range stored {
		content, err := s.cipher.Open(m.body)
		if err != nil {
			return nil, errors.Wrapf(err, "store: message %s", m.id)
		}
		out = append(out, hub.Message{
			ID:         m.id,
			ChatID:     chatID,
			SenderID:   m.senderID,
			SenderName: m.senderName,
			Content:    content,
			IsDrawing:  m.isDrawing,
			CreatedAt:  m.createdAt,
		})
	}
	return out, nil
}

// UpdatedAt returns when chatID last received a message.
func (s *MemoryStore) UpdatedAt(chatID string) (time.Time, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.updatedAt[chatID]
	return t, ok
}

func (s *MemoryStore) Close(context.Context) error { return nil }
