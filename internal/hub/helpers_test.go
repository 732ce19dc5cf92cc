package hub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

var errSendBufferFull = errors.New("send buffer full")

// recordingConn is an in-memory Conn that keeps every frame queued to it.
type recordingConn struct {
	id string

	mu       sync.Mutex
	frames   [][]byte
	closed   bool
	failSend bool
}

func newConn(id string) *recordingConn {
	return &recordingConn{id: id}
}

func (c *recordingConn) ID() string { return c.id }

func (c *recordingConn) Send(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.failSend {
		return errSendBufferFull
	}
	c.frames = append(c.frames, append([]byte(nil), data...))
	return nil
}

func (c *recordingConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *recordingConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *recordingConn) envelopes(t *testing.T) []Envelope {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Envelope, 0, len(c.frames))
	for _, frame := range c.frames {
		var env Envelope
		require.NoError(t, json.Unmarshal(frame, &env))
		out = append(out, env)
	}
	return out
}

// ofKind returns the envelopes of one kind in arrival order.
func (c *recordingConn) ofKind(t *testing.T, kind Kind) []Envelope {
	t.Helper()
	var out []Envelope
	for _, env := range c.envelopes(t) {
		if env.Event == kind {
			out = append(out, env)
		}
	}
	return out
}

func (c *recordingConn) count(t *testing.T, kind Kind) int {
	t.Helper()
	return len(c.ofKind(t, kind))
}

func (c *recordingConn) reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frames = nil
}

// fakeStore admits everyone unless participants are configured for a chat.
type fakeStore struct {
	mu           sync.Mutex
	participants map[string][]string
	persistErr   error
	persisted    []PendingMessage
	seq          int
}

func newFakeStore() *fakeStore {
	return &fakeStore{participants: make(map[string][]string)}
}

func (s *fakeStore) setParticipants(chatID string, users ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.participants[chatID] = users
}

func (s *fakeStore) PersistMessage(_ context.Context, msg PendingMessage) (Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.persistErr != nil {
		return Message{}, s.persistErr
	}
	s.seq++
	s.persisted = append(s.persisted, msg)
	return Message{
		ID:         fmt.Sprintf("msg-%d", s.seq),
		ChatID:     msg.ChatID,
		SenderID:   msg.SenderID,
		SenderName: msg.SenderName,
		Content:    msg.Content,
		IsDrawing:  msg.IsDrawing,
		CreatedAt:  time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC),
	}, nil
}

func (s *fakeStore) IsParticipant(_ context.Context, chatID, userID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	users, restricted := s.participants[chatID]
	if !restricted {
		return true, nil
	}
	for _, u := range users {
		if u == userID {
			return true, nil
		}
	}
	return false, nil
}

func (s *fakeStore) Participants(_ context.Context, chatID string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.participants[chatID]...), nil
}

type recordingPublisher struct {
	mu   sync.Mutex
	msgs []Message
}

func (p *recordingPublisher) Publish(_ context.Context, msg Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.msgs = append(p.msgs, msg)
	return nil
}

func (p *recordingPublisher) published() []Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Message(nil), p.msgs...)
}

type recordingPresence struct {
	mu     sync.Mutex
	events []string
}

func (p *recordingPresence) Online(_ context.Context, userID, connID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, "online:"+userID+":"+connID)
	return nil
}

func (p *recordingPresence) Offline(_ context.Context, userID, connID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, "offline:"+userID+":"+connID)
	return nil
}

func (p *recordingPresence) snapshot() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.events...)
}

func newTestHub(t *testing.T, opts Options) *Hub {
	t.Helper()
	if opts.Store == nil {
		opts.Store = newFakeStore()
	}
	h, err := New(opts)
	require.NoError(t, err)
	t.Cleanup(h.Shutdown)
	return h
}

// connect registers a connection for userID and joins it to rooms directly.
func connect(t *testing.T, h *Hub, connID, userID string, rooms ...string) *recordingConn {
	t.Helper()
	c := newConn(connID)
	require.NoError(t, h.Register(c, userID))
	for _, roomID := range rooms {
		require.NoError(t, h.Join(connID, roomID))
	}
	return c
}

func decode(t *testing.T, raw string) Event {
	t.Helper()
	ev, _, err := DecodeEvent([]byte(raw))
	require.NoError(t, err)
	return ev
}

func dispatch(t *testing.T, h *Hub, connID, raw string) error {
	t.Helper()
	return h.Handle(context.Background(), connID, decode(t, raw))
}

func payload[T any](t *testing.T, env Envelope) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(env.Data, &v))
	return v
}
