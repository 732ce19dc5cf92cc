package hub

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRequiresStore(t *testing.T) {
	_, err := New(Options{})
	assert.Error(t, err)
}

// TestUnregisterRemovesFromEveryRoom checks that no room still lists a
// connection once it has disconnected.
func TestUnregisterRemovesFromEveryRoom(t *testing.T) {
	h := newTestHub(t, Options{})
	a := connect(t, h, "a", "alice", "r1", "r2", "r3")
	connect(t, h, "b", "bob", "r2")

	h.Unregister("a")

	for _, roomID := range []string{"r1", "r2", "r3"} {
		assert.NotContains(t, h.Subscribers(roomID), "a", roomID)
	}
	assert.Equal(t, []string{"b"}, h.Subscribers("r2"))
	assert.True(t, a.isClosed())

	_, err := h.Lookup("a")
	assert.ErrorIs(t, err, ErrNotFound)

	rooms, clients := h.Stats()
	assert.Equal(t, 1, rooms)
	assert.Equal(t, 1, clients)
}

func TestUnregisterUnknownIsNoop(t *testing.T) {
	h := newTestHub(t, Options{})
	connect(t, h, "a", "alice", "r1")

	h.Unregister("ghost")
	h.Unregister("a")
	h.Unregister("a")

	_, clients := h.Stats()
	assert.Zero(t, clients)
}

func TestRegisterDuplicate(t *testing.T) {
	h := newTestHub(t, Options{})
	connect(t, h, "a", "alice")

	err := h.Register(newConn("a"), "mallory")
	assert.ErrorIs(t, err, ErrDuplicateConnection)

	userID, err := h.Lookup("a")
	require.NoError(t, err)
	assert.Equal(t, "alice", userID)
}

func TestJoinUnknownConnection(t *testing.T) {
	h := newTestHub(t, Options{})
	assert.ErrorIs(t, h.Join("ghost", "r1"), ErrNotFound)
	assert.Empty(t, h.Subscribers("r1"))
}

func TestRoomsOf(t *testing.T) {
	h := newTestHub(t, Options{})
	connect(t, h, "a", "alice", "r2", "r1")
	h.Leave("a", "r2")

	assert.Equal(t, []string{"r1"}, h.RoomsOf("a"))
	assert.Equal(t, []string{}, h.SubscribersExcept("r1", "a"))
}

// TestFailedDeliveryIsIsolated checks that one broken recipient does not stop
// the rest of the fan-out and is unregistered afterwards.
func TestFailedDeliveryIsIsolated(t *testing.T) {
	h := newTestHub(t, Options{})
	a := connect(t, h, "a", "alice", "r1")
	broken := connect(t, h, "broken", "bob", "r1")
	c := connect(t, h, "c", "carol", "r1")
	broken.failSend = true

	n := h.broadcast("r1", "", KindClearCanvas, nil)

	assert.Equal(t, 2, n)
	assert.Equal(t, 1, a.count(t, KindClearCanvas))
	assert.Equal(t, 1, c.count(t, KindClearCanvas))
	assert.True(t, broken.isClosed())
	assert.Equal(t, []string{"a", "c"}, h.Subscribers("r1"))
}

func TestSendToUserReachesEveryConnection(t *testing.T) {
	h := newTestHub(t, Options{})
	tab1 := connect(t, h, "tab-1", "alice")
	tab2 := connect(t, h, "tab-2", "alice")
	other := connect(t, h, "b", "bob")

	n := h.SendToUser("alice", KindChatUpdated, "r1", ChatUpdated{ChatID: "r1"})

	assert.Equal(t, 2, n)
	assert.Equal(t, 1, tab1.count(t, KindChatUpdated))
	assert.Equal(t, 1, tab2.count(t, KindChatUpdated))
	assert.Empty(t, other.envelopes(t))
	assert.Zero(t, h.SendToUser("nobody", KindChatUpdated, "r1", nil))
}

func TestShutdownClosesConnections(t *testing.T) {
	h, err := New(Options{Store: newFakeStore()})
	require.NoError(t, err)
	a := connect(t, h, "a", "alice", "r1")
	b := connect(t, h, "b", "bob", "r1")

	h.Shutdown()

	assert.True(t, a.isClosed())
	assert.True(t, b.isClosed())
	rooms, clients := h.Stats()
	assert.Zero(t, rooms)
	assert.Zero(t, clients)
	assert.ErrorIs(t, h.Register(newConn("late"), "carol"), ErrClosed)
}

func TestPresenceFollowsConnections(t *testing.T) {
	presence := &recordingPresence{}
	h := newTestHub(t, Options{Presence: presence})
	connect(t, h, "a", "alice")
	h.Unregister("a")

	want := []string{"online:alice:a", "offline:alice:a"}
	require.Eventually(t, func() bool { return len(presence.snapshot()) == len(want) }, time.Second, 5*time.Millisecond)
	assert.Equal(t, want, presence.snapshot(), "updates keep their order")
}

type blockingPresence struct {
	release chan struct{}
	offline chan string
}

func (p *blockingPresence) Online(ctx context.Context, _, _ string) error {
	select {
	case <-p.release:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *blockingPresence) Offline(_ context.Context, _, connID string) error {
	p.offline <- connID
	return nil
}

// TestSlowPresenceDoesNotBlockFanOut checks that a stalled presence backend
// does not hold up registration or the removal of failed recipients.
func TestSlowPresenceDoesNotBlockFanOut(t *testing.T) {
	presence := &blockingPresence{release: make(chan struct{}), offline: make(chan string, 4)}
	h := newTestHub(t, Options{Presence: presence})
	connect(t, h, "a", "alice", "r1")
	broken := connect(t, h, "b", "bob", "r1")
	broken.failSend = true

	done := make(chan error, 1)
	go func() {
		done <- dispatch(t, h, "a", `{"event":"clear-canvas","data":{"chatId":"r1"}}`)
	}()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("fan-out waited for presence")
	}
	_, clients := h.Stats()
	assert.Equal(t, 1, clients)

	close(presence.release)
	select {
	case connID := <-presence.offline:
		assert.Equal(t, "b", connID)
	case <-time.After(time.Second):
		t.Fatal("offline update never ran")
	}
}

func TestMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	h := newTestHub(t, Options{Metrics: m})
	connect(t, h, "a", "alice", "r1", "r2")
	connect(t, h, "b", "bob", "r1")

	assert.Equal(t, float64(2), testutil.ToFloat64(m.Connections))
	assert.Equal(t, float64(2), testutil.ToFloat64(m.Rooms))

	require.NoError(t, dispatch(t, h, "a", `{"event":"typing","data":{"chatId":"r1","username":"Alice"}}`))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.TypingActive))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.Events.WithLabelValues(string(KindTyping))))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.Deliveries))

	err := dispatch(t, h, "b", `{"event":"clear-canvas","data":{"chatId":"r2"}}`)
	assert.ErrorIs(t, err, ErrNotMember)
	assert.Equal(t, float64(1), testutil.ToFloat64(m.Rejected.WithLabelValues(string(KindClearCanvas))))

	h.Unregister("a")
	assert.Equal(t, float64(1), testutil.ToFloat64(m.Connections))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.Rooms))
	assert.Equal(t, float64(0), testutil.ToFloat64(m.TypingActive))

	count, err := testutil.GatherAndCount(reg)
	require.NoError(t, err)
	assert.Positive(t, count)
}
