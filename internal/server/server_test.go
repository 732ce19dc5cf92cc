package server_test

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Tyrowin/sketchchat/internal/hub"
	"github.com/Tyrowin/sketchchat/internal/server"
	th "github.com/Tyrowin/sketchchat/internal/testhelpers"
)

const wait = 2 * time.Second

func TestHealthEndpoint(t *testing.T) {
	hs := th.NewHarness(t, nil)

	resp := th.MakeRequest(t, http.MethodGet, hs.HTTP.URL+"/")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/plain", resp.Header.Get("Content-Type"))
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "SketchChat server is running!", string(body))
}

func TestStatsEndpoint(t *testing.T) {
	hs := th.NewHarness(t, nil)
	conn := hs.Connect("alice")
	th.Send(t, conn, hub.KindJoinChat, hub.JoinChat{ChatID: "room-1"})
	th.NewReader(t, conn).Expect(hub.KindJoinedChat, wait)

	resp := th.MakeRequest(t, http.MethodGet, hs.HTTP.URL+"/healthz")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))

	var got struct {
		Status      string `json:"status"`
		Rooms       int    `json:"rooms"`
		Connections int    `json:"connections"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
	assert.Equal(t, "ok", got.Status)
	assert.Equal(t, 1, got.Rooms)
	assert.Equal(t, 1, got.Connections)
}

func TestTestPage(t *testing.T) {
	hs := th.NewHarness(t, nil)
	resp := th.MakeRequest(t, http.MethodGet, hs.HTTP.URL+"/test")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/html", resp.Header.Get("Content-Type"))
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "join-chat")
}

func TestMetricsEndpoint(t *testing.T) {
	hs := th.NewHarness(t, nil)
	hs.Connect("alice")

	resp := th.MakeRequest(t, http.MethodGet, hs.HTTP.URL+"/metrics")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "sketchchat_hub_connections 1")
}

func TestWebSocketRejectsNonGET(t *testing.T) {
	hs := th.NewHarness(t, nil)
	resp := th.MakeRequest(t, http.MethodPost, hs.HTTP.URL+"/ws")
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestWebSocketRequiresToken(t *testing.T) {
	hs := th.NewHarness(t, nil)

	_, resp, err := th.Dial(hs.WebSocketURL(), "", hs.Origin())
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	_, resp, err = th.Dial(hs.WebSocketURL(), "not-a-jwt", hs.Origin())
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	_, clients := hs.Hub.Stats()
	assert.Zero(t, clients)
}

func TestWebSocketOriginPolicy(t *testing.T) {
	hs := th.NewHarness(t, nil)
	token := hs.Token("alice")

	tests := []struct {
		name   string
		origin string
		ok     bool
	}{
		{"server origin", hs.Origin(), true},
		{"configured origin", "http://localhost:8080", true},
		{"case-insensitive", strings.ToUpper(hs.Origin()[:4]) + hs.Origin()[4:], true},
		{"foreign origin", "http://evil.example.com", false},
		{"missing origin", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			conn, resp, err := th.Dial(hs.WebSocketURL(), token, tt.origin)
			if tt.ok {
				require.NoError(t, err)
				_ = conn.Close()
				return
			}
			require.Error(t, err)
			require.NotNil(t, resp)
			assert.Equal(t, http.StatusForbidden, resp.StatusCode)
		})
	}
}

func TestWildcardOrigin(t *testing.T) {
	hs := th.NewHarness(t, func(cfg *server.Config) {
		cfg.AllowedOrigins = []string{"*"}
	})
	conn, _, err := th.Dial(hs.WebSocketURL(), hs.Token("alice"), "https://anything.example")
	require.NoError(t, err)
	_ = conn.Close()
}

func TestSendMessageEndToEnd(t *testing.T) {
	hs := th.NewHarness(t, nil)
	alice := hs.Connect("alice")
	bob := hs.Connect("bob")
	ra, rb := th.NewReader(t, alice), th.NewReader(t, bob)

	th.Send(t, alice, hub.KindJoinChat, hub.JoinChat{ChatID: "room-1"})
	ra.Expect(hub.KindJoinedChat, wait)
	th.Send(t, bob, hub.KindJoinChat, "room-1")
	rb.Expect(hub.KindJoinedChat, wait)

	th.Send(t, alice, hub.KindSendMessage, hub.SendMessage{ChatID: "room-1", Content: "hello", ClientID: "tmp-1"})

	ack := th.Decode[hub.MessageAck](t, ra.Next(wait))
	assert.Equal(t, "tmp-1", ack.ClientID)
	assert.Equal(t, "alice", ack.Message.SenderID)
	assert.NotEmpty(t, ack.Message.ID)

	own := ra.Expect(hub.KindMessageReceived, wait)
	assert.Equal(t, "room-1", own.ChatID)

	env := rb.Expect(hub.KindMessageReceived, wait)
	msg := th.Decode[hub.Message](t, env)
	assert.Equal(t, ack.Message.ID, msg.ID)
	assert.Equal(t, "hello", msg.Content)

	history, err := hs.Store.Messages(t.Context(), "room-1")
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, msg.ID, history[0].ID)
}

func TestTypingEndToEnd(t *testing.T) {
	hs := th.NewHarness(t, nil)
	alice := hs.Connect("alice")
	bob := hs.Connect("bob")
	ra, rb := th.NewReader(t, alice), th.NewReader(t, bob)

	for _, c := range []struct {
		conn *websocket.Conn
		r    *th.Reader
	}{{alice, ra}, {bob, rb}} {
		th.Send(t, c.conn, hub.KindJoinChat, hub.JoinChat{ChatID: "room-1"})
		c.r.Expect(hub.KindJoinedChat, wait)
	}

	th.Send(t, alice, hub.KindTyping, hub.Typing{ChatID: "room-1", Username: "Alice"})
	typing := th.Decode[hub.UserTyping](t, rb.Expect(hub.KindUserTyping, wait))
	assert.Equal(t, hub.UserTyping{UserID: "alice", Username: "Alice"}, typing)

	stop := th.Decode[hub.UserStopTyping](t, rb.Expect(hub.KindUserStopTyping, wait))
	assert.Equal(t, "alice", stop.UserID, "the indicator expires without renewal")

	ra.ExpectNone(100 * time.Millisecond)
}

func TestDrawingEndToEnd(t *testing.T) {
	hs := th.NewHarness(t, nil)
	alice := hs.Connect("alice")
	bob := hs.Connect("bob")
	ra, rb := th.NewReader(t, alice), th.NewReader(t, bob)

	th.Send(t, alice, hub.KindJoinChat, hub.JoinChat{ChatID: "canvas"})
	ra.Expect(hub.KindJoinedChat, wait)
	th.Send(t, bob, hub.KindJoinChat, hub.JoinChat{ChatID: "canvas"})
	rb.Expect(hub.KindJoinedChat, wait)

	states := []hub.StrokeState{hub.StrokeStart, hub.StrokeMove, hub.StrokeMove, hub.StrokeEnd}
	for i, st := range states {
		th.Send(t, alice, hub.KindDrawingPoint, hub.DrawingPoint{
			ChatID: "canvas",
			Point:  hub.StrokePoint{X: float64(i), Y: 1, Color: "#000", Size: 2, Type: st},
		})
	}
	for i, st := range states {
		p := th.Decode[hub.StrokePoint](t, rb.Expect(hub.KindDrawingPoint, wait))
		assert.Equal(t, float64(i), p.X)
		assert.Equal(t, st, p.Type)
	}

	th.Send(t, alice, hub.KindClearCanvas, hub.ClearCanvas{ChatID: "canvas"})
	assert.Equal(t, "canvas", rb.Expect(hub.KindClearCanvas, wait).ChatID)

	ra.ExpectNone(100 * time.Millisecond)
}

func TestMalformedFrameKeepsConnection(t *testing.T) {
	hs := th.NewHarness(t, nil)
	conn := hs.Connect("alice")
	r := th.NewReader(t, conn)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("{not json")))
	reply := th.Decode[hub.ErrorReply](t, r.Expect(hub.KindError, wait))
	assert.NotEmpty(t, reply.Error)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"event":"teleport","data":{}}`)))
	reply = th.Decode[hub.ErrorReply](t, r.Expect(hub.KindError, wait))
	assert.Equal(t, hub.Kind("teleport"), reply.Event)

	th.Send(t, conn, hub.KindTyping, hub.Typing{ChatID: "never-joined"})
	reply = th.Decode[hub.ErrorReply](t, r.Expect(hub.KindError, wait))
	assert.Equal(t, hub.KindTyping, reply.Event)
	assert.Equal(t, "never-joined", reply.ChatID)

	th.Send(t, conn, hub.KindJoinChat, hub.JoinChat{ChatID: "room-1"})
	r.Expect(hub.KindJoinedChat, wait)
}

func TestOversizedFrameClosesConnection(t *testing.T) {
	hs := th.NewHarness(t, func(cfg *server.Config) {
		cfg.MaxMessageSize = 64
	})
	conn := hs.Connect("alice")

	big := `{"event":"send-message","data":{"chatId":"r","content":"` + strings.Repeat("x", 256) + `"}}`
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(big)))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(wait)))
	_, _, err := conn.ReadMessage()
	assert.Error(t, err)

	require.Eventually(t, func() bool {
		_, clients := hs.Hub.Stats()
		return clients == 0
	}, wait, 10*time.Millisecond)
}

func TestDisconnectUnregisters(t *testing.T) {
	hs := th.NewHarness(t, nil)
	conn := hs.Connect("alice")
	th.Send(t, conn, hub.KindJoinChat, hub.JoinChat{ChatID: "room-1"})
	th.NewReader(t, conn).Expect(hub.KindJoinedChat, wait)

	require.NoError(t, conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")))
	_ = conn.Close()

	require.Eventually(t, func() bool {
		rooms, clients := hs.Hub.Stats()
		return rooms == 0 && clients == 0
	}, wait, 10*time.Millisecond)
}

func TestShutdownClosesClients(t *testing.T) {
	hs := th.NewHarness(t, nil)
	a := hs.Connect("alice")
	b := hs.Connect("bob")

	require.NoError(t, hs.Server.Shutdown(wait))

	for _, conn := range []*websocket.Conn{a, b} {
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(wait)))
		_, _, err := conn.ReadMessage()
		var closeErr *websocket.CloseError
		assert.ErrorAs(t, err, &closeErr, "expected a close frame")
	}

	late, _, err := th.Dial(hs.WebSocketURL(), hs.Token("carol"), hs.Origin())
	require.NoError(t, err)
	require.NoError(t, late.SetReadDeadline(time.Now().Add(wait)))
	_, _, err = late.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseTryAgainLater), "got %v", err)
	_ = late.Close()
}

func TestShutdownDuringConnects(t *testing.T) {
	hs := th.NewHarness(t, nil)
	hs.Connect("alice")

	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		conns []*websocket.Conn
	)
	tokens := make([]string, 20)
	for i := range tokens {
		tokens[i] = hs.Token(fmt.Sprintf("user-%d", i))
	}

	start := make(chan struct{})
	for _, token := range tokens {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			conn, _, err := th.Dial(hs.WebSocketURL(), token, hs.Origin())
			if err != nil {
				return
			}
			mu.Lock()
			conns = append(conns, conn)
			mu.Unlock()
		}()
	}

	close(start)
	require.NoError(t, hs.Server.Shutdown(wait))
	wg.Wait()

	for _, conn := range conns {
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(wait)))
		_, _, err := conn.ReadMessage()
		var closeErr *websocket.CloseError
		assert.ErrorAs(t, err, &closeErr, "every accepted session is closed")
		_ = conn.Close()
	}

	require.Eventually(t, func() bool {
		_, clients := hs.Hub.Stats()
		return clients == 0
	}, wait, 10*time.Millisecond)
}

func TestRateLimitRejectsExcessEvents(t *testing.T) {
	hs := th.NewHarness(t, func(cfg *server.Config) {
		cfg.RateLimit = server.RateLimitConfig{Burst: 3, RefillInterval: 10 * time.Second}
	})
	alice := hs.Connect("alice")
	bob := hs.Connect("bob")
	ra, rb := th.NewReader(t, alice), th.NewReader(t, bob)

	th.Send(t, alice, hub.KindJoinChat, hub.JoinChat{ChatID: "canvas"})
	ra.Expect(hub.KindJoinedChat, wait)
	th.Send(t, bob, hub.KindJoinChat, hub.JoinChat{ChatID: "canvas"})
	rb.Expect(hub.KindJoinedChat, wait)

	for range 3 {
		th.Send(t, alice, hub.KindClearCanvas, hub.ClearCanvas{ChatID: "canvas"})
	}
	reply := th.Decode[hub.ErrorReply](t, ra.Expect(hub.KindError, wait))
	assert.Equal(t, hub.KindClearCanvas, reply.Event)
	assert.Contains(t, reply.Error, "rate limit")

	rb.Expect(hub.KindClearCanvas, wait)
	rb.Expect(hub.KindClearCanvas, wait)
	rb.ExpectNone(200 * time.Millisecond)
}

func TestPointerRateStrokeArrivesWhole(t *testing.T) {
	hs := th.NewHarness(t, nil)
	alice := hs.Connect("alice")
	bob := hs.Connect("bob")
	ra, rb := th.NewReader(t, alice), th.NewReader(t, bob)

	th.Send(t, alice, hub.KindJoinChat, hub.JoinChat{ChatID: "canvas"})
	ra.Expect(hub.KindJoinedChat, wait)
	th.Send(t, bob, hub.KindJoinChat, hub.JoinChat{ChatID: "canvas"})
	rb.Expect(hub.KindJoinedChat, wait)

	const samples = 60
	ticker := time.NewTicker(16 * time.Millisecond)
	defer ticker.Stop()
	for i := range samples {
		state := hub.StrokeMove
		switch i {
		case 0:
			state = hub.StrokeStart
		case samples - 1:
			state = hub.StrokeEnd
		}
		th.Send(t, alice, hub.KindDrawingPoint, hub.DrawingPoint{
			ChatID: "canvas",
			Point:  hub.StrokePoint{X: float64(i), Y: 1, Color: "#000", Size: 2, Type: state},
		})
		<-ticker.C
	}

	for i := range samples {
		p := th.Decode[hub.StrokePoint](t, rb.Expect(hub.KindDrawingPoint, wait))
		require.Equal(t, float64(i), p.X, "sample %d", i)
		if i == samples-1 {
			assert.Equal(t, hub.StrokeEnd, p.Type)
		}
	}
	rb.ExpectNone(100 * time.Millisecond)
	ra.ExpectNone(100 * time.Millisecond)
}
