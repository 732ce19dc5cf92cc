// Package testhelpers provides utilities shared by the SketchChat transport
// tests: a fully wired test server, websocket dialing with credentials, and
// reading and writing protocol envelopes.
package testhelpers

import (
	"bytes"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Tyrowin/sketchchat/internal/auth"
	"github.com/Tyrowin/sketchchat/internal/hub"
	"github.com/Tyrowin/sketchchat/internal/server"
	"github.com/Tyrowin/sketchchat/internal/store"
)

// Secret signs every token minted by a Harness.
const Secret = "test-secret"

// Harness is a running server with an in-memory store.
type Harness struct {
	T        *testing.T
	HTTP     *httptest.Server
	Server   *server.Server
	Hub      *hub.Hub
	Store    *store.MemoryStore
	Auth     *auth.JWTAuthenticator
	Registry *prometheus.Registry
}

// NewHarness starts a test server. customize may adjust the transport config
// before the server is built. The HTTP server's own URL is always an allowed
// origin.
func NewHarness(t *testing.T, customize func(cfg *server.Config)) *Harness {
	t.Helper()

	st := store.NewMemoryStore(true, nil)
	reg := prometheus.NewRegistry()
	h, err := hub.New(hub.Options{
		Store:          st,
		Metrics:        hub.NewMetrics(reg),
		TypingDeadline: 500 * time.Millisecond,
	})
	require.NoError(t, err)

	authn, err := auth.NewJWTAuthenticator(Secret, "")
	require.NoError(t, err)

	ts := httptest.NewUnstartedServer(nil)
	cfg := *server.NewConfig()
	cfg.AllowedOrigins = append([]string{"http://" + ts.Listener.Addr().String()}, cfg.AllowedOrigins...)
	if customize != nil {
		customize(&cfg)
	}

	srv, err := server.New(server.Options{
		Hub:      h,
		Auth:     authn,
		Config:   cfg,
		Logger:   zap.NewNop(),
		Gatherer: reg,
	})
	require.NoError(t, err)

	ts.Config.Handler = srv.Routes()
	ts.Start()

	hs := &Harness{T: t, HTTP: ts, Server: srv, Hub: h, Store: st, Auth: authn, Registry: reg}
	t.Cleanup(func() {
		_ = srv.Shutdown(2 * time.Second)
		ts.Close()
	})
	return hs
}

// Origin is the allowed origin of the test server.
func (hs *Harness) Origin() string {
	return hs.HTTP.URL
}

// WebSocketURL returns the ws:// URL of the /ws endpoint.
func (hs *Harness) WebSocketURL() string {
	return "ws" + strings.TrimPrefix(hs.HTTP.URL, "http") + "/ws"
}

// Token mints a valid token for userID.
func (hs *Harness) Token(userID string) string {
	hs.T.Helper()
	token, err := hs.Auth.IssueToken(userID, time.Hour)
	require.NoError(hs.T, err)
	return token
}

// Connect dials /ws as userID with an allowed origin and waits until the hub
// has registered the connection.
func (hs *Harness) Connect(userID string) *websocket.Conn {
	hs.T.Helper()
	_, before := hs.Hub.Stats()

	conn, resp, err := Dial(hs.WebSocketURL(), hs.Token(userID), hs.Origin())
	require.NoError(hs.T, err)
	require.Equal(hs.T, http.StatusSwitchingProtocols, resp.StatusCode)
	hs.T.Cleanup(func() { _ = conn.Close() })

	require.Eventually(hs.T, func() bool {
		_, after := hs.Hub.Stats()
		return after > before
	}, 2*time.Second, 10*time.Millisecond)
	return conn
}

// Dial opens a websocket to wsURL. Empty token or origin are omitted.
func Dial(wsURL, token, origin string) (*websocket.Conn, *http.Response, error) {
	dialer := websocket.Dialer{HandshakeTimeout: 5 * time.Second}

	headers := http.Header{}
	if origin != "" {
		headers.Set("Origin", origin)
	}
	if token != "" {
		u, err := url.Parse(wsURL)
		if err != nil {
			return nil, nil, err
		}
		q := u.Query()
		q.Set("token", token)
		u.RawQuery = q.Encode()
		wsURL = u.String()
	}

	conn, resp, err := dialer.Dial(wsURL, headers)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	return conn, resp, err
}

// Send writes one envelope.
func Send(t *testing.T, conn *websocket.Conn, kind hub.Kind, payload any) {
	t.Helper()
	data, err := json.Marshal(payload)
	require.NoError(t, err)
	frame, err := json.Marshal(hub.Envelope{Event: kind, Data: data})
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, frame))
}

// Reader buffers envelopes from a connection. The server may coalesce
// several envelopes into one frame separated by newlines.
type Reader struct {
	t       *testing.T
	conn    *websocket.Conn
	pending []hub.Envelope
}

func NewReader(t *testing.T, conn *websocket.Conn) *Reader {
	return &Reader{t: t, conn: conn}
}

// Next returns the next envelope or fails the test after timeout.
func (r *Reader) Next(timeout time.Duration) hub.Envelope {
	r.t.Helper()
	for len(r.pending) == 0 {
		require.NoError(r.t, r.conn.SetReadDeadline(time.Now().Add(timeout)))
		_, frame, err := r.conn.ReadMessage()
		require.NoError(r.t, err)
		for _, part := range bytes.Split(frame, []byte{'\n'}) {
			if len(bytes.TrimSpace(part)) == 0 {
				continue
			}
			var env hub.Envelope
			require.NoError(r.t, json.Unmarshal(part, &env))
			r.pending = append(r.pending, env)
		}
	}
	env := r.pending[0]
	r.pending = r.pending[1:]
	return env
}

// Expect skips envelopes until one of kind arrives and returns it.
func (r *Reader) Expect(kind hub.Kind, timeout time.Duration) hub.Envelope {
	r.t.Helper()
	deadline := time.Now().Add(timeout)
	for {
		remaining := time.Until(deadline)
		require.Positive(r.t, remaining, "timed out waiting for %s", kind)
		env := r.Next(remaining)
		if env.Event == kind {
			return env
		}
	}
}

// ExpectNone fails if any envelope arrives within timeout.
func (r *Reader) ExpectNone(timeout time.Duration) {
	r.t.Helper()
	require.Empty(r.t, r.pending)
	require.NoError(r.t, r.conn.SetReadDeadline(time.Now().Add(timeout)))
	_, frame, err := r.conn.ReadMessage()
	if err == nil {
		r.t.Fatalf("expected no message, received %s", frame)
	}
	if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
		return
	}
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		return
	}
	r.t.Fatalf("unexpected error while waiting for absence of message: %v", err)
}

// Decode unmarshals an envelope's data into T.
func Decode[T any](t *testing.T, env hub.Envelope) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(env.Data, &v))
	return v
}

// MakeRequest executes an HTTP request with a five second timeout.
func MakeRequest(t *testing.T, method, url string) *http.Response {
	t.Helper()

	client := &http.Client{Timeout: 5 * time.Second}
	req, err := http.NewRequest(method, url, http.NoBody)
	require.NoError(t, err)

	resp, err := client.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}
