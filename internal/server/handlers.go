package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/Tyrowin/sketchchat/internal/hub"
)

// WebSocketHandler authenticates the request, upgrades it, registers the
// session with the hub and starts its pumps.
func (s *Server) WebSocketHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed. WebSocket endpoint only accepts GET requests.", http.StatusMethodNotAllowed)
		return
	}

	userID, err := s.auth.Authenticate(r)
	if err != nil {
		s.log.Info("Rejected unauthenticated WebSocket request",
			zap.String("remote_addr", r.RemoteAddr), zap.Error(err))
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("WebSocket upgrade failed", zap.String("remote_addr", r.RemoteAddr), zap.Error(err))
		return
	}

	if !s.reservePumps() {
		rejectConnection(conn, hub.ErrClosed)
		return
	}

	client := NewClient(conn, s.hub, userID, r.RemoteAddr, s.cfg, s.log)
	if err := s.hub.Register(client, userID); err != nil {
		s.releasePumps()
		rejectConnection(conn, err)
		return
	}

	s.serve(client)
}

// registrationCloseMessage picks the close frame sent to a session the hub
// refused to register.
func registrationCloseMessage(err error) []byte {
	if errors.Is(err, hub.ErrClosed) {
		return websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "server is shutting down")
	}
	return websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "connection rejected")
}

func rejectConnection(conn *websocket.Conn, err error) {
	_ = conn.WriteMessage(websocket.CloseMessage, registrationCloseMessage(err))
	_ = conn.Close()
}

// HealthHandler provides a simple health check endpoint that returns server status.
func (s *Server) HealthHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	_, _ = fmt.Fprintf(w, "SketchChat server is running!")
}

type healthStatus struct {
	Status      string `json:"status"`
	Rooms       int    `json:"rooms"`
	Connections int    `json:"connections"`
}

// StatsHandler reports the number of active rooms and live connections.
func (s *Server) StatsHandler(w http.ResponseWriter, _ *http.Request) {
	rooms, clients := s.hub.Stats()
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(healthStatus{Status: "ok", Rooms: rooms, Connections: clients}); err != nil {
		s.log.Warn("Error writing health response", zap.Error(err))
	}
}

// TestPageHandler serves an HTML page for exercising the websocket protocol
// by hand: join a chat, send messages, type and draw.
func (s *Server) TestPageHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/html")
	if _, err := fmt.Fprint(w, testPageHTML); err != nil {
		s.log.Warn("Error writing HTML response", zap.Error(err))
	}
}

const testPageHTML = `<!DOCTYPE html>
<html>
<head>
    <title>SketchChat WebSocket Test</title>
    <style>
        body { font-family: Arial, sans-serif; margin: 20px; }
        #events {
            border: 1px solid #ccc;
            height: 300px;
            padding: 10px;
            overflow-y: scroll;
            margin: 10px 0;
            background-color: #f9f9f9;
            font-family: monospace;
            font-size: 12px;
        }
        #canvas { border: 1px solid #ccc; background: white; }
        input[type="text"] { width: 220px; padding: 5px; margin-right: 10px; }
        button {
            padding: 5px 15px;
            background-color: #007cba;
            color: white;
            border: none;
            cursor: pointer;
        }
        button:hover { background-color: #005a87; }
        .status { margin: 10px 0; padding: 5px; border-radius: 3px; }
        .connected { background-color: #d4edda; color: #155724; }
        .disconnected { background-color: #f8d7da; color: #721c24; }
        #typing { color: gray; font-style: italic; height: 1em; }
    </style>
</head>
<body>
    <h1>SketchChat WebSocket Test</h1>

    <div id="status" class="status disconnected">Disconnected</div>

    <div>
        <input type="text" id="token" placeholder="Access token">
        <button id="connectButton" onclick="toggleConnection()">Connect</button>
    </div>
    <div>
        <input type="text" id="chatId" placeholder="Chat id">
        <button onclick="emit('join-chat', {chatId: chatId()})">Join</button>
        <button onclick="emit('leave-chat', {chatId: chatId()})">Leave</button>
    </div>
    <div>
        <input type="text" id="messageInput" placeholder="Type a message...">
        <button onclick="sendMessage()">Send</button>
        <button onclick="emit('clear-canvas', {chatId: chatId()}); clearLocal()">Clear canvas</button>
    </div>
    <div id="typing"></div>

    <canvas id="canvas" width="400" height="200"></canvas>
    <div id="events"></div>

    <script>
        let ws = null;
        let typingTimer = null;
        const eventsDiv = document.getElementById('events');
        const statusDiv = document.getElementById('status');
        const connectButton = document.getElementById('connectButton');
        const messageInput = document.getElementById('messageInput');
        const typingDiv = document.getElementById('typing');
        const canvas = document.getElementById('canvas');
        const ctx = canvas.getContext('2d');

        function chatId() { return document.getElementById('chatId').value.trim(); }

        function log(text) {
            const line = document.createElement('div');
            line.textContent = text;
            eventsDiv.appendChild(line);
            eventsDiv.scrollTop = eventsDiv.scrollHeight;
        }

        function updateStatus(connected) {
            statusDiv.textContent = connected ? 'Connected' : 'Disconnected';
            statusDiv.className = 'status ' + (connected ? 'connected' : 'disconnected');
            connectButton.textContent = connected ? 'Disconnect' : 'Connect';
        }

        function emit(event, data) {
            if (ws && ws.readyState === WebSocket.OPEN) {
                ws.send(JSON.stringify({event: event, data: data}));
            }
        }

        function handle(env) {
            log(env.event + ' ' + JSON.stringify(env.data || {}));
            if (env.event === 'user-typing') {
                typingDiv.textContent = env.data.username + ' is typing...';
            } else if (env.event === 'user-stop-typing') {
                typingDiv.textContent = '';
            } else if (env.event === 'drawing-point') {
                drawPoint(env.data);
            } else if (env.event === 'clear-canvas') {
                clearLocal();
            }
        }

        function connect() {
            const scheme = location.protocol === 'https:' ? 'wss://' : 'ws://';
            const token = encodeURIComponent(document.getElementById('token').value.trim());
            ws = new WebSocket(scheme + location.host + '/ws?token=' + token);
            ws.onopen = function() { log('Connected to SketchChat server'); updateStatus(true); };
            ws.onmessage = function(event) {
                event.data.split('\n').forEach(function(frame) {
                    if (frame) { handle(JSON.parse(frame)); }
                });
            };
            ws.onclose = function() { log('Connection closed'); updateStatus(false); ws = null; };
            ws.onerror = function() { log('Connection error'); updateStatus(false); };
        }

        function toggleConnection() {
            if (ws && ws.readyState === WebSocket.OPEN) {
                ws.close();
            } else {
                connect();
            }
        }

        function sendMessage() {
            const content = messageInput.value.trim();
            if (!content) { return; }
            emit('stop-typing', {chatId: chatId()});
            emit('send-message', {chatId: chatId(), content: content, clientId: 'tmp-' + Date.now()});
            messageInput.value = '';
        }

        messageInput.addEventListener('input', function() {
            emit('typing', {chatId: chatId(), username: 'tester'});
            clearTimeout(typingTimer);
            typingTimer = setTimeout(function() { emit('stop-typing', {chatId: chatId()}); }, 3000);
        });
        messageInput.addEventListener('keypress', function(e) {
            if (e.key === 'Enter') { sendMessage(); }
        });

        let last = null;
        function drawPoint(p) {
            ctx.strokeStyle = p.color;
            ctx.lineWidth = p.size;
            if (p.type === 'start' || !last) {
                ctx.beginPath();
                ctx.moveTo(p.x, p.y);
            } else {
                ctx.lineTo(p.x, p.y);
                ctx.stroke();
            }
            last = p.type === 'end' ? null : p;
        }
        function clearLocal() { ctx.clearRect(0, 0, canvas.width, canvas.height); last = null; }

        let drawing = false;
        function sample(e, type) {
            const rect = canvas.getBoundingClientRect();
            const point = {x: e.clientX - rect.left, y: e.clientY - rect.top, color: '#222', size: 2, type: type};
            drawPoint(point);
            emit('drawing-point', {chatId: chatId(), point: point});
        }
        canvas.addEventListener('mousedown', function(e) { drawing = true; sample(e, 'start'); });
        canvas.addEventListener('mousemove', function(e) { if (drawing) { sample(e, 'move'); } });
        canvas.addEventListener('mouseup', function(e) { if (drawing) { drawing = false; sample(e, 'end'); } });
    </script>
</body>
</html>`
