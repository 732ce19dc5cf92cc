package server

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/Tyrowin/sketchchat/internal/hub"
)

const (
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
	writeWait  = 10 * time.Second
)

var (
	errSendBufferFull = errors.New("client send buffer full")
	errClientClosed   = errors.New("client closed")
	errRateLimited    = errors.New("rate limit exceeded; event discarded")
)

// Client is one authenticated websocket session. It implements hub.Conn:
// the hub queues frames with Send and a dedicated writePump drains them.
type Client struct {
	id     string
	userID string
	addr   string

	conn *websocket.Conn
	hub  *hub.Hub
	log  *zap.Logger

	mu     sync.Mutex
	send   chan []byte
	closed bool

	maxMessageSize  int64
	rateLimiter     *rate.Limiter
	rateLimit       RateLimitConfig
	strokeLimiter   *rate.Limiter
	strokeRateLimit RateLimitConfig
}

// NewClient creates a Client for an upgraded connection bound to userID.
func NewClient(conn *websocket.Conn, h *hub.Hub, userID, addr string, cfg Config, log *zap.Logger) *Client {
	cfg = sanitizeConfig(cfg)
	if conn != nil {
		conn.SetReadLimit(cfg.MaxMessageSize)
	}
	id := uuid.NewString()

	return &Client{
		id:              id,
		userID:          userID,
		addr:            addr,
		conn:            conn,
		hub:             h,
		log:             log.With(zap.String("conn_id", id), zap.String("user_id", userID), zap.String("remote_addr", addr)),
		send:            make(chan []byte, cfg.SendBuffer),
		maxMessageSize:  cfg.MaxMessageSize,
		rateLimiter:     newRateLimiter(cfg.RateLimit.Burst, cfg.RateLimit.RefillInterval),
		rateLimit:       cfg.RateLimit,
		strokeLimiter:   newRateLimiter(cfg.StrokeRateLimit.Burst, cfg.StrokeRateLimit.RefillInterval),
		strokeRateLimit: cfg.StrokeRateLimit,
	}
}

// ID returns the connection id assigned at upgrade time.
func (c *Client) ID() string { return c.id }

// UserID returns the authenticated user bound to the connection.
func (c *Client) UserID() string { return c.userID }

// Send queues one frame for the writer without blocking.
func (c *Client) Send(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errClientClosed
	}
	select {
	case c.send <- data:
		return nil
	default:
		return errSendBufferFull
	}
}

// Close stops accepting frames. The writer flushes what is queued, sends a
// close frame and tears the socket down.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
	return nil
}

// GetSendChan returns the client's send channel for reading outgoing frames.
func (c *Client) GetSendChan() <-chan []byte {
	return c.send
}

func (c *Client) setupReadConnection() {
	if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		c.log.Warn("Error setting initial read deadline", zap.Error(err))
	}
	c.conn.SetPongHandler(func(string) error {
		if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
			c.log.Warn("Error setting read deadline in pong handler", zap.Error(err))
		}
		return nil
	})
}

// handleReadError logs the read failure at a level matching its cause and
// reports whether the read loop should stop.
func (c *Client) handleReadError(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, websocket.ErrReadLimit) {
		c.log.Warn("Message exceeded maximum size", zap.Int64("max_bytes", c.maxMessageSize))
		return true
	}

	if websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseAbnormalClosure) {
		c.log.Info("Client disconnected", zap.Error(err))
		return true
	}

	if errors.Is(err, io.EOF) || isExpectedCloseError(err) {
		c.log.Info("Client connection closed", zap.Error(err))
		return true
	}

	if websocket.IsUnexpectedCloseError(err,
		websocket.CloseGoingAway,
		websocket.CloseAbnormalClosure,
		websocket.CloseMessageTooBig) {
		c.log.Warn("Unexpected WebSocket error", zap.Error(err))
		return true
	}

	c.log.Warn("WebSocket read error", zap.Error(err))
	return true
}

// checkRateLimit takes a token from the bucket that covers kind. Stroke
// samples draw from their own bucket.
func (c *Client) checkRateLimit(kind hub.Kind) bool {
	limiter, limit := c.rateLimiter, c.rateLimit
	if kind == hub.KindDrawingPoint {
		limiter, limit = c.strokeLimiter, c.strokeRateLimit
	}
	if limiter != nil && !limiter.Allow() {
		c.log.Warn("Rate limit exceeded; discarding event",
			zap.String("event", string(kind)),
			zap.Int("burst", limit.Burst), zap.Duration("interval", limit.RefillInterval))
		return false
	}
	return true
}

// processMessage decodes one frame and hands it to the hub. Frames that do
// not decode or exceed the rate limit are answered with an error event and
// the connection stays open.
func (c *Client) processMessage(ctx context.Context, rawMessage []byte) bool {
	ev, kind, err := hub.DecodeEvent(rawMessage)
	if !c.checkRateLimit(kind) {
		c.hub.Reject(c.id, kind, errRateLimited)
		return false
	}
	if err != nil {
		c.log.Debug("Invalid event", zap.String("event", string(kind)), zap.Error(err))
		c.hub.Reject(c.id, kind, err)
		return false
	}

	if err := c.hub.Handle(ctx, c.id, ev); err != nil {
		c.log.Debug("Event rejected",
			zap.String("event", string(ev.Kind())), zap.String("room", ev.Room()), zap.Error(err))
		return false
	}
	return true
}

func (c *Client) readPump(ctx context.Context) {
	defer func() {
		c.hub.Unregister(c.id)
		if err := c.conn.Close(); err != nil && !isExpectedCloseError(err) {
			c.log.Debug("Error closing connection in readPump", zap.Error(err))
		}
	}()

	c.setupReadConnection()

	for {
		_, rawMessage, err := c.conn.ReadMessage()
		if c.handleReadError(err) {
			return
		}

		c.processMessage(ctx, rawMessage)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.closeConnection()
	}()

	for c.processWriteEvent(ticker) {
	}
}

// processWriteEvent waits for the next write event and returns false when the
// pump should stop processing.
func (c *Client) processWriteEvent(ticker *time.Ticker) bool {
	select {
	case message, ok := <-c.send:
		return c.handleMessage(message, ok)
	case <-ticker.C:
		return c.handlePing()
	}
}

func (c *Client) closeConnection() {
	if err := c.conn.Close(); err != nil && !isExpectedCloseError(err) {
		c.log.Debug("Error closing connection in writePump", zap.Error(err))
	}
}

// handleMessage writes one outgoing frame and returns false if the connection
// should be closed.
func (c *Client) handleMessage(message []byte, ok bool) bool {
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		c.log.Debug("Error setting write deadline", zap.Error(err))
		return false
	}

	if !ok {
		return c.writeCloseMessage()
	}

	return c.writeTextMessage(message)
}

func (c *Client) writeCloseMessage() bool {
	if err := c.conn.WriteMessage(websocket.CloseMessage, []byte{}); err != nil && !isExpectedCloseError(err) {
		c.log.Debug("Error writing close message", zap.Error(err))
	}
	return false
}

// writeTextMessage writes a frame and then any frames already queued behind
// it, newline separated, in the same websocket message.
func (c *Client) writeTextMessage(message []byte) bool {
	w, err := c.conn.NextWriter(websocket.TextMessage)
	if err != nil {
		c.log.Debug("Error creating writer", zap.Error(err))
		return false
	}

	if !c.writeMessageContent(w, message) {
		return false
	}

	if !c.writeQueuedMessages(w) {
		return false
	}

	return c.closeWriter(w)
}

func (c *Client) writeMessageContent(w io.WriteCloser, message []byte) bool {
	if _, err := w.Write(message); err != nil {
		c.log.Debug("Error writing message", zap.Error(err))
		return false
	}
	return true
}

func (c *Client) writeQueuedMessages(w io.WriteCloser) bool {
	n := len(c.send)
	for range n {
		queued, ok := <-c.send
		if !ok {
			break
		}
		if !c.writeQueuedMessage(w, queued) {
			return false
		}
	}
	return true
}

func (c *Client) writeQueuedMessage(w io.WriteCloser, queued []byte) bool {
	if _, err := w.Write([]byte{'\n'}); err != nil {
		c.log.Debug("Error writing newline", zap.Error(err))
		return false
	}
	if _, err := w.Write(queued); err != nil {
		c.log.Debug("Error writing queued message", zap.Error(err))
		return false
	}
	return true
}

func (c *Client) closeWriter(w io.WriteCloser) bool {
	if err := w.Close(); err != nil {
		c.log.Debug("Error closing writer", zap.Error(err))
		return false
	}
	return true
}

// handlePing sends a ping message to keep the connection alive.
func (c *Client) handlePing() bool {
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		c.log.Debug("Error setting write deadline for ping", zap.Error(err))
		return false
	}
	if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
		c.log.Debug("Error writing ping message", zap.Error(err))
		return false
	}
	return true
}

// isExpectedCloseError checks if an error is expected during connection closure.
func isExpectedCloseError(err error) bool {
	if err == nil {
		return true
	}
	errStr := err.Error()
	return strings.Contains(errStr, "use of closed network connection") ||
		strings.Contains(errStr, "websocket: close sent") ||
		strings.Contains(errStr, "broken pipe")
}
