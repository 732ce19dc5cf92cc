package server

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/Tyrowin/sketchchat/internal/hub"
)

// Authenticator resolves the verified user behind a websocket upgrade request.
type Authenticator interface {
	Authenticate(r *http.Request) (string, error)
}

// Options configures a Server. Hub and Auth are required.
type Options struct {
	Hub      *hub.Hub
	Auth     Authenticator
	Config   Config
	Logger   *zap.Logger
	Gatherer prometheus.Gatherer
}

// Server accepts websocket sessions and runs their pumps against a Hub.
type Server struct {
	hub      *hub.Hub
	auth     Authenticator
	cfg      Config
	origins  *originPolicy
	upgrader websocket.Upgrader
	log      *zap.Logger
	gatherer prometheus.Gatherer

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	closing bool
	wg      sync.WaitGroup
}

// New builds a Server from opts.
func New(opts Options) (*Server, error) {
	if opts.Hub == nil {
		return nil, errors.New("server: a hub is required")
	}
	if opts.Auth == nil {
		return nil, errors.New("server: an authenticator is required")
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	gatherer := opts.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	cfg := sanitizeConfig(opts.Config)
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		hub:      opts.Hub,
		auth:     opts.Auth,
		cfg:      cfg,
		origins:  newOriginPolicy(cfg.AllowedOrigins, log),
		log:      log,
		gatherer: gatherer,
		ctx:      ctx,
		cancel:   cancel,
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.origins.check,
	}
	return s, nil
}

// Config returns the sanitized configuration the server runs with.
func (s *Server) Config() Config {
	cfg := s.cfg
	cfg.AllowedOrigins = append([]string(nil), cfg.AllowedOrigins...)
	return cfg
}

// reservePumps counts a session's two pumps against the shutdown wait group.
// It reports false once Shutdown has started.
func (s *Server) reservePumps() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing {
		return false
	}
	s.wg.Add(2)
	return true
}

func (s *Server) releasePumps() {
	s.wg.Add(-2)
}

// serve starts the pumps for a registered client. The caller must have
// reserved them with reservePumps.
func (s *Server) serve(client *Client) {
	go func() {
		defer s.wg.Done()
		client.writePump()
	}()
	go func() {
		defer s.wg.Done()
		client.readPump(s.ctx)
	}()
}

// Shutdown closes every session through the hub and waits for the pumps to
// finish, or until timeout.
func (s *Server) Shutdown(timeout time.Duration) error {
	s.log.Info("Initiating websocket shutdown...")

	s.mu.Lock()
	s.closing = true
	s.mu.Unlock()

	s.cancel()
	s.hub.Shutdown()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.log.Info("Websocket shutdown completed successfully")
		return nil
	case <-time.After(timeout):
		s.log.Warn("Websocket shutdown timeout reached, some goroutines may still be running")
		return context.DeadlineExceeded
	}
}
