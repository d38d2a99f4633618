package stratum

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/google/uuid"

	"github.com/bardlex/gompcore/internal/engine"
	"github.com/bardlex/gompcore/pkg/log"
)

// ServerConfig configures the Stratum listener and the mining state every
// new connection starts with.
type ServerConfig struct {
	ListenAddr     string
	MaxConnections int
	Session        SessionConfig

	StartDifficulty float64
	MaxActiveJobs   int
	VarDiff         bool
}

// Server accepts miner connections and runs one Session per connection.
type Server struct {
	cfg     ServerConfig
	handler *Handler
	logger  *log.Logger

	mu       sync.RWMutex
	listener net.Listener
	sessions map[string]*Session
	wg       sync.WaitGroup
}

// NewServer creates a server that dispatches requests to handler.
func NewServer(cfg ServerConfig, handler *Handler, logger *log.Logger) *Server {
	return &Server{
		cfg:      cfg,
		handler:  handler,
		logger:   logger.WithComponent("server"),
		sessions: make(map[string]*Session),
	}
}

// ListenAndServe listens on the configured address and serves until ctx is
// done.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.ListenAddr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln until ctx is done. It returns nil after a
// clean shutdown.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	s.logger.Info("server listening", "address", ln.Addr().String())

	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			s.logger.WithError(err).Error("failed to accept connection")
			continue
		}

		if s.cfg.MaxConnections > 0 && s.SessionCount() >= s.cfg.MaxConnections {
			s.logger.Warn("connection limit reached", "remote_addr", conn.RemoteAddr().String())
			_ = conn.Close()
			continue
		}

		s.wg.Add(1)
		go s.handleConnection(ctx, conn)
	}
}

// Addr returns the listening address, or nil before Serve.
func (s *Server) Addr() net.Addr {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

func (s *Server) handleConnection(ctx context.Context, conn net.Conn) {
	defer s.wg.Done()

	worker := engine.NewWorkerContext(s.cfg.StartDifficulty, s.cfg.MaxActiveJobs, s.cfg.VarDiff)
	session := NewSession(uuid.NewString(), conn, worker, s.cfg.Session, s.logger)

	s.mu.Lock()
	s.sessions[session.ID()] = session
	s.mu.Unlock()

	defer func() {
		s.handler.Disconnect(session)
		s.mu.Lock()
		delete(s.sessions, session.ID())
		s.mu.Unlock()
	}()

	if err := session.Start(ctx, s.handler); err != nil && !errors.Is(err, context.Canceled) {
		s.logger.WithError(err).Debug("session ended", "session_id", session.ID())
	}
}

// SessionCount returns the number of open sessions.
func (s *Server) SessionCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// Shutdown closes the listener and every session, then waits for the
// connection goroutines until ctx is done.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down server")

	s.mu.RLock()
	if s.listener != nil {
		_ = s.listener.Close()
	}
	for _, session := range s.sessions {
		session.Close()
	}
	s.mu.RUnlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info("all connections closed")
		return nil
	case <-ctx.Done():
		s.logger.Warn("shutdown timeout exceeded")
		return ctx.Err()
	}
}
