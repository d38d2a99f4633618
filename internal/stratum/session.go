package stratum

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bardlex/gompcore/internal/engine"
	"github.com/bardlex/gompcore/pkg/log"
)

// SessionConfig bounds a single connection.
type SessionConfig struct {
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	MaxMessageSize int
	// OutboundQueue is the number of messages that may wait for the writer
	// before sends start failing.
	OutboundQueue int
}

// DefaultSessionConfig returns the connection limits used when none are
// configured.
func DefaultSessionConfig() SessionConfig {
	return SessionConfig{
		ReadTimeout:    5 * time.Minute,
		WriteTimeout:   30 * time.Second,
		MaxMessageSize: 4096,
		OutboundQueue:  100,
	}
}

func (c SessionConfig) withDefaults() SessionConfig {
	def := DefaultSessionConfig()
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = def.ReadTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = def.WriteTimeout
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = def.MaxMessageSize
	}
	if c.OutboundQueue <= 0 {
		c.OutboundQueue = def.OutboundQueue
	}
	return c
}

// ErrSessionClosed is returned when sending on a closed session.
var ErrSessionClosed = errors.New("session closed")

// Identity is what a miner has established over the handshake. Values are
// never modified once published; updates replace the whole snapshot.
type Identity struct {
	Subscribed  bool
	Authorized  bool
	ExtraNonce1 string
	UserAgent   string
	// Miner is the payout address from mining.authorize.
	Miner      string
	WorkerName string
	// VersionMask is the negotiated BIP 310 mask, 0 when not negotiated.
	VersionMask uint32
}

// MessageHandler dispatches decoded requests for a session.
type MessageHandler interface {
	HandleMessage(ctx context.Context, session *Session, msg *Message) error
}

// Session is one miner connection. Reads and handling run on the caller's
// goroutine; writes drain a bounded queue on their own goroutine.
type Session struct {
	id     string
	conn   net.Conn
	remote string
	cfg    SessionConfig
	logger *log.Logger
	worker *engine.WorkerContext

	ident   atomic.Pointer[Identity]
	identMu sync.Mutex

	outbound  chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

var _ engine.WorkerConn = (*Session)(nil)

// NewSession creates a session for conn. worker carries the mining state
// shared with the engine.
func NewSession(id string, conn net.Conn, worker *engine.WorkerContext, cfg SessionConfig, logger *log.Logger) *Session {
	cfg = cfg.withDefaults()
	remote := conn.RemoteAddr().String()

	s := &Session{
		id:       id,
		conn:     conn,
		remote:   remote,
		cfg:      cfg,
		logger:   logger.WithFields("session_id", id, "remote_addr", remote),
		worker:   worker,
		outbound: make(chan []byte, cfg.OutboundQueue),
		done:     make(chan struct{}),
	}
	s.ident.Store(&Identity{})
	return s
}

// Start runs the session until the client disconnects, ctx is done or the
// session is closed.
func (s *Session) Start(ctx context.Context, handler MessageHandler) error {
	s.logger.LogConnection("connected", s.remote)
	defer s.Close()

	go s.drain(ctx)
	return s.serve(ctx, handler)
}

func (s *Session) serve(ctx context.Context, handler MessageHandler) error {
	lines := bufio.NewScanner(s.conn)
	lines.Buffer(make([]byte, 0, min(4096, s.cfg.MaxMessageSize)), s.cfg.MaxMessageSize)

	for ctx.Err() == nil && !s.closed() {
		if err := s.conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout)); err != nil {
			return err
		}
		if !lines.Scan() {
			return s.readErr(lines.Err())
		}

		raw := lines.Bytes()
		if len(raw) == 0 {
			continue
		}
		s.logger.LogStratumMessage("received", string(raw))

		msg, err := ParseMessage(raw)
		if err != nil {
			s.logger.WithError(err).Debug("unparseable line")
			if err := s.SendError(nil, ErrorParseError, "Parse error"); err != nil {
				return err
			}
			continue
		}
		if err := handler.HandleMessage(ctx, s, msg); err != nil {
			s.logger.WithError(err).Warn("handler failed", "method", msg.Method)
		}
	}
	return ctx.Err()
}

// readErr classifies the end of the read side. EOF and reads interrupted by
// Close are clean disconnects.
func (s *Session) readErr(err error) error {
	switch {
	case err == nil, s.closed():
		s.logger.Debug("client disconnected")
		return nil
	case errors.Is(err, bufio.ErrTooLong):
		s.logger.Warn("line exceeds size limit, dropping connection", "limit", s.cfg.MaxMessageSize)
	}
	return err
}

func (s *Session) drain(ctx context.Context) {
	defer s.Close()

	for {
		var data []byte
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		case data = <-s.outbound:
		}

		if err := s.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout)); err != nil {
			return
		}
		if _, err := s.conn.Write(data); err != nil {
			if !s.closed() {
				s.logger.WithError(err).Warn("write failed")
			}
			return
		}
		s.logger.LogStratumMessage("sent", string(data[:len(data)-1]))
	}
}

// send queues msg for the writer. It never blocks: a full queue is an error
// so one slow miner cannot stall a broadcast.
func (s *Session) send(msg *Message) error {
	if s.closed() {
		return ErrSessionClosed
	}
	data, err := MarshalMessage(msg)
	if err != nil {
		return err
	}

	select {
	case s.outbound <- append(data, '\n'):
		return nil
	case <-s.done:
		return ErrSessionClosed
	default:
		return fmt.Errorf("outbound queue full for session %s", s.id)
	}
}

// Reply answers the request with the given id.
func (s *Session) Reply(id, result any) error {
	return s.send(NewResponse(id, result))
}

// SendError answers the request with the given id with a Stratum error.
func (s *Session) SendError(id any, code int, message string) error {
	return s.send(NewErrorResponse(id, code, message))
}

// SendDifficulty implements engine.WorkerConn.
func (s *Session) SendDifficulty(difficulty float64) error {
	return s.send(NewNotification(MethodSetDifficulty, []any{difficulty}))
}

// SendJob implements engine.WorkerConn.
func (s *Session) SendJob(params []any) error {
	return s.send(NewNotification(MethodNotify, params))
}

// Close closes the connection. Safe to call more than once.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		close(s.done)
		if err := s.conn.Close(); err != nil {
			s.logger.WithError(err).Debug("close failed")
		}
		s.logger.LogConnection("disconnected", s.remote)
	})
}

func (s *Session) closed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// ID implements engine.WorkerConn.
func (s *Session) ID() string { return s.id }

// Worker implements engine.WorkerConn.
func (s *Session) Worker() *engine.WorkerContext { return s.worker }

// Identity returns the current handshake state.
func (s *Session) Identity() Identity { return *s.ident.Load() }

// update applies fn to a copy of the identity and publishes the result.
func (s *Session) update(fn func(*Identity)) Identity {
	s.identMu.Lock()
	defer s.identMu.Unlock()

	next := *s.ident.Load()
	fn(&next)
	s.ident.Store(&next)
	return next
}
