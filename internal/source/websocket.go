package source

import (
	"bytes"
	"context"
	"time"

	"github.com/gorilla/websocket"

	"github.com/bardlex/gompcore/internal/engine"
	"github.com/bardlex/gompcore/pkg/errors"
	"github.com/bardlex/gompcore/pkg/log"
	"github.com/bardlex/gompcore/pkg/retry"
)

// WebSocketConfig configures a WebSocketSource.
type WebSocketConfig struct {
	URL            string
	ReconnectDelay time.Duration
	// ReadTimeout is how long the feed may stay silent, pongs included,
	// before the connection is considered dead.
	ReadTimeout  time.Duration
	PingInterval time.Duration
}

// WebSocketSource reads template notifications from a websocket feed. A
// message holding a JSON object is passed on as the event payload for the
// coordinator's decoder; any other message is a bare refresh signal.
type WebSocketSource struct {
	cfg    WebSocketConfig
	dialer *websocket.Dialer
	logger *log.Logger
}

var _ engine.TemplateSource = (*WebSocketSource)(nil)

// NewWebSocketSource returns a source for cfg.URL.
func NewWebSocketSource(cfg WebSocketConfig, logger *log.Logger) *WebSocketSource {
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = retry.DefaultReconnectDelay
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 2 * time.Minute
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = cfg.ReadTimeout / 2
	}

	return &WebSocketSource{
		cfg:    cfg,
		dialer: &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		logger: logger.WithComponent("websocket_source").WithFields("url", cfg.URL),
	}
}

// Name implements engine.TemplateSource.
func (s *WebSocketSource) Name() string { return "websocket" }

// Subscribe implements engine.TemplateSource.
func (s *WebSocketSource) Subscribe(ctx context.Context) <-chan engine.TemplateEvent {
	out := make(chan engine.TemplateEvent, 4)

	go func() {
		defer close(out)
		retry.Reconnect(ctx, s.cfg.ReconnectDelay,
			func(ctx context.Context) error { return s.run(ctx, out) },
			func(err error) {
				s.logger.WithError(err).Warn("template feed disconnected, reconnecting",
					"delay", s.cfg.ReconnectDelay.String())
			})
	}()

	return out
}

func (s *WebSocketSource) run(ctx context.Context, out chan<- engine.TemplateEvent) error {
	conn, _, err := s.dialer.DialContext(ctx, s.cfg.URL, nil)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeNetwork, "websocket_dial", "failed to connect to template feed")
	}
	s.logger.Info("connected to template feed")

	done := make(chan struct{})
	defer close(done)
	go func() {
		ticker := time.NewTicker(s.cfg.PingInterval)
		defer ticker.Stop()
		defer conn.Close()

		for {
			select {
			case <-ctx.Done():
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
					time.Now().Add(time.Second))
				return
			case <-done:
				return
			case <-ticker.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(10*time.Second)); err != nil {
					return
				}
			}
		}
	}()

	_ = conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
	})

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return errors.Wrap(err, errors.ErrorTypeNetwork, "websocket_read", "template feed read failed")
		}
		_ = conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))

		ev := engine.TemplateEvent{Trigger: engine.TriggerPush}
		if trimmed := bytes.TrimSpace(msg); len(trimmed) > 0 && trimmed[0] == '{' {
			ev.Payload = trimmed
		}

		select {
		case out <- ev:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
