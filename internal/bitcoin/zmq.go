package bitcoin

import (
	"context"
	"encoding/binary"
	"fmt"
	"syscall"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	zmq "github.com/pebbe/zmq4"

	"github.com/bardlex/gompcore/internal/engine"
	"github.com/bardlex/gompcore/pkg/errors"
	"github.com/bardlex/gompcore/pkg/log"
	"github.com/bardlex/gompcore/pkg/retry"
)

const (
	topicHashBlock = "hashblock"

	// zmqPollTimeout bounds how long a receive blocks before the listener
	// rechecks its context.
	zmqPollTimeout = time.Second
)

// ZMQSource turns bitcoind hashblock notifications into push events. The
// events carry no payload; the coordinator fetches the template itself.
type ZMQSource struct {
	endpoint       string
	reconnectDelay time.Duration
	logger         *log.Logger
}

var _ engine.TemplateSource = (*ZMQSource)(nil)

// NewZMQSource returns a source subscribed to endpoint's hashblock topic.
func NewZMQSource(endpoint string, reconnectDelay time.Duration, logger *log.Logger) *ZMQSource {
	return &ZMQSource{
		endpoint:       endpoint,
		reconnectDelay: reconnectDelay,
		logger:         logger.WithComponent("zmq").WithFields("endpoint", endpoint),
	}
}

// Name implements engine.TemplateSource.
func (z *ZMQSource) Name() string { return "zmq" }

// Subscribe implements engine.TemplateSource. Connection failures are logged
// and retried after the reconnect delay; the stream closes only when ctx is
// done.
func (z *ZMQSource) Subscribe(ctx context.Context) <-chan engine.TemplateEvent {
	out := make(chan engine.TemplateEvent, 1)

	go func() {
		defer close(out)
		retry.Reconnect(ctx, z.reconnectDelay,
			func(ctx context.Context) error { return z.listen(ctx, out) },
			func(err error) {
				z.logger.WithError(err).Warn("zmq listener stopped, reconnecting",
					"delay", z.reconnectDelay.String())
			})
	}()

	return out
}

func (z *ZMQSource) listen(ctx context.Context, out chan<- engine.TemplateEvent) error {
	socket, err := zmq.NewSocket(zmq.SUB)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeNetwork, "zmq_socket", "failed to create ZMQ socket")
	}
	defer func() {
		if err := socket.Close(); err != nil {
			z.logger.WithError(err).Debug("failed to close ZMQ socket")
		}
	}()

	if err := socket.SetRcvtimeo(zmqPollTimeout); err != nil {
		return errors.Wrap(err, errors.ErrorTypeNetwork, "zmq_socket", "failed to set receive timeout")
	}
	if err := socket.SetSubscribe(topicHashBlock); err != nil {
		return errors.Wrap(err, errors.ErrorTypeNetwork, "zmq_subscribe",
			fmt.Sprintf("failed to subscribe to topic %s", topicHashBlock))
	}
	if err := socket.Connect(z.endpoint); err != nil {
		return errors.Wrap(err, errors.ErrorTypeNetwork, "zmq_connect", "failed to connect to ZMQ endpoint")
	}
	z.logger.Info("connected to ZMQ endpoint")

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		msg, err := socket.RecvMessageBytes(0)
		if err != nil {
			if zmq.AsErrno(err) == zmq.Errno(syscall.EAGAIN) {
				continue
			}
			return errors.Wrap(err, errors.ErrorTypeNetwork, "zmq_receive", "failed to receive ZMQ message")
		}

		n, err := parseHashBlock(msg)
		if err != nil {
			z.logger.WithError(err).Warn("ignoring malformed ZMQ message")
			continue
		}
		z.logger.Debug("new block notification", "hash", n.hash.String(), "sequence", n.sequence)

		select {
		case out <- engine.TemplateEvent{Trigger: engine.TriggerPush}:
		case <-ctx.Done():
			return ctx.Err()
		default:
			// a refresh is already queued
		}
	}
}

type blockNotification struct {
	hash     chainhash.Hash
	sequence uint32
}

// parseHashBlock decodes a [topic, hash, sequence] hashblock message.
func parseHashBlock(parts [][]byte) (blockNotification, error) {
	var n blockNotification
	if len(parts) < 2 {
		return n, fmt.Errorf("expected at least 2 parts, got %d", len(parts))
	}
	if topic := string(parts[0]); topic != topicHashBlock {
		return n, fmt.Errorf("unexpected topic %q", topic)
	}
	if len(parts[1]) != chainhash.HashSize {
		return n, fmt.Errorf("invalid block hash length: %d", len(parts[1]))
	}

	// the hash arrives in display order
	for i := range chainhash.HashSize {
		n.hash[i] = parts[1][chainhash.HashSize-1-i]
	}
	if len(parts) > 2 && len(parts[2]) == 4 {
		n.sequence = binary.LittleEndian.Uint32(parts[2])
	}
	return n, nil
}
