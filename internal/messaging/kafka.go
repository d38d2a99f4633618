// Package messaging publishes share and block events to Kafka and consumes
// them in downstream services.
package messaging

import (
	"context"
	stderrors "errors"
	"fmt"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/bardlex/gompcore/pkg/circuit"
	"github.com/bardlex/gompcore/pkg/errors"
	"github.com/bardlex/gompcore/pkg/log"
	"github.com/bardlex/gompcore/pkg/retry"
)

// Publisher writes one keyed record to a topic.
type Publisher interface {
	Publish(ctx context.Context, topic, key string, value []byte) error
}

// Handler processes one consumed record.
type Handler func(ctx context.Context, msg kafka.Message) error

// KafkaClient publishes and consumes pool events. Writers are cached per
// topic and readers per topic and consumer group.
type KafkaClient struct {
	brokers []string
	logger  *log.Logger
	breaker *circuit.Breaker
	policy  *retry.Config

	mu      sync.Mutex
	writers map[string]*kafka.Writer
	readers map[readerKey]*kafka.Reader
}

type readerKey struct{ topic, group string }

var _ Publisher = (*KafkaClient)(nil)

func NewKafkaClient(brokers []string, logger *log.Logger) *KafkaClient {
	logger = logger.WithComponent("kafka")
	breaker := circuit.New(&circuit.Config{
		Name:            "kafka",
		MaxFailures:     5,
		SuccessRequired: 3,
		Timeout:         15 * time.Second,
		ResetTimeout:    time.Minute,
		OnStateChange: func(name string, from, to circuit.State) {
			logger.Warn("circuit breaker state changed", "breaker", name, "from", from.String(), "to", to.String())
		},
	})

	return &KafkaClient{
		brokers: brokers,
		logger:  logger,
		breaker: breaker,
		policy:  retry.NetworkConfig(),
		writers: make(map[string]*kafka.Writer),
		readers: make(map[readerKey]*kafka.Reader),
	}
}

// writer returns the cached writer for topic. Keys hash to partitions so
// one miner's events stay ordered.
func (k *KafkaClient) writer(topic string) *kafka.Writer {
	k.mu.Lock()
	defer k.mu.Unlock()

	if w, ok := k.writers[topic]; ok {
		return w
	}
	w := &kafka.Writer{
		Addr:         kafka.TCP(k.brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		BatchSize:    100,
		BatchTimeout: 10 * time.Millisecond,
		Compression:  kafka.Snappy,
	}
	k.writers[topic] = w
	k.logger.Info("created Kafka producer", "topic", topic)
	return w
}

func (k *KafkaClient) reader(topic, group string) *kafka.Reader {
	k.mu.Lock()
	defer k.mu.Unlock()

	key := readerKey{topic, group}
	if r, ok := k.readers[key]; ok {
		return r
	}
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     k.brokers,
		Topic:       topic,
		GroupID:     group,
		StartOffset: kafka.FirstOffset,
		MinBytes:    1,
		MaxBytes:    10e6,
		MaxWait:     time.Second,
	})
	k.readers[key] = r
	k.logger.Info("created Kafka consumer", "topic", topic, "group_id", group)
	return r
}

// Publish writes value to topic. Records with the same key land on the
// same partition.
func (k *KafkaClient) Publish(ctx context.Context, topic, key string, value []byte) error {
	msg := kafka.Message{Key: []byte(key), Value: value, Time: time.Now()}
	return k.breaker.Execute(ctx, func() error {
		return retry.Do(ctx, k.policy, func() error {
			if err := k.writer(topic).WriteMessages(ctx, msg); err != nil {
				return errors.Wrap(err, errors.ErrorTypeKafka, "publish_message",
					"failed to publish message to Kafka").
					WithContext("topic", topic).
					WithContext("key", key).
					WithContext("message_size", len(value))
			}

			k.logger.Debug("published message", "topic", topic, "key", key, "size", len(value))
			return nil
		})
	})
}

// Consume reads topic as part of groupID until ctx is done, committing each
// record once handle is done with it. Retryable handler errors are retried;
// a record that still fails is logged and skipped.
func (k *KafkaClient) Consume(ctx context.Context, topic, groupID string, handle Handler) error {
	reader := k.reader(topic, groupID)
	logger := k.logger.WithFields("topic", topic, "group_id", groupID)
	logger.Info("starting consumer")

	for {
		msg, err := reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				logger.Info("consumer stopping")
				return nil
			}
			logger.WithError(err).Error("failed to fetch message")
			if err := retry.Sleep(ctx, time.Second); err != nil {
				return nil
			}
			continue
		}

		err = retry.Do(ctx, k.policy, func() error { return handle(ctx, msg) })
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			logger.WithError(err).Error("dropping message after failed handling",
				"partition", msg.Partition, "offset", msg.Offset)
		}

		if err := reader.CommitMessages(ctx, msg); err != nil && ctx.Err() == nil {
			logger.WithError(err).Error("failed to commit message", "offset", msg.Offset)
		}
	}
}

// Close closes every cached writer and reader.
func (k *KafkaClient) Close() error {
	k.mu.Lock()
	defer k.mu.Unlock()

	var errs []error
	for topic, w := range k.writers {
		if err := w.Close(); err != nil {
			errs = append(errs, fmt.Errorf("producer %s: %w", topic, err))
		}
	}
	for key, r := range k.readers {
		if err := r.Close(); err != nil {
			errs = append(errs, fmt.Errorf("consumer %s/%s: %w", key.topic, key.group, err))
		}
	}

	clear(k.writers)
	clear(k.readers)
	return stderrors.Join(errs...)
}
