package main

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/bardlex/gompcore/internal/messaging"
	serrors "github.com/bardlex/gompcore/pkg/errors"
	"github.com/bardlex/gompcore/pkg/log"
)

type fakeRecorder struct {
	mu     sync.Mutex
	shares []*messaging.ShareEvent
	blocks []*messaging.BlockEvent
}

func (f *fakeRecorder) RecordShare(_ context.Context, ev *messaging.ShareEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.shares = append(f.shares, ev)
	return nil
}

func (f *fakeRecorder) RecordBlock(_ context.Context, ev *messaging.BlockEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.blocks = append(f.blocks, ev)
	return nil
}

// fakeConsumer replays canned records per topic and then blocks until
// cancelled, like a caught-up reader.
type fakeConsumer struct {
	records map[string][][]byte
	fail    string

	mu     sync.Mutex
	topics []string
	errs   []error
}

func (f *fakeConsumer) Consume(ctx context.Context, topic, _ string, handle messaging.Handler) error {
	f.mu.Lock()
	f.topics = append(f.topics, topic)
	f.mu.Unlock()

	if topic == f.fail {
		return errors.New("broker gone")
	}

	for i, v := range f.records[topic] {
		if err := handle(ctx, kafka.Message{Topic: topic, Offset: int64(i), Value: v}); err != nil {
			f.mu.Lock()
			f.errs = append(f.errs, err)
			f.mu.Unlock()
		}
	}
	<-ctx.Done()
	return nil
}

func encode(t *testing.T, enc messaging.Encoding, ev any) []byte {
	t.Helper()
	var (
		data []byte
		err  error
	)
	switch e := ev.(type) {
	case *messaging.ShareEvent:
		data, err = messaging.Encode(enc, e)
	case *messaging.BlockEvent:
		data, err = messaging.Encode(enc, e)
	}
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	return data
}

func TestShareProcessor_RoutesTopics(t *testing.T) {
	for _, enc := range []messaging.Encoding{messaging.EncodingJSON, messaging.EncodingProto} {
		t.Run(string(enc), func(t *testing.T) {
			now := time.Unix(1700000000, 0).UTC()
			consumer := &fakeConsumer{records: map[string][][]byte{
				messaging.TopicShares: {
					encode(t, enc, &messaging.ShareEvent{ShareID: "s1", Miner: "m", Worker: "w", Height: 5, SubmittedAt: now}),
					[]byte("garbage"),
				},
				messaging.TopicBlockCandidates: {
					encode(t, enc, &messaging.BlockEvent{BlockHash: "h1", Height: 5, Status: messaging.BlockStatusCandidate, FoundAt: now}),
				},
				messaging.TopicBlockResults: {
					encode(t, enc, &messaging.BlockEvent{BlockHash: "h1", Height: 5, Status: messaging.BlockStatusAccepted, FoundAt: now}),
				},
			}}
			rec := &fakeRecorder{}
			sp := NewShareProcessor(rec, consumer, enc, "test", log.Discard())

			ctx, cancel := context.WithCancel(context.Background())
			done := make(chan error, 1)
			go func() { done <- sp.Start(ctx) }()

			deadline := time.Now().Add(2 * time.Second)
			for {
				rec.mu.Lock()
				n := len(rec.shares) + len(rec.blocks)
				rec.mu.Unlock()
				if n == 3 {
					break
				}
				if time.Now().After(deadline) {
					t.Fatalf("recorded %d events, want 3", n)
				}
				time.Sleep(5 * time.Millisecond)
			}
			cancel()
			if err := <-done; err != nil {
				t.Fatalf("Start() error = %v", err)
			}

			if rec.shares[0].ShareID != "s1" || !rec.shares[0].SubmittedAt.Equal(now) {
				t.Errorf("share = %+v", rec.shares[0])
			}
			statuses := []string{rec.blocks[0].Status, rec.blocks[1].Status}
			sort.Strings(statuses)
			if statuses[0] != messaging.BlockStatusAccepted || statuses[1] != messaging.BlockStatusCandidate {
				t.Errorf("block statuses = %v", statuses)
			}
			if len(consumer.errs) != 1 {
				t.Errorf("handler errors = %v, want one for the garbage record", consumer.errs)
			} else if serrors.IsRetryable(consumer.errs[0]) {
				t.Errorf("decode error %v is retryable", consumer.errs[0])
			}
		})
	}
}

func TestShareProcessor_ConsumerFailure(t *testing.T) {
	consumer := &fakeConsumer{fail: messaging.TopicBlockResults}
	sp := NewShareProcessor(&fakeRecorder{}, consumer, messaging.EncodingJSON, "test", log.Discard())

	done := make(chan error, 1)
	go func() { done <- sp.Start(context.Background()) }()

	select {
	case err := <-done:
		if err == nil {
			t.Error("Start() error = nil, want consumer error")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Start() did not return after a consumer failed")
	}

	consumer.mu.Lock()
	defer consumer.mu.Unlock()
	if len(consumer.topics) != 3 {
		t.Errorf("consumed topics = %v, want all three", consumer.topics)
	}
}
