package messaging

import (
	"context"

	"github.com/bardlex/gompcore/internal/engine"
	"github.com/bardlex/gompcore/pkg/errors"
	"github.com/bardlex/gompcore/pkg/log"
)

// ShareSink publishes accepted shares, and the blocks among them, to Kafka.
type ShareSink struct {
	publisher Publisher
	encoding  Encoding
	logger    *log.Logger
}

var _ engine.ShareSink = (*ShareSink)(nil)

// NewShareSink creates a sink writing events in the given encoding.
func NewShareSink(publisher Publisher, encoding Encoding, logger *log.Logger) *ShareSink {
	return &ShareSink{
		publisher: publisher,
		encoding:  encoding,
		logger:    logger.WithComponent("share_sink"),
	}
}

// PublishShare implements engine.ShareSink. Records are keyed by miner so
// one miner's shares stay ordered.
func (s *ShareSink) PublishShare(ctx context.Context, share *engine.Share) error {
	data, err := Encode(s.encoding, NewShareEvent(share))
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeValidation, "encode_share", "failed to encode share event").
			WithContext("share_id", share.ID)
	}
	if err := s.publisher.Publish(ctx, TopicShares, share.Miner, data); err != nil {
		return err
	}

	if !share.IsBlockCandidate {
		return nil
	}

	// The pipeline only passes block shares on once the daemon took them.
	for _, out := range []struct{ topic, status string }{
		{TopicBlockCandidates, BlockStatusCandidate},
		{TopicBlockResults, BlockStatusAccepted},
	} {
		data, err := Encode(s.encoding, NewBlockEvent(share, out.status))
		if err != nil {
			return errors.Wrap(err, errors.ErrorTypeValidation, "encode_block", "failed to encode block event").
				WithContext("block_hash", share.BlockHash)
		}
		if err := s.publisher.Publish(ctx, out.topic, share.BlockHash, data); err != nil {
			return err
		}
	}

	s.logger.Info("published block events", "block_hash", share.BlockHash, "height", share.Height)
	return nil
}
