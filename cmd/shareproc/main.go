// Package main implements shareproc, which consumes share and block events
// from Kafka and records them in PostgreSQL, Redis and InfluxDB.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/segmentio/kafka-go"
	"golang.org/x/sync/errgroup"

	"github.com/bardlex/gompcore/internal/api"
	"github.com/bardlex/gompcore/internal/config"
	"github.com/bardlex/gompcore/internal/database"
	"github.com/bardlex/gompcore/internal/database/influx"
	"github.com/bardlex/gompcore/internal/database/postgres"
	"github.com/bardlex/gompcore/internal/database/redis"
	"github.com/bardlex/gompcore/internal/messaging"
	"github.com/bardlex/gompcore/pkg/errors"
	"github.com/bardlex/gompcore/pkg/log"
)

func main() {
	cfg, err := config.LoadWithArgs(os.Args[1:])
	if err != nil {
		if config.IsHelp(err) {
			fmt.Fprintln(os.Stdout, err)
			os.Exit(0)
		}
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := log.New("shareproc", cfg.Version, cfg.LogLevel, cfg.LogFormat)
	logger.Info("starting shareproc",
		"version", cfg.Version,
		"group_id", cfg.KafkaGroupID,
		"encoding", cfg.ShareEncoding,
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := database.Connect(ctx, &database.Config{
		Postgres: postgres.DefaultConfig(cfg.PostgresURL),
		Redis:    redis.DefaultConfig(cfg.RedisURL),
		Influx: &influx.Config{
			URL:    cfg.InfluxURL,
			Token:  cfg.InfluxToken,
			Org:    cfg.InfluxOrg,
			Bucket: cfg.InfluxBucket,
		},
	}, logger)
	if err != nil {
		logger.WithError(err).Error("failed to connect databases")
		os.Exit(1)
	}

	kafkaClient := messaging.NewKafkaClient(cfg.KafkaBrokers, logger)

	processor := NewShareProcessor(db, kafkaClient, messaging.Encoding(cfg.ShareEncoding), cfg.KafkaGroupID, logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return processor.Start(gctx) })
	if cfg.APIAddr != "" {
		stats := newStatsAPI(db, logger)
		g.Go(func() error { return stats.ListenAndServe(gctx, cfg.APIAddr) })
	}
	runErr := g.Wait()

	if err := kafkaClient.Close(); err != nil {
		logger.WithError(err).Warn("failed to close Kafka client")
	}
	if err := db.Close(); err != nil {
		logger.WithError(err).Warn("failed to close databases")
	}

	if runErr != nil {
		logger.WithError(runErr).Error("share processor failed")
		os.Exit(1)
	}
	logger.Info("shareproc stopped")
}

// newStatsAPI serves the read side of db.
func newStatsAPI(db *database.Manager, logger *log.Logger) *api.Server {
	r := db.Readers()
	return api.New(api.Backends{
		Shares: r.Shares,
		Blocks: r.Blocks,
		Cache:  r.Cache,
		Health: db,
	}, api.Config{HashrateWindow: database.HashrateWindow}, logger)
}

// Recorder stores decoded events.
type Recorder interface {
	RecordShare(ctx context.Context, ev *messaging.ShareEvent) error
	RecordBlock(ctx context.Context, ev *messaging.BlockEvent) error
}

// Consumer delivers records of one topic to a handler until ctx is done.
type Consumer interface {
	Consume(ctx context.Context, topic, groupID string, handle messaging.Handler) error
}

// ShareProcessor feeds the share and block topics into a Recorder.
type ShareProcessor struct {
	recorder Recorder
	consumer Consumer
	encoding messaging.Encoding
	groupID  string
	logger   *log.Logger
}

// NewShareProcessor creates a processor consuming as groupID.
func NewShareProcessor(recorder Recorder, consumer Consumer, encoding messaging.Encoding, groupID string, logger *log.Logger) *ShareProcessor {
	return &ShareProcessor{
		recorder: recorder,
		consumer: consumer,
		encoding: encoding,
		groupID:  groupID,
		logger:   logger.WithComponent("shareproc"),
	}
}

// Start consumes all topics until ctx is done or a consumer fails.
func (sp *ShareProcessor) Start(ctx context.Context) error {
	sp.logger.Info("share processor starting")

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return sp.consumer.Consume(ctx, messaging.TopicShares, sp.groupID, sp.handleShare)
	})
	for _, topic := range []string{messaging.TopicBlockCandidates, messaging.TopicBlockResults} {
		g.Go(func() error {
			return sp.consumer.Consume(ctx, topic, sp.groupID, sp.handleBlock)
		})
	}
	return g.Wait()
}

func (sp *ShareProcessor) handleShare(ctx context.Context, msg kafka.Message) error {
	var ev messaging.ShareEvent
	if err := messaging.Decode(sp.encoding, msg.Value, &ev); err != nil {
		return errors.Permanent(err, errors.ErrorTypeKafka, "decode_share", "undecodable share").
			WithContext("offset", msg.Offset)
	}
	return sp.recorder.RecordShare(ctx, &ev)
}

func (sp *ShareProcessor) handleBlock(ctx context.Context, msg kafka.Message) error {
	var ev messaging.BlockEvent
	if err := messaging.Decode(sp.encoding, msg.Value, &ev); err != nil {
		return errors.Permanent(err, errors.ErrorTypeKafka, "decode_block", "undecodable block event").
			WithContext("offset", msg.Offset)
	}

	if ev.Status == messaging.BlockStatusCandidate {
		sp.logger.LogBlockFound(ev.BlockHash, ev.Height, ev.Miner, ev.Worker, ev.NetworkDifficulty)
	}
	return sp.recorder.RecordBlock(ctx, &ev)
}
