// Package database records consumed share and block events across
// PostgreSQL, Redis and InfluxDB.
package database

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/bardlex/gompcore/internal/database/influx"
	"github.com/bardlex/gompcore/internal/database/postgres"
	"github.com/bardlex/gompcore/internal/database/redis"
	"github.com/bardlex/gompcore/internal/messaging"
	"github.com/bardlex/gompcore/pkg/circuit"
	"github.com/bardlex/gompcore/pkg/errors"
	"github.com/bardlex/gompcore/pkg/log"
	"github.com/bardlex/gompcore/pkg/retry"
)

// HashrateWindow is the sliding window used for per-miner hashrate.
const HashrateWindow = 10 * time.Minute

// ShareStore persists accepted shares.
type ShareStore interface {
	CreateShare(ctx context.Context, share *postgres.Share) (bool, error)
}

// BlockStore persists found blocks.
type BlockStore interface {
	UpsertBlock(ctx context.Context, block *postgres.Block) error
}

// TimeSeries receives metric points. Writes are asynchronous.
type TimeSeries interface {
	WriteShare(ev *messaging.ShareEvent)
	WriteBlock(ev *messaging.BlockEvent)
	WriteHashrate(miner string, hashrate float64, at time.Time)
	WriteNetwork(height int64, difficulty float64, at time.Time)
}

// WorkTracker keeps recent work per miner.
type WorkTracker interface {
	RecordWork(ctx context.Context, miner, shareID string, difficulty float64, at time.Time, window time.Duration) error
	Hashrate(ctx context.Context, miner string, window time.Duration) (float64, error)
}

// Stores groups the backends a Manager writes to.
type Stores struct {
	Shares ShareStore
	Blocks BlockStore
	Series TimeSeries
	Work   WorkTracker
}

// Readers are the query handles of a connected Manager, used by the stats
// API.
type Readers struct {
	Shares *postgres.ShareRepository
	Blocks *postgres.BlockRepository
	Cache  *redis.Client
}

// Manager coordinates event recording. PostgreSQL writes are authoritative
// and retried; Redis and InfluxDB writes are best effort.
type Manager struct {
	stores         Stores
	logger         *log.Logger
	circuitBreaker *circuit.Breaker
	retryConfig    *retry.Config

	readers Readers
	closers []func() error
	health  []func(context.Context) error

	// lastHeight is the highest height a network point was written for.
	lastHeight atomic.Int64
}

// Config holds configuration for all database systems
type Config struct {
	Postgres *postgres.Config
	Redis    *redis.Config
	Influx   *influx.Config
}

// New returns a manager over already connected stores.
func New(stores Stores, logger *log.Logger) *Manager {
	logger = logger.WithComponent("database")
	return &Manager{
		stores: stores,
		logger: logger,
		circuitBreaker: circuit.New(&circuit.Config{
			Name:            "postgres",
			MaxFailures:     3,
			SuccessRequired: 2,
			Timeout:         30 * time.Second,
			ResetTimeout:    60 * time.Second,
			OnStateChange: func(name string, from, to circuit.State) {
				logger.Warn("circuit breaker state changed", "breaker", name, "from", from.String(), "to", to.String())
			},
		}),
		retryConfig: retry.DatabaseConfig(),
	}
}

// Connect opens all three databases, applies the PostgreSQL schema and
// returns a manager over them.
func Connect(ctx context.Context, cfg *Config, logger *log.Logger) (*Manager, error) {
	pg, err := postgres.NewClient(ctx, cfg.Postgres)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeDatabase, "postgres_connection",
			"failed to connect to PostgreSQL database")
	}
	if err := pg.Migrate(ctx); err != nil {
		_ = pg.Close()
		return nil, errors.Wrap(err, errors.ErrorTypeDatabase, "postgres_migrate",
			"failed to apply PostgreSQL schema")
	}

	rdb, err := redis.NewClient(ctx, cfg.Redis)
	if err != nil {
		_ = pg.Close()
		return nil, errors.Wrap(err, errors.ErrorTypeDatabase, "redis_connection",
			"failed to connect to Redis database")
	}

	ifx, err := influx.NewClient(ctx, cfg.Influx)
	if err != nil {
		_ = pg.Close()
		_ = rdb.Close()
		return nil, errors.Wrap(err, errors.ErrorTypeDatabase, "influx_connection",
			"failed to connect to InfluxDB database")
	}

	shares := postgres.NewShareRepository(pg.DB())
	blocks := postgres.NewBlockRepository(pg.DB())
	m := New(Stores{Shares: shares, Blocks: blocks, Series: ifx, Work: rdb}, logger)
	m.readers = Readers{Shares: shares, Blocks: blocks, Cache: rdb}

	m.closers = []func() error{
		pg.Close,
		rdb.Close,
		func() error { ifx.Close(); return nil },
	}
	m.health = []func(context.Context) error{pg.Health, rdb.Health, ifx.Health}

	go m.drainInfluxErrors(ctx, ifx.Errors())
	return m, nil
}

// Readers returns the query handles. They are nil for a Manager built with
// New.
func (m *Manager) Readers() Readers {
	return m.readers
}

func (m *Manager) drainInfluxErrors(ctx context.Context, errs <-chan error) {
	for {
		select {
		case <-ctx.Done():
			return
		case err, ok := <-errs:
			if !ok {
				return
			}
			m.logger.WithError(err).Warn("influx write failed")
		}
	}
}

// Close closes all database connections
func (m *Manager) Close() error {
	var errs []error
	for _, c := range m.closers {
		if err := c(); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("database close errors: %v", errs)
	}
	return nil
}

// Health checks every connection. An open PostgreSQL breaker counts as
// unhealthy even when the server answers pings.
func (m *Manager) Health(ctx context.Context) error {
	if m.circuitBreaker.State() == circuit.StateOpen {
		return errors.New(errors.ErrorTypeDatabase, "health", "postgres circuit breaker is open")
	}
	for _, check := range m.health {
		if err := check(ctx); err != nil {
			return err
		}
	}
	return nil
}

// RecordShare stores an accepted share. A redelivered share is ignored
// after the insert reports it as already stored.
func (m *Manager) RecordShare(ctx context.Context, ev *messaging.ShareEvent) error {
	share := &postgres.Share{
		ShareID:           ev.ShareID,
		JobID:             ev.JobID,
		Miner:             ev.Miner,
		Worker:            ev.Worker,
		Height:            ev.Height,
		Difficulty:        ev.Difficulty,
		ShareDifficulty:   ev.ShareDifficulty,
		NetworkDifficulty: ev.NetworkDifficulty,
		IsBlockCandidate:  ev.IsBlockCandidate,
		BlockHash:         ev.BlockHash,
		SubmittedAt:       ev.SubmittedAt,
	}

	inserted, err := circuit.ExecuteWithResult(ctx, m.circuitBreaker, func() (bool, error) {
		return retry.DoWithResult(ctx, m.retryConfig, func() (bool, error) {
			ok, err := m.stores.Shares.CreateShare(ctx, share)
			if err != nil {
				return false, errors.Wrap(err, errors.ErrorTypeDatabase, "record_share",
					"failed to store share in PostgreSQL").
					WithContext("share_id", ev.ShareID).
					WithContext("miner", ev.Miner)
			}
			return ok, nil
		})
	})
	if err != nil {
		return err
	}
	if !inserted {
		m.logger.WithShare(ev.ShareID, ev.Difficulty).Debug("share already recorded")
		return nil
	}

	m.stores.Series.WriteShare(ev)
	m.observeHeight(ev)

	if err := m.stores.Work.RecordWork(ctx, ev.Miner, ev.ShareID, ev.Difficulty, ev.SubmittedAt, HashrateWindow); err != nil {
		m.logger.WithError(err).Warn("failed to record work", "miner", ev.Miner)
		return nil
	}

	rate, err := m.stores.Work.Hashrate(ctx, ev.Miner, HashrateWindow)
	if err != nil {
		m.logger.WithError(err).Warn("failed to read hashrate", "miner", ev.Miner)
		return nil
	}
	m.stores.Series.WriteHashrate(ev.Miner, rate, time.Now())
	return nil
}

// observeHeight writes one network point per new height seen in shares.
func (m *Manager) observeHeight(ev *messaging.ShareEvent) {
	for {
		last := m.lastHeight.Load()
		if ev.Height <= last {
			return
		}
		if m.lastHeight.CompareAndSwap(last, ev.Height) {
			m.stores.Series.WriteNetwork(ev.Height, ev.NetworkDifficulty, ev.SubmittedAt)
			return
		}
	}
}

// RecordBlock stores a block event. Events for the same hash may arrive
// in any order; a final status is never downgraded to candidate.
func (m *Manager) RecordBlock(ctx context.Context, ev *messaging.BlockEvent) error {
	block := &postgres.Block{
		Hash:              ev.BlockHash,
		Height:            ev.Height,
		ShareID:           ev.ShareID,
		JobID:             ev.JobID,
		Miner:             ev.Miner,
		Worker:            ev.Worker,
		NetworkDifficulty: ev.NetworkDifficulty,
		ConfirmationData:  ev.ConfirmationData,
		Status:            ev.Status,
		FoundAt:           ev.FoundAt,
	}

	err := m.circuitBreaker.Execute(ctx, func() error {
		return retry.Do(ctx, m.retryConfig, func() error {
			if err := m.stores.Blocks.UpsertBlock(ctx, block); err != nil {
				return errors.Wrap(err, errors.ErrorTypeDatabase, "record_block",
					"failed to store block in PostgreSQL").
					WithContext("block_hash", ev.BlockHash).
					WithContext("block_height", ev.Height)
			}
			return nil
		})
	})
	if err != nil {
		return err
	}

	m.logger.Info("block recorded", "block_hash", block.Hash, "height", block.Height, "status", block.Status)
	m.stores.Series.WriteBlock(ev)
	return nil
}
