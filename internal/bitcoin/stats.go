package bitcoin

import (
	"context"
	"sync"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/bardlex/gompcore/internal/engine"
	"github.com/bardlex/gompcore/pkg/log"
)

// NetworkSnapshot is the last network state read from the daemon.
type NetworkSnapshot struct {
	Height      int64
	Difficulty  float64
	HashRate    float64
	RefreshedAt time.Time
}

// NetworkStats periodically refreshes network difficulty and hash rate
// from getmininginfo.
type NetworkStats struct {
	rpc      RPC
	interval time.Duration
	metrics  *engine.Metrics
	logger   *log.Logger

	mu   sync.RWMutex
	last NetworkSnapshot
}

// NewNetworkStats returns a refresher polling every interval.
func NewNetworkStats(rpc RPC, interval time.Duration, metrics *engine.Metrics, logger *log.Logger) *NetworkStats {
	if interval <= 0 {
		interval = time.Minute
	}
	return &NetworkStats{
		rpc:      rpc,
		interval: interval,
		metrics:  metrics,
		logger:   logger.WithComponent("network_stats"),
	}
}

// Run refreshes immediately and then on every tick until ctx is done.
func (s *NetworkStats) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		if err := s.Refresh(ctx); err != nil && ctx.Err() == nil {
			s.logger.WithError(err).Warn("failed to refresh network stats")
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Refresh reads getmininginfo once.
func (s *NetworkStats) Refresh(ctx context.Context) error {
	info, err := s.rpc.GetMiningInfo(ctx)
	if err != nil {
		return err
	}

	snap := NetworkSnapshot{
		Height:      info.Blocks,
		Difficulty:  info.Difficulty,
		HashRate:    info.NetworkHashPS,
		RefreshedAt: time.Now(),
	}

	s.mu.Lock()
	s.last = snap
	s.mu.Unlock()

	s.metrics.SetNetworkDifficulty(snap.Difficulty)
	s.logger.Info("network stats refreshed",
		"height", humanize.Comma(snap.Height),
		"difficulty", humanize.SIWithDigits(snap.Difficulty, 2, ""),
		"hashrate", humanize.SIWithDigits(snap.HashRate, 2, "H/s"))
	return nil
}

// Snapshot returns the most recent refresh.
func (s *NetworkStats) Snapshot() NetworkSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.last
}
